/*
DESCRIPTION
  completion.go provides job completion handling, advancing counter state
  from the sizes the hardware reports, and the OTF dequeue path.

AUTHORS
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package tsmux

import (
	"context"
	"time"
)

// HandleCompletion services the job done interrupt. It reads INT_STAT once
// and handles each completed job id in ascending order. It must be called
// whenever the hardware signals completion and is safe to call from any
// goroutine.
func (d *Device) HandleCompletion() {
	d.irqMu.Lock()
	defer d.irqMu.Unlock()

	stat := d.regs.Read(RegIntStat)
	for id := 0; id < NumJobIDs; id++ {
		if stat&(1<<id) == 0 {
			continue
		}
		d.regs.Write(RegIntStat, 1<<id)
		size := int(d.regs.Read(RegDstLen(id)))
		d.wd.stop(id)
		if id == OTFJobID {
			d.completeOTF(size)
			continue
		}
		d.completeM2M(id, size)
	}
}

// completeOTF marks the queued OTF buffer Done and advances the video
// continuity counter and RTP sequence number. The counter takes one extra
// step for the null packet appended when the buffer is dequeued.
func (d *Device) completeOTF(size int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.otf
	if s == nil || s.otf == nil {
		d.log.Warning("OTF completion with no job in flight", "size", size)
		return
	}
	i, ok := s.otf.FindQueued()
	if !ok {
		d.log.Error("OTF completion with no queued buffer", "size", size)
		d.otf = nil
		d.broadcastLocked()
		return
	}
	slot, _ := s.otf.Slot(i)
	if size > slot.Capacity() {
		d.log.Error("OTF output overran buffer", "slot", i, "size", size, "capacity", slot.Capacity())
		size = slot.Capacity()
	}

	n := s.otfJob.Ctrl.RTPSize
	cc := NextContinuityCounter(s.counters.VideoCC, size, n, slot.PSI)
	cc = (cc + 1) & ccMask
	s.counters.VideoCC = cc
	s.counters.RTPSeq = NextRTPSequence(s.counters.RTPSeq, size, n)

	err := s.otf.MarkDone(i, size, time.Now().UnixMicro())
	if err != nil {
		d.log.Error("could not mark OTF buffer done", "slot", i, "error", err)
	}
	s.otf.update(i, func(b *BufferSlot) { b.cc = cc })

	d.otf = nil
	d.broadcastLocked()
	d.metrics.jobDone(labelOTF, size)
	d.log.Debug("OTF job done", "slot", i, "size", size, "cc", cc, "seq", s.counters.RTPSeq)
}

// completeM2M records completion of an M2M batch entry. When the last entry
// of the batch completes, the audio continuity counter and RTP sequence
// number are advanced for each entry in id order.
func (d *Device) completeM2M(id, size int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.abandoned[id] {
		d.abandoned[id] = false
		d.broadcastLocked()
		d.log.Warning("late M2M completion dropped", "id", id, "size", size)
		return
	}

	b := d.batch
	if b == nil || !b.pending[id] {
		d.log.Warning("M2M completion with no job in flight", "id", id, "size", size)
		return
	}
	b.pending[id] = false
	b.sizes[id] = size
	d.metrics.jobDone(labelM2M, size)
	for _, p := range b.pending {
		if p {
			return
		}
	}

	s := b.owner
	for _, e := range b.entries {
		id := e.job.Ctrl.ID
		size := b.sizes[id]
		out, _ := s.m2mOut.Slot(id - 1)
		if size > out.Capacity() {
			d.log.Error("M2M output overran buffer", "id", id, "size", size, "capacity", out.Capacity())
			size = out.Capacity()
		}
		n := e.job.Ctrl.RTPSize
		s.counters.AudioCC = NextContinuityCounter(s.counters.AudioCC, size, n, e.job.Ctrl.PSIEnable)
		s.counters.RTPSeq = NextRTPSequence(s.counters.RTPSeq, size, n)
		s.audioFrames++

		ts := s.audioFrames * audioFrameDuration
		err := s.m2mOut.MarkDone(id-1, size, ts)
		if err != nil {
			d.log.Error("could not mark M2M buffer done", "id", id, "error", err)
		}
		b.results = append(b.results, M2MResult{ID: id, Size: size, Timestamp: ts, Data: out.Buf[:size]})
	}
	b.done = true
	d.broadcastLocked()
	d.log.Debug("M2M batch done", "jobs", len(b.entries), "cc", s.counters.AudioCC, "seq", s.counters.RTPSeq)
}

// DequeueOTFFrame waits for the oldest completed OTF buffer and hands it to
// the caller, appending a null TS packet to the produced data. The buffer
// must be returned with ReleaseOTFBuffer once consumed. ErrTimeout is
// returned if no buffer completes within the dequeue wait.
func (s *Session) DequeueOTFFrame(ctx context.Context) (BufferSlot, error) {
	d := s.dev
	d.mu.Lock()
	i := -1
	err := d.waitLocked(ctx, d.dequeueWait, func() (bool, error) {
		if s.closed {
			return false, ErrClosed
		}
		if s.otf == nil {
			return false, ErrNotMapped
		}
		var ok bool
		i, ok = s.otf.FindOldestDone()
		return ok, nil
	})
	if err != nil {
		d.mu.Unlock()
		return BufferSlot{}, err
	}

	t := s.otf
	err = t.MarkDequeued(i)
	if err != nil {
		d.mu.Unlock()
		return BufferSlot{}, err
	}
	s.videoFrames++
	d.broadcastLocked()
	reorder := d.hwVersion < orderingFixedVersion && s.key.OTFEnable
	hdr := s.otfJob.TS
	d.mu.Unlock()

	// The slot is Dequeued and owned by the caller from here.
	slot, _ := t.Slot(i)
	if reorder {
		err = reorderPrivateData(slot.Bytes(), slot.PSI)
		if err != nil {
			d.log.Warning("could not reorder PES private data", "slot", i, "error", err)
		}
	}

	n, last, err := appendNullPacket(slot.Buf, slot.ActualSize, hdr)
	if err != nil {
		d.log.Error("could not append null packet", "slot", i, "error", err)
		return slot, nil
	}
	if (last+2)&ccMask != slot.cc {
		d.log.Error("continuity counter mismatch", "slot", i, "last", last, "want", (slot.cc-2)&ccMask)
	}
	slot.ActualSize = n
	t.update(i, func(b *BufferSlot) { b.ActualSize = n })
	return slot, nil
}
