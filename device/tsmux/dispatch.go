/*
DESCRIPTION
  dispatch.go provides job submission: OTF frames one at a time into the
  session's OTF buffers, and M2M batches of up to three jobs.

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
	"errors"
	"fmt"
)

// audioFrameDuration is the duration of an AAC frame of 1024 samples at
// 48kHz in microseconds.
const audioFrameDuration = 21333

// M2MResult describes the output of one M2M batch entry. Data refers to the
// entry's output buffer and is only valid until the next batch is run.
type M2MResult struct {
	ID        int   // Job id, 1 to 3.
	Size      int   // Bytes produced.
	Timestamp int64 // Presentation time in microseconds.
	Data      []byte
}

type m2mEntry struct {
	job JobDescriptor
	psi *psiRegs
}

// m2mBatch is an M2M batch in flight.
type m2mBatch struct {
	owner   *Session
	entries []m2mEntry
	pending map[int]bool
	sizes   map[int]int
	results []M2MResult
	done    bool
	fatal   bool
}

// SubmitOTFFrame queues a frame with presentation time ts, in microseconds,
// into the next free OTF buffer and returns the buffer index. If psi is true
// the session's PSI template is emitted ahead of the frame. Only one OTF job
// may be in flight on the device; if another does not complete within a
// short wait ErrBusy is returned.
func (s *Session) SubmitOTFFrame(ctx context.Context, ts int64, psi bool) (int, error) {
	d := s.dev
	d.mu.Lock()
	err := d.waitLocked(ctx, d.otfSubmitWait, func() (bool, error) {
		err := s.usableLocked()
		if err != nil {
			return false, err
		}
		return d.otf == nil, nil
	})
	if err != nil {
		d.mu.Unlock()
		if errors.Is(err, ErrTimeout) {
			return -1, ErrBusy
		}
		return -1, err
	}

	switch {
	case s.otf == nil:
		err = ErrNotMapped
	case psi && s.psi == nil:
		err = fmt.Errorf("%w: no template set", ErrInvalidPSI)
	case s.otf.Count(Queued) != 0:
		d.metrics.queueFullInc()
		err = ErrQueueFull
	}
	if err != nil {
		d.mu.Unlock()
		return -1, err
	}

	i, ok := s.otf.Claim(psi)
	if !ok {
		d.mu.Unlock()
		return -1, ErrNoFreeBuffer
	}
	slot, _ := s.otf.Slot(i)

	j := s.otfJob
	j.Ctrl.PSIEnable = psi
	j.Ctrl.Mode = ModeOTF
	j.Ctrl.ID = OTFJobID
	j.Ctrl.SeqOverride = false
	j.PES.SetPTS(PTSFromMicroseconds(ts))
	j.Src, j.SrcLen = 0, 0
	j.Dst = slot.Addr

	var regs *psiRegs
	if psi {
		s.psi.patch(&s.counters)
		s.psi.setPCR(ts)
		r := s.psi.regs()
		regs = &r
	}
	s.stampLocked(&j, s.counters.VideoCC)

	d.otf = s
	key := s.key
	d.mu.Unlock()

	d.hwMu.Lock()
	d.applyKey(key, ModeOTF)
	if regs != nil {
		d.writePSI(*regs)
	}
	d.wd.start(OTFJobID)
	d.program(&j)
	d.hwMu.Unlock()

	d.metrics.jobQueued(labelOTF)
	d.log.Debug("OTF job queued", "slot", i, "ts", ts, "psi", psi, "cc", j.TS.CC)
	return i, nil
}

// stampLocked writes the continuity counter cc into j, and applies and
// consumes any pending sequence override. It must be called with s.dev.mu
// held.
func (s *Session) stampLocked(j *JobDescriptor, cc uint8) {
	j.TS.CC = cc
	if !s.counters.SeqOverride {
		return
	}
	j.Ctrl.SeqOverride = true
	j.RTP.Seq = s.counters.RTPSeq
	s.counters.SeqOverride = false
}

// RunM2MBatch packetizes up to three jobs memory to memory, one per mapped
// input and output buffer pair, and blocks until all complete. Entries whose
// PES.PTS39to16 is NoPTS are skipped. Each entry's SrcLen bytes are read
// from its input buffer; PTS and PES fields are taken from the entry as
// given. The continuity counter is stamped from the session's audio counter.
func (s *Session) RunM2MBatch(ctx context.Context, jobs []JobDescriptor) ([]M2MResult, error) {
	if len(jobs) == 0 || len(jobs) > M2MJobs {
		return nil, fmt.Errorf("%w: %d jobs", ErrInvalidBatch, len(jobs))
	}

	d := s.dev
	d.mu.Lock()
	err := s.checkBatchLocked(jobs)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if d.batch != nil || d.abandonedLocked() {
		d.mu.Unlock()
		d.metrics.queueFullInc()
		return nil, ErrQueueFull
	}

	b := &m2mBatch{owner: s, pending: make(map[int]bool), sizes: make(map[int]int)}
	cc := s.counters.AudioCC
	for i := range jobs {
		if !jobs[i].present() {
			continue
		}
		id := i + 1
		j := jobs[i]
		j.Ctrl.Mode = ModeM2M
		j.Ctrl.ID = id
		j.Ctrl.SeqOverride = false
		if j.Ctrl.RTPSize == 0 {
			j.Ctrl.RTPSize = DefaultTSPerRTP
		}
		j.Src = s.m2mIn[i].Addr
		slot, _ := s.m2mOut.Slot(i)
		j.Dst = slot.Addr

		e := m2mEntry{}
		if j.Ctrl.PSIEnable {
			s.psi.patch(&s.counters)
			r := s.psi.regs()
			e.psi = &r
		}
		s.stampLocked(&j, cc)
		cc = uint8((int(cc) + j.predictedTSPackets()) & ccMask)

		err := s.m2mOut.MarkQueued(i, j.Ctrl.PSIEnable)
		if err != nil {
			// Left over from an abandoned batch.
			s.m2mOut.reset(i)
			s.m2mOut.MarkQueued(i, j.Ctrl.PSIEnable)
		}
		e.job = j
		b.entries = append(b.entries, e)
		b.pending[id] = true
	}
	d.batch = b
	key := s.key
	d.mu.Unlock()

	d.hwMu.Lock()
	d.applyKey(key, ModeM2M)
	for i := range b.entries {
		e := &b.entries[i]
		if e.psi != nil {
			d.writePSI(*e.psi)
		}
		d.wd.start(e.job.Ctrl.ID)
		d.program(&e.job)
		d.metrics.jobQueued(labelM2M)
	}
	d.hwMu.Unlock()
	d.log.Debug("M2M batch queued", "jobs", len(b.entries))

	d.mu.Lock()
	err = d.waitLocked(ctx, d.m2mWait, func() (bool, error) {
		if b.fatal {
			return false, ErrDeviceNeedsReset
		}
		return b.done, nil
	})
	if d.batch == b {
		d.batch = nil
	}
	if err != nil {
		// Jobs still on the hardware keep their watchdog running, so a
		// stalled job escalates even though nobody waits for it.
		var pending []int
		for id, p := range b.pending {
			if p {
				d.abandoned[id] = true
				pending = append(pending, id)
			}
		}
		d.mu.Unlock()
		d.log.Warning("M2M batch abandoned", "error", err, "pending", pending)
		return nil, err
	}
	for _, r := range b.results {
		s.m2mOut.MarkDequeued(r.ID - 1)
		s.m2mOut.MarkFree(r.ID - 1)
	}
	d.mu.Unlock()
	return b.results, nil
}

// abandonedLocked reports whether any abandoned M2M job is still held by the
// hardware. It must be called with d.mu held.
func (d *Device) abandonedLocked() bool {
	for _, a := range d.abandoned {
		if a {
			return true
		}
	}
	return false
}

// checkBatchLocked validates an M2M batch before anything is programmed. It
// must be called with s.dev.mu held.
func (s *Session) checkBatchLocked(jobs []JobDescriptor) error {
	err := s.usableLocked()
	if err != nil {
		return err
	}
	if s.m2mOut == nil {
		return ErrNotMapped
	}
	var n int
	for i := range jobs {
		j := &jobs[i]
		if !j.present() {
			continue
		}
		n++
		if i >= len(s.m2mIn) {
			return fmt.Errorf("%w: no buffers for job %d", ErrNotMapped, i+1)
		}
		if j.Ctrl.PSIEnable && s.psi == nil {
			return fmt.Errorf("%w: no template set", ErrInvalidPSI)
		}
		if int(j.SrcLen) > len(s.m2mIn[i].Buf) {
			return fmt.Errorf("%w: job %d source length %d exceeds buffer", ErrInvalidBatch, i+1, j.SrcLen)
		}
		if j.Ctrl.RTPSize < 0 || j.Ctrl.RTPSize > PktCtrlRTPSize>>PktCtrlRTPShift {
			return fmt.Errorf("%w: job %d RTP size %d", ErrInvalidConfig, i+1, j.Ctrl.RTPSize)
		}
	}
	if n == 0 {
		return fmt.Errorf("%w: no jobs present", ErrInvalidBatch)
	}
	return nil
}
