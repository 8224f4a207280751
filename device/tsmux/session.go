/*
DESCRIPTION
  session.go provides Session, the per user state of the packetizer: mapped
  buffers, counter state, PSI template and job configuration.

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

// Buffer mapping errors.
var (
	errAlreadyMapped = errors.New("buffers already mapped")
	errBufferCount   = errors.New("bad buffer count")
	errNoMapper      = errors.New("device has no buffer mapper")
)

// Session is an open handle on a Device. Its methods are safe for concurrent
// use, though a session normally has one producer and one consumer.
type Session struct {
	dev *Device

	// All fields below are guarded by dev.mu.
	closed      bool
	otf         *SlotTable
	m2mIn       []Mapping
	m2mOut      *SlotTable
	psi         *PSITemplate
	counters    CounterState
	otfJob      JobDescriptor
	key         KeyConfig
	videoFrames int64
	audioFrames int64
}

func newSession(d *Device) *Session {
	j := DefaultVideoJob()
	j.Ctrl.RTPSize = DefaultTSPerRTP
	return &Session{dev: d, otfJob: j}
}

// usableLocked returns an error if s can not take new work. It must be called
// with s.dev.mu held.
func (s *Session) usableLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.dev.needsReset {
		return ErrDeviceNeedsReset
	}
	return nil
}

// Close unmaps the session's buffers, clears its key configuration and
// detaches it from the device. Buffers that can not be drained are unmapped
// regardless and the drain error is returned.
func (s *Session) Close() error {
	d := s.dev
	d.mu.Lock()
	if s.closed {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	drainErr := s.UnmapOTFBuffers()
	if drainErr != nil {
		d.log.Warning("closing with OTF job outstanding", "error", drainErr)
		s.dropOTF()
	}
	err := s.UnmapM2MBuffers()
	if err != nil {
		d.log.Warning("closing with M2M batch outstanding", "error", err)
		s.dropM2M()
	}

	d.hwMu.Lock()
	err = d.keys.Clear()
	d.hwMu.Unlock()
	if err != nil {
		d.log.Error("could not clear key configuration", "error", err)
	}

	d.mu.Lock()
	s.closed = true
	d.mu.Unlock()
	d.closeSession(s)
	return drainErr
}

// SetPSITemplate validates and stores the PSI template used by jobs that
// enable PSI. A rejected template leaves the current one in place.
func (s *Session) SetPSITemplate(pat, pmt, pcr []byte) error {
	t, err := NewPSITemplate(pat, pmt, pcr)
	if err != nil {
		return err
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.psi = t
	return nil
}

// PSITemplate returns a copy of the session's PSI template segments. ok is
// false if none has been set.
func (s *Session) PSITemplate() (pat, pmt, pcr []byte, ok bool) {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.psi == nil {
		return nil, nil, nil, false
	}
	b := s.psi.Bytes()
	p, m, _ := s.psi.Lens()
	return b[:p], b[p : p+m], b[p+m:], true
}

// SetOTFConfig sets the job template used for OTF frames. The control mode,
// id, PTS, continuity counter and addresses are filled in per frame. An
// RTPSize of zero selects DefaultTSPerRTP.
func (s *Session) SetOTFConfig(j JobDescriptor) error {
	if j.Ctrl.RTPSize < 0 || j.Ctrl.RTPSize > PktCtrlRTPSize>>PktCtrlRTPShift {
		return fmt.Errorf("%w: RTP size %d", ErrInvalidConfig, j.Ctrl.RTPSize)
	}
	if j.Ctrl.RTPSize == 0 {
		j.Ctrl.RTPSize = DefaultTSPerRTP
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.otfJob = j
	return nil
}

// SetKeyConfig sets the key configuration applied before the session's jobs.
func (s *Session) SetKeyConfig(k KeyConfig) {
	s.dev.mu.Lock()
	s.key = k
	s.dev.mu.Unlock()
}

// CounterState returns the session's counter state.
func (s *Session) CounterState() CounterState {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.counters
}

// SetCounterState replaces the session's counter state, for example to
// continue a stream from another session. Setting SeqOverride forces the
// RTP sequence number and stream continuity counter into the next job.
func (s *Session) SetCounterState(c CounterState) error {
	err := c.Validate()
	if err != nil {
		return err
	}
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.counters = c
	return nil
}

// Frames returns the number of video frames dequeued and audio frames
// packetized by the session.
func (s *Session) Frames() (video, audio int64) {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	return s.videoFrames, s.audioFrames
}

// MapOTFBuffers maps the OTF output buffers identified by handles.
func (s *Session) MapOTFBuffers(handles []Handle) error {
	d := s.dev
	if len(handles) == 0 || len(handles) > d.otfBuffers {
		return fmt.Errorf("%w: %d OTF buffers, want 1 to %d", errBufferCount, len(handles), d.otfBuffers)
	}
	d.mu.Lock()
	err := s.usableLocked()
	if err == nil && s.otf != nil {
		err = errAlreadyMapped
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}

	maps, err := d.mapAll(handles)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s.otf != nil {
		d.unmapAll(maps)
		return errAlreadyMapped
	}
	s.otf = NewSlotTable(maps)
	d.log.Debug("mapped OTF buffers", "count", len(maps))
	return nil
}

// UnmapOTFBuffers waits until every OTF buffer of the session that was
// queued has been completed and dequeued, then unmaps the buffers. ErrBusy is
// returned if that does not happen within the unmap wait.
func (s *Session) UnmapOTFBuffers() error {
	d := s.dev
	d.mu.Lock()
	err := d.waitLocked(context.Background(), d.unmapWait, func() (bool, error) {
		return s.otf == nil || s.otf.Count(Queued)+s.otf.Count(Done) == 0, nil
	})
	if errors.Is(err, ErrTimeout) {
		queued, done := s.otf.Count(Queued), s.otf.Count(Done)
		d.mu.Unlock()
		d.log.Error("could not unmap OTF buffers, frames not dequeued", "queued", queued, "done", done)
		return ErrBusy
	}
	t := s.otf
	s.otf = nil
	d.mu.Unlock()

	if t != nil {
		d.unmapAll(t.Mappings())
	}
	return nil
}

// dropOTF unmaps the OTF buffers without waiting for outstanding jobs.
func (s *Session) dropOTF() {
	d := s.dev
	d.mu.Lock()
	t := s.otf
	s.otf = nil
	if d.otf == s {
		d.otf = nil
		d.wd.stop(OTFJobID)
	}
	d.mu.Unlock()
	if t != nil {
		d.unmapAll(t.Mappings())
	}
}

// ReleaseOTFBuffer returns a dequeued OTF buffer to the hardware.
func (s *Session) ReleaseOTFBuffer(i int) error {
	d := s.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.otf == nil {
		return ErrNotMapped
	}
	err := s.otf.MarkFree(i)
	if err != nil {
		return err
	}
	d.broadcastLocked()
	return nil
}

// MapM2MBuffers maps pairs of M2M input and output buffers, one pair per
// batch entry.
func (s *Session) MapM2MBuffers(in, out []Handle) error {
	d := s.dev
	if len(in) == 0 || len(in) > M2MJobs || len(in) != len(out) {
		return fmt.Errorf("%w: %d in and %d out M2M buffers, want 1 to %d pairs", errBufferCount, len(in), len(out), M2MJobs)
	}
	d.mu.Lock()
	err := s.usableLocked()
	if err == nil && s.m2mOut != nil {
		err = errAlreadyMapped
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}

	inMaps, err := d.mapAll(in)
	if err != nil {
		return err
	}
	outMaps, err := d.mapAll(out)
	if err != nil {
		d.unmapAll(inMaps)
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if s.m2mOut != nil {
		d.unmapAll(append(inMaps, outMaps...))
		return errAlreadyMapped
	}
	s.m2mIn = inMaps
	s.m2mOut = NewSlotTable(outMaps)
	d.log.Debug("mapped M2M buffers", "pairs", len(inMaps))
	return nil
}

// UnmapM2MBuffers unmaps the session's M2M buffers. ErrBusy is returned if
// a batch of the session is in flight.
func (s *Session) UnmapM2MBuffers() error {
	d := s.dev
	d.mu.Lock()
	if d.batch != nil && d.batch.owner == s {
		d.mu.Unlock()
		return ErrBusy
	}
	maps := s.m2mIn
	if s.m2mOut != nil {
		maps = append(maps, s.m2mOut.Mappings()...)
	}
	s.m2mIn, s.m2mOut = nil, nil
	d.mu.Unlock()

	d.unmapAll(maps)
	return nil
}

// dropM2M unmaps the M2M buffers, abandoning any batch in flight.
func (s *Session) dropM2M() {
	d := s.dev
	d.mu.Lock()
	if d.batch != nil && d.batch.owner == s {
		d.batch = nil
		for id := 1; id < NumJobIDs; id++ {
			d.wd.stop(id)
		}
	}
	d.mu.Unlock()
	err := s.UnmapM2MBuffers()
	if err != nil {
		d.log.Error("could not unmap M2M buffers", "error", err)
	}
}

// mapAll maps handles, unmapping any already mapped if one fails.
func (d *Device) mapAll(handles []Handle) ([]Mapping, error) {
	if d.mapper == nil {
		return nil, errNoMapper
	}
	maps := make([]Mapping, 0, len(handles))
	for _, h := range handles {
		m, err := d.mapper.Map(h)
		if err != nil {
			d.unmapAll(maps)
			return nil, fmt.Errorf("could not map buffer %d: %w", h, err)
		}
		maps = append(maps, m)
	}
	return maps, nil
}

// unmapAll unmaps maps, logging any failures.
func (d *Device) unmapAll(maps []Mapping) {
	for _, m := range maps {
		err := d.mapper.Unmap(m)
		if err != nil {
			d.log.Warning("could not unmap buffer", "handle", m.Handle, "error", err)
		}
	}
}
