/*
DESCRIPTION
  completion_test.go provides testing for job submission and completion
  handling against a register block that completes only when told to.

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
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// complete makes job id report size bytes and services the interrupt.
func complete(d *Device, regs *fakeRegs, size int, ids ...int) {
	var stat uint32
	for _, id := range ids {
		stat |= 1 << id
		regs.set(RegDstLen(id), uint32(size))
	}
	regs.set(RegIntStat, stat)
	d.HandleCompletion()
}

func openOTF(t *testing.T, buffers int, options ...func(*Device) error) (*Device, *fakeRegs, *Session) {
	t.Helper()
	d, regs := newTestDevice(t, options...)
	s, err := d.OpenSession()
	if err != nil {
		t.Fatalf("could not open session: %v", err)
	}
	handles := make([]Handle, buffers)
	for i := range handles {
		handles[i] = Handle(i + 1)
	}
	if err := s.MapOTFBuffers(handles); err != nil {
		t.Fatalf("could not map buffers: %v", err)
	}
	return d, regs, s
}

func TestOTFCompletion(t *testing.T) {
	m := NewMetrics()
	d, regs, s := openOTF(t, 2, WithMetrics(m))
	defer s.Close()

	i, err := s.SubmitOTFFrame(context.Background(), 1000000, false)
	if err != nil {
		t.Fatalf("could not submit frame: %v", err)
	}
	if st, _ := d.WatchdogState(OTFJobID); !st.Running {
		t.Error("watchdog not armed by submit")
	}

	complete(d, regs, 1140, OTFJobID)
	if st, _ := d.WatchdogState(OTFJobID); st.Running {
		t.Error("watchdog still armed after completion")
	}

	c := s.CounterState()
	if c.VideoCC != 7 || c.RTPSeq != 1 {
		t.Errorf("unexpected counters after completion: %+v", c)
	}

	slot, err := s.DequeueOTFFrame(context.Background())
	if err != nil {
		t.Fatalf("could not dequeue frame: %v", err)
	}
	if slot.Index != i || slot.State != Dequeued {
		t.Errorf("unexpected slot: index %d, state %v", slot.Index, slot.State)
	}
	if slot.ActualSize != 1140+TSPacketSize {
		t.Errorf("null packet not appended, size: %d", slot.ActualSize)
	}
	null := slot.Bytes()[1140:]
	if null[0] != 0x47 || uint16(null[1]&0x1f)<<8|uint16(null[2]) != 256 || null[3]>>4 != 0x2 {
		t.Errorf("unexpected null packet header: %x", null[:4])
	}
	if err := s.ReleaseOTFBuffer(slot.Index); err != nil {
		t.Errorf("could not release buffer: %v", err)
	}
	if v, _ := s.Frames(); v != 1 {
		t.Errorf("unexpected video frame count: %d", v)
	}

	if v := testutil.ToFloat64(m.jobsDone.WithLabelValues(labelOTF)); v != 1 {
		t.Errorf("unexpected jobs done: %v", v)
	}
	if v := testutil.ToFloat64(m.bytesOut.WithLabelValues(labelOTF)); v != 1140 {
		t.Errorf("unexpected output bytes: %v", v)
	}
}

func TestOTFSubmitErrors(t *testing.T) {
	d, regs, s := openOTF(t, 1, WithJobWait(5*time.Millisecond))
	defer s.Close()
	ctx := context.Background()

	if _, err := s.DequeueOTFFrame(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("did not get expected dequeue error.\nGot: %v\nWant: %v", err, ErrTimeout)
	}

	if _, err := s.SubmitOTFFrame(ctx, 0, false); err != nil {
		t.Fatalf("could not submit frame: %v", err)
	}
	if _, err := s.SubmitOTFFrame(ctx, 33333, false); !errors.Is(err, ErrBusy) {
		t.Errorf("did not get expected error with job in flight.\nGot: %v\nWant: %v", err, ErrBusy)
	}

	complete(d, regs, 1140, OTFJobID)
	if _, err := s.SubmitOTFFrame(ctx, 33333, false); !errors.Is(err, ErrNoFreeBuffer) {
		t.Errorf("did not get expected error with no free buffer.\nGot: %v\nWant: %v", err, ErrNoFreeBuffer)
	}

	slot, err := s.DequeueOTFFrame(ctx)
	if err != nil {
		t.Fatalf("could not dequeue: %v", err)
	}
	if err := s.ReleaseOTFBuffer(slot.Index); err != nil {
		t.Fatalf("could not release: %v", err)
	}
	if err := s.ReleaseOTFBuffer(slot.Index); !errors.Is(err, ErrBadTransition) {
		t.Errorf("double release not refused: %v", err)
	}
	if _, err := s.SubmitOTFFrame(ctx, 33333, false); err != nil {
		t.Errorf("could not submit after release: %v", err)
	}
	complete(d, regs, 1140, OTFJobID)
}

func TestSubmitNotMapped(t *testing.T) {
	d, _ := newTestDevice(t)
	s, err := d.OpenSession()
	if err != nil {
		t.Fatalf("could not open session: %v", err)
	}
	if _, err := s.SubmitOTFFrame(context.Background(), 0, false); !errors.Is(err, ErrNotMapped) {
		t.Errorf("did not get expected error.\nGot: %v\nWant: %v", err, ErrNotMapped)
	}
	s.Close()
	if _, err := s.SubmitOTFFrame(context.Background(), 0, false); !errors.Is(err, ErrClosed) {
		t.Errorf("did not get expected error after close.\nGot: %v\nWant: %v", err, ErrClosed)
	}
}

func TestSeqOverride(t *testing.T) {
	d, regs, s := openOTF(t, 2)
	defer s.Close()

	err := s.SetCounterState(CounterState{RTPSeq: 500, SeqOverride: true, VideoCC: 3})
	if err != nil {
		t.Fatalf("could not set counters: %v", err)
	}
	if _, err := s.SubmitOTFFrame(context.Background(), 0, false); err != nil {
		t.Fatalf("could not submit frame: %v", err)
	}

	ctrl := ParsePacketControl(regs.Read(RegPktCtrl))
	if !ctrl.SeqOverride {
		t.Error("sequence override not programmed")
	}
	rtp := ParseRTPHeader(regs.Read(RegRTPHdr0), regs.Read(RegRTPHdr2))
	if rtp.Seq != 500 {
		t.Errorf("did not get expected sequence.\nGot: %d\nWant: %d", rtp.Seq, 500)
	}
	if cc := ParseTSHeader(regs.Read(RegTSPHdr)).CC; cc != 3 {
		t.Errorf("did not get expected cc.\nGot: %d\nWant: %d", cc, 3)
	}
	if s.CounterState().SeqOverride {
		t.Error("sequence override not consumed")
	}

	complete(d, regs, 1140, OTFJobID)
	s.DequeueOTFFrame(context.Background())
	if _, err := s.SubmitOTFFrame(context.Background(), 33333, false); err != nil {
		t.Fatalf("could not submit frame: %v", err)
	}
	if ParsePacketControl(regs.Read(RegPktCtrl)).SeqOverride {
		t.Error("sequence override applied twice")
	}
	complete(d, regs, 1140, OTFJobID)

	if err := s.SetCounterState(CounterState{VideoCC: 16}); !errors.Is(err, ErrInvalidCounter) {
		t.Errorf("invalid counters accepted: %v", err)
	}
}

func TestM2MCompletion(t *testing.T) {
	d, regs := newTestDevice(t, WithJobWait(5*time.Second))
	s, err := d.OpenSession()
	if err != nil {
		t.Fatalf("could not open session: %v", err)
	}
	defer s.Close()
	if err := s.MapM2MBuffers([]Handle{1, 2, 3}, []Handle{4, 5, 6}); err != nil {
		t.Fatalf("could not map buffers: %v", err)
	}

	jobs := make([]JobDescriptor, 3)
	for i := range jobs {
		jobs[i].PES.HeaderLength = 5
		jobs[i].SrcLen = 300
	}

	var (
		wg      sync.WaitGroup
		results []M2MResult
		runErr  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results, runErr = s.RunM2MBatch(context.Background(), jobs)
	}()
	for id := 1; id <= M2MJobs; id++ {
		waitRunning(t, d, id)
	}
	// Two TS packets per job in one RTP packet.
	complete(d, regs, 2*TSPacketSize+RTPHeaderSize, 1, 2, 3)
	wg.Wait()

	if runErr != nil {
		t.Fatalf("batch failed: %v", runErr)
	}
	var got []int64
	for _, r := range results {
		got = append(got, r.Timestamp)
		if r.Size != 388 || len(r.Data) != 388 {
			t.Errorf("unexpected result size for job %d: %d", r.ID, r.Size)
		}
	}
	want := []int64{21333, 42666, 63999}
	if !cmp.Equal(got, want) {
		t.Errorf("did not get expected timestamps.\nGot: %v\nWant: %v", got, want)
	}

	// The last job programmed is stamped past the packets of the first two.
	if cc := ParseTSHeader(regs.Read(RegTSPHdr)).CC; cc != 4 {
		t.Errorf("did not get expected cc for job 3.\nGot: %d\nWant: %d", cc, 4)
	}

	c := s.CounterState()
	if c.AudioCC != 6 || c.RTPSeq != 3 {
		t.Errorf("unexpected counters: %+v", c)
	}
	if _, a := s.Frames(); a != 3 {
		t.Errorf("unexpected audio frame count: %d", a)
	}
}

func TestM2MBatchErrors(t *testing.T) {
	d, _ := newTestDevice(t)
	s, err := d.OpenSession()
	if err != nil {
		t.Fatalf("could not open session: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.RunM2MBatch(ctx, nil); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("empty batch accepted: %v", err)
	}
	if _, err := s.RunM2MBatch(ctx, make([]JobDescriptor, 4)); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("oversized batch accepted: %v", err)
	}
	if _, err := s.RunM2MBatch(ctx, make([]JobDescriptor, 1)); !errors.Is(err, ErrNotMapped) {
		t.Errorf("unmapped batch accepted: %v", err)
	}

	if err := s.MapM2MBuffers([]Handle{1}, []Handle{2}); err != nil {
		t.Fatalf("could not map buffers: %v", err)
	}
	absent := JobDescriptor{PES: PESHeader{PTS39to16: NoPTS}}
	if _, err := s.RunM2MBatch(ctx, []JobDescriptor{absent}); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("batch with no present jobs accepted: %v", err)
	}
	if _, err := s.RunM2MBatch(ctx, []JobDescriptor{{SrcLen: 9000}}); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("oversized source accepted: %v", err)
	}
	if _, err := s.RunM2MBatch(ctx, []JobDescriptor{{}, {}}); !errors.Is(err, ErrNotMapped) {
		t.Errorf("job without buffers accepted: %v", err)
	}
	psi := JobDescriptor{Ctrl: PacketControl{PSIEnable: true}}
	if _, err := s.RunM2MBatch(ctx, []JobDescriptor{psi}); !errors.Is(err, ErrInvalidPSI) {
		t.Errorf("PSI job without template accepted: %v", err)
	}
}

type countingKeys struct {
	mu            sync.Mutex
	apply, clears int
}

func (k *countingKeys) Apply(KeyConfig) error {
	k.mu.Lock()
	k.apply++
	k.mu.Unlock()
	return nil
}

func (k *countingKeys) Clear() error {
	k.mu.Lock()
	k.clears++
	k.mu.Unlock()
	return nil
}

func TestKeyConfig(t *testing.T) {
	keys := &countingKeys{}
	d, regs, s := openOTF(t, 1, WithKeyConfigurer(keys))

	s.SetKeyConfig(KeyConfig{M2MEnable: true})
	if _, err := s.SubmitOTFFrame(context.Background(), 0, false); err != nil {
		t.Fatalf("could not submit: %v", err)
	}
	complete(d, regs, 1140, OTFJobID)
	slot, _ := s.DequeueOTFFrame(context.Background())
	s.ReleaseOTFBuffer(slot.Index)

	s.SetKeyConfig(KeyConfig{OTFEnable: true})
	if _, err := s.SubmitOTFFrame(context.Background(), 33333, false); err != nil {
		t.Fatalf("could not submit: %v", err)
	}
	complete(d, regs, 1140, OTFJobID)
	s.Close()

	if keys.apply != 1 || keys.clears != 1 {
		t.Errorf("unexpected key calls, apply: %d, clear: %d", keys.apply, keys.clears)
	}
}

func TestTooManySessions(t *testing.T) {
	d, _ := newTestDevice(t)
	var sessions []*Session
	for i := 0; i < MaxSessions; i++ {
		s, err := d.OpenSession()
		if err != nil {
			t.Fatalf("could not open session %d: %v", i, err)
		}
		sessions = append(sessions, s)
	}
	if _, err := d.OpenSession(); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("did not get expected error.\nGot: %v\nWant: %v", err, ErrTooManySessions)
	}
	sessions[0].Close()
	s, err := d.OpenSession()
	if err != nil {
		t.Errorf("could not open session after close: %v", err)
	}
	sessions = append(sessions[1:], s)
	for _, s := range sessions {
		s.Close()
	}
}

// TestM2MAbandonedEscalates checks that a batch that times out with the
// default job wait leaves its watchdog armed, so the stalled job still
// escalates and marks the device for reset.
func TestM2MAbandonedEscalates(t *testing.T) {
	var fatal []error
	d, _ := newTestDevice(t, WithFatalHandler(func(err error) { fatal = append(fatal, err) }))
	s, err := d.OpenSession()
	if err != nil {
		t.Fatalf("could not open session: %v", err)
	}
	defer s.Close()
	if err := s.MapM2MBuffers([]Handle{1}, []Handle{2}); err != nil {
		t.Fatalf("could not map buffers: %v", err)
	}

	jobs := []JobDescriptor{{SrcLen: 100, PES: PESHeader{HeaderLength: 5}}}
	start := time.Now()
	_, err = s.RunM2MBatch(context.Background(), jobs)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("did not get expected batch error.\nGot: %v\nWant: %v", err, ErrTimeout)
	}
	if el := time.Since(start); el < defaultM2MWait {
		t.Errorf("batch returned before job wait: %v", el)
	}
	if st, _ := d.WatchdogState(1); !st.Running {
		t.Fatal("watchdog stopped for abandoned job")
	}

	for i := 0; i < defaultWatchdogThreshold; i++ {
		d.Tick()
	}
	if !d.NeedsReset() {
		t.Error("device not marked as needing reset")
	}
	if len(fatal) != 1 || !errors.Is(fatal[0], ErrDeviceNeedsReset) {
		t.Errorf("unexpected fatal handler calls: %v", fatal)
	}
}

// TestM2MLateCompletion checks that the completion of an abandoned job is
// not credited to a later batch.
func TestM2MLateCompletion(t *testing.T) {
	d, regs := newTestDevice(t, WithJobWait(5*time.Second))
	s, err := d.OpenSession()
	if err != nil {
		t.Fatalf("could not open session: %v", err)
	}
	defer s.Close()
	if err := s.MapM2MBuffers([]Handle{1}, []Handle{2}); err != nil {
		t.Fatalf("could not map buffers: %v", err)
	}
	jobs := []JobDescriptor{{SrcLen: 100, PES: PESHeader{HeaderLength: 5}}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err = s.RunM2MBatch(ctx, jobs)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("did not get expected batch error.\nGot: %v\nWant: %v", err, context.DeadlineExceeded)
	}
	if _, err := s.RunM2MBatch(context.Background(), jobs); !errors.Is(err, ErrQueueFull) {
		t.Errorf("batch accepted with abandoned job on hardware.\nGot: %v\nWant: %v", err, ErrQueueFull)
	}

	// Three TS packets in one RTP packet.
	const size = 3*TSPacketSize + RTPHeaderSize
	complete(d, regs, size, 1)
	if c := s.CounterState(); c.AudioCC != 0 || c.RTPSeq != 0 {
		t.Errorf("late completion advanced counters: %+v", c)
	}
	if _, a := s.Frames(); a != 0 {
		t.Errorf("late completion counted as a frame: %d", a)
	}
	if st, _ := d.WatchdogState(1); st.Running {
		t.Error("watchdog still armed after late completion")
	}

	var (
		wg      sync.WaitGroup
		results []M2MResult
		runErr  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results, runErr = s.RunM2MBatch(context.Background(), jobs)
	}()
	waitRunning(t, d, 1)
	complete(d, regs, size, 1)
	wg.Wait()

	if runErr != nil {
		t.Fatalf("batch after late completion failed: %v", runErr)
	}
	if len(results) != 1 || results[0].Size != size {
		t.Errorf("unexpected results: %+v", results)
	}
	if c := s.CounterState(); c.AudioCC != 3 || c.RTPSeq != 1 {
		t.Errorf("unexpected counters: %+v", c)
	}
	if _, a := s.Frames(); a != 1 {
		t.Errorf("unexpected audio frame count: %d", a)
	}
}
