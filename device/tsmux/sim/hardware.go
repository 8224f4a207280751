/*
DESCRIPTION
  hardware.go provides Hardware, a simulated packetizer register block
  implementing tsmux.Registers. Enqueued jobs are packetized in software
  into simulated DMA memory and completion is signalled through an
  interrupt callback.

AUTHORS
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package sim provides a software model of the packetizer hardware for
// testing and for running without a device.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ausocean/tsmux/device/tsmux"
)

// DefaultVersion is the version reported by Hardware unless set.
const DefaultVersion = 0x02010000

var (
	errNoJob       = errors.New("no job pending for id")
	errNoFrame     = errors.New("no frame pushed for OTF job")
	errNilMemory   = errors.New("memory is nil")
	errInvalidSize = errors.New("invalid size")
)

// Job is a snapshot of the registers programmed for one job, taken when its
// enqueue bit was set.
type Job struct {
	Ctrl     tsmux.PacketControl
	CCInit   bool // Take the first continuity counter from TS.
	PES      tsmux.PESHeader
	TS       tsmux.TSHeader
	RTP      tsmux.RTPHeader
	SwapCtrl uint32
	Src      uint32
	SrcLen   uint32
	Dst      uint32
	PSILen   uint32
	PSI      [tsmux.PSIWindowWords]uint32
}

// Hardware simulates the packetizer register block. It is safe for
// concurrent use.
type Hardware struct {
	mem *Memory

	mu       sync.Mutex
	regs     map[uint32]uint32
	irq      func()
	manual   bool
	stuck    bool
	version  uint32
	maxFrame int
	frames   [][]byte
	pending  []Job
	history  []Job
	seq      uint16
	ccs      map[uint16]uint8
	stream   uint32
	input    uint64
}

// New returns simulated hardware accessing buffers in mem.
func New(mem *Memory, options ...func(*Hardware) error) (*Hardware, error) {
	if mem == nil {
		return nil, errNilMemory
	}
	h := &Hardware{
		mem:     mem,
		regs:    make(map[uint32]uint32),
		version: DefaultVersion,
		ccs:     make(map[uint16]uint8),
	}
	for i, opt := range options {
		err := opt(h)
		if err != nil {
			return nil, fmt.Errorf("could not apply option %d: %w", i, err)
		}
	}
	return h, nil
}

// WithVersion sets the hardware version reported through DBG_INFO.
func WithVersion(v uint32) func(*Hardware) error {
	return func(h *Hardware) error {
		h.version = v
		return nil
	}
}

// WithManualCompletion holds enqueued jobs until Complete is called for
// their id.
func WithManualCompletion() func(*Hardware) error {
	return func(h *Hardware) error {
		h.manual = true
		return nil
	}
}

// WithMaxFrame caps the number of bytes taken from each pushed frame.
func WithMaxFrame(n int) func(*Hardware) error {
	return func(h *Hardware) error {
		if n <= 0 {
			return errInvalidSize
		}
		h.maxFrame = n
		return nil
	}
}

// SetInterruptHandler sets the function called when a job completes,
// normally the device's HandleCompletion.
func (h *Hardware) SetInterruptHandler(f func()) {
	h.mu.Lock()
	h.irq = f
	h.mu.Unlock()
}

// SetStuckEnqueue makes the enqueue bit of PKT_CTRL read back as set, as if
// the hardware never accepted the last job.
func (h *Hardware) SetStuckEnqueue(stuck bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stuck = stuck
	if stuck {
		h.regs[tsmux.RegPktCtrl] |= tsmux.PktCtrlEnqueue
		return
	}
	h.regs[tsmux.RegPktCtrl] &^= tsmux.PktCtrlEnqueue
}

// Read implements tsmux.Registers.
func (h *Hardware) Read(off uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off == tsmux.RegDbgInfo && h.regs[tsmux.RegDbgSel] == tsmux.DbgSelVersion {
		return h.version
	}
	return h.regs[off]
}

// Write implements tsmux.Registers.
func (h *Hardware) Write(off, v uint32) {
	h.mu.Lock()
	switch off {
	case tsmux.RegIntStat:
		h.regs[off] &^= v
		h.mu.Unlock()
		return
	case tsmux.RegPktCtrl:
		if v&tsmux.PktCtrlSWReset != 0 {
			h.resetLocked()
			h.mu.Unlock()
			return
		}
		if v&tsmux.PktCtrlEnqueue == 0 {
			h.regs[off] = v
			if h.stuck {
				h.regs[off] |= tsmux.PktCtrlEnqueue
			}
			h.mu.Unlock()
			return
		}
		h.regs[off] = v
		if !h.stuck {
			h.regs[off] &^= tsmux.PktCtrlEnqueue
		}
		j := h.snapshotLocked(v)
		h.history = append(h.history, j)
		h.pending = append(h.pending, j)
		h.mu.Unlock()
		if !h.manual {
			h.run()
		}
		return
	}
	h.regs[off] = v
	h.mu.Unlock()
}

// resetLocked returns the hardware to its power on state.
func (h *Hardware) resetLocked() {
	h.regs = map[uint32]uint32{tsmux.RegPktCtrl: tsmux.PktCtrlResetValue}
	h.pending = nil
	h.seq = 0
	h.ccs = make(map[uint16]uint8)
}

func (h *Hardware) snapshotLocked(ctrl uint32) Job {
	r := h.regs
	hdr := [4]uint32{r[tsmux.RegPESHdr0], r[tsmux.RegPESHdr1], r[tsmux.RegPESHdr2], r[tsmux.RegPESHdr3]}
	j := Job{
		Ctrl:     tsmux.ParsePacketControl(ctrl),
		CCInit:   ctrl&tsmux.PktCtrlCCInit != 0,
		PES:      tsmux.ParsePESHeader(hdr),
		TS:       tsmux.ParseTSHeader(r[tsmux.RegTSPHdr]),
		RTP:      tsmux.ParseRTPHeader(r[tsmux.RegRTPHdr0], r[tsmux.RegRTPHdr2]),
		SwapCtrl: r[tsmux.RegSwapCtrl],
		Src:      r[tsmux.RegSrcBase],
		SrcLen:   r[tsmux.RegSrcLen],
		Dst:      r[tsmux.RegDstBase],
		PSILen:   r[tsmux.RegPSILen],
	}
	for i := range j.PSI {
		j.PSI[i] = r[tsmux.RegPSIData(i)]
	}
	return j
}

// PushFrame supplies the next encoded frame for OTF jobs, as the video
// encoder would. A pending OTF job is run if completion is automatic.
func (h *Hardware) PushFrame(frame []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, append([]byte(nil), frame...))
	manual := h.manual
	h.mu.Unlock()
	if !manual {
		h.run()
	}
}

// Complete runs the pending job with id and raises its interrupt.
func (h *Hardware) Complete(id int) error {
	h.mu.Lock()
	i := h.findLocked(id)
	if i < 0 {
		h.mu.Unlock()
		return fmt.Errorf("%w: %d", errNoJob, id)
	}
	if id == tsmux.OTFJobID && len(h.frames) == 0 {
		h.mu.Unlock()
		return errNoFrame
	}
	h.completeLocked(i)
	irq := h.irq
	h.mu.Unlock()

	if irq != nil {
		irq()
	}
	return nil
}

// Pending returns the number of jobs enqueued but not yet completed.
func (h *Hardware) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// PrivateCounters returns the stream and input counters last written into
// PES private data.
func (h *Hardware) PrivateCounters() (stream uint32, input uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stream, h.input
}

// Jobs returns every job enqueued since the hardware was created.
func (h *Hardware) Jobs() []Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Job(nil), h.history...)
}

// run completes every pending job that can run, M2M jobs immediately and
// OTF jobs when a frame is available, then raises the interrupt.
func (h *Hardware) run() {
	h.mu.Lock()
	var done bool
	for {
		i := h.runnableLocked()
		if i < 0 {
			break
		}
		h.completeLocked(i)
		done = true
	}
	irq := h.irq
	h.mu.Unlock()

	if done && irq != nil {
		irq()
	}
}

func (h *Hardware) runnableLocked() int {
	for i, j := range h.pending {
		if j.Ctrl.Mode == tsmux.ModeOTF && len(h.frames) == 0 {
			continue
		}
		return i
	}
	return -1
}

func (h *Hardware) findLocked(id int) int {
	for i, j := range h.pending {
		if j.Ctrl.ID == id {
			return i
		}
	}
	return -1
}

// completeLocked packetizes pending job i into its destination buffer and
// sets its DST_LEN and INT_STAT bit.
func (h *Hardware) completeLocked(i int) {
	j := h.pending[i]
	h.pending = append(h.pending[:i], h.pending[i+1:]...)

	var es []byte
	if j.Ctrl.Mode == tsmux.ModeOTF {
		es = h.frames[0]
		h.frames = h.frames[1:]
		if h.maxFrame != 0 && len(es) > h.maxFrame {
			es = es[:h.maxFrame]
		}
	} else {
		src, err := h.mem.device(j.Src)
		if err == nil && int(j.SrcLen) <= len(src) {
			es = src[:j.SrcLen]
		}
	}

	out := h.packetizeLocked(&j, es)
	dst, err := h.mem.device(j.Dst)
	if err != nil {
		out = out[:0]
	}
	n := copy(dst, out)

	h.regs[tsmux.RegDstLen(j.Ctrl.ID)] = uint32(n)
	h.regs[tsmux.RegIntStat] |= 1 << uint(j.Ctrl.ID)
}
