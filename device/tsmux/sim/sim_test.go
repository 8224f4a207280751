/*
DESCRIPTION
  sim_test.go provides testing of the simulated packetizer.

AUTHORS
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package sim

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Comcast/gots/packet"
	"github.com/google/go-cmp/cmp"

	"github.com/ausocean/tsmux/container/mts"
	"github.com/ausocean/tsmux/device/tsmux"
	"github.com/ausocean/tsmux/protocol/rtp"
)

func newHardware(t *testing.T, options ...func(*Hardware) error) (*Hardware, *Memory) {
	t.Helper()
	mem := NewMemory()
	h, err := New(mem, options...)
	if err != nil {
		t.Fatalf("could not create hardware: %v", err)
	}
	return h, mem
}

// program writes j into h the way the driver does and sets ENQUEUE.
func program(h *Hardware, j tsmux.JobDescriptor) {
	h.Write(tsmux.RegPktCtrl, j.Ctrl.Word())
	for i, w := range j.PES.Words() {
		h.Write(tsmux.RegPESHdr0+4*uint32(i), w)
	}
	h.Write(tsmux.RegTSPHdr, j.TS.Word())
	hdr0, ssrc := j.RTP.Words()
	h.Write(tsmux.RegRTPHdr0, hdr0)
	h.Write(tsmux.RegRTPHdr2, ssrc)
	h.Write(tsmux.RegSrcBase, j.Src)
	h.Write(tsmux.RegSrcLen, j.SrcLen)
	h.Write(tsmux.RegDstBase, j.Dst)
	h.Write(tsmux.RegPktCtrl, j.Ctrl.Word()|tsmux.PktCtrlEnqueue)
}

func TestMemory(t *testing.T) {
	mem := NewMemory()
	a := mem.Alloc(100)
	b := mem.Alloc(5000)

	ma, err := mem.Map(a)
	if err != nil {
		t.Fatalf("could not map: %v", err)
	}
	mb, err := mem.Map(b)
	if err != nil {
		t.Fatalf("could not map: %v", err)
	}
	if ma.Addr%pageSize != 0 || mb.Addr%pageSize != 0 || ma.Addr == mb.Addr {
		t.Errorf("unexpected addresses: %#x %#x", ma.Addr, mb.Addr)
	}
	_, err = mem.Map(a)
	if !errors.Is(err, ErrMapped) {
		t.Errorf("unexpected error for double map: %v", err)
	}
	_, err = mem.Map(42)
	if !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("unexpected error for unknown handle: %v", err)
	}

	mb.Buf[10] = 0xaa
	d, err := mem.device(mb.Addr + 10)
	if err != nil || d[0] != 0xaa || len(d) != 4990 {
		t.Errorf("unexpected device view: err %v", err)
	}

	if mem.Mapped() != 2 {
		t.Errorf("unexpected mapped count: %d", mem.Mapped())
	}
	err = mem.Unmap(ma)
	if err != nil {
		t.Errorf("could not unmap: %v", err)
	}
	err = mem.Unmap(ma)
	if !errors.Is(err, ErrNotMapped) {
		t.Errorf("unexpected error for double unmap: %v", err)
	}
	_, err = mem.device(ma.Addr)
	if !errors.Is(err, ErrBadAddress) {
		t.Errorf("unexpected error for unmapped access: %v", err)
	}
}

func TestRegisters(t *testing.T) {
	h, _ := newHardware(t, WithVersion(0x02000000))

	h.Write(tsmux.RegDbgSel, tsmux.DbgSelVersion)
	if got := h.Read(tsmux.RegDbgInfo); got != 0x02000000 {
		t.Errorf("unexpected version: %#x", got)
	}

	h.Write(tsmux.RegPktCtrl, tsmux.PktCtrlSWReset)
	if got := h.Read(tsmux.RegPktCtrl); got != tsmux.PktCtrlResetValue {
		t.Errorf("unexpected PKT_CTRL after reset: %#x", got)
	}

	h.SetStuckEnqueue(true)
	h.Write(tsmux.RegPktCtrl, 0)
	if h.Read(tsmux.RegPktCtrl)&tsmux.PktCtrlEnqueue == 0 {
		t.Errorf("expected enqueue bit to stay set")
	}
	h.SetStuckEnqueue(false)
	if h.Read(tsmux.RegPktCtrl)&tsmux.PktCtrlEnqueue != 0 {
		t.Errorf("expected enqueue bit to clear")
	}
}

// TestM2M checks the output of a memory to memory job: RTP headers, TS
// continuity counters, PES header and payload.
func TestM2M(t *testing.T) {
	h, mem := newHardware(t)
	var irqs int
	h.SetInterruptHandler(func() { irqs++ })

	in, out := mem.Alloc(4096), mem.Alloc(8192)
	inMap, _ := mem.Map(in)
	mout, _ := mem.Map(out)
	es := bytes.Repeat([]byte{0x5a}, 1000)
	copy(inMap.Buf, es)

	j := tsmux.DefaultVideoJob()
	j.Ctrl = tsmux.PacketControl{RTPSize: 6, SeqOverride: true, Mode: tsmux.ModeM2M, ID: 2}
	j.PES.StreamID = 0xc0
	j.PES.SetPTS(90000)
	j.TS.PID = mts.PIDAudio
	j.TS.CC = 14
	j.RTP.Seq = 100
	j.Src, j.SrcLen, j.Dst = inMap.Addr, uint32(len(es)), mout.Addr
	program(h, j)

	if irqs != 1 {
		t.Fatalf("unexpected interrupt count: %d", irqs)
	}
	if stat := h.Read(tsmux.RegIntStat); stat != 1<<2 {
		t.Errorf("unexpected INT_STAT: %#x", stat)
	}
	h.Write(tsmux.RegIntStat, 1<<2)
	if stat := h.Read(tsmux.RegIntStat); stat != 0 {
		t.Errorf("INT_STAT not cleared: %#x", stat)
	}

	size := int(h.Read(tsmux.RegDstLen(2)))
	// 9 + 5 + 1000 bytes of PES is 6 TS packets, one full RTP packet.
	if size != 12+6*mts.PacketSize {
		t.Fatalf("unexpected size: %d", size)
	}
	if n := tsmux.TSPackets(size, 6, false); n != 6 {
		t.Errorf("unexpected TS count: %d", n)
	}

	pkts, err := rtp.Split(mout.Buf[:size])
	if err != nil {
		t.Fatalf("could not split output: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("unexpected RTP packet count: %d", len(pkts))
	}
	seq, _ := rtp.Sequence(pkts[0])
	if seq != 100 {
		t.Errorf("unexpected sequence: %d", seq)
	}
	ts, _ := rtp.Timestamp(pkts[0])
	if ts != 90000 {
		t.Errorf("unexpected RTP timestamp: %d", ts)
	}

	payload, _ := rtp.Payload(pkts[0])
	var got []byte
	for i := 0; i < 6; i++ {
		var p packet.Packet
		copy(p[:], payload[i*mts.PacketSize:])
		if p.PID() != mts.PIDAudio {
			t.Errorf("packet %d: unexpected PID %d", i, p.PID())
		}
		if want := (14 + i) & 0xf; p.ContinuityCounter() != want {
			t.Errorf("packet %d: unexpected cc %d want %d", i, p.ContinuityCounter(), want)
		}
		pl, err := mts.Payload(p[:])
		if err != nil {
			t.Fatalf("packet %d: could not get payload: %v", i, err)
		}
		got = append(got, pl...)
	}
	if got[3] != 0xc0 {
		t.Errorf("unexpected stream id: %#x", got[3])
	}
	if !bytes.Equal(got[14:], es) {
		t.Errorf("elementary stream not carried intact")
	}

	// Without an override the sequence continues.
	j.Ctrl.SeqOverride = false
	j.RTP.Seq = 0
	program(h, j)
	size = int(h.Read(tsmux.RegDstLen(2)))
	seq, _ = rtp.Sequence(mout.Buf[:size])
	if seq != 101 {
		t.Errorf("unexpected continued sequence: %d", seq)
	}
}

func TestOTFWaitsForFrame(t *testing.T) {
	h, mem := newHardware(t)
	var irqs int
	h.SetInterruptHandler(func() { irqs++ })
	out := mem.Alloc(8192)
	mout, _ := mem.Map(out)

	j := tsmux.DefaultVideoJob()
	j.Ctrl = tsmux.PacketControl{RTPSize: 6, Mode: tsmux.ModeOTF}
	j.Dst = mout.Addr
	program(h, j)
	if irqs != 0 || h.Pending() != 1 {
		t.Fatalf("job ran without a frame: irqs %d pending %d", irqs, h.Pending())
	}

	h.PushFrame(make([]byte, 100))
	if irqs != 1 || h.Pending() != 0 {
		t.Fatalf("job did not run: irqs %d pending %d", irqs, h.Pending())
	}
	if size := h.Read(tsmux.RegDstLen(0)); size != 12+mts.PacketSize {
		t.Errorf("unexpected size: %d", size)
	}
}

func TestManualCompletion(t *testing.T) {
	h, mem := newHardware(t, WithManualCompletion())
	out := mem.Alloc(8192)
	mout, _ := mem.Map(out)

	j := tsmux.DefaultVideoJob()
	j.Ctrl = tsmux.PacketControl{RTPSize: 6, Mode: tsmux.ModeOTF}
	j.Dst = mout.Addr
	program(h, j)
	h.PushFrame(make([]byte, 10))
	if h.Pending() != 1 {
		t.Fatalf("job ran before completion")
	}

	err := h.Complete(1)
	if !errors.Is(err, errNoJob) {
		t.Errorf("unexpected error for missing job: %v", err)
	}
	err = h.Complete(0)
	if err != nil {
		t.Fatalf("could not complete: %v", err)
	}
	if h.Read(tsmux.RegIntStat) != 1 {
		t.Errorf("interrupt not raised")
	}

	jobs := h.Jobs()
	want := []Job{{
		Ctrl:   j.Ctrl,
		CCInit: true,
		PES:    j.PES,
		TS:     j.TS,
		RTP:    j.RTP,
		Dst:    mout.Addr,
	}}
	if !cmp.Equal(jobs, want) {
		t.Errorf("unexpected jobs:\n%s", cmp.Diff(want, jobs))
	}
}

func TestPSIPackets(t *testing.T) {
	h, mem := newHardware(t)
	out := mem.Alloc(8192)
	mout, _ := mem.Map(out)

	pat, pmt, pcr := mts.VideoPSITemplate()
	tmpl, err := tsmux.NewPSITemplate(pat, pmt, pcr)
	if err != nil {
		t.Fatalf("could not create template: %v", err)
	}
	lens, words := psiWords(tmpl)
	h.Write(tsmux.RegPSILen, lens)
	for i, w := range words {
		h.Write(tsmux.RegPSIData(i), w)
	}

	j := tsmux.DefaultVideoJob()
	j.Ctrl = tsmux.PacketControl{PSIEnable: true, RTPSize: 6, Mode: tsmux.ModeOTF}
	j.Dst = mout.Addr
	h.PushFrame(make([]byte, 100))
	program(h, j)

	size := int(h.Read(tsmux.RegDstLen(0)))
	if n := tsmux.TSPackets(size, 6, true); n != 1 {
		t.Errorf("unexpected PES TS count: %d", n)
	}
	ts, err := rtp.TSPayload(mout.Buf[:size])
	if err != nil {
		t.Fatalf("could not get TS: %v", err)
	}
	for i, want := range []uint16{mts.PatPid, mts.PmtPid, mts.PIDVideo, mts.PIDVideo} {
		pid, _ := mts.PID(ts[i*mts.PacketSize:])
		if pid != want {
			t.Errorf("packet %d: unexpected PID %d want %d", i, pid, want)
		}
	}
	if !bytes.Equal(ts[:len(pat)], pat) {
		t.Errorf("PAT not carried intact")
	}
}

// psiWords packs the template's bytes the way the driver programs them.
func psiWords(t *tsmux.PSITemplate) (uint32, [tsmux.PSIWindowWords]uint32) {
	p, m, c := t.Lens()
	var b [tsmux.PSIWindowSize]byte
	copy(b[:], t.Bytes())
	var w [tsmux.PSIWindowWords]uint32
	for i := range w {
		w[i] = uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
	}
	return uint32(c)<<tsmux.PSILenPCRShift | uint32(m)<<tsmux.PSILenPMTShift | uint32(p), w
}
