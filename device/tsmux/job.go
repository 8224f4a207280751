/*
DESCRIPTION
  job.go provides the job descriptor programmed into the packetizer for each
  OTF frame or M2M batch entry, and its encoding into register words.

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

import "time"

// Mode selects between streamed (OTF) and memory to memory (M2M) operation.
type Mode int

// Packetizer modes as encoded in PKT_CTRL.
const (
	ModeM2M Mode = iota
	ModeOTF
)

// Job ids. Id 0 is reserved for OTF; ids 1 to 3 carry M2M batch entries.
const (
	OTFJobID  = 0
	NumJobIDs = 4
	M2MJobs   = NumJobIDs - 1
)

// NoPTS marks an M2M batch entry as absent when set in PESHeader.PTS39to16.
const NoPTS = 0xffffffff

// PacketControl holds the PKT_CTRL fields of a job.
type PacketControl struct {
	PSIEnable   bool  // Emit PAT, PMT and PCR ahead of the PES.
	RTPSize     int   // TS packets per RTP packet.
	SeqOverride bool  // Load the RTP sequence from RTPHeader.Seq.
	PESStuffing uint8 // PES stuffing byte count (6 bits).
	Mode        Mode
	ID          int // Job id, 0 to 3.
}

// Word returns the PKT_CTRL register value for c without the enqueue bit.
func (c PacketControl) Word() uint32 {
	w := uint32(PktCtrlCCInit)
	if c.PSIEnable {
		w |= PktCtrlPSIEn
	}
	w |= uint32(c.RTPSize) << PktCtrlRTPShift & PktCtrlRTPSize
	if c.SeqOverride {
		w |= PktCtrlSeqOver
	}
	w |= uint32(c.PESStuffing) << PktCtrlStuffShift & PktCtrlPESStuff
	if c.Mode == ModeOTF {
		w |= PktCtrlModeOTF
	}
	w |= uint32(c.ID) << PktCtrlIDShift & PktCtrlID
	return w
}

// ParsePacketControl decodes a PKT_CTRL register value.
func ParsePacketControl(w uint32) PacketControl {
	c := PacketControl{
		PSIEnable:   w&PktCtrlPSIEn != 0,
		RTPSize:     int(w & PktCtrlRTPSize >> PktCtrlRTPShift),
		SeqOverride: w&PktCtrlSeqOver != 0,
		PESStuffing: uint8(w & PktCtrlPESStuff >> PktCtrlStuffShift),
		ID:          int(w & PktCtrlID >> PktCtrlIDShift),
	}
	if w&PktCtrlModeOTF != 0 {
		c.Mode = ModeOTF
	}
	return c
}

// PESHeader holds the PES header fields of a job.
type PESHeader struct {
	StreamID     uint8
	Length       uint16 // PES packet length, 0 for unbounded video.
	Marker       uint8  // Two bit '10' marker.
	Scrambling   uint8
	Priority     bool
	Alignment    bool
	Copyright    bool
	Original     bool
	Flags        uint8 // PTS_DTS and optional field flags.
	HeaderLength uint8
	PTS39to16    uint32 // Marker-bit encoded PTS, first three bytes.
	PTS15to0     uint16 // Marker-bit encoded PTS, last two bytes.
}

// PES header flags.
const (
	pesMarker   = 0x2
	pesFlagPTS  = 0x80
	pesPTSBytes = 5
)

// SetPTS encodes the 33 bit presentation timestamp pts into the header.
func (h *PESHeader) SetPTS(pts uint64) {
	h.PTS39to16 = (0x20|uint32(pts>>30&0x7)<<1|1)<<16 |
		uint32(pts>>22&0xff)<<8 |
		uint32(pts>>15&0x7f)<<1 | 1
	h.PTS15to0 = uint16(pts>>7&0xff)<<8 | uint16(pts&0x7f)<<1 | 1
}

// PTS returns the 33 bit presentation timestamp encoded in the header.
func (h PESHeader) PTS() uint64 {
	hi, lo := uint64(h.PTS39to16), uint64(h.PTS15to0)
	return (hi>>17&0x7)<<30 | (hi>>8&0xff)<<22 | (hi>>1&0x7f)<<15 |
		(lo>>8&0xff)<<7 | lo>>1&0x7f
}

// PTSFromMicroseconds converts a microsecond timestamp to 90kHz PTS units.
func PTSFromMicroseconds(us int64) uint64 { return uint64(us) * 9 / 100 }

// Words returns the PES_HDR0 to PES_HDR3 register values.
func (h PESHeader) Words() [4]uint32 {
	var w [4]uint32
	w[0] = 0x000001<<8 | uint32(h.StreamID)
	w[1] = uint32(h.Length)<<16 | uint32(h.Marker&0x3)<<14 | uint32(h.Scrambling&0x3)<<12 |
		b2u(h.Priority)<<11 | b2u(h.Alignment)<<10 | b2u(h.Copyright)<<9 | b2u(h.Original)<<8 |
		uint32(h.Flags)
	w[2] = uint32(h.HeaderLength)<<24 | h.PTS39to16&0xffffff
	w[3] = uint32(h.PTS15to0) << 16
	return w
}

// ParsePESHeader decodes PES_HDR0 to PES_HDR3 register values.
func ParsePESHeader(w [4]uint32) PESHeader {
	return PESHeader{
		StreamID:     uint8(w[0]),
		Length:       uint16(w[1] >> 16),
		Marker:       uint8(w[1] >> 14 & 0x3),
		Scrambling:   uint8(w[1] >> 12 & 0x3),
		Priority:     w[1]&(1<<11) != 0,
		Alignment:    w[1]&(1<<10) != 0,
		Copyright:    w[1]&(1<<9) != 0,
		Original:     w[1]&(1<<8) != 0,
		Flags:        uint8(w[1]),
		HeaderLength: uint8(w[2] >> 24),
		PTS39to16:    w[2] & 0xffffff,
		PTS15to0:     uint16(w[3] >> 16),
	}
}

// TSHeader holds the TS packet header fields of a job.
type TSHeader struct {
	Sync              uint8
	Error             bool
	Priority          bool
	PID               uint16
	Scrambling        uint8
	AdaptationControl uint8
	CC                uint8 // Continuity counter of the first TS packet.
}

// Word returns the TSP_HDR register value.
func (h TSHeader) Word() uint32 {
	return uint32(h.Sync)<<24 | b2u(h.Error)<<23 | b2u(h.Priority)<<21 |
		uint32(h.PID)<<8&0x1fff00 | uint32(h.Scrambling&0x3)<<6 |
		uint32(h.AdaptationControl&0x3)<<4 | uint32(h.CC&ccMask)
}

// ParseTSHeader decodes a TSP_HDR register value.
func ParseTSHeader(w uint32) TSHeader {
	return TSHeader{
		Sync:              uint8(w >> 24),
		Error:             w&(1<<23) != 0,
		Priority:          w&(1<<21) != 0,
		PID:               uint16(w >> 8 & 0x1fff),
		Scrambling:        uint8(w >> 6 & 0x3),
		AdaptationControl: uint8(w >> 4 & 0x3),
		CC:                uint8(w & ccMask),
	}
}

// RTPHeader holds the RTP header fields of a job.
type RTPHeader struct {
	Version     uint8
	Padding     bool
	Marker      bool
	PayloadType uint8
	Seq         uint16
	SSRC        uint32
}

// Words returns the RTP_HDR0 and RTP_HDR2 register values.
func (h RTPHeader) Words() (hdr0, ssrc uint32) {
	hdr0 = uint32(h.Version&0x3)<<30 | b2u(h.Padding)<<29 | b2u(h.Marker)<<23 |
		uint32(h.PayloadType&0x7f)<<16 | uint32(h.Seq)
	return hdr0, h.SSRC
}

// ParseRTPHeader decodes RTP_HDR0 and RTP_HDR2 register values.
func ParseRTPHeader(hdr0, ssrc uint32) RTPHeader {
	return RTPHeader{
		Version:     uint8(hdr0 >> 30),
		Padding:     hdr0&(1<<29) != 0,
		Marker:      hdr0&(1<<23) != 0,
		PayloadType: uint8(hdr0 >> 16 & 0x7f),
		Seq:         uint16(hdr0),
		SSRC:        ssrc,
	}
}

// JobDescriptor is everything programmed into the hardware for one job.
type JobDescriptor struct {
	Ctrl     PacketControl
	PES      PESHeader
	TS       TSHeader
	RTP      RTPHeader
	SwapCtrl uint32 // Input/output byte swap control.
	Src      uint32 // Source address, M2M only.
	SrcLen   uint32 // Source length, M2M only.
	Dst      uint32 // Destination address.
}

// present reports whether an M2M batch entry carries a job.
func (j *JobDescriptor) present() bool { return j.PES.PTS39to16 != NoPTS }

// predictedTSPackets returns the number of TS packets the hardware will emit
// for the PES of an M2M entry.
func (j *JobDescriptor) predictedTSPackets() int {
	pes := 9 + int(j.PES.HeaderLength) + int(j.SrcLen)
	return (pes + TSPayloadSize - 1) / TSPayloadSize
}

// DefaultVideoJob returns the OTF job template used until a session sets its
// own: H.264 on PID 256 with a PTS-only PES header, carried as RTP payload
// type 33.
func DefaultVideoJob() JobDescriptor {
	return JobDescriptor{
		PES: PESHeader{
			StreamID:     0xe0,
			Marker:       pesMarker,
			Alignment:    true,
			Flags:        pesFlagPTS,
			HeaderLength: pesPTSBytes,
		},
		TS: TSHeader{
			Sync:              0x47,
			PID:               256,
			AdaptationControl: 1,
		},
		RTP: RTPHeader{
			Version:     2,
			PayloadType: 33,
		},
	}
}

// pktCtrlFields are the PKT_CTRL bits owned by a job descriptor.
const pktCtrlFields = PktCtrlPSIEn | PktCtrlCCInit | PktCtrlRTPSize | PktCtrlSeqOver |
	PktCtrlPESStuff | PktCtrlModeOTF | PktCtrlID

// Enqueue wait parameters.
const (
	defaultEnqueueWait = time.Millisecond
	enqueuePoll        = 100 * time.Microsecond
)

// program writes j into the register block and enqueues it. It must be
// called with d.hwMu held.
func (d *Device) program(j *JobDescriptor) {
	r := d.regs
	ctrl := r.Read(RegPktCtrl)&^pktCtrlFields | j.Ctrl.Word()
	r.Write(RegPktCtrl, ctrl&^PktCtrlEnqueue)

	for i, w := range j.PES.Words() {
		r.Write(RegPESHdr0+4*uint32(i), w)
	}
	r.Write(RegTSPHdr, j.TS.Word())
	hdr0, ssrc := j.RTP.Words()
	r.Write(RegRTPHdr0, hdr0)
	r.Write(RegRTPHdr2, ssrc)
	r.Write(RegSwapCtrl, j.SwapCtrl)
	r.Write(RegSrcBase, j.Src)
	r.Write(RegSrcLen, j.SrcLen)
	r.Write(RegDstBase, j.Dst)

	d.enqueue()
}

// enqueue sets the ENQUEUE bit once the hardware has accepted the previous
// job. If the bit does not clear within the enqueue wait the job is queued
// anyway.
func (d *Device) enqueue() {
	deadline := time.Now().Add(d.enqueueWait)
	w := d.regs.Read(RegPktCtrl)
	for w&PktCtrlEnqueue != 0 {
		if time.Now().After(deadline) {
			d.log.Error("enqueue still busy, queueing job anyway", "pktCtrl", w, "wait", d.enqueueWait)
			d.metrics.enqueueTimeout()
			break
		}
		time.Sleep(enqueuePoll)
		w = d.regs.Read(RegPktCtrl)
	}
	d.regs.Write(RegPktCtrl, w|PktCtrlEnqueue)
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
