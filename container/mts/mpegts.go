/*
NAME
  mpegts.go - provides a data structure intended to encapsulate the properties
  of an MPEG-TS packet and also functions to allow manipulation of these packets.

DESCRIPTION
  mpegts.go provides MPEG-TS packet construction, used for the null packets
  appended to packetizer output and by the simulated packetizer, and helpers
  for inspecting packetizer output.

AUTHORS
  Saxon A. Nelson-Milton <saxon.milton@gmail.com>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package mts provides MPEG-TS (mts) packet construction and inspection.
package mts

import (
	"fmt"

	gotspsi "github.com/Comcast/gots/psi"
	"github.com/pkg/errors"
)

const PacketSize = 188

// Standard program IDs for program specific information MPEG-TS packets.
const (
	PatPid = 0
	PmtPid = 4096
)

// Default elementary stream PIDs.
const (
	PIDVideo = 256
	PIDAudio = 210
)

// HeadSize is the size of an MPEG-TS packet header.
const HeadSize = 4

// MaxPayloadSize is the payload capacity of a packet without an adaptation
// field.
const MaxPayloadSize = PacketSize - HeadSize

// Adaptation field control values.
const (
	HasPayload         = 0x1
	HasAdaptationField = 0x2
)

/*
Packet encapsulates the fields of an MPEG-TS packet. Below is
the formatting of an MPEG-TS packet for reference!

============================================================================
| octet no | bit 0 | bit 1 | bit 2 | bit 3 | bit 4 | bit 5 | bit 6 | bit 7 |
============================================================================
| octet 0  | sync byte (0x47)                                              |
----------------------------------------------------------------------------
| octet 1  | TEI   | PUSI  | Prior | PID                                   |
----------------------------------------------------------------------------
| octet 2  | PID cont.                                                     |
----------------------------------------------------------------------------
| octet 3  | TSC           | AFC           | CC                            |
----------------------------------------------------------------------------
| octet 4  | AFL                                                           |
----------------------------------------------------------------------------
| octet 5  | DI    | RAI   | ESPI  | PCRF  | OPCRF | SPF   | TPDF  | AFEF  |
----------------------------------------------------------------------------
| optional | PCR (48 bits => 6 bytes)                                      |
----------------------------------------------------------------------------
| optional | Stuffing (variable length)                                    |
----------------------------------------------------------------------------
| -        | ...                                                           |
----------------------------------------------------------------------------
| optional | Payload (variable length)                                     |
----------------------------------------------------------------------------
| -        | ...                                                           |
----------------------------------------------------------------------------
*/
type Packet struct {
	TEI      bool   // Transport Error Indicator
	PUSI     bool   // Payload Unit Start Indicator
	Priority bool   // Tranposrt priority indicator
	PID      uint16 // Packet identifier
	TSC      byte   // Transport Scrambling Control
	AFC      byte   // Adaption Field Control
	CC       byte   // Continuity Counter
	DI       bool   // Discontinouty indicator
	RAI      bool   // random access indicator
	ESPI     bool   // Elementary stream priority indicator
	PCRF     bool   // PCR flag
	PCR      uint64 // Program clock reference
	Payload  []byte // Mpeg ts Payload
}

// FillPayload fills the packet's Payload from data until the packet reaches
// capacity, returning the number of bytes taken. The capacity assumes an
// adaptation field is present.
func (p *Packet) FillPayload(data []byte) int {
	currentPktLen := 6 + asInt(p.PCRF)*6
	if len(data) > PacketSize-currentPktLen {
		p.Payload = make([]byte, PacketSize-currentPktLen)
	} else {
		p.Payload = make([]byte, len(data))
	}
	return copy(p.Payload, data)
}

// Bytes interprets the fields of the ts packet instance and outputs a
// corresponding byte slice. If buf has capacity for a packet it is written
// in place.
func (p *Packet) Bytes(buf []byte) []byte {
	if buf == nil || cap(buf) < PacketSize {
		buf = make([]byte, PacketSize)
	}

	buf = buf[:6]
	buf[0] = 0x47
	buf[1] = (asByte(p.TEI)<<7 | asByte(p.PUSI)<<6 | asByte(p.Priority)<<5 | byte((p.PID&0x1F00)>>8))
	buf[2] = byte(p.PID & 0x00FF)
	buf[3] = (p.TSC<<6 | p.AFC<<4 | p.CC&0xf)

	// One byte short of a full payload is padded by a zero length adaptation
	// field, which has no flags octet.
	if p.AFC&HasAdaptationField != 0 && !p.PCRF && len(p.Payload) == MaxPayloadSize-1 {
		buf = buf[:PacketSize]
		buf[4] = 0
		copy(buf[5:], p.Payload)
		return buf
	}

	var maxPayloadSize int
	if p.AFC&HasAdaptationField != 0 {
		maxPayloadSize = PacketSize - 6 - asInt(p.PCRF)*6
	} else {
		maxPayloadSize = MaxPayloadSize
	}

	stuffingLen := maxPayloadSize - len(p.Payload)
	if p.AFC&HasAdaptationField != 0 {
		buf[4] = byte(1 + stuffingLen + asInt(p.PCRF)*6)
		buf[5] = (asByte(p.DI)<<7 | asByte(p.RAI)<<6 | asByte(p.ESPI)<<5 | asByte(p.PCRF)<<4)
	} else {
		buf = buf[:4]
	}

	for i := 40; p.PCRF && i >= 0; i -= 8 {
		buf = append(buf, byte((p.PCR<<15)>>uint(i)))
	}

	for i := 0; i < stuffingLen; i++ {
		buf = append(buf, 0xff)
	}
	curLen := len(buf)
	buf = buf[:PacketSize]
	copy(buf[curLen:], p.Payload)
	return buf
}

// NullPacket returns an adaptation field only packet on pid, its body all
// stuffing, used to pad the end of a frame while keeping the PID's
// continuity counter running.
func NullPacket(pid uint16, cc byte) *Packet {
	return &Packet{
		PUSI: true,
		PID:  pid,
		AFC:  HasAdaptationField,
		CC:   cc & 0xf,
	}
}

func asInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func asByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Errors used by FindPid.
var (
	ErrInvalidLen = errors.New("MPEG-TS data not of valid length")
)

// FindPid will take a clip of MPEG-TS and try to find a packet with given PID - if one
// is found, then it is returned along with its index, otherwise nil, -1 and an error is returned.
func FindPid(d []byte, pid uint16) (pkt []byte, i int, err error) {
	if len(d) < PacketSize {
		return nil, -1, ErrInvalidLen
	}
	for i = 0; i+PacketSize <= len(d); i += PacketSize {
		p := (uint16(d[i+1]&0x1f) << 8) | uint16(d[i+2])
		if p == pid {
			pkt = d[i : i+PacketSize]
			return
		}
	}
	return nil, -1, fmt.Errorf("could not find packet with PID %d", pid)
}

// LastPid will take a clip of MPEG-TS and try to find a packet
// with given PID searching in reverse from the end of the clip. If
// one is found, then it is returned along with its index, otherwise
// nil, -1 and an error is returned.
func LastPid(d []byte, pid uint16) (pkt []byte, i int, err error) {
	if len(d) < PacketSize {
		return nil, -1, ErrInvalidLen
	}

	for i = len(d)/PacketSize*PacketSize - PacketSize; i >= 0; i -= PacketSize {
		p := (uint16(d[i+1]&0x1f) << 8) | uint16(d[i+2])
		if p == pid {
			pkt = d[i : i+PacketSize]
			return
		}
	}
	return nil, -1, fmt.Errorf("could not find packet with PID %d", pid)
}

// Errors used by FindPSI.
var (
	ErrMultiplePrograms = errors.New("more than one program not supported")
	ErrNoPrograms       = errors.New("no programs in PAT")
	ErrNotConsecutive   = errors.New("could not find consecutive PIDs")
)

// FindPSI finds the index of a PAT in a slice of MPEG-TS and returns it,
// along with the stream PIDs and their types from the PMT that follows.
func FindPSI(d []byte) (int, map[uint16]uint8, error) {
	if len(d) < PacketSize {
		return -1, nil, ErrInvalidLen
	}

	pkt, i, err := FindPid(d, PatPid)
	if err != nil {
		return -1, nil, errors.Wrap(err, "error finding PAT")
	}

	// NB: currently we only support one program.
	progs, err := Programs(pkt)
	if err != nil {
		return i, nil, errors.Wrap(err, "cannot get programs from PAT")
	}
	if len(progs) == 0 {
		return i, nil, ErrNoPrograms
	}
	if len(progs) > 1 {
		return i, nil, ErrMultiplePrograms
	}
	pmtPID := pmtPIDs(progs)[0]

	d = d[i+PacketSize:]
	pkt, pmtIdx, err := FindPid(d, pmtPID)
	if err != nil {
		return i, nil, errors.Wrap(err, "error finding PMT")
	}
	if pmtIdx != 0 {
		return i, nil, ErrNotConsecutive
	}

	streams, err := Streams(pkt)
	if err != nil {
		return i, nil, errors.Wrap(err, "could not get streams from PMT")
	}

	streamMap := make(map[uint16]uint8)
	for _, s := range streams {
		streamMap[(uint16)(s.ElementaryPid())] = s.StreamType()
	}
	return i, streamMap, nil
}

var errNoPTS = errors.New("could not find PTS")

// Errors used by GetPTS.
var (
	errNoPesPayload     = errors.New("no PES payload")
	errNoPesPTS         = errors.New("no PES PTS")
	errInvalidPesHeader = errors.New("invalid PES header")
)

// GetPTS returns a PTS from a packet that has PES payload, or an error otherwise.
func GetPTS(pkt []byte) (pts int64, err error) {
	// Check the Payload Unit Start Indicator.
	if pkt[1]&0x040 == 0 {
		err = errNoPesPayload
		return
	}

	payload, err := Payload(pkt)
	if err != nil {
		return 0, err
	}
	if len(payload) < 14 {
		err = errInvalidPesHeader
		return
	}

	// Check the PTS DTS indicator.
	if payload[7]&0xc0 == 0 {
		err = errNoPesPTS
		return
	}

	pts = extractPTS(payload[9:14])
	return
}

// FirstPTS returns the first PTS found on pid in clip.
func FirstPTS(clip []byte, pid uint16) (int64, error) {
	for i := 0; i+PacketSize <= len(clip); i += PacketSize {
		pkt := clip[i : i+PacketSize]
		p, _ := PID(pkt)
		if p != pid {
			continue
		}
		pts, err := GetPTS(pkt)
		if err == nil {
			return pts, nil
		}
	}
	return 0, errNoPTS
}

// extractTime extracts a PTS from the given data.
func extractPTS(d []byte) int64 {
	return (int64((d[0]>>1)&0x07) << 30) | (int64(d[1]) << 22) | (int64((d[2]>>1)&0x7f) << 15) | (int64(d[3]) << 7) | int64((d[4]>>1)&0x7f)
}

// PID returns the packet identifier for the given packet.
func PID(p []byte) (uint16, error) {
	if len(p) < PacketSize {
		return 0, errors.New("packet length less than 188")
	}
	return uint16(p[1]&0x1f)<<8 | uint16(p[2]), nil
}

// Programs returns a map of program numbers and corresponding PMT PIDs for a
// given MPEG-TS PAT packet.
func Programs(p []byte) (map[uint16]uint16, error) {
	pat, err := gotspsi.NewPAT(p)
	if err != nil {
		return nil, err
	}
	// Convert to map[uint16]uint16.
	m := make(map[uint16]uint16)
	for k, v := range pat.ProgramMap() {
		m[uint16(k)] = uint16(v)
	}
	return m, nil
}

// Streams returns elementary streams defined in a given MPEG-TS PMT packet.
func Streams(p []byte) ([]gotspsi.PmtElementaryStream, error) {
	payload, err := Payload(p)
	if err != nil {
		return nil, errors.Wrap(err, "cannot get packet payload")
	}
	pmt, err := gotspsi.NewPMT(payload)
	if err != nil {
		return nil, err
	}
	return pmt.ElementaryStreams(), nil
}

// pmtPIDs returns PMT PIDS from a map containing program number as keys and
// corresponding PMT PIDs as values.
func pmtPIDs(m map[uint16]uint16) []uint16 {
	r := make([]uint16, 0, len(m))
	for _, v := range m {
		r = append(r, v)
	}
	return r
}

// Errors used by Payload.
var ErrNoPayload = errors.New("no payload")

// Payload returns the payload of an MPEG-TS packet p.
// NB: this is not a copy of the payload in the interests of performance.
func Payload(p []byte) ([]byte, error) {
	if len(p) < PacketSize {
		return nil, ErrInvalidLen
	}
	c := (p[3] & 0x30) >> 4
	if c&HasPayload == 0 {
		return nil, ErrNoPayload
	}

	// Check if there is an adaptation field.
	off := HeadSize
	if c&HasAdaptationField != 0 {
		off = int(5 + p[4])
	}
	if off > PacketSize {
		return nil, ErrInvalidLen
	}
	return p[off:PacketSize], nil
}
