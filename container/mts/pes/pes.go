/*
NAME
  pes.go

DESCRIPTION
  pes.go provides encoding of MPEG-TS packetised elementary stream (PES)
  packets.

AUTHOR
  Saxon A. Nelson-Milton <saxon.milton@gmail.com>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package pes provides encoding of PES packets.
package pes

import "github.com/Comcast/gots"

// MaxPesSize is the capacity a PES buffer is allocated with.
const MaxPesSize = 64 << 10

// Header lengths.
const (
	FixedHeaderLength = 9 // Bytes up to and including the header length field.
	PTSLength         = 5
)

// PTS DTS indicator values.
const (
	NoPTS     = 0
	PTSOnly   = 2
	PTSAndDTS = 3
)

// Packet holds the fields of a PES packet. Optional header fields not
// encoded by Bytes, such as the PES extension, may be carried in Stuff ahead
// of the stuffing bytes.
type Packet struct {
	StreamID     byte   // Type of stream
	Length       uint16 // Pes packet length in bytes after this field
	SC           byte   // Scrambling control
	Priority     bool   // Priority Indicator
	DAI          bool   // Data alginment indicator
	Copyright    bool   // Copyright indicator
	Original     bool   // Original data indicator
	PDI          byte   // PTS DTS indicator
	ESCRF        bool   // Elementary stream clock reference flag
	ESRF         bool   // Elementary stream rate reference flag
	DSMTMF       bool   // Dsm trick mode flag
	ACIF         bool   // Additional copy info flag
	CRCF         bool   // PES CRC flag
	EF           bool   // Extension flag
	HeaderLength byte   // Pes header length
	PTS          uint64 // Presentation time stamp
	DTS          uint64 // Decoding timestamp
	Stuff        []byte // Stuffing bytes
	Data         []byte // Pes packet data
}

// Bytes encodes the packet, reusing buf if it has the capacity.
func (p *Packet) Bytes(buf []byte) []byte {
	if buf == nil || cap(buf) < MaxPesSize {
		buf = make([]byte, 0, MaxPesSize)
	}
	buf = buf[:0]
	buf = append(buf, []byte{
		0x00, 0x00, 0x01,
		p.StreamID,
		byte((p.Length & 0xFF00) >> 8),
		byte(p.Length & 0x00FF),
		(0x2<<6 | p.SC<<4 | boolByte(p.Priority)<<3 | boolByte(p.DAI)<<2 |
			boolByte(p.Copyright)<<1 | boolByte(p.Original)),
		(p.PDI<<6 | boolByte(p.ESCRF)<<5 | boolByte(p.ESRF)<<4 | boolByte(p.DSMTMF)<<3 |
			boolByte(p.ACIF)<<2 | boolByte(p.CRCF)<<1 | boolByte(p.EF)),
		p.HeaderLength,
	}...)

	switch p.PDI {
	case PTSOnly:
		ptsIdx := len(buf)
		buf = buf[:ptsIdx+PTSLength]
		gots.InsertPTS(buf[ptsIdx:], p.PTS)
	case PTSAndDTS:
		ptsIdx := len(buf)
		buf = buf[:ptsIdx+2*PTSLength]
		gots.InsertPTS(buf[ptsIdx:], p.PTS)
		gots.InsertPTS(buf[ptsIdx+PTSLength:], p.DTS)
		buf[ptsIdx] = buf[ptsIdx]&0x0f | 0x30
		buf[ptsIdx+PTSLength] = buf[ptsIdx+PTSLength]&0x0f | 0x10
	}
	buf = append(buf, p.Stuff...)
	buf = append(buf, p.Data...)
	return buf
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
