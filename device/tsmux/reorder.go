/*
DESCRIPTION
  reorder.go corrects the byte order of the counters held in the PES
  private data of protected OTF output on older hardware.

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
	"errors"
	"fmt"
	"math/bits"
)

// PrivateDataLen is the length of the PES private data field.
const PrivateDataLen = 16

// maxTSPerRTP is the most TS packets searched for the PES header.
const maxTSPerRTP = 7

// PES header flag bits.
const (
	flagESCR       = 0x20
	flagESRate     = 0x10
	flagTrick      = 0x08
	flagCopyInfo   = 0x04
	flagCRC        = 0x02
	FlagExtension  = 0x01
	FlagPrivate    = 0x80
	ptsDTSMask     = 0xc0
	ptsOnly        = 0x80
	ptsAndDTS      = 0xc0
	afcAdaptation  = 0x2
	tsHeaderLength = 4
)

var (
	errBadSync  = errors.New("bad sync byte")
	errNoPES    = errors.New("PES header not found")
	errTruncate = errors.New("output truncated")
)

// reorderPrivateData finds the PES header in the first RTP packet of b and,
// if it carries PES private data, byte reverses the stream and input
// counters held there. If psi is true the first three TS packets are PSI.
func reorderPrivateData(b []byte, psi bool) error {
	skip := 0
	if psi {
		skip = psiPackets
	}
	for k := 0; k < maxTSPerRTP; k++ {
		off := RTPHeaderSize + k*TSPacketSize
		if off+TSPacketSize > len(b) {
			return errTruncate
		}
		pkt := b[off : off+TSPacketSize]
		if pkt[0] != 0x47 {
			return fmt.Errorf("%w: %#02x at %d", errBadSync, pkt[0], off)
		}
		if k < skip {
			continue
		}
		i := tsHeaderLength
		if pkt[3]>>4&afcAdaptation != 0 {
			i += 1 + int(pkt[4])
		}
		return reorderPES(pkt[i:])
	}
	return errNoPES
}

// reorderPES reorders the private data counters of the PES header at the
// start of p.
func reorderPES(p []byte) error {
	const fixed = 9 // Start code, stream id, length, flags and header length.
	if len(p) < fixed {
		return errTruncate
	}
	flags := p[7]
	i := fixed
	switch flags & ptsDTSMask {
	case ptsOnly:
		i += 5
	case ptsAndDTS:
		i += 10
	}
	if flags&flagESCR != 0 {
		i += 6
	}
	if flags&flagESRate != 0 {
		i += 3
	}
	if flags&flagTrick != 0 {
		i++
	}
	if flags&flagCopyInfo != 0 {
		i++
	}
	if flags&flagCRC != 0 {
		i += 2
	}
	if flags&FlagExtension == 0 {
		return nil
	}
	if i >= len(p) {
		return errTruncate
	}
	ext := p[i]
	i++
	if ext&FlagPrivate == 0 {
		return nil
	}
	if i+PrivateDataLen > len(p) {
		return errTruncate
	}

	d := p[i : i+PrivateDataLen]
	stream, input := DecodePrivateData(d)
	EncodePrivateData(d, bits.ReverseBytes32(stream), bits.ReverseBytes64(input))
	return nil
}

// DecodePrivateData returns the stream and input counters held, marker bit
// encoded, in the private data d.
func DecodePrivateData(d []byte) (stream uint32, input uint64) {
	stream = uint32(d[1]>>1&0x3)<<30 |
		uint32(d[2])<<22 |
		uint32(d[3]>>1)<<15 |
		uint32(d[4])<<7 |
		uint32(d[5]>>1)

	input = uint64(d[7]>>1&0xf)<<60 |
		uint64(d[8])<<52 |
		uint64(d[9]>>1)<<45 |
		uint64(d[10])<<37 |
		uint64(d[11]>>1)<<30 |
		uint64(d[12])<<22 |
		uint64(d[13]>>1)<<15 |
		uint64(d[14])<<7 |
		uint64(d[15]>>1)
	return stream, input
}

// EncodePrivateData writes the stream and input counters into the private
// data d with marker bits set.
func EncodePrivateData(d []byte, stream uint32, input uint64) {
	d[0] = 0
	d[1] = byte(stream>>30&0x3)<<1 | 1
	d[2] = byte(stream >> 22)
	d[3] = byte(stream>>15&0x7f)<<1 | 1
	d[4] = byte(stream >> 7)
	d[5] = byte(stream&0x7f)<<1 | 1
	d[6] = 0
	d[7] = byte(input>>60&0xf)<<1 | 1
	d[8] = byte(input >> 52)
	d[9] = byte(input>>45&0x7f)<<1 | 1
	d[10] = byte(input >> 37)
	d[11] = byte(input>>30&0x7f)<<1 | 1
	d[12] = byte(input >> 22)
	d[13] = byte(input>>15&0x7f)<<1 | 1
	d[14] = byte(input >> 7)
	d[15] = byte(input&0x7f)<<1 | 1
}
