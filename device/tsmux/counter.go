/*
DESCRIPTION
  counter.go provides the continuity counter and RTP sequence number
  arithmetic used to keep software counter state in step with the packets
  produced by the packetizer hardware, and helpers for sizing buffers.

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

import "fmt"

// Packet geometry.
const (
	TSPacketSize  = 188 // Size of an MPEG-TS packet.
	TSPayloadSize = 184 // Payload capacity of an MPEG-TS packet with no adaptation field.
	RTPHeaderSize = 12  // Size of an RTP header with no CSRCs or extension.
)

// DefaultTSPerRTP is the default number of TS packets carried per RTP
// packet. One slot of the usual seven is left free for the null packet
// appended to every OTF frame.
const DefaultTSPerRTP = 6

// psiPackets is the number of TS packets (PAT, PMT and PCR) the hardware
// emits ahead of the PES when PSI is enabled for a job.
const psiPackets = 3

// Counter masks.
const (
	ccMask  = 0xf
	seqMask = 0xffff
)

// rtpPacketSize returns the size of a full RTP packet holding n TS packets.
func rtpPacketSize(n int) int { return TSPacketSize*n + RTPHeaderSize }

// TSPackets returns the number of elementary stream TS packets contained in
// size bytes of RTP encapsulated output, where each RTP packet carries up to
// n TS packets. If psi is true, the PAT, PMT and PCR packets are discounted.
func TSPackets(size, n int, psi bool) int {
	full := size / rtpPacketSize(n)
	ts := full * n
	if rem := size % rtpPacketSize(n); rem > 0 {
		ts += (rem - RTPHeaderSize) / TSPacketSize
	}
	if psi {
		ts -= psiPackets
	}
	return ts
}

// RTPPackets returns the number of RTP packets in size bytes of output where
// each full RTP packet carries n TS packets.
func RTPPackets(size, n int) int {
	p := rtpPacketSize(n)
	return (size + p - 1) / p
}

// NextContinuityCounter returns the continuity counter following cc once
// size bytes of output with n TS packets per RTP packet have been produced.
func NextContinuityCounter(cc uint8, size, n int, psi bool) uint8 {
	return uint8((int(cc) + TSPackets(size, n, psi)) & ccMask)
}

// NextRTPSequence returns the RTP sequence number following seq once size
// bytes of output with n TS packets per RTP packet have been produced.
func NextRTPSequence(seq uint16, size, n int) uint16 {
	return uint16((int(seq) + RTPPackets(size, n)) & seqMask)
}

// PESLen returns the PES length produced for src bytes of elementary stream.
// The HDCP private data and audio header extensions add to the header.
func PESLen(src int, hdcp, audio bool) int {
	l := src + 14
	if hdcp {
		l += 17
	}
	if audio {
		l += 2
	}
	return l
}

// TSLen returns the number of TS bytes produced for pes bytes of PES.
func TSLen(pes int, psi bool) int {
	var l int
	if psi {
		l += psiPackets * TSPacketSize
	}
	return l + (pes+TSPayloadSize-1)/TSPayloadSize*TSPacketSize
}

// RTPLen returns an upper bound on the RTP output size for ts bytes of TS
// with n TS packets per RTP packet.
func RTPLen(ts, n int) int {
	return (ts/(n*TSPacketSize)+1)*RTPHeaderSize + ts
}

// CounterState holds the per session counters that must stay consistent
// across jobs and across OTF and M2M operation.
type CounterState struct {
	RTPSeq      uint16 // Next RTP sequence number.
	SeqOverride bool   // Force RTPSeq and the stream CC into the next job.
	PATCC       uint8  // PAT continuity counter.
	PMTCC       uint8  // PMT continuity counter.
	VideoCC     uint8  // Video (OTF) continuity counter.
	AudioCC     uint8  // Audio (M2M) continuity counter.
}

// Validate checks that each continuity counter is a 4 bit value.
func (c CounterState) Validate() error {
	for _, f := range []struct {
		name string
		v    uint8
	}{
		{"PATCC", c.PATCC},
		{"PMTCC", c.PMTCC},
		{"VideoCC", c.VideoCC},
		{"AudioCC", c.AudioCC},
	} {
		if f.v > ccMask {
			return fmt.Errorf("%w: %s=%d", ErrInvalidCounter, f.name, f.v)
		}
	}
	return nil
}
