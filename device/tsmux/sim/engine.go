/*
DESCRIPTION
  engine.go provides the software packetizer used by Hardware: PES
  encapsulation, TS packetization with optional PSI and grouping of TS
  packets into RTP packets.

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
	"math/bits"

	"github.com/ausocean/tsmux/container/mts"
	"github.com/ausocean/tsmux/container/mts/pes"
	"github.com/ausocean/tsmux/device/tsmux"
	"github.com/ausocean/tsmux/protocol/rtp"
)

// nullPID is the PID of the stuffing packet emitted for an empty PSI segment.
const nullPID = 0x1fff

// orderingFixedVersion is the first version writing private data counters
// in network order.
const orderingFixedVersion = 0x02010000

// packetizeLocked returns the RTP encapsulated TS output for job j carrying
// elementary stream es.
func (h *Hardware) packetizeLocked(j *Job, es []byte) []byte {
	var ts [][]byte
	if j.Ctrl.PSIEnable {
		ts = append(ts, psiPackets(j)...)
	}

	pid := j.TS.PID
	cc := h.ccs[pid]
	if j.CCInit {
		cc = j.TS.CC
	}
	p := h.pesLocked(j, es)
	for off := 0; off < len(p); off += mts.MaxPayloadSize {
		end := off + mts.MaxPayloadSize
		if end > len(p) {
			end = len(p)
		}
		pkt := mts.Packet{
			TEI:      j.TS.Error,
			PUSI:     off == 0,
			Priority: j.TS.Priority,
			PID:      pid,
			TSC:      j.TS.Scrambling,
			AFC:      mts.HasPayload,
			CC:       cc,
			Payload:  p[off:end],
		}
		if end-off < mts.MaxPayloadSize {
			pkt.AFC |= mts.HasAdaptationField
		}
		ts = append(ts, pkt.Bytes(nil))
		cc = (cc + 1) & 0xf
	}
	h.ccs[pid] = cc

	n := j.Ctrl.RTPSize
	if n <= 0 {
		n = tsmux.DefaultTSPerRTP
	}
	if j.Ctrl.SeqOverride {
		h.seq = j.RTP.Seq
	}
	var out []byte
	for i := 0; i < len(ts); i += n {
		end := i + n
		if end > len(ts) {
			end = len(ts)
		}
		r := rtp.Packet{
			Version:     j.RTP.Version,
			PaddingFlag: j.RTP.Padding,
			Marker:      j.RTP.Marker && end == len(ts),
			PacketType:  j.RTP.PayloadType,
			Sync:        h.seq,
			Timestamp:   uint32(j.PES.PTS()),
			SSRC:        j.RTP.SSRC,
			Payload:     bytes.Join(ts[i:end], nil),
		}
		out = append(out, r.Bytes(nil)...)
		h.seq++
	}
	return out
}

// pesLocked returns the PES packet for job j carrying es. Header bytes
// beyond the timestamps are stuffing, except for the PES extension carrying
// private data when the extension flag is set.
func (h *Hardware) pesLocked(j *Job, es []byte) []byte {
	hdr := j.PES
	p := pes.Packet{
		StreamID:     hdr.StreamID,
		Length:       hdr.Length,
		SC:           hdr.Scrambling,
		Priority:     hdr.Priority,
		DAI:          hdr.Alignment,
		Copyright:    hdr.Copyright,
		Original:     hdr.Original,
		PDI:          hdr.Flags >> 6,
		ESCRF:        hdr.Flags&0x20 != 0,
		ESRF:         hdr.Flags&0x10 != 0,
		DSMTMF:       hdr.Flags&0x08 != 0,
		ACIF:         hdr.Flags&0x04 != 0,
		CRCF:         hdr.Flags&0x02 != 0,
		EF:           hdr.Flags&tsmux.FlagExtension != 0,
		HeaderLength: hdr.HeaderLength,
		PTS:          hdr.PTS(),
		DTS:          hdr.PTS(),
		Data:         es,
	}

	var used int
	switch p.PDI {
	case pes.PTSOnly:
		used = pes.PTSLength
	case pes.PTSAndDTS:
		used = 2 * pes.PTSLength
	}
	stuff := int(hdr.HeaderLength) - used
	if stuff < 0 {
		stuff = 0
	}
	p.Stuff = bytes.Repeat([]byte{0xff}, stuff)

	if p.EF && stuff >= 1+tsmux.PrivateDataLen {
		h.stream++
		h.input += uint64(len(es))
		stream, input := h.stream, h.input
		if h.version < orderingFixedVersion {
			stream, input = bits.ReverseBytes32(stream), bits.ReverseBytes64(input)
		}
		p.Stuff[0] = tsmux.FlagPrivate
		tsmux.EncodePrivateData(p.Stuff[1:1+tsmux.PrivateDataLen], stream, input)
	}
	return p.Bytes(nil)
}

// psiPackets returns the PAT, PMT and PCR packets held in the PSI window of
// j, each completed with stuffing.
func psiPackets(j *Job) [][]byte {
	pat, pmt, pcr := tsmux.ParsePSIRegs(j.PSILen, j.PSI)
	var pkts [][]byte
	for _, seg := range [][]byte{pat, pmt, pcr} {
		if len(seg) == 0 {
			pkts = append(pkts, mts.NullPacket(nullPID, 0).Bytes(nil))
			continue
		}
		pkt := bytes.Repeat([]byte{0xff}, mts.PacketSize)
		copy(pkt, seg)
		pkts = append(pkts, pkt)
	}
	return pkts
}
