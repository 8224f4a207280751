/*
NAME
  split.go

DESCRIPTION
  split.go provides splitting of packetizer output, a run of RTP packets
  each carrying whole MPEG-TS packets, into individual RTP packets.

AUTHOR
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package rtp

import (
	"errors"
	"fmt"
)

var errNoTSPackets = errors.New("RTP packet carries no MPEG-TS packets")

// Split splits d, a concatenation of RTP packets with 12 byte headers each
// followed by whole MPEG-TS packets, into its RTP packets. The returned
// slices share d's memory. A packet may carry more than the usual seven TS
// packets, as happens when a null packet is appended to the last packet of
// a frame.
func Split(d []byte) ([][]byte, error) {
	var pkts [][]byte
	for off := 0; off < len(d); {
		err := checkPacket(d[off:])
		if err != nil {
			return pkts, fmt.Errorf("bad RTP header at %d: %w", off, err)
		}
		end := off + defaultHeadSize
		for end+mtsSize <= len(d) && d[end] == mtsSync {
			end += mtsSize
		}
		if end == off+defaultHeadSize {
			return pkts, fmt.Errorf("at %d: %w", off, errNoTSPackets)
		}
		pkts = append(pkts, d[off:end])
		off = end
	}
	return pkts, nil
}

// TSPayload returns the MPEG-TS packets carried by the RTP packets in d,
// with their RTP headers removed.
func TSPayload(d []byte) ([]byte, error) {
	pkts, err := Split(d)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(d))
	for _, p := range pkts {
		pl, err := Payload(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pl...)
	}
	return out, nil
}
