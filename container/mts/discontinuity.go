/*
NAME
  discontinuity.go

DESCRIPTION
  discontinuity.go provides functionality for detecting continuity counter
  discontinuities in MPEG-TS and marking them using the discontinuity
  indicator in the adaptation field.

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package mts

import (
	"github.com/Comcast/gots/packet"
	"github.com/pkg/errors"
)

// Discontinuity describes a packet whose continuity counter was not the one
// expected from the previous packet on its PID.
type Discontinuity struct {
	Index int    // Index of the packet in the checked clip.
	PID   uint16 // PID of the packet.
	Got   int    // Continuity counter found.
	Want  int    // Continuity counter expected.
}

// DiscontinuityRepairer tracks the expected continuity counter of each PID
// across successive clips. Every packet on a PID, including adaptation field
// only packets, is expected to advance its counter, except PCR only packets,
// which are emitted from a fixed template and are skipped.
type DiscontinuityRepairer struct {
	expCC map[int]int
}

// NewDiscontinuityRepairer returns a pointer to a new DiscontinuityRepairer.
func NewDiscontinuityRepairer() *DiscontinuityRepairer {
	return &DiscontinuityRepairer{expCC: make(map[int]int)}
}

var errClipSize = errors.New("MTS clip is not of valid size")

// Check returns the discontinuities found in clip d, which must be a series
// of whole packets, and updates the expected counters.
func (dr *DiscontinuityRepairer) Check(d []byte) ([]Discontinuity, error) {
	if len(d)%PacketSize != 0 {
		return nil, errClipSize
	}
	var (
		pkt  packet.Packet
		disc []Discontinuity
	)
	for i := 0; i < len(d); i += PacketSize {
		copy(pkt[:], d[i:i+PacketSize])
		if isPCROnly(d[i : i+PacketSize]) {
			continue
		}
		pid := pkt.PID()
		cc := pkt.ContinuityCounter()
		expect, ok := dr.ExpectedCC(pid)
		if ok && cc != expect {
			disc = append(disc, Discontinuity{Index: i / PacketSize, PID: uint16(pid), Got: cc, Want: expect})
		}
		dr.SetExpectedCC(pid, (cc+1)&0xf)
	}
	return disc, nil
}

// Repair checks clip d and sets the discontinuity indicator of each packet
// that is out of sequence and carries an adaptation field. It returns the
// discontinuities found.
func (dr *DiscontinuityRepairer) Repair(d []byte) ([]Discontinuity, error) {
	disc, err := dr.Check(d)
	if err != nil {
		return nil, err
	}
	for _, di := range disc {
		p := d[di.Index*PacketSize : (di.Index+1)*PacketSize]
		if p[3]&(HasAdaptationField<<4) == 0 || p[4] == 0 {
			continue
		}
		p[5] |= 0x80
	}
	return disc, nil
}

// isPCROnly reports whether p is an adaptation field only packet carrying a
// PCR.
func isPCROnly(p []byte) bool {
	return p[3]>>4&0x3 == HasAdaptationField && p[4] != 0 && p[5]&0x10 != 0
}

// ExpectedCC returns the expected cc of pid. If the pid hasn't been seen yet,
// then 16 and false is returned.
func (dr *DiscontinuityRepairer) ExpectedCC(pid int) (int, bool) {
	cc, ok := dr.expCC[pid]
	if !ok {
		return 16, false
	}
	return cc, true
}

// SetExpectedCC sets the expected cc of pid.
func (dr *DiscontinuityRepairer) SetExpectedCC(pid, cc int) {
	dr.expCC[pid] = cc
}

// Reset forgets the expected cc of every PID.
func (dr *DiscontinuityRepairer) Reset() {
	dr.expCC = make(map[int]int)
}
