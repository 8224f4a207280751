/*
DESCRIPTION
  psi.go provides the per session PSI template (PAT, PMT and PCR packet
  prefixes) written into the packetizer's PSI register window ahead of
  jobs that enable PSI.

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
	"encoding/binary"
	"fmt"
)

// PSI register window geometry.
const (
	PSIWindowWords = 16
	PSIWindowSize  = PSIWindowWords * 4
)

// Offsets within the PSI segments.
const (
	ccByte     = 3  // TS header byte holding the continuity counter.
	pcrOffset  = 6  // TS header, adaptation field length and flags.
	pcrBytes   = 6  // Encoded PCR base and extension.
	minSegment = 4  // A segment must hold at least a TS header to be patched.
	pcrPerUs   = 27 // 27MHz PCR ticks per microsecond.
)

// PSITemplate holds the PAT, PMT and PCR segments concatenated in the layout
// of the PSI register window.
type PSITemplate struct {
	data   [PSIWindowSize]byte
	patLen int
	pmtLen int
	pcrLen int
}

// NewPSITemplate returns a template holding pat, pmt and pcr. An error
// wrapping ErrInvalidPSI is returned if any segment, or all three together,
// do not fit within the PSI register window.
func NewPSITemplate(pat, pmt, pcr []byte) (*PSITemplate, error) {
	for _, s := range []struct {
		name string
		b    []byte
	}{{"PAT", pat}, {"PMT", pmt}, {"PCR", pcr}} {
		if len(s.b) >= PSIWindowSize {
			return nil, fmt.Errorf("%w: %s length %d", ErrInvalidPSI, s.name, len(s.b))
		}
	}
	total := len(pat) + len(pmt) + len(pcr)
	if total >= PSIWindowSize {
		return nil, fmt.Errorf("%w: total length %d", ErrInvalidPSI, total)
	}

	t := &PSITemplate{patLen: len(pat), pmtLen: len(pmt), pcrLen: len(pcr)}
	n := copy(t.data[:], pat)
	n += copy(t.data[n:], pmt)
	copy(t.data[n:], pcr)
	return t, nil
}

// Lens returns the lengths of the PAT, PMT and PCR segments.
func (t *PSITemplate) Lens() (pat, pmt, pcr int) { return t.patLen, t.pmtLen, t.pcrLen }

// Bytes returns a copy of the concatenated segments.
func (t *PSITemplate) Bytes() []byte {
	b := make([]byte, t.patLen+t.pmtLen+t.pcrLen)
	copy(b, t.data[:])
	return b
}

// patch writes the PAT and PMT continuity counters of c into the template
// and advances them.
func (t *PSITemplate) patch(c *CounterState) {
	if t.patLen >= minSegment {
		t.data[ccByte] = t.data[ccByte]&0xf0 | c.PATCC&ccMask
		c.PATCC = (c.PATCC + 1) & ccMask
	}
	if t.pmtLen >= minSegment {
		i := t.patLen + ccByte
		t.data[i] = t.data[i]&0xf0 | c.PMTCC&ccMask
		c.PMTCC = (c.PMTCC + 1) & ccMask
	}
}

// setPCR writes a PCR derived from the microsecond timestamp us into the
// PCR segment. Segments too short to carry a PCR are left untouched.
func (t *PSITemplate) setPCR(us int64) bool {
	if t.pcrLen < pcrOffset+pcrBytes {
		return false
	}
	pcr := uint64(us) * pcrPerUs
	base, ext := pcr/300, pcr%300
	p := t.data[t.patLen+t.pmtLen+pcrOffset:]
	p[0] = byte(base >> 25)
	p[1] = byte(base >> 17)
	p[2] = byte(base >> 9)
	p[3] = byte(base >> 1)
	p[4] = byte(base&1)<<7 | 0x7e | byte(ext>>8&1)
	p[5] = byte(ext)
	return true
}

// psiRegs is a snapshot of the PSI register window contents.
type psiRegs struct {
	lens  uint32
	words [PSIWindowWords]uint32
}

// regs returns the register values for the template in its current state.
func (t *PSITemplate) regs() psiRegs {
	r := psiRegs{
		lens: uint32(t.pcrLen&psiLenMask)<<PSILenPCRShift |
			uint32(t.pmtLen&psiLenMask)<<PSILenPMTShift |
			uint32(t.patLen&psiLenMask),
	}
	for i := range r.words {
		r.words[i] = binary.LittleEndian.Uint32(t.data[4*i:])
	}
	return r
}

// writePSI writes a PSI register snapshot. It must be called with d.hwMu
// held.
func (d *Device) writePSI(r psiRegs) {
	d.regs.Write(RegPSILen, r.lens)
	for i, w := range r.words {
		d.regs.Write(RegPSIData(i), w)
	}
}

// ParsePSIRegs returns the PAT, PMT and PCR segments described by PSI_LEN
// and the PSI window words.
func ParsePSIRegs(lens uint32, words [PSIWindowWords]uint32) (pat, pmt, pcr []byte) {
	var b [PSIWindowSize]byte
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[4*i:], w)
	}
	patLen := int(lens & psiLenMask)
	pmtLen := int(lens >> PSILenPMTShift & psiLenMask)
	pcrLen := int(lens >> PSILenPCRShift & psiLenMask)
	if patLen+pmtLen+pcrLen > PSIWindowSize {
		return nil, nil, nil
	}
	pat = append([]byte(nil), b[:patLen]...)
	pmt = append([]byte(nil), b[patLen:patLen+pmtLen]...)
	pcr = append([]byte(nil), b[patLen+pmtLen:patLen+pmtLen+pcrLen]...)
	return pat, pmt, pcr
}
