/*
NAME
  helpers.go

DESCRIPTION
  helpers.go provides functionality for reading and padding psi held as
  byte slices.

AUTHOR
  Saxon Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package psi

// SyntaxSecLenFrom takes a byte slice representation of a psi and extracts
// it's syntax section length
func SyntaxSecLenFrom(p []byte) int {
	return int(p[SyntaxSecLenIdx1]&SyntaxSecLenMask1)<<8 | int(p[SyntaxSecLenIdx2])
}

// Section returns the table section of the psi p, starting at the table id
// and ending after the crc. ok is false if p is too short for the section
// length it declares.
func Section(p []byte) (s []byte, ok bool) {
	if len(p) < 1+PSIDefLen {
		return nil, false
	}
	start := 1 + int(p[0])
	if len(p) < start+PSIDefLen {
		return nil, false
	}
	end := start + PSIDefLen + SyntaxSecLenFrom(p[start-1:])
	if end > len(p) {
		return nil, false
	}
	return p[start:end], true
}

// AddPadding adds an appropriate amount of padding to a pat or pmt table for
// addition to an MPEG-TS packet
func AddPadding(d []byte) []byte {
	t := make([]byte, PacketSize)
	copy(t, d)
	padding := t[len(d):]
	for i := range padding {
		padding[i] = 0xff
	}
	return t
}
