/*
NAME
  psi_test.go

DESCRIPTION
  See Readme.md

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

import (
	"bytes"
	"testing"

	"github.com/Comcast/gots/psi"
)

// Some common manifestations of PSI
var (
	// standardPat is a minimal PAT.
	standardPat = []byte{
		0x00, 0x00, 0xb0, 0x0d, 0x00, 0x01, 0xc1, 0x00, 0x00, 0x00, 0x01, 0xf0, 0x00,
	}

	// standardPmt is a minimal PMT with a single H.264 stream.
	standardPmt = []byte{
		0x00, 0x02, 0xb0, 0x12, 0x00, 0x01, 0xc1, 0x00, 0x00, 0xe1, 0x00, 0xf0, 0x00,
		0x1b, 0xe1, 0x00, 0xf0, 0x00,
	}

	// avPmt is a PMT declaring H.264 video and AAC audio.
	avPmt = []byte{
		0x00, 0x02, 0xb0, 0x17, 0x00, 0x01, 0xc1, 0x00, 0x00, 0xe1, 0x00, 0xf0, 0x00,
		0x1b, 0xe1, 0x00, 0xf0, 0x00,
		0x0f, 0xe0, 0xd2, 0xf0, 0x00,
	}
)

var bytesTests = []struct {
	name  string
	input *PSI
	want  []byte
}{
	{
		name:  "pat Bytes()",
		input: NewPATPSI(DefaultPMTPID),
		want:  standardPat,
	},
	{
		name:  "pmt Bytes()",
		input: NewPMTPSI(0x100, StreamSpecificData{StreamType: H264ID, PID: 0x100}),
		want:  standardPmt,
	},
	{
		name: "pmt with audio Bytes()",
		input: NewPMTPSI(0x100,
			StreamSpecificData{StreamType: H264ID, PID: 0x100},
			StreamSpecificData{StreamType: AACID, PID: 0xd2},
		),
		want: avPmt,
	},
}

// TestBytes ensures that the Bytes() funcs are working correctly to take PSI
// structs and convert them to byte slices
func TestBytes(t *testing.T) {
	for _, test := range bytesTests {
		got := test.input.Bytes()
		if !bytes.Equal(got, AddCRC(test.want)) {
			t.Errorf("unexpected error for test %v: got:%v want:%v", test.name, got,
				test.want)
		}
	}
}

// TestLengths checks the encoded lengths of the tables placed in the
// packetizer's PSI window.
func TestLengths(t *testing.T) {
	tests := []struct {
		name string
		psi  *PSI
		want int
	}{
		{name: "pat", psi: NewPATPSI(DefaultPMTPID), want: 17},
		{name: "pmt", psi: NewPMTPSI(0x100, StreamSpecificData{StreamType: H264ID, PID: 0x100}), want: 22},
		{
			name: "pmt two streams",
			psi: NewPMTPSI(0x100,
				StreamSpecificData{StreamType: H264ID, PID: 0x100},
				StreamSpecificData{StreamType: AACID, PID: 0xd2},
			),
			want: 27,
		},
	}

	for _, test := range tests {
		b := test.psi.Bytes()
		if len(b) != test.want {
			t.Errorf("%s: unexpected length: got %d want %d", test.name, len(b), test.want)
		}
		if got := int(psi.SectionLength(b)); got != len(b)-4 {
			t.Errorf("%s: unexpected section length: got %d want %d", test.name, got, len(b)-4)
		}
	}
}

func TestValidCRC(t *testing.T) {
	b := NewPATPSI(DefaultPMTPID).Bytes()
	if !ValidCRC(b[1:]) {
		t.Errorf("expected valid crc for % x", b)
	}
	b[5] ^= 0xff
	if ValidCRC(b[1:]) {
		t.Errorf("expected invalid crc after corruption")
	}
	if ValidCRC([]byte{0x01}) {
		t.Errorf("expected short input to be invalid")
	}
}

func TestSection(t *testing.T) {
	pmt := NewPMTPSI(0x100, StreamSpecificData{StreamType: H264ID, PID: 0x100}).Bytes()
	padded := AddPadding(pmt)
	if len(padded) != PacketSize {
		t.Fatalf("unexpected padded length: got %d want %d", len(padded), PacketSize)
	}

	s, ok := Section(padded)
	if !ok {
		t.Fatalf("could not find section")
	}
	if !bytes.Equal(s, pmt[1:]) {
		t.Errorf("unexpected section:\ngot:  % x\nwant: % x", s, pmt[1:])
	}
	if !ValidCRC(s) {
		t.Errorf("section crc not valid")
	}

	_, ok = Section(pmt[:10])
	if ok {
		t.Errorf("expected truncated psi to fail")
	}
}

func TestAddPadding(t *testing.T) {
	got := AddPadding([]byte{0x01, 0x02})
	if got[0] != 0x01 || got[1] != 0x02 {
		t.Errorf("data not kept: % x", got[:2])
	}
	for i, b := range got[2:] {
		if b != 0xff {
			t.Fatalf("unexpected padding byte at %d: %#02x", i+2, b)
		}
	}
}
