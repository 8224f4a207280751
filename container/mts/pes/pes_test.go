/*
NAME
  pes_test.go

DESCRIPTION
  See Readme.md

AUTHOR
  Dan Kortschak <dan@ausocean.org>
  Saxon Nelson-Milton <saxon.milton@gmail.com>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package pes

import (
	"bytes"
	"reflect"
	"testing"
)

func TestPesToByteSlice(t *testing.T) {
	pkt := Packet{
		StreamID:     0xE0, // StreamID
		PDI:          PTSOnly,
		PTS:          100000,
		HeaderLength: byte(10),
		Stuff:        []byte{0xFF, 0xFF},
		Data:         []byte{0xEA, 0x4B, 0x12},
	}
	got := pkt.Bytes(nil)
	want := []byte{
		0x00, // packet start code prefix byte 1
		0x00, // packet start code prefix byte 2
		0x01, // packet start code prefix byte 3
		0xE0, // stream ID
		0x00, // PES Packet length byte 1
		0x00, // PES packet length byte 2
		0x80, // Marker bits,ScramblingControl, Priority, DAI, Copyright, Original
		0x80, // PDI, ESCR, ESRate, DSMTrickMode, ACI, CRC, Ext
		10,   // header length
		0x21, // PCR byte 1
		0x00, // pcr byte 2
		0x07, // pcr byte 3
		0x0D, // pcr byte 4
		0x41, // pcr byte 5
		0xFF, // Stuffing byte 1
		0xFF, // stuffing byte 3
		0xEA, // data byte 1
		0x4B, // data byte 2
		0x12, // data byte 3
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unexpected packet encoding:\ngot: %#v\nwant:%#v", got, want)
	}
}

func TestPTSAndDTS(t *testing.T) {
	pkt := Packet{
		StreamID:     0xE0,
		PDI:          PTSAndDTS,
		PTS:          100000,
		DTS:          100000,
		HeaderLength: 10,
	}
	got := pkt.Bytes(nil)
	want := []byte{
		0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0xC0, 10,
		0x31, 0x00, 0x07, 0x0D, 0x41, // PTS with '0011' prefix.
		0x11, 0x00, 0x07, 0x0D, 0x41, // DTS with '0001' prefix.
	}
	if !bytes.Equal(got, want) {
		t.Errorf("unexpected packet encoding:\ngot: % x\nwant:% x", got, want)
	}
}

func TestBytesReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, MaxPesSize)
	pkt := Packet{StreamID: 0xC0, Data: []byte{0x01, 0x02}}
	got := pkt.Bytes(buf)
	if &got[0] != &buf[:1][0] {
		t.Errorf("buffer was not reused")
	}
	if len(got) != FixedHeaderLength+2 {
		t.Errorf("unexpected length: got %d want %d", len(got), FixedHeaderLength+2)
	}
}

func TestStreamIDs(t *testing.T) {
	tests := []struct {
		id           uint
		video, audio bool
	}{
		{id: 0xe0, video: true},
		{id: 0xef, video: true},
		{id: 0xc0, audio: true},
		{id: 0xdf, audio: true},
		{id: 0xbd},
		{id: 0xf0},
	}
	for _, test := range tests {
		if got := IsVideoSID(test.id); got != test.video {
			t.Errorf("IsVideoSID(%#x) = %v, want %v", test.id, got, test.video)
		}
		if got := IsAudioSID(test.id); got != test.audio {
			t.Errorf("IsAudioSID(%#x) = %v, want %v", test.id, got, test.audio)
		}
	}
}
