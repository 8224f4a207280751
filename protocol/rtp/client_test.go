/*
NAME
  client_test.go

DESCRIPTION
  client_test.go provides testing utilities to check RTP client functionality
  provided in client.go.

AUTHOR
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package rtp

import (
	"bytes"
	"net"
	"testing"
)

// TestReceive checks that the Client receives RTP packets intact and counts
// the packets missing from the sequence.
func TestReceive(t *testing.T) {
	const packetsToSend = 20
	const skip = 7 // Sequence number never sent.

	c, err := NewClient("localhost:0")
	if err != nil {
		t.Fatalf("could not create client: %v", err)
	}
	defer c.Close()

	conn, err := net.DialUDP("udp", nil, c.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("could not dial udp: %v", err)
	}
	defer conn.Close()

	var want [][]byte
	for i := 0; i < packetsToSend; i++ {
		if i == skip {
			continue
		}
		p := (&Packet{Version: rtpVer, PacketType: PayloadTypeMP2T, Sync: uint16(i), SSRC: 1, Payload: tsPackets(1, byte(i))}).Bytes(nil)
		want = append(want, p)
		_, err := conn.Write(p)
		if err != nil {
			t.Fatalf("could not write packet to conn: %v", err)
		}
	}

	buf := make([]byte, defPktSize)
	for i, w := range want {
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("unexpected error from c.Read for packet %d: %v", i, err)
		}
		if !bytes.Equal(buf[:n], w) {
			t.Errorf("did not get expected packet %d.\nGot: %v\nWant: %v", i, buf[:n], w)
		}
	}

	if c.SSRC() != 1 {
		t.Errorf("unexpected SSRC: got %d want 1", c.SSRC())
	}
	if c.Sequence() != packetsToSend-1 {
		t.Errorf("unexpected sequence: got %d want %d", c.Sequence(), packetsToSend-1)
	}
	if c.Lost() != 1 {
		t.Errorf("unexpected lost count: got %d want 1", c.Lost())
	}
}

func TestSequenceWrap(t *testing.T) {
	c := &Client{}
	for _, s := range []uint16{65534, 65535, 0, 2} {
		c.setSequence(s)
	}
	if c.Cycles() != 1 {
		t.Errorf("unexpected cycles: got %d want 1", c.Cycles())
	}
	if c.Lost() != 1 {
		t.Errorf("unexpected lost count: got %d want 1", c.Lost())
	}
}
