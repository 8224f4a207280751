/*
NAME
  client.go

DESCRIPTION
  client.go provides an RTP client used to receive and check packetizer
  output.

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
	"fmt"
	"net"
	"sync"
	"time"
)

// Client describes an RTP client that can receive an RTP stream and implements
// io.Reader.
type Client struct {
	r        *PacketReader
	ssrc     uint32
	mu       sync.Mutex
	started  bool
	sequence uint16
	cycles   uint16
	lost     int
}

// NewClient returns a pointer to a new Client.
//
// addr is the address of form <ip>:<port> that we expect to receive
// RTP at.
// addr may use port 0, in which case Addr gives the port chosen.
func NewClient(addr string) (*Client, error) {
	c := &Client{r: &PacketReader{}}

	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	c.r.PacketConn, err = net.ListenUDP("udp", a)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Addr returns the local address the client is receiving on.
func (c *Client) Addr() net.Addr {
	return c.r.PacketConn.LocalAddr()
}

// SSRC returns the identified for the source from which the RTP packets being
// received are coming from.
func (c *Client) SSRC() uint32 {
	return c.ssrc
}

// Read implements io.Reader.
func (c *Client) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err != nil {
		return n, err
	}
	if c.ssrc == 0 {
		c.ssrc, _ = SSRC(p[:n])
	}
	s, _ := Sequence(p[:n])
	c.setSequence(s)
	return n, err
}

// Close will close the RTP client's connection.
func (c *Client) Close() error {
	return c.r.PacketConn.Close()
}

// setSequence sets the most recently received sequence number, updates the
// cycles count if the sequence number has rolled over and counts packets
// skipped over since the last one.
func (c *Client) setSequence(s uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		c.started = true
		c.sequence = s
		return
	}
	if s < c.sequence {
		c.cycles++
	}
	c.lost += int(s - c.sequence - 1)
	c.sequence = s
}

// Lost returns the number of packets missing from the received sequence.
func (c *Client) Lost() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// Sequence returns the most recent RTP packet sequence number received.
func (c *Client) Sequence() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// Cycles returns the number of RTP sequence number cycles that have been received.
func (c *Client) Cycles() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

// PacketReader provides an io.Reader interface to an underlying UDP PacketConn.
type PacketReader struct {
	net.PacketConn
}

// Read implements io.Reader.
func (r PacketReader) Read(b []byte) (int, error) {
	const readTimeout = 5 * time.Second
	err := r.PacketConn.SetReadDeadline(time.Now().Add(readTimeout))
	if err != nil {
		return 0, fmt.Errorf("could not set read deadline for PacketConn: %w", err)
	}
	n, _, err := r.PacketConn.ReadFrom(b)
	return n, err
}
