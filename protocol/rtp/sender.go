/*
NAME
  sender.go

DESCRIPTION
  sender.go provides a Sender that writes packetizer output to a
  destination one RTP packet at a time.

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
	"io"
	"sync"
)

// Sender implements io.Writer, splitting each write of packetizer output into
// its RTP packets and writing each to dst with a separate call, as a
// datagram destination requires.
type Sender struct {
	mu      sync.Mutex
	dst     io.Writer
	packets uint64
	bytes   uint64
}

// NewSender returns a new Sender writing to dst.
func NewSender(dst io.Writer) *Sender {
	return &Sender{dst: dst}
}

// Write implements io.Writer. d must hold whole RTP packets.
func (s *Sender) Write(d []byte) (int, error) {
	pkts, err := Split(d)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, p := range pkts {
		_, err := s.dst.Write(p)
		if err != nil {
			return n, err
		}
		n += len(p)
		s.packets++
		s.bytes += uint64(len(p))
	}
	return n, nil
}

// Stats returns the number of RTP packets and bytes written.
func (s *Sender) Stats() (packets, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.bytes
}
