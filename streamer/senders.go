/*
NAME
  senders.go

DESCRIPTION
  senders.go provides the output senders of the streamer. Each is fed through
  a pool buffer so that slow destinations do not stall the packetizer.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
  Alan Noble <alan@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package streamer

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/tsmux/container/mts"
	"github.com/ausocean/tsmux/protocol/rtp"
	"github.com/ausocean/utils/logging"
	"github.com/ausocean/utils/pool"
)

// Sender pool buffer consts.
const (
	poolReadTimeout   = 1 * time.Second
	drainTimeout      = 10 * time.Millisecond
	poolMaxAlloc      = 5 << 20 // 5MiB.
	maxBuffLen        = 50000000
	adjustedPoolTimes = 2
)

// poolSender implements io.WriteCloser. Writes are buffered in a pool buffer
// and delivered to dst by an output routine.
type poolSender struct {
	dst    io.WriteCloser
	log    logging.Logger
	report func(sent int)

	mu   sync.Mutex
	pool *pool.Buffer

	done chan struct{}
	wg   sync.WaitGroup
}

// newPoolSender returns a new poolSender delivering to dst through pb.
// report, which may be nil, is called with the size of each write.
func newPoolSender(dst io.WriteCloser, log logging.Logger, pb *pool.Buffer, report func(sent int)) *poolSender {
	s := &poolSender{
		dst:    dst,
		log:    log,
		pool:   pb,
		report: report,
		done:   make(chan struct{}),
	}
	pool.MaxAlloc(poolMaxAlloc)
	s.wg.Add(1)
	go s.output()
	return s
}

// output starts a poolSender's data handling routine.
func (s *poolSender) output() {
	defer s.wg.Done()
	var chunk *pool.Chunk
	for {
		select {
		case <-s.done:
			s.drain()
			s.log.Info("terminating sender output routine")
			return
		default:
		}

		// If chunk is nil then we're ready to get another from the pool buffer.
		if chunk == nil {
			var err error
			chunk, err = s.buffer().Next(poolReadTimeout)
			switch err {
			case nil:
			case io.EOF, pool.ErrTimeout:
				chunk = nil
				continue
			default:
				s.log.Error("unexpected error", "error", err.Error())
				chunk = nil
				continue
			}
		}

		_, err := s.dst.Write(chunk.Bytes())
		if err != nil {
			s.log.Warning("send error", "error", err)
		}
		chunk.Close()
		chunk = nil
	}
}

// drain delivers any chunks remaining in the pool buffer.
func (s *poolSender) drain() {
	for {
		chunk, err := s.buffer().Next(drainTimeout)
		if err != nil {
			return
		}
		_, err = s.dst.Write(chunk.Bytes())
		if err != nil {
			s.log.Warning("send error while draining", "error", err)
		}
		chunk.Close()
	}
}

func (s *poolSender) buffer() *pool.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool
}

// Write implements io.Writer.
func (s *poolSender) Write(d []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.pool.Write(d)
	if err == nil {
		s.pool.Flush()
	} else {
		s.log.Warning("pool buffer write error", "error", err.Error())
		if err == pool.ErrTooLong {
			size := len(d) * adjustedPoolTimes
			numElements := maxBuffLen / size
			s.pool = pool.NewBuffer(numElements, size, 5*time.Second)
			s.log.Info("adjusted pool buffer element size", "new size", size, "num elements", numElements, "size(MB)", numElements*size)
		}
	}
	if s.report != nil {
		s.report(len(d))
	}
	return len(d), nil
}

// Close implements io.Closer.
func (s *poolSender) Close() error {
	s.log.Debug("closing sender output routine")
	close(s.done)
	s.wg.Wait()
	s.log.Info("sender output routine closed")
	return s.dst.Close()
}

// rtpSender writes packetizer output to a UDP destination, one RTP packet per
// datagram.
type rtpSender struct {
	conn net.Conn
	rtp  *rtp.Sender
	log  logging.Logger
}

func newRTPSender(addr string, log logging.Logger) (*rtpSender, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &rtpSender{conn: conn, rtp: rtp.NewSender(conn), log: log}, nil
}

// Write implements io.Writer.
func (s *rtpSender) Write(d []byte) (int, error) {
	n, err := s.rtp.Write(d)
	if err != nil {
		return n, errors.Wrap(err, "rtp send failed")
	}
	return n, nil
}

func (s *rtpSender) Close() error {
	pkts, bytes := s.rtp.Stats()
	s.log.Info("rtp sender closing", "packets", pkts, "bytes", bytes)
	return s.conn.Close()
}

// fileSender writes packetizer output to a file as MPEG-TS, stripping the RTP
// headers and marking continuity counter discontinuities.
type fileSender struct {
	file     *os.File
	path     string
	repairer *mts.DiscontinuityRepairer
	log      logging.Logger
}

func newFileSender(l logging.Logger, path string) (*fileSender, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("could not create file to write media to: %w", err)
	}
	return &fileSender{file: f, path: path, repairer: mts.NewDiscontinuityRepairer(), log: l}, nil
}

// Write implements io.Writer.
func (s *fileSender) Write(d []byte) (int, error) {
	ts, err := rtp.TSPayload(d)
	if err != nil {
		return 0, errors.Wrap(err, "could not strip RTP headers")
	}
	disc, err := s.repairer.Repair(ts)
	if err != nil {
		return 0, errors.Wrap(err, "could not check continuity")
	}
	for _, di := range disc {
		s.log.Warning("continuity counter discontinuity", "pid", di.PID, "got", di.Got, "want", di.Want)
	}
	s.log.Debug("writing to output file", "bytes", len(ts))
	_, err = s.file.Write(ts)
	if err != nil {
		return 0, err
	}
	return len(d), nil
}

func (s *fileSender) Close() error { return s.file.Close() }
