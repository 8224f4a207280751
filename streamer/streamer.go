/*
NAME
  streamer.go

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
  Alan Noble <alan@ausocean.org>
  Dan Kortschak <dan@ausocean.org>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package streamer provides an API for feeding elementary streams through a
// hardware TS/RTP packetizer and delivering its output.
package streamer

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ausocean/tsmux/device/tsmux"
	"github.com/ausocean/tsmux/streamer/config"
	"github.com/ausocean/utils/bitrate"
)

// Memory allocates buffers the packetizer can address and gives the host
// access to them.
type Memory interface {
	Alloc(size int) tsmux.Handle
	Buffer(h tsmux.Handle) ([]byte, error)
}

// FrameSource accepts the encoded frames that OTF jobs packetize. On real
// hardware this is the video encoder's output queue.
type FrameSource interface {
	PushFrame(frame []byte)
}

var errRunning = errors.New("streamer is running")

// Streamer provides methods to control a streaming session; providing methods
// to start, stop and change the state of an instance using the Config struct.
type Streamer struct {
	cfg config.Config

	dev *tsmux.Device
	mem Memory
	src FrameSource

	// session is the open packetizer session while running.
	session *tsmux.Session

	// audioIn holds the M2M input buffers when audio is enabled.
	audioIn []tsmux.Handle

	// outputs holds the multiWriteCloser that writes to the senders.
	outputs io.WriteCloser

	// outMu serialises writes from the video and audio routines.
	outMu sync.Mutex

	// running is used to keep track of the streamer's running state between methods.
	running bool

	// wg will be used to wait for any processing routines to finish.
	wg sync.WaitGroup

	// err will channel errors from streamer routines to the handle errors routine.
	err chan error

	// bitrate is used for bitrate calculations.
	bitrate bitrate.Calculator

	// stop is used to signal stopping when looping an input.
	stop chan struct{}

	mu sync.Mutex
}

// New returns a pointer to a new Streamer with the desired configuration,
// and/or an error if construction of the new instance was not successful.
// Buffers are allocated from mem and frames are handed to src.
func New(c config.Config, dev *tsmux.Device, mem Memory, src FrameSource) (*Streamer, error) {
	if dev == nil || mem == nil || src == nil {
		return nil, errors.New("device, memory and frame source must be provided")
	}
	s := Streamer{dev: dev, mem: mem, src: src, err: make(chan error)}
	err := s.setConfig(c)
	if err != nil {
		return nil, fmt.Errorf("could not set config, failed with error: %w", err)
	}
	go s.handleErrors()
	return &s, nil
}

// Config returns a copy of the streamer's current config.
func (s *Streamer) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Bitrate returns the result of the most recent bitrate check.
func (s *Streamer) Bitrate() int {
	return s.bitrate.Bitrate()
}

// Start opens a packetizer session and starts packetizing the configured
// inputs to the configured outputs.
func (s *Streamer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.cfg.Logger.Warning("start called, but streamer already running")
		return nil
	}

	s.stop = make(chan struct{})

	s.cfg.Logger.Debug("resetting streamer")
	err := s.reset(s.cfg)
	if err != nil {
		s.teardown()
		return err
	}
	s.cfg.Logger.Info("streamer reset")

	s.cfg.Logger.Debug("starting input processing routines")
	s.wg.Add(1)
	go s.processVideo()
	if s.cfg.AudioPath != "" {
		s.wg.Add(1)
		go s.processAudio()
	}

	s.running = true
	return nil
}

// Stop stops the input routines, closes the packetizer session and closes
// the senders.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.cfg.Logger.Warning("stop called but streamer isn't running")
		return
	}
	close(s.stop)

	s.cfg.Logger.Debug("waiting for routines to finish")
	s.wg.Wait()
	s.cfg.Logger.Info("routines finished")

	s.teardown()
	s.running = false
}

// teardown closes the session and outputs, if open.
func (s *Streamer) teardown() {
	if s.session != nil {
		s.cfg.Logger.Debug("closing session")
		err := s.session.Close()
		if err != nil {
			s.cfg.Logger.Error("failed to close session", "error", err.Error())
		} else {
			s.cfg.Logger.Info("session closed")
		}
		s.session = nil
		s.audioIn = nil
	}

	if s.outputs != nil {
		s.cfg.Logger.Debug("closing outputs")
		err := s.outputs.Close()
		if err != nil {
			s.cfg.Logger.Error("failed to close outputs", "error", err.Error())
		} else {
			s.cfg.Logger.Info("outputs closed")
		}
		s.outputs = nil
	}
}

// Running reports whether the streamer is running.
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Update takes a map of variables and their values and edits the current config
// if the variables are recognised as valid parameters. The streamer must be
// stopped.
func (s *Streamer) Update(vars map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errRunning
	}

	s.cfg.Logger.Debug("checking vars from server", "vars", vars)
	s.cfg.Update(vars)
	s.cfg.Logger.Info("finished reconfig")
	s.cfg.Logger.Debug("config changed", "config", s.cfg)
	return nil
}

// Stats returns the number of video and audio frames packetized by the
// current session.
func (s *Streamer) Stats() (video, audio int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return 0, 0
	}
	return s.session.Frames()
}
