/*
DESCRIPTION
  tsmux.go provides Device, the owner of a TS/RTP packetizer register block,
  through which sessions program OTF and M2M jobs.

AUTHORS
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package tsmux drives a hardware packetizer that turns elementary stream
// buffers into MPEG-TS packets carried in RTP. Video frames are streamed
// from an encoder (OTF) one at a time into mapped output buffers, while audio
// is packetized memory to memory (M2M) in batches of up to three jobs. The
// package keeps the continuity counters and RTP sequence numbers used in the
// headers it programs in step with what the hardware produces.
package tsmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ausocean/utils/logging"
)

// MaxSessions is the number of sessions that may be open at once.
const MaxSessions = 4

// DefaultOTFBuffers is the default number of OTF output buffers per session.
const DefaultOTFBuffers = 4

// Default waits.
const (
	defaultOTFSubmitWait = 10 * time.Millisecond
	defaultDequeueWait   = 100 * time.Millisecond
	defaultM2MWait       = time.Second
	defaultUnmapWait     = time.Second
)

var errNilRegisters = errors.New("registers are nil")

// Device is a packetizer register block shared by up to MaxSessions
// sessions. Jobs from all sessions are programmed one at a time.
type Device struct {
	regs    Registers
	mapper  Mapper
	log     logging.Logger
	metrics *Metrics
	keys    KeyConfigurer
	fatal   func(error)

	otfBuffers    int
	wdInterval    time.Duration
	enqueueWait   time.Duration
	otfSubmitWait time.Duration
	dequeueWait   time.Duration
	m2mWait       time.Duration
	unmapWait     time.Duration

	// hwMu serialises register programming, including the enqueue wait.
	hwMu sync.Mutex

	// irqMu serialises completion handling.
	irqMu sync.Mutex

	wd *watchdog

	// mu guards the fields below and all session state.
	mu         sync.Mutex
	event      chan struct{} // Closed and replaced on every state change.
	sessions   map[*Session]struct{}
	otf        *Session        // Session with an OTF job in flight.
	batch      *m2mBatch       // M2M batch in flight.
	abandoned  [NumJobIDs]bool // M2M job ids given up on but still held by the hardware.
	needsReset bool
	hwVersion  uint32
	stopTick   chan struct{}
	tickDone   chan struct{}
}

// New returns a Device driving the register block regs, with buffers mapped
// through m.
func New(regs Registers, m Mapper, log logging.Logger, options ...func(*Device) error) (*Device, error) {
	if regs == nil {
		return nil, errNilRegisters
	}
	d := &Device{
		regs:          regs,
		mapper:        m,
		log:           log,
		keys:          noKeys{},
		otfBuffers:    DefaultOTFBuffers,
		wdInterval:    defaultWatchdogInterval,
		enqueueWait:   defaultEnqueueWait,
		otfSubmitWait: defaultOTFSubmitWait,
		dequeueWait:   defaultDequeueWait,
		m2mWait:       defaultM2MWait,
		unmapWait:     defaultUnmapWait,
		wd:            newWatchdog(defaultWatchdogThreshold),
		event:         make(chan struct{}),
		sessions:      make(map[*Session]struct{}),
	}
	for i, opt := range options {
		err := opt(d)
		if err != nil {
			return nil, fmt.Errorf("could not apply option %d: %w", i, err)
		}
	}
	return d, nil
}

// OpenSession opens a new session. The first session to open resets the
// hardware and starts the watchdog.
func (d *Device) OpenSession() (*Session, error) {
	d.mu.Lock()
	if len(d.sessions) >= MaxSessions {
		d.mu.Unlock()
		return nil, ErrTooManySessions
	}
	s := newSession(d)
	d.sessions[s] = struct{}{}
	n := len(d.sessions)
	d.mu.Unlock()
	d.metrics.setSessions(n)

	if n == 1 {
		d.hwMu.Lock()
		v := d.reset()
		d.hwMu.Unlock()

		d.mu.Lock()
		d.hwVersion = v
		d.needsReset = false
		d.abandoned = [NumJobIDs]bool{}
		d.mu.Unlock()
		for id := 0; id < NumJobIDs; id++ {
			d.wd.stop(id)
		}

		d.log.Info("packetizer reset", "version", v)
		d.startTicker()
	}
	d.log.Debug("session opened", "sessions", n)
	return s, nil
}

// closeSession removes s from the device, stopping the watchdog ticker when
// the last session closes.
func (d *Device) closeSession(s *Session) {
	d.mu.Lock()
	delete(d.sessions, s)
	if d.otf == s {
		d.otf = nil
	}
	if d.batch != nil && d.batch.owner == s {
		d.batch = nil
	}
	n := len(d.sessions)
	d.broadcastLocked()
	d.mu.Unlock()

	d.metrics.setSessions(n)
	if n == 0 {
		d.stopTicker()
	}
	d.log.Debug("session closed", "sessions", n)
}

// reset performs a software reset, enables the job done interrupt and
// returns the hardware version. It must be called with d.hwMu held.
func (d *Device) reset() uint32 {
	d.regs.Write(RegPktCtrl, d.regs.Read(RegPktCtrl)|PktCtrlSWReset)
	d.regs.Write(RegPktCtrl, PktCtrlResetValue)
	d.regs.Write(RegCmdCtrl, CmdCtrlReset)
	d.regs.Write(RegIntEn, IntEnJobDone)
	d.regs.Write(RegDbgSel, DbgSelVersion)
	return d.regs.Read(RegDbgInfo)
}

// HWVersion returns the hardware version read when the first session opened.
func (d *Device) HWVersion() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hwVersion
}

// NeedsReset reports whether the watchdog has declared the device stuck.
// The flag clears when the next first session opens.
func (d *Device) NeedsReset() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.needsReset
}

// Metrics returns the device's collectors, which may be nil.
func (d *Device) Metrics() *Metrics { return d.metrics }

// broadcastLocked wakes every waiter. It must be called with d.mu held.
func (d *Device) broadcastLocked() {
	close(d.event)
	d.event = make(chan struct{})
}

// waitLocked waits until cond returns true or an error, the timeout elapses
// or ctx is done. cond is evaluated with d.mu held and is reevaluated after
// every broadcast. waitLocked must be called with d.mu held, and returns with
// it held.
func (d *Device) waitLocked(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		ev := d.event
		d.mu.Unlock()
		select {
		case <-ev:
			d.mu.Lock()
		case <-ctx.Done():
			d.mu.Lock()
			return ctx.Err()
		case <-timer.C:
			d.mu.Lock()
			ok, err := cond()
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			return ErrTimeout
		}
	}
}

// startTicker starts the watchdog ticker goroutine if an interval is set.
func (d *Device) startTicker() {
	if d.wdInterval == 0 {
		return
	}
	d.mu.Lock()
	if d.stopTick != nil {
		d.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	d.stopTick, d.tickDone = stop, done
	d.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(d.wdInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				d.Tick()
			}
		}
	}()
}

// stopTicker stops the watchdog ticker goroutine and waits for it to exit.
func (d *Device) stopTicker() {
	d.mu.Lock()
	stop, done := d.stopTick, d.tickDone
	d.stopTick, d.tickDone = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
