/*
DESCRIPTION
  helpers_test.go provides a logger and register block for tests.

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
	"sync"
	"testing"

	"github.com/ausocean/utils/logging"
)

// testLogger will allow logging to be done by the testing pkg.
type testLogger testing.T

func (tl *testLogger) Debug(msg string, args ...interface{})   { tl.Log(logging.Debug, msg, args...) }
func (tl *testLogger) Info(msg string, args ...interface{})    { tl.Log(logging.Info, msg, args...) }
func (tl *testLogger) Warning(msg string, args ...interface{}) { tl.Log(logging.Warning, msg, args...) }
func (tl *testLogger) Error(msg string, args ...interface{})   { tl.Log(logging.Error, msg, args...) }
func (tl *testLogger) Fatal(msg string, args ...interface{})   { tl.Log(logging.Fatal, msg, args...) }
func (tl *testLogger) SetLevel(lvl int8)                       {}
func (tl *testLogger) Log(lvl int8, msg string, args ...interface{}) {
	var l string
	switch lvl {
	case logging.Warning:
		l = "warning"
	case logging.Debug:
		l = "debug"
	case logging.Info:
		l = "info"
	case logging.Error:
		l = "error"
	case logging.Fatal:
		l = "fatal"
	}
	msg = l + ": " + msg

	if len(args) == 0 {
		((*testing.T)(tl)).Log(msg)
		return
	}

	msg += " ("
	for i := 0; i < len(args); i += 2 {
		msg += " %v:\"%v\""
	}
	msg += " )"
	((*testing.T)(tl)).Logf(msg, args...)
}

// fakeRegs is a register block that records writes. If stuck is set the
// enqueue bit of PKT_CTRL never clears.
type fakeRegs struct {
	mu       sync.Mutex
	r        map[uint32]uint32
	writes   []uint32
	enqueued int
	stuck    bool
}

func newFakeRegs() *fakeRegs { return &fakeRegs{r: make(map[uint32]uint32)} }

func (f *fakeRegs) Read(off uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off == RegPktCtrl && f.stuck {
		return f.r[off] | PktCtrlEnqueue
	}
	return f.r[off]
}

func (f *fakeRegs) Write(off, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, off)
	if off == RegPktCtrl {
		if v&PktCtrlEnqueue != 0 {
			f.enqueued++
		}
		v &^= PktCtrlEnqueue
	}
	f.r[off] = v
}

func (f *fakeRegs) set(off, v uint32) {
	f.mu.Lock()
	f.r[off] = v
	f.mu.Unlock()
}

func (f *fakeRegs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// fakeMapper maps handles to fresh buffers of size bytes.
type fakeMapper struct{ size int }

func (m fakeMapper) Map(h Handle) (Mapping, error) {
	return Mapping{Handle: h, Addr: uint32(h) << 16, Buf: make([]byte, m.size)}, nil
}

func (m fakeMapper) Unmap(Mapping) error { return nil }

// newTestDevice returns a Device on fake registers with the internal
// watchdog ticker disabled.
func newTestDevice(t *testing.T, options ...func(*Device) error) (*Device, *fakeRegs) {
	t.Helper()
	regs := newFakeRegs()
	options = append([]func(*Device) error{WithWatchdogInterval(0)}, options...)
	d, err := New(regs, fakeMapper{size: 8192}, (*testLogger)(t), options...)
	if err != nil {
		t.Fatalf("could not create device: %v", err)
	}
	return d, regs
}
