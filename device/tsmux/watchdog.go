/*
DESCRIPTION
  watchdog.go provides the per job id watchdog that detects jobs the
  packetizer has failed to complete.

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
	"fmt"
	"sync"
	"time"
)

// Watchdog defaults.
const (
	defaultWatchdogInterval  = time.Second
	defaultWatchdogThreshold = 5
)

// WatchdogTick is the watchdog state of one job id.
type WatchdogTick struct {
	Running   bool
	Count     int
	Escalated bool
}

type watchdog struct {
	mu        sync.Mutex
	ids       [NumJobIDs]WatchdogTick
	threshold int
}

func newWatchdog(threshold int) *watchdog {
	return &watchdog{threshold: threshold}
}

// start arms the watchdog for id.
func (w *watchdog) start(id int) {
	w.mu.Lock()
	w.ids[id] = WatchdogTick{Running: true}
	w.mu.Unlock()
}

// stop disarms the watchdog for id.
func (w *watchdog) stop(id int) {
	w.mu.Lock()
	w.ids[id] = WatchdogTick{}
	w.mu.Unlock()
}

// state returns the watchdog state of id.
func (w *watchdog) state(id int) WatchdogTick {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ids[id]
}

// tick advances the count of every running id and returns the ids that
// reached the threshold on this tick, and whether id 0 is running.
func (w *watchdog) tick() (expired []int, otfRunning bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.ids {
		t := &w.ids[id]
		if !t.Running {
			t.Count = 0
			continue
		}
		t.Count++
		if t.Count >= w.threshold && !t.Escalated {
			t.Escalated = true
			expired = append(expired, id)
		}
	}
	return expired, w.ids[OTFJobID].Running
}

// Tick advances the watchdog by one interval. It is called by the device's
// own ticker unless the watchdog interval is zero.
func (d *Device) Tick() {
	expired, otfRunning := d.wd.tick()
	for _, id := range expired {
		d.escalate(id, otfRunning)
	}
}

// WatchdogState returns the watchdog state of job id.
func (d *Device) WatchdogState(id int) (WatchdogTick, error) {
	if id < 0 || id >= NumJobIDs {
		return WatchdogTick{}, fmt.Errorf("%w: %d", ErrInvalidJobID, id)
	}
	return d.wd.state(id), nil
}

// escalate reports a job that has not completed. While an OTF job is running
// the packetizer is still making progress and the escalation is only logged;
// otherwise the device is marked as needing a reset.
func (d *Device) escalate(id int, otfRunning bool) {
	d.log.Error("packetizer job did not complete", "id", id, "otfRunning", otfRunning)
	d.dumpRegisters()

	fatal := !otfRunning
	d.metrics.escalation(fatal)
	if !fatal {
		return
	}

	d.mu.Lock()
	d.needsReset = true
	if d.batch != nil {
		d.batch.fatal = true
	}
	d.broadcastLocked()
	d.mu.Unlock()

	if d.fatal != nil {
		d.fatal(fmt.Errorf("%w: job %d did not complete", ErrDeviceNeedsReset, id))
	}
}

// dumpRegisters logs the state of the register block.
func (d *Device) dumpRegisters() {
	args := make([]interface{}, 0, 2*len(dumpRegs))
	for _, r := range dumpRegs {
		args = append(args, r.name, fmt.Sprintf("%#08x", d.regs.Read(r.off)))
	}
	d.log.Error("packetizer registers", args...)
}
