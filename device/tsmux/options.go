/*
DESCRIPTION
  options.go provides functional options for configuring a Device.

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
	"errors"
	"time"
)

// Option errors.
var (
	errNegativeInterval  = errors.New("watchdog interval must not be negative")
	errBadThreshold      = errors.New("watchdog threshold must be positive")
	errBadOTFBuffers     = errors.New("OTF buffer count must be positive")
	errNilFatalHandler   = errors.New("fatal handler is nil")
	errNilKeyConfigurer  = errors.New("key configurer is nil")
	errNegativeWaitValue = errors.New("wait must be positive")
)

// WithWatchdogInterval sets the period between watchdog ticks. An interval of
// zero disables the internal ticker, leaving Tick to be called by the owner.
func WithWatchdogInterval(d time.Duration) func(*Device) error {
	return func(dev *Device) error {
		if d < 0 {
			return errNegativeInterval
		}
		dev.wdInterval = d
		return nil
	}
}

// WithWatchdogThreshold sets the number of ticks a job may run before the
// watchdog escalates.
func WithWatchdogThreshold(n int) func(*Device) error {
	return func(dev *Device) error {
		if n <= 0 {
			return errBadThreshold
		}
		dev.wd.threshold = n
		return nil
	}
}

// WithFatalHandler sets a function called when the watchdog decides the
// device needs a reset.
func WithFatalHandler(f func(error)) func(*Device) error {
	return func(dev *Device) error {
		if f == nil {
			return errNilFatalHandler
		}
		dev.fatal = f
		return nil
	}
}

// WithMetrics sets the collectors updated by the device.
func WithMetrics(m *Metrics) func(*Device) error {
	return func(dev *Device) error {
		dev.metrics = m
		return nil
	}
}

// WithOTFBuffers sets the number of OTF output buffers a session may map.
func WithOTFBuffers(n int) func(*Device) error {
	return func(dev *Device) error {
		if n <= 0 {
			return errBadOTFBuffers
		}
		dev.otfBuffers = n
		return nil
	}
}

// WithKeyConfigurer sets the hook that applies key configuration.
func WithKeyConfigurer(k KeyConfigurer) func(*Device) error {
	return func(dev *Device) error {
		if k == nil {
			return errNilKeyConfigurer
		}
		dev.keys = k
		return nil
	}
}

// WithEnqueueWait sets how long job programming waits for the enqueue bit
// to clear before queueing anyway.
func WithEnqueueWait(d time.Duration) func(*Device) error {
	return func(dev *Device) error {
		if d <= 0 {
			return errNegativeWaitValue
		}
		dev.enqueueWait = d
		return nil
	}
}

// WithJobWait sets how long M2M batches wait for completion and dequeues
// wait for a finished OTF buffer.
func WithJobWait(d time.Duration) func(*Device) error {
	return func(dev *Device) error {
		if d <= 0 {
			return errNegativeWaitValue
		}
		dev.m2mWait = d
		dev.dequeueWait = d
		return nil
	}
}
