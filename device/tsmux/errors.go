/*
DESCRIPTION
  errors.go defines the errors returned by the tsmux package.

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

import "errors"

// Input validation errors. These are returned before any register is written.
var (
	ErrInvalidPSI     = errors.New("invalid PSI template")
	ErrInvalidJobID   = errors.New("invalid job id")
	ErrNotMapped      = errors.New("buffers not mapped")
	ErrInvalidCounter = errors.New("counter state out of range")
	ErrInvalidBatch   = errors.New("invalid M2M batch")
	ErrInvalidSlot    = errors.New("invalid buffer slot")
	ErrInvalidConfig  = errors.New("invalid job configuration")
)

// Resource exhaustion conditions. These are retryable.
var (
	ErrNoFreeBuffer    = errors.New("no free buffer")
	ErrQueueFull       = errors.New("job queue full")
	ErrTooManySessions = errors.New("too many sessions")
)

// Wait and device state errors.
var (
	ErrBusy             = errors.New("device busy")
	ErrTimeout          = errors.New("timed out waiting for job completion")
	ErrDeviceNeedsReset = errors.New("device needs reset")
	ErrClosed           = errors.New("session closed")
	ErrBadTransition    = errors.New("illegal buffer state transition")
)
