/*
NAME
  config.go

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package config contains the configuration settings for the streamer.
package config

import (
	"time"

	"github.com/ausocean/utils/logging"
)

// Enums to define outputs.
const (
	// Indicates no option has been set.
	NothingDefined = iota

	// Outputs.
	OutputRTP
	OutputFile
)

// Config provides parameters relevant to a streamer instance. A new config
// must be passed to the constructor. Default values for these fields are
// defined as consts in variables.go.
type Config struct {
	// AudioFrameSize is the size in bytes of each audio access unit read from
	// AudioPath and packetized memory to memory.
	AudioFrameSize uint

	// AudioPath is the location of an AAC elementary stream to multiplex with
	// the video. Audio is disabled if this is empty.
	AudioPath string

	AudioPID uint // AudioPID is the PID audio TS packets are carried on.

	// BufferSize is the size in bytes of each packetizer output buffer. It must
	// hold the RTP output of the largest frame plus a null packet.
	BufferSize uint

	FrameRate uint // FrameRate defines the rate at which input frames are submitted.
	FrameSize uint // FrameSize is the number of bytes of input submitted per frame.

	// InputPath defines the location of the H.264 elementary stream to be
	// packetized. This must be defined.
	InputPath string

	// Logger holds an implementation of the Logger interface. This must be set
	// for the streamer to work correctly.
	Logger logging.Logger

	// LogLevel is the logging verbosity level.
	// Valid values are defined by enums from the logger package: logging.Debug,
	// logging.Info, logging.Warning logging.Error, logging.Fatal.
	LogLevel int8

	Loop       bool // If true will restart reading of input after an io.EOF.
	OTFBuffers uint // Number of OTF output buffers mapped by the session.

	// OutputPath defines the output destination for File output. This must be
	// defined if File output is to be used.
	OutputPath string

	// Outputs define the outputs we wish to output data too.
	//
	// Valid outputs are defined by enums:
	// OutputFile:
	// 		Location must be defined by the OutputPath field. The RTP headers
	//		are stripped, leaving MPEG-TS.
	// OutputRTP:
	// 		Destination is defined by RTPAddress field, otherwise it will default
	//		to localhost:6970.
	Outputs []uint8

	PayloadType          uint   // RTP payload type, 33 for MPEG-TS.
	PoolCapacity         uint   // The number of bytes the pool buffer will occupy.
	PoolStartElementSize uint   // The starting element size of the pool buffer from which element size will increase to accomodate frames.
	PoolWriteTimeout     uint   // The pool buffer write timeout in seconds.
	PSIPeriod            uint   // Number of frames between frames carrying PAT, PMT and PCR.
	RTPAddress           string // RTPAddress defines the RTP output destination.
	SSRC                 uint   // RTP synchronisation source identifier.
	StreamID             uint   // PES stream id of the video.
	Suppress             bool   // Holds logger suppression state.
	TSPerRTP             uint   // Number of TS packets carried by each RTP packet.
	VideoPID             uint   // VideoPID is the PID video TS packets are carried on.

	// WatchdogInterval is the time between packetizer watchdog ticks.
	WatchdogInterval time.Duration

	// WatchdogThreshold is the number of watchdog ticks a job may run for
	// before it is considered stuck.
	WatchdogThreshold uint
}

// Validate checks for any errors in the config fields and defaults settings
// if particular parameters have not been defined.
func (c *Config) Validate() error {
	for _, v := range Variables {
		if v.Validate != nil {
			v.Validate(c)
		}
	}
	return nil
}

// Update takes a map of configuration variable names and their corresponding
// values, parses the string values and converting into correct type, and then
// sets the config struct fields as appropriate.
func (c *Config) Update(vars map[string]string) {
	for _, value := range Variables {
		if v, ok := vars[value.Name]; ok && value.Update != nil {
			value.Update(c, v)
		}
	}
}

func (c *Config) LogInvalidField(name string, def interface{}) {
	c.Logger.Info(name+" bad or unset, defaulting", name, def)
}

// HasOutput reports whether o is one of the configured outputs.
func (c *Config) HasOutput(o uint8) bool {
	for _, out := range c.Outputs {
		if out == o {
			return true
		}
	}
	return false
}
