/*
DESCRIPTION
  variables.go contains a list of structs that provide a variable Name, type in
  a string format, a function for updating the variable in the Config struct
  from a string, and finally, a validation function to check the validity of the
  corresponding field value in the Config.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ausocean/tsmux/container/mts/pes"
	"github.com/ausocean/utils/logging"
)

// Config map Keys.
const (
	KeyAudioFrameSize       = "AudioFrameSize"
	KeyAudioPath            = "AudioPath"
	KeyAudioPID             = "AudioPID"
	KeyBufferSize           = "BufferSize"
	KeyFrameRate            = "FrameRate"
	KeyFrameSize            = "FrameSize"
	KeyInputPath            = "InputPath"
	KeyLogging              = "logging"
	KeyLoop                 = "Loop"
	KeyMode                 = "mode"
	KeyOTFBuffers           = "OTFBuffers"
	KeyOutputPath           = "OutputPath"
	KeyOutputs              = "Outputs"
	KeyPayloadType          = "PayloadType"
	KeyPoolCapacity         = "PoolCapacity"
	KeyPoolStartElementSize = "PoolStartElementSize"
	KeyPoolWriteTimeout     = "PoolWriteTimeout"
	KeyPSIPeriod            = "PSIPeriod"
	KeyRTPAddress           = "RTPAddress"
	KeySSRC                 = "SSRC"
	KeyStreamID             = "StreamID"
	KeySuppress             = "Suppress"
	KeyTSPerRTP             = "TSPerRTP"
	KeyVideoPID             = "VideoPID"
	KeyWatchdogInterval     = "WatchdogInterval"
	KeyWatchdogThreshold    = "WatchdogThreshold"
)

// Config map parameter types.
const (
	typeString = "string"
	typeInt    = "int"
	typeUint   = "uint"
	typeBool   = "bool"
)

// Default variable values.
const (
	defaultAudioFrameSize       = 512
	defaultAudioPID             = 210
	defaultBufferSize           = 65536
	defaultFrameRate            = 25
	defaultFrameSize            = 8192
	defaultOTFBuffers           = 4
	defaultOutput               = OutputRTP
	defaultPayloadType          = 33
	defaultPoolCapacity         = 50000000 // => 50MB
	defaultPoolStartElementSize = 1000     // bytes
	defaultPoolWriteTimeout     = 5        // Seconds.
	defaultPSIPeriod            = 25
	defaultRTPAddr              = "localhost:6970"
	defaultSSRC                 = 1
	defaultStreamID             = pes.VideoSID
	defaultTSPerRTP             = 6
	defaultVerbosity            = logging.Error
	defaultVideoPID             = 256
	defaultWatchdogInterval     = time.Second
	defaultWatchdogThreshold    = 5
)

// Limits.
const (
	maxTSPerRTP   = 7 // Largest count that fits a 1500 byte MTU.
	maxOTFBuffers = 16
	minPID        = 0x10
	maxPID        = 0x1ffe
	nullSize      = 188 // Room reserved in each buffer for the appended null packet.
)

// Variables describes the variables that can be used for streamer control.
// These structs provide the name and type of variable, a function for updating
// this variable in a Config, and a function for validating the value of the variable.
var Variables = []struct {
	Name     string
	Type     string
	Update   func(*Config, string)
	Validate func(*Config)
}{
	{
		Name:   KeyAudioFrameSize,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.AudioFrameSize = parseUint(KeyAudioFrameSize, v, c) },
		Validate: func(c *Config) {
			c.AudioFrameSize = lessThanOrEqual(KeyAudioFrameSize, c.AudioFrameSize, 0, c, defaultAudioFrameSize)
		},
	},
	{
		Name:   KeyAudioPath,
		Type:   typeString,
		Update: func(c *Config, v string) { c.AudioPath = v },
	},
	{
		Name:     KeyAudioPID,
		Type:     typeUint,
		Update:   func(c *Config, v string) { c.AudioPID = parseUint(KeyAudioPID, v, c) },
		Validate: func(c *Config) { c.AudioPID = pidInRange(KeyAudioPID, c.AudioPID, c, defaultAudioPID) },
	},
	{
		Name:   KeyBufferSize,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.BufferSize = parseUint(KeyBufferSize, v, c) },
		Validate: func(c *Config) {
			c.BufferSize = lessThanOrEqual(KeyBufferSize, c.BufferSize, nullSize, c, defaultBufferSize)
		},
	},
	{
		Name:     KeyFrameRate,
		Type:     typeUint,
		Update:   func(c *Config, v string) { c.FrameRate = parseUint(KeyFrameRate, v, c) },
		Validate: func(c *Config) { c.FrameRate = lessThanOrEqual(KeyFrameRate, c.FrameRate, 0, c, defaultFrameRate) },
	},
	{
		Name:     KeyFrameSize,
		Type:     typeUint,
		Update:   func(c *Config, v string) { c.FrameSize = parseUint(KeyFrameSize, v, c) },
		Validate: func(c *Config) { c.FrameSize = lessThanOrEqual(KeyFrameSize, c.FrameSize, 0, c, defaultFrameSize) },
	},
	{
		Name:   KeyInputPath,
		Type:   typeString,
		Update: func(c *Config, v string) { c.InputPath = v },
	},
	{
		Name: KeyLogging,
		Type: "enum:Debug,Info,Warning,Error,Fatal",
		Update: func(c *Config, v string) {
			switch v {
			case "Debug":
				c.LogLevel = logging.Debug
			case "Info":
				c.LogLevel = logging.Info
			case "Warning":
				c.LogLevel = logging.Warning
			case "Error":
				c.LogLevel = logging.Error
			case "Fatal":
				c.LogLevel = logging.Fatal
			default:
				c.Logger.Warning("invalid Logging param", "value", v)
			}
		},
		Validate: func(c *Config) {
			switch c.LogLevel {
			case logging.Debug, logging.Info, logging.Warning, logging.Error, logging.Fatal:
			default:
				c.LogInvalidField("LogLevel", defaultVerbosity)
				c.LogLevel = defaultVerbosity
			}
		},
	},
	{
		Name:   KeyLoop,
		Type:   typeBool,
		Update: func(c *Config, v string) { c.Loop = parseBool(KeyLoop, v, c) },
	},
	{
		Name:   KeyMode,
		Type:   "enum:Normal,Paused,Completed",
		Update: func(c *Config, v string) {},
	},
	{
		Name:   KeyOTFBuffers,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.OTFBuffers = parseUint(KeyOTFBuffers, v, c) },
		Validate: func(c *Config) {
			if c.OTFBuffers == 0 || c.OTFBuffers > maxOTFBuffers {
				c.LogInvalidField(KeyOTFBuffers, defaultOTFBuffers)
				c.OTFBuffers = defaultOTFBuffers
			}
		},
	},
	{
		Name:   KeyOutputPath,
		Type:   typeString,
		Update: func(c *Config, v string) { c.OutputPath = v },
		Validate: func(c *Config) {
			if c.HasOutput(OutputFile) && c.OutputPath == "" {
				c.Logger.Warning("no OutputPath for file output, dropping output")
				var outs []uint8
				for _, o := range c.Outputs {
					if o != OutputFile {
						outs = append(outs, o)
					}
				}
				c.Outputs = outs
			}
		},
	},
	{
		Name: KeyOutputs,
		Type: "enums:File,RTP",
		Update: func(c *Config, v string) {
			outputs := strings.Split(v, ",")
			c.Outputs = make([]uint8, 0, len(outputs))
			for _, output := range outputs {
				switch strings.ToLower(strings.TrimSpace(output)) {
				case "file":
					c.Outputs = append(c.Outputs, OutputFile)
				case "rtp":
					c.Outputs = append(c.Outputs, OutputRTP)
				default:
					c.Logger.Warning("invalid outputs param", "value", v)
				}
			}
		},
		Validate: func(c *Config) {
			if len(c.Outputs) == 0 {
				c.LogInvalidField(KeyOutputs, defaultOutput)
				c.Outputs = append(c.Outputs, defaultOutput)
			}
		},
	},
	{
		Name:   KeyPayloadType,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.PayloadType = parseUint(KeyPayloadType, v, c) },
		Validate: func(c *Config) {
			if c.PayloadType == 0 || c.PayloadType > 0x7f {
				c.LogInvalidField(KeyPayloadType, defaultPayloadType)
				c.PayloadType = defaultPayloadType
			}
		},
	},
	{
		Name:   KeyPoolCapacity,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.PoolCapacity = parseUint(KeyPoolCapacity, v, c) },
		Validate: func(c *Config) {
			c.PoolCapacity = lessThanOrEqual(KeyPoolCapacity, c.PoolCapacity, 0, c, defaultPoolCapacity)
		},
	},
	{
		Name:   KeyPoolStartElementSize,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.PoolStartElementSize = parseUint(KeyPoolStartElementSize, v, c) },
		Validate: func(c *Config) {
			c.PoolStartElementSize = lessThanOrEqual(KeyPoolStartElementSize, c.PoolStartElementSize, 0, c, defaultPoolStartElementSize)
		},
	},
	{
		Name:   KeyPoolWriteTimeout,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.PoolWriteTimeout = parseUint(KeyPoolWriteTimeout, v, c) },
		Validate: func(c *Config) {
			c.PoolWriteTimeout = lessThanOrEqual(KeyPoolWriteTimeout, c.PoolWriteTimeout, 0, c, defaultPoolWriteTimeout)
		},
	},
	{
		Name:     KeyPSIPeriod,
		Type:     typeUint,
		Update:   func(c *Config, v string) { c.PSIPeriod = parseUint(KeyPSIPeriod, v, c) },
		Validate: func(c *Config) { c.PSIPeriod = lessThanOrEqual(KeyPSIPeriod, c.PSIPeriod, 0, c, defaultPSIPeriod) },
	},
	{
		Name:   KeyRTPAddress,
		Type:   typeString,
		Update: func(c *Config, v string) { c.RTPAddress = v },
		Validate: func(c *Config) {
			if c.HasOutput(OutputRTP) && c.RTPAddress == "" {
				c.LogInvalidField(KeyRTPAddress, defaultRTPAddr)
				c.RTPAddress = defaultRTPAddr
			}
		},
	},
	{
		Name:     KeySSRC,
		Type:     typeUint,
		Update:   func(c *Config, v string) { c.SSRC = parseUint(KeySSRC, v, c) },
		Validate: func(c *Config) { c.SSRC = lessThanOrEqual(KeySSRC, c.SSRC, 0, c, defaultSSRC) },
	},
	{
		Name:   KeyStreamID,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.StreamID = parseUint(KeyStreamID, v, c) },
		Validate: func(c *Config) {
			if !pes.IsVideoSID(c.StreamID) || c.StreamID > 0xff {
				c.LogInvalidField(KeyStreamID, defaultStreamID)
				c.StreamID = defaultStreamID
			}
		},
	},
	{
		Name: KeySuppress,
		Type: typeBool,
		Update: func(c *Config, v string) {
			c.Suppress = parseBool(KeySuppress, v, c)
			if l, ok := c.Logger.(*logging.JSONLogger); ok {
				l.SetSuppress(c.Suppress)
			}
		},
	},
	{
		Name:   KeyTSPerRTP,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.TSPerRTP = parseUint(KeyTSPerRTP, v, c) },
		Validate: func(c *Config) {
			if c.TSPerRTP == 0 || c.TSPerRTP > maxTSPerRTP {
				c.LogInvalidField(KeyTSPerRTP, defaultTSPerRTP)
				c.TSPerRTP = defaultTSPerRTP
			}
		},
	},
	{
		Name:     KeyVideoPID,
		Type:     typeUint,
		Update:   func(c *Config, v string) { c.VideoPID = parseUint(KeyVideoPID, v, c) },
		Validate: func(c *Config) { c.VideoPID = pidInRange(KeyVideoPID, c.VideoPID, c, defaultVideoPID) },
	},
	{
		Name: KeyWatchdogInterval,
		Type: typeUint,
		Update: func(c *Config, v string) {
			c.WatchdogInterval = time.Duration(parseUint(KeyWatchdogInterval, v, c)) * time.Millisecond
		},
		Validate: func(c *Config) {
			if c.WatchdogInterval <= 0 {
				c.LogInvalidField(KeyWatchdogInterval, defaultWatchdogInterval)
				c.WatchdogInterval = defaultWatchdogInterval
			}
		},
	},
	{
		Name:   KeyWatchdogThreshold,
		Type:   typeUint,
		Update: func(c *Config, v string) { c.WatchdogThreshold = parseUint(KeyWatchdogThreshold, v, c) },
		Validate: func(c *Config) {
			c.WatchdogThreshold = lessThanOrEqual(KeyWatchdogThreshold, c.WatchdogThreshold, 0, c, defaultWatchdogThreshold)
		},
	},
}

func parseUint(n, v string, c *Config) uint {
	_v, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		c.Logger.Warning(fmt.Sprintf("expected unsigned int for param %s", n), "value", v)
	}
	return uint(_v)
}

func parseBool(n, v string, c *Config) (b bool) {
	switch strings.ToLower(v) {
	case "true":
		b = true
	case "false":
		b = false
	default:
		c.Logger.Warning(fmt.Sprintf("expect bool for param %s", n), "value", v)
	}
	return
}

func lessThanOrEqual(n string, v, cmp uint, c *Config, def uint) uint {
	if v <= cmp {
		c.LogInvalidField(n, def)
		return def
	}
	return v
}

func pidInRange(n string, v uint, c *Config, def uint) uint {
	if v < minPID || v > maxPID {
		c.LogInvalidField(n, def)
		return def
	}
	return v
}
