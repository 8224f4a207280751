/*
DESCRIPTION
  streamer_test.go provides end to end testing of the streamer on simulated
  packetizer hardware.

AUTHORS
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package streamer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ausocean/tsmux/container/mts"
	"github.com/ausocean/tsmux/protocol/rtp"
	"github.com/ausocean/tsmux/streamer/config"
)

// writeInput writes n chunks of size bytes to a file in dir, each chunk
// filled with its index.
func writeInput(t *testing.T, dir, name string, n, size int) string {
	t.Helper()
	var b []byte
	for i := 0; i < n; i++ {
		b = append(b, bytes.Repeat([]byte{byte(i + 1)}, size)...)
	}
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, b, 0644)
	if err != nil {
		t.Fatalf("could not write input: %v", err)
	}
	return path
}

// pidCounts returns the number of packets on each PID in ts.
func pidCounts(t *testing.T, ts []byte) map[uint16]int {
	t.Helper()
	if len(ts)%mts.PacketSize != 0 {
		t.Fatalf("output is not whole packets: %d bytes", len(ts))
	}
	m := make(map[uint16]int)
	for i := 0; i < len(ts); i += mts.PacketSize {
		pid, err := mts.PID(ts[i : i+mts.PacketSize])
		if err != nil {
			t.Fatalf("could not get PID: %v", err)
		}
		m[pid]++
	}
	return m
}

func TestStreamerFile(t *testing.T) {
	const frames = 5
	dir := t.TempDir()
	out := filepath.Join(dir, "out.ts")

	dev, mem, hw := newSimDevice(t)
	s, err := New(config.Config{
		Logger:     &dumbLogger{},
		InputPath:  writeInput(t, dir, "in.h264", frames, 1000),
		FrameSize:  1000,
		FrameRate:  200,
		PSIPeriod:  2,
		Outputs:    []uint8{config.OutputFile},
		OutputPath: out,
	}, dev, mem, hw)
	if err != nil {
		t.Fatalf("could not create streamer: %v", err)
	}

	err = s.Start()
	if err != nil {
		t.Fatalf("could not start streamer: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { v, _ := s.Stats(); return v == frames })
	s.Stop()

	if s.Running() {
		t.Error("streamer still running after stop")
	}
	if mem.Mapped() != 0 {
		t.Errorf("buffers still mapped after stop: %d", mem.Mapped())
	}

	ts, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("could not read output: %v", err)
	}
	if len(ts) < mts.PacketSize {
		t.Fatalf("output too short: %d bytes", len(ts))
	}
	pid, _ := mts.PID(ts)
	if pid != mts.PatPid {
		t.Errorf("output does not start with a PAT, got PID %d", pid)
	}

	// PSI on frames 0, 2 and 4.
	counts := pidCounts(t, ts)
	if counts[mts.PatPid] != 3 || counts[mts.PmtPid] != 3 {
		t.Errorf("unexpected PSI counts: PAT %d, PMT %d", counts[mts.PatPid], counts[mts.PmtPid])
	}
	if counts[mts.PIDVideo] == 0 {
		t.Error("no video packets in output")
	}

	disc, err := mts.NewDiscontinuityRepairer().Check(ts)
	if err != nil {
		t.Fatalf("could not check output: %v", err)
	}
	if len(disc) != 0 {
		t.Errorf("unexpected discontinuities: %v", disc)
	}
}

func TestStreamerAudio(t *testing.T) {
	const (
		videoFrames = 2
		audioFrames = 5
	)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.ts")

	dev, mem, hw := newSimDevice(t)
	s, err := New(config.Config{
		Logger:         &dumbLogger{},
		InputPath:      writeInput(t, dir, "in.h264", videoFrames, 600),
		AudioPath:      writeInput(t, dir, "in.aac", audioFrames, 100),
		AudioFrameSize: 100,
		FrameSize:      600,
		FrameRate:      100,
		Outputs:        []uint8{config.OutputFile},
		OutputPath:     out,
	}, dev, mem, hw)
	if err != nil {
		t.Fatalf("could not create streamer: %v", err)
	}

	err = s.Start()
	if err != nil {
		t.Fatalf("could not start streamer: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		v, a := s.Stats()
		return v == videoFrames && a == audioFrames
	})
	s.Stop()

	ts, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("could not read output: %v", err)
	}
	counts := pidCounts(t, ts)
	if counts[mts.PIDAudio] == 0 || counts[mts.PIDVideo] == 0 {
		t.Errorf("expected audio and video packets, got %v", counts)
	}

	// Each audio frame fits a single TS packet.
	if counts[mts.PIDAudio] != audioFrames {
		t.Errorf("unexpected audio packet count: got %d, want %d", counts[mts.PIDAudio], audioFrames)
	}

	disc, err := mts.NewDiscontinuityRepairer().Check(ts)
	if err != nil {
		t.Fatalf("could not check output: %v", err)
	}
	if len(disc) != 0 {
		t.Errorf("unexpected discontinuities: %v", disc)
	}
}

func TestStreamerRTP(t *testing.T) {
	clt, err := rtp.NewClient("127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not create RTP client: %v", err)
	}
	defer clt.Close()

	dir := t.TempDir()
	dev, mem, hw := newSimDevice(t)
	s, err := New(config.Config{
		Logger:     &dumbLogger{},
		InputPath:  writeInput(t, dir, "in.h264", 2, 2000),
		FrameSize:  2000,
		FrameRate:  100,
		Outputs:    []uint8{config.OutputRTP},
		RTPAddress: clt.Addr().String(),
	}, dev, mem, hw)
	if err != nil {
		t.Fatalf("could not create streamer: %v", err)
	}

	err = s.Start()
	if err != nil {
		t.Fatalf("could not start streamer: %v", err)
	}
	defer s.Stop()

	// A 2000 byte frame with PSI makes 14 TS packets, carried in three RTP
	// packets.
	buf := make([]byte, 4096)
	for want := uint16(0); want < 3; want++ {
		n, err := clt.Read(buf)
		if err != nil {
			t.Fatalf("could not read packet %d: %v", want, err)
		}
		seq, err := rtp.Sequence(buf[:n])
		if err != nil {
			t.Fatalf("could not get sequence: %v", err)
		}
		if seq != want {
			t.Errorf("unexpected sequence number: got %d, want %d", seq, want)
		}
		pt, _ := rtp.PayloadType(buf[:n])
		if pt != 33 {
			t.Errorf("unexpected payload type: %d", pt)
		}
	}
	if clt.Lost() != 0 {
		t.Errorf("unexpected lost packets: %d", clt.Lost())
	}
	if clt.SSRC() != 1 {
		t.Errorf("unexpected SSRC, got: %d, want: 1", clt.SSRC())
	}
}

func TestStreamerUpdate(t *testing.T) {
	dir := t.TempDir()
	dev, mem, hw := newSimDevice(t)
	s, err := New(config.Config{
		Logger:     &dumbLogger{},
		InputPath:  writeInput(t, dir, "in.h264", 1, 100),
		FrameSize:  100,
		Loop:       true,
		Outputs:    []uint8{config.OutputFile},
		OutputPath: filepath.Join(dir, "out.ts"),
	}, dev, mem, hw)
	if err != nil {
		t.Fatalf("could not create streamer: %v", err)
	}

	err = s.Start()
	if err != nil {
		t.Fatalf("could not start streamer: %v", err)
	}
	err = s.Update(map[string]string{config.KeyPSIPeriod: "5"})
	if !errors.Is(err, errRunning) {
		t.Errorf("unexpected error updating running streamer: %v", err)
	}
	s.Stop()

	err = s.Update(map[string]string{config.KeyPSIPeriod: "5", config.KeyTSPerRTP: "7"})
	if err != nil {
		t.Fatalf("could not update: %v", err)
	}
	c := s.Config()
	if c.PSIPeriod != 5 || c.TSPerRTP != 7 {
		t.Errorf("config not updated: PSIPeriod %d, TSPerRTP %d", c.PSIPeriod, c.TSPerRTP)
	}

	// The streamer restarts with the new config.
	err = s.Start()
	if err != nil {
		t.Fatalf("could not restart streamer: %v", err)
	}
	s.Stop()
}

func TestNewErrors(t *testing.T) {
	dev, mem, _ := newSimDevice(t)
	_, err := New(config.Config{Logger: &dumbLogger{}}, dev, mem, nil)
	if err == nil {
		t.Error("expected error for missing frame source")
	}
}

func TestStartNoOutputs(t *testing.T) {
	dev, mem, hw := newSimDevice(t)
	s, err := New(config.Config{
		Logger:  &dumbLogger{},
		Outputs: []uint8{config.OutputFile},
	}, dev, mem, hw)
	if err != nil {
		t.Fatalf("could not create streamer: %v", err)
	}
	// File output with no path is dropped by validation, leaving RTP to the
	// default address. Replace it with nothing usable.
	s.cfg.Outputs = []uint8{config.NothingDefined}
	err = s.Start()
	if err == nil {
		t.Fatal("expected error starting with no usable outputs")
	}
	if s.Running() {
		t.Error("streamer running after failed start")
	}
}
