/*
NAME
  pipeline.go

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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ausocean/tsmux/container/mts"
	"github.com/ausocean/tsmux/container/mts/pes"
	"github.com/ausocean/tsmux/container/mts/psi"
	"github.com/ausocean/tsmux/device/tsmux"
	"github.com/ausocean/tsmux/streamer/config"
	"github.com/ausocean/utils/ioext"
	"github.com/ausocean/utils/pool"
)

// Audio PES constants.
const (
	audioStreamID  = pes.AudioSID
	audioFrameTime = 21333 * time.Microsecond // Duration of an AAC frame of 1024 samples at 48kHz.
	pesFixedLen    = 3                        // PES header bytes following the length field, before the optional fields.
)

func (s *Streamer) handleErrors() {
	for {
		err := <-s.err
		if err != nil {
			s.cfg.Logger.Error("async error", "error", err.Error())
		}
	}
}

// reset swaps the current config of a Streamer with the passed
// configuration; checking validity and returning errors if not valid. It then
// opens a session and sets up the outputs accordingly to this configuration.
func (s *Streamer) reset(c config.Config) error {
	s.cfg.Logger.Debug("setting config")
	err := s.setConfig(c)
	if err != nil {
		return fmt.Errorf("could not set config: %w", err)
	}
	s.cfg.Logger.Info("config set")

	s.cfg.Logger.Debug("setting up outputs")
	err = s.setupOutputs(ioext.MultiWriteCloser)
	if err != nil {
		return fmt.Errorf("could not set up outputs: %w", err)
	}
	s.cfg.Logger.Info("finished setting outputs")

	s.cfg.Logger.Debug("setting up session")
	err = s.setupSession()
	if err != nil {
		return fmt.Errorf("could not set up session: %w", err)
	}
	s.cfg.Logger.Info("session set up")
	return nil
}

// setConfig takes a config, checks it's validity and then replaces the current
// streamer config.
func (s *Streamer) setConfig(config config.Config) error {
	s.cfg.Logger = config.Logger
	s.cfg.Logger.Debug("validating config")
	err := config.Validate()
	if err != nil {
		return errors.New("Config struct is bad: " + err.Error())
	}
	s.cfg.Logger.Info("config validated")
	s.cfg = config
	s.cfg.Logger.SetLevel(s.cfg.LogLevel)
	return nil
}

// setupOutputs creates a pool backed sender for each configured output.
// multiWriter will be used to create an ioext.multiWriteCloser so that the
// packetizer output is written to every sender.
func (s *Streamer) setupOutputs(multiWriter func(...io.WriteCloser) io.WriteCloser) error {
	// Calculate no. of pool buffer elements based on starting element size
	// and config directed max pool buffer size.
	nElements := int(s.cfg.PoolCapacity / s.cfg.PoolStartElementSize)
	writeTimeout := time.Duration(s.cfg.PoolWriteTimeout) * time.Second

	var senders []io.WriteCloser
	for _, out := range s.cfg.Outputs {
		switch out {
		case config.OutputRTP:
			s.cfg.Logger.Debug("using RTP output")
			rs, err := newRTPSender(s.cfg.RTPAddress, s.cfg.Logger)
			if err != nil {
				s.closeAll(senders)
				return fmt.Errorf("could not create rtp sender: %w", err)
			}
			pb := pool.NewBuffer(nElements, int(s.cfg.PoolStartElementSize), writeTimeout)
			senders = append(senders, newPoolSender(rs, s.cfg.Logger, pb, s.bitrate.Report))
		case config.OutputFile:
			s.cfg.Logger.Debug("using File output")
			fs, err := newFileSender(s.cfg.Logger, s.cfg.OutputPath)
			if err != nil {
				s.closeAll(senders)
				return fmt.Errorf("could not create file sender: %w", err)
			}
			pb := pool.NewBuffer(nElements, int(s.cfg.PoolStartElementSize), writeTimeout)
			senders = append(senders, newPoolSender(fs, s.cfg.Logger, pb, nil))
		default:
			s.cfg.Logger.Warning("unknown output", "output", out)
		}
	}
	if len(senders) == 0 {
		return errors.New("no usable outputs")
	}
	s.outputs = multiWriter(senders...)
	return nil
}

func (s *Streamer) closeAll(ws []io.WriteCloser) {
	for _, w := range ws {
		w.Close()
	}
}

// setupSession opens a packetizer session configured for the video, and
// audio if any, and maps its buffers.
func (s *Streamer) setupSession() error {
	sess, err := s.dev.OpenSession()
	if err != nil {
		return fmt.Errorf("could not open session: %w", err)
	}
	s.session = sess

	vpid, apid := uint16(s.cfg.VideoPID), uint16(s.cfg.AudioPID)
	video := psi.StreamSpecificData{StreamType: psi.H264ID, PID: vpid}
	var pat, pmt, pcr []byte
	if s.cfg.AudioPath == "" {
		pat, pmt, pcr = mts.PSITemplate(vpid, video)
	} else {
		// A second stream leaves no room in the PSI window for the PCR.
		pat, pmt, _ = mts.PSITemplate(vpid, video, psi.StreamSpecificData{StreamType: psi.AACID, PID: apid})
	}
	err = sess.SetPSITemplate(pat, pmt, pcr)
	if err != nil {
		return fmt.Errorf("could not set PSI template: %w", err)
	}

	j := tsmux.DefaultVideoJob()
	j.Ctrl.RTPSize = int(s.cfg.TSPerRTP)
	j.PES.StreamID = uint8(s.cfg.StreamID)
	j.TS.PID = vpid
	j.RTP.PayloadType = uint8(s.cfg.PayloadType)
	j.RTP.SSRC = uint32(s.cfg.SSRC)
	err = sess.SetOTFConfig(j)
	if err != nil {
		return fmt.Errorf("could not set OTF config: %w", err)
	}

	handles := make([]tsmux.Handle, s.cfg.OTFBuffers)
	for i := range handles {
		handles[i] = s.mem.Alloc(int(s.cfg.BufferSize))
	}
	err = sess.MapOTFBuffers(handles)
	if err != nil {
		return fmt.Errorf("could not map OTF buffers: %w", err)
	}

	if s.cfg.AudioPath == "" {
		return nil
	}
	in := make([]tsmux.Handle, tsmux.M2MJobs)
	out := make([]tsmux.Handle, tsmux.M2MJobs)
	for i := range in {
		in[i] = s.mem.Alloc(int(s.cfg.AudioFrameSize))
		out[i] = s.mem.Alloc(int(s.cfg.BufferSize))
	}
	err = sess.MapM2MBuffers(in, out)
	if err != nil {
		return fmt.Errorf("could not map M2M buffers: %w", err)
	}
	s.audioIn = in
	return nil
}

// write writes packetizer output d to the outputs.
func (s *Streamer) write(d []byte) {
	s.outMu.Lock()
	_, err := s.outputs.Write(d)
	s.outMu.Unlock()
	if err != nil {
		s.err <- fmt.Errorf("could not write to outputs: %w", err)
	}
}

// processVideo reads FrameSize chunks from the input and packetizes one per
// frame period, emitting PSI every PSIPeriod frames.
func (s *Streamer) processVideo() {
	defer s.wg.Done()

	f, err := os.Open(s.cfg.InputPath)
	if err != nil {
		s.err <- fmt.Errorf("could not open input: %w", err)
		return
	}
	defer f.Close()

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FrameRate))
	defer ticker.Stop()
	frameDur := int64(time.Second/time.Microsecond) / int64(s.cfg.FrameRate)

	buf := make([]byte, s.cfg.FrameSize)
	var frame int64
	for {
		n, err := io.ReadFull(f, buf)
		switch {
		case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
		case errors.Is(err, io.EOF) && s.cfg.Loop:
			s.cfg.Logger.Info("looping input")
			_, err = f.Seek(0, io.SeekStart)
			if err != nil {
				s.err <- fmt.Errorf("could not rewind input: %w", err)
				return
			}
			continue
		case errors.Is(err, io.EOF):
			s.cfg.Logger.Info("end of input")
			return
		default:
			s.err <- fmt.Errorf("could not read input: %w", err)
			return
		}

		withPSI := frame%int64(s.cfg.PSIPeriod) == 0
		err = s.packetizeFrame(buf[:n], frame*frameDur, withPSI)
		switch {
		case err == nil:
			frame++
		case errors.Is(err, tsmux.ErrDeviceNeedsReset), errors.Is(err, tsmux.ErrClosed):
			s.err <- err
			return
		default:
			s.cfg.Logger.Warning("dropped frame", "frame", frame, "error", err)
		}

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// packetizeFrame submits es as an OTF frame, writes the packetizer output to
// the outputs and releases the output buffer.
func (s *Streamer) packetizeFrame(es []byte, ts int64, withPSI bool) error {
	ctx := context.Background()
	s.src.PushFrame(es)
	_, err := s.session.SubmitOTFFrame(ctx, ts, withPSI)
	if err != nil {
		return fmt.Errorf("could not submit frame: %w", err)
	}
	slot, err := s.session.DequeueOTFFrame(ctx)
	if err != nil {
		return fmt.Errorf("could not dequeue frame: %w", err)
	}
	s.write(slot.Bytes())
	return s.session.ReleaseOTFBuffer(slot.Index)
}

// processAudio reads AudioFrameSize chunks from the audio input and
// packetizes them memory to memory in batches of up to three.
func (s *Streamer) processAudio() {
	defer s.wg.Done()

	f, err := os.Open(s.cfg.AudioPath)
	if err != nil {
		s.err <- fmt.Errorf("could not open audio input: %w", err)
		return
	}
	defer f.Close()

	ticker := time.NewTicker(tsmux.M2MJobs * audioFrameTime)
	defer ticker.Stop()

	var frame int64
	for {
		jobs, err := s.readAudio(f, frame)
		if err != nil && !errors.Is(err, io.EOF) {
			s.err <- err
			return
		}

		if len(jobs) != 0 {
			results, berr := s.session.RunM2MBatch(context.Background(), jobs)
			switch {
			case berr == nil:
				for _, r := range results {
					s.write(r.Data)
				}
				frame += int64(len(results))
			case errors.Is(berr, tsmux.ErrDeviceNeedsReset), errors.Is(berr, tsmux.ErrClosed):
				s.err <- berr
				return
			default:
				s.cfg.Logger.Warning("dropped audio batch", "frame", frame, "error", berr)
			}
		}

		if errors.Is(err, io.EOF) {
			if !s.cfg.Loop {
				s.cfg.Logger.Info("end of audio input")
				return
			}
			s.cfg.Logger.Info("looping audio input")
			_, err = f.Seek(0, io.SeekStart)
			if err != nil {
				s.err <- fmt.Errorf("could not rewind audio input: %w", err)
				return
			}
		}

		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

// readAudio fills the M2M input buffers with up to three audio frames and
// returns their job descriptors. io.EOF is returned with any jobs read when
// the input is exhausted.
func (s *Streamer) readAudio(r io.Reader, frame int64) ([]tsmux.JobDescriptor, error) {
	var jobs []tsmux.JobDescriptor
	for i, h := range s.audioIn {
		buf, err := s.mem.Buffer(h)
		if err != nil {
			return nil, fmt.Errorf("could not get audio buffer: %w", err)
		}
		n, err := io.ReadFull(r, buf[:s.cfg.AudioFrameSize])
		if n == 0 {
			return jobs, io.EOF
		}

		j := tsmux.DefaultVideoJob()
		j.Ctrl.RTPSize = int(s.cfg.TSPerRTP)
		j.PES.StreamID = audioStreamID
		j.PES.Length = uint16(pesFixedLen + int(j.PES.HeaderLength) + n)
		j.PES.SetPTS(tsmux.PTSFromMicroseconds((frame + int64(i)) * audioFrameTime.Microseconds()))
		j.TS.PID = uint16(s.cfg.AudioPID)
		j.RTP.PayloadType = uint8(s.cfg.PayloadType)
		j.RTP.SSRC = uint32(s.cfg.SSRC)
		j.SrcLen = uint32(n)
		jobs = append(jobs, j)

		if err != nil {
			return jobs, io.EOF
		}
	}
	return jobs, nil
}
