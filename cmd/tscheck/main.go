/*
NAME
  tscheck/main.go

DESCRIPTION
  tscheck reads an MPEG-TS file produced by the packetizer, reports the
  streams declared by its PSI, the first PTS of each stream and any continuity
  counter discontinuities. If an output path is given, a copy of the input is
  written with the discontinuity indicator set at each discontinuity.

AUTHOR
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/ausocean/tsmux/container/mts"
	"github.com/ausocean/tsmux/container/mts/psi"
)

// Consts describing flag usage.
const (
	inUsage  = "The path to the file to be checked"
	outUsage = "Repaired output file path, no output if empty"
)

// clipPackets is the number of packets checked at a time.
const clipPackets = 1024

// report holds the results of checking a stream.
type report struct {
	packets  int
	streams  map[uint16]uint8
	firstPTS map[uint16]int64
	disc     []mts.Discontinuity
	badPSI   int // PSI packets with a truncated section or bad CRC.
}

func main() {
	inPtr := flag.String("in", "", inUsage)
	outPtr := flag.String("out", "", outUsage)
	flag.Parse()

	in, err := os.Open(*inPtr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not open input: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()

	var out io.Writer
	if *outPtr != "" {
		f, err := os.Create(*outPtr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w := bufio.NewWriter(f)
		defer w.Flush()
		out = w
	}

	r, err := check(in, out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
		os.Exit(1)
	}
	r.print(os.Stdout)
	if len(r.disc) != 0 || r.badPSI != 0 {
		os.Exit(2)
	}
}

// check reads whole packets from r, writing them with discontinuities
// repaired to w if w is not nil.
func check(r io.Reader, w io.Writer) (*report, error) {
	rep := &report{firstPTS: make(map[uint16]int64)}
	dr := mts.NewDiscontinuityRepairer()
	buf := make([]byte, clipPackets*mts.PacketSize)
	for {
		n, err := io.ReadFull(r, buf)
		switch err {
		case nil, io.ErrUnexpectedEOF:
		case io.EOF:
			return rep, nil
		default:
			return nil, errors.Wrap(err, "could not read input")
		}
		if n%mts.PacketSize != 0 {
			return nil, fmt.Errorf("input ends with partial packet of %d bytes", n%mts.PacketSize)
		}
		clip := buf[:n]

		if rep.streams == nil {
			_, streams, err := mts.FindPSI(clip)
			if err == nil {
				rep.streams = streams
			}
		}
		for pid := range rep.streams {
			if _, ok := rep.firstPTS[pid]; ok {
				continue
			}
			pts, err := mts.FirstPTS(clip, pid)
			if err == nil {
				rep.firstPTS[pid] = pts
			}
		}

		rep.badPSI += checkPSI(clip)

		disc, err := dr.Repair(clip)
		if err != nil {
			return nil, errors.Wrap(err, "could not repair clip")
		}
		for _, d := range disc {
			d.Index += rep.packets
			rep.disc = append(rep.disc, d)
		}
		rep.packets += n / mts.PacketSize

		if w != nil {
			_, err = w.Write(clip)
			if err != nil {
				return nil, errors.Wrap(err, "could not write output")
			}
		}
	}
}

// checkPSI returns the number of PAT and PMT packets in clip whose table
// section cannot be found or fails its CRC.
func checkPSI(clip []byte) int {
	var bad int
	for i := 0; i < len(clip); i += mts.PacketSize {
		pkt := clip[i : i+mts.PacketSize]
		pid, _ := mts.PID(pkt)
		if pid != mts.PatPid && pid != mts.PmtPid {
			continue
		}
		payload, err := mts.Payload(pkt)
		if err != nil {
			bad++
			continue
		}
		s, ok := psi.Section(payload)
		if !ok || !psi.ValidCRC(s) {
			bad++
		}
	}
	return bad
}

func (r *report) print(w io.Writer) {
	fmt.Fprintf(w, "packets: %d\n", r.packets)
	if r.badPSI != 0 {
		fmt.Fprintf(w, "bad psi: %d\n", r.badPSI)
	}
	pids := make([]int, 0, len(r.streams))
	for pid := range r.streams {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	for _, pid := range pids {
		fmt.Fprintf(w, "stream: pid=%d type=%#x", pid, r.streams[uint16(pid)])
		if pts, ok := r.firstPTS[uint16(pid)]; ok {
			fmt.Fprintf(w, " first pts=%d", pts)
		}
		fmt.Fprintln(w)
	}
	for _, d := range r.disc {
		fmt.Fprintf(w, "discontinuity: packet=%d pid=%d cc=%d expected=%d\n", d.Index, d.PID, d.Got, d.Want)
	}
}
