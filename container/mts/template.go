/*
NAME
  template.go

DESCRIPTION
  template.go provides construction of the PAT, PMT and PCR packet prefixes
  the packetizer emits ahead of a frame when PSI is enabled.

AUTHOR
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package mts

import "github.com/ausocean/tsmux/container/mts/psi"

// pcrPrefixLen is the length of a PCR packet up to and including the PCR.
const pcrPrefixLen = HeadSize + 2 + 6

// PSITemplate returns the leading bytes of a PAT packet, a PMT packet
// declaring streams and a PCR packet on pcrPID. The packetizer completes
// each packet with stuffing, so only the bytes up to the end of the table,
// or the PCR, are returned. If pcrPID is zero no PCR segment is returned.
func PSITemplate(pcrPID uint16, streams ...psi.StreamSpecificData) (pat, pmt, pcr []byte) {
	patPSI := psi.NewPATPSI(PmtPid).Bytes()
	p := Packet{PUSI: true, PID: PatPid, AFC: HasPayload, Payload: psi.AddPadding(patPSI)}
	pat = p.Bytes(nil)[:HeadSize+len(patPSI)]

	pmtPSI := psi.NewPMTPSI(pcrPID, streams...).Bytes()
	p = Packet{PUSI: true, PID: PmtPid, AFC: HasPayload, Payload: psi.AddPadding(pmtPSI)}
	pmt = p.Bytes(nil)[:HeadSize+len(pmtPSI)]

	if pcrPID == 0 {
		return pat, pmt, nil
	}
	p = Packet{PID: pcrPID, AFC: HasAdaptationField, PCRF: true}
	pcr = p.Bytes(nil)[:pcrPrefixLen]
	return pat, pmt, pcr
}

// VideoPSITemplate returns a PSI template declaring a single H.264 stream on
// PIDVideo, which also carries the PCR.
func VideoPSITemplate() (pat, pmt, pcr []byte) {
	return PSITemplate(PIDVideo, psi.StreamSpecificData{StreamType: psi.H264ID, PID: PIDVideo})
}

// AVPSITemplate returns a PSI template declaring H.264 video on PIDVideo and
// AAC audio on PIDAudio. It carries no PCR segment, leaving room in the
// packetizer's PSI window for the second stream.
func AVPSITemplate() (pat, pmt, pcr []byte) {
	pat, pmt, _ = PSITemplate(PIDVideo,
		psi.StreamSpecificData{StreamType: psi.H264ID, PID: PIDVideo},
		psi.StreamSpecificData{StreamType: psi.AACID, PID: PIDAudio},
	)
	return pat, pmt, nil
}
