/*
DESCRIPTION
  regs.go describes the packetizer register block and the interfaces through
  which the tsmux package reaches hardware registers and DMA buffer memory.

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

// Registers provides 32 bit access to the packetizer register block.
// Implementations must be safe for concurrent use; the tsmux package
// serialises job programming itself.
type Registers interface {
	Read(off uint32) uint32
	Write(off, v uint32)
}

// Handle identifies an externally allocated DMA buffer.
type Handle int

// Mapping is a DMA buffer made visible to both the device and the host.
type Mapping struct {
	Handle Handle
	Addr   uint32 // Device visible address.
	Buf    []byte // Host view of the buffer.
}

// Mapper maps external buffer handles into device and host address space.
// The buffer memory is assumed contiguous and DMA coherent.
type Mapper interface {
	Map(h Handle) (Mapping, error)
	Unmap(m Mapping) error
}

// Register offsets.
const (
	RegPktCtrl  = 0x000
	RegSrcBase  = 0x004
	RegSrcLen   = 0x008
	RegDstBase  = 0x00c
	RegPESHdr0  = 0x010
	RegPESHdr1  = 0x014
	RegPESHdr2  = 0x018
	RegPESHdr3  = 0x01c
	RegTSPHdr   = 0x020
	RegRTPHdr0  = 0x024
	RegRTPHdr2  = 0x02c
	RegSwapCtrl = 0x030
	RegPSILen   = 0x034
	RegPSIData0 = 0x038
	RegIntEn    = 0x138
	RegIntStat  = 0x13c
	RegDbgSel   = 0x140
	RegDbgInfo  = 0x144
	RegCmdCtrl  = 0x14c
	RegDstLen0  = 0x158
)

// RegDstLen returns the offset of the destination length register of job id.
func RegDstLen(id int) uint32 { return RegDstLen0 + 4*uint32(id) }

// RegPSIData returns the offset of PSI window word i.
func RegPSIData(i int) uint32 { return RegPSIData0 + 4*uint32(i) }

// PKT_CTRL fields.
const (
	PktCtrlSWReset    = 1 << 31
	PktCtrlPSIEn      = 1 << 28
	PktCtrlCCInit     = 1 << 27
	PktCtrlRTPSize    = 0x07fff800
	PktCtrlRTPShift   = 11
	PktCtrlSeqOver    = 1 << 10
	PktCtrlPESStuff   = 0x3f0
	PktCtrlStuffShift = 4
	PktCtrlModeOTF    = 1 << 3
	PktCtrlID         = 0x6
	PktCtrlIDShift    = 1
	PktCtrlEnqueue    = 1 << 0

	PktCtrlResetValue = 0x3800
)

// Interrupt and debug register values.
const (
	IntEnJobDone   = 1
	CmdCtrlReset   = 0
	DbgSelVersion  = 0xe1
	PSILenPCRShift = 16
	PSILenPMTShift = 8
	psiLenMask     = 0xff
)

// orderingFixedVersion is the first hardware version that writes the PES
// private data counters in network order.
const orderingFixedVersion = 0x02010000

// dumpRegs lists the registers logged on a watchdog escalation.
var dumpRegs = []struct {
	name string
	off  uint32
}{
	{"PKT_CTRL", RegPktCtrl},
	{"SRC_BASE", RegSrcBase},
	{"SRC_LEN", RegSrcLen},
	{"DST_BASE", RegDstBase},
	{"PES_HDR0", RegPESHdr0},
	{"PES_HDR1", RegPESHdr1},
	{"PES_HDR2", RegPESHdr2},
	{"PES_HDR3", RegPESHdr3},
	{"TSP_HDR", RegTSPHdr},
	{"RTP_HDR0", RegRTPHdr0},
	{"RTP_HDR2", RegRTPHdr2},
	{"PSI_LEN", RegPSILen},
	{"INT_EN", RegIntEn},
	{"INT_STAT", RegIntStat},
	{"CMD_CTRL", RegCmdCtrl},
	{"DST_LEN0", RegDstLen(0)},
	{"DST_LEN1", RegDstLen(1)},
	{"DST_LEN2", RegDstLen(2)},
	{"DST_LEN3", RegDstLen(3)},
}
