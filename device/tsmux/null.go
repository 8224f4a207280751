/*
DESCRIPTION
  null.go provides the null TS packet appended to the end of every
  dequeued OTF frame.

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
	"fmt"

	"github.com/ausocean/tsmux/container/mts"
)

var errNoRoom = errors.New("no room for null packet")

// ccOffset is the distance from the end of a TS packet back to its
// continuity counter byte.
const ccOffset = TSPacketSize - 3

// appendNullPacket writes an adaptation field only TS packet with header h
// after the size bytes of output in buf. Its continuity counter follows that
// of the last TS packet of the output. The new output size and the last
// packet's continuity counter are returned.
func appendNullPacket(buf []byte, size int, h TSHeader) (n int, last uint8, err error) {
	if size < TSPacketSize {
		return size, 0, fmt.Errorf("%w: output of %d bytes", errNoRoom, size)
	}
	if size+TSPacketSize > len(buf) {
		return size, 0, fmt.Errorf("%w: %d of %d bytes used", errNoRoom, size, len(buf))
	}
	last = buf[size-ccOffset] & ccMask

	p := mts.NullPacket(h.PID, (last+1)&ccMask)
	p.TEI = h.Error
	p.Priority = h.Priority
	p.TSC = h.Scrambling
	p.Bytes(buf[size : size : size+TSPacketSize])
	return size + TSPacketSize, last, nil
}
