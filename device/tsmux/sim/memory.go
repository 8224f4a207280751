/*
DESCRIPTION
  memory.go provides Memory, a simulated pool of DMA buffers implementing
  tsmux.Mapper.

AUTHORS
  The AusOcean developers

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ausocean/tsmux/device/tsmux"
)

// Memory errors.
var (
	ErrUnknownHandle = errors.New("unknown buffer handle")
	ErrMapped        = errors.New("buffer already mapped")
	ErrNotMapped     = errors.New("buffer not mapped")
	ErrBadAddress    = errors.New("address not in a mapped buffer")
)

const (
	baseAddr  = 0x10000000
	pageSize  = 4096
	pageMask  = pageSize - 1
	firstFree = 1
)

type buffer struct {
	addr   uint32
	data   []byte
	mapped bool
}

// Memory is a pool of buffers addressable by both a simulated device and the
// host. It is safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	next uint32
	bufs map[tsmux.Handle]*buffer
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{next: baseAddr, bufs: make(map[tsmux.Handle]*buffer)}
}

// Alloc allocates a buffer of size bytes and returns its handle.
func (m *Memory) Alloc(size int) tsmux.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := tsmux.Handle(len(m.bufs) + firstFree)
	m.bufs[h] = &buffer{addr: m.next, data: make([]byte, size)}
	m.next += (uint32(size) + pageMask) &^ pageMask
	return h
}

// Map implements tsmux.Mapper.
func (m *Memory) Map(h tsmux.Handle) (tsmux.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bufs[h]
	if !ok {
		return tsmux.Mapping{}, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	if b.mapped {
		return tsmux.Mapping{}, fmt.Errorf("%w: %d", ErrMapped, h)
	}
	b.mapped = true
	return tsmux.Mapping{Handle: h, Addr: b.addr, Buf: b.data}, nil
}

// Unmap implements tsmux.Mapper.
func (m *Memory) Unmap(mp tsmux.Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bufs[mp.Handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, mp.Handle)
	}
	if !b.mapped {
		return fmt.Errorf("%w: %d", ErrNotMapped, mp.Handle)
	}
	b.mapped = false
	return nil
}

// Mapped returns the number of buffers currently mapped.
func (m *Memory) Mapped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, b := range m.bufs {
		if b.mapped {
			n++
		}
	}
	return n
}

// Buffer returns the host view of the buffer with handle h.
func (m *Memory) Buffer(h tsmux.Handle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bufs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return b.data, nil
}

// device returns the mapped memory starting at device address addr, up to
// the end of its buffer.
func (m *Memory) device(addr uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bufs {
		if !b.mapped || addr < b.addr || addr >= b.addr+uint32(len(b.data)) {
			continue
		}
		return b.data[addr-b.addr:], nil
	}
	return nil, fmt.Errorf("%w: %#08x", ErrBadAddress, addr)
}
