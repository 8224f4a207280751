/*
DESCRIPTION
  slot.go provides the buffer slot table that tracks ownership of the
  hardware output buffers through the Free, Queued, Done and Dequeued states.

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
	"fmt"
	"sync"
)

// BufferState is the ownership state of a buffer slot.
type BufferState int

// Buffer states, in the only order a slot may move through them.
const (
	Free BufferState = iota
	Queued
	Done
	Dequeued
)

func (s BufferState) String() string {
	switch s {
	case Free:
		return "Free"
	case Queued:
		return "Queued"
	case Done:
		return "Done"
	case Dequeued:
		return "Dequeued"
	default:
		return fmt.Sprintf("BufferState(%d)", int(s))
	}
}

// next gives the single legal successor of each state.
var next = map[BufferState]BufferState{
	Free:     Queued,
	Queued:   Done,
	Done:     Dequeued,
	Dequeued: Free,
}

// BufferSlot describes one mapped hardware output buffer.
type BufferSlot struct {
	Mapping
	Index      int // Position of the slot in its table.
	State      BufferState
	ActualSize int   // Bytes produced by the last job.
	Timestamp  int64 // Completion time in microseconds.
	PSI        bool  // Whether the job in this slot carried PSI.

	cc uint8 // Stream continuity counter after the job completed.
}

// Capacity returns the byte capacity of the slot's buffer.
func (b *BufferSlot) Capacity() int { return len(b.Buf) }

// Bytes returns the produced bytes held by the slot.
func (b *BufferSlot) Bytes() []byte { return b.Buf[:b.ActualSize] }

// SlotTable is a fixed size table of buffer slots. All methods are safe for
// concurrent use.
type SlotTable struct {
	mu    sync.Mutex
	slots []BufferSlot
}

// NewSlotTable returns a SlotTable with a Free slot for each mapping.
func NewSlotTable(maps []Mapping) *SlotTable {
	t := &SlotTable{slots: make([]BufferSlot, len(maps))}
	for i, m := range maps {
		t.slots[i].Mapping = m
		t.slots[i].Index = i
	}
	return t
}

// Len returns the number of slots in the table.
func (t *SlotTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Slot returns a copy of the slot at index i.
func (t *SlotTable) Slot(i int) (BufferSlot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.slots) {
		return BufferSlot{}, fmt.Errorf("%w: %d", ErrInvalidSlot, i)
	}
	return t.slots[i], nil
}

// AcquireFree returns the index of the first Free slot. ok is false if no
// slot is Free.
func (t *SlotTable) AcquireFree() (i int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.find(Free)
}

// Claim finds a Free slot and marks it Queued in one step, so concurrent
// callers never receive the same slot.
func (t *SlotTable) Claim(psi bool) (i int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok = t.find(Free)
	if !ok {
		return -1, false
	}
	t.slots[i].State = Queued
	t.slots[i].PSI = psi
	return i, true
}

// MarkQueued moves slot i from Free to Queued.
func (t *SlotTable) MarkQueued(i int, psi bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.transition(i, Queued)
	if err != nil {
		return err
	}
	t.slots[i].PSI = psi
	return nil
}

// MarkDone moves slot i from Queued to Done, recording the produced size and
// completion timestamp.
func (t *SlotTable) MarkDone(i, size int, ts int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.transition(i, Done)
	if err != nil {
		return err
	}
	t.slots[i].ActualSize = size
	t.slots[i].Timestamp = ts
	return nil
}

// MarkDequeued moves slot i from Done to Dequeued.
func (t *SlotTable) MarkDequeued(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transition(i, Dequeued)
}

// MarkFree moves slot i from Dequeued to Free.
func (t *SlotTable) MarkFree(i int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transition(i, Free)
}

// FindOldestDone returns the Done slot with the smallest timestamp, the
// lowest index winning ties.
func (t *SlotTable) FindOldestDone() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := -1
	for i := range t.slots {
		if t.slots[i].State != Done {
			continue
		}
		if idx == -1 || t.slots[i].Timestamp < t.slots[idx].Timestamp {
			idx = i
		}
	}
	return idx, idx != -1
}

// FindQueued returns the first Queued slot.
func (t *SlotTable) FindQueued() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.find(Queued)
}

// Count returns the number of slots in state s.
func (t *SlotTable) Count(s BufferState) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for i := range t.slots {
		if t.slots[i].State == s {
			n++
		}
	}
	return n
}

// Mappings returns the mappings held by the table.
func (t *SlotTable) Mappings() []Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := make([]Mapping, len(t.slots))
	for i := range t.slots {
		m[i] = t.slots[i].Mapping
	}
	return m
}

// update applies f to slot i while holding the table lock.
func (t *SlotTable) update(i int, f func(*BufferSlot)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.slots) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, i)
	}
	f(&t.slots[i])
	return nil
}

// reset forces slot i back to Free. It is used only to recover slots left
// behind by abandoned jobs.
func (t *SlotTable) reset(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= 0 && i < len(t.slots) {
		t.slots[i].State = Free
		t.slots[i].ActualSize = 0
	}
}

func (t *SlotTable) find(s BufferState) (int, bool) {
	for i := range t.slots {
		if t.slots[i].State == s {
			return i, true
		}
	}
	return -1, false
}

// transition must be called with t.mu held.
func (t *SlotTable) transition(i int, to BufferState) error {
	if i < 0 || i >= len(t.slots) {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, i)
	}
	from := t.slots[i].State
	if next[from] != to {
		return fmt.Errorf("%w: slot %d %v -> %v", ErrBadTransition, i, from, to)
	}
	t.slots[i].State = to
	return nil
}
