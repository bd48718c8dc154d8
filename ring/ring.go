// Package ring provides the two shared buffers the engine publishes through:
// an append-only record ring drained by a single consumer, and the per-CPU
// path-component buffers referenced by emitted file records.
package ring

import (
	"sync/atomic"
)

type slot struct {
	seq  atomic.Uint64
	data []byte
}

// Buffer is a bounded, lock-free record ring. Producers on concurrent
// execution contexts reserve a slot with a single CAS and commit it with an
// atomic sequence store; the consumer observes records in reservation order.
// When the ring is full the record is dropped and counted, never blocked on.
type Buffer struct {
	slots  []slot
	mask   uint64
	head   atomic.Uint64
	tail   atomic.Uint64
	lost   atomic.Uint64
	wakeup chan struct{}
}

// NewBuffer creates a ring with capacity rounded up to a power of two
func NewBuffer(capacity int) *Buffer {
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	b := &Buffer{
		slots:  make([]slot, size),
		mask:   size - 1,
		wakeup: make(chan struct{}, 1),
	}
	for i := range b.slots {
		b.slots[i].seq.Store(uint64(i))
	}
	return b
}

// Write publishes one record. It returns false if the ring was full and the
// record was dropped.
func (b *Buffer) Write(record []byte) bool {
	for {
		head := b.head.Load()
		s := &b.slots[head&b.mask]
		seq := s.seq.Load()
		switch {
		case seq == head:
			if !b.head.CompareAndSwap(head, head+1) {
				continue
			}
			s.data = append(s.data[:0], record...)
			s.seq.Store(head + 1)
			select {
			case b.wakeup <- struct{}{}:
			default:
			}
			return true
		case seq < head:
			// consumer has not freed this slot yet
			b.lost.Add(1)
			return false
		default:
			// another producer raced us past this slot
		}
	}
}

// Read returns the next committed record, or nil if none is available. The
// returned slice is a copy and safe to retain.
func (b *Buffer) Read() []byte {
	tail := b.tail.Load()
	s := &b.slots[tail&b.mask]
	if s.seq.Load() != tail+1 {
		return nil
	}
	record := make([]byte, len(s.data))
	copy(record, s.data)
	s.seq.Store(tail + b.mask + 1)
	b.tail.Store(tail + 1)
	return record
}

// Wakeup is signalled after commits so the consumer can sleep between bursts
func (b *Buffer) Wakeup() <-chan struct{} {
	return b.wakeup
}

// Lost returns how many records were dropped because the ring was full
func (b *Buffer) Lost() uint64 {
	return b.lost.Load()
}
