package security

import (
	"sync"

	audit "mallku/pkg/platform/audit"
)

// RingBuffer holds pending security events in front of the audit store.
// Writers never block; once full, each new event evicts the oldest.
type RingBuffer struct {
	mu      sync.Mutex
	slots   []audit.SecurityEvent
	start   int
	size    int
	dropped int64
}

// NewRingBuffer allocates capacity slots, falling back to the publisher
// default for non-positive values.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultBufferSize
	}
	return &RingBuffer{slots: make([]audit.SecurityEvent, capacity)}
}

func (b *RingBuffer) Enqueue(event audit.SecurityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.slots)
	if b.size == n {
		b.slots[b.start] = event
		b.start = (b.start + 1) % n
		b.dropped++
		return
	}
	b.slots[(b.start+b.size)%n] = event
	b.size++
}

// DequeueBatch removes up to max events, oldest first.
func (b *RingBuffer) DequeueBatch(max int) []audit.SecurityEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.size == 0 || max <= 0 {
		return nil
	}
	take := min(max, b.size)
	out := make([]audit.SecurityEvent, take)
	for i := range out {
		idx := (b.start + i) % len(b.slots)
		out[i] = b.slots[idx]
		b.slots[idx] = audit.SecurityEvent{}
	}
	b.start = (b.start + take) % len(b.slots)
	b.size -= take
	return out
}

func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped counts events evicted because the buffer was full.
func (b *RingBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
