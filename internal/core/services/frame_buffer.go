package services

import (
	"sync"

	"camgrid/internal/core/domain"
)

// DefaultBufferSize is the per-source frame capacity used when none is configured.
const DefaultBufferSize = 30

// FrameBuffer is a bounded ring of frames for one source. It admits with
// drop-oldest and serves freshest-read: PopLatest hands out the newest frame and
// discards everything older.
type FrameBuffer struct {
	mu    sync.Mutex
	ring  []*domain.Frame
	head  int // index of the oldest frame
	count int
}

// NewFrameBuffer creates a buffer holding at most capacity frames.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &FrameBuffer{ring: make([]*domain.Frame, capacity)}
}

// Push inserts frame, evicting the oldest entry when full. It reports whether an
// eviction happened so the owner can count it as a dropped frame.
func (b *FrameBuffer) Push(frame *domain.Frame) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == len(b.ring) {
		b.ring[b.head] = nil
		b.head = (b.head + 1) % len(b.ring)
		b.count--
		evicted = true
	}

	b.ring[(b.head+b.count)%len(b.ring)] = frame
	b.count++
	return evicted
}

// PopLatest removes and returns the most recently pushed frame. Older frames are
// discarded. ok is false when nothing was pushed since the last pop.
func (b *FrameBuffer) PopLatest() (frame *domain.Frame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil, false
	}

	frame = b.ring[(b.head+b.count-1)%len(b.ring)]
	b.reset()
	return frame, true
}

// Size returns the current occupancy.
func (b *FrameBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Capacity returns the maximum occupancy.
func (b *FrameBuffer) Capacity() int {
	return len(b.ring)
}

// Clear drops every buffered frame.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *FrameBuffer) reset() {
	for i := range b.ring {
		b.ring[i] = nil
	}
	b.head = 0
	b.count = 0
}
