package services

import (
	"sync"
	"testing"

	"camgrid/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqFrame(seq uint64) *domain.Frame {
	f := domain.NewFrame(2, 2)
	f.Seq = seq
	return f
}

func TestFrameBuffer_BoundedDropOldest(t *testing.T) {
	const capacity = 5
	buf := NewFrameBuffer(capacity)

	evictions := 0
	for seq := uint64(1); seq <= 12; seq++ {
		if buf.Push(seqFrame(seq)) {
			evictions++
		}
		assert.LessOrEqual(t, buf.Size(), capacity)
	}

	assert.Equal(t, 7, evictions)
	assert.Equal(t, capacity, buf.Size())
	assert.Equal(t, []uint64{8, 9, 10, 11, 12}, sequences(buf))
}

func TestFrameBuffer_FreshestRead(t *testing.T) {
	buf := NewFrameBuffer(DefaultBufferSize)
	for seq := uint64(1); seq <= 5; seq++ {
		buf.Push(seqFrame(seq))
	}

	frame, ok := buf.PopLatest()
	require.True(t, ok)
	assert.Equal(t, uint64(5), frame.Seq)

	frame, ok = buf.PopLatest()
	assert.False(t, ok)
	assert.Nil(t, frame)
	assert.Equal(t, 0, buf.Size())
}

func TestFrameBuffer_PopAfterWrap(t *testing.T) {
	buf := NewFrameBuffer(3)
	for seq := uint64(1); seq <= 7; seq++ {
		buf.Push(seqFrame(seq))
	}

	frame, ok := buf.PopLatest()
	require.True(t, ok)
	assert.Equal(t, uint64(7), frame.Seq)

	buf.Push(seqFrame(8))
	frame, ok = buf.PopLatest()
	require.True(t, ok)
	assert.Equal(t, uint64(8), frame.Seq)
}

func TestFrameBuffer_EmptyPop(t *testing.T) {
	buf := NewFrameBuffer(0)

	_, ok := buf.PopLatest()
	assert.False(t, ok)
	assert.Equal(t, DefaultBufferSize, buf.Capacity())
}

func TestFrameBuffer_Clear(t *testing.T) {
	buf := NewFrameBuffer(4)
	buf.Push(seqFrame(1))
	buf.Push(seqFrame(2))

	buf.Clear()

	assert.Equal(t, 0, buf.Size())
	assert.Empty(t, sequences(buf))
}

func TestFrameBuffer_ConcurrentProducerConsumer(t *testing.T) {
	buf := NewFrameBuffer(8)
	const total = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(1); seq <= total; seq++ {
			buf.Push(seqFrame(seq))
		}
	}()

	var last uint64
	for i := 0; i < total; i++ {
		if frame, ok := buf.PopLatest(); ok {
			assert.Greater(t, frame.Seq, last, "pop must never go back in time")
			last = frame.Seq
		}
		assert.LessOrEqual(t, buf.Size(), 8)
	}
	wg.Wait()
}

// sequences lists buffered sequence numbers oldest first.
func sequences(b *FrameBuffer) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seqs := make([]uint64, 0, b.count)
	for i := 0; i < b.count; i++ {
		seqs = append(seqs, b.ring[(b.head+i)%len(b.ring)].Seq)
	}
	return seqs
}
