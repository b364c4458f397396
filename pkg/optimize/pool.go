package optimize

import (
	"bytes"
	"sync"
)

// BytePool is a pool of fixed-size byte slices used as read chunks
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get gets a byte slice from the pool
func (p *BytePool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns a byte slice to the pool
func (p *BytePool) Put(b []byte) {
	// Only put back if it's the right size
	if cap(b) >= p.size {
		b = b[:p.size]
		p.pool.Put(&b)
	}
}

// Size returns the length of slices handed out by Get
func (p *BytePool) Size() int {
	return p.size
}

// BufferPool recycles bytes.Buffers for JPEG encoding
type BufferPool struct {
	pool    sync.Pool
	maxSize int
}

// NewBufferPool creates a pool that drops buffers grown beyond maxSize
func NewBufferPool(maxSize int) *BufferPool {
	return &BufferPool{
		maxSize: maxSize,
		pool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

// Get returns an empty buffer
func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if p.maxSize > 0 && buf.Cap() > p.maxSize {
		return
	}
	p.pool.Put(buf)
}
