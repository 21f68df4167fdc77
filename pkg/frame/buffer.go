package frame

import (
	"sync"
	"sync/atomic"
)

// Buffer is a latest-wins single slot holding the most recent Frame of one
// (camera, channel) pair. Writes replace the stored pointer; nothing queues.
//
// Once sealed, a buffer rejects every further write. The registry seals a
// camera's buffers when it stops the camera so no frame captured after the
// stop can become visible.
type Buffer struct {
	mu     sync.RWMutex
	frame  *Frame
	sealed bool

	writes atomic.Uint64
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Write stores f as the latest frame. It returns false if the buffer has
// been sealed, in which case f is discarded.
func (b *Buffer) Write(f *Frame) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	b.frame = f
	b.writes.Add(1)
	return true
}

// Read returns the latest frame, or false if nothing was ever written.
// The returned frame is shared and must be treated as read-only.
func (b *Buffer) Read() (*Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frame, b.frame != nil
}

// Seal marks the buffer stale. The last frame stays readable.
func (b *Buffer) Seal() {
	b.mu.Lock()
	b.sealed = true
	b.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (b *Buffer) Sealed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sealed
}

// Writes returns the number of accepted writes.
func (b *Buffer) Writes() uint64 {
	return b.writes.Load()
}

// Pair is the set of buffers owned by one camera.
type Pair struct {
	raw       *Buffer
	annotated *Buffer
}

// NewPair allocates empty raw and annotated buffers.
func NewPair() *Pair {
	return &Pair{raw: NewBuffer(), annotated: NewBuffer()}
}

// Get returns the buffer for ch. Unknown channels map to nil.
func (p *Pair) Get(ch Channel) *Buffer {
	switch ch {
	case Raw:
		return p.raw
	case Annotated:
		return p.annotated
	}
	return nil
}

// Seal seals both buffers.
func (p *Pair) Seal() {
	p.raw.Seal()
	p.annotated.Seal()
}
