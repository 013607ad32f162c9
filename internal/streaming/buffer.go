package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

// appendBuffer is a single-writer, multi-reader byte buffer. Bytes below
// Len never change, so readers may keep the slices they are handed.
//
// The writer swaps the slice header and the notification channel under mu;
// readers only take the read lock to look at them.
type appendBuffer struct {
	mu     sync.RWMutex
	data   []byte
	signal chan struct{} // closed and replaced on every append
	closed bool

	written atomic.Int64
	done    atomic.Bool
}

func newAppendBuffer(capacity int64) *appendBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &appendBuffer{
		data:   make([]byte, 0, capacity),
		signal: make(chan struct{}),
	}
}

// Append copies p onto the end of the buffer and wakes waiting readers.
func (b *appendBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.data = append(b.data, p...)
	b.written.Store(int64(len(b.data)))
	close(b.signal)
	b.signal = make(chan struct{})
	b.mu.Unlock()
}

// Grow reserves room for n bytes in total.
func (b *appendBuffer) Grow(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= int64(cap(b.data)) {
		return
	}
	data := make([]byte, len(b.data), n)
	copy(data, b.data)
	b.data = data
}

// Close marks the buffer complete. No more bytes will be appended.
func (b *appendBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.done.Store(true)
	close(b.signal)
}

// Len is the number of bytes written so far.
func (b *appendBuffer) Len() int64 {
	return b.written.Load()
}

// Complete reports whether the writer has finished.
func (b *appendBuffer) Complete() bool {
	return b.done.Load()
}

// Slice returns up to n bytes starting at pos, or nil when nothing is
// buffered there yet.
func (b *appendBuffer) Slice(pos, n int64) []byte {
	if pos < 0 || n <= 0 || pos >= b.written.Load() {
		return nil
	}
	b.mu.RLock()
	data := b.data
	b.mu.RUnlock()

	end := min(pos+n, int64(len(data)))
	if pos >= end {
		return nil
	}
	return data[pos:end:end]
}

// Wait blocks until more than have bytes are buffered, the buffer is
// complete, or ctx ends.
func (b *appendBuffer) Wait(ctx context.Context, have int64) error {
	b.mu.RLock()
	ready := b.closed || int64(len(b.data)) > have
	signal := b.signal
	b.mu.RUnlock()

	if ready {
		return nil
	}
	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
