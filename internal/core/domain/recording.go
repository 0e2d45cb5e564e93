package domain

import "sync"

// RecordingBuffer collects captured media chunks for one session.
// Chunks are append-only and concatenated exactly once.
type RecordingBuffer struct {
	mu        sync.Mutex
	chunks    [][]byte
	size      int
	finalized bool
}

func NewRecordingBuffer() *RecordingBuffer {
	return &RecordingBuffer{}
}

// Append stores a copy of chunk. Empty chunks are ignored.
func (b *RecordingBuffer) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return ErrBufferFinalized
	}
	b.chunks = append(b.chunks, append([]byte(nil), chunk...))
	b.size += len(chunk)
	return nil
}

// Len returns the number of chunks held.
func (b *RecordingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Size returns the total number of buffered bytes.
func (b *RecordingBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Concat joins all chunks in capture order and finalizes the buffer.
func (b *RecordingBuffer) Concat() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return nil, ErrBufferFinalized
	}
	b.finalized = true

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out, nil
}

// Discard drops every chunk and finalizes the buffer.
func (b *RecordingBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
	b.finalized = true
}
