// Package audio provides the bounded inbound audio buffer that sits between
// the client transport and the STT stream.
//
// The buffer holds at most ten seconds of 16 kHz 16-bit mono PCM. When a
// write would exceed the capacity, the oldest frames are dropped and counted
// so telemetry can surface the overflow.
package audio

import (
	"sync"
)

// DefaultCapacity is ten seconds of 16 kHz 16-bit mono PCM in bytes.
const DefaultCapacity = 320_000

// RingBuffer is a frame-oriented byte-bounded FIFO. Writes drop the oldest
// frames when the byte capacity would be exceeded. All methods are safe for
// concurrent use.
type RingBuffer struct {
	mu sync.Mutex

	frames   [][]byte
	bytes    int
	capacity int

	droppedFrames uint64
	droppedBytes  uint64

	// signal carries at most one pending wake-up for readers.
	signal chan struct{}
}

// NewRingBuffer creates a buffer bounded at capacity bytes. A capacity of
// zero or less selects DefaultCapacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Write appends a copy of frame and returns the number of bytes dropped to
// make room. A frame larger than the whole capacity is rejected and counted
// as dropped in its entirety.
func (b *RingBuffer) Write(frame []byte) (dropped int) {
	if len(frame) == 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(frame) > b.capacity {
		b.droppedFrames++
		b.droppedBytes += uint64(len(frame))
		return len(frame)
	}

	for b.bytes+len(frame) > b.capacity && len(b.frames) > 0 {
		oldest := b.frames[0]
		b.frames = b.frames[1:]
		b.bytes -= len(oldest)
		dropped += len(oldest)
		b.droppedFrames++
		b.droppedBytes += uint64(len(oldest))
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	b.frames = append(b.frames, buf)
	b.bytes += len(buf)

	// Non-blocking wake-up; a pending signal already covers this write.
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return dropped
}

// Read pops the oldest frame. The second return value is false when the
// buffer is empty.
func (b *RingBuffer) Read() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return nil, false
	}
	frame := b.frames[0]
	b.frames = b.frames[1:]
	b.bytes -= len(frame)
	if len(b.frames) == 0 {
		// Release the backing array so drained frames do not pin memory.
		b.frames = nil
	}
	return frame, true
}

// Drain removes and returns all buffered frames in arrival order.
func (b *RingBuffer) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.frames
	b.frames = nil
	b.bytes = 0
	return out
}

// Wait returns a channel that receives a value when new frames may be
// available. Readers should drain via Read until it reports empty.
func (b *RingBuffer) Wait() <-chan struct{} { return b.signal }

// Len returns the number of buffered frames.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Bytes returns the number of buffered bytes.
func (b *RingBuffer) Bytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// DroppedFrames returns the total number of frames dropped since creation.
func (b *RingBuffer) DroppedFrames() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedFrames
}

// DroppedBytes returns the total number of bytes dropped since creation.
func (b *RingBuffer) DroppedBytes() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedBytes
}
