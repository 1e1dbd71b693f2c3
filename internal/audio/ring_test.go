package audio

import (
	"bytes"
	"testing"
)

func TestRingBufferFIFO(t *testing.T) {
	t.Parallel()

	b := NewRingBuffer(100)
	b.Write([]byte("one"))
	b.Write([]byte("two"))

	first, ok := b.Read()
	if !ok || !bytes.Equal(first, []byte("one")) {
		t.Fatalf("want frame %q, got %q (ok=%v)", "one", first, ok)
	}
	second, ok := b.Read()
	if !ok || !bytes.Equal(second, []byte("two")) {
		t.Fatalf("want frame %q, got %q (ok=%v)", "two", second, ok)
	}
	if _, ok := b.Read(); ok {
		t.Fatal("want empty buffer after draining both frames")
	}
}

func TestRingBufferDropsOldestOnOverflow(t *testing.T) {
	t.Parallel()

	b := NewRingBuffer(10)
	b.Write([]byte("aaaa"))
	b.Write([]byte("bbbb"))

	// 4+4+4 > 10: the oldest frame must go.
	dropped := b.Write([]byte("cccc"))
	if dropped != 4 {
		t.Fatalf("want 4 dropped bytes, got %d", dropped)
	}

	frame, ok := b.Read()
	if !ok || !bytes.Equal(frame, []byte("bbbb")) {
		t.Fatalf("want oldest surviving frame %q, got %q", "bbbb", frame)
	}
	if got := b.DroppedFrames(); got != 1 {
		t.Errorf("want 1 dropped frame, got %d", got)
	}
	if got := b.DroppedBytes(); got != 4 {
		t.Errorf("want 4 dropped bytes counted, got %d", got)
	}
}

func TestRingBufferRejectsOversizedFrame(t *testing.T) {
	t.Parallel()

	b := NewRingBuffer(4)
	if dropped := b.Write([]byte("too big")); dropped != 7 {
		t.Fatalf("want the whole frame dropped (7 bytes), got %d", dropped)
	}
	if b.Len() != 0 {
		t.Errorf("want empty buffer, got %d frames", b.Len())
	}
}

func TestRingBufferDrain(t *testing.T) {
	t.Parallel()

	b := NewRingBuffer(100)
	b.Write([]byte("a"))
	b.Write([]byte("b"))
	b.Write([]byte("c"))

	frames := b.Drain()
	if len(frames) != 3 {
		t.Fatalf("want 3 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], []byte("a")) || !bytes.Equal(frames[2], []byte("c")) {
		t.Errorf("drain order wrong: %q", frames)
	}
	if b.Bytes() != 0 {
		t.Errorf("want 0 bytes after drain, got %d", b.Bytes())
	}
}

func TestRingBufferWriteCopiesFrame(t *testing.T) {
	t.Parallel()

	b := NewRingBuffer(100)
	src := []byte("original")
	b.Write(src)
	src[0] = 'X'

	frame, _ := b.Read()
	if !bytes.Equal(frame, []byte("original")) {
		t.Errorf("buffered frame aliased the caller's slice: %q", frame)
	}
}

func TestRingBufferSignal(t *testing.T) {
	t.Parallel()

	b := NewRingBuffer(100)
	b.Write([]byte("x"))

	select {
	case <-b.Wait():
	default:
		t.Fatal("want a pending wake-up after Write")
	}
}
