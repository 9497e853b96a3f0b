package term

import (
	"bytes"
	"testing"
)

func TestRingBufferAppendAndSnapshot(t *testing.T) {
	buf := NewRingBuffer(16)
	buf.Append([]byte("hello"))
	buf.Append([]byte(" world"))

	got := buf.Snapshot()
	if string(got) != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
	if buf.Len() != 11 {
		t.Errorf("expected length 11, got %d", buf.Len())
	}
}

func TestRingBufferDropsOldestOnOverflow(t *testing.T) {
	buf := NewRingBuffer(8)
	buf.Append([]byte("abcdefgh"))
	buf.Append([]byte("1234"))

	got := buf.Snapshot()
	if string(got) != "efgh1234" {
		t.Errorf("expected %q, got %q", "efgh1234", got)
	}
}

func TestRingBufferLargeOverflowKeepsTail(t *testing.T) {
	buf := NewRingBuffer(DefaultRingBufferSize)

	// Write twice the capacity in chunks and verify the snapshot is exactly
	// the last 100 KiB of the stream.
	var stream []byte
	chunk := bytes.Repeat([]byte("x"), 4096)
	for i := 0; i < 50; i++ {
		marker := []byte{byte('a' + i%26)}
		data := append(append([]byte{}, marker...), chunk...)
		stream = append(stream, data...)
		buf.Append(data)
	}

	got := buf.Snapshot()
	if len(got) != DefaultRingBufferSize {
		t.Fatalf("expected snapshot of %d bytes, got %d", DefaultRingBufferSize, len(got))
	}
	want := stream[len(stream)-DefaultRingBufferSize:]
	if !bytes.Equal(got, want) {
		t.Error("snapshot does not match the tail of the stream")
	}
}

func TestRingBufferSnapshotIsACopy(t *testing.T) {
	buf := NewRingBuffer(16)
	buf.Append([]byte("data"))

	snap := buf.Snapshot()
	snap[0] = 'X'

	if string(buf.Snapshot()) != "data" {
		t.Error("mutating a snapshot must not affect the buffer")
	}
}

func TestRingBufferEmpty(t *testing.T) {
	buf := NewRingBuffer(0)
	if buf.Snapshot() != nil {
		t.Error("expected nil snapshot for empty buffer")
	}
	buf.Append(nil)
	if buf.Len() != 0 {
		t.Error("appending nil must not change the buffer")
	}
}
