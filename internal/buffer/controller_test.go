package buffer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestControllerWriteThenDrain(t *testing.T) {
	c := New(800, 200, 1024)

	if err := c.Write(bytes.Repeat([]byte("x"), 100)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if c.Len() != 100 {
		t.Errorf("expected 100 buffered bytes, got %d", c.Len())
	}

	ctx := context.Background()
	chunk, err := c.Next(ctx, 64)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if len(chunk) != 64 {
		t.Errorf("expected 64-byte chunk, got %d", len(chunk))
	}
	if c.Len() != 36 {
		t.Errorf("expected 36 bytes remaining, got %d", c.Len())
	}
}

func TestControllerPauseResumeWatermarks(t *testing.T) {
	// High 800, low 200, max 1024. Writing 900 bytes crosses the high
	// watermark; draining to 150 crosses the low one.
	c := New(800, 200, 1024)
	ctx := context.Background()

	if err := c.Write(bytes.Repeat([]byte("a"), 900)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !c.Paused() {
		t.Fatal("expected paused after crossing high watermark")
	}

	// Draining down to 300 is still above the low watermark.
	if _, err := c.Next(ctx, 600); err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if !c.Paused() {
		t.Error("should stay paused above the low watermark")
	}

	// Drain to 150, below low.
	if _, err := c.Next(ctx, 150); err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if c.Paused() {
		t.Error("should resume at or below the low watermark")
	}
}

func TestControllerOverflow(t *testing.T) {
	c := New(800, 200, 1024)

	if err := c.Write(bytes.Repeat([]byte("a"), 1024)); err != nil {
		t.Fatalf("write at capacity failed: %v", err)
	}
	if err := c.Write([]byte("b")); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestControllerWaitWritableBlocksWhilePaused(t *testing.T) {
	c := New(800, 200, 1024)
	ctx := context.Background()

	if err := c.Write(bytes.Repeat([]byte("a"), 900)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	unblocked := make(chan error, 1)
	go func() {
		unblocked <- c.WaitWritable(ctx)
	}()

	select {
	case <-unblocked:
		t.Fatal("WaitWritable returned while paused")
	case <-time.After(20 * time.Millisecond):
	}

	// Drain below the low watermark to release the producer.
	if _, err := c.Next(ctx, 800); err != nil {
		t.Fatalf("next failed: %v", err)
	}

	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("WaitWritable returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitWritable did not unblock after drain")
	}
}

func TestControllerWaitWritableHonorsContext(t *testing.T) {
	c := New(800, 200, 1024)
	if err := c.Write(bytes.Repeat([]byte("a"), 900)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitWritable(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestControllerNextBlocksUntilData(t *testing.T) {
	c := New(800, 200, 1024)
	ctx := context.Background()

	got := make(chan []byte, 1)
	go func() {
		chunk, err := c.Next(ctx, 64)
		if err != nil {
			t.Errorf("next failed: %v", err)
		}
		got <- chunk
	}()

	time.Sleep(10 * time.Millisecond)
	if err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case chunk := <-got:
		if string(chunk) != "hello" {
			t.Errorf("got %q, want %q", chunk, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after write")
	}
}

func TestControllerCloseDrainsThenEOF(t *testing.T) {
	c := New(800, 200, 1024)
	ctx := context.Background()

	if err := c.Write([]byte("tail")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	c.Close()

	chunk, err := c.Next(ctx, 64)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if string(chunk) != "tail" {
		t.Errorf("got %q, want %q", chunk, "tail")
	}

	if _, err := c.Next(ctx, 64); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close and drain, got %v", err)
	}

	if err := c.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on write after close, got %v", err)
	}
}

func TestControllerCloseReleasesPausedProducer(t *testing.T) {
	c := New(800, 200, 1024)
	if err := c.Write(bytes.Repeat([]byte("a"), 900)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.WaitWritable(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitWritable did not unblock on close")
	}
}

func TestControllerSingleProducerSingleConsumer(t *testing.T) {
	c := New(8*1024, 2*1024, 16*1024)
	ctx := context.Background()

	const total = 256 * 1024
	payload := bytes.Repeat([]byte("0123456789abcdef"), total/16)

	go func() {
		data := payload
		for len(data) > 0 {
			if err := c.WaitWritable(ctx); err != nil {
				t.Errorf("WaitWritable failed: %v", err)
				return
			}
			n := 1000
			if n > len(data) {
				n = len(data)
			}
			if err := c.Write(data[:n]); err != nil {
				t.Errorf("write failed: %v", err)
				return
			}
			data = data[n:]
		}
		c.Close()
	}()

	var received bytes.Buffer
	for {
		chunk, err := c.Next(ctx, 777)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		received.Write(chunk)
	}

	if !bytes.Equal(received.Bytes(), payload) {
		t.Fatalf("byte stream mismatch: got %d bytes, want %d", received.Len(), len(payload))
	}
}
