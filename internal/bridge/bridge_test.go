package bridge

import (
	"context"
	"testing"
	"time"
)

func TestTrySendTryRecvRoundTrip(t *testing.T) {
	sync, async := New()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		buf := make([]byte, MaxBlock)
		n, err := async.Read(ctx, buf)
		if err != nil {
			t.Errorf("async.Read: %v", err)
			return
		}
		if string(buf[:n]) != "hello" {
			t.Errorf("got %q, want %q", buf[:n], "hello")
		}
	}()

	if err := sync.TrySend([]byte("hello")); err != nil {
		t.Fatalf("TrySend: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestTrySendFullReturnsErrFullWithoutBlocking(t *testing.T) {
	sync, _ := New()

	for i := 0; i < Capacity; i++ {
		if err := sync.TrySend([]byte{byte(i)}); err != nil {
			t.Fatalf("TrySend %d: %v", i, err)
		}
	}

	if err := sync.TrySend([]byte{0xFF}); err != ErrFull {
		t.Fatalf("expected ErrFull once capacity is exhausted, got %v", err)
	}
}

func TestTryRecvEmpty(t *testing.T) {
	sync, _ := New()
	if _, err := sync.TryRecv(); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestCloseSurfacesOnBothSides(t *testing.T) {
	sync, async := New()
	sync.Close()

	if _, err := sync.TryRecv(); err != ErrClosed {
		t.Fatalf("sync.TryRecv after close: got %v, want ErrClosed", err)
	}
	if err := sync.TrySend([]byte("x")); err != ErrClosed {
		t.Fatalf("sync.TrySend after close: got %v, want ErrClosed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := async.Read(ctx, make([]byte, 16)); err != ErrBrokenPipe {
		t.Fatalf("async.Read after close: got %v, want ErrBrokenPipe", err)
	}
}

func TestReadBufferTooSmallDoesNotConsume(t *testing.T) {
	sync, async := New()
	if err := sync.TrySend([]byte("0123456789")); err != nil {
		t.Fatalf("TrySend: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	small := make([]byte, 4)
	if _, err := async.Read(ctx, small); err != ErrBufferTooSmall {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}

	big := make([]byte, 32)
	n, err := async.Read(ctx, big)
	if err != nil {
		t.Fatalf("retry Read: %v", err)
	}
	if string(big[:n]) != "0123456789" {
		t.Fatalf("block was lost or mangled: got %q", big[:n])
	}
}
