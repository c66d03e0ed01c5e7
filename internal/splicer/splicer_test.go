package splicer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/weber-software/wireguard-reverse-proxy/internal/bridge"
)

// startEchoServer returns an address that echoes back anything written to it.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestSpliceRoundTripsBytes(t *testing.T) {
	addr := startEchoServer(t)

	sync, async := bridge.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Splice(ctx, addr, async)

	if err := sync.TrySend([]byte("GET / HTTP/1.0\r\n\r\n")); err != nil {
		t.Fatalf("TrySend: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if block, err := sync.TryRecv(); err == nil {
			if string(block) == "GET / HTTP/1.0\r\n\r\n" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("did not observe echoed bytes within the deadline")
}

func TestSpliceClosesBridgeOnDialFailure(t *testing.T) {
	sync, async := bridge.New()

	// The port of a listener that has just been closed: dial should fail
	// immediately.
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	Splice(context.Background(), addr, async)

	if _, err := sync.TryRecv(); err != bridge.ErrClosed {
		t.Fatalf("expected bridge closed after dial failure, got %v", err)
	}
}
