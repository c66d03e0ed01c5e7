// Package splicer implements the Outbound Splicer (component F): one
// task per session that dials the configured upstream TCP endpoint
// and pumps bytes between it and the async side of the Cross-Regime
// Socket Bridge.
//
// Grounded on bitsinside-httptap's paired copyToDevice/readFromDevice
// goroutines that shuttle bytes between a channel and an io.ReadWriter
// (httptap.go), generalized here to two independent directions per the
// explicit redesign note in spec.md §9 ("a single task servicing both
// directions means a full write buffer in one direction blocks
// progress in the other... consider two tasks, one per direction").
package splicer

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weber-software/wireguard-reverse-proxy/internal/bridge"
)

// BufferSize is the block size used in both directions (spec.md §4.F).
const BufferSize = 4096

// DialTimeout bounds how long Splice waits for the upstream connect
// before giving up and closing the bridge's async side.
const DialTimeout = 10 * time.Second

// Splice dials upstreamAddr and, once connected, concurrently pumps
// bytes in both directions until either side closes or errors. If the
// dial fails, the async side of the bridge is closed (which propagates
// to the sync side on its next poll) and Splice returns without
// blocking further, per spec.md §4.F.
func Splice(ctx context.Context, upstreamAddr string, async *bridge.AsyncSide) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", upstreamAddr)
	if err != nil {
		log.Printf("splicer: dial %s: %v", upstreamAddr, err)
		async.Close()
		return
	}
	defer conn.Close()

	g, gctx := errgroup.WithContext(ctx)

	// Each direction, when it ends, closes the source the other one is
	// blocked on, so both directions end together.
	g.Go(func() error { defer async.Close(); return pumpUpstreamToBridge(gctx, conn, async) })
	g.Go(func() error { defer conn.Close(); return pumpBridgeToUpstream(gctx, conn, async) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("splicer: session to %s ended: %v", upstreamAddr, err)
	}

	async.Close()
}

// pumpUpstreamToBridge reads from the upstream connection and forwards
// each chunk to the peer via the bridge's async Write.
func pumpUpstreamToBridge(ctx context.Context, upstream net.Conn, async *bridge.AsyncSide) error {
	buf := make([]byte, BufferSize)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if werr := async.WriteAll(ctx, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			// Zero bytes / EOF means upstream closed its side; this is
			// not a failure, but it ends this direction.
			return nil
		}
	}
}

// pumpBridgeToUpstream reads blocks the peer sent and writes them to
// the upstream connection.
func pumpBridgeToUpstream(ctx context.Context, upstream net.Conn, async *bridge.AsyncSide) error {
	buf := make([]byte, BufferSize)
	for {
		n, err := async.Read(ctx, buf)
		if n > 0 {
			if _, werr := upstream.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, bridge.ErrBrokenPipe) {
				return nil
			}
			return err
		}
	}
}
