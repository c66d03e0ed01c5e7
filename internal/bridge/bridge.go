// Package bridge implements the Cross-Regime Socket Bridge: the only
// place where a cooperative, single-threaded TCP stack and a
// preemptive async outbound task meet. Two paired endpoints, SyncSide
// and AsyncSide, share a pair of bounded byte-block channels.
package bridge

import (
	"context"
	"errors"
	"sync"
)

// Capacity is the number of byte-blocks buffered per direction. At
// most 4096 bytes per block (see MaxBlock), so at most 32 KiB in
// flight per direction - a deliberate, fixed design choice (spec.md §5
// resource policy), not tuned per connection.
const Capacity = 8

// MaxBlock is the largest single block the sync side will ever send;
// Read on the async side fails with ErrBufferTooSmall rather than
// truncating a block larger than the caller's buffer.
const MaxBlock = 4096

var (
	// ErrFull is returned by TrySend when the channel has no free slot.
	ErrFull = errors.New("bridge: channel full")
	// ErrEmpty is returned by TryRecv when no block is available.
	ErrEmpty = errors.New("bridge: channel empty")
	// ErrClosed is returned by TrySend/TryRecv once the bridge has been closed.
	ErrClosed = errors.New("bridge: closed")
	// ErrBufferTooSmall is returned by Read when the caller's buffer
	// cannot hold the next queued block; the block is not consumed.
	ErrBufferTooSmall = errors.New("bridge: buffer too small")
	// ErrBrokenPipe surfaces a channel-closed condition to the async side's blocking API.
	ErrBrokenPipe = errors.New("bridge: broken pipe")
)

// Bridge owns the pair of channels. New returns both sides already wired.
type Bridge struct {
	toAsync chan []byte // sync -> async direction
	toSync  chan []byte // async -> sync direction

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Bridge and returns its sync and async endpoints.
func New() (*SyncSide, *AsyncSide) {
	b := &Bridge{
		toAsync: make(chan []byte, Capacity),
		toSync:  make(chan []byte, Capacity),
		closed:  make(chan struct{}),
	}
	return &SyncSide{b: b}, &AsyncSide{b: b}
}

// Close signals closure to both sides. It is idempotent and safe to
// call from either side.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// IsClosed reports whether Close has been called.
func (b *Bridge) IsClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// SyncSide is driven by the single-threaded event loop. Every method is
// non-blocking, matching the contract that the cooperative side must
// never suspend (spec.md §5).
type SyncSide struct{ b *Bridge }

// TrySend forwards one block toward the async side without blocking.
func (s *SyncSide) TrySend(block []byte) error {
	if s.b.IsClosed() {
		return ErrClosed
	}
	select {
	case s.b.toAsync <- block:
		return nil
	default:
		return ErrFull
	}
}

// TryRecv pulls one block sent by the async side without blocking.
func (s *SyncSide) TryRecv() ([]byte, error) {
	select {
	case block, ok := <-s.b.toSync:
		if !ok {
			return nil, ErrClosed
		}
		return block, nil
	default:
		if s.b.IsClosed() {
			return nil, ErrClosed
		}
		return nil, ErrEmpty
	}
}

// Close tears down the bridge from the sync side (e.g. the inner TCP
// socket was closed by the peer).
func (s *SyncSide) Close() { s.b.Close() }

// AsyncSide is driven by the Outbound Splicer task and exposes a
// blocking, net.Conn-like API.
type AsyncSide struct {
	b *Bridge
	// held is a block Read dequeued but could not deliver because the
	// caller's buffer was too small; the next Read returns it first.
	held []byte
}

// Read consumes one block. If buf cannot hold it, the block is not
// consumed and ErrBufferTooSmall is returned, per spec.md §4.B ("do
// not truncate").
func (a *AsyncSide) Read(ctx context.Context, buf []byte) (int, error) {
	if a.held != nil {
		if len(a.held) > len(buf) {
			return 0, ErrBufferTooSmall
		}
		n := copy(buf, a.held)
		a.held = nil
		return n, nil
	}
	select {
	case block, ok := <-a.b.toAsync:
		if !ok {
			return 0, ErrBrokenPipe
		}
		if len(block) > len(buf) {
			// Keep it aside so a retry with a bigger buffer gets this
			// same block before anything queued behind it.
			a.held = block
			return 0, ErrBufferTooSmall
		}
		n := copy(buf, block)
		return n, nil
	case <-a.b.closed:
		return 0, ErrBrokenPipe
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Write enqueues buf as one block toward the sync side, blocking if the
// channel is full until space is available, the bridge closes, or ctx
// is done.
func (a *AsyncSide) Write(ctx context.Context, buf []byte) (int, error) {
	block := make([]byte, len(buf))
	copy(block, buf)
	select {
	case a.b.toSync <- block:
		return len(buf), nil
	case <-a.b.closed:
		return 0, ErrBrokenPipe
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// WriteAll is Write with the spec's naming (spec.md §4.B); for this
// bridge a single Write already transfers the whole block atomically.
func (a *AsyncSide) WriteAll(ctx context.Context, buf []byte) error {
	_, err := a.Write(ctx, buf)
	return err
}

// Close tears down the bridge from the async side (e.g. the upstream
// TCP connection failed or was closed).
func (a *AsyncSide) Close() { a.b.Close() }
