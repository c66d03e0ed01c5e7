package noisetunnel

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// replayWindowSize is the depth of the anti-replay nonce ring buffer,
// grounded on crypto/chacha20/nonce_ring_buffer.go's NonceBuf design.
const replayWindowSize = 2048

// nonce is a 96-bit explicit AEAD nonce split as low64||high32, the
// layout crypto/chacha20/nonce.go encodes on the wire.
type nonce struct {
	low  uint64
	high uint32
}

func (n nonce) encode() [12]byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], n.low)
	binary.BigEndian.PutUint32(b[8:], n.high)
	return b
}

func decodeNonce(b []byte) nonce {
	return nonce{
		low:  binary.BigEndian.Uint64(b[:8]),
		high: binary.BigEndian.Uint32(b[8:12]),
	}
}

func (n *nonce) increment() error {
	if n.high == ^uint32(0) && n.low == ^uint64(0) {
		return fmt.Errorf("noisetunnel: nonce space exhausted")
	}
	if n.low == ^uint64(0) {
		n.high++
		n.low = 0
	} else {
		n.low++
	}
	return nil
}

// replayWindow rejects any nonce already seen, bounded to the most
// recent replayWindowSize distinct values - the same fixed-size ring
// buffer strategy as crypto/chacha20/nonce_ring_buffer.go.
type replayWindow struct {
	mu   sync.Mutex
	seen map[[12]byte]struct{}
	ring [][12]byte
	next int
}

func newReplayWindow(size int) *replayWindow {
	if size < 1 {
		size = replayWindowSize
	}
	return &replayWindow{
		seen: make(map[[12]byte]struct{}, size),
		ring: make([][12]byte, size),
	}
}

// admit returns ErrReplay if key was already accepted; otherwise
// records it, evicting the oldest entry if the ring is full.
func (w *replayWindow) admit(key [12]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[key]; ok {
		return ErrReplay
	}

	if old := w.ring[w.next]; old != ([12]byte{}) {
		delete(w.seen, old)
	}
	w.ring[w.next] = key
	w.seen[key] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
	return nil
}

// transport is the post-handshake AEAD data-frame session: one cipher
// per direction with an explicit monotonic send nonce and a
// replay-checked receive side, layered on top of the keys the Noise_IK
// handshake produced (flynn/noise's own CipherState nonce counter is
// not used directly, since it assumes in-order delivery and this
// session runs over unordered UDP).
type transport struct {
	send cipher.AEAD
	recv cipher.AEAD

	sendMu   sync.Mutex
	sendNext nonce

	replay *replayWindow
}

func newTransport(sendKey, recvKey [32]byte) (*transport, error) {
	send, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("noisetunnel: send cipher: %w", err)
	}
	recv, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, fmt.Errorf("noisetunnel: recv cipher: %w", err)
	}
	return &transport{send: send, recv: recv, replay: newReplayWindow(replayWindowSize)}, nil
}

// seal encrypts plaintext and returns a Data-frame payload with the
// explicit 12-byte nonce prepended, ready to have the msgData type
// byte prepended by the caller.
func (t *transport) seal(plaintext []byte) ([]byte, error) {
	t.sendMu.Lock()
	if err := t.sendNext.increment(); err != nil {
		t.sendMu.Unlock()
		return nil, err
	}
	n := t.sendNext
	t.sendMu.Unlock()

	nb := n.encode()
	out := make([]byte, 0, len(nb)+len(plaintext)+t.send.Overhead())
	out = append(out, nb[:]...)
	out = t.send.Seal(out, nb[:], plaintext, nil)
	return out, nil
}

// open validates and decrypts a Data-frame payload (already stripped
// of its leading type byte), rejecting any nonce seen before.
func (t *transport) open(frame []byte) ([]byte, error) {
	if len(frame) < 12 {
		return nil, ErrMsgTooShort
	}
	nb := [12]byte{}
	copy(nb[:], frame[:12])
	ciphertext := frame[12:]

	if err := t.replay.admit(nb); err != nil {
		return nil, err
	}

	return t.recv.Open(nil, nb[:], ciphertext, nil)
}
