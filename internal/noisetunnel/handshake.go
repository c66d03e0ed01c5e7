package noisetunnel

import (
	"fmt"
	"net/netip"

	noiselib "github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

var cipherSuite = noiselib.NewCipherSuite(noiselib.DH25519, noiselib.CipherChaChaPoly, noiselib.HashSHA256)

// serverStaticKeypair derives the server's X25519 public key from its
// configured private key, the way real WireGuard and this package's
// grounding both do (a raw Curve25519 scalar, never textually parsed
// here - key parsing from textual encodings is out of scope, spec.md §1).
func serverStaticKeypair(priv [32]byte) (noiselib.DHKey, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return noiselib.DHKey{}, fmt.Errorf("noisetunnel: derive static public key: %w", err)
	}
	return noiselib.DHKey{Private: append([]byte(nil), priv[:]...), Public: pub}, nil
}

// AllowedPeers authorizes peers by static public key. The core accepts
// any peer that produces a valid handshake (spec.md §1); a nil
// AllowedPeers authorizes every public key, which is the default this
// package ships with since peer-allow-list policy is out of scope.
type AllowedPeers interface {
	Allowed(pubKey []byte) bool
}

// AllowAll is the zero-policy AllowedPeers: every statically-keyed
// peer that completes a valid handshake is accepted.
type AllowAll struct{}

// Allowed always returns true.
func (AllowAll) Allowed([]byte) bool { return true }

// handshakeResult carries what the Session needs after a successful
// server-side anonymous half-handshake: the peer's static public key
// and the two derived transport keys.
type handshakeResult struct {
	peerPubKey []byte
	c2sKey     [32]byte // decrypts peer->server Data frames
	s2cKey     [32]byte // encrypts server->peer Data frames
}

// serverHandshake runs the responder side of Noise_IK to completion
// against one HandshakeInit frame (payload already stripped of its
// leading message-type byte). It returns msg2 (ready to send back to
// the peer as a HandshakeResponse frame) and the derived keys.
//
// Anti-DoS ordering, grounded on
// infrastructure/cryptography/noise/ik_handshake.go: version/format
// check, then MAC1 (cheap, stateless), then - only under load - MAC2
// against a cookie, and only after all of that does any
// Diffie-Hellman work happen.
func serverHandshake(
	priv [32]byte,
	allowed AllowedPeers,
	cookies *CookieManager,
	load *LoadMonitor,
	remote netip.Addr,
	msg1WithMAC []byte,
) (msg2 []byte, cookieReply []byte, result *handshakeResult, err error) {
	if len(msg1WithMAC) < minTotalSize {
		return nil, nil, nil, ErrMsgTooShort
	}

	static, err := serverStaticKeypair(priv)
	if err != nil {
		return nil, nil, nil, err
	}

	if !verifyMAC1(msg1WithMAC, static.Public) {
		return nil, nil, nil, ErrInvalidMAC1
	}

	load.recordHandshake()

	if load.underLoad() {
		if !cookies.validMAC2(remote, msg1WithMAC) {
			eph := extractClientEphemeral(msg1WithMAC)
			if eph == nil {
				return nil, nil, nil, ErrMsgTooShort
			}
			reply, rerr := cookies.createCookieReply(remote, eph, static.Public)
			if rerr != nil {
				return nil, nil, nil, fmt.Errorf("noisetunnel: cookie reply: %w", rerr)
			}
			return nil, reply, nil, ErrCookieRequired
		}
	}

	noiseMsg := extractNoiseMsg(msg1WithMAC)

	hs, err := noiselib.NewHandshakeState(noiselib.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noiselib.HandshakeIK,
		Initiator:     false,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("noisetunnel: handshake state: %w", err)
	}
	defer func() {
		if eph := hs.LocalEphemeral(); eph.Private != nil {
			zeroBytes(eph.Private)
		}
	}()

	if _, _, _, err := hs.ReadMessage(nil, noiseMsg); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	peerPub := hs.PeerStatic()
	if !allowed.Allowed(peerPub) {
		return nil, nil, nil, ErrUnknownPeer
	}

	msg2Out, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if cs1 == nil || cs2 == nil {
		return nil, nil, nil, fmt.Errorf("%w: handshake incomplete after message 2", ErrHandshakeFailed)
	}

	c2s := cs1.UnsafeKey()
	s2c := cs2.UnsafeKey()
	defer zeroBytes(c2s[:])
	defer zeroBytes(s2c[:])

	pubCopy := append([]byte(nil), peerPub...)

	res := &handshakeResult{peerPubKey: pubCopy}
	copy(res.c2sKey[:], c2s[:])
	copy(res.s2cKey[:], s2c[:])

	return msg2Out, nil, res, nil
}
