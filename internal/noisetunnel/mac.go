package noisetunnel

import (
	"crypto/hmac"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2s"
)

const (
	// protocolID provides domain separation between this wire format
	// and any other BLAKE2s-keyed protocol.
	protocolID = "wireguard-reverse-proxy"

	// protocolVersion identifies the handshake pattern (Noise_IK) for
	// key derivation domain separation. It is not carried on the wire
	// separately from the type byte (msgHandshakeInit already implies it).
	protocolVersion = 1

	mac1Size      = 16
	mac2Size      = 16
	ephemeralSize = 32

	// minMsg1Size is a lower bound on the size of a Noise_IK first
	// message: ephemeral (32) + encrypted static (32+16) = 80 bytes. The
	// 16-byte tag of the encrypted payload is not counted, so a real
	// first message is at least 96 bytes.
	minMsg1Size = 80

	// minTotalSize is the minimum size of a HandshakeInit frame's
	// payload after the leading type byte: msg1 || MAC1 || MAC2.
	minTotalSize = minMsg1Size + mac1Size + mac2Size
)

func deriveMAC1Key(serverPubKey []byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte("mac1"))
	h.Write([]byte(protocolID))
	h.Write([]byte{byte(protocolVersion)})
	h.Write(serverPubKey)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// computeMAC1 computes a keyed BLAKE2s-128 MAC over msg1, keyed by a
// hash of the server's static public key. Verifying it costs one
// keyed hash and no allocation beyond the digest, which is what makes
// it safe to check before any Diffie-Hellman operation runs.
func computeMAC1(msg1, serverPubKey []byte) []byte {
	key := deriveMAC1Key(serverPubKey)
	defer zeroBytes(key[:])

	h, _ := blake2s.New128(key[:])
	h.Write(msg1)
	return h.Sum(nil)
}

// verifyMAC1 checks MAC1 on a message laid out as msg1 || MAC1 || MAC2.
// MUST run before any allocation tied to the message's content.
func verifyMAC1(msg1WithMAC, serverPubKey []byte) bool {
	if len(msg1WithMAC) < minTotalSize {
		return false
	}
	msgLen := len(msg1WithMAC) - mac1Size - mac2Size
	msg1 := msg1WithMAC[:msgLen]
	mac1 := msg1WithMAC[msgLen : msgLen+mac1Size]
	return hmac.Equal(mac1, computeMAC1(msg1, serverPubKey))
}

func deriveMAC2Key(cookie []byte) [32]byte {
	h, _ := blake2s.New256(nil)
	h.Write([]byte("mac2"))
	h.Write([]byte(protocolID))
	h.Write([]byte{byte(protocolVersion)})
	h.Write(cookie)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

func computeMAC2(msg1, mac1, cookie []byte) []byte {
	key := deriveMAC2Key(cookie)
	defer zeroBytes(key[:])

	h, _ := blake2s.New128(key[:])
	h.Write(msg1)
	h.Write(mac1)
	return h.Sum(nil)
}

// verifyMAC2 checks MAC2 given the full message and the cookie the
// server expects the peer to have echoed back.
func verifyMAC2(msg1WithMAC, cookie []byte) bool {
	if len(msg1WithMAC) < minTotalSize {
		return false
	}
	msgLen := len(msg1WithMAC) - mac1Size - mac2Size
	msg1 := msg1WithMAC[:msgLen]
	mac1 := msg1WithMAC[msgLen : msgLen+mac1Size]
	mac2 := msg1WithMAC[msgLen+mac1Size:]
	return hmac.Equal(mac2, computeMAC2(msg1, mac1, cookie))
}

func extractNoiseMsg(msg1WithMAC []byte) []byte {
	if len(msg1WithMAC) < minTotalSize {
		return nil
	}
	return msg1WithMAC[:len(msg1WithMAC)-mac1Size-mac2Size]
}

// extractClientEphemeral returns the peer's ephemeral public key from
// msg1. Callers MUST only invoke this after MAC1 verification
// succeeds: the ephemeral is always plaintext in Noise_IK, so reading
// it before MAC1 would let an attacker force allocation work with a
// forged message.
func extractClientEphemeral(msg1WithMAC []byte) []byte {
	noiseMsg := extractNoiseMsg(msg1WithMAC)
	if len(noiseMsg) < ephemeralSize {
		return nil
	}
	eph := make([]byte, ephemeralSize)
	copy(eph, noiseMsg[:ephemeralSize])
	return eph
}

// appendMACs appends MAC1 and, when a cookie is available, a real
// MAC2; otherwise MAC2 is filled with random bytes so the wire format
// gives no DPI signal distinguishing a cookie-backed retry from a
// first attempt.
func appendMACs(msg1, serverPubKey, cookie []byte) ([]byte, error) {
	mac1 := computeMAC1(msg1, serverPubKey)

	result := make([]byte, len(msg1)+mac1Size+mac2Size)
	copy(result, msg1)
	copy(result[len(msg1):], mac1)

	if len(cookie) > 0 {
		mac2 := computeMAC2(msg1, mac1, cookie)
		copy(result[len(msg1)+mac1Size:], mac2)
	} else if _, err := rand.Read(result[len(msg1)+mac1Size:]); err != nil {
		return nil, fmt.Errorf("noisetunnel: rand MAC2 padding: %w", err)
	}
	return result, nil
}

