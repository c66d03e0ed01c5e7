// Package noisetunnel is the Tunnel Crypto Adapter (component C): a
// thin contract over a Noise_IK tunnel exposing decapsulate,
// encapsulate, and tick_timers, each returning one of four result
// classes. spec.md §6 states this as an external library contract
// with an unspecified concrete protocol; this package supplies one,
// grounded on the Noise_IK implementation in the example pack's
// infrastructure/cryptography/noise package (github.com/flynn/noise
// plus MAC1/MAC2/cookie anti-DoS framing) and on real WireGuard's own
// leading message-type byte.
package noisetunnel

// Outer wire message types: every frame begins with one of these.
const (
	msgHandshakeInit     byte = 1
	msgHandshakeResponse byte = 2
	msgCookieReply       byte = 3
	msgData              byte = 4
)

// MessageType classifies a raw outer UDP payload, matching spec.md
// §6's "parse-incoming-packet" step, without performing any
// cryptographic work.
type MessageType int

const (
	MessageUnknown MessageType = iota
	MessageHandshakeInit
	MessageHandshakeResponse
	MessageCookieReply
	MessageData
)

// dataHeaderSize is type(1) + nonce(12): the fixed prefix on every
// post-handshake Data frame, ahead of the AEAD ciphertext.
const dataHeaderSize = 1 + 12

// ParseMessageType inspects only the leading type byte and overall
// length; it never touches key material.
func ParseMessageType(payload []byte) MessageType {
	if len(payload) < 1 {
		return MessageUnknown
	}
	switch payload[0] {
	case msgHandshakeInit:
		if len(payload)-1 < minTotalSize {
			return MessageUnknown
		}
		return MessageHandshakeInit
	case msgHandshakeResponse:
		return MessageHandshakeResponse
	case msgCookieReply:
		if len(payload)-1 != cookieReplySize {
			return MessageUnknown
		}
		return MessageCookieReply
	case msgData:
		if len(payload) < dataHeaderSize {
			return MessageUnknown
		}
		return MessageData
	default:
		return MessageUnknown
	}
}
