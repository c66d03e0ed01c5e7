package noisetunnel

import "errors"

// Internal sentinels. External responses for any handshake failure are
// uniform (the datagram is simply dropped) to avoid leaking which
// phase rejected the peer, matching the "External responses MUST be
// uniform" convention this package's design is grounded on.
var (
	ErrInvalidMAC1        = errors.New("noisetunnel: MAC1 verification failed")
	ErrInvalidMAC2        = errors.New("noisetunnel: MAC2 verification failed")
	ErrCookieRequired     = errors.New("noisetunnel: cookie required under load")
	ErrInvalidCookieReply = errors.New("noisetunnel: invalid cookie reply")
	ErrUnknownPeer        = errors.New("noisetunnel: peer not in allow-list")
	ErrUnknownProtocol    = errors.New("noisetunnel: unknown protocol version")
	ErrMsgTooShort        = errors.New("noisetunnel: message too short")
	ErrHandshakeFailed    = errors.New("noisetunnel: handshake failed")
	ErrNotHandshakeInit   = errors.New("noisetunnel: datagram is not a handshake initiation")
	ErrReplay             = errors.New("noisetunnel: nonce replay detected")
	ErrNotEstablished     = errors.New("noisetunnel: transport session not established")
	ErrFeatureUnsupported = errors.New("noisetunnel: unsupported feature")
)
