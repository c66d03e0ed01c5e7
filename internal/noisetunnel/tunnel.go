package noisetunnel

import (
	"net/netip"
	"sync"
	"time"
)

// ResultKind discriminates the four outcomes decapsulate, encapsulate,
// and TickTimers may produce, per spec.md §4.C.
type ResultKind int

const (
	ResultDone ResultKind = iota
	ResultErr
	ResultWriteToNetwork
	ResultWriteToTunnelV4
)

// Result is the tagged union spec.md §4.C describes. Exactly one of
// Network/Tunnel/Err is meaningful, selected by Kind.
type Result struct {
	Kind    ResultKind
	Network []byte // outer UDP payload to send to the peer
	Tunnel  []byte // inner IPv4 packet to deposit into the virtual link device
	Err     error
}

func done() Result                    { return Result{Kind: ResultDone} }
func errResult(err error) Result      { return Result{Kind: ResultErr, Err: err} }
func toNetwork(b []byte) Result       { return Result{Kind: ResultWriteToNetwork, Network: b} }
func toTunnelV4(b []byte) Result      { return Result{Kind: ResultWriteToTunnelV4, Tunnel: b} }

// KeepaliveInterval is the persistent-keepalive period (spec.md §5).
const KeepaliveInterval = 25 * time.Second

// Tunnel is the Tunnel Crypto Adapter (component C) for one session.
// It is constructed fresh for each new remote UDP address and carries
// the full Noise_IK state machine: unauthenticated until a valid
// HandshakeInit completes, then a replay-protected AEAD transport.
type Tunnel struct {
	priv    [32]byte
	allowed AllowedPeers
	cookies *CookieManager
	load    *LoadMonitor
	remote  netip.Addr

	mu          sync.Mutex
	established bool
	peerPubKey  []byte
	transport   *transport
	lastSent    time.Time
}

// NewTunnel constructs an as-yet-unauthenticated Tunnel for a newly
// observed remote address. In Noise_IK the responder does not need to
// know the peer's static key in advance; it is learned by decrypting
// the first handshake message, mirroring boringtun's Tunn::new
// contract from spec.md §6 (preshared=None and index=0 are not
// modeled: this core has no preshared-key or multi-tunnel-index
// requirement; the 25s keepalive is KeepaliveInterval).
func NewTunnel(priv [32]byte, allowed AllowedPeers, cookies *CookieManager, load *LoadMonitor, remote netip.Addr) *Tunnel {
	if allowed == nil {
		allowed = AllowAll{}
	}
	return &Tunnel{priv: priv, allowed: allowed, cookies: cookies, load: load, remote: remote}
}

// Established reports whether the Noise_IK handshake has completed.
func (t *Tunnel) Established() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.established
}

// PeerPublicKey returns the peer's static public key once established,
// for the event loop to log (spec.md §4.E).
func (t *Tunnel) PeerPublicKey() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerPubKey
}

// Decapsulate processes one outer UDP payload, or an empty payload to
// drain pending internal output. Callers must re-invoke with an empty
// payload until Done, per spec.md §4.C's quiescence discipline; this
// implementation only ever produces one output frame per call, so a
// single extra empty-payload call always reaches Done.
func (t *Tunnel) Decapsulate(payload []byte) Result {
	if len(payload) == 0 {
		return done()
	}

	switch ParseMessageType(payload) {
	case MessageHandshakeInit:
		return t.handleHandshakeInit(payload[1:])
	case MessageData:
		return t.handleData(payload[1:])
	case MessageCookieReply, MessageHandshakeResponse:
		// This core is responder-only; it never sends HandshakeInit
		// and therefore never expects these in reply.
		return errResult(ErrFeatureUnsupported)
	default:
		return errResult(ErrMsgTooShort)
	}
}

func (t *Tunnel) handleHandshakeInit(msg1WithMAC []byte) Result {
	t.mu.Lock()
	alreadyEstablished := t.established
	t.mu.Unlock()
	if alreadyEstablished {
		// Open question (ii) in spec.md §9: a HandshakeInit from a
		// remote address that already has a live session is logged
		// and dropped; the existing session is left untouched.
		return errResult(ErrHandshakeFailed)
	}

	msg2, cookieReply, result, err := serverHandshake(t.priv, t.allowed, t.cookies, t.load, t.remote, msg1WithMAC)
	if err == ErrCookieRequired {
		return toNetwork(append([]byte{msgCookieReply}, cookieReply...))
	}
	if err != nil {
		return errResult(err)
	}

	tr, err := newTransport(result.s2cKey, result.c2sKey)
	if err != nil {
		return errResult(err)
	}

	t.mu.Lock()
	t.established = true
	t.peerPubKey = result.peerPubKey
	t.transport = tr
	t.lastSent = time.Now()
	t.mu.Unlock()

	zeroBytes(result.c2sKey[:])
	zeroBytes(result.s2cKey[:])

	return toNetwork(append([]byte{msgHandshakeResponse}, msg2...))
}

func (t *Tunnel) handleData(frame []byte) Result {
	t.mu.Lock()
	tr := t.transport
	t.mu.Unlock()
	if tr == nil {
		return errResult(ErrNotEstablished)
	}

	plaintext, err := tr.open(frame)
	if err != nil {
		return errResult(err)
	}
	if len(plaintext) == 0 {
		// Empty Data frame: a keepalive, not an inner packet.
		return done()
	}
	if plaintext[0]>>4 == 6 {
		// Inner IPv6 is not supported: report it and drop the packet.
		return errResult(ErrFeatureUnsupported)
	}
	return toTunnelV4(plaintext)
}

// Encapsulate seals an inner IPv4 packet produced by the embedded IP
// stack into an outer Data frame addressed to the peer.
func (t *Tunnel) Encapsulate(innerPacket []byte) Result {
	t.mu.Lock()
	tr := t.transport
	t.mu.Unlock()
	if tr == nil {
		return errResult(ErrNotEstablished)
	}

	ciphertext, err := tr.seal(innerPacket)
	if err != nil {
		return errResult(err)
	}

	t.mu.Lock()
	t.lastSent = time.Now()
	t.mu.Unlock()

	return toNetwork(append([]byte{msgData}, ciphertext...))
}

// TickTimers is invoked at ~1s cadence (spec.md §5) and emits a
// zero-length Data keepalive once KeepaliveInterval has elapsed since
// the last frame was sent to the peer.
func (t *Tunnel) TickTimers() Result {
	t.mu.Lock()
	tr := t.transport
	idle := time.Since(t.lastSent)
	t.mu.Unlock()
	if tr == nil {
		return done()
	}
	if idle < KeepaliveInterval {
		return done()
	}

	ciphertext, err := tr.seal(nil)
	if err != nil {
		return errResult(err)
	}

	t.mu.Lock()
	t.lastSent = time.Now()
	t.mu.Unlock()

	return toNetwork(append([]byte{msgData}, ciphertext...))
}
