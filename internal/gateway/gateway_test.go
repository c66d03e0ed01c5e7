package gateway

import (
	"crypto/rand"
	"net"
	"net/netip"
	"testing"
	"time"

	"golang.org/x/crypto/curve25519"
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/weber-software/wireguard-reverse-proxy/internal/noisetunnel"
	"github.com/weber-software/wireguard-reverse-proxy/internal/session"
)

func mustKeypair(t *testing.T) (priv [32]byte) {
	t.Helper()
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, err := curve25519.X25519(priv[:], curve25519.Basepoint); err != nil {
		t.Fatalf("X25519: %v", err)
	}
	return priv
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(Config{
		Listen:       &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
		PrivateKey:   mustKeypair(t),
		InnerAddress: netip.MustParseAddr("192.168.222.11"),
		UpstreamAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { g.conn.Close() })
	return g
}

// TestHandleUnknownRemoteDropsGarbage covers spec.md §8 scenario 3: a
// garbage datagram from an address the gateway has never seen a
// handshake from must be dropped without creating any state.
func TestHandleUnknownRemoteDropsGarbage(t *testing.T) {
	g := newTestGateway(t)

	remote := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 51820}
	g.handleUnknownRemote(datagram{remote: remote, data: []byte{0xFF, 0x01, 0x02}})

	if got := g.SessionCount(); got != 0 {
		t.Fatalf("a garbage datagram from an unknown remote must not create a session, got %d", got)
	}
}

func TestHandleUnknownRemoteIgnoresNonHandshakeTypes(t *testing.T) {
	g := newTestGateway(t)

	remote := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 51820}
	// A well-formed Data frame from a remote the gateway has no session
	// for: there is nowhere to route it, so it must be dropped rather
	// than spawning tentative state.
	frame := make([]byte, 1+12+16)
	frame[0] = 4 // msgData; mirrored literally since the constant is unexported in noisetunnel
	g.handleUnknownRemote(datagram{remote: remote, data: frame})

	if got := g.SessionCount(); got != 0 {
		t.Fatalf("a Data frame from an unknown remote must not create a session, got %d", got)
	}
}

func TestHandleUnknownRemoteRejectsBadHandshake(t *testing.T) {
	g := newTestGateway(t)

	remote := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 51820}
	// Type byte says HandshakeInit but the body is nonsense: MAC1 will
	// never verify, so the candidate session must be discarded.
	bogus := make([]byte, 200)
	bogus[0] = 1
	g.handleUnknownRemote(datagram{remote: remote, data: bogus})

	if got := g.SessionCount(); got != 0 {
		t.Fatalf("an invalid handshake must not be registered as a session, got %d", got)
	}
}

// TestEvictIdleRemovesStaleSessions exercises the table scan and
// removal directly against a manually inserted session, since waiting
// out the real IdleTimeout (5 minutes) in a unit test is impractical.
func TestEvictIdleRemovesStaleSessions(t *testing.T) {
	g := newTestGateway(t)

	remote := &net.UDPAddr{IP: net.ParseIP("203.0.113.8"), Port: 51820}
	tun := noisetunnel.NewTunnel(mustKeypair(t), noisetunnel.AllowAll{}, nil, nil, netip.MustParseAddr("203.0.113.8"))

	s, err := session.New(session.Config{
		Remote:       remote,
		InnerAddr:    tcpip.AddrFromSlice(net.ParseIP("192.168.222.11").To4()),
		UpstreamAddr: "127.0.0.1:0",
		Tunnel:       tun,
		SendOutbound: func(session.OutboundFrame) error { return nil },
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	defer s.Close()

	g.mu.Lock()
	g.sessions[remote.String()] = s
	g.mu.Unlock()

	if got := g.SessionCount(); got != 1 {
		t.Fatalf("expected 1 session before eviction, got %d", got)
	}

	// A just-created session has IdleFor() ~= 0; after a 1ms sleep it is
	// strictly positive, so a zero threshold reliably classifies it as
	// stale.
	time.Sleep(time.Millisecond)
	g.evictIdleOlderThan(0)

	if got := g.SessionCount(); got != 0 {
		t.Fatalf("expected idle session to be evicted, got %d", got)
	}
}

// TestTwoPeersDoNotShareSessionState covers the table side of spec.md
// §8 scenario 2: sessions for two distinct remote addresses occupy two
// separate table entries and resolve to distinct Session values.
func TestTwoPeersDoNotShareSessionState(t *testing.T) {
	g := newTestGateway(t)

	remoteA := &net.UDPAddr{IP: net.ParseIP("203.0.113.10"), Port: 1}
	remoteB := &net.UDPAddr{IP: net.ParseIP("203.0.113.11"), Port: 2}

	tunA := noisetunnel.NewTunnel(mustKeypair(t), noisetunnel.AllowAll{}, nil, nil, netip.MustParseAddr("203.0.113.10"))
	tunB := noisetunnel.NewTunnel(mustKeypair(t), noisetunnel.AllowAll{}, nil, nil, netip.MustParseAddr("203.0.113.11"))

	sA, err := session.New(session.Config{
		Remote: remoteA, InnerAddr: tcpip.AddrFromSlice(net.ParseIP("192.168.222.11").To4()),
		UpstreamAddr: "127.0.0.1:0", Tunnel: tunA,
		SendOutbound: func(session.OutboundFrame) error { return nil },
	})
	if err != nil {
		t.Fatalf("session.New A: %v", err)
	}
	defer sA.Close()

	sB, err := session.New(session.Config{
		Remote: remoteB, InnerAddr: tcpip.AddrFromSlice(net.ParseIP("192.168.222.11").To4()),
		UpstreamAddr: "127.0.0.1:0", Tunnel: tunB,
		SendOutbound: func(session.OutboundFrame) error { return nil },
	})
	if err != nil {
		t.Fatalf("session.New B: %v", err)
	}
	defer sB.Close()

	g.mu.Lock()
	g.sessions[remoteA.String()] = sA
	g.sessions[remoteB.String()] = sB
	g.mu.Unlock()

	if got := g.SessionCount(); got != 2 {
		t.Fatalf("expected 2 independent sessions, got %d", got)
	}

	g.mu.Lock()
	a, b := g.sessions[remoteA.String()], g.sessions[remoteB.String()]
	g.mu.Unlock()
	if a == b {
		t.Fatal("distinct remote addresses must not resolve to the same session")
	}
}
