// Package gateway implements the Session Table / Event Loop (component
// E): a single-threaded dispatcher owning the shared UDP socket, a map
// from remote UDP address to Session, and the two periodic tickers
// (spec.md §4.E), plus a third ticker for idle-session eviction.
//
// Grounded on NLipatov-TunGo's
// Application/server/routing/tun_udp_chacha20/router.go, which reads
// the shared UDP socket in a loop and demultiplexes into a
// sync.Map-keyed table of per-client state, registering new clients on
// an unrecognized source address exactly the way this package's
// unknownRemote path does.
package gateway

import (
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/weber-software/wireguard-reverse-proxy/internal/noisetunnel"
	"github.com/weber-software/wireguard-reverse-proxy/internal/session"
)

// CryptoTickInterval and StackTickInterval match spec.md §4.E / §5.
const (
	CryptoTickInterval = time.Second
	StackTickInterval  = 10 * time.Millisecond

	// EvictionCheckInterval is how often the table is scanned for idle
	// sessions. Supplemented feature per spec.md §9's invitation to add
	// an eviction policy.
	EvictionCheckInterval = 30 * time.Second
	// IdleTimeout is how long a session may see no UDP activity before
	// it is evicted.
	IdleTimeout = 5 * time.Minute

	// readBufferSize is 4096-32 (spec.md §4.E): inbound datagrams larger
	// than this are truncated by the OS socket layer and therefore fail
	// to authenticate, so they are simply dropped.
	readBufferSize = 4096 - 32
)

// Config bundles what the gateway needs to start serving.
type Config struct {
	Listen       *net.UDPAddr
	PrivateKey   [32]byte
	InnerAddress netip.Addr
	UpstreamAddr string
	AllowedPeers noisetunnel.AllowedPeers
}

// Gateway is the Session Table / Event Loop.
type Gateway struct {
	cfg  Config
	conn *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*session.Session

	// cookies and load are shared across every Tunnel this gateway
	// serves, mirroring WireGuard's per-interface (not per-peer) cookie
	// secret and handshake-rate counter.
	cookies *noisetunnel.CookieManager
	load    *noisetunnel.LoadMonitor
}

// New binds the outer UDP socket and prepares an empty session table.
func New(cfg Config) (*Gateway, error) {
	if cfg.AllowedPeers == nil {
		cfg.AllowedPeers = noisetunnel.AllowAll{}
	}
	conn, err := net.ListenUDP("udp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	cookies, err := noisetunnel.NewCookieManager()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("gateway: cookie manager: %w", err)
	}
	return &Gateway{
		cfg:      cfg,
		conn:     conn,
		sessions: make(map[string]*session.Session),
		cookies:  cookies,
		load:     noisetunnel.NewLoadMonitor(0),
	}, nil
}

// Run drives the event loop until stop is closed. It is the single
// goroutine that ever mutates a Session, per spec.md §5.
func (g *Gateway) Run(stop <-chan struct{}) error {
	defer g.conn.Close()

	cryptoTicker := time.NewTicker(CryptoTickInterval)
	defer cryptoTicker.Stop()
	stackTicker := time.NewTicker(StackTickInterval)
	defer stackTicker.Stop()
	evictionTicker := time.NewTicker(EvictionCheckInterval)
	defer evictionTicker.Stop()

	datagrams := make(chan datagram, 64)
	go g.readLoop(datagrams, stop)

	for {
		select {
		case <-stop:
			return nil
		case <-cryptoTicker.C:
			g.forEachSession(func(s *session.Session) {
				if err := s.OnWireGuardTick(); err != nil {
					log.Printf("gateway: crypto tick fault: %v", err)
				}
			})
		case <-stackTicker.C:
			g.forEachSession(func(s *session.Session) {
				if err := s.OnStackTick(); err != nil {
					log.Printf("gateway: stack tick fault: %v", err)
				}
			})
		case <-evictionTicker.C:
			g.evictIdle()
		case d := <-datagrams:
			g.handleDatagram(d)
		}
	}
}

type datagram struct {
	remote *net.UDPAddr
	data   []byte
}

func (g *Gateway) readLoop(out chan<- datagram, stop <-chan struct{}) {
	for {
		buf := make([]byte, readBufferSize)
		n, remote, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
				log.Printf("gateway: UDP read error: %v", err)
				return
			}
		}
		select {
		case out <- datagram{remote: remote, data: buf[:n]}:
		case <-stop:
			return
		}
	}
}

func (g *Gateway) handleDatagram(d datagram) {
	key := d.remote.String()

	g.mu.Lock()
	existing := g.sessions[key]
	g.mu.Unlock()

	if existing != nil {
		if err := existing.OnUDP(d.data); err != nil {
			log.Printf("gateway: session %s datagram fault: %v", key, err)
		}
		return
	}

	g.handleUnknownRemote(d)
}

// handleUnknownRemote implements spec.md §4.E's third branch. A payload
// that parses as a handshake initiation gets a tentative Session (with
// its own IP stack) before any MAC or handshake check runs; the
// datagram is fed into it, and only if the handshake completes is the
// peer's static public key logged and the Session inserted into the
// table. Otherwise the tentative Session is closed and nothing is sent
// back.
func (g *Gateway) handleUnknownRemote(d datagram) {
	if noisetunnel.ParseMessageType(d.data) != noisetunnel.MessageHandshakeInit {
		return
	}

	remoteAddr, ok := netip.AddrFromSlice(d.remote.IP.To4())
	if !ok {
		return
	}

	tun := noisetunnel.NewTunnel(g.cfg.PrivateKey, g.cfg.AllowedPeers, g.cookies, g.load, remoteAddr)

	innerAddr := tcpip.AddrFromSlice(g.cfg.InnerAddress.AsSlice())

	s, err := session.New(session.Config{
		Remote:       d.remote,
		InnerAddr:    innerAddr,
		UpstreamAddr: g.cfg.UpstreamAddr,
		Tunnel:       tun,
		SendOutbound: g.sendOutbound,
	})
	if err != nil {
		log.Printf("gateway: failed to create session for %s: %v", d.remote, err)
		return
	}

	if err := s.OnUDP(d.data); err != nil {
		// The tentative session is discarded without ever being inserted.
		s.Close()
		return
	}

	if !tun.Established() {
		// The handshake did not complete (bad MAC, unknown peer, cookie
		// required, etc). OnUDP logs such crypto faults instead of
		// returning them, so this check is what keeps an
		// unauthenticated peer out of the table: the tentative session
		// is discarded without ever being inserted.
		s.Close()
		return
	}

	log.Printf("gateway: %s registered as %s", d.remote, hex.EncodeToString(tun.PeerPublicKey()))

	g.mu.Lock()
	g.sessions[d.remote.String()] = s
	g.mu.Unlock()
}

func (g *Gateway) sendOutbound(f session.OutboundFrame) error {
	_, err := g.conn.WriteToUDP(f.Data, f.Remote)
	return err
}

func (g *Gateway) forEachSession(fn func(*session.Session)) {
	g.mu.Lock()
	snapshot := make([]*session.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		snapshot = append(snapshot, s)
	}
	g.mu.Unlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// evictIdle removes and closes sessions with no UDP activity for
// IdleTimeout (spec.md §9's supplemented eviction policy).
func (g *Gateway) evictIdle() {
	g.evictIdleOlderThan(IdleTimeout)
}

// evictIdleOlderThan is evictIdle parameterized by threshold, so tests
// can force a deterministic eviction without waiting out IdleTimeout.
func (g *Gateway) evictIdleOlderThan(threshold time.Duration) {
	g.mu.Lock()
	var stale []string
	for key, s := range g.sessions {
		if s.IdleFor() > threshold {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		s := g.sessions[key]
		delete(g.sessions, key)
		go s.Close()
	}
	g.mu.Unlock()

	if len(stale) > 0 {
		log.Printf("gateway: evicted %d idle session(s)", len(stale))
	}
}

// SessionCount reports the current table size, for diagnostics/tests.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
