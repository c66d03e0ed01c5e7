// Package session implements the Session component (D): it owns one
// Virtual Link Device + Cross-Regime Socket Bridge + Tunnel Crypto
// Adapter triple for a single remote UDP address, plus the embedded
// user-space IP interface and its single listening TCP socket.
//
// The IP interface is gVisor's *stack.Stack (gvisor.dev/gvisor), the
// same library bitsinside-httptap wires up for its "gvisor" stack
// mode; here it terminates a tunneled connection instead of forwarding
// a host TUN device's packets.
package session

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/weber-software/wireguard-reverse-proxy/internal/bridge"
	"github.com/weber-software/wireguard-reverse-proxy/internal/noisetunnel"
	"github.com/weber-software/wireguard-reverse-proxy/internal/splicer"
	"github.com/weber-software/wireguard-reverse-proxy/internal/vlink"
)

// innerListenPort is fixed at 80: the spec's single inner listening
// endpoint (spec.md §1 Non-goals: "routing of arbitrary inner
// destinations" is out of scope, a single inner listening endpoint is
// served).
const innerListenPort = 80

// pastDeadline makes gonet's otherwise-blocking
// net.Conn behave like the non-blocking, polled socket API spec.md
// §4.B describes (can_recv/can_send/recv_slice/send_slice): setting a
// past deadline immediately before the call makes Read/Write return
// os.ErrDeadlineExceeded instead of suspending, which this package
// treats as "nothing ready" rather than an error.
var pastDeadline = time.Unix(1, 0)

// OutboundFrame is an outer UDP payload bound for the peer, sent via
// the shared socket owned by the event loop.
type OutboundFrame struct {
	Remote *net.UDPAddr
	Data   []byte
}

// Session is component D. Exactly one goroutine (the owning Session
// Table / Event Loop) is expected to call OnUDP/OnWireGuardTick/
// OnStackTick/Close at a time, preserving spec.md §5's single-writer
// invariant for everything except the forwarder's own accept callback
// (see acceptTCP), which is why connMu exists.
type Session struct {
	Remote *net.UDPAddr

	upstreamAddr string
	sendOutbound func(OutboundFrame) error

	tunnel *noisetunnel.Tunnel
	device *vlink.Device

	ipstack *stack.Stack
	nicID   tcpip.NICID

	connMu     sync.Mutex
	conn       net.Conn // the single active inner TCP connection, nil if none
	bridgeSync *bridge.SyncSide
	splicerCh  chan struct{} // closed when the current splicer exits

	// pendingRecv holds a block already drained from conn by a prior
	// processBridge call that bridge.SyncSide.TrySend rejected with
	// ErrFull. It is retried before any further conn.Read, so bytes
	// pulled out of the kernel socket are never dropped while the
	// bridge is backed up (spec.md §4.B/§9).
	pendingRecv []byte

	lastActivity time.Time
	closed       bool
}

// Config bundles what the event loop must supply to create a Session.
type Config struct {
	Remote       *net.UDPAddr
	InnerAddr    tcpip.Address
	UpstreamAddr string
	Tunnel       *noisetunnel.Tunnel
	SendOutbound func(OutboundFrame) error
}

// New builds a Session with its own private gVisor network stack and
// NIC, not yet serving any inner TCP connection.
func New(cfg Config) (*Session, error) {
	device := vlink.New()

	ipstack := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, icmp.NewProtocol4},
	})

	const nicID = tcpip.NICID(1)
	if err := ipstack.CreateNIC(nicID, device.Endpoint()); err != nil {
		return nil, fmt.Errorf("session: create NIC: %v", err)
	}

	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: cfg.InnerAddr.WithPrefix(),
	}
	if err := ipstack.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("session: assign inner address: %v", err)
	}

	ipstack.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		NIC:         nicID,
	}})

	s := &Session{
		Remote:       cfg.Remote,
		upstreamAddr: cfg.UpstreamAddr,
		sendOutbound: cfg.SendOutbound,
		tunnel:       cfg.Tunnel,
		device:       device,
		ipstack:      ipstack,
		nicID:        nicID,
		lastActivity: time.Now(),
	}

	forwarder := tcp.NewForwarder(ipstack, 0, 1, s.acceptTCP)
	ipstack.SetTransportProtocolHandler(tcp.ProtocolNumber, forwarder.HandlePacket)

	return s, nil
}

// acceptTCP is gVisor's forwarder callback; it runs on a goroutine the
// stack itself spawns, not the event loop, so it only ever touches
// connMu-guarded fields. Per the resolved Open Question on multiple
// sockets (spec.md §9(i)), this core serves exactly one active inner
// connection at a time; a second concurrent attempt is rejected, as is
// any connection to a port other than innerListenPort.
func (s *Session) acceptTCP(r *tcp.ForwarderRequest) {
	if r.ID().LocalPort != innerListenPort {
		r.Complete(true)
		return
	}

	s.connMu.Lock()
	busy := s.conn != nil
	s.connMu.Unlock()
	if busy {
		r.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		r.Complete(true)
		return
	}
	r.Complete(false)

	conn := gonet.NewTCPConn(&wq, ep)

	syncSide, asyncSide := bridge.New()
	done := make(chan struct{})

	s.connMu.Lock()
	s.conn = conn
	s.bridgeSync = syncSide
	s.splicerCh = done
	s.pendingRecv = nil
	s.connMu.Unlock()

	go s.runSplicer(asyncSide, done)
}

// runSplicer dials the configured upstream and pumps bytes between it
// and the async side of the bridge (package splicer).
func (s *Session) runSplicer(async *bridge.AsyncSide, done chan struct{}) {
	defer close(done)
	defer s.clearConn()
	splicer.Splice(context.Background(), s.upstreamAddr, async)
}

func (s *Session) clearConn() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.bridgeSync = nil
	s.pendingRecv = nil
	s.connMu.Unlock()
}

// OnUDP decapsulates one outer datagram to quiescence, forwarding
// network outputs to the peer and tunnel outputs into the virtual
// link device, then drains the device's outbound queue.
func (s *Session) OnUDP(payload []byte) error {
	s.lastActivity = time.Now()

	if err := s.runToQuiescence(payload); err != nil {
		return err
	}
	return s.drainOutbound()
}

// OnWireGuardTick calls TickTimers once, handles its result, drains to
// quiescence with an empty payload, then flushes outbound.
func (s *Session) OnWireGuardTick() error {
	res := s.tunnel.TickTimers()
	if err := s.handleResult(res); err != nil {
		log.Printf("session %s: crypto tick fault: %v", s.Remote, err)
	}
	if err := s.runToQuiescence(nil); err != nil {
		return err
	}
	return s.drainOutbound()
}

// OnStackTick drains the outbound queue (in case the IP stack produced
// packets since the last tick) and services the sync side of the
// bridge against the active inner TCP connection, if any. Stack-poll
// panics are isolated to this session per spec.md §4.D.
func (s *Session) OnStackTick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session: stack tick panic: %v", r)
		}
	}()

	if err := s.drainOutbound(); err != nil {
		return err
	}
	s.processBridge()
	return nil
}

func (s *Session) runToQuiescence(payload []byte) error {
	res := s.tunnel.Decapsulate(payload)
	for {
		if err := s.handleResult(res); err != nil {
			log.Printf("session %s: crypto fault on datagram: %v", s.Remote, err)
		}
		if res.Kind == noisetunnel.ResultDone {
			return nil
		}
		res = s.tunnel.Decapsulate(nil)
		if res.Kind == noisetunnel.ResultDone {
			return nil
		}
	}
}

func (s *Session) handleResult(res noisetunnel.Result) error {
	switch res.Kind {
	case noisetunnel.ResultDone:
		return nil
	case noisetunnel.ResultErr:
		return res.Err
	case noisetunnel.ResultWriteToNetwork:
		if err := s.sendOutbound(OutboundFrame{Remote: s.Remote, Data: res.Network}); err != nil {
			log.Printf("session %s: outer UDP send failed: %v", s.Remote, err)
		}
		return nil
	case noisetunnel.ResultWriteToTunnelV4:
		s.device.AddReceived(res.Tunnel)
		return nil
	default:
		return fmt.Errorf("session: unrecognized result kind %v", res.Kind)
	}
}

// drainOutbound repeatedly pops from the device's to-send queue,
// encapsulates, and sends until the queue is empty (spec.md §4.D).
func (s *Session) drainOutbound() error {
	for {
		pkt, ok := s.device.TakeForSending()
		if !ok {
			return nil
		}
		res := s.tunnel.Encapsulate(pkt)
		if err := s.handleResult(res); err != nil {
			log.Printf("session %s: encapsulate fault: %v", s.Remote, err)
		}
	}
}

// processBridge is the sync-side bridge.process(tcp_socket) operation
// from spec.md §4.B, adapted to gonet's net.Conn: a past read/write
// deadline turns the otherwise-blocking calls into the non-blocking
// can_recv/can_send checks the cooperative model requires.
func (s *Session) processBridge() {
	s.connMu.Lock()
	conn := s.conn
	sync := s.bridgeSync
	s.connMu.Unlock()
	if conn == nil || sync == nil {
		return
	}

	s.drainRecvToBridge(conn, sync)
	s.forwardSendFromBridge(conn, sync)
}

// drainRecvToBridge moves receivable bytes from conn into the async
// side, one block at a time. It learns that the bridge is full only
// after a conn.Read, so at most one block is read beyond the bridge's
// capacity. spec.md §4.B/§9 are explicit that bytes
// already pulled out of the socket's receive queue must not be
// dropped when TrySend reports Full; since gonet's net.Conn has no
// peek/commit primitive to leave them in the kernel queue, a block
// that cannot be forwarded is staged in s.pendingRecv instead and
// retried here before any further conn.Read, so draining stays paused
// (true backpressure, no loss) until the async side catches up.
func (s *Session) drainRecvToBridge(conn net.Conn, sync *bridge.SyncSide) {
	if s.pendingRecv != nil {
		if err := sync.TrySend(s.pendingRecv); err != nil {
			if err == bridge.ErrClosed {
				conn.Close()
			}
			return
		}
		s.pendingRecv = nil
	}

	for {
		_ = conn.SetReadDeadline(pastDeadline)
		buf := make([]byte, bridge.MaxBlock)
		n, err := conn.Read(buf)
		if n > 0 {
			block := buf[:n]
			if sendErr := sync.TrySend(block); sendErr == bridge.ErrFull {
				s.pendingRecv = block
				return
			} else if sendErr == bridge.ErrClosed {
				conn.Close()
				return
			}
			continue
		}
		if err != nil {
			if isTimeout(err) {
				return
			}
			conn.Close()
			return
		}
		return
	}
}

// forwardSendFromBridge forwards one block from the async side if
// there is clearly room (spec.md's 16KiB send-space threshold is a
// smoltcp-specific detail; gonet's net.Conn has no equivalent
// introspection, so a single try-recv per tick stands in for it).
func (s *Session) forwardSendFromBridge(conn net.Conn, sync *bridge.SyncSide) {
	block, err := sync.TryRecv()
	switch err {
	case nil:
		_ = conn.SetWriteDeadline(time.Time{})
		if _, werr := conn.Write(block); werr != nil {
			conn.Close()
		}
	case bridge.ErrEmpty:
	case bridge.ErrClosed:
		conn.Close()
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// IdleFor reports how long the session has seen no UDP activity, for
// the event loop's eviction policy (spec.md §9, supplemented feature).
func (s *Session) IdleFor() time.Duration {
	return time.Since(s.lastActivity)
}

// Close tears down the session's private IP stack and inner
// connection. Safe to call once.
func (s *Session) Close() {
	s.connMu.Lock()
	already := s.closed
	s.closed = true
	s.connMu.Unlock()
	if already {
		return
	}
	s.clearConn()
	s.device.Close()
	s.ipstack.Close()
}
