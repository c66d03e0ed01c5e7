// Package vlink implements the Virtual Link Device: a FIFO packet
// buffer exposing the contract a user-space IP stack expects (receive
// tokens, transmit tokens, link capabilities), with no backing kernel
// tun/tap device.
//
// It is a thin wrapper around gVisor's channel-backed link endpoint,
// which is already, almost to the line, the device this package
// describes: synchronous inbound delivery, a bounded outbound queue, and
// declared capabilities. The same adaptation appears in
// tailscale.com/wgengine/netstack's linkEndpoint, whose own doc comment
// says it is "loosely modeled after gvisor.dev/pkg/tcpip/link/channel.Endpoint" -
// here we use gVisor's channel.Endpoint directly rather than
// re-implementing it, since the contract is identical.
package vlink

import (
	"context"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// MaxMTU is the MTU ceiling this device ever reports: chosen to leave
// headroom for tunnel overhead inside a typical 1500-byte outer MTU.
const MaxMTU = 1400

// QueueDepth is the capacity of the channel endpoint's outbound queue
// (packets the IP stack wrote, awaiting TakeForSending). When that queue
// is full, further packets the stack writes are dropped by the endpoint.
// Inbound packets are not queued: InjectInbound hands each one to the
// stack synchronously.
const QueueDepth = 256

// Device is the Virtual Link Device (component A). Its zero value is
// not usable; construct with New.
type Device struct {
	ep *channel.Endpoint
}

// New creates a Device with no backing link address (the inner network
// is a point-to-point tunnel; there is no Ethernet layer to address).
func New() *Device {
	ep := channel.New(QueueDepth, MaxMTU, "")
	// RX checksums are trusted: the tunnel already authenticated the
	// datagram before its payload reached the device.
	ep.LinkEPCapabilities |= stack.CapabilityRXChecksumOffload
	return &Device{ep: ep}
}

// Endpoint returns the gVisor stack.LinkEndpoint to register with a NIC.
func (d *Device) Endpoint() stack.LinkEndpoint {
	return d.ep
}

// AddReceived passes a copy of an inbound inner IPv4 packet to the IP
// stack. The packet is handed to the stack's
// dispatcher synchronously, in call order; nothing is queued here.
func (d *Device) AddReceived(packet []byte) {
	cp := make([]byte, len(packet))
	copy(cp, packet)

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(cp),
	})
	defer pkt.DecRef()

	d.ep.InjectInbound(header.IPv4ProtocolNumber, pkt)
}

// TakeForSending dequeues the next outbound inner packet produced by
// the IP stack, if any. It never blocks.
func (d *Device) TakeForSending() ([]byte, bool) {
	pkt := d.ep.Read()
	if pkt == nil {
		return nil, false
	}
	defer pkt.DecRef()

	view := pkt.ToBuffer()
	return view.Flatten(), true
}

// TakeForSendingContext is the blocking variant of TakeForSending,
// used by a caller willing to suspend until a packet is available or
// ctx is done (the event loop itself never calls this - spec.md §5
// requires stack polling to be synchronous - but a test harness may).
func (d *Device) TakeForSendingContext(ctx context.Context) ([]byte, bool) {
	pkt := d.ep.ReadContext(ctx)
	if pkt == nil {
		return nil, false
	}
	defer pkt.DecRef()

	view := pkt.ToBuffer()
	return view.Flatten(), true
}

// NumQueuedForSending reports how many outbound packets are currently
// buffered, for diagnostics and tests.
func (d *Device) NumQueuedForSending() int {
	return d.ep.NumQueued()
}

// Close releases the endpoint's internal queues.
func (d *Device) Close() {
	d.ep.Close()
}
