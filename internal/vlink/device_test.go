package vlink

import (
	"testing"

	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

func TestTakeForSendingEmpty(t *testing.T) {
	d := New()
	defer d.Close()

	if _, ok := d.TakeForSending(); ok {
		t.Fatal("expected no packet queued for sending on a fresh device")
	}
}

func TestCapabilitiesTrustRXChecksum(t *testing.T) {
	d := New()
	defer d.Close()

	ep := d.Endpoint()
	if ep.MTU() > MaxMTU {
		t.Fatalf("MTU %d exceeds ceiling %d", ep.MTU(), MaxMTU)
	}
	if ep.Capabilities()&stack.CapabilityRXChecksumOffload == 0 {
		t.Fatal("device must declare RX checksum offload (RX checksums are trusted)")
	}
}

func TestAddReceivedDoesNotPanicOnEmptyPacket(t *testing.T) {
	d := New()
	defer d.Close()

	// The device is documented as infallible; even a garbage/empty
	// payload must not panic the caller (spec.md §4.A failure
	// semantics: none).
	d.AddReceived(nil)
}
