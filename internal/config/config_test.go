package config

import "testing"

func validArgs() *Args {
	return &Args{
		Listen:       "0.0.0.0:51821",
		PrivateKey:   "sNLSbiLbh1NzkGeoQmeVxy3YJHMlJ+6WdkggInPgN0k=",
		InnerAddress: "192.168.222.11",
		Upstream:     "127.0.0.1:80",
	}
}

func TestFromArgsAcceptsWellFormedInput(t *testing.T) {
	cfg, err := FromArgs(validArgs())
	if err != nil {
		t.Fatalf("FromArgs: %v", err)
	}
	if !cfg.InnerAddress.Is4() {
		t.Fatal("expected an IPv4 inner address")
	}
	if cfg.UpstreamAddr != "127.0.0.1:80" {
		t.Fatalf("unexpected upstream %q", cfg.UpstreamAddr)
	}
}

func TestFromArgsRejectsShortPrivateKey(t *testing.T) {
	args := validArgs()
	args.PrivateKey = "dG9vc2hvcnQ=" // decodes to far fewer than 32 bytes
	if _, err := FromArgs(args); err == nil {
		t.Fatal("expected an error for a private key that does not decode to 32 bytes")
	}
}

func TestFromArgsRejectsMalformedListenAddress(t *testing.T) {
	args := validArgs()
	args.Listen = "not-an-address"
	if _, err := FromArgs(args); err == nil {
		t.Fatal("expected an error for a malformed --listen address")
	}
}

func TestFromArgsRejectsIPv6InnerAddress(t *testing.T) {
	args := validArgs()
	args.InnerAddress = "2001:db8::1"
	if _, err := FromArgs(args); err == nil {
		t.Fatal("expected an error for an IPv6 --inner-address (spec.md §9: inner IPv6 is not implemented)")
	}
}

func TestFromArgsRejectsUpstreamWithoutPort(t *testing.T) {
	args := validArgs()
	args.Upstream = "127.0.0.1"
	if _, err := FromArgs(args); err == nil {
		t.Fatal("expected an error for an --upstream address missing a port")
	}
}
