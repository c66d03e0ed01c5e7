// Package config parses the process's startup configuration: the
// external collaborator the core treats as out of scope (spec.md §1,
// §6 CLI surface).
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/netip"

	"github.com/alexflint/go-arg"
)

// Args is the command-line/environment surface for the gateway binary,
// parsed with go-arg in the same single-struct style the teacher uses
// for its own CLI (see httptap.go's `args` struct).
type Args struct {
	Listen       string `arg:"--listen,env:WGPROXY_LISTEN" default:"0.0.0.0:51821" help:"UDP address to bind the outer tunnel socket on"`
	PrivateKey   string `arg:"--private-key,env:WGPROXY_PRIVATE_KEY,required" help:"base64-encoded 32-byte server static private key"`
	InnerAddress string `arg:"--inner-address,env:WGPROXY_INNER_ADDRESS" default:"192.168.222.11" help:"IPv4 address the embedded IP stack answers to inside the tunnel"`
	Upstream     string `arg:"--upstream,env:WGPROXY_UPSTREAM" default:"127.0.0.1:80" help:"TCP address dialed for every spliced inner connection"`
	Verbose      bool   `arg:"--verbose" help:"accepted but ignored: no per-packet detail is logged"`
}

// Config is the validated, ready-to-use form of Args.
type Config struct {
	Listen       *net.UDPAddr
	PrivateKey   [32]byte
	InnerAddress netip.Addr
	UpstreamAddr string
	Verbose      bool
}

// Parse reads Args from the command line and environment and validates
// them into a Config. Any failure here is a configuration fault and is
// fatal at startup (spec.md §7).
func Parse() (*Config, error) {
	var args Args
	arg.MustParse(&args)
	return FromArgs(&args)
}

// FromArgs validates an already-populated Args into a Config. Split out
// from Parse so tests can exercise validation without touching the
// process's real argv/environ.
func FromArgs(args *Args) (*Config, error) {
	listen, err := net.ResolveUDPAddr("udp", args.Listen)
	if err != nil {
		return nil, fmt.Errorf("config: invalid --listen address %q: %w", args.Listen, err)
	}

	keyBytes, err := base64.StdEncoding.DecodeString(args.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("config: invalid --private-key encoding: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("config: --private-key must decode to 32 bytes, got %d", len(keyBytes))
	}
	var priv [32]byte
	copy(priv[:], keyBytes)

	inner, err := netip.ParseAddr(args.InnerAddress)
	if err != nil {
		return nil, fmt.Errorf("config: invalid --inner-address %q: %w", args.InnerAddress, err)
	}
	if !inner.Is4() {
		return nil, fmt.Errorf("config: --inner-address must be IPv4, got %q", args.InnerAddress)
	}

	if _, _, err := net.SplitHostPort(args.Upstream); err != nil {
		return nil, fmt.Errorf("config: invalid --upstream address %q: %w", args.Upstream, err)
	}

	return &Config{
		Listen:       listen,
		PrivateKey:   priv,
		InnerAddress: inner,
		UpstreamAddr: args.Upstream,
		Verbose:      args.Verbose,
	}, nil
}
