// Command wgproxy terminates a Noise-based tunnel over UDP and splices
// each inner TCP connection a peer opens to a fixed upstream address.
//
// Grounded on httptap.go's main/Main split: main stays a thin wrapper
// around an error-returning Main so startup faults go through one
// log.Fatal rather than being scattered across the package.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/weber-software/wireguard-reverse-proxy/internal/config"
	"github.com/weber-software/wireguard-reverse-proxy/internal/gateway"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
	if err := Main(); err != nil {
		log.Fatal(err)
	}
}

func Main() error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		Listen:       cfg.Listen,
		PrivateKey:   cfg.PrivateKey,
		InnerAddress: cfg.InnerAddress,
		UpstreamAddr: cfg.UpstreamAddr,
	})
	if err != nil {
		return err
	}

	log.Printf("wgproxy: listening on %s, inner address %s, upstream %s", cfg.Listen, cfg.InnerAddress, cfg.UpstreamAddr)

	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("wgproxy: shutting down")
		close(stop)
	}()

	return gw.Run(stop)
}
