package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshbridge/broker/internal/bridge"
	"github.com/meshbridge/broker/internal/config"
	"github.com/meshbridge/broker/internal/mesh"
	"github.com/meshbridge/broker/internal/server"
	"github.com/meshbridge/broker/internal/stats"
)

func main() {
	configPath := flag.String("config", "broker.yaml", "Path to config file")
	host := flag.String("host", "", "Mesh node address (overrides config/env)")
	bind := flag.String("bind", "", "Local bind address for the broker")
	port := flag.Int("port", 0, "Broker TCP port")
	httpPort := flag.Int("http-port", -1, "HTTP sidecar port (0 disables)")
	verbose := flag.Bool("verbose", false, "Log a summary of every received packet")
	flag.Parse()

	// An explicitly passed -config must exist; the default path may not.
	configRequired := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configRequired = true
		}
	})

	cfg, err := config.Load(*configPath, configRequired)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *host != "" {
		cfg.Upstream.Host = *host
	}
	if *bind != "" {
		cfg.Server.Bind = *bind
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *httpPort >= 0 {
		cfg.Server.HTTPPort = *httpPort
	}
	if *verbose {
		cfg.Verbose = true
	}

	registry := prometheus.NewRegistry()
	agg := stats.New(registry)
	broadcaster := server.NewBroadcaster()

	srv, err := server.Listen(cfg.Server.Bind, cfg.Server.Port, broadcaster)
	if err != nil {
		log.Fatalf("Failed to listen on %s:%d: %v", cfg.Server.Bind, cfg.Server.Port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Serve(ctx)

	if cfg.Server.HTTPPort > 0 {
		httpSrv := server.NewHTTP(broadcaster, agg, registry)
		go func() {
			if err := httpSrv.ListenAndServe(ctx, cfg.Server.Bind, cfg.Server.HTTPPort); err != nil {
				log.Printf("HTTP sidecar error: %v", err)
			}
		}()
	}

	br := bridge.New(cfg.Upstream.Host, mesh.Dial, broadcaster, agg, cfg.Timing, cfg.Verbose)
	go br.Run(ctx)

	log.Printf("Broker listening on %s, upstream %s (verbose=%v)", srv.Addr(), cfg.Upstream.Host, cfg.Verbose)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	srv.Close()
}
