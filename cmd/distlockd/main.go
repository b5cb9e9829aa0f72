package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pixperk/distlockd/pkg/gateway"
	"github.com/pixperk/distlockd/pkg/registry"
	"github.com/pixperk/distlockd/pkg/server"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "server" {
		fmt.Fprintln(os.Stderr, "usage: distlockd server [--host ADDR] [--port PORT] [--ttl DUR] [--sweep DUR] [--metrics-addr ADDR] [-v]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("server", flag.ExitOnError)
	var (
		host        = fs.String("host", "0.0.0.0", "Host to bind the server to")
		port        = fs.Int("port", 8888, "Port to listen on")
		ttl         = fs.Duration("ttl", registry.DefaultTTL, "Lock time-to-live before forced expiry")
		sweep       = fs.Duration("sweep", 0, "Sweep interval for expired locks (default ttl/2, min 1s)")
		metricsAddr = fs.String("metrics-addr", ":9100", "HTTP address for /metrics and /healthz (empty disables)")
		verbose     = fs.Bool("v", false, "Enable verbose logging")
	)
	fs.Parse(os.Args[2:])

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))

	reg := registry.New(*ttl)
	sweeper := registry.NewSweeper(reg, *sweep)
	srv := server.New(server.Config{
		Addr:    addr,
		Verbose: *verbose,
	}, reg)

	log.Printf("Starting distlockd...")
	log.Printf("  Listen: %s", addr)
	log.Printf("  TTL: %s", reg.TTL())
	log.Printf("  Sweep: %s", sweeper.Interval())
	if *metricsAddr != "" {
		log.Printf("  Metrics: %s", *metricsAddr)
	}

	sweeper.Start()

	if err := srv.Start(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
	log.Printf("distlockd listening on %s", srv.Addr())

	var gw *gateway.Server
	if *metricsAddr != "" {
		gw = gateway.NewServer(*metricsAddr, reg)
		go func() {
			if err := gw.Start(context.Background()); err != nil {
				log.Printf("[WARNING] metrics endpoint failed: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down gracefully...")

	srv.Stop()
	sweeper.Stop()
	if gw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Stop(ctx)
	}

	log.Println("Shutdown complete")
}
