// Command backendd is a demo query-serving backend: it answers the frame
// protocol with an echo of the payload and registers itself in etcd so
// balancers can find it. Useful for exercising a balancer deployment
// end-to-end without a real query engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"query-balancer/agent"
	"query-balancer/membership"
	"query-balancer/transport"
)

func main() {
	listenAddr := flag.String("listen", ":7620", "address to serve the frame protocol on")
	advertise := flag.String("advertise", "", "host:port registered in etcd (defaults to the listen address)")
	endpoints := flag.String("etcd", "localhost:2379", "comma-separated etcd endpoints")
	path := flag.String("path", "/query-balancer/backends", "registration root path")
	weight := flag.Int("weight", 1, "relative capacity for weighted selection")
	ttl := flag.Duration("ttl", 10*time.Second, "registration lease TTL")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *listenAddr, *advertise, *endpoints, *path, *weight, *ttl); err != nil {
		logger.Fatal("backend exited", zap.Error(err))
	}
}

func run(logger *zap.Logger, listenAddr, advertise, endpoints, path string, weight int, ttl time.Duration) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	if advertise == "" {
		advertise = ln.Addr().String()
	}
	rec, err := parseAddr(advertise)
	if err != nil {
		return err
	}
	rec.Weight = weight

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ag, err := agent.New(agent.Config{
		Endpoints: strings.Split(endpoints, ","),
		Path:      path,
		TTL:       ttl,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := ag.Register(ctx, rec); err != nil {
		return err
	}
	defer func() {
		deregCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		ag.Deregister(deregCtx)
	}()

	logger.Info("backend serving", zap.String("addr", advertise))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.Serve(ctx, ln, echo, logger)
	})
	return g.Wait()
}

// echo answers every call with its own payload.
func echo(_ context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

func parseAddr(addr string) (membership.BackendRecord, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return membership.BackendRecord{}, fmt.Errorf("invalid advertise address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return membership.BackendRecord{}, fmt.Errorf("invalid advertise port %q", portStr)
	}
	return membership.BackendRecord{Host: host, Port: port}, nil
}
