// Command balancer routes opaque query calls to a fleet of stateless
// query-serving backends discovered through etcd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"query-balancer/config"
	"query-balancer/dispatcher"
	"query-balancer/health"
	"query-balancer/membership"
	"query-balancer/metrics"
	"query-balancer/registry"
	"query-balancer/selector"
	"query-balancer/transport"
)

func main() {
	configPath := flag.String("config", "balancer.yaml", "path to the configuration file")
	devLog := flag.Bool("dev", false, "human-readable log output")
	flag.Parse()

	logger, err := buildLogger(*devLog)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *configPath); err != nil {
		logger.Fatal("balancer exited", zap.Error(err))
	}
}

func run(logger *zap.Logger, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	reg := registry.New()
	tracker := health.NewTracker(reg, cfg.Balancer.FailureThreshold, logger)
	tracker.SetEligibleGauge(m.EligibleBackends)
	reg.Subscribe(func(snap *registry.Snapshot) {
		m.MembershipVersion.Set(float64(snap.Version()))
		tracker.OnMembershipChange(snap)
	})

	store := membership.NewEtcdStore(membership.EtcdStoreConfig{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout(),
		BackoffMin:  cfg.Etcd.BackoffMin(),
		BackoffMax:  cfg.Etcd.BackoffMax(),
		Logger:      logger,
	}, reg)
	if err := store.Start(ctx, cfg.Etcd.Path); err != nil {
		return err
	}
	defer store.Stop()

	sel, err := selector.New(selector.Policy(cfg.Balancer.Policy))
	if err != nil {
		return err
	}

	fwd := transport.NewTCPForwarder(
		cfg.Transport.MaxConnsPerBackend,
		cfg.Transport.DialTimeout(),
		logger,
	)
	defer fwd.Close()

	disp := dispatcher.New(tracker, sel, fwd, dispatcher.Config{
		MaxRetries: cfg.Balancer.MaxRetries,
	}, logger)
	disp.SetMetrics(m)
	disp.Use(dispatcher.LoggingMiddleware(logger))
	if cfg.Balancer.RateLimit > 0 {
		disp.Use(dispatcher.RateLimitMiddleware(cfg.Balancer.RateLimit, cfg.Balancer.RateBurst))
	}
	disp.Use(dispatcher.TimeoutMiddleware(cfg.Balancer.CallTimeout()))

	ln, err := net.Listen("tcp", cfg.Balancer.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Balancer.ListenAddr, err)
	}
	logger.Info("balancer listening",
		zap.String("addr", cfg.Balancer.ListenAddr),
		zap.String("policy", cfg.Balancer.Policy))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return transport.Serve(ctx, ln, func(ctx context.Context, payload []byte) ([]byte, error) {
			res, err := disp.Handle(ctx, &dispatcher.Call{Payload: payload})
			if err != nil {
				// Map "no capacity" onto the retryable wire status so
				// callers can tell it apart from a rejection.
				if errors.Is(err, dispatcher.ErrServiceUnavailable) ||
					errors.Is(err, dispatcher.ErrRateLimited) {
					return nil, fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
				}
				return nil, err
			}
			return res.Payload, nil
		}, logger)
	})

	if cfg.Metrics.ListenAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.ListenAddr, promReg, logger)
		})
	}

	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
