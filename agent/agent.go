// Package agent registers a backend's ephemeral presence in etcd and keeps
// it alive for as long as the process lives. It runs inside the backend (or
// a sidecar next to it); the balancer never calls it — it only consumes the
// node changes the agent produces.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"query-balancer/membership"
)

// Config tunes the registration agent.
type Config struct {
	Endpoints   []string
	Path        string        // registration root, same value the balancer watches
	TTL         time.Duration // lease TTL; the keepalive stream renews well within it
	DialTimeout time.Duration
	Logger      *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = 10 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Agent owns one backend's registration node. Register/Renew/Deregister
// map onto etcd lease grant, keepalive, and revoke.
type Agent struct {
	cfg    Config
	client *clientv3.Client
	logger *zap.Logger

	mu      sync.Mutex
	record  membership.BackendRecord
	leaseID clientv3.LeaseID

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New connects the agent to etcd. The registration itself happens in
// Register.
func New(cfg Config) (*Agent, error) {
	cfg.applyDefaults()
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return &Agent{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.Named("agent"),
		stopCh: make(chan struct{}),
	}, nil
}

// Register creates the ephemeral node for rec and starts the keepalive
// loop. If the keepalive stream dies (session expiry, etcd restart) the
// agent re-registers under a fresh lease on its own.
func (a *Agent) Register(ctx context.Context, rec membership.BackendRecord) error {
	rec.RegisteredAt = time.Now().UTC()

	a.mu.Lock()
	a.record = rec
	a.mu.Unlock()

	if err := a.register(ctx); err != nil {
		return err
	}

	a.wg.Add(1)
	go a.keepAlive()
	return nil
}

// Renew sends a single out-of-band lease renewal. The background keepalive
// stream normally makes this unnecessary; it exists for sidecars that drive
// renewal on their own schedule.
func (a *Agent) Renew(ctx context.Context) error {
	a.mu.Lock()
	leaseID := a.leaseID
	a.mu.Unlock()
	if leaseID == clientv3.NoLease {
		return fmt.Errorf("not registered")
	}
	_, err := a.client.KeepAliveOnce(ctx, leaseID)
	return err
}

// Deregister removes the node, revokes the lease, and closes the client.
// Idempotent.
func (a *Agent) Deregister(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.wg.Wait()

		a.mu.Lock()
		rec := a.record
		leaseID := a.leaseID
		a.mu.Unlock()

		if _, derr := a.client.Delete(ctx, a.key(rec)); derr != nil {
			err = fmt.Errorf("delete registration node: %w", derr)
		}
		if leaseID != clientv3.NoLease {
			if _, rerr := a.client.Revoke(ctx, leaseID); rerr != nil {
				a.logger.Warn("lease revoke failed", zap.Error(rerr))
			}
		}
		a.logger.Info("deregistered", zap.String("backend", rec.Addr()))
		if cerr := a.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (a *Agent) register(ctx context.Context) error {
	a.mu.Lock()
	rec := a.record
	a.mu.Unlock()

	lease, err := a.client.Grant(ctx, int64(a.cfg.TTL.Seconds()))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	rec.LeaseID = int64(lease.ID)
	value, err := membership.EncodeRecord(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if _, err := a.client.Put(ctx, a.key(rec), string(value), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("put registration node: %w", err)
	}

	a.mu.Lock()
	a.leaseID = lease.ID
	a.mu.Unlock()

	a.logger.Info("registered",
		zap.String("backend", rec.Addr()),
		zap.Int64("lease", int64(lease.ID)))
	return nil
}

// keepAlive consumes the lease renewal stream. A closed stream means the
// session is gone and the ephemeral node may already have expired, so the
// agent registers again from scratch rather than trusting the old lease.
func (a *Agent) keepAlive() {
	defer a.wg.Done()

	for {
		a.mu.Lock()
		leaseID := a.leaseID
		a.mu.Unlock()

		ch, err := a.client.KeepAlive(context.Background(), leaseID)
		if err != nil {
			a.logger.Warn("keepalive start failed", zap.Error(err))
			if !a.reRegister() {
				return
			}
			continue
		}

	consume:
		for {
			select {
			case <-a.stopCh:
				return
			case _, ok := <-ch:
				if !ok {
					a.logger.Warn("keepalive stream closed, re-registering")
					break consume
				}
			}
		}

		if !a.reRegister() {
			return
		}
	}
}

// reRegister retries registration until it succeeds or the agent stops.
func (a *Agent) reRegister() bool {
	delay := time.Second
	for {
		select {
		case <-a.stopCh:
			return false
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DialTimeout)
		err := a.register(ctx)
		cancel()
		if err == nil {
			return true
		}
		a.logger.Warn("re-registration failed", zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case <-a.stopCh:
			return false
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (a *Agent) key(rec membership.BackendRecord) string {
	return strings.TrimSuffix(a.cfg.Path, "/") + "/" + rec.Addr()
}
