package membership

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdStoreConfig configures the connection and recovery behaviour of the
// etcd-backed membership store.
type EtcdStoreConfig struct {
	Endpoints   []string
	DialTimeout time.Duration // bounded connect timeout for session establishment
	BackoffMin  time.Duration // first reconnect delay after session loss
	BackoffMax  time.Duration // hard ceiling on the reconnect delay
	Logger      *zap.Logger
}

func (c *EtcdStoreConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 200 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// EtcdStore implements Store on top of etcd v3.
//
// Recovery model: watches are not guaranteed to survive a session expiry, so
// when the watch stream breaks the store does NOT assume membership is
// unchanged. It marks itself stale, reconnects with jittered exponential
// backoff, and performs a full reconciliation read — diffing the fetched set
// against the last known one and emitting only the adds and removes that
// actually happened. Buffered watch events from the dead stream are never
// trusted.
type EtcdStore struct {
	cfg     EtcdStoreConfig
	handler Handler
	logger  *zap.Logger

	client *clientv3.Client
	prefix string

	// known mirrors what has been delivered to the handler. It is owned by
	// the watch goroutine after Start returns; Start populates it before the
	// goroutine exists, so no lock is needed.
	known map[BackendID]BackendRecord

	stale   atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
	mu      sync.Mutex // guards Start/Stop transitions
}

// NewEtcdStore creates a store that will deliver membership changes to h.
func NewEtcdStore(cfg EtcdStoreConfig, h Handler) *EtcdStore {
	cfg.applyDefaults()
	return &EtcdStore{
		cfg:     cfg,
		handler: h,
		logger:  cfg.Logger.Named("membership"),
		known:   make(map[BackendID]BackendRecord),
	}
}

// Stale reports whether the store has lost its session and is still waiting
// for a successful reconciliation. While stale, the last delivered view may
// lag the coordination service.
func (s *EtcdStore) Stale() bool {
	return s.stale.Load()
}

// Start connects to etcd, delivers the initial membership as a sequence of
// adds, and begins watching for changes in a background goroutine.
func (s *EtcdStore) Start(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return fmt.Errorf("membership store already started")
	}

	s.prefix = strings.TrimSuffix(path, "/") + "/"

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   s.cfg.Endpoints,
		DialTimeout: s.cfg.DialTimeout,
		Logger:      s.logger,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCoordinationUnavailable, err)
	}

	// The initial read doubles as the reachability check: etcd clients
	// connect lazily, so a Get is what actually exercises the session.
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	resp, err := client.Get(readCtx, s.prefix, clientv3.WithPrefix())
	cancel()
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: initial read of %s failed: %v", ErrCoordinationUnavailable, s.prefix, err)
	}

	for _, kv := range resp.Kvs {
		id, ok := idFromKey(s.prefix, string(kv.Key))
		if !ok {
			continue
		}
		rec, err := DecodeRecord(kv.Value)
		if err != nil {
			s.logger.Warn("skipping malformed registration node",
				zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		s.known[id] = rec
		s.handler.OnBackendAdded(rec)
	}

	s.client = client
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.wg.Add(1)
	go s.watchLoop(resp.Header.Revision)

	s.logger.Info("membership store started",
		zap.String("path", s.prefix),
		zap.Int("backends", len(resp.Kvs)))
	return nil
}

// Stop releases the session and watches. Idempotent.
func (s *EtcdStore) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	client := s.client
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if client != nil {
		return client.Close()
	}
	return nil
}

// watchLoop is the single delivery goroutine: every handler notification
// after Start originates here, so handler calls never interleave and the
// registry sees a strictly ordered event stream.
func (s *EtcdStore) watchLoop(rev int64) {
	defer s.wg.Done()

	for {
		wch := s.client.Watch(s.ctx, s.prefix,
			clientv3.WithPrefix(), clientv3.WithRev(rev+1))

		healthy := true
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				s.logger.Warn("watch stream error", zap.Error(err))
				healthy = false
				break
			}
			for _, ev := range wresp.Events {
				s.applyEvent(ev)
			}
			rev = wresp.Header.Revision
		}
		if s.ctx.Err() != nil {
			return
		}

		// The stream broke or was cancelled by the server: the session may
		// have expired and events may have been lost. Re-read everything.
		if !healthy {
			s.logger.Warn("watch interrupted, membership view is stale")
		}
		s.stale.Store(true)
		newRev, ok := s.reconcile()
		if !ok {
			return // stopped while reconnecting
		}
		rev = newRev
		s.stale.Store(false)
	}
}

func (s *EtcdStore) applyEvent(ev *clientv3.Event) {
	id, ok := idFromKey(s.prefix, string(ev.Kv.Key))
	if !ok {
		return
	}
	switch ev.Type {
	case clientv3.EventTypePut:
		rec, err := DecodeRecord(ev.Kv.Value)
		if err != nil {
			s.logger.Warn("skipping malformed registration node",
				zap.String("key", string(ev.Kv.Key)), zap.Error(err))
			return
		}
		s.known[id] = rec
		s.handler.OnBackendAdded(rec)
	case clientv3.EventTypeDelete:
		delete(s.known, id)
		s.handler.OnBackendRemoved(id)
	}
}

// reconcile re-reads the full registration path with jittered exponential
// backoff and emits the difference against the last known view. Returns the
// revision to resume watching from, or ok=false if the store was stopped.
func (s *EtcdStore) reconcile() (rev int64, ok bool) {
	delay := s.cfg.BackoffMin
	for {
		readCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		resp, err := s.client.Get(readCtx, s.prefix, clientv3.WithPrefix())
		cancel()
		if err == nil {
			fetched := make(map[BackendID]BackendRecord, len(resp.Kvs))
			for _, kv := range resp.Kvs {
				id, keyOK := idFromKey(s.prefix, string(kv.Key))
				if !keyOK {
					continue
				}
				rec, decErr := DecodeRecord(kv.Value)
				if decErr != nil {
					continue
				}
				fetched[id] = rec
			}
			adds, removes := diff(s.known, fetched)
			for _, id := range removes {
				s.handler.OnBackendRemoved(id)
			}
			for _, rec := range adds {
				s.handler.OnBackendAdded(rec)
			}
			s.known = fetched
			s.logger.Info("membership reconciled",
				zap.Int("backends", len(fetched)),
				zap.Int("added", len(adds)),
				zap.Int("removed", len(removes)))
			return resp.Header.Revision, true
		}

		if s.ctx.Err() != nil {
			return 0, false
		}
		s.logger.Warn("reconciliation read failed, backing off",
			zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-s.ctx.Done():
			return 0, false
		case <-time.After(jittered(delay)):
		}
		delay *= 2
		if delay > s.cfg.BackoffMax {
			delay = s.cfg.BackoffMax
		}
	}
}

// diff computes the adds and removes that turn old into fetched. A record
// that changed in place (new load or weight) counts as an add — the registry
// overwrites by id.
func diff(old, fetched map[BackendID]BackendRecord) (adds []BackendRecord, removes []BackendID) {
	for id, rec := range fetched {
		prev, exists := old[id]
		if !exists || !equalRecords(prev, rec) {
			adds = append(adds, rec)
		}
	}
	for id := range old {
		if _, exists := fetched[id]; !exists {
			removes = append(removes, id)
		}
	}
	return adds, removes
}

// jittered spreads reconnect attempts over [d/2, d) so that many balancers
// recovering from the same outage don't stampede the coordination service.
func jittered(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
