// Package redislock serializes per-medication work across replicas with the
// Redlock algorithm from go-redsync/redsync.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"go.uber.org/zap"
)

// Config holds lock settings
type Config struct {
	// Prefix namespaces lock keys
	Prefix string
	// Expiry is the lock TTL; held locks are extended at a third of it
	Expiry time.Duration
	// Tries bounds acquisition attempts; the context usually ends first
	Tries      int
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Prefix:     "adherence:lock",
		Expiry:     30 * time.Second,
		Tries:      200,
		RetryDelay: 50 * time.Millisecond,
	}
}

// Locker implements reconcile.Locker on Redis.
type Locker struct {
	rs     *redsync.Redsync
	cfg    Config
	logger *zap.Logger
}

func New(rdb *redis.Client, cfg Config, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.Tries <= 0 {
		cfg.Tries = def.Tries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &Locker{
		rs:     redsync.New(goredis.NewPool(rdb)),
		cfg:    cfg,
		logger: logger,
	}
}

// Lock blocks until the lock for key is held or ctx ends.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	name := fmt.Sprintf("%s:%s", l.cfg.Prefix, key)
	m := l.rs.NewMutex(name,
		redsync.WithExpiry(l.cfg.Expiry),
		redsync.WithTries(l.cfg.Tries),
		redsync.WithRetryDelay(l.cfg.RetryDelay),
	)
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.extend(m, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if ok, err := m.UnlockContext(uctx); err != nil || !ok {
				l.logger.Warn("lock release failed", zap.String("lock", name), zap.Error(err))
			}
		})
	}, nil
}

func (l *Locker) extend(m *redsync.Mutex, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := l.cfg.Expiry / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := m.ExtendContext(ctx)
			cancel()
			if err != nil || !ok {
				l.logger.Error("lock lost", zap.String("lock", m.Name()), zap.Error(err))
				return
			}
		}
	}
}
