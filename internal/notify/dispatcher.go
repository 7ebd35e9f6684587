package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Publisher sends a message to a topic.
type Publisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// DueSource yields reminders whose firing time has come.
type DueSource interface {
	ClaimDue(ctx context.Context, now time.Time, limit int64) ([]Reminder, error)
}

// DispatcherConfig holds dispatcher settings
type DispatcherConfig struct {
	Topic        string
	PollInterval time.Duration
	BatchSize    int64
	// RatePerSecond caps publishes to the push provider; 0 disables the cap.
	RatePerSecond float64
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig(topic string) DispatcherConfig {
	return DispatcherConfig{
		Topic:         topic,
		PollInterval:  time.Second,
		BatchSize:     500,
		RatePerSecond: 200,
	}
}

// Dispatcher moves due reminders from the scheduler to the push delivery topic.
type Dispatcher struct {
	source    DueSource
	publisher Publisher
	cfg       DispatcherConfig
	limiter   *rate.Limiter
	logger    *zap.Logger
	now       func() time.Time
	onPublish func(Reminder)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. onPublish, when set, observes every
// published reminder.
func NewDispatcher(source DueSource, publisher Publisher, cfg DispatcherConfig, logger *zap.Logger, onPublish func(Reminder)) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	limit := rate.Inf
	burst := int(cfg.BatchSize)
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		source:    source,
		publisher: publisher,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
		now:       time.Now,
		onPublish: onPublish,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithClock replaces the dispatcher clock.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Start begins polling in the background
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
	d.logger.Info("reminder dispatcher started",
		zap.String("topic", d.cfg.Topic),
		zap.Duration("poll_interval", d.cfg.PollInterval))
}

// Stop stops polling and waits for the loop to exit
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info("reminder dispatcher stopped")
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(d.ctx); err != nil && d.ctx.Err() == nil {
				d.logger.Error("dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce claims one batch of due reminders and publishes them. It
// returns the number published.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	due, err := d.source.ClaimDue(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, r := range due {
		if err := d.limiter.Wait(ctx); err != nil {
			return published, err
		}
		value, err := json.Marshal(r)
		if err != nil {
			d.logger.Error("failed to encode reminder", zap.String("handle", string(r.Handle)), zap.Error(err))
			continue
		}
		if err := d.publisher.ProduceMessage(ctx, d.cfg.Topic, r.Payload.MedicationID, value); err != nil {
			// Claimed reminders are not re-queued.
			d.logger.Error("failed to publish reminder",
				zap.String("handle", string(r.Handle)),
				zap.String("occurrence_key", r.OccurrenceKey),
				zap.Error(err))
			continue
		}
		published++
		if d.onPublish != nil {
			d.onPublish(r)
		}
	}
	if published > 0 {
		d.logger.Debug("reminders dispatched", zap.Int("count", published))
	}
	return published, nil
}
