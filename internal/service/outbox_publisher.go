package service

import (
	"context"
	"sync"
	"time"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/core/ports"

	"github.com/rs/zerolog"
)

// cleanupMinInterval bounds how often the publisher sweeps published
// entries regardless of tick rate.
const cleanupMinInterval = time.Hour

// OutboxPublisher is the long-lived background worker that drains pending
// outbox entries to the event bus. One publisher runs per process; the
// store's atomic claim makes accidental multi-publisher deployments safe.
// Delivery is at-least-once: consumers de-duplicate by event id.
type OutboxPublisher struct {
	store ports.OutboxStore
	bus   ports.EventPublisher
	cfg   config.OutboxConfig
	log   zerolog.Logger

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastCleanup time.Time
}

// NewOutboxPublisher creates a stopped publisher.
func NewOutboxPublisher(store ports.OutboxStore, bus ports.EventPublisher, cfg config.OutboxConfig, log zerolog.Logger) *OutboxPublisher {
	return &OutboxPublisher{
		store: store,
		bus:   bus,
		cfg:   cfg,
		log:   log,
	}
}

// Start launches the poll loop. Calling Start on a running publisher is a
// no-op.
func (p *OutboxPublisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true
	p.wg.Add(1)
	go p.loop(ctx)
	p.log.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Int("batch_size", p.cfg.BatchSize).
		Msg("outbox publisher started")
}

// Stop cancels the loop and waits for the in-flight tick to complete.
// Calling Stop on a stopped publisher is a no-op.
func (p *OutboxPublisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Msg("outbox publisher stopped")
}

func (p *OutboxPublisher) loop(ctx context.Context) {
	defer p.wg.Done()
	p.recoverClaims(ctx)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// recoverClaims returns entries stuck in PROCESSING to the queue. A claim
// only survives a tick when the previous process died between claiming and
// publishing, so on startup every leftover claim is stale.
func (p *OutboxPublisher) recoverClaims(ctx context.Context) {
	reset, err := p.store.RequeueProcessing(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("outbox: requeue stale claims")
		return
	}
	if reset > 0 {
		p.log.Warn().Int64("count", reset).Msg("outbox: requeued entries from a previous run")
	}
}

// tick drains one batch of due entries and runs the cleanup sweep when its
// interval has elapsed.
func (p *OutboxPublisher) tick(ctx context.Context) {
	entries, err := p.store.GetPending(ctx, p.cfg.BatchSize)
	if err != nil {
		p.log.Error().Err(err).Msg("outbox: fetch pending entries")
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}

		claimed, err := p.store.MarkProcessing(ctx, entry.ID)
		if err != nil {
			p.log.Error().Err(err).Str("entry_id", entry.ID).Msg("outbox: claim entry")
			continue
		}
		if !claimed {
			// Another publisher instance got there first.
			continue
		}

		event, err := entry.Event()
		if err != nil {
			// Undeliverable payload; park it permanently.
			p.log.Error().Err(err).Str("entry_id", entry.ID).Msg("outbox: corrupt payload")
			_ = p.store.MarkFailed(ctx, entry.ID, err.Error(), nil)
			continue
		}

		if err := p.bus.Publish(ctx, event); err != nil {
			p.markRetry(ctx, entry.ID, entry.Attempts, err)
			continue
		}

		if err := p.store.MarkPublished(ctx, entry.ID); err != nil {
			p.log.Error().Err(err).Str("entry_id", entry.ID).Msg("outbox: mark published")
			continue
		}
		p.log.Debug().
			Str("entry_id", entry.ID).
			Str("aggregate_id", entry.AggregateID).
			Str("event_type", string(entry.EventType)).
			Msg("outbox: event published")
	}

	p.maybeCleanup(ctx)
}

// markRetry schedules the next attempt with capped exponential backoff, or
// parks the entry permanently once the retry budget is spent.
func (p *OutboxPublisher) markRetry(ctx context.Context, id string, attempts int, cause error) {
	attempts++
	if attempts >= p.cfg.MaxRetries {
		p.log.Warn().Err(cause).Str("entry_id", id).Int("attempts", attempts).
			Msg("outbox: retries exhausted, entry parked")
		_ = p.store.MarkFailed(ctx, id, cause.Error(), nil)
		return
	}

	delay := p.cfg.RetryBaseDelay << uint(attempts)
	if delay > p.cfg.RetryMaxDelay {
		delay = p.cfg.RetryMaxDelay
	}
	nextRetry := time.Now().Add(delay)
	p.log.Warn().Err(cause).Str("entry_id", id).Int("attempts", attempts).
		Time("next_retry_at", nextRetry).
		Msg("outbox: publish failed, scheduled retry")
	_ = p.store.MarkFailed(ctx, id, cause.Error(), &nextRetry)
}

func (p *OutboxPublisher) maybeCleanup(ctx context.Context) {
	if !p.cfg.EnableCleanup {
		return
	}
	if time.Since(p.lastCleanup) < cleanupMinInterval {
		return
	}
	p.lastCleanup = time.Now()

	removed, err := p.store.DeletePublished(ctx, time.Now().Add(-p.cfg.CleanupAge))
	if err != nil {
		p.log.Error().Err(err).Msg("outbox: cleanup sweep")
		return
	}
	if removed > 0 {
		p.log.Info().Int64("count", removed).Msg("outbox: removed published entries")
	}
}
