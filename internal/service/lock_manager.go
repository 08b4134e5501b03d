package service

import (
	"context"
	"sync"
	"time"

	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"

	"github.com/rs/zerolog"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// InMemoryLockManager implements ports.LockManager with a single mutex-guarded
// map. Expired leases are reclaimed lazily on access and by a periodic
// sweeper. A Redis-backed implementation is a drop-in replacement for
// multi-process deployments.
type InMemoryLockManager struct {
	mu     sync.Mutex
	leases map[string]lease
	log    zerolog.Logger

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup

	now func() time.Time
}

// NewInMemoryLockManager creates the lock manager and starts its TTL sweeper.
func NewInMemoryLockManager(sweepInterval time.Duration, log zerolog.Logger) *InMemoryLockManager {
	m := &InMemoryLockManager{
		leases:        make(map[string]lease),
		log:           log,
		sweepInterval: sweepInterval,
		stop:          make(chan struct{}),
		now:           time.Now,
	}
	if sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweeper()
	}
	return m
}

// Acquire takes the lease non-blocking. It returns true when the key is free,
// expired, or already held by the same owner (which extends the TTL).
func (m *InMemoryLockManager) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[key]; ok && now.Before(l.expiresAt) && l.owner != owner {
		return false, nil
	}
	m.leases[key] = lease{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release frees the lease if the owner matches.
func (m *InMemoryLockManager) Release(_ context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[key]
	if !ok || l.owner != owner {
		return false, nil
	}
	delete(m.leases, key)
	return true, nil
}

// Extend renews the TTL of a lease still held by owner.
func (m *InMemoryLockManager) Extend(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.leases[key]
	if !ok || l.owner != owner || now.After(l.expiresAt) {
		return false, nil
	}
	l.expiresAt = now.Add(ttl)
	m.leases[key] = l
	return true, nil
}

// IsLocked reports whether a live lease exists for key.
func (m *InMemoryLockManager) IsLocked(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[key]
	if !ok {
		return false, nil
	}
	if m.now().After(l.expiresAt) {
		delete(m.leases, key)
		return false, nil
	}
	return true, nil
}

// Stop terminates the sweeper. Safe to call more than once.
func (m *InMemoryLockManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *InMemoryLockManager) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *InMemoryLockManager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	swept := 0
	for key, l := range m.leases {
		if now.After(l.expiresAt) {
			delete(m.leases, key)
			swept++
		}
	}
	if swept > 0 {
		m.log.Debug().Int("count", swept).Msg("lock sweeper reclaimed expired leases")
	}
}

// LockOptions controls the WithLock polling helper.
type LockOptions struct {
	TTL           time.Duration
	MaxWait       time.Duration
	RetryInterval time.Duration
}

// WithLock polls Acquire until success or MaxWait elapses, runs fn, and
// releases the lease in a guaranteed teardown. Lock acquisition failure
// after MaxWait returns LockTimeout.
func WithLock(ctx context.Context, lm ports.LockManager, key, owner string, opts LockOptions, fn func(ctx context.Context) error) error {
	deadline := time.Now().Add(opts.MaxWait)
	for {
		ok, err := lm.Acquire(ctx, key, owner, opts.TTL)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return apperror.ErrLockTimeout(key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}

	defer func() {
		// Release must run even when the caller's context is already done.
		_, _ = lm.Release(context.WithoutCancel(ctx), key, owner)
	}()
	return fn(ctx)
}
