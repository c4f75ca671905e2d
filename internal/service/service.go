package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"relayguard/internal/config"
	"relayguard/internal/guard"
	"relayguard/internal/scheduler"
	"relayguard/internal/storage"
	"relayguard/internal/treasury"
)

// Options control the cadence and retention of the maintenance jobs.
type Options struct {
	RefreshInterval time.Duration
	PruneInterval   time.Duration
	ExpiryInterval  time.Duration
	ReservationTTL  time.Duration
	QuotaIdleTTL    time.Duration
	EventRetention  time.Duration
	Snapshots       bool
	AdvisoryLockKey int64
}

// OptionsFromConfig maps the scheduler, treasury and quota sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		RefreshInterval: cfg.Scheduler.RefreshInterval,
		PruneInterval:   cfg.Scheduler.PruneInterval,
		ExpiryInterval:  cfg.Scheduler.ExpiryInterval,
		ReservationTTL:  cfg.Treasury.ReservationTTL,
		QuotaIdleTTL:    cfg.Quota.IdleTTL,
		EventRetention:  cfg.Scheduler.EventRetention,
		Snapshots:       cfg.Scheduler.Snapshots,
		AdvisoryLockKey: cfg.Scheduler.AdvisoryLockKey,
	}
}

// Service runs the guard's background maintenance: treasury refresh with
// the circuit health check, pruning of in-memory windows and caches, and
// expiry of admissions that were never completed.
type Service struct {
	opts      Options
	guard     *guard.Guard
	snapshots storage.SnapshotStore
	events    storage.EventStore
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger
}

// New constructs the maintenance service. snapshots and events may be nil.
func New(opts Options, g *guard.Guard, snapshots storage.SnapshotStore, events storage.EventStore, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := snapshots.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		opts:      opts,
		guard:     g,
		snapshots: snapshots,
		events:    events,
		locker:    locker,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Jobs returns the periodic jobs to hand to the scheduler.
func (s *Service) Jobs() []scheduler.Job {
	return []scheduler.Job{
		{Name: "treasury_refresh", Interval: s.opts.RefreshInterval, Align: true, Tick: s.RefreshTreasury},
		{Name: "prune", Interval: s.opts.PruneInterval, Tick: s.Prune},
		{Name: "expire_stale", Interval: s.opts.ExpiryInterval, Tick: s.ExpireStale},
	}
}

// Run blocks running every job until ctx is cancelled.
func (s *Service) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, s.Jobs()...)
}

// RefreshTreasury re-reads the treasury balance, lets the circuit react to
// the new health and records a snapshot.
func (s *Service) RefreshTreasury(ctx context.Context, tick time.Time) error {
	tm := s.guard.Treasury()
	if err := tm.RefreshBalance(ctx); err != nil {
		return fmt.Errorf("refresh treasury: %w", err)
	}

	st := tm.Status()
	s.guard.Circuit().CheckTreasuryHealth(st.Health, st.Available)

	s.logger.Debug().Time("tick", tick).
		Str("balance", st.Balance.String()).
		Str("available", st.Available.String()).
		Str("health", st.Health.String()).
		Msg("treasury refreshed")

	if !s.opts.Snapshots || s.snapshots == nil {
		return nil
	}
	return s.withLock(ctx, tick, func() error {
		return s.recordSnapshot(ctx, tick, st)
	})
}

func (s *Service) recordSnapshot(ctx context.Context, tick time.Time, st treasury.Status) error {
	snap := storage.TreasurySnapshot{
		TakenAt:          tick.UTC(),
		Balance:          st.Balance,
		Reserved:         st.Reserved,
		Available:        st.Available,
		DailySpend:       st.DailySpend,
		Health:           st.Health.String(),
		TransactionCount: st.TransactionCount,
		TotalFees:        st.TotalFeesPaid,
	}
	if err := s.snapshots.InsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Prune trims the circuit history, expired stake cache entries, idle quota
// records and, when a retention is set, old persisted events.
func (s *Service) Prune(ctx context.Context, tick time.Time) error {
	history := s.guard.Circuit().Prune()
	cached := s.guard.Stakes().PruneCache()
	idle := 0
	if s.opts.QuotaIdleTTL > 0 {
		idle = s.guard.Quota().PruneIdle(s.opts.QuotaIdleTTL)
	}

	s.logger.Debug().Time("tick", tick).
		Int("history", history).
		Int("stake_cache", cached).
		Int("quota_records", idle).
		Msg("pruned")

	if s.events == nil || s.opts.EventRetention <= 0 {
		return nil
	}
	cutoff := tick.Add(-s.opts.EventRetention)
	return s.withLock(ctx, tick, func() error {
		if err := s.events.DeleteEventsBefore(ctx, cutoff); err != nil {
			return fmt.Errorf("delete events before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		return nil
	})
}

// ExpireStale releases admissions older than the reservation TTL.
func (s *Service) ExpireStale(_ context.Context, tick time.Time) error {
	if n := s.guard.ExpireStale(s.opts.ReservationTTL); n > 0 {
		s.logger.Warn().Time("tick", tick).Int("expired", n).Msg("stale admissions released")
	}
	return nil
}

// withLock runs fn only on the replica that holds the advisory lock.
func (s *Service) withLock(ctx context.Context, tick time.Time, fn func() error) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}
	return fn()
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
