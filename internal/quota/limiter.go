package quota

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"relayguard/internal/tier"
)

// Rejection reasons.
const (
	ReasonDailyLimit   = "daily_limit_exceeded"
	ReasonMonthlyLimit = "monthly_limit_exceeded"
)

// Options configure the limiter.
type Options struct {
	Table *tier.Table
	Clock func() time.Time
}

// Decision is the result of CheckLimit.
type Decision struct {
	Allowed      bool          `json:"allowed"`
	Reason       string        `json:"reason,omitempty"`
	Tier         tier.Tier     `json:"tier"`
	DailyUsed    int           `json:"daily_used"`
	DailyLimit   int           `json:"daily_limit"`
	MonthlyUsed  int           `json:"monthly_used"`
	MonthlyLimit int           `json:"monthly_limit"`
	RetryAfter   time.Duration `json:"retry_after"`
}

// Window describes usage against one limit. Limit and Remaining are -1 when
// unlimited.
type Window struct {
	Used      int       `json:"used"`
	Pending   int       `json:"pending"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Quota is a read-only snapshot for client display.
type Quota struct {
	Identity      string          `json:"identity"`
	Tier          tier.Tier       `json:"tier"`
	Daily         Window          `json:"daily"`
	Monthly       Window          `json:"monthly"`
	FeeSpentToday decimal.Decimal `json:"fee_spent_today"`
	FeeSpentMonth decimal.Decimal `json:"fee_spent_month"`
}

// Statistics is an aggregate view for dashboards.
type Statistics struct {
	ActiveIdentities  int             `json:"active_identities"`
	TierDistribution  map[string]int  `json:"tier_distribution"`
	TransactionsToday int             `json:"transactions_today"`
	FeesToday         decimal.Decimal `json:"fees_today"`
	PendingSlots      int             `json:"pending_slots"`
}

type record struct {
	tier        tier.Tier
	dailyUsed   int
	monthlyUsed int
	pending     int
	feeToday    decimal.Decimal
	feeMonth    decimal.Decimal
	day         string
	month       string
	lastSeen    time.Time
}

// Limiter enforces per-identity daily and monthly transaction quotas.
//
// A successful CheckLimit holds a pending slot until RecordTransaction or
// Release, so concurrent checks for one identity cannot jointly pass a quota
// that only has room for one of them.
type Limiter struct {
	table  *tier.Table
	clock  func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	records map[string]*record
}

// New builds a limiter.
func New(opts Options, logger zerolog.Logger) *Limiter {
	if opts.Table == nil {
		opts.Table = tier.DefaultTable()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Limiter{
		table:   opts.Table,
		clock:   opts.Clock,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
		records: make(map[string]*record),
	}
}

// CheckLimit admits one more transaction for identity at tier t, or reports
// which limit is exhausted and when it resets.
func (l *Limiter) CheckLimit(identity string, t tier.Tier) Decision {
	now := l.clock().UTC()
	b := l.table.Benefits(t)

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.load(identity, now)
	rec.tier = t

	d := Decision{
		Tier:         t,
		DailyUsed:    rec.dailyUsed,
		DailyLimit:   b.DailyLimit,
		MonthlyUsed:  rec.monthlyUsed,
		MonthlyLimit: b.MonthlyLimit,
	}

	if exhausted(rec.dailyUsed+rec.pending, b.DailyLimit) {
		d.Reason = ReasonDailyLimit
		d.RetryAfter = nextDay(now).Sub(now)
		l.logger.Debug().Str("identity", identity).Str("tier", t.String()).Int("used", rec.dailyUsed).
			Int("limit", b.DailyLimit).Msg("daily quota exhausted")
		return d
	}
	if exhausted(rec.monthlyUsed+rec.pending, b.MonthlyLimit) {
		d.Reason = ReasonMonthlyLimit
		d.RetryAfter = nextMonth(now).Sub(now)
		l.logger.Debug().Str("identity", identity).Str("tier", t.String()).Int("used", rec.monthlyUsed).
			Int("limit", b.MonthlyLimit).Msg("monthly quota exhausted")
		return d
	}

	rec.pending++
	d.Allowed = true
	return d
}

// RecordTransaction books a completed relay. It does not re-check limits.
func (l *Limiter) RecordTransaction(identity string, fee decimal.Decimal) {
	now := l.clock().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.load(identity, now)
	rec.dailyUsed++
	rec.monthlyUsed++
	if rec.pending > 0 {
		rec.pending--
	}
	rec.feeToday = rec.feeToday.Add(fee)
	rec.feeMonth = rec.feeMonth.Add(fee)
}

// Release returns a slot held by CheckLimit that will not be recorded.
func (l *Limiter) Release(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[identity]; ok && rec.pending > 0 {
		rec.pending--
	}
}

// GetQuota returns the identity's usage. Unknown identities report zero
// usage at tier NONE.
func (l *Limiter) GetQuota(identity string) Quota {
	now := l.clock().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[identity]
	if !ok {
		rec = &record{day: dayKey(now), month: monthKey(now)}
	} else {
		l.resets(rec, now)
	}

	b := l.table.Benefits(rec.tier)
	return Quota{
		Identity:      identity,
		Tier:          rec.tier,
		Daily:         window(rec.dailyUsed, rec.pending, b.DailyLimit, nextDay(now)),
		Monthly:       window(rec.monthlyUsed, rec.pending, b.MonthlyLimit, nextMonth(now)),
		FeeSpentToday: rec.feeToday,
		FeeSpentMonth: rec.feeMonth,
	}
}

// GetStatistics summarises all tracked identities.
func (l *Limiter) GetStatistics() Statistics {
	now := l.clock().UTC()
	today := dayKey(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Statistics{
		ActiveIdentities: len(l.records),
		TierDistribution: make(map[string]int),
		FeesToday:        decimal.Zero,
	}
	for _, rec := range l.records {
		stats.TierDistribution[rec.tier.String()]++
		stats.PendingSlots += rec.pending
		if rec.day == today {
			stats.TransactionsToday += rec.dailyUsed
			stats.FeesToday = stats.FeesToday.Add(rec.feeToday)
		}
	}
	return stats
}

// PruneIdle forgets identities with no activity for maxIdle and no pending
// slots. It returns how many records were dropped.
func (l *Limiter) PruneIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := l.clock().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, rec := range l.records {
		if rec.pending == 0 && rec.lastSeen.Before(cutoff) {
			delete(l.records, id)
			removed++
		}
	}
	return removed
}

// load returns the record for identity, creating it if needed, after
// applying any day or month rollover. Must be called with the lock held.
func (l *Limiter) load(identity string, now time.Time) *record {
	rec, ok := l.records[identity]
	if !ok {
		rec = &record{day: dayKey(now), month: monthKey(now)}
		l.records[identity] = rec
	}
	l.resets(rec, now)
	rec.lastSeen = now
	return rec
}

func (l *Limiter) resets(rec *record, now time.Time) {
	if d := dayKey(now); rec.day != d {
		rec.day = d
		rec.dailyUsed = 0
		rec.feeToday = decimal.Zero
	}
	if m := monthKey(now); rec.month != m {
		rec.month = m
		rec.monthlyUsed = 0
		rec.feeMonth = decimal.Zero
	}
}

func exhausted(used, limit int) bool {
	return limit != tier.Unlimited && used >= limit
}

func window(used, pending, limit int, resetsAt time.Time) Window {
	w := Window{Used: used, Pending: pending, Limit: limit, Remaining: tier.Unlimited, ResetsAt: resetsAt}
	if limit != tier.Unlimited {
		w.Remaining = limit - used - pending
		if w.Remaining < 0 {
			w.Remaining = 0
		}
	}
	return w
}

func dayKey(t time.Time) string   { return t.Format(time.DateOnly) }
func monthKey(t time.Time) string { return t.Format("2006-01") }

func nextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func nextMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
}
