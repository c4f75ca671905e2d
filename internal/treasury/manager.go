package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"relayguard/internal/events"
)

// Health classifies the available balance. Larger values are worse.
type Health int

const (
	Healthy Health = iota
	Degraded
	Warning
	Critical
)

// String returns the upper-case health name.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case Degraded:
		return "DEGRADED"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// Rejection reasons returned in Reservation.Reason.
const (
	ReasonInvalidFee          = "invalid_fee"
	ReasonPerTxCapExceeded    = "per_tx_cap_exceeded"
	ReasonDailyCapExceeded    = "daily_cap_exceeded"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonDuplicateTx         = "duplicate_tx_id"
)

// ErrNoAddress is returned by RefreshBalance when no treasury address is set.
var ErrNoAddress = errors.New("treasury: address not configured")

// BalanceSource reads an account balance from the ledger.
type BalanceSource interface {
	AccountBalance(ctx context.Context, address string) (decimal.Decimal, error)
}

// Thresholds are the upper bounds of each unhealthy class.
type Thresholds struct {
	Critical decimal.Decimal
	Warning  decimal.Decimal
	Degraded decimal.Decimal
}

// DefaultThresholds returns 100 / 500 / 1000.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Critical: decimal.NewFromInt(100),
		Warning:  decimal.NewFromInt(500),
		Degraded: decimal.NewFromInt(1000),
	}
}

// Classify maps an available balance to a health class.
func (t Thresholds) Classify(available decimal.Decimal) Health {
	switch {
	case available.LessThan(t.Critical):
		return Critical
	case available.LessThan(t.Warning):
		return Warning
	case available.LessThan(t.Degraded):
		return Degraded
	default:
		return Healthy
	}
}

// Options configure the treasury guardrails.
type Options struct {
	Address            string
	DailyCap           decimal.Decimal
	PerTxCap           decimal.Decimal
	NetworkReserve     decimal.Decimal
	DefaultFeeEstimate decimal.Decimal
	Thresholds         Thresholds
	Clock              func() time.Time
}

// Reservation is the result of ReserveFee.
type Reservation struct {
	Accepted        bool            `json:"accepted"`
	Reason          string          `json:"reason,omitempty"`
	TxID            string          `json:"tx_id"`
	Fee             decimal.Decimal `json:"fee"`
	TreasuryAddress string          `json:"treasury_address,omitempty"`
}

// Capacity estimates how many more transactions the treasury can pay for.
type Capacity struct {
	AverageFee decimal.Decimal `json:"average_fee"`
	ByBalance  int64           `json:"by_balance"`
	ByDailyCap int64           `json:"by_daily_cap"`
	Effective  int64           `json:"effective"`
}

// Status is a snapshot of treasury accounting.
type Status struct {
	Address                 string          `json:"address"`
	Balance                 decimal.Decimal `json:"balance"`
	Reserved                decimal.Decimal `json:"reserved"`
	Available               decimal.Decimal `json:"available"`
	DailySpend              decimal.Decimal `json:"daily_spend"`
	DailyCap                decimal.Decimal `json:"daily_cap"`
	PerTxCap                decimal.Decimal `json:"per_tx_cap"`
	TotalFeesPaid           decimal.Decimal `json:"total_fees_paid"`
	TransactionCount        int64           `json:"transaction_count"`
	OutstandingReservations int             `json:"outstanding_reservations"`
	Health                  Health          `json:"health"`
	LastRefresh             *time.Time      `json:"last_refresh,omitempty"`
}

type hold struct {
	fee      decimal.Decimal
	identity string
	at       time.Time
}

// Manager tracks the relayer's spendable balance and arbitrates fee
// reservations against it. Reservation is check-and-reserve under one lock,
// so concurrent callers cannot jointly overcommit the balance.
type Manager struct {
	opts   Options
	source BalanceSource
	logger zerolog.Logger
	bus    events.Bus

	mu          sync.Mutex
	balance     decimal.Decimal
	reserved    decimal.Decimal
	dailySpend  decimal.Decimal
	totalFees   decimal.Decimal
	txCount     int64
	resetDay    string
	holds       map[string]hold
	lastRefresh time.Time
	health      Health
	healthKnown bool
}

// NewManager builds a treasury manager. The balance is zero until the first
// successful RefreshBalance.
func NewManager(opts Options, source BalanceSource, logger zerolog.Logger) *Manager {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	return &Manager{
		opts:   opts,
		source: source,
		logger: logger.With().Str("component", "treasury").Logger(),
		holds:  make(map[string]hold),
	}
}

// Subscribe registers a listener for health-threshold crossings.
func (m *Manager) Subscribe(l events.Listener) {
	m.bus.Subscribe(l)
}

// Address returns the treasury account address.
func (m *Manager) Address() string { return m.opts.Address }

// RefreshBalance re-reads the on-ledger balance. On failure the previous
// balance is kept and the error is returned to the caller.
func (m *Manager) RefreshBalance(ctx context.Context) error {
	if m.opts.Address == "" {
		return ErrNoAddress
	}
	if m.source == nil {
		return errors.New("treasury: balance source not configured")
	}

	balance, err := m.source.AccountBalance(ctx, m.opts.Address)
	if err != nil {
		m.logger.Error().Err(err).Str("address", m.opts.Address).Msg("balance refresh failed")
		return fmt.Errorf("refresh treasury balance: %w", err)
	}

	now := m.opts.Clock()
	m.mu.Lock()
	m.checkDailyReset(now)
	m.balance = balance
	m.lastRefresh = now
	ev, changed := m.evaluateHealth(now)
	available := m.available()
	m.mu.Unlock()

	m.logger.Debug().Str("balance", balance.String()).Str("available", available.String()).Msg("balance refreshed")
	if changed {
		m.bus.Emit(ev)
	}
	return nil
}

// Refreshed reports whether at least one refresh has succeeded.
func (m *Manager) Refreshed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.lastRefresh.IsZero()
}

// CanCoverFee reports whether fee passes the per-transaction cap, the daily
// cap and the safety buffer.
func (m *Manager) CanCoverFee(fee decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset(m.opts.Clock())
	return m.coverReason(fee) == ""
}

// ReserveFee places a provisional hold of fee for txID.
func (m *Manager) ReserveFee(txID string, fee decimal.Decimal, identity string) Reservation {
	now := m.opts.Clock()
	res := Reservation{TxID: txID, Fee: fee}

	m.mu.Lock()
	m.checkDailyReset(now)
	if _, exists := m.holds[txID]; exists {
		m.mu.Unlock()
		res.Reason = ReasonDuplicateTx
		return res
	}
	if reason := m.coverReason(fee); reason != "" {
		m.mu.Unlock()
		m.logger.Info().Str("tx_id", txID).Str("identity", identity).Str("fee", fee.String()).
			Str("reason", reason).Msg("fee reservation rejected")
		res.Reason = reason
		return res
	}

	m.reserved = m.reserved.Add(fee)
	m.holds[txID] = hold{fee: fee, identity: identity, at: now}
	ev, changed := m.evaluateHealth(now)
	m.mu.Unlock()

	if changed {
		m.bus.Emit(ev)
	}
	res.Accepted = true
	res.TreasuryAddress = m.opts.Address
	return res
}

// ConfirmFeePayment books the actual fee of a settled transaction and drops
// its hold. Unknown ids are ignored.
func (m *Manager) ConfirmFeePayment(txID string, actualFee decimal.Decimal) {
	now := m.opts.Clock()

	m.mu.Lock()
	h, ok := m.holds[txID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn().Str("tx_id", txID).Str("fee", actualFee.String()).Msg("confirm for unknown reservation ignored")
		return
	}
	delete(m.holds, txID)
	m.checkDailyReset(now)
	m.reserved = floorZero(m.reserved.Sub(h.fee))
	if actualFee.IsNegative() {
		actualFee = decimal.Zero
	}
	m.totalFees = m.totalFees.Add(actualFee)
	m.dailySpend = m.dailySpend.Add(actualFee)
	m.txCount++
	ev, changed := m.evaluateHealth(now)
	m.mu.Unlock()

	if changed {
		m.bus.Emit(ev)
	}
}

// ReleaseReservation drops the hold for txID without booking spend.
// Releasing an unknown or already released id is a no-op.
func (m *Manager) ReleaseReservation(txID string) {
	now := m.opts.Clock()

	m.mu.Lock()
	h, ok := m.holds[txID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.holds, txID)
	m.reserved = floorZero(m.reserved.Sub(h.fee))
	ev, changed := m.evaluateHealth(now)
	m.mu.Unlock()

	if changed {
		m.bus.Emit(ev)
	}
}

// ExpireReservations releases holds older than maxAge and returns how many
// were dropped.
func (m *Manager) ExpireReservations(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	now := m.opts.Clock()
	cutoff := now.Add(-maxAge)

	m.mu.Lock()
	expired := 0
	for id, h := range m.holds {
		if h.at.Before(cutoff) {
			delete(m.holds, id)
			m.reserved = floorZero(m.reserved.Sub(h.fee))
			expired++
			m.logger.Warn().Str("tx_id", id).Str("identity", h.identity).Str("fee", h.fee.String()).
				Msg("stale reservation expired")
		}
	}
	ev, changed := m.evaluateHealth(now)
	m.mu.Unlock()

	if changed {
		m.bus.Emit(ev)
	}
	return expired
}

// EstimateRemainingCapacity returns how many average-fee transactions the
// balance and the daily cap can still pay for.
func (m *Manager) EstimateRemainingCapacity() Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset(m.opts.Clock())

	avg := m.opts.DefaultFeeEstimate
	if m.txCount > 0 {
		avg = m.totalFees.Div(decimal.NewFromInt(m.txCount))
	}
	capacity := Capacity{AverageFee: avg}
	if !avg.IsPositive() {
		return capacity
	}

	spendable := m.available().Sub(m.safetyBuffer())
	capacity.ByBalance = countOf(spendable, avg)

	headroom := m.opts.DailyCap.Sub(m.dailySpend).Sub(m.reserved)
	capacity.ByDailyCap = countOf(headroom, avg)

	capacity.Effective = capacity.ByBalance
	if capacity.ByDailyCap < capacity.Effective {
		capacity.Effective = capacity.ByDailyCap
	}
	return capacity
}

// Health returns the current classification.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts.Thresholds.Classify(m.available())
}

// Status returns a snapshot of all counters.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDailyReset(m.opts.Clock())

	available := m.available()
	st := Status{
		Address:                 m.opts.Address,
		Balance:                 m.balance,
		Reserved:                m.reserved,
		Available:               available,
		DailySpend:              m.dailySpend,
		DailyCap:                m.opts.DailyCap,
		PerTxCap:                m.opts.PerTxCap,
		TotalFeesPaid:           m.totalFees,
		TransactionCount:        m.txCount,
		OutstandingReservations: len(m.holds),
		Health:                  m.opts.Thresholds.Classify(available),
	}
	if !m.lastRefresh.IsZero() {
		at := m.lastRefresh
		st.LastRefresh = &at
	}
	return st
}

// coverReason returns the first failing guardrail, or "". Must be called
// with the lock held.
func (m *Manager) coverReason(fee decimal.Decimal) string {
	if !fee.IsPositive() {
		return ReasonInvalidFee
	}
	if fee.GreaterThan(m.opts.PerTxCap) {
		return ReasonPerTxCapExceeded
	}
	if m.dailySpend.Add(m.reserved).Add(fee).GreaterThan(m.opts.DailyCap) {
		return ReasonDailyCapExceeded
	}
	if m.available().Sub(fee).LessThan(m.safetyBuffer()) {
		return ReasonInsufficientBalance
	}
	if m.reserved.Add(fee).GreaterThan(m.balance) {
		return ReasonInsufficientBalance
	}
	return ""
}

func (m *Manager) available() decimal.Decimal {
	return m.balance.Sub(m.reserved)
}

func (m *Manager) safetyBuffer() decimal.Decimal {
	return m.opts.NetworkReserve.Mul(decimal.NewFromInt(2))
}

// checkDailyReset zeroes daily spend once per UTC calendar day.
func (m *Manager) checkDailyReset(now time.Time) {
	day := now.UTC().Format(time.DateOnly)
	if day == m.resetDay {
		return
	}
	if m.resetDay != "" {
		m.logger.Info().Str("day", day).Str("previous_spend", m.dailySpend.String()).Msg("daily spend reset")
	}
	m.resetDay = day
	m.dailySpend = decimal.Zero
}

func (m *Manager) evaluateHealth(now time.Time) (events.Event, bool) {
	available := m.available()
	current := m.opts.Thresholds.Classify(available)
	if m.healthKnown && current == m.health {
		return events.Event{}, false
	}
	if m.lastRefresh.IsZero() {
		return events.Event{}, false
	}

	prev := m.health
	first := !m.healthKnown
	m.health = current
	m.healthKnown = true
	if first && current == Healthy {
		return events.Event{}, false
	}

	m.logger.Warn().Str("from", prev.String()).Str("to", current.String()).
		Str("available", available.String()).Msg("treasury health changed")
	return events.Event{
		Kind:   events.TreasuryHealth,
		Reason: current.String(),
		At:     now,
		Fields: map[string]string{
			"from":      prev.String(),
			"to":        current.String(),
			"available": available.String(),
		},
	}, true
}

func floorZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func countOf(amount, unit decimal.Decimal) int64 {
	if !amount.IsPositive() {
		return 0
	}
	return amount.Div(unit).Floor().IntPart()
}
