package circuit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"relayguard/internal/events"
	"relayguard/internal/treasury"
)

// State is the breaker position.
type State int

const (
	// Closed lets every request through.
	Closed State = iota
	// HalfOpen lets probe requests through while recovery is tested.
	HalfOpen
	// Open denies every request until the recovery time elapses.
	Open
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case HalfOpen:
		return "HALF_OPEN"
	case Open:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// TripReason explains why the circuit opened.
type TripReason int

const (
	NoReason TripReason = iota
	HighVelocity
	LowBalance
	HighErrorRate
	SuspiciousActivity
	Manual
)

// String returns the machine-readable reason code.
func (r TripReason) String() string {
	switch r {
	case NoReason:
		return ""
	case HighVelocity:
		return "HIGH_VELOCITY"
	case LowBalance:
		return "LOW_BALANCE"
	case HighErrorRate:
		return "HIGH_ERROR_RATE"
	case SuspiciousActivity:
		return "SUSPICIOUS_ACTIVITY"
	case Manual:
		return "MANUAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r TripReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// Options tune trip sensitivity and recovery.
type Options struct {
	VelocityThreshold       int
	VelocityWindow          time.Duration
	ErrorRateThreshold      float64
	ErrorWindow             time.Duration
	RecoveryTime            time.Duration
	HalfOpenTestRequests    int
	MinBalance              decimal.Decimal
	SuspiciousMinSamples    int
	SuspiciousIdentityShare float64
	ConsecutiveFailureLimit int
	MaxHistory              int
	Clock                   func() time.Time
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		VelocityThreshold:       50,
		VelocityWindow:          time.Minute,
		ErrorRateThreshold:      30,
		ErrorWindow:             time.Minute,
		RecoveryTime:            5 * time.Minute,
		HalfOpenTestRequests:    5,
		MinBalance:              decimal.NewFromInt(100),
		SuspiciousMinSamples:    10,
		SuspiciousIdentityShare: 0.5,
		ConsecutiveFailureLimit: 10,
		MaxHistory:              10_000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.VelocityThreshold <= 0 {
		o.VelocityThreshold = d.VelocityThreshold
	}
	if o.VelocityWindow <= 0 {
		o.VelocityWindow = d.VelocityWindow
	}
	if o.ErrorRateThreshold <= 0 {
		o.ErrorRateThreshold = d.ErrorRateThreshold
	}
	if o.ErrorWindow <= 0 {
		o.ErrorWindow = d.ErrorWindow
	}
	if o.RecoveryTime <= 0 {
		o.RecoveryTime = d.RecoveryTime
	}
	if o.HalfOpenTestRequests <= 0 {
		o.HalfOpenTestRequests = d.HalfOpenTestRequests
	}
	if o.SuspiciousMinSamples <= 0 {
		o.SuspiciousMinSamples = d.SuspiciousMinSamples
	}
	if o.SuspiciousIdentityShare <= 0 {
		o.SuspiciousIdentityShare = d.SuspiciousIdentityShare
	}
	if o.ConsecutiveFailureLimit <= 0 {
		o.ConsecutiveFailureLimit = d.ConsecutiveFailureLimit
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = d.MaxHistory
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Outcome is one completed relay attempt.
type Outcome struct {
	At       time.Time
	Identity string
	Success  bool
	Fee      decimal.Decimal
}

// Decision is the answer to CanProceed.
type Decision struct {
	Allowed    bool
	State      State
	Reason     TripReason
	RetryAfter time.Duration
}

// Status is a point-in-time view for dashboards.
type Status struct {
	State             State      `json:"state"`
	Reason            TripReason `json:"reason,omitempty"`
	Note              string     `json:"note,omitempty"`
	TrippedAt         *time.Time `json:"tripped_at,omitempty"`
	HalfOpenProbes    int        `json:"half_open_probes"`
	HalfOpenSuccesses int        `json:"half_open_successes"`
	HistorySize       int        `json:"history_size"`
	Velocity          int        `json:"velocity"`
	ErrorRatePct      float64    `json:"error_rate_pct"`
	TotalTrips        int64      `json:"total_trips"`
	TotalRejections   int64      `json:"total_rejections"`
}

// Breaker decides system-wide whether relaying is currently permitted.
//
// It keeps a sliding window of outcomes and trips on velocity, error rate,
// suspicious concentration, low treasury balance, or an operator request.
// Safe for concurrent use.
type Breaker struct {
	opts   Options
	logger zerolog.Logger
	bus    events.Bus

	mu                sync.Mutex
	state             State
	reason            TripReason
	note              string
	trippedAt         time.Time
	halfOpenProbes    int
	halfOpenSuccesses int
	history           []Outcome
	totalTrips        int64
	totalRejections   int64
}

// New constructs a closed breaker.
func New(opts Options, logger zerolog.Logger) *Breaker {
	return &Breaker{
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "circuit_breaker").Logger(),
		state:  Closed,
	}
}

// Subscribe registers a listener for trip, half-open and close events.
func (b *Breaker) Subscribe(l events.Listener) {
	b.bus.Subscribe(l)
}

// CanProceed reports whether a relay attempt may start now.
func (b *Breaker) CanProceed() Decision {
	now := b.opts.Clock()

	b.mu.Lock()
	var pending []events.Event
	var d Decision

	switch b.state {
	case Closed:
		d = Decision{Allowed: true, State: Closed}
	case Open:
		elapsed := now.Sub(b.trippedAt)
		if elapsed >= b.opts.RecoveryTime {
			pending = append(pending, b.toHalfOpen(now))
			b.halfOpenProbes = 1
			d = Decision{Allowed: true, State: HalfOpen, Reason: b.reason}
		} else {
			b.totalRejections++
			d = Decision{Allowed: false, State: Open, Reason: b.reason, RetryAfter: b.opts.RecoveryTime - elapsed}
		}
	case HalfOpen:
		b.halfOpenProbes++
		if b.halfOpenProbes > b.opts.HalfOpenTestRequests {
			b.logger.Debug().Int("probes", b.halfOpenProbes).Int("successes", b.halfOpenSuccesses).
				Msg("half-open probe budget exceeded; letting request through")
		}
		d = Decision{Allowed: true, State: HalfOpen, Reason: b.reason}
	}
	b.mu.Unlock()

	b.bus.Emit(pending...)
	return d
}

// RecordTransaction appends an outcome and evaluates the trip rules.
func (b *Breaker) RecordTransaction(success bool, identity string, fee decimal.Decimal) {
	now := b.opts.Clock()

	b.mu.Lock()
	b.history = append(b.history, Outcome{At: now, Identity: identity, Success: success, Fee: fee})
	if over := len(b.history) - b.opts.MaxHistory; over > 0 {
		b.history = append(b.history[:0:0], b.history[over:]...)
	}

	var pending []events.Event
	switch b.state {
	case Closed:
		if reason, trip := b.checkTripConditions(now); trip {
			pending = append(pending, b.trip(now, reason, ""))
		}
	case HalfOpen:
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.opts.HalfOpenTestRequests {
				pending = append(pending, b.close(now, "recovered"))
			}
		} else {
			pending = append(pending, b.trip(now, b.reason, "probe failed"))
		}
	}
	b.mu.Unlock()

	b.bus.Emit(pending...)
}

// CheckTreasuryHealth trips the circuit when the treasury is critical or
// its available balance is below the configured minimum.
func (b *Breaker) CheckTreasuryHealth(health treasury.Health, available decimal.Decimal) {
	if health != treasury.Critical && !available.LessThan(b.opts.MinBalance) {
		return
	}

	now := b.opts.Clock()
	b.mu.Lock()
	var pending []events.Event
	if b.state != Open {
		pending = append(pending, b.trip(now, LowBalance, "treasury "+health.String()+" available "+available.String()))
	}
	b.mu.Unlock()

	b.bus.Emit(pending...)
}

// ManualTrip opens the circuit on operator request. A manual trip while
// already open restarts the recovery timer.
func (b *Breaker) ManualTrip(note string) {
	now := b.opts.Clock()
	b.mu.Lock()
	ev := b.trip(now, Manual, note)
	b.mu.Unlock()

	b.bus.Emit(ev)
}

// Close returns the circuit to CLOSED and clears the trip reason.
func (b *Breaker) Close() {
	now := b.opts.Clock()
	b.mu.Lock()
	ev := b.close(now, "closed")
	b.mu.Unlock()

	b.bus.Emit(ev)
}

// Reset is the operator reset: close the circuit and forget all history.
func (b *Breaker) Reset() {
	now := b.opts.Clock()
	b.mu.Lock()
	ev := b.close(now, "manual reset")
	b.history = nil
	b.mu.Unlock()

	b.bus.Emit(ev)
}

// Prune drops outcomes older than twice the longest evaluation window.
// It returns the number of outcomes removed.
func (b *Breaker) Prune() int {
	window := b.opts.ErrorWindow
	if b.opts.VelocityWindow > window {
		window = b.opts.VelocityWindow
	}
	cutoff := b.opts.Clock().Add(-2 * window)

	b.mu.Lock()
	defer b.mu.Unlock()

	idx := 0
	for idx < len(b.history) && b.history[idx].At.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.history = append(b.history[:0:0], b.history[idx:]...)
	}
	return idx
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns counters and window statistics.
func (b *Breaker) Status() Status {
	now := b.opts.Clock()

	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		State:             b.state,
		Reason:            b.reason,
		Note:              b.note,
		HalfOpenProbes:    b.halfOpenProbes,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		HistorySize:       len(b.history),
		Velocity:          len(b.since(now.Add(-b.opts.VelocityWindow))),
		ErrorRatePct:      errorRate(b.since(now.Add(-b.opts.ErrorWindow))),
		TotalTrips:        b.totalTrips,
		TotalRejections:   b.totalRejections,
	}
	if b.state != Closed {
		at := b.trippedAt
		st.TrippedAt = &at
	}
	return st
}

// checkTripConditions evaluates velocity, error rate and suspicious
// patterns in that order. Must be called with the lock held.
func (b *Breaker) checkTripConditions(now time.Time) (TripReason, bool) {
	recent := b.since(now.Add(-b.opts.VelocityWindow))
	if len(recent) > b.opts.VelocityThreshold {
		return HighVelocity, true
	}

	if errorRate(b.since(now.Add(-b.opts.ErrorWindow))) > b.opts.ErrorRateThreshold {
		return HighErrorRate, true
	}

	if b.suspicious(recent) {
		return SuspiciousActivity, true
	}
	return NoReason, false
}

func (b *Breaker) suspicious(window []Outcome) bool {
	if len(window) < b.opts.SuspiciousMinSamples {
		return false
	}

	counts := make(map[string]int, len(window))
	top := 0
	for _, o := range window {
		counts[o.Identity]++
		if counts[o.Identity] > top {
			top = counts[o.Identity]
		}
	}
	if float64(top)/float64(len(window)) > b.opts.SuspiciousIdentityShare {
		return true
	}

	streak := 0
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Success {
			break
		}
		streak++
	}
	return streak >= b.opts.ConsecutiveFailureLimit
}

// since returns the suffix of history strictly after cutoff.
func (b *Breaker) since(cutoff time.Time) []Outcome {
	i := len(b.history)
	for i > 0 && b.history[i-1].At.After(cutoff) {
		i--
	}
	return b.history[i:]
}

func errorRate(window []Outcome) float64 {
	if len(window) == 0 {
		return 0
	}
	failures := 0
	for _, o := range window {
		if !o.Success {
			failures++
		}
	}
	return float64(failures) / float64(len(window)) * 100
}

// trip opens the circuit. Must be called with the lock held.
func (b *Breaker) trip(now time.Time, reason TripReason, note string) events.Event {
	b.state = Open
	b.reason = reason
	b.note = note
	b.trippedAt = now
	b.halfOpenProbes = 0
	b.halfOpenSuccesses = 0
	b.totalTrips++

	b.logger.Warn().Str("reason", reason.String()).Str("note", note).Msg("circuit tripped")
	return events.Event{
		Kind:    events.CircuitTripped,
		Reason:  reason.String(),
		At:      now,
		Message: note,
	}
}

func (b *Breaker) toHalfOpen(now time.Time) events.Event {
	b.state = HalfOpen
	b.halfOpenProbes = 0
	b.halfOpenSuccesses = 0

	b.logger.Info().Str("reason", b.reason.String()).Dur("open_for", now.Sub(b.trippedAt)).Msg("circuit half-open")
	return events.Event{
		Kind:   events.CircuitHalfOpen,
		Reason: b.reason.String(),
		At:     now,
	}
}

func (b *Breaker) close(now time.Time, note string) events.Event {
	prev := b.reason
	b.state = Closed
	b.reason = NoReason
	b.note = ""
	b.trippedAt = time.Time{}
	b.halfOpenProbes = 0
	b.halfOpenSuccesses = 0

	b.logger.Info().Str("previous_reason", prev.String()).Str("note", note).Msg("circuit closed")
	return events.Event{
		Kind:    events.CircuitClosed,
		Reason:  prev.String(),
		At:      now,
		Message: note,
	}
}
