package circuit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayguard/internal/events"
	"relayguard/internal/treasury"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) OnEvent(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

var fee = decimal.RequireFromString("0.00001")

func newTestBreaker(opts Options) (*Breaker, *fakeClock, *recorder) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	opts.Clock = clock.Now
	b := New(opts, zerolog.Nop())
	rec := &recorder{}
	b.Subscribe(rec)
	return b, clock, rec
}

func fill(b *Breaker, at time.Time, outcomes ...Outcome) {
	for _, o := range outcomes {
		if o.At.IsZero() {
			o.At = at
		}
		b.history = append(b.history, o)
	}
}

func TestStartsClosedAndAllows(t *testing.T) {
	b, _, _ := newTestBreaker(DefaultOptions())

	d := b.CanProceed()
	assert.True(t, d.Allowed)
	assert.Equal(t, Closed, d.State)
	assert.Equal(t, 0.0, b.Status().ErrorRatePct, "empty window is 0%")
}

func TestVelocityReportedBeforeSuspicious(t *testing.T) {
	b, clock, _ := newTestBreaker(DefaultOptions())
	now := clock.Now()

	for i := 0; i < 51; i++ {
		fill(b, now.Add(-time.Duration(i)*time.Second/2), Outcome{Identity: "whale", Success: true, Fee: fee})
	}
	for i := 0; i < 9; i++ {
		fill(b, now.Add(-time.Second), Outcome{Identity: fmt.Sprintf("user-%d", i), Success: true, Fee: fee})
	}

	for i := 0; i < 3; i++ {
		reason, trip := b.checkTripConditions(now)
		require.True(t, trip)
		assert.Equal(t, HighVelocity, reason)
	}
}

func TestErrorRateReportedBeforeSuspicious(t *testing.T) {
	b, clock, _ := newTestBreaker(DefaultOptions())
	now := clock.Now()

	for i := 0; i < 12; i++ {
		fill(b, now, Outcome{Identity: "solo", Success: false})
	}

	reason, trip := b.checkTripConditions(now)
	require.True(t, trip)
	assert.Equal(t, HighErrorRate, reason)
}

func TestErrorRateAtThresholdDoesNotTrip(t *testing.T) {
	opts := DefaultOptions()
	opts.SuspiciousMinSamples = 1000
	b, clock, _ := newTestBreaker(opts)
	now := clock.Now()

	for i := 0; i < 10; i++ {
		fill(b, now, Outcome{Identity: fmt.Sprintf("u%d", i), Success: i >= 3})
	}
	_, trip := b.checkTripConditions(now)
	assert.False(t, trip, "30% is not above a 30% threshold")

	fill(b, now, Outcome{Identity: "u10", Success: false})
	reason, trip := b.checkTripConditions(now)
	require.True(t, trip)
	assert.Equal(t, HighErrorRate, reason)
}

func TestSuspiciousConcentration(t *testing.T) {
	b, clock, _ := newTestBreaker(DefaultOptions())
	now := clock.Now()

	for i := 0; i < 6; i++ {
		fill(b, now, Outcome{Identity: "farm", Success: true})
	}
	for i := 0; i < 4; i++ {
		fill(b, now, Outcome{Identity: fmt.Sprintf("u%d", i), Success: true})
	}

	reason, trip := b.checkTripConditions(now)
	require.True(t, trip)
	assert.Equal(t, SuspiciousActivity, reason)
}

func TestSuspiciousNeedsMinimumSamples(t *testing.T) {
	b, clock, _ := newTestBreaker(DefaultOptions())
	now := clock.Now()

	for i := 0; i < 9; i++ {
		fill(b, now, Outcome{Identity: "farm", Success: true})
	}
	_, trip := b.checkTripConditions(now)
	assert.False(t, trip)
}

func TestSuspiciousConsecutiveFailures(t *testing.T) {
	opts := DefaultOptions()
	opts.ErrorRateThreshold = 99
	b, clock, _ := newTestBreaker(opts)
	now := clock.Now()

	for i := 0; i < 40; i++ {
		fill(b, now, Outcome{Identity: fmt.Sprintf("ok-%d", i), Success: true})
	}
	for i := 0; i < 9; i++ {
		fill(b, now, Outcome{Identity: fmt.Sprintf("bad-%d", i), Success: false})
	}
	_, trip := b.checkTripConditions(now)
	assert.False(t, trip, "nine failures is below the streak limit")

	fill(b, now, Outcome{Identity: "bad-9", Success: false})
	reason, trip := b.checkTripConditions(now)
	require.True(t, trip)
	assert.Equal(t, SuspiciousActivity, reason)
}

func TestOldOutcomesIgnored(t *testing.T) {
	b, clock, _ := newTestBreaker(DefaultOptions())
	now := clock.Now()

	for i := 0; i < 100; i++ {
		fill(b, now.Add(-61*time.Second), Outcome{Identity: "old", Success: false})
	}
	_, trip := b.checkTripConditions(now)
	assert.False(t, trip)
}

func TestRecordEvaluatesOnEveryOutcome(t *testing.T) {
	b, _, rec := newTestBreaker(DefaultOptions())

	for i := 0; i < 4; i++ {
		b.RecordTransaction(true, fmt.Sprintf("u%d", i), fee)
	}
	b.RecordTransaction(false, "u5", fee)
	assert.Equal(t, Closed, b.State(), "1/5 failures is 20%")
	assert.Empty(t, rec.kinds())

	b.RecordTransaction(false, "u6", fee)
	assert.Equal(t, Open, b.State(), "2/6 failures is above 30%")
	assert.Equal(t, HighErrorRate, b.Status().Reason)
}

func TestRecordTripsOnErrorRate(t *testing.T) {
	b, _, rec := newTestBreaker(DefaultOptions())

	b.RecordTransaction(true, "a", fee)
	b.RecordTransaction(false, "b", fee)

	d := b.CanProceed()
	assert.False(t, d.Allowed)
	assert.Equal(t, Open, d.State)
	assert.Equal(t, HighErrorRate, d.Reason)
	assert.Equal(t, 5*time.Minute, d.RetryAfter)
	assert.Equal(t, []events.Kind{events.CircuitTripped}, rec.kinds())
}

func TestRecoveryConvergence(t *testing.T) {
	b, clock, rec := newTestBreaker(DefaultOptions())
	b.ManualTrip("maintenance")

	clock.Advance(4 * time.Minute)
	require.False(t, b.CanProceed().Allowed)

	clock.Advance(time.Minute)
	d := b.CanProceed()
	require.True(t, d.Allowed)
	assert.Equal(t, HalfOpen, d.State)

	for i := 0; i < 4; i++ {
		b.RecordTransaction(true, fmt.Sprintf("probe-%d", i), fee)
		assert.Equal(t, HalfOpen, b.State())
	}
	b.RecordTransaction(true, "probe-4", fee)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, NoReason, b.Status().Reason)

	assert.Equal(t, []events.Kind{events.CircuitTripped, events.CircuitHalfOpen, events.CircuitClosed}, rec.kinds())
}

func TestHalfOpenAllowsBeyondProbeBudget(t *testing.T) {
	b, clock, _ := newTestBreaker(DefaultOptions())
	b.ManualTrip("")
	clock.Advance(5 * time.Minute)

	for i := 0; i < 20; i++ {
		require.True(t, b.CanProceed().Allowed)
	}
	assert.Equal(t, 20, b.Status().HalfOpenProbes)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock, _ := newTestBreaker(DefaultOptions())
	b.CheckTreasuryHealth(treasury.Critical, decimal.NewFromInt(50))
	clock.Advance(5 * time.Minute)
	require.True(t, b.CanProceed().Allowed)

	b.RecordTransaction(true, "p", fee)
	b.RecordTransaction(false, "p", fee)

	d := b.CanProceed()
	assert.False(t, d.Allowed)
	assert.Equal(t, LowBalance, d.Reason)
}

func TestTreasuryHealthTrip(t *testing.T) {
	b, _, _ := newTestBreaker(DefaultOptions())

	b.CheckTreasuryHealth(treasury.Warning, decimal.NewFromInt(400))
	assert.Equal(t, Closed, b.State())

	b.CheckTreasuryHealth(treasury.Healthy, decimal.NewFromInt(99))
	assert.Equal(t, Open, b.State())
	assert.Equal(t, LowBalance, b.Status().Reason)
}

func TestTreasuryHealthWhileOpenKeepsReason(t *testing.T) {
	b, _, rec := newTestBreaker(DefaultOptions())
	b.ManualTrip("ops")
	b.CheckTreasuryHealth(treasury.Critical, decimal.Zero)

	assert.Equal(t, Manual, b.Status().Reason)
	assert.Len(t, rec.kinds(), 1)
}

func TestResetClearsHistory(t *testing.T) {
	b, _, _ := newTestBreaker(DefaultOptions())
	b.RecordTransaction(false, "x", fee)
	require.Equal(t, Open, b.State())

	b.Close()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Status().HistorySize, "automatic close keeps history")

	b.ManualTrip("again")
	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Zero(t, b.Status().HistorySize)
}

func TestPrune(t *testing.T) {
	b, clock, _ := newTestBreaker(DefaultOptions())
	now := clock.Now()

	fill(b, now.Add(-3*time.Minute), Outcome{Identity: "a", Success: true})
	fill(b, now.Add(-90*time.Second), Outcome{Identity: "b", Success: true})
	fill(b, now, Outcome{Identity: "c", Success: true})

	assert.Equal(t, 1, b.Prune())
	assert.Equal(t, 2, b.Status().HistorySize)
}

func TestHistoryCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxHistory = 5
	opts.VelocityThreshold = 1000
	opts.SuspiciousMinSamples = 1000
	b, _, _ := newTestBreaker(opts)

	for i := 0; i < 12; i++ {
		b.RecordTransaction(true, fmt.Sprintf("u%d", i), fee)
	}
	assert.Equal(t, 5, b.Status().HistorySize)
}

func TestConcurrentUse(t *testing.T) {
	opts := DefaultOptions()
	opts.VelocityThreshold = 1_000_000
	opts.SuspiciousMinSamples = 1_000_000
	b, _, _ := newTestBreaker(opts)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.CanProceed()
				b.RecordTransaction(true, fmt.Sprintf("u%d", i), fee)
				b.Status()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 5000, b.Status().HistorySize)
}
