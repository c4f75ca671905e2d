package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"relayguard/internal/events"
	"relayguard/internal/guard"
	"relayguard/internal/service"
	"relayguard/internal/stake"
	"relayguard/internal/treasury"
)

// SimulateOptions drive a synthetic traffic run against a fully wired guard
// backed by in-memory ledger sources.
type SimulateOptions struct {
	Requests     int
	Identities   int
	FailureRatio float64
	Balance      decimal.Decimal
	Fee          decimal.Decimal
	// Step is the simulated time between two requests.
	Step time.Duration
	// RefreshEvery runs the treasury refresh job after this many requests.
	RefreshEvery int
	Seed         uint64
}

// SimulationReport summarises a run.
type SimulationReport struct {
	Requests   int
	Admitted   int
	Succeeded  int
	Failed     int
	Rejections map[string]int
	Events     []events.Event
	Final      guard.Status
}

// simStakes cycles identities through every tier band, starting below the
// access minimum.
var simStakes = []decimal.Decimal{
	decimal.Zero,
	decimal.NewFromInt(50),
	decimal.NewFromInt(150),
	decimal.NewFromInt(1_500),
	decimal.NewFromInt(6_000),
	decimal.NewFromInt(30_000),
	decimal.NewFromInt(150_000),
}

type simLedger struct {
	mu      sync.Mutex
	balance decimal.Decimal
}

func (l *simLedger) AccountBalance(context.Context, string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}

func (l *simLedger) spend(fee decimal.Decimal) {
	l.mu.Lock()
	l.balance = l.balance.Sub(fee)
	l.mu.Unlock()
}

type simCollateral map[string]decimal.Decimal

func (c simCollateral) CollateralBalance(_ context.Context, identity string) (decimal.Decimal, error) {
	return c[identity], nil
}

var (
	_ treasury.BalanceSource = (*simLedger)(nil)
	_ stake.CollateralSource = simCollateral(nil)
)

// Simulate pushes synthetic requests through admission, submission and
// completion, printing every guard event and a final summary to w.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions, w io.Writer) (SimulationReport, error) {
	if opts.Requests <= 0 || opts.Identities <= 0 {
		return SimulationReport{}, errors.New("requests and identities must be greater than zero")
	}
	if opts.FailureRatio < 0 || opts.FailureRatio > 1 {
		return SimulationReport{}, errors.New("failure ratio must be within [0, 1]")
	}
	if opts.Balance.IsZero() {
		opts.Balance = decimal.NewFromInt(10_000)
	}
	if opts.Fee.IsZero() {
		opts.Fee = a.Config.Treasury.DefaultFeeEstimate
	}
	if opts.Step <= 0 {
		opts.Step = time.Second
	}
	if opts.RefreshEvery <= 0 {
		opts.RefreshEvery = 10
	}

	cfg := *a.Config
	if cfg.Treasury.Address == "" {
		cfg.Treasury.Address = "simulated-treasury"
	}
	sim := &App{Config: &cfg, Logger: a.Logger}

	now := time.Now().UTC()
	clock := func() time.Time { return now }

	ledgerSrc := &simLedger{balance: opts.Balance}
	collateral := make(simCollateral, opts.Identities)
	ids := make([]string, opts.Identities)
	for i := range ids {
		ids[i] = fmt.Sprintf("sim-%03d", i)
		collateral[ids[i]] = simStakes[i%len(simStakes)]
	}

	g, err := sim.BuildGuard(Sources{Balances: ledgerSrc, Collateral: collateral, Clock: clock}, nil, nil)
	if err != nil {
		return SimulationReport{}, err
	}

	report := SimulationReport{Requests: opts.Requests, Rejections: make(map[string]int)}
	recordEvent := events.ListenerFunc(func(e events.Event) {
		report.Events = append(report.Events, e)
		fmt.Fprintf(w, "%s  %-18s %-20s %s\n", e.At.Format(time.TimeOnly), e.Kind, e.Reason, e.Message)
	})
	g.Circuit().Subscribe(recordEvent)
	g.Treasury().Subscribe(recordEvent)

	maintenance := service.New(service.Options{}, g, nil, nil, a.Logger)
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
	submit := guard.SubmitterFunc(func(_ context.Context, adm guard.Admission) (guard.Result, error) {
		if rng.Float64() < opts.FailureRatio {
			return guard.Result{}, errors.New("simulated ledger rejection")
		}
		ledgerSrc.spend(adm.Fee)
		return guard.Result{Success: true, ActualFee: adm.Fee}, nil
	})

	for i := 0; i < opts.Requests; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if i%opts.RefreshEvery == 0 {
			if err := maintenance.RefreshTreasury(ctx, now); err != nil {
				return report, err
			}
		}

		req := guard.Request{TxID: fmt.Sprintf("sim-tx-%06d", i), Identity: ids[i%len(ids)], Fee: opts.Fee}
		adm, res, err := g.Relay(ctx, req, submit)
		switch {
		case !adm.Admitted:
			report.Rejections[adm.Reason]++
		case err != nil || !res.Success:
			report.Admitted++
			report.Failed++
		default:
			report.Admitted++
			report.Succeeded++
		}

		now = now.Add(opts.Step)
	}

	report.Final = g.Status()
	printReport(w, report)
	return report, nil
}

func printReport(w io.Writer, r SimulationReport) {
	fmt.Fprintln(w)
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Requests\t%d\n", r.Requests)
	fmt.Fprintf(writer, "Admitted\t%d\n", r.Admitted)
	fmt.Fprintf(writer, "Succeeded\t%d\n", r.Succeeded)
	fmt.Fprintf(writer, "Failed\t%d\n", r.Failed)

	reasons := make([]string, 0, len(r.Rejections))
	for reason := range r.Rejections {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Fprintf(writer, "Rejected: %s\t%d\n", reason, r.Rejections[reason])
	}

	fmt.Fprintf(writer, "Circuit\t%s %s\n", r.Final.Circuit.State, r.Final.Circuit.Reason)
	fmt.Fprintf(writer, "Treasury balance\t%s\n", formatDecimal(r.Final.Treasury.Balance, 6))
	fmt.Fprintf(writer, "Fees paid\t%s\n", formatDecimal(r.Final.Treasury.TotalFeesPaid, 6))
	fmt.Fprintf(writer, "Treasury health\t%s\n", r.Final.Treasury.Health)
	writer.Flush()
}
