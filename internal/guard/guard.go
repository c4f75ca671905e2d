package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"relayguard/internal/circuit"
	"relayguard/internal/metrics"
	"relayguard/internal/quota"
	"relayguard/internal/stake"
	"relayguard/internal/tier"
	"relayguard/internal/treasury"
)

// Admission rejection reasons raised by the orchestrator itself. Quota and
// treasury rejections carry their component's reason unchanged.
const (
	ReasonInvalidRequest = "invalid_request"
	ReasonCircuitOpen    = "circuit_open"
	ReasonBlacklisted    = "blacklisted"
	ReasonIneligible     = "ineligible"
	ReasonDependency     = "dependency_failure"
)

// Stages of the admission pipeline, in evaluation order.
const (
	StageRequest     = "request"
	StageCircuit     = "circuit"
	StageBlacklist   = "blacklist"
	StageEligibility = "eligibility"
	StageQuota       = "quota"
	StageTreasury    = "treasury"
)

// ErrUnknownTransaction is returned by Complete for ids that were never
// admitted or were already completed.
var ErrUnknownTransaction = errors.New("guard: unknown transaction")

// Request is an inbound relay request.
type Request struct {
	TxID     string          `json:"tx_id"`
	Identity string          `json:"identity"`
	Fee      decimal.Decimal `json:"fee"`
}

// Admission is the orchestrator's decision for one request.
type Admission struct {
	Admitted        bool            `json:"admitted"`
	TxID            string          `json:"tx_id"`
	Identity        string          `json:"identity"`
	Stage           string          `json:"stage,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Detail          string          `json:"detail,omitempty"`
	RetryAfter      time.Duration   `json:"retry_after,omitempty"`
	Tier            tier.Tier       `json:"tier"`
	Benefits        tier.Benefits   `json:"benefits"`
	Fee             decimal.Decimal `json:"fee"`
	TreasuryAddress string          `json:"treasury_address,omitempty"`
}

// Result reports how a submitted transaction ended.
type Result struct {
	Success   bool
	ActualFee decimal.Decimal
}

// Submitter hands an admitted transaction to the ledger. A returned error
// counts as a failed submission.
type Submitter interface {
	Submit(ctx context.Context, adm Admission) (Result, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, adm Admission) (Result, error)

// Submit calls f.
func (f SubmitterFunc) Submit(ctx context.Context, adm Admission) (Result, error) { return f(ctx, adm) }

// Options configure the orchestrator.
type Options struct {
	// ValidateIdentity rejects malformed identities before any check runs.
	ValidateIdentity func(identity string) error
	Clock            func() time.Time
	NewTxID          func() string
}

// Status is an aggregate view of every component.
type Status struct {
	Circuit  circuit.Status    `json:"circuit"`
	Treasury treasury.Status   `json:"treasury"`
	Capacity treasury.Capacity `json:"capacity"`
	Stake    stake.Stats       `json:"stake"`
	Quota    quota.Statistics  `json:"quota"`
	InFlight int               `json:"in_flight"`
}

type inflight struct {
	identity string
	fee      decimal.Decimal
	at       time.Time
}

// Guard composes the circuit breaker, stake guard, rate limiter and
// treasury into one admission pipeline.
type Guard struct {
	opts     Options
	circuit  *circuit.Breaker
	stakes   *stake.Guard
	quota    *quota.Limiter
	treasury *treasury.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]inflight
}

// New builds an orchestrator. m may be nil.
func New(opts Options, cb *circuit.Breaker, sg *stake.Guard, rl *quota.Limiter, tm *treasury.Manager, m *metrics.Metrics, logger zerolog.Logger) *Guard {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewTxID == nil {
		opts.NewTxID = uuid.NewString
	}
	return &Guard{
		opts:     opts,
		circuit:  cb,
		stakes:   sg,
		quota:    rl,
		treasury: tm,
		metrics:  m,
		logger:   logger.With().Str("component", "guard").Logger(),
		pending:  make(map[string]inflight),
	}
}

// Circuit returns the circuit breaker.
func (g *Guard) Circuit() *circuit.Breaker { return g.circuit }

// Stakes returns the stake guard.
func (g *Guard) Stakes() *stake.Guard { return g.stakes }

// Quota returns the rate limiter.
func (g *Guard) Quota() *quota.Limiter { return g.quota }

// Treasury returns the treasury manager.
func (g *Guard) Treasury() *treasury.Manager { return g.treasury }

// Admit runs the admission checks in order and stops at the first
// rejection. An admitted request holds a quota slot and a fee reservation
// until Complete is called.
func (g *Guard) Admit(ctx context.Context, req Request) Admission {
	start := time.Now()
	adm := g.admit(ctx, req)
	g.metrics.ObserveAdmission(adm.Admitted, adm.Reason, time.Since(start))

	logger := g.logger.With().Str("tx_id", adm.TxID).Str("identity", adm.Identity).Logger()
	if adm.Admitted {
		logger.Debug().Str("tier", adm.Tier.String()).Str("fee", adm.Fee.String()).Msg("request admitted")
	} else {
		logger.Info().Str("stage", adm.Stage).Str("reason", adm.Reason).Str("detail", adm.Detail).Msg("request rejected")
	}
	return adm
}

func (g *Guard) admit(ctx context.Context, req Request) Admission {
	identity := normalize(req.Identity)
	adm := Admission{TxID: req.TxID, Identity: identity, Fee: req.Fee, Tier: tier.None}
	if adm.TxID == "" {
		adm.TxID = g.opts.NewTxID()
	}

	d := g.circuit.CanProceed()
	if !d.Allowed {
		adm.RetryAfter = d.RetryAfter
		return reject(adm, StageCircuit, ReasonCircuitOpen, d.Reason.String())
	}

	if identity == "" {
		return reject(adm, StageRequest, ReasonInvalidRequest, "identity required")
	}
	if g.opts.ValidateIdentity != nil {
		if err := g.opts.ValidateIdentity(identity); err != nil {
			return reject(adm, StageRequest, ReasonInvalidRequest, err.Error())
		}
	}

	listed, err := g.stakes.IsBlacklisted(ctx, identity)
	if err != nil {
		g.logger.Error().Err(err).Str("identity", identity).Msg("blacklist check failed")
		return reject(adm, StageBlacklist, ReasonDependency, err.Error())
	}
	if listed {
		return reject(adm, StageBlacklist, ReasonBlacklisted, "")
	}

	elig := g.stakes.VerifyEligibility(ctx, identity)
	adm.Tier = elig.Tier
	adm.Benefits = elig.Benefits
	if !elig.Eligible {
		return reject(adm, StageEligibility, ReasonIneligible, elig.Reason)
	}

	q := g.quota.CheckLimit(identity, elig.Tier)
	if !q.Allowed {
		adm.RetryAfter = q.RetryAfter
		return reject(adm, StageQuota, q.Reason, fmt.Sprintf("daily %d/%d, monthly %d/%d",
			q.DailyUsed, q.DailyLimit, q.MonthlyUsed, q.MonthlyLimit))
	}

	if !g.treasury.Refreshed() {
		if err := g.treasury.RefreshBalance(ctx); err != nil {
			g.quota.Release(identity)
			g.logger.Error().Err(err).Msg("initial treasury refresh failed")
			return reject(adm, StageTreasury, ReasonDependency, err.Error())
		}
	}

	res := g.treasury.ReserveFee(adm.TxID, req.Fee, identity)
	if !res.Accepted {
		g.quota.Release(identity)
		return reject(adm, StageTreasury, res.Reason, "")
	}

	g.mu.Lock()
	g.pending[adm.TxID] = inflight{identity: identity, fee: req.Fee, at: g.opts.Clock()}
	g.mu.Unlock()

	adm.Admitted = true
	adm.TreasuryAddress = res.TreasuryAddress
	return adm
}

// Complete books the outcome of an admitted transaction. On success the
// fee is confirmed, the quota slot becomes usage and the circuit records a
// success. On failure the reservation and slot are released and the
// circuit records a failure.
func (g *Guard) Complete(ctx context.Context, txID string, res Result) error {
	g.mu.Lock()
	p, ok := g.pending[txID]
	delete(g.pending, txID)
	g.mu.Unlock()

	if !ok {
		g.logger.Warn().Str("tx_id", txID).Msg("completion for unknown transaction ignored")
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}

	if res.Success {
		fee := res.ActualFee
		if fee.IsZero() {
			fee = p.fee
		}
		g.treasury.ConfirmFeePayment(txID, fee)
		g.quota.RecordTransaction(p.identity, fee)
		g.circuit.RecordTransaction(true, p.identity, fee)
		g.metrics.ObserveCompletion(true, fee.InexactFloat64())
		return nil
	}

	g.treasury.ReleaseReservation(txID)
	g.quota.Release(p.identity)
	g.circuit.RecordTransaction(false, p.identity, p.fee)
	g.metrics.ObserveCompletion(false, 0)
	return nil
}

// Relay admits req, submits it and books the outcome.
func (g *Guard) Relay(ctx context.Context, req Request, sub Submitter) (Admission, Result, error) {
	adm := g.Admit(ctx, req)
	if !adm.Admitted {
		return adm, Result{}, nil
	}

	res, err := sub.Submit(ctx, adm)
	if err != nil {
		g.logger.Warn().Err(err).Str("tx_id", adm.TxID).Msg("submission failed")
		res = Result{Success: false}
	}
	if cerr := g.Complete(ctx, adm.TxID, res); cerr != nil {
		return adm, res, cerr
	}
	return adm, res, err
}

// ExpireStale releases admissions that were never completed within maxAge
// and returns how many were dropped. Treasury holds without a matching
// admission are expired as well.
func (g *Guard) ExpireStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := g.opts.Clock().Add(-maxAge)

	g.mu.Lock()
	stale := make(map[string]inflight)
	for id, p := range g.pending {
		if p.at.Before(cutoff) {
			stale[id] = p
			delete(g.pending, id)
		}
	}
	g.mu.Unlock()

	for id, p := range stale {
		g.treasury.ReleaseReservation(id)
		g.quota.Release(p.identity)
		g.logger.Warn().Str("tx_id", id).Str("identity", p.identity).Msg("stale admission released")
	}
	return len(stale) + g.treasury.ExpireReservations(maxAge)
}

// Status aggregates every component's status.
func (g *Guard) Status() Status {
	g.mu.Lock()
	n := len(g.pending)
	g.mu.Unlock()

	return Status{
		Circuit:  g.circuit.Status(),
		Treasury: g.treasury.Status(),
		Capacity: g.treasury.EstimateRemainingCapacity(),
		Stake:    g.stakes.Stats(),
		Quota:    g.quota.GetStatistics(),
		InFlight: n,
	}
}

func reject(adm Admission, stage, reason, detail string) Admission {
	adm.Admitted = false
	adm.Stage = stage
	adm.Reason = reason
	adm.Detail = detail
	return adm
}

// Normalize canonicalises an identity the way the guard keys it.
func Normalize(identity string) string { return normalize(identity) }

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
