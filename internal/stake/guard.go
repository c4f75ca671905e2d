package stake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"relayguard/internal/tier"
)

// CollateralSource reads the staked collateral an identity holds on-ledger.
type CollateralSource interface {
	CollateralBalance(ctx context.Context, identity string) (decimal.Decimal, error)
}

// StakeStore reads collateral staked outside the ledger query path.
type StakeStore interface {
	ExternalStake(ctx context.Context, identity string) (decimal.Decimal, error)
}

// BlacklistStore persists blacklist entries.
type BlacklistStore interface {
	IsBlacklisted(ctx context.Context, identity string) (bool, error)
	AddBlacklist(ctx context.Context, identity, reason string) error
	RemoveBlacklist(ctx context.Context, identity string) error
}

// ErrStaticEntry is returned when removing an identity blacklisted by
// configuration.
var ErrStaticEntry = errors.New("identity is blacklisted by configuration")

// Options configure eligibility and caching.
type Options struct {
	MinimumStakeForAccess decimal.Decimal
	CacheTTL              time.Duration
	BlacklistCacheTTL     time.Duration
	StaticBlacklist       []string
	Clock                 func() time.Time
}

// Eligibility is the outcome of VerifyEligibility.
type Eligibility struct {
	Identity      string          `json:"identity"`
	Eligible      bool            `json:"eligible"`
	Tier          tier.Tier       `json:"tier"`
	TotalStake    decimal.Decimal `json:"total_stake"`
	LedgerStake   decimal.Decimal `json:"ledger_stake"`
	ExternalStake decimal.Decimal `json:"external_stake"`
	Benefits      tier.Benefits   `json:"benefits"`
	Reason        string          `json:"reason,omitempty"`
	Cached        bool            `json:"cached"`
	VerifiedAt    time.Time       `json:"verified_at"`
}

// Stats exposes cache effectiveness counters.
type Stats struct {
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
	LookupFailures   int64 `json:"lookup_failures"`
	CachedIdentities int   `json:"cached_identities"`
}

type cacheEntry struct {
	result     Eligibility
	verifiedAt time.Time
}

type blacklistEntry struct {
	listed  bool
	checked time.Time
}

// Guard maps identities to eligibility and tier benefits from their stake.
// External lookup failures deny the identity rather than erroring.
type Guard struct {
	opts       Options
	table      *tier.Table
	collateral CollateralSource
	stakes     StakeStore
	blacklist  BlacklistStore
	static     map[string]struct{}
	logger     zerolog.Logger
	flight     singleflight.Group

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	blCache   map[string]blacklistEntry
	memBlocks map[string]string

	// gen is bumped by every cache clear. Lookups started under an older
	// generation do not populate the cache.
	gen uint64

	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

// NewGuard builds a stake guard. stakes and blacklist may be nil; without a
// blacklist store, runtime blacklist changes are kept in memory.
func NewGuard(opts Options, table *tier.Table, collateral CollateralSource, stakes StakeStore, blacklist BlacklistStore, logger zerolog.Logger) *Guard {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	if table == nil {
		table = tier.DefaultTable()
	}

	static := make(map[string]struct{}, len(opts.StaticBlacklist))
	for _, id := range opts.StaticBlacklist {
		static[normalize(id)] = struct{}{}
	}

	return &Guard{
		opts:       opts,
		table:      table,
		collateral: collateral,
		stakes:     stakes,
		blacklist:  blacklist,
		static:     static,
		logger:     logger.With().Str("component", "stake_guard").Logger(),
		cache:      make(map[string]cacheEntry),
		blCache:    make(map[string]blacklistEntry),
		memBlocks:  make(map[string]string),
	}
}

// Table returns the tier table in use.
func (g *Guard) Table() *tier.Table { return g.table }

// VerifyEligibility resolves the identity's tier, serving from cache while
// the entry is fresh. It never returns an error: lookup failures produce an
// ineligible NONE result with a reason.
func (g *Guard) VerifyEligibility(ctx context.Context, identity string) Eligibility {
	now := g.opts.Clock()

	g.mu.RLock()
	entry, ok := g.cache[identity]
	g.mu.RUnlock()
	if ok && now.Sub(entry.verifiedAt) < g.opts.CacheTTL {
		g.hits.Add(1)
		res := entry.result
		res.Cached = true
		return res
	}
	g.misses.Add(1)

	v, err, _ := g.flight.Do(identity, func() (interface{}, error) {
		return g.lookup(ctx, identity)
	})
	if err != nil {
		g.failures.Add(1)
		g.logger.Error().Err(err).Str("identity", identity).Msg("stake lookup failed; denying")
		return Eligibility{
			Identity:   identity,
			Eligible:   false,
			Tier:       tier.None,
			Benefits:   g.table.Benefits(tier.None),
			Reason:     "stake verification unavailable: " + err.Error(),
			VerifiedAt: now,
		}
	}
	return v.(Eligibility)
}

func (g *Guard) lookup(ctx context.Context, identity string) (Eligibility, error) {
	if g.collateral == nil {
		return Eligibility{}, errors.New("collateral source not configured")
	}

	g.mu.RLock()
	gen := g.gen
	g.mu.RUnlock()

	onLedger, err := g.collateral.CollateralBalance(ctx, identity)
	if err != nil {
		return Eligibility{}, fmt.Errorf("ledger collateral: %w", err)
	}

	external := decimal.Zero
	if g.stakes != nil {
		external, err = g.stakes.ExternalStake(ctx, identity)
		if err != nil {
			return Eligibility{}, fmt.Errorf("external stake: %w", err)
		}
	}

	total := onLedger.Add(external)
	t := g.table.Of(total)
	eligible := t != tier.None || total.GreaterThanOrEqual(g.opts.MinimumStakeForAccess)

	now := g.opts.Clock()
	res := Eligibility{
		Identity:      identity,
		Eligible:      eligible,
		Tier:          t,
		TotalStake:    total,
		LedgerStake:   onLedger,
		ExternalStake: external,
		Benefits:      g.table.Benefits(t),
		VerifiedAt:    now,
	}
	if !eligible {
		res.Reason = fmt.Sprintf("stake %s below access minimum %s", total, g.opts.MinimumStakeForAccess)
	}

	g.mu.Lock()
	if g.gen == gen {
		g.cache[identity] = cacheEntry{result: res, verifiedAt: now}
	}
	g.mu.Unlock()

	g.logger.Debug().Str("identity", identity).Str("tier", t.String()).Str("stake", total.String()).
		Bool("eligible", eligible).Msg("stake verified")
	return res, nil
}

// IsBlacklisted reports whether the identity is vetoed. Store errors are
// returned with listed=true so callers deny by default.
func (g *Guard) IsBlacklisted(ctx context.Context, identity string) (bool, error) {
	key := normalize(identity)
	if _, ok := g.static[key]; ok {
		return true, nil
	}

	if g.blacklist == nil {
		g.mu.RLock()
		_, listed := g.memBlocks[key]
		g.mu.RUnlock()
		return listed, nil
	}

	now := g.opts.Clock()
	if g.opts.BlacklistCacheTTL > 0 {
		g.mu.RLock()
		entry, ok := g.blCache[key]
		g.mu.RUnlock()
		if ok && now.Sub(entry.checked) < g.opts.BlacklistCacheTTL {
			return entry.listed, nil
		}
	}

	listed, err := g.blacklist.IsBlacklisted(ctx, key)
	if err != nil {
		g.logger.Error().Err(err).Str("identity", identity).Msg("blacklist lookup failed; denying")
		return true, fmt.Errorf("blacklist lookup: %w", err)
	}

	if g.opts.BlacklistCacheTTL > 0 {
		g.mu.Lock()
		g.blCache[key] = blacklistEntry{listed: listed, checked: now}
		g.mu.Unlock()
	}
	return listed, nil
}

// Block adds an identity to the blacklist.
func (g *Guard) Block(ctx context.Context, identity, reason string) error {
	key := normalize(identity)
	if key == "" {
		return errors.New("identity required")
	}
	if g.blacklist != nil {
		if err := g.blacklist.AddBlacklist(ctx, key, reason); err != nil {
			return fmt.Errorf("add blacklist entry: %w", err)
		}
	}

	g.mu.Lock()
	if g.blacklist == nil {
		g.memBlocks[key] = reason
	}
	delete(g.blCache, key)
	g.mu.Unlock()

	g.logger.Warn().Str("identity", key).Str("reason", reason).Msg("identity blacklisted")
	return nil
}

// Unblock removes an identity from the runtime blacklist. Static entries
// from configuration cannot be removed.
func (g *Guard) Unblock(ctx context.Context, identity string) error {
	key := normalize(identity)
	if _, ok := g.static[key]; ok {
		return fmt.Errorf("%w: %s", ErrStaticEntry, key)
	}
	if g.blacklist != nil {
		if err := g.blacklist.RemoveBlacklist(ctx, key); err != nil {
			return fmt.Errorf("remove blacklist entry: %w", err)
		}
	}

	g.mu.Lock()
	delete(g.memBlocks, key)
	delete(g.blCache, key)
	g.mu.Unlock()

	g.logger.Info().Str("identity", key).Msg("identity removed from blacklist")
	return nil
}

// NextTier returns the tier above t and its requirement, or false at the top.
func (g *Guard) NextTier(t tier.Tier) (tier.Info, bool) {
	return g.table.Next(t)
}

// ClearCache forces re-verification of one identity.
func (g *Guard) ClearCache(identity string) {
	g.mu.Lock()
	g.gen++
	delete(g.cache, identity)
	delete(g.blCache, normalize(identity))
	g.mu.Unlock()
	g.flight.Forget(identity)
}

// ClearAll drops every cached eligibility and blacklist result.
func (g *Guard) ClearAll() {
	g.mu.Lock()
	g.gen++
	g.cache = make(map[string]cacheEntry)
	g.blCache = make(map[string]blacklistEntry)
	g.mu.Unlock()
}

// PruneCache evicts expired entries and returns how many were removed.
func (g *Guard) PruneCache() int {
	now := g.opts.Clock()
	removed := 0

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.cache {
		if now.Sub(e.verifiedAt) >= g.opts.CacheTTL {
			delete(g.cache, id)
			removed++
		}
	}
	for id, e := range g.blCache {
		if now.Sub(e.checked) >= g.opts.BlacklistCacheTTL {
			delete(g.blCache, id)
			removed++
		}
	}
	return removed
}

// Stats returns cache counters.
func (g *Guard) Stats() Stats {
	g.mu.RLock()
	size := len(g.cache)
	g.mu.RUnlock()
	return Stats{
		CacheHits:        g.hits.Load(),
		CacheMisses:      g.misses.Load(),
		LookupFailures:   g.failures.Load(),
		CachedIdentities: size,
	}
}

func normalize(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
