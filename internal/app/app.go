package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"relayguard/internal/alerting"
	"relayguard/internal/api"
	"relayguard/internal/circuit"
	"relayguard/internal/config"
	"relayguard/internal/guard"
	"relayguard/internal/ledger"
	"relayguard/internal/metrics"
	"relayguard/internal/quota"
	"relayguard/internal/scheduler"
	"relayguard/internal/service"
	"relayguard/internal/stake"
	"relayguard/internal/storage"
	"relayguard/internal/tier"
	"relayguard/internal/treasury"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// Sources are the ledger reads the guard depends on.
type Sources struct {
	Balances   treasury.BalanceSource
	Collateral stake.CollateralSource
	// ValidateIdentity may be nil to accept any non-empty identity.
	ValidateIdentity func(string) error
	Clock            func() time.Time
}

func (a *App) newLedger() *ledger.Client {
	cfg := a.Config.Ledger
	return ledger.New(ledger.Options{
		RPCURL:             cfg.RPCURL,
		CollateralToken:    cfg.CollateralToken,
		CollateralDecimals: cfg.CollateralDecimals,
		NativeDecimals:     cfg.NativeDecimals,
		Timeout:            cfg.RequestTimeout,
	}, a.Logger)
}

func (a *App) ledgerSources(client *ledger.Client) Sources {
	return Sources{Balances: client, Collateral: client, ValidateIdentity: ledger.ValidateIdentity}
}

// TierTable builds the tier table from configuration, falling back to the
// stock table when no tiers are configured.
func (a *App) TierTable() (*tier.Table, error) {
	if len(a.Config.Stake.Tiers) == 0 {
		return tier.DefaultTable(), nil
	}
	entries := make([]tier.Info, 0, len(a.Config.Stake.Tiers))
	for _, tc := range a.Config.Stake.Tiers {
		t, err := tier.Parse(tc.Name)
		if err != nil {
			return nil, fmt.Errorf("stake.tiers: %w", err)
		}
		entries = append(entries, tier.Info{
			Tier:     t,
			MinStake: tc.MinStake,
			Benefits: tier.Benefits{
				DailyLimit:     tc.DailyLimit,
				MonthlyLimit:   tc.MonthlyLimit,
				Priority:       tc.Priority,
				FeeDiscountPct: tc.FeeDiscountPct,
			},
		})
	}
	table, err := tier.NewTable(entries)
	if err != nil {
		return nil, fmt.Errorf("stake.tiers: %w", err)
	}
	return table, nil
}

func (a *App) circuitOptions(clock func() time.Time) circuit.Options {
	c := a.Config.Circuit
	return circuit.Options{
		VelocityThreshold:       c.VelocityThreshold,
		VelocityWindow:          c.VelocityWindow,
		ErrorRateThreshold:      c.ErrorRateThreshold,
		ErrorWindow:             c.ErrorWindow,
		RecoveryTime:            c.RecoveryTime,
		HalfOpenTestRequests:    c.HalfOpenTestRequests,
		MinBalance:              c.MinBalance,
		SuspiciousMinSamples:    c.SuspiciousMinSamples,
		SuspiciousIdentityShare: c.SuspiciousIdentityShare,
		ConsecutiveFailureLimit: c.ConsecutiveFailureLimit,
		MaxHistory:              c.MaxHistory,
		Clock:                   clock,
	}
}

func (a *App) treasuryOptions(clock func() time.Time) treasury.Options {
	t := a.Config.Treasury
	return treasury.Options{
		Address:            t.Address,
		DailyCap:           t.DailyCap,
		PerTxCap:           t.PerTxCap,
		NetworkReserve:     t.NetworkReserve,
		DefaultFeeEstimate: t.DefaultFeeEstimate,
		Thresholds: treasury.Thresholds{
			Critical: t.CriticalBelow,
			Warning:  t.WarningBelow,
			Degraded: t.DegradedBelow,
		},
		Clock: clock,
	}
}

func (a *App) stakeOptions(clock func() time.Time) stake.Options {
	s := a.Config.Stake
	return stake.Options{
		MinimumStakeForAccess: s.MinimumStakeForAccess,
		CacheTTL:              s.CacheTTL,
		BlacklistCacheTTL:     s.BlacklistCacheTTL,
		StaticBlacklist:       s.Blacklist,
		Clock:                 clock,
	}
}

// BuildGuard wires the four components into an orchestrator. store and m
// may be nil.
func (a *App) BuildGuard(src Sources, store *storage.Store, m *metrics.Metrics) (*guard.Guard, error) {
	table, err := a.TierTable()
	if err != nil {
		return nil, err
	}

	var stakes stake.StakeStore
	var blacklist stake.BlacklistStore
	if store != nil {
		stakes = store
		blacklist = store
	}

	cb := circuit.New(a.circuitOptions(src.Clock), a.Logger)
	sg := stake.NewGuard(a.stakeOptions(src.Clock), table, src.Collateral, stakes, blacklist, a.Logger)
	rl := quota.New(quota.Options{Table: table, Clock: src.Clock}, a.Logger)
	tm := treasury.NewManager(a.treasuryOptions(src.Clock), src.Balances, a.Logger)

	cb.Subscribe(m)
	tm.Subscribe(m)

	return guard.New(guard.Options{
		ValidateIdentity: src.ValidateIdentity,
		Clock:            src.Clock,
	}, cb, sg, rl, tm, m, a.Logger), nil
}

func (a *App) newNotifiers() []alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}

	var notifiers []alerting.Notifier
	for _, ch := range a.Config.Alerting.Channels {
		if strings.EqualFold(ch, "log") {
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		}
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func registerGauges(m *metrics.Metrics, g *guard.Guard) {
	m.Gauge("circuit_state", "Circuit state: 0 closed, 1 half-open, 2 open", func() float64 {
		return float64(g.Circuit().State())
	})
	m.Gauge("treasury_balance", "Last observed treasury balance", func() float64 {
		return g.Treasury().Status().Balance.InexactFloat64()
	})
	m.Gauge("treasury_reserved", "Fees currently held by reservations", func() float64 {
		return g.Treasury().Status().Reserved.InexactFloat64()
	})
	m.Gauge("treasury_available", "Balance available for new reservations", func() float64 {
		return g.Treasury().Status().Available.InexactFloat64()
	})
	m.Gauge("treasury_daily_spend", "Confirmed fees spent today (UTC)", func() float64 {
		return g.Treasury().Status().DailySpend.InexactFloat64()
	})
	m.Gauge("treasury_health", "Treasury health: 0 healthy .. 3 critical", func() float64 {
		return float64(g.Treasury().Health())
	})
	m.Gauge("stake_cache_hits", "Eligibility cache hits since start", func() float64 {
		return float64(g.Stakes().Stats().CacheHits)
	})
	m.Gauge("stake_cache_misses", "Eligibility cache misses since start", func() float64 {
		return float64(g.Stakes().Stats().CacheMisses)
	})
	m.Gauge("quota_active_identities", "Identities with quota records", func() float64 {
		return float64(g.Quota().GetStatistics().ActiveIdentities)
	})
	m.Gauge("inflight_admissions", "Admitted transactions awaiting completion", func() float64 {
		return float64(g.Status().InFlight)
	})
}

// Run executes the long-running guard: maintenance jobs, alert dispatch and
// the ops API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	client := a.newLedger()
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	g, err := a.BuildGuard(a.ledgerSources(client), store, m)
	if err != nil {
		return err
	}
	registerGauges(m, g)

	var recorder alerting.EventRecorder
	var snapshots storage.SnapshotStore
	var eventStore storage.EventStore
	if store != nil {
		recorder = store
		snapshots = store
		eventStore = store
	}

	dispatcher := alerting.NewDispatcher(alerting.DispatcherOptions{
		Service:   a.Config.App.Name,
		Channels:  a.Config.Alerting.Channels,
		Cooldown:  a.Config.Alerting.Cooldown,
		QueueSize: a.Config.Alerting.QueueSize,
	}, recorder, a.Logger, a.newNotifiers()...)
	g.Circuit().Subscribe(dispatcher)
	g.Treasury().Subscribe(dispatcher)

	if err := g.Treasury().RefreshBalance(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("initial treasury refresh failed; admissions retry lazily")
	}

	sched := scheduler.New(scheduler.Options{StartupDelay: a.Config.Scheduler.StartupDelay}, a.Logger)
	svc := service.New(service.OptionsFromConfig(a.Config), g, snapshots, eventStore, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return svc.Run(gctx, sched) })
	group.Go(func() error { return dispatcher.Run(gctx) })
	if a.Config.API.Enabled {
		srv := api.New(api.Options{
			Listen:          a.Config.API.Listen,
			AdminToken:      a.Config.API.AdminToken,
			ShutdownTimeout: a.Config.API.ShutdownTimeout,
		}, g, reg, a.Logger)
		group.Go(func() error { return srv.Run(gctx) })
	}

	a.Logger.Info().Str("treasury", a.Config.Treasury.Address).Msg("starting relay guard")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("guard terminated with error")
		return err
	}

	a.Logger.Info().Msg("relay guard stopped")
	return nil
}

// ExportOptions hold parameters for exporting treasury snapshots.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// StatusOptions configure the status command.
type StatusOptions struct {
	Events    int
	Snapshots int
}

// ImportOptions configure the external stake import.
type ImportOptions struct {
	Path    string
	Source  string
	DryRun  bool
	Workers int
}
