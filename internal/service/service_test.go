package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayguard/internal/circuit"
	"relayguard/internal/guard"
	"relayguard/internal/quota"
	"relayguard/internal/stake"
	"relayguard/internal/storage"
	"relayguard/internal/tier"
	"relayguard/internal/treasury"
)

type fakeLedger struct {
	mu      sync.Mutex
	balance decimal.Decimal
	err     error
}

func (f *fakeLedger) AccountBalance(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.err
}

func (f *fakeLedger) CollateralBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(500), nil
}

type fakeStore struct {
	mu        sync.Mutex
	snapshots []storage.TreasurySnapshot
	cutoffs   []time.Time
	lockHeld  bool
	lockCalls int
	unlocked  int
	insertErr error
}

func (f *fakeStore) InsertSnapshot(_ context.Context, snap storage.TreasurySnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.snapshots = append(f.snapshots, snap)
	return nil
}

func (f *fakeStore) ListSnapshotsBetween(context.Context, time.Time, time.Time) ([]storage.TreasurySnapshot, error) {
	return nil, nil
}

func (f *fakeStore) ListRecentSnapshots(context.Context, int) ([]storage.TreasurySnapshot, error) {
	return nil, nil
}

func (f *fakeStore) InsertEvent(_ context.Context, rec storage.EventRecord) (storage.EventRecord, error) {
	return rec, nil
}

func (f *fakeStore) ListRecentEvents(context.Context, int) ([]storage.EventRecord, error) {
	return nil, nil
}

func (f *fakeStore) DeleteEventsBefore(_ context.Context, olderThan time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, olderThan)
	return nil
}

func (f *fakeStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockCalls++
	if f.lockHeld {
		return nil, false, nil
	}
	return func() {
		f.mu.Lock()
		f.unlocked++
		f.mu.Unlock()
	}, true, nil
}

var (
	_ storage.SnapshotStore  = (*fakeStore)(nil)
	_ storage.EventStore     = (*fakeStore)(nil)
	_ storage.AdvisoryLocker = (*fakeStore)(nil)
)

type fixture struct {
	svc    *Service
	guard  *guard.Guard
	ledger *fakeLedger
	store  *fakeStore
	now    time.Time
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		ledger: &fakeLedger{balance: decimal.NewFromInt(5000)},
		store:  &fakeStore{},
		now:    time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	logger := zerolog.Nop()

	cb := circuit.New(circuit.Options{Clock: clock}, logger)
	sg := stake.NewGuard(stake.Options{MinimumStakeForAccess: decimal.NewFromInt(10), Clock: clock},
		tier.DefaultTable(), f.ledger, nil, nil, logger)
	rl := quota.New(quota.Options{Clock: clock}, logger)
	tm := treasury.NewManager(treasury.Options{
		Address:        "0xtreasury",
		DailyCap:       decimal.NewFromInt(100),
		PerTxCap:       decimal.NewFromInt(1),
		NetworkReserve: decimal.NewFromInt(1),
		Clock:          clock,
	}, f.ledger, logger)
	f.guard = guard.New(guard.Options{Clock: clock}, cb, sg, rl, tm, nil, logger)
	f.svc = New(opts, f.guard, f.store, f.store, logger)
	return f
}

func TestJobs(t *testing.T) {
	f := newFixture(t, Options{RefreshInterval: 30 * time.Second, PruneInterval: time.Minute, ExpiryInterval: 2 * time.Minute})

	jobs := f.svc.Jobs()
	require.Len(t, jobs, 3)
	names := map[string]time.Duration{}
	for _, j := range jobs {
		require.NotNil(t, j.Tick)
		names[j.Name] = j.Interval
	}
	assert.Equal(t, 30*time.Second, names["treasury_refresh"])
	assert.Equal(t, time.Minute, names["prune"])
	assert.Equal(t, 2*time.Minute, names["expire_stale"])
}

func TestRefreshTreasuryRecordsSnapshot(t *testing.T) {
	f := newFixture(t, Options{Snapshots: true, AdvisoryLockKey: 42})

	require.NoError(t, f.svc.RefreshTreasury(context.Background(), f.now))

	require.Len(t, f.store.snapshots, 1)
	snap := f.store.snapshots[0]
	assert.True(t, snap.Balance.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "HEALTHY", snap.Health)
	assert.Equal(t, f.now, snap.TakenAt)
	assert.Equal(t, 1, f.store.unlocked)
	assert.Equal(t, circuit.Closed, f.guard.Circuit().State())
}

func TestRefreshTreasuryTripsCircuitOnLowBalance(t *testing.T) {
	f := newFixture(t, Options{})
	f.ledger.balance = decimal.NewFromInt(50)

	require.NoError(t, f.svc.RefreshTreasury(context.Background(), f.now))

	st := f.guard.Circuit().Status()
	assert.Equal(t, circuit.Open, st.State)
	assert.Equal(t, circuit.LowBalance, st.Reason)
	assert.Empty(t, f.store.snapshots, "snapshots disabled")
}

func TestRefreshTreasurySkipsSnapshotWhenLockHeld(t *testing.T) {
	f := newFixture(t, Options{Snapshots: true, AdvisoryLockKey: 42})
	f.store.lockHeld = true

	require.NoError(t, f.svc.RefreshTreasury(context.Background(), f.now))
	assert.Equal(t, 1, f.store.lockCalls)
	assert.Empty(t, f.store.snapshots)
}

func TestRefreshTreasuryErrors(t *testing.T) {
	f := newFixture(t, Options{Snapshots: true})
	f.ledger.err = errors.New("node down")

	err := f.svc.RefreshTreasury(context.Background(), f.now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node down")
	assert.Empty(t, f.store.snapshots)

	f.ledger.err = nil
	f.store.insertErr = errors.New("disk full")
	err = f.svc.RefreshTreasury(context.Background(), f.now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert snapshot")
}

func TestPrune(t *testing.T) {
	f := newFixture(t, Options{QuotaIdleTTL: time.Hour, EventRetention: 24 * time.Hour})
	ctx := context.Background()

	adm := f.guard.Admit(ctx, guard.Request{Identity: "alice", Fee: decimal.RequireFromString("0.01")})
	require.True(t, adm.Admitted, adm.Reason)
	require.NoError(t, f.guard.Complete(ctx, adm.TxID, guard.Result{Success: true}))

	f.now = f.now.Add(2 * time.Hour)
	require.NoError(t, f.svc.Prune(ctx, f.now))

	assert.Zero(t, f.guard.Circuit().Status().HistorySize)
	assert.Zero(t, f.guard.Stakes().Stats().CachedIdentities)
	assert.Zero(t, f.guard.Quota().GetStatistics().ActiveIdentities)
	require.Len(t, f.store.cutoffs, 1)
	assert.Equal(t, f.now.Add(-24*time.Hour), f.store.cutoffs[0])
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t, Options{ReservationTTL: 10 * time.Minute})
	ctx := context.Background()

	adm := f.guard.Admit(ctx, guard.Request{Identity: "bob", Fee: decimal.RequireFromString("0.01")})
	require.True(t, adm.Admitted, adm.Reason)

	require.NoError(t, f.svc.ExpireStale(ctx, f.now))
	assert.Equal(t, 1, f.guard.Status().InFlight)

	f.now = f.now.Add(11 * time.Minute)
	require.NoError(t, f.svc.ExpireStale(ctx, f.now))
	assert.Zero(t, f.guard.Status().InFlight)
	assert.True(t, f.guard.Treasury().Status().Reserved.IsZero())
}
