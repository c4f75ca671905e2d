package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayguard/internal/circuit"
	"relayguard/internal/config"
	"relayguard/internal/events"
	"relayguard/internal/guard"
	"relayguard/internal/quota"
	"relayguard/internal/storage"
	"relayguard/internal/tier"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	return NewApp(cfg, zerolog.Nop())
}

func TestTierTableFromConfig(t *testing.T) {
	a := newTestApp(t)

	table, err := a.TierTable()
	require.NoError(t, err)
	assert.Equal(t, tier.DefaultTable().All(), table.All())

	a.Config.Stake.Tiers = []config.TierConfig{{Name: "NONE", DailyLimit: 1}}
	_, err = a.TierTable()
	require.Error(t, err, "a partial table is rejected")

	a.Config.Stake.Tiers = []config.TierConfig{{Name: "GENERAL"}}
	_, err = a.TierTable()
	require.Error(t, err)
}

func TestSimulateMixedTiers(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer

	report, err := a.Simulate(context.Background(), SimulateOptions{Requests: 20, Identities: 5, Seed: 7}, &out)
	require.NoError(t, err)

	assert.Equal(t, 13, report.Admitted)
	assert.Equal(t, 13, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Equal(t, map[string]int{guard.ReasonIneligible: 4, quota.ReasonDailyLimit: 3}, report.Rejections)
	assert.Equal(t, circuit.Closed, report.Final.Circuit.State)
	assert.True(t, report.Final.Treasury.TotalFeesPaid.Equal(decimal.RequireFromString("0.00013")))
	assert.Contains(t, out.String(), "Rejected: ineligible")
}

func TestSimulateFailuresTripCircuit(t *testing.T) {
	a := newTestApp(t)
	var out bytes.Buffer

	report, err := a.Simulate(context.Background(), SimulateOptions{Requests: 20, Identities: 5, FailureRatio: 1}, &out)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Admitted)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 18, report.Rejections[guard.ReasonCircuitOpen])
	assert.Equal(t, circuit.Open, report.Final.Circuit.State)
	require.NotEmpty(t, report.Events)
	assert.Equal(t, events.CircuitTripped, report.Events[0].Kind)
	assert.Equal(t, "HIGH_ERROR_RATE", report.Events[0].Reason)
	assert.True(t, report.Final.Treasury.Reserved.IsZero())
}

func TestSimulateValidatesOptions(t *testing.T) {
	a := newTestApp(t)

	_, err := a.Simulate(context.Background(), SimulateOptions{Requests: 0, Identities: 1}, &bytes.Buffer{})
	require.Error(t, err)
	_, err = a.Simulate(context.Background(), SimulateOptions{Requests: 1, Identities: 1, FailureRatio: 1.5}, &bytes.Buffer{})
	require.Error(t, err)
}

type memSnapshots struct {
	snaps []storage.TreasurySnapshot
	from  time.Time
	to    time.Time
}

func (m *memSnapshots) InsertSnapshot(_ context.Context, snap storage.TreasurySnapshot) error {
	m.snaps = append(m.snaps, snap)
	return nil
}

func (m *memSnapshots) ListSnapshotsBetween(_ context.Context, from, to time.Time) ([]storage.TreasurySnapshot, error) {
	m.from, m.to = from, to
	return m.snaps, nil
}

func (m *memSnapshots) ListRecentSnapshots(context.Context, int) ([]storage.TreasurySnapshot, error) {
	return m.snaps, nil
}

func TestExportWritesCSVAndPNG(t *testing.T) {
	a := newTestApp(t)
	dir := t.TempDir()
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	store := &memSnapshots{}
	for i := 0; i < 10; i++ {
		store.snaps = append(store.snaps, storage.TreasurySnapshot{
			TakenAt:          start.Add(time.Duration(i) * time.Minute),
			Balance:          decimal.NewFromInt(int64(5000 - i*10)),
			Reserved:         decimal.NewFromInt(int64(i % 3)),
			Available:        decimal.NewFromInt(int64(4900 - i*10)),
			DailySpend:       decimal.NewFromInt(int64(i * 10)),
			Health:           "HEALTHY",
			TransactionCount: int64(i),
			TotalFees:        decimal.NewFromInt(int64(i * 10)),
		})
	}

	csvPath := filepath.Join(dir, "out", "snapshots.csv")
	pngPath := filepath.Join(dir, "out", "snapshots.png")
	opts := ExportOptions{CSVPath: csvPath, PNGPath: pngPath, MaxPoints: 5}
	require.NoError(t, a.export(context.Background(), store, opts, start.Add(time.Hour)))

	assert.Equal(t, start.Add(time.Hour).Add(-5*a.Config.Scheduler.RefreshInterval), store.from)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6, "header plus downsampled rows")
	assert.Equal(t, "taken_at", rows[0][0])
	assert.Equal(t, "5000", rows[1][1])
	assert.Equal(t, "4910", rows[5][1], "last snapshot is kept")

	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestExportRejectsEmptyWindow(t *testing.T) {
	a := newTestApp(t)
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	err := a.export(context.Background(), &memSnapshots{}, ExportOptions{CSVPath: "x.csv", From: &at, To: &at}, at)
	require.Error(t, err)
	require.Error(t, a.Export(context.Background(), ExportOptions{}))
}

func TestDownsampleSnapshots(t *testing.T) {
	snaps := make([]storage.TreasurySnapshot, 7)
	for i := range snaps {
		snaps[i].TransactionCount = int64(i)
	}

	assert.Len(t, downsampleSnapshots(snaps, 0), 7)
	assert.Len(t, downsampleSnapshots(snaps, 10), 7)
	one := downsampleSnapshots(snaps, 1)
	require.Len(t, one, 1)
	assert.EqualValues(t, 6, one[0].TransactionCount)
	three := downsampleSnapshots(snaps, 3)
	assert.EqualValues(t, []int64{0, 3, 6}, []int64{three[0].TransactionCount, three[1].TransactionCount, three[2].TransactionCount})
}

const (
	addrA = "0x00000000000000000000000000000000000000aa"
	addrB = "0x00000000000000000000000000000000000000bb"
)

func TestReadStakeRows(t *testing.T) {
	input := "identity,amount,source\n" +
		"0x" + strings.ToUpper(addrA[2:]) + ",10.5\n" +
		addrB + ", 200, vault\n"

	entries, err := readStakeRows(strings.NewReader(input), "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, addrA, entries[0].Identity)
	assert.Equal(t, "import", entries[0].Source)
	assert.True(t, entries[0].Amount.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, "vault", entries[1].Source)

	for name, bad := range map[string]string{
		"bad identity": "alice,10\n",
		"bad amount":   addrA + ",ten\n",
		"negative":     addrA + ",-1\n",
		"short row":    addrA + "\n",
	} {
		_, err := readStakeRows(strings.NewReader(bad), "")
		assert.Error(t, err, name)
	}
}

type memStakes struct {
	mu      sync.Mutex
	entries []storage.ExternalStake
	failOn  string
}

func (m *memStakes) ExternalStake(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (m *memStakes) UpsertExternalStake(_ context.Context, e storage.ExternalStake) error {
	if e.Identity == m.failOn {
		return errors.New("constraint violation")
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func TestImportStakes(t *testing.T) {
	a := newTestApp(t)
	entries := []storage.ExternalStake{
		{Identity: addrA, Source: "import", Amount: decimal.NewFromInt(1)},
		{Identity: addrB, Source: "import", Amount: decimal.NewFromInt(2)},
	}

	store := &memStakes{}
	require.NoError(t, a.importStakes(context.Background(), store, entries, 4))
	assert.Len(t, store.entries, 2)

	failing := &memStakes{failOn: addrB}
	err := a.importStakes(context.Background(), failing, entries, 1)
	require.Error(t, err)
	assert.Len(t, failing.entries, 1)

	require.NoError(t, a.importStakes(context.Background(), nil, entries, 2), "dry run writes nothing")
}

func TestPrintHelpers(t *testing.T) {
	var out bytes.Buffer
	printBlacklist(&out, []string{"0xAA"}, []storage.BlacklistEntry{{Identity: "0xbb", Reason: "abuse\nagain", CreatedAt: time.Unix(0, 0)}})
	text := out.String()
	assert.Contains(t, text, "0xaa")
	assert.Contains(t, text, "config")
	assert.Contains(t, text, "abuse again")

	out.Reset()
	printBlacklist(&out, nil, nil)
	assert.Equal(t, "blacklist is empty\n", out.String())

	assert.Equal(t, "a=1 b=x y", formatFields(map[string]string{"b": "x\ny", "a": "1"}))
	assert.Equal(t, "unlimited", formatLimit(tier.Unlimited))

	out.Reset()
	printTiers(&out, tier.DefaultTable())
	assert.Contains(t, out.String(), "COMMODORE")
}
