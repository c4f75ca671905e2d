package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "relayguard", cfg.App.Name)
	assert.Equal(t, 50, cfg.Circuit.VelocityThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Circuit.RecoveryTime)
	assert.Equal(t, "100", cfg.Circuit.MinBalance.String())
	assert.Equal(t, "1000", cfg.Treasury.DailyCap.String())
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RefreshInterval)
	assert.Equal(t, []string{"log"}, cfg.Alerting.Channels)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RELAYGUARD_TREASURY_DAILY_CAP", "250.5")
	t.Setenv("RELAYGUARD_CIRCUIT_RECOVERY_TIME", "90s")
	t.Setenv("RELAYGUARD_ALERTING_CHANNELS", "log,telegram")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "250.5", cfg.Treasury.DailyCap.String())
	assert.Equal(t, 90*time.Second, cfg.Circuit.RecoveryTime)
	assert.Equal(t, []string{"log", "telegram"}, cfg.Alerting.Channels)
}

func TestLoadFileWithTiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relayguard.yaml")
	body := `
treasury:
  address: "0x00000000000000000000000000000000000000aa"
  per_tx_cap: 0.5
stake:
  blacklist: ["0xdead"]
  tiers:
    - name: NONE
      min_stake: 0
      daily_limit: 2
      monthly_limit: 20
    - name: EXPLORER
      min_stake: 50
      daily_limit: 6
      monthly_limit: 120
      fee_discount_pct: "2.5"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.5", cfg.Treasury.PerTxCap.String())
	assert.Equal(t, []string{"0xdead"}, cfg.Stake.Blacklist)
	require.Len(t, cfg.Stake.Tiers, 2)
	assert.Equal(t, "50", cfg.Stake.Tiers[1].MinStake.String())
	assert.Equal(t, "2.5", cfg.Stake.Tiers[1].FeeDiscountPct.String())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Treasury.DailyCap = decimal.RequireFromString("0.5")
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Circuit.ErrorRateThreshold = 120
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Circuit.ErrorRateThreshold = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Circuit.VelocityThreshold = 100
	bad.Circuit.MaxHistory = 100
	assert.ErrorContains(t, bad.Validate(), "circuit.max_history")

	bad.Circuit.MaxHistory = 101
	assert.NoError(t, bad.Validate())

	bad = *cfg
	bad.Alerting.Telegram.Enabled = true
	assert.Error(t, bad.Validate())

	assert.Equal(t, 10, cfg.ResolveMaxPoints(10))
	assert.Equal(t, 100000, cfg.ResolveMaxPoints(0))
}
