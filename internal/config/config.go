package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"relayguard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Circuit   CircuitConfig   `mapstructure:"circuit"`
	Treasury  TreasuryConfig  `mapstructure:"treasury"`
	Stake     StakeConfig     `mapstructure:"stake"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	API       APIConfig       `mapstructure:"api"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// LedgerConfig covers balance queries against the ledger node.
type LedgerConfig struct {
	RPCURL             string        `mapstructure:"rpc_url"`
	CollateralToken    string        `mapstructure:"collateral_token"`
	CollateralDecimals int           `mapstructure:"collateral_decimals"`
	NativeDecimals     int           `mapstructure:"native_decimals"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
}

// CircuitConfig holds breaker thresholds.
type CircuitConfig struct {
	VelocityThreshold       int             `mapstructure:"velocity_threshold"`
	VelocityWindow          time.Duration   `mapstructure:"velocity_window"`
	ErrorRateThreshold      float64         `mapstructure:"error_rate_threshold"`
	ErrorWindow             time.Duration   `mapstructure:"error_window"`
	RecoveryTime            time.Duration   `mapstructure:"recovery_time"`
	HalfOpenTestRequests    int             `mapstructure:"half_open_test_requests"`
	MinBalance              decimal.Decimal `mapstructure:"min_balance"`
	SuspiciousMinSamples    int             `mapstructure:"suspicious_min_samples"`
	SuspiciousIdentityShare float64         `mapstructure:"suspicious_identity_share"`
	ConsecutiveFailureLimit int             `mapstructure:"consecutive_failure_limit"`
	MaxHistory              int             `mapstructure:"max_history"`
}

// TreasuryConfig holds spend caps for the sponsoring account.
type TreasuryConfig struct {
	Address            string          `mapstructure:"address"`
	DailyCap           decimal.Decimal `mapstructure:"daily_cap"`
	PerTxCap           decimal.Decimal `mapstructure:"per_tx_cap"`
	NetworkReserve     decimal.Decimal `mapstructure:"network_reserve"`
	DefaultFeeEstimate decimal.Decimal `mapstructure:"default_fee_estimate"`
	CriticalBelow      decimal.Decimal `mapstructure:"critical_below"`
	WarningBelow       decimal.Decimal `mapstructure:"warning_below"`
	DegradedBelow      decimal.Decimal `mapstructure:"degraded_below"`
	ReservationTTL     time.Duration   `mapstructure:"reservation_ttl"`
}

// TierConfig overrides one row of the tier table.
type TierConfig struct {
	Name           string          `mapstructure:"name"`
	MinStake       decimal.Decimal `mapstructure:"min_stake"`
	DailyLimit     int             `mapstructure:"daily_limit"`
	MonthlyLimit   int             `mapstructure:"monthly_limit"`
	Priority       bool            `mapstructure:"priority"`
	FeeDiscountPct decimal.Decimal `mapstructure:"fee_discount_pct"`
}

// StakeConfig governs eligibility and the blacklist.
type StakeConfig struct {
	MinimumStakeForAccess decimal.Decimal `mapstructure:"minimum_stake_for_access"`
	CacheTTL              time.Duration   `mapstructure:"cache_ttl"`
	BlacklistCacheTTL     time.Duration   `mapstructure:"blacklist_cache_ttl"`
	Blacklist             []string        `mapstructure:"blacklist"`
	Tiers                 []TierConfig    `mapstructure:"tiers"`
}

// QuotaConfig governs quota bookkeeping.
type QuotaConfig struct {
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// SchedulerConfig governs background job cadence.
type SchedulerConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	PruneInterval   time.Duration `mapstructure:"prune_interval"`
	ExpiryInterval  time.Duration `mapstructure:"expiry_interval"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	Snapshots       bool          `mapstructure:"snapshots"`
	EventRetention  time.Duration `mapstructure:"event_retention"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	Cooldown  time.Duration  `mapstructure:"cooldown"`
	Channels  []string       `mapstructure:"channels"`
	QueueSize int            `mapstructure:"queue_size"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram alert parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig configures the operations HTTP server.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Listen          string        `mapstructure:"listen"`
	AdminToken      string        `mapstructure:"admin_token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "relayguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("ledger.native_decimals", 18)
	v.SetDefault("ledger.request_timeout", "10s")

	v.SetDefault("circuit.velocity_threshold", 50)
	v.SetDefault("circuit.velocity_window", "1m")
	v.SetDefault("circuit.error_rate_threshold", 30.0)
	v.SetDefault("circuit.error_window", "1m")
	v.SetDefault("circuit.recovery_time", "5m")
	v.SetDefault("circuit.half_open_test_requests", 5)
	v.SetDefault("circuit.min_balance", "100")
	v.SetDefault("circuit.suspicious_min_samples", 10)
	v.SetDefault("circuit.suspicious_identity_share", 0.5)
	v.SetDefault("circuit.consecutive_failure_limit", 10)
	v.SetDefault("circuit.max_history", 10000)

	v.SetDefault("treasury.daily_cap", "1000")
	v.SetDefault("treasury.per_tx_cap", "1")
	v.SetDefault("treasury.network_reserve", "1")
	v.SetDefault("treasury.default_fee_estimate", "0.00001")
	v.SetDefault("treasury.critical_below", "100")
	v.SetDefault("treasury.warning_below", "500")
	v.SetDefault("treasury.degraded_below", "1000")
	v.SetDefault("treasury.reservation_ttl", "10m")

	v.SetDefault("stake.minimum_stake_for_access", "10")
	v.SetDefault("stake.cache_ttl", "1m")
	v.SetDefault("stake.blacklist_cache_ttl", "5m")

	v.SetDefault("quota.idle_ttl", "48h")

	v.SetDefault("scheduler.refresh_interval", "30s")
	v.SetDefault("scheduler.prune_interval", "1m")
	v.SetDefault("scheduler.expiry_interval", "1m")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x72677264))
	v.SetDefault("scheduler.snapshots", true)
	v.SetDefault("scheduler.event_retention", "720h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "15m")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.queue_size", 64)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc decodes strings and numbers into decimal.Decimal.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.RefreshInterval <= 0 {
		return fmt.Errorf("scheduler.refresh_interval must be greater than zero")
	}
	if c.Scheduler.PruneInterval <= 0 || c.Scheduler.ExpiryInterval <= 0 {
		return fmt.Errorf("scheduler prune and expiry intervals must be greater than zero")
	}
	if !c.Treasury.PerTxCap.IsPositive() {
		return fmt.Errorf("treasury.per_tx_cap must be greater than zero")
	}
	if c.Treasury.DailyCap.LessThan(c.Treasury.PerTxCap) {
		return fmt.Errorf("treasury.daily_cap must be at least treasury.per_tx_cap")
	}
	if c.Treasury.NetworkReserve.IsNegative() {
		return fmt.Errorf("treasury.network_reserve cannot be negative")
	}
	if !(c.Treasury.CriticalBelow.LessThanOrEqual(c.Treasury.WarningBelow) &&
		c.Treasury.WarningBelow.LessThanOrEqual(c.Treasury.DegradedBelow)) {
		return fmt.Errorf("treasury health thresholds must be ordered critical <= warning <= degraded")
	}
	if c.Circuit.ErrorRateThreshold <= 0 || c.Circuit.ErrorRateThreshold > 100 {
		return fmt.Errorf("circuit.error_rate_threshold must be within (0, 100]")
	}
	if c.Circuit.VelocityThreshold <= 0 {
		return fmt.Errorf("circuit.velocity_threshold must be greater than zero")
	}
	// The history cap bounds the velocity window count.
	if c.Circuit.MaxHistory <= c.Circuit.VelocityThreshold {
		return fmt.Errorf("circuit.max_history (%d) must exceed circuit.velocity_threshold (%d)", c.Circuit.MaxHistory, c.Circuit.VelocityThreshold)
	}
	if c.Circuit.SuspiciousIdentityShare <= 0 || c.Circuit.SuspiciousIdentityShare > 1 {
		return fmt.Errorf("circuit.suspicious_identity_share must be within (0, 1]")
	}
	if c.Stake.MinimumStakeForAccess.IsNegative() {
		return fmt.Errorf("stake.minimum_stake_for_access cannot be negative")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the api is enabled")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
