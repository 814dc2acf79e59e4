package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ydxt25/QuantSystem-sub000/internal/domain"
)

// DefaultPath is used when QUANTSYS_CONFIG is unset.
const DefaultPath = "config/quantsys.yaml"

// DateLayout is the layout of start_date and end_date.
const DateLayout = "2006-01-02"

// ErrInvalid wraps every validation failure. Configuration errors are fatal
// at setup.
var ErrInvalid = errors.New("invalid configuration")

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the backtest engine.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Gather   GatherConfig   `yaml:"gather"`
	Backtest BacktestConfig `yaml:"backtest"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	ParquetDir string `yaml:"parquet_dir"`
}

// Server holds the status API listener configuration.
type Server struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for Alpaca market data.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GatherConfig controls remote fetching of days missing from the local cache.
type GatherConfig struct {
	RemoteFetch     bool   `yaml:"remote_fetch"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	MaxAttempts     int    `yaml:"max_attempts"`
	MaxWorkers      int    `yaml:"max_workers"`
}

// BacktestConfig describes one backtest run.
type BacktestConfig struct {
	Algorithm         string               `yaml:"algorithm"`
	StartDate         string               `yaml:"start_date"`
	EndDate           string               `yaml:"end_date"`
	TimeZone          string               `yaml:"time_zone"`
	Cash              float64              `yaml:"cash"`
	BridgeCapacity    int                  `yaml:"bridge_capacity"`
	IncludeTicks      bool                 `yaml:"include_ticks"`
	SyncTimeout       time.Duration        `yaml:"sync_timeout"`
	PollInterval      time.Duration        `yaml:"poll_interval"`
	SynchronousOrders bool                 `yaml:"synchronous_orders"`
	OrderTimeout      time.Duration        `yaml:"order_timeout"`
	LiquidateOnExit   bool                 `yaml:"liquidate_on_exit"`
	SamplePeriod      time.Duration        `yaml:"sample_period"`
	MaxPositionPct    float64              `yaml:"max_position_pct"`
	MaxDailyLossPct   float64              `yaml:"max_daily_loss_pct"`
	ExportPath        string               `yaml:"export_path"`
	Parameters        map[string]float64   `yaml:"parameters"`
	Subscriptions     []SubscriptionConfig `yaml:"subscriptions"`
}

// SubscriptionConfig is the YAML form of one data subscription.
type SubscriptionConfig struct {
	Symbol        string `yaml:"symbol"`
	SecurityType  string `yaml:"security_type"`
	Resolution    string `yaml:"resolution"`
	Market        string `yaml:"market"`
	FillForward   bool   `yaml:"fill_forward"`
	ExtendedHours bool   `yaml:"extended_hours"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// PathFromEnv returns the config path from QUANTSYS_CONFIG or DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv("QUANTSYS_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, fills defaults and then applies environment variable
// overrides. It does not validate; callers that run a backtest call
// Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Gather.Feed == "" {
		cfg.Gather.Feed = "sip"
	}
	if cfg.Gather.MaxAttempts == 0 {
		cfg.Gather.MaxAttempts = 3
	}
	if cfg.Gather.MaxWorkers == 0 {
		cfg.Gather.MaxWorkers = 4
	}

	b := &cfg.Backtest
	if b.TimeZone == "" {
		b.TimeZone = "America/New_York"
	}
	if b.Cash == 0 {
		b.Cash = 100_000
	}
	if b.BridgeCapacity == 0 {
		b.BridgeCapacity = 500
	}
	if b.SyncTimeout == 0 {
		b.SyncTimeout = 3 * time.Second
	}
	if b.PollInterval == 0 {
		b.PollInterval = 100 * time.Millisecond
	}
	if b.OrderTimeout == 0 {
		b.OrderTimeout = 5 * time.Second
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("PARQUET_DIR"); v != "" {
		cfg.Storage.ParquetDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars take precedence.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks the backtest section. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	b := c.Backtest
	if b.Algorithm == "" {
		return fmt.Errorf("%w: backtest.algorithm is required", ErrInvalid)
	}
	if _, err := time.LoadLocation(b.TimeZone); err != nil {
		return fmt.Errorf("%w: backtest.time_zone: %v", ErrInvalid, err)
	}
	if _, _, err := c.Window(); err != nil {
		return err
	}
	if b.Cash <= 0 {
		return fmt.Errorf("%w: backtest.cash must be positive", ErrInvalid)
	}
	if b.MaxPositionPct < 0 || b.MaxPositionPct > 1 || b.MaxDailyLossPct < 0 || b.MaxDailyLossPct > 1 {
		return fmt.Errorf("%w: risk limits must be fractions in [0, 1]", ErrInvalid)
	}
	if b.BridgeCapacity < 1 {
		return fmt.Errorf("%w: backtest.bridge_capacity must be at least 1", ErrInvalid)
	}
	if len(b.Subscriptions) == 0 {
		return fmt.Errorf("%w: backtest.subscriptions is empty", ErrInvalid)
	}
	if _, err := c.SubscriptionConfigs(); err != nil {
		return err
	}
	if c.Gather.RemoteFetch && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return fmt.Errorf("%w: gather.remote_fetch requires alpaca credentials", ErrInvalid)
	}
	return nil
}

// Location returns the run time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Backtest.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("%w: backtest.time_zone: %v", ErrInvalid, err)
	}
	return loc, nil
}

// Window parses the backtest start and end dates in the run time zone.
func (c *Config) Window() (start, end time.Time, err error) {
	loc, err := c.Location()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, err = time.ParseInLocation(DateLayout, c.Backtest.StartDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: backtest.start_date: %v", ErrInvalid, err)
	}
	end, err = time.ParseInLocation(DateLayout, c.Backtest.EndDate, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: backtest.end_date: %v", ErrInvalid, err)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: backtest.end_date %s precedes start_date %s",
			ErrInvalid, c.Backtest.EndDate, c.Backtest.StartDate)
	}
	return start, end, nil
}

// SubscriptionConfigs converts the YAML subscriptions into domain configs,
// rejecting duplicates and unknown enum values.
func (c *Config) SubscriptionConfigs() ([]*domain.SubscriptionConfig, error) {
	seen := make(map[string]bool, len(c.Backtest.Subscriptions))
	out := make([]*domain.SubscriptionConfig, 0, len(c.Backtest.Subscriptions))
	for i, s := range c.Backtest.Subscriptions {
		st, err := domain.ParseSecurityType(s.SecurityType)
		if err != nil {
			return nil, fmt.Errorf("%w: subscriptions[%d]: %v", ErrInvalid, i, err)
		}
		res, err := domain.ParseResolution(s.Resolution)
		if err != nil {
			return nil, fmt.Errorf("%w: subscriptions[%d]: %v", ErrInvalid, i, err)
		}
		market, err := domain.ParseMarket(s.Market)
		if err != nil {
			return nil, fmt.Errorf("%w: subscriptions[%d]: %v", ErrInvalid, i, err)
		}
		sub, err := domain.NewSubscriptionConfig(s.Symbol, st, market, res, s.FillForward, s.ExtendedHours)
		if err != nil {
			return nil, fmt.Errorf("%w: subscriptions[%d]: %v", ErrInvalid, i, err)
		}
		key := sub.String()
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate subscription %s", ErrInvalid, key)
		}
		seen[key] = true
		out = append(out, sub)
	}
	return out, nil
}
