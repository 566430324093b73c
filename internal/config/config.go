package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"divetrader/internal/allocation"
	"divetrader/internal/domain"
	"divetrader/internal/indicator"
	"divetrader/internal/signal"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for divetrader.
type Config struct {
	Storage    Storage          `yaml:"storage"`
	Server     Server           `yaml:"server"`
	Alpaca     Alpaca           `yaml:"alpaca"`
	Logging    Logging          `yaml:"logging"`
	Redis      Redis            `yaml:"redis"`
	S3         S3               `yaml:"s3"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Live       LiveConfig       `yaml:"live"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Redis configures the shared account lock and the advisory feed.
type Redis struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"pool_size"`
	MaxRetries     int           `yaml:"max_retries"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	AdvisoryPrefix string        `yaml:"advisory_prefix"`
	AdvisoryMaxAge time.Duration `yaml:"advisory_max_age"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
}

// S3 configures the backtest report archive.
type S3 struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Prefix       string `yaml:"prefix"`
}

// BacktestConfig controls simulated execution and the data-source policy.
type BacktestConfig struct {
	InitialCapital float64         `yaml:"initial_capital"`
	FeeBps         float64         `yaml:"fee_bps"`
	SlippageBps    float64         `yaml:"slippage_bps"`
	PeriodsPerYear float64         `yaml:"periods_per_year"`
	Interval       time.Duration   `yaml:"interval"`
	Start          string          `yaml:"start"`
	End            string          `yaml:"end"`
	AllowSynthetic bool            `yaml:"allow_synthetic"`
	Synthetic      SyntheticConfig `yaml:"synthetic"`
	ReportDir      string          `yaml:"report_dir"`
}

// SyntheticConfig parameterises the random-walk bar generator.
type SyntheticConfig struct {
	StartPrice      float64 `yaml:"start_price"`
	DailyVolatility float64 `yaml:"daily_volatility"`
	DailyDrift      float64 `yaml:"daily_drift"`
	BaseVolume      float64 `yaml:"base_volume"`
	Seed            int64   `yaml:"seed"`
}

// LiveConfig controls the periodic evaluation loop.
type LiveConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BarInterval  time.Duration `yaml:"bar_interval"`
	Lookback     time.Duration `yaml:"lookback"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	PaperMode    bool          `yaml:"paper_mode"`
}

// StrategyConfig describes one strategy instance.
type StrategyConfig struct {
	ID      string        `yaml:"id"`
	Kind    string        `yaml:"kind"`
	Market  domain.Market `yaml:"market"`
	Symbols []string      `yaml:"symbols"`
	// Capital is the cash budget of a live instance. Zero splits the
	// account cash evenly across the strategies being run.
	Capital float64 `yaml:"capital"`

	MaxPositions  int     `yaml:"max_positions"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TradeNotional float64 `yaml:"trade_notional"`
	PositionQty   float64 `yaml:"position_qty"`

	Indicator   IndicatorConfig   `yaml:"indicator"`
	Signal      SignalConfig      `yaml:"signal"`
	Distributor DistributorConfig `yaml:"distributor"`
	Risk        RiskConfig        `yaml:"risk"`
}

// IndicatorConfig holds indicator window sizes.
type IndicatorConfig struct {
	ShortPeriod int     `yaml:"short_period"`
	LongPeriod  int     `yaml:"long_period"`
	RSIPeriod   int     `yaml:"rsi_period"`
	RSIMax      float64 `yaml:"rsi_max"`
	MinVolume   float64 `yaml:"min_volume"`
}

// SignalConfig holds the advisory combination policy.
type SignalConfig struct {
	Policy            string        `yaml:"policy"`
	MinConfidence     float64       `yaml:"min_confidence"`
	OverrideThreshold float64       `yaml:"override_threshold"`
	Cooldown          time.Duration `yaml:"cooldown"`
	UseAdvisory       bool          `yaml:"use_advisory"`
}

// DistributorConfig holds the contribution schedule.
type DistributorConfig struct {
	Weights               map[string]float64 `yaml:"weights"`
	Frequency             string             `yaml:"frequency"`
	Amount                float64            `yaml:"amount"`
	MinInvestmentPerStock float64            `yaml:"min_investment_per_stock"`
	RebalanceThresholdPct float64            `yaml:"rebalance_threshold_pct"`
	StartDate             string             `yaml:"start_date"`
	WholeShares           bool               `yaml:"whole_shares"`
}

// RiskConfig holds risk limits in percent. A zero limit disables its check;
// an entirely empty block takes the defaults.
type RiskConfig struct {
	MaxPositionSizePct    float64 `yaml:"max_position_size_pct"`
	MaxDailyLossPct       float64 `yaml:"max_daily_loss_pct"`
	MaxDrawdownPct        float64 `yaml:"max_drawdown_pct"`
	MinCashReservePct     float64 `yaml:"min_cash_reserve_pct"`
	MaxLeverage           float64 `yaml:"max_leverage"`
	ConcentrationLimitPct float64 `yaml:"concentration_limit_pct"`
	StopLossRequired      bool    `yaml:"stop_loss_required"`
}

// Strategy kinds.
const (
	KindScalping    = "scalping"
	KindDistributor = "distributor"
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies defaults and environment variable overrides (a .env
// file in the working directory is loaded first), and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = "iex"
	}
	if c.Alpaca.RateLimitPerMin == 0 {
		c.Alpaca.RateLimitPerMin = 200
	}
	if c.Redis.AdvisoryPrefix == "" {
		c.Redis.AdvisoryPrefix = "divetrader:advisory:"
	}
	if c.Redis.AdvisoryMaxAge == 0 {
		c.Redis.AdvisoryMaxAge = 10 * time.Minute
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 10 * time.Second
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}

	b := &c.Backtest
	if b.InitialCapital == 0 {
		b.InitialCapital = 10_000
	}
	if b.PeriodsPerYear == 0 {
		b.PeriodsPerYear = 252
	}
	if b.Interval == 0 {
		b.Interval = 24 * time.Hour
	}
	if b.Synthetic.StartPrice == 0 {
		b.Synthetic.StartPrice = 100
	}
	if b.Synthetic.DailyVolatility == 0 {
		b.Synthetic.DailyVolatility = 0.02
	}
	if b.Synthetic.BaseVolume == 0 {
		b.Synthetic.BaseVolume = 1_000_000
	}
	if b.Synthetic.Seed == 0 {
		b.Synthetic.Seed = 42
	}

	l := &c.Live
	if l.PollInterval == 0 {
		l.PollInterval = time.Minute
	}
	if l.BarInterval == 0 {
		l.BarInterval = time.Minute
	}
	if l.Lookback == 0 {
		l.Lookback = time.Hour
	}
	if l.DrainTimeout == 0 {
		l.DrainTimeout = 30 * time.Second
	}

	for i := range c.Strategies {
		c.Strategies[i].ApplyDefaults()
	}
}

// ApplyDefaults fills unset strategy fields. Take-profit and stop-loss stay
// as given: zero disables them.
func (s *StrategyConfig) ApplyDefaults() {
	if s.Market == "" {
		s.Market = domain.MarketUS
	}
	if s.MaxPositions == 0 {
		s.MaxPositions = 1
		if s.Kind == KindDistributor {
			s.MaxPositions = len(s.Distributor.Weights)
		}
	}
	if s.Kind == KindDistributor && len(s.Symbols) == 0 {
		s.Symbols = allocation.Weights(s.Distributor.Weights).Symbols()
	}

	ind := &s.Indicator
	if ind.ShortPeriod == 0 {
		ind.ShortPeriod = 3
	}
	if ind.LongPeriod == 0 {
		ind.LongPeriod = 5
	}
	if ind.RSIPeriod == 0 {
		ind.RSIPeriod = 14
	}

	def := signal.DefaultConfig()
	sig := &s.Signal
	if sig.Policy == "" {
		sig.Policy = def.Policy.String()
	}
	if sig.MinConfidence == 0 {
		sig.MinConfidence = def.MinConfidence
	}
	if sig.OverrideThreshold == 0 {
		sig.OverrideThreshold = def.OverrideThreshold
	}
	if sig.Cooldown == 0 {
		sig.Cooldown = def.Cooldown
	}

	if s.Distributor.Frequency == "" {
		s.Distributor.Frequency = "monthly"
	}

	if s.Risk == (RiskConfig{}) {
		s.Risk = DefaultRisk()
	}
}

// DefaultRisk returns the risk limits used when none are configured.
func DefaultRisk() RiskConfig {
	return RiskConfig{
		MaxPositionSizePct: 10,
		MaxDailyLossPct:    5,
		MaxDrawdownPct:     15,
		MinCashReservePct:  10,
		MaxLeverage:        1,
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
			}
		}
	}

	setString(&cfg.Storage.DataDir, "DATA_DIR", "DIVETRADER_DATA_DIR")
	setString(&cfg.Storage.SQLitePath, "SQLITE_PATH", "DIVETRADER_SQLITE_PATH")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	// Standard Alpaca env vars win over the ALPACA_ forms.
	setString(&cfg.Alpaca.APIKey, "ALPACA_API_KEY", "APCA_API_KEY_ID")
	setString(&cfg.Alpaca.APISecret, "ALPACA_API_SECRET", "APCA_API_SECRET_KEY")
	setString(&cfg.Alpaca.BaseURL, "ALPACA_BASE_URL", "APCA_API_BASE_URL")
	setString(&cfg.Alpaca.DataURL, "ALPACA_DATA_URL", "APCA_API_DATA_URL")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setString(&cfg.S3.Bucket, "S3_BUCKET")
	setString(&cfg.S3.Region, "S3_REGION", "AWS_REGION")
	setString(&cfg.S3.AccessKey, "S3_ACCESS_KEY", "AWS_ACCESS_KEY_ID")
	setString(&cfg.S3.SecretKey, "S3_SECRET_KEY", "AWS_SECRET_ACCESS_KEY")

	if v := os.Getenv("DIVETRADER_GRPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = port
		}
	}
	if v := os.Getenv("DIVETRADER_ALLOW_SYNTHETIC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Backtest.AllowSynthetic = b
		}
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate rejects configurations that would break an invariant at run time.
// Every failure wraps domain.ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	if c.Backtest.InitialCapital < 0 {
		errs = append(errs, fmt.Errorf("%w: negative initial capital", domain.ErrInvalidConfig))
	}
	if c.Backtest.FeeBps < 0 || c.Backtest.SlippageBps < 0 {
		errs = append(errs, fmt.Errorf("%w: negative fee or slippage", domain.ErrInvalidConfig))
	}
	seen := make(map[string]bool)
	for i := range c.Strategies {
		s := &c.Strategies[i]
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("%w: duplicate strategy id %q", domain.ErrInvalidConfig, s.ID))
		}
		seen[s.ID] = true
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("strategy %q: %w", s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Validate checks one strategy instance.
func (s *StrategyConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: strategy id is required", domain.ErrInvalidConfig)
	}
	if s.Market != domain.MarketUS && s.Market != domain.MarketCrypto {
		return fmt.Errorf("%w: unknown market %q", domain.ErrInvalidConfig, s.Market)
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf("%w: no symbols", domain.ErrInvalidConfig)
	}
	if s.MaxPositions < 1 {
		return fmt.Errorf("%w: max_positions %d must be >= 1", domain.ErrInvalidConfig, s.MaxPositions)
	}
	if s.TakeProfitPct < 0 || s.TakeProfitPct >= 1 || s.StopLossPct < 0 || s.StopLossPct >= 1 {
		return fmt.Errorf("%w: take_profit_pct and stop_loss_pct must be fractions in [0,1)", domain.ErrInvalidConfig)
	}
	if s.TradeNotional < 0 || s.PositionQty < 0 {
		return fmt.Errorf("%w: negative trade size", domain.ErrInvalidConfig)
	}
	if s.Capital < 0 {
		return fmt.Errorf("%w: negative capital %v", domain.ErrInvalidConfig, s.Capital)
	}
	if err := s.Risk.Validate(); err != nil {
		return err
	}

	switch s.Kind {
	case KindScalping:
		if _, err := s.IndicatorConfig(); err != nil {
			return err
		}
		if _, err := s.SignalConfig(); err != nil {
			return err
		}
		if s.TradeNotional == 0 && s.PositionQty == 0 {
			return fmt.Errorf("%w: scalping needs trade_notional or position_qty", domain.ErrInvalidConfig)
		}
	case KindDistributor:
		ac, err := s.AllocationConfig()
		if err != nil {
			return err
		}
		// An empty start date means the first bar seen.
		if ac.Start.IsZero() {
			ac.Start = time.Unix(0, 0).UTC()
		}
		if err := ac.Validate(); err != nil {
			return err
		}
		if s.MaxPositions < len(ac.Weights) {
			return fmt.Errorf("%w: max_positions %d below %d weighted symbols", domain.ErrInvalidConfig, s.MaxPositions, len(ac.Weights))
		}
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownStrategy, s.Kind)
	}
	return nil
}

// Validate checks the risk limits.
func (r RiskConfig) Validate() error {
	for name, v := range map[string]float64{
		"max_position_size_pct":   r.MaxPositionSizePct,
		"max_daily_loss_pct":      r.MaxDailyLossPct,
		"max_drawdown_pct":        r.MaxDrawdownPct,
		"min_cash_reserve_pct":    r.MinCashReservePct,
		"concentration_limit_pct": r.ConcentrationLimitPct,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%w: %s %v outside [0,100]", domain.ErrInvalidConfig, name, v)
		}
	}
	if r.MaxLeverage < 0 {
		return fmt.Errorf("%w: negative max_leverage", domain.ErrInvalidConfig)
	}
	return nil
}

// IndicatorConfig converts and validates the indicator section.
func (s *StrategyConfig) IndicatorConfig() (indicator.Config, error) {
	ic := indicator.Config{
		ShortPeriod: s.Indicator.ShortPeriod,
		LongPeriod:  s.Indicator.LongPeriod,
		RSIPeriod:   s.Indicator.RSIPeriod,
		MinVolume:   s.Indicator.MinVolume,
	}
	return ic, ic.Validate()
}

// SignalConfig converts and validates the signal section.
func (s *StrategyConfig) SignalConfig() (signal.Config, error) {
	policy, err := signal.ParsePolicy(s.Signal.Policy)
	if err != nil {
		return signal.Config{}, err
	}
	sc := signal.Config{
		Policy:            policy,
		MinConfidence:     s.Signal.MinConfidence,
		OverrideThreshold: s.Signal.OverrideThreshold,
		Cooldown:          s.Signal.Cooldown,
		RSIMax:            s.Indicator.RSIMax,
	}
	return sc, sc.Validate()
}

// AllocationConfig converts the distributor section.
func (s *StrategyConfig) AllocationConfig() (allocation.Config, error) {
	freq, err := allocation.ParseFrequency(s.Distributor.Frequency)
	if err != nil {
		return allocation.Config{}, err
	}
	var start time.Time
	if s.Distributor.StartDate != "" {
		start, err = time.Parse("2006-01-02", s.Distributor.StartDate)
		if err != nil {
			return allocation.Config{}, fmt.Errorf("%w: start_date: %v", domain.ErrInvalidConfig, err)
		}
	}
	return allocation.Config{
		Weights:               allocation.Weights(s.Distributor.Weights),
		Frequency:             freq,
		Amount:                s.Distributor.Amount,
		MinInvestmentPerStock: s.Distributor.MinInvestmentPerStock,
		RebalanceThresholdPct: s.Distributor.RebalanceThresholdPct,
		Start:                 start,
		WholeShares:           s.Distributor.WholeShares,
	}, nil
}
