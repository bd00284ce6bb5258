package ops

import (
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"predmkt/internal/exposure"
	"predmkt/internal/hedge"
	"predmkt/internal/market"
	"predmkt/internal/oddsync"
	"predmkt/internal/outbox"
	"predmkt/internal/pricing"
	"predmkt/internal/schema"
	"predmkt/internal/sink"
	"predmkt/internal/trade"
	"predmkt/internal/venue/rest"
	"predmkt/internal/venue/stream"
	"predmkt/pkg/conn"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PREDMKT_"

// Venue kinds.
const (
	VenueSim  = "sim"
	VenueREST = "rest"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Engine    EngineConfig    `json:"engine"`
	Storage   StorageConfig   `json:"storage"`
	Venue     VenueConfig     `json:"venue"`
	Sinks     SinksConfig     `json:"sinks"`
	Postgres  conn.Option     `json:"postgres"`
	Profiling ProfilingConfig `json:"profiling"`
	Markets   []MarketConfig  `json:"markets"`
}

// EngineConfig holds the trading and hedging parameters.
type EngineConfig struct {
	LiquidityParameter           float64         `json:"liquidity_parameter"`
	MarkupRate                   decimal.Decimal `json:"markup_rate"`
	MinTrade                     decimal.Decimal `json:"min_trade"`
	MaxTrade                     decimal.Decimal `json:"max_trade"`
	MinSpreadBps                 int64           `json:"min_spread_bps"`
	MaxSlippageBps               int64           `json:"max_slippage_bps"`
	MaxUnhedgedExposurePerMarket decimal.Decimal `json:"max_unhedged_exposure_per_market"`
	MaxUnhedgedExposurePlatform  decimal.Decimal `json:"max_unhedged_exposure_platform"`
	HedgeRetryMaxAttempts        int             `json:"hedge_retry_max_attempts"`
	HedgeRetryBackoffMs          int64           `json:"hedge_retry_backoff_ms"`
	HedgeTimeoutMs               int64           `json:"hedge_timeout_ms"`
	HedgeWorkers                 int             `json:"hedge_workers"`
	LimitPolicy                  string          `json:"limit_policy"`
	VenueFeeBps                  int64           `json:"venue_fee_bps"`
	SyncIntervalMs               int64           `json:"sync_interval_ms"`
	SyncMinDrift                 float64         `json:"sync_min_drift"`
	Clamp                        ClampConfig     `json:"clamp"`
	KillSwitch                   bool            `json:"kill_switch"`
}

// ClampConfig is the band applied to external probabilities.
type ClampConfig struct {
	Floor float64 `json:"floor"`
	Ceil  float64 `json:"ceil"`
	Mode  string  `json:"mode"`
}

// StorageConfig locates the outbox and the state snapshot.
type StorageConfig struct {
	OutboxDir    string `json:"outbox_dir"`
	SnapshotPath string `json:"snapshot_path"`
	FilePrefix   string `json:"file_prefix"`
}

// VenueConfig selects and configures the hedge venue.
type VenueConfig struct {
	Kind      string   `json:"kind"`
	BaseURL   string   `json:"base_url"`
	APIKey    string   `json:"api_key"`
	TimeoutMs int64    `json:"timeout_ms"`
	StreamURL string   `json:"stream_url"`
	MaxAgeMs  int64    `json:"max_age_ms"`
	Quotes    []string `json:"quotes"`
}

// SinksConfig enables the outward event sinks.
type SinksConfig struct {
	Log   bool         `json:"log"`
	Redis *RedisConfig `json:"redis"`
	Kafka *KafkaConfig `json:"kafka"`
}

// RedisConfig configures the redis sink.
type RedisConfig struct {
	Addr          string `json:"addr"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	ChannelPrefix string `json:"channel_prefix"`
	PoolSize      int    `json:"pool_size"`
}

// KafkaConfig configures the kafka sink.
type KafkaConfig struct {
	Brokers        []string `json:"brokers"`
	Topic          string   `json:"topic"`
	BatchTimeoutMs int64    `json:"batch_timeout_ms"`
	RequiredAcks   int      `json:"required_acks"`
}

// ProfilingConfig enables continuous profiling.
type ProfilingConfig struct {
	PyroscopeAddr string `json:"pyroscope_addr"`
	AppName       string `json:"app_name"`
}

// MarketConfig defines a market created at start-up when absent.
type MarketConfig struct {
	ID       string          `json:"id"`
	GroupID  string          `json:"group_id"`
	Type     string          `json:"type"`
	B        float64         `json:"b"`
	Outcomes []OutcomeConfig `json:"outcomes"`
}

// OutcomeConfig defines one outcome and its optional venue instrument.
type OutcomeConfig struct {
	Name            string `json:"name"`
	VenueInstrument string `json:"venue_instrument"`
}

// Env carries deployment overrides read from the environment.
type Env struct {
	OutboxDir     string   `env:"OUTBOX_DIR"`
	SnapshotPath  string   `env:"SNAPSHOT_PATH"`
	PostgresDSN   string   `env:"POSTGRES_DSN"`
	RedisAddr     string   `env:"REDIS_ADDR"`
	RedisPassword string   `env:"REDIS_PASSWORD"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:","`
	VenueBaseURL  string   `env:"VENUE_BASE_URL"`
	VenueAPIKey   string   `env:"VENUE_API_KEY"`
	PyroscopeAddr string   `env:"PYROSCOPE_ADDR"`
	KillSwitch    *bool    `env:"KILL_SWITCH"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Liquidity    float64
	Trade        trade.Config
	Exposure     exposure.Config
	Hedge        hedge.Config
	Sync         oddsync.Config
	VenueKind    string
	VenueFeeBps  int64
	REST         rest.Config
	Stream       *stream.Config
	Outbox       outbox.Config
	SnapshotPath string
	LogSink      bool
	Redis        *sink.RedisConfig
	Kafka        *sink.KafkaConfig
	Postgres     conn.Option
	Profiling    ProfilingConfig
	Markets      []schema.Market
}

// Load reads a JSON config file, applies .env and environment overrides and
// resolves the result.
func Load(path string, dotenv ...string) (Loaded, error) {
	cfg, err := ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	// A missing .env file is not an error.
	_ = godotenv.Load(dotenv...)

	var overrides Env
	if err := env.ParseWithOptions(&overrides, env.Options{Prefix: EnvPrefix}); err != nil {
		return Loaded{}, errors.Wrap(err, "parse environment")
	}
	cfg.Override(overrides)
	return Resolve(cfg)
}

// ReadFile decodes a JSON config file.
func ReadFile(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, errors.Wrapf(err, "read config %s", path)
	}
	var cfg FileConfig
	if err := sonic.ConfigStd.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, errors.Wrapf(err, "decode config %s", path)
	}
	return cfg, nil
}

// Override applies non-empty environment values on top of the file.
func (c *FileConfig) Override(e Env) {
	if e.OutboxDir != "" {
		c.Storage.OutboxDir = e.OutboxDir
	}
	if e.SnapshotPath != "" {
		c.Storage.SnapshotPath = e.SnapshotPath
	}
	if e.PostgresDSN != "" {
		c.Postgres.ConnString = e.PostgresDSN
	}
	if e.RedisAddr != "" {
		if c.Sinks.Redis == nil {
			c.Sinks.Redis = &RedisConfig{}
		}
		c.Sinks.Redis.Addr = e.RedisAddr
	}
	if e.RedisPassword != "" && c.Sinks.Redis != nil {
		c.Sinks.Redis.Password = e.RedisPassword
	}
	if len(e.KafkaBrokers) > 0 {
		if c.Sinks.Kafka == nil {
			c.Sinks.Kafka = &KafkaConfig{}
		}
		c.Sinks.Kafka.Brokers = e.KafkaBrokers
	}
	if e.VenueBaseURL != "" {
		c.Venue.BaseURL = e.VenueBaseURL
	}
	if e.VenueAPIKey != "" {
		c.Venue.APIKey = e.VenueAPIKey
	}
	if e.PyroscopeAddr != "" {
		c.Profiling.PyroscopeAddr = e.PyroscopeAddr
	}
	if e.KillSwitch != nil {
		c.Engine.KillSwitch = *e.KillSwitch
	}
}

// Resolve validates a file config and converts it into component configs.
func Resolve(cfg FileConfig) (Loaded, error) {
	eng := cfg.Engine
	if !(eng.LiquidityParameter > 0) {
		return Loaded{}, errors.Errorf("engine liquidity_parameter must be > 0, got %v", eng.LiquidityParameter)
	}
	if eng.MinSpreadBps < 0 || eng.VenueFeeBps < 0 {
		return Loaded{}, errors.New("engine spread and fee bps must be >= 0")
	}
	if eng.MaxUnhedgedExposurePerMarket.IsNegative() || eng.MaxUnhedgedExposurePlatform.IsNegative() {
		return Loaded{}, errors.New("engine exposure caps must be >= 0")
	}
	if eng.HedgeRetryMaxAttempts < 0 || eng.HedgeRetryBackoffMs < 0 || eng.HedgeTimeoutMs < 0 || eng.HedgeWorkers < 0 {
		return Loaded{}, errors.New("engine hedge settings must be >= 0")
	}

	policy, err := trade.ParseLimitPolicy(eng.LimitPolicy)
	if err != nil {
		return Loaded{}, err
	}
	tradeCfg := trade.Config{
		MinTrade:       eng.MinTrade,
		MaxTrade:       eng.MaxTrade,
		MarkupRate:     eng.MarkupRate,
		MaxSlippageBps: eng.MaxSlippageBps,
		LimitPolicy:    policy,
	}
	if err := tradeCfg.Validate(); err != nil {
		return Loaded{}, err
	}

	clamp, err := resolveClamp(eng.Clamp)
	if err != nil {
		return Loaded{}, err
	}
	if eng.SyncMinDrift < 0 || eng.SyncMinDrift >= 1 {
		return Loaded{}, errors.Errorf("engine sync_min_drift must be in [0, 1), got %v", eng.SyncMinDrift)
	}

	out := Loaded{
		Liquidity: eng.LiquidityParameter,
		Trade:     tradeCfg,
		Exposure: exposure.Config{
			KillSwitch:   eng.KillSwitch,
			MaxPerMarket: eng.MaxUnhedgedExposurePerMarket,
			MaxPlatform:  eng.MaxUnhedgedExposurePlatform,
		},
		Hedge: hedge.Config{
			Workers:        eng.HedgeWorkers,
			MinSpreadBps:   eng.MinSpreadBps,
			MaxAttempts:    eng.HedgeRetryMaxAttempts,
			Backoff:        millis(eng.HedgeRetryBackoffMs),
			AttemptTimeout: millis(eng.HedgeTimeoutMs),
		},
		Sync: oddsync.Config{
			Interval: millis(eng.SyncIntervalMs),
			MinDrift: eng.SyncMinDrift,
			Clamp:    clamp,
		},
		VenueFeeBps: eng.VenueFeeBps,
		LogSink:     cfg.Sinks.Log,
		Postgres:    cfg.Postgres,
		Profiling:   cfg.Profiling,
	}

	if err := resolveStorage(cfg.Storage, &out); err != nil {
		return Loaded{}, err
	}
	if err := resolveVenue(cfg.Venue, &out); err != nil {
		return Loaded{}, err
	}
	resolveSinks(cfg.Sinks, &out)

	out.Markets, err = resolveMarkets(cfg.Markets, eng.LiquidityParameter)
	if err != nil {
		return Loaded{}, err
	}
	return out, nil
}

func resolveClamp(cfg ClampConfig) (pricing.ClampPolicy, error) {
	mode, err := pricing.ParseClampMode(cfg.Mode)
	if err != nil {
		return pricing.ClampPolicy{}, err
	}
	policy := pricing.DefaultClampPolicy()
	policy.Mode = mode
	if cfg.Floor != 0 || cfg.Ceil != 0 {
		policy.Floor, policy.Ceil = cfg.Floor, cfg.Ceil
	}
	if err := policy.Validate(); err != nil {
		return pricing.ClampPolicy{}, err
	}
	return policy, nil
}

func resolveStorage(cfg StorageConfig, out *Loaded) error {
	if cfg.OutboxDir == "" {
		return errors.New("storage outbox_dir is empty")
	}
	out.Outbox = outbox.DefaultConfig(cfg.OutboxDir)
	if cfg.FilePrefix != "" {
		out.Outbox.FilePrefix = cfg.FilePrefix
	}
	out.SnapshotPath = cfg.SnapshotPath
	return nil
}

func resolveVenue(cfg VenueConfig, out *Loaded) error {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		kind = VenueSim
	}
	switch kind {
	case VenueSim:
	case VenueREST:
		if cfg.BaseURL == "" {
			return errors.New("venue base_url is empty")
		}
	default:
		return errors.Errorf("unknown venue kind: %s", cfg.Kind)
	}
	out.VenueKind = kind
	out.REST = rest.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: millis(cfg.TimeoutMs),
	}
	if cfg.StreamURL != "" {
		out.Stream = &stream.Config{
			URL:         cfg.StreamURL,
			Instruments: append([]string(nil), cfg.Quotes...),
			MaxAge:      millis(cfg.MaxAgeMs),
		}
	}
	return nil
}

func resolveSinks(cfg SinksConfig, out *Loaded) {
	if r := cfg.Redis; r != nil && r.Addr != "" {
		out.Redis = &sink.RedisConfig{
			Addr:          r.Addr,
			Username:      r.Username,
			Password:      r.Password,
			DB:            r.DB,
			ChannelPrefix: r.ChannelPrefix,
			PoolSize:      r.PoolSize,
		}
	}
	if k := cfg.Kafka; k != nil && len(k.Brokers) > 0 {
		out.Kafka = &sink.KafkaConfig{
			Brokers:      append([]string(nil), k.Brokers...),
			Topic:        k.Topic,
			BatchTimeout: millis(k.BatchTimeoutMs),
			RequiredAcks: k.RequiredAcks,
		}
		if out.Kafka.Topic == "" {
			out.Kafka.Topic = "predmkt.events"
		}
	}
}

func resolveMarkets(cfgs []MarketConfig, liquidity float64) ([]schema.Market, error) {
	seen := make(map[string]struct{}, len(cfgs))
	out := make([]schema.Market, 0, len(cfgs))
	for _, c := range cfgs {
		if _, ok := seen[c.ID]; ok {
			return nil, errors.Errorf("market %s defined twice", c.ID)
		}
		seen[c.ID] = struct{}{}

		typ := schema.MarketTypeBinary
		if c.Type != "" {
			typ = schema.ParseMarketType(c.Type)
		}
		b := c.B
		if b == 0 {
			b = liquidity
		}
		outcomes := c.Outcomes
		if len(outcomes) == 0 && typ.IsBinary() {
			outcomes = []OutcomeConfig{{Name: "YES"}, {Name: "NO"}}
		}

		m := schema.Market{ID: c.ID, GroupID: c.GroupID, Type: typ, B: b}
		for i, o := range outcomes {
			m.Outcomes = append(m.Outcomes, schema.Outcome{Index: i, Name: o.Name, VenueInstrument: o.VenueInstrument})
		}
		m, err := market.Normalize(m)
		if err != nil {
			return nil, errors.Wrapf(err, "market %s", c.ID)
		}
		out = append(out, m)
	}
	return out, nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
