package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Cron      CronConfig      `mapstructure:"cron"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Bus       BusConfig       `mapstructure:"bus"`
	Bot       BotConfig       `mapstructure:"bot"`
	Intake    IntakeConfig    `mapstructure:"intake"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Sizing    SizingConfig    `mapstructure:"sizing"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	PaaS      PaaSConfig      `mapstructure:"paas"`

	// Trading topology. Viper lower-cases map keys, so tickers are
	// normalized to upper case when an account is resolved.
	Bots         map[string]BotAccounts      `mapstructure:"bots"`
	Accounts     map[string]AccountConfig    `mapstructure:"accounts"`
	Groups       map[string]AccountConfig    `mapstructure:"groups"`
	InversePairs map[string]string           `mapstructure:"inverse_pairs"`
	Instruments  map[string]InstrumentConfig `mapstructure:"instruments"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr      string        `mapstructure:"http_addr"`
	HealthTimeout time.Duration `mapstructure:"health_timeout"`
	// APIToken, when set, is the only bearer token /api/ accepts.
	APIToken       string `mapstructure:"api_token"`
	AuthDisabled   bool   `mapstructure:"auth_disabled"`
	RequireGateway bool   `mapstructure:"require_gateway"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

type CronConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Scheduler string `mapstructure:"scheduler"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BusConfig selects the signal bus. "redis" is the production transport;
// "memory" keeps everything inside one process.
type BusConfig struct {
	Driver       string `mapstructure:"driver"`
	SignalTopic  string `mapstructure:"signal_topic"`
	HealthTopic  string `mapstructure:"health_topic"`
	BufferSize   int    `mapstructure:"buffer_size"`
	HealthSignal string `mapstructure:"health_signal"`
}

type BotConfig struct {
	Name      string `mapstructure:"name"`
	ManualBot string `mapstructure:"manual_bot"`
}

type IntakeConfig struct {
	FlatDelay           time.Duration      `mapstructure:"flat_delay"`
	VerifyDelay         time.Duration      `mapstructure:"verify_delay"`
	FlatSupersedeWindow time.Duration      `mapstructure:"flat_supersede_window"`
	TakeProfitTiers     map[string]float64 `mapstructure:"take_profit_tiers"`
	ManualFutures       []string           `mapstructure:"manual_futures"`
}

type SchedulerConfig struct {
	StaleHorizon time.Duration `mapstructure:"stale_horizon"`
	DedupWindow  time.Duration `mapstructure:"dedup_window"`
}

type ExecutionConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RetryTolerance float64       `mapstructure:"retry_tolerance"`
	MaxInFlight    int           `mapstructure:"max_in_flight"`
}

type SizingConfig struct {
	DefaultCap     float64 `mapstructure:"default_cap"`
	SafetyFraction float64 `mapstructure:"safety_fraction"`
	MicroPrefix    string  `mapstructure:"micro_prefix"`
	MicroDivisor   float64 `mapstructure:"micro_divisor"`
}

type BrokerConfig struct {
	ConnectionTTL time.Duration      `mapstructure:"connection_ttl"`
	QuoteTTL      time.Duration      `mapstructure:"quote_ttl"`
	HealthTicker  string             `mapstructure:"health_ticker"`
	PaperEquity   float64            `mapstructure:"paper_equity"`
	PaperPrices   map[string]float64 `mapstructure:"paper_prices"`
}

type PaaSConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Agent   string        `mapstructure:"agent"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type BotAccounts struct {
	Accounts []string `mapstructure:"accounts"`
}

// AccountConfig is one raw entry of the accounts or groups map. Pointer
// fields distinguish "unset" from a zero value so a group entry can be
// overridden field by field.
type AccountConfig struct {
	Driver      string            `mapstructure:"driver"`
	Group       string            `mapstructure:"group"`
	DefaultPct  *float64          `mapstructure:"default_pct"`
	Instruments map[string]string `mapstructure:"instruments"`
	UseInverse  *bool             `mapstructure:"use_inverse"`
	Multiplier  *float64          `mapstructure:"multiplier"`
	UseFutures  *bool             `mapstructure:"use_futures"`
	Paper       *bool             `mapstructure:"paper"`
	Key         string            `mapstructure:"key"`
	Secret      string            `mapstructure:"secret"`
	BaseURL     string            `mapstructure:"base_url"`
	DataURL     string            `mapstructure:"data_url"`
}

// InstrumentConfig overrides or extends the built-in contract table.
type InstrumentConfig struct {
	Symbol         string `mapstructure:"symbol"`
	SecType        string `mapstructure:"sec_type"`
	Exchange       string `mapstructure:"exchange"`
	Currency       string `mapstructure:"currency"`
	Expiry         string `mapstructure:"expiry"`
	RoundPrecision int    `mapstructure:"round_precision"`
	MarketOrder    bool   `mapstructure:"market_order"`
	Futures        bool   `mapstructure:"futures"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.health_timeout", "15s")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.auth_disabled", false)
	v.SetDefault("server.require_gateway", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.scheduler", "@every 5s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("bus.driver", "redis")
	v.SetDefault("bus.signal_topic", "tradingview")
	v.SetDefault("bus.health_topic", "health")
	v.SetDefault("bus.buffer_size", 64)
	v.SetDefault("bus.health_signal", "health check")
	v.SetDefault("bot.name", "")
	v.SetDefault("bot.manual_bot", "human")

	v.SetDefault("intake.flat_delay", "15s")
	v.SetDefault("intake.verify_delay", "60s")
	v.SetDefault("intake.flat_supersede_window", "15s")
	v.SetDefault("intake.take_profit_tiers", map[string]float64{"tp1": 20, "tp2": 1})
	v.SetDefault("intake.manual_futures", []string{})

	v.SetDefault("scheduler.stale_horizon", "3m")
	v.SetDefault("scheduler.dedup_window", "10s")

	v.SetDefault("execution.poll_interval", "1s")
	v.SetDefault("execution.timeout", "30s")
	v.SetDefault("execution.retry_tolerance", 0.05)
	v.SetDefault("execution.max_in_flight", 4)

	v.SetDefault("sizing.default_cap", 100)
	v.SetDefault("sizing.safety_fraction", 0.95)
	v.SetDefault("sizing.micro_prefix", "M")
	v.SetDefault("sizing.micro_divisor", 10)

	v.SetDefault("broker.connection_ttl", "5m")
	v.SetDefault("broker.quote_ttl", "2s")
	v.SetDefault("broker.health_ticker", "TQQQ")
	v.SetDefault("broker.paper_equity", 100000)

	v.SetDefault("paas.base_url", "")
	v.SetDefault("paas.api_key", "")
	v.SetDefault("paas.agent", "trading-bot")
	v.SetDefault("paas.timeout", "10s")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
