package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"commodity-premium-alerts/internal/fetcher"
	"commodity-premium-alerts/internal/logging"
	"commodity-premium-alerts/internal/market"
)

// EnvPrefix namespaces environment overrides, e.g. PREMIUMWATCH_DATABASE_DSN.
const EnvPrefix = "PREMIUMWATCH"

// Job names understood by the scheduler.
const (
	JobFetchDomestic      = "fetch_domestic"
	JobFetchInternational = "fetch_international"
	JobRefreshFX          = "refresh_fx"
	JobCompute            = "compute"
	JobBriefing           = "briefing"
	JobDailyBars          = "daily_bars"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig            `mapstructure:"app"`
	Logging      logging.Config       `mapstructure:"logging"`
	Database     DatabaseConfig       `mapstructure:"database"`
	Redis        RedisConfig          `mapstructure:"redis"`
	Scheduler    SchedulerConfig      `mapstructure:"scheduler"`
	Fetcher      FetcherConfig        `mapstructure:"fetcher"`
	Providers    ProvidersConfig      `mapstructure:"providers"`
	Symbols      []market.Symbol      `mapstructure:"symbols"`
	PremiumPairs []market.PremiumPair `mapstructure:"premium_pairs"`
	Ratios       []market.RatioDef    `mapstructure:"ratios"`
	FX           FXConfig             `mapstructure:"fx"`
	Bars         BarsConfig           `mapstructure:"bars"`
	Alerting     AlertingConfig       `mapstructure:"alerting"`
	Briefing     BriefingConfig       `mapstructure:"briefing"`
	API          APIConfig            `mapstructure:"api"`
	Export       ExportConfig         `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the shared alert state store.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SchedulerConfig governs job cadence.
type SchedulerConfig struct {
	Timezone        string               `mapstructure:"timezone"`
	StartupDelay    time.Duration        `mapstructure:"startup_delay"`
	AdvisoryLockKey int64                `mapstructure:"advisory_lock_key"`
	Jobs            map[string]JobConfig `mapstructure:"jobs"`
}

// JobConfig describes one scheduled job. Exactly one of Interval or Times is used;
// Times wins when both are set.
type JobConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Times    []string      `mapstructure:"times"`
	Windows  []string      `mapstructure:"windows"`
	Weekdays []string      `mapstructure:"weekdays"`
}

// FetcherConfig bounds provider calls.
type FetcherConfig struct {
	Providers   []string      `mapstructure:"providers"`
	Attempts    int           `mapstructure:"attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// SymbolCode maps a registry symbol to a provider-specific identifier.
// A list is used instead of a map because viper lower-cases map keys.
type SymbolCode struct {
	Symbol string `mapstructure:"symbol"`
	Code   string `mapstructure:"code"`
}

// ProvidersConfig configures each upstream source.
type ProvidersConfig struct {
	Sina      SinaConfig      `mapstructure:"sina"`
	Yahoo     YahooConfig     `mapstructure:"yahoo"`
	Chainlink ChainlinkConfig `mapstructure:"chainlink"`
}

// SinaConfig covers hq.sinajs.cn.
type SinaConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	BaseURL string         `mapstructure:"base_url"`
	Referer string         `mapstructure:"referer"`
	Codes   []SymbolCode   `mapstructure:"codes"`
	Fields  map[string]int `mapstructure:"fields"`
}

// YahooConfig covers the Yahoo Finance chart endpoint.
type YahooConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	BaseURL string       `mapstructure:"base_url"`
	Tickers []SymbolCode `mapstructure:"tickers"`
}

// ChainlinkConfig covers on-chain AggregatorV3 feeds.
type ChainlinkConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	RPCURL  string        `mapstructure:"rpc_url"`
	Feeds   []SymbolCode  `mapstructure:"feeds"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

// FXConfig configures the exchange rate provider.
type FXConfig struct {
	Pair          string        `mapstructure:"pair"`
	TTL           time.Duration `mapstructure:"ttl"`
	DefaultRate   float64       `mapstructure:"default_rate"`
	Providers     []string      `mapstructure:"providers"`
	InvertSources []string      `mapstructure:"invert_sources"`
}

// BarsConfig drives daily OHLC collection. Symbols no listed provider
// supports are rolled up from the stored quotes.
type BarsConfig struct {
	Days      int      `mapstructure:"days"`
	Providers []string `mapstructure:"providers"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled        bool            `mapstructure:"enabled"`
	Categories     CategoryToggles `mapstructure:"categories"`
	Cooldowns      CooldownConfig  `mapstructure:"cooldowns"`
	PremiumBands   []BandConfig    `mapstructure:"premium_bands"`
	RatioBands     []BandConfig    `mapstructure:"ratio_bands"`
	PriceChangePct float64         `mapstructure:"price_change_pct"`
	ChangeWindow   time.Duration   `mapstructure:"change_window"`
	CrashSymbols   []string        `mapstructure:"crash_symbols"`
	FXChangePct    float64         `mapstructure:"fx_change_pct"`
	FetchFailCount int64           `mapstructure:"fetch_fail_count"`
	Channels       []string        `mapstructure:"channels"`
	SendTimeout    time.Duration   `mapstructure:"send_timeout"`
	Retention      time.Duration   `mapstructure:"retention"`
	OneBot         OneBotConfig    `mapstructure:"onebot"`
	Telegram       TelegramConfig  `mapstructure:"telegram"`
}

// CategoryToggles switches alert families on or off.
type CategoryToggles struct {
	Arbitrage bool `mapstructure:"arbitrage"`
	Ratio     bool `mapstructure:"ratio"`
	Crash     bool `mapstructure:"crash"`
	FXCrash   bool `mapstructure:"fx_crash"`
	FetchFail bool `mapstructure:"fetch_fail"`
	Briefing  bool `mapstructure:"briefing"`
}

// CooldownConfig holds the minimum gap between two alerts of one key, per category.
type CooldownConfig struct {
	Arbitrage time.Duration `mapstructure:"arbitrage"`
	Ratio     time.Duration `mapstructure:"ratio"`
	Crash     time.Duration `mapstructure:"crash"`
	Default   time.Duration `mapstructure:"default"`
}

// BandConfig is a high/low band on a premium pair or ratio. Either bound may be
// omitted.
type BandConfig struct {
	ID       string   `mapstructure:"id"`
	High     *float64 `mapstructure:"high"`
	Low      *float64 `mapstructure:"low"`
	HighNote string   `mapstructure:"high_note"`
	LowNote  string   `mapstructure:"low_note"`
}

// OneBotConfig 描述 OneBot (QQ) 群消息推送参数。
type OneBotConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	GroupID int64  `mapstructure:"group_id"`
	AtUser  string `mapstructure:"at_user"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// BriefingConfig tunes the templated digest.
type BriefingConfig struct {
	Title    string `mapstructure:"title"`
	Template string `mapstructure:"template"`
}

// APIConfig controls the read-only HTTP surface.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Mode    string `mapstructure:"mode"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	cfg.applyDefaults(v.IsSet)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv reads secrets from .env without overriding the real environment.
func loadDotEnv() error {
	path := os.Getenv(EnvPrefix + "_DOTENV")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
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
	v.SetDefault("app.name", "premiumwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/commodities.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.prefix", "premiumwatch")

	v.SetDefault("scheduler.timezone", "Asia/Shanghai")
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726d77))

	tradingDays := []string{"mon", "tue", "wed", "thu", "fri"}
	v.SetDefault("scheduler.jobs."+JobFetchDomestic+".enabled", true)
	v.SetDefault("scheduler.jobs."+JobFetchDomestic+".interval", "1m")
	v.SetDefault("scheduler.jobs."+JobFetchDomestic+".windows", []string{"09:00-12:00", "13:00-16:00", "21:00-03:00"})
	v.SetDefault("scheduler.jobs."+JobFetchDomestic+".weekdays", tradingDays)
	v.SetDefault("scheduler.jobs."+JobFetchInternational+".enabled", true)
	v.SetDefault("scheduler.jobs."+JobFetchInternational+".interval", "2m")
	v.SetDefault("scheduler.jobs."+JobRefreshFX+".enabled", true)
	v.SetDefault("scheduler.jobs."+JobRefreshFX+".interval", "5m")
	v.SetDefault("scheduler.jobs."+JobCompute+".enabled", true)
	v.SetDefault("scheduler.jobs."+JobCompute+".interval", "1m")
	v.SetDefault("scheduler.jobs."+JobBriefing+".enabled", true)
	v.SetDefault("scheduler.jobs."+JobBriefing+".times", []string{"08:30", "15:30"})
	v.SetDefault("scheduler.jobs."+JobDailyBars+".enabled", true)
	v.SetDefault("scheduler.jobs."+JobDailyBars+".times", []string{"16:00"})
	v.SetDefault("scheduler.jobs."+JobDailyBars+".weekdays", tradingDays)

	v.SetDefault("fetcher.providers", []string{"sina", "yahoo", "chainlink"})
	v.SetDefault("fetcher.attempts", 3)
	v.SetDefault("fetcher.base_delay", "2s")
	v.SetDefault("fetcher.timeout", "10s")
	v.SetDefault("fetcher.concurrency", 4)
	v.SetDefault("fetcher.user_agent", "premiumwatch/1.0")

	v.SetDefault("providers.sina.enabled", true)
	v.SetDefault("providers.sina.base_url", "https://hq.sinajs.cn")
	v.SetDefault("providers.sina.referer", "https://finance.sina.com.cn")
	v.SetDefault("providers.yahoo.enabled", true)
	v.SetDefault("providers.yahoo.base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("providers.chainlink.enabled", false)
	v.SetDefault("providers.chainlink.max_age", "26h")

	v.SetDefault("fx.pair", "USD/CNY")
	v.SetDefault("fx.ttl", "1h")
	v.SetDefault("fx.default_rate", 7.25)
	v.SetDefault("fx.providers", []string{"sina", "yahoo"})

	v.SetDefault("bars.days", 30)
	v.SetDefault("bars.providers", []string{"yahoo"})

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.categories.arbitrage", false)
	v.SetDefault("alerting.categories.ratio", false)
	v.SetDefault("alerting.categories.crash", true)
	v.SetDefault("alerting.categories.fx_crash", true)
	v.SetDefault("alerting.categories.fetch_fail", true)
	v.SetDefault("alerting.categories.briefing", true)
	v.SetDefault("alerting.cooldowns.arbitrage", "4h")
	v.SetDefault("alerting.cooldowns.ratio", "8h")
	v.SetDefault("alerting.cooldowns.crash", "1h")
	v.SetDefault("alerting.cooldowns.default", "4h")
	v.SetDefault("alerting.price_change_pct", 4.0)
	v.SetDefault("alerting.change_window", "24h")
	v.SetDefault("alerting.fx_change_pct", 1.0)
	v.SetDefault("alerting.fetch_fail_count", 3)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.send_timeout", "10s")
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.onebot.url", "http://127.0.0.1:3000/send_group_msg")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("briefing.title", "Commodity briefing")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.mode", "release")

	v.SetDefault("export.max_data_points", 100000)

	// Secrets conventionally kept in .env.
	_ = v.BindEnv("alerting.onebot.token", EnvPrefix+"_ONEBOT_TOKEN", "QQ_BOT_TOKEN")
	_ = v.BindEnv("alerting.onebot.url", EnvPrefix+"_ONEBOT_URL", "QQ_BOT_URL")
	_ = v.BindEnv("alerting.onebot.group_id", EnvPrefix+"_ONEBOT_GROUP_ID", "QQ_GROUP_ID")
	_ = v.BindEnv("alerting.onebot.at_user", EnvPrefix+"_ONEBOT_AT_USER", "QQ_AT_USER")
	_ = v.BindEnv("alerting.telegram.bot_token", EnvPrefix+"_TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("redis.password", EnvPrefix+"_REDIS_PASSWORD")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func ptr(v float64) *float64 { return &v }

// applyDefaults fills registries and provider maps that viper cannot default
// cleanly because their keys contain dots. An explicitly empty list is kept.
func (c *Config) applyDefaults(isSet func(string) bool) {
	if !isSet("symbols") {
		c.Symbols = market.DefaultSymbols()
	}
	if !isSet("premium_pairs") {
		c.PremiumPairs = market.DefaultPremiumPairs()
	}
	if !isSet("ratios") {
		c.Ratios = market.DefaultRatios()
	}
	if !isSet("providers.sina.codes") {
		c.Providers.Sina.Codes = toCodes(fetcher.DefaultSinaCodes())
	}
	if !isSet("providers.yahoo.tickers") {
		c.Providers.Yahoo.Tickers = toCodes(fetcher.DefaultYahooTickers())
	}
	if !isSet("alerting.premium_bands") {
		c.Alerting.PremiumBands = []BandConfig{
			{ID: "GOLD", High: ptr(2.5), Low: ptr(-1.0),
				HighNote: "Domestic gold is bid up; consider trimming domestic longs.",
				LowNote:  "Domestic gold trades below parity; buying opportunity."},
			{ID: "SILVER", High: ptr(10.0),
				HighNote: "Domestic silver premium is extreme."},
			{ID: "COPPER", Low: ptr(-5.0),
				LowNote: "Domestic copper is cheap; favour domestic longs."},
		}
	}
	if !isSet("alerting.ratio_bands") {
		c.Alerting.RatioBands = []BandConfig{
			{ID: "gold_silver", High: ptr(85), Low: ptr(60),
				HighNote: "Silver is cheap against gold; rotate into silver.",
				LowNote:  "Silver is rich against gold; rotate into gold."},
			{ID: "gold_oil", High: ptr(30), Low: ptr(15),
				HighNote: "Oil is cheap against gold; consider buying oil.",
				LowNote:  "Oil is expensive against gold."},
		}
	}
}

var clockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be postgres, sqlite or memory, got %q", c.Database.Driver)
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	for name, job := range c.Scheduler.Jobs {
		if !job.Enabled {
			continue
		}
		if len(job.Times) == 0 && job.Interval < time.Minute {
			return fmt.Errorf("scheduler.jobs.%s: interval must be at least 1m or times must be set", name)
		}
		for _, t := range job.Times {
			if !clockPattern.MatchString(t) {
				return fmt.Errorf("scheduler.jobs.%s: invalid time %q, want HH:MM", name, t)
			}
		}
		for _, w := range job.Windows {
			parts := strings.Split(w, "-")
			if len(parts) != 2 || !clockPattern.MatchString(parts[0]) || !clockPattern.MatchString(parts[1]) {
				return fmt.Errorf("scheduler.jobs.%s: invalid window %q, want HH:MM-HH:MM", name, w)
			}
		}
	}

	if c.Fetcher.Attempts <= 0 {
		return fmt.Errorf("fetcher.attempts must be greater than zero")
	}
	if c.Fetcher.BaseDelay < 0 {
		return fmt.Errorf("fetcher.base_delay cannot be negative")
	}

	registry, err := market.NewRegistry(c.Symbols)
	if err != nil {
		return fmt.Errorf("symbols: %w", err)
	}
	if err := registry.ValidatePairs(c.PremiumPairs, c.Ratios); err != nil {
		return err
	}

	if c.FX.Pair == "" {
		return fmt.Errorf("fx.pair must be set")
	}
	if c.FX.TTL <= 0 {
		return fmt.Errorf("fx.ttl must be greater than zero")
	}
	if c.FX.DefaultRate <= 0 {
		return fmt.Errorf("fx.default_rate must be greater than zero")
	}

	if c.Bars.Days <= 0 {
		return fmt.Errorf("bars.days must be greater than zero")
	}

	if c.Alerting.PriceChangePct < 0 || c.Alerting.FXChangePct < 0 {
		return fmt.Errorf("alerting change thresholds cannot be negative")
	}
	if c.Alerting.FetchFailCount <= 0 {
		return fmt.Errorf("alerting.fetch_fail_count must be greater than zero")
	}
	for _, b := range c.Alerting.PremiumBands {
		if b.High != nil && b.Low != nil && *b.Low > *b.High {
			return fmt.Errorf("alerting.premium_bands %s: low above high", b.ID)
		}
	}
	for _, b := range c.Alerting.RatioBands {
		if b.High != nil && b.Low != nil && *b.Low > *b.High {
			return fmt.Errorf("alerting.ratio_bands %s: low above high", b.ID)
		}
	}
	if c.Alerting.OneBot.Enabled && c.Alerting.OneBot.URL == "" {
		return fmt.Errorf("alerting.onebot.url 必须配置")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Providers.Chainlink.Enabled && c.Providers.Chainlink.RPCURL == "" {
		return fmt.Errorf("providers.chainlink.rpc_url is required when chainlink is enabled")
	}
	return nil
}

// Location returns the scheduler time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Registry builds the symbol registry.
func (c *Config) Registry() (*market.Registry, error) {
	return market.NewRegistry(c.Symbols)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// CodeMap flattens a symbol mapping list.
func CodeMap(codes []SymbolCode) map[string]string {
	out := make(map[string]string, len(codes))
	for _, c := range codes {
		out[c.Symbol] = c.Code
	}
	return out
}

func toCodes(m map[string]string) []SymbolCode {
	out := make([]SymbolCode, 0, len(m))
	for symbol, code := range m {
		out = append(out, SymbolCode{Symbol: symbol, Code: code})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
