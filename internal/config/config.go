package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidTrade is returned for an unsupported trade type / direction combination.
var ErrInvalidTrade = errors.New("invalid trade configuration")

const (
	TradeTypeSpot   = "spot"
	TradeTypeMargin = "margin"

	DirectionLong  = "long"
	DirectionShort = "short"
)

// MaxRules is the highest rule index looked up for buy_ruleN / sell_ruleN.
const MaxRules = 9

// Config holds all configuration for the application.
type Config struct {
	Binance  Binance           `mapstructure:"binance"`
	Trading  Trading           `mapstructure:"trading"`
	Rules    map[string]string `mapstructure:"rules"`
	Redis    Redis             `mapstructure:"redis"`
	Logger   Logger            `mapstructure:"logger"`
	Server   Server            `mapstructure:"server"`
	Database Database          `mapstructure:"database"`
	Telegram Telegram          `mapstructure:"telegram"`
	NATS     NATS              `mapstructure:"nats"`
	Schedule Schedule          `mapstructure:"schedule"`
}

// Binance holds the configuration for the Binance API.
type Binance struct {
	ApiKey         string        `mapstructure:"apiKey"`
	SecretKey      string        `mapstructure:"secretKey"`
	Testnet        bool          `mapstructure:"testnet"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Server holds the configuration for the status server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the ledger database.
type Database struct {
	Driver string `mapstructure:"driver"` // sqlite or mysql
	DSN    string `mapstructure:"dsn"`
}

// Redis holds the configuration for the snapshot store.
type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Expire   bool          `mapstructure:"expire"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Trading holds the configuration for the signal engine and the trade lifecycle.
type Trading struct {
	Name           string   `mapstructure:"name"`
	Env            string   `mapstructure:"env"`
	Interval       string   `mapstructure:"interval"`
	Pairs          []string `mapstructure:"pairs"`
	TradeType      string   `mapstructure:"trade_type"`
	TradeDirection string   `mapstructure:"trade_direction"`
	Isolated       bool     `mapstructure:"isolated"`
	MaxTrades      int      `mapstructure:"max_trades"`
	MaxTradeUSD    float64  `mapstructure:"max_trade_usd"`
	Divisor        float64  `mapstructure:"divisor"`

	Production bool `mapstructure:"production"`
	TestTrade  bool `mapstructure:"test_trade"`
	TestData   bool `mapstructure:"test_data"`

	Drain           bool   `mapstructure:"drain"`
	DrainRange      string `mapstructure:"drain_range"`
	DrainFile       string `mapstructure:"drain_file"`
	ManualDrainFile string `mapstructure:"manual_drain_file"`

	StopLossPerc         float64  `mapstructure:"stop_loss_perc"`
	TakeProfitPerc       float64  `mapstructure:"take_profit_perc"`
	TrailingStopLoss     bool     `mapstructure:"trailing_stop_loss"`
	TrailingStopLossPerc float64  `mapstructure:"trailing_stop_loss_perc"`
	RateIndicator        string   `mapstructure:"rate_indicator"`
	Indicators           []string `mapstructure:"indicators"`

	WaitBetweenTrades bool          `mapstructure:"wait_between_trades"`
	TimeBetweenTrades time.Duration `mapstructure:"time_between_trades"`
	CompensatingRepay bool          `mapstructure:"compensating_repay"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Telegram holds the configuration for the chat notification channel.
type Telegram struct {
	Enabled  bool             `mapstructure:"enabled"`
	BotToken string           `mapstructure:"bot_token"`
	Chats    map[string]int64 `mapstructure:"chats"` // channel name -> chat id
}

// NATS holds the configuration for the trade event bus.
type NATS struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Schedule holds the cron specs driving the analysis loop and the between-candle checks.
// An empty intermittent spec disables the checks.
type Schedule struct {
	Analyse      string `mapstructure:"analyse"`
	Intermittent string `mapstructure:"intermittent"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	// Allow environment variables to override config file
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	SetDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		return
	}
	if err = v.Unmarshal(&config); err != nil {
		return
	}
	err = config.Validate()
	return
}

// SetDefaults registers the default values of every tunable.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("binance.rate_limit", 20)      // requests per second
	v.SetDefault("binance.rate_limit_burst", 5) // burst size
	v.SetDefault("binance.timeout", "10s")

	v.SetDefault("trading.name", "default")
	v.SetDefault("trading.env", "prod")
	v.SetDefault("trading.interval", "1h")
	v.SetDefault("trading.trade_type", TradeTypeSpot)
	v.SetDefault("trading.trade_direction", DirectionLong)
	v.SetDefault("trading.max_trades", 1)
	v.SetDefault("trading.max_trade_usd", 100)
	v.SetDefault("trading.divisor", 1)
	v.SetDefault("trading.drain_range", "00:00-00:00")
	v.SetDefault("trading.stop_loss_perc", 5)
	v.SetDefault("trading.take_profit_perc", 5)
	v.SetDefault("trading.trailing_stop_loss_perc", 1)
	v.SetDefault("trading.rate_indicator", "EMA_500")
	v.SetDefault("trading.time_between_trades", "1h")
	v.SetDefault("trading.compensating_repay", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.expire", true)
	v.SetDefault("redis.ttl", "5h")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "greencandle.db")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("nats.subject_prefix", "greencandle")
	v.SetDefault("schedule.analyse", "@every 1m")
}

var drainRangePattern = regexp.MustCompile(`^\d\d:\d\d\s?-\s?\d\d:\d\d$`)

// Validate checks the trade type / direction combination and the sizing knobs.
func (c *Config) Validate() error {
	if err := ValidateTrade(c.Trading.TradeType, c.Trading.TradeDirection); err != nil {
		return err
	}
	if c.Trading.Divisor <= 0 {
		return fmt.Errorf("trading.divisor must be positive, got %v", c.Trading.Divisor)
	}
	if !drainRangePattern.MatchString(strings.TrimSpace(c.Trading.DrainRange)) {
		return fmt.Errorf("invalid trading.drain_range %q", c.Trading.DrainRange)
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	return nil
}

// ValidateTrade rejects combinations the lifecycle cannot execute, e.g. a spot short.
func ValidateTrade(tradeType, direction string) error {
	switch tradeType {
	case TradeTypeSpot:
		if direction != DirectionLong {
			return fmt.Errorf("%w: direction %q is not supported for spot", ErrInvalidTrade, direction)
		}
	case TradeTypeMargin:
		if direction != DirectionLong && direction != DirectionShort {
			return fmt.Errorf("%w: unknown direction %q", ErrInvalidTrade, direction)
		}
	default:
		return fmt.Errorf("%w: unknown trade type %q", ErrInvalidTrade, tradeType)
	}
	return nil
}

// BuyRule returns buy_ruleN, if configured.
func (c *Config) BuyRule(n int) (string, bool) {
	return c.rule("buy_rule", n)
}

// SellRule returns sell_ruleN, if configured.
func (c *Config) SellRule(n int) (string, bool) {
	return c.rule("sell_rule", n)
}

func (c *Config) rule(prefix string, n int) (string, bool) {
	r, ok := c.Rules[fmt.Sprintf("%s%d", prefix, n)]
	if !ok || strings.TrimSpace(r) == "" {
		return "", false
	}
	return r, true
}

// IsManual reports whether the strategy accepts pairs outside the configured universe.
func (t *Trading) IsManual() bool {
	return strings.Contains(t.Name, "any")
}

// MarginMode returns "isolated", "cross", or "" for spot strategies.
func (t *Trading) MarginMode() string {
	if t.TradeType != TradeTypeMargin {
		return ""
	}
	if t.Isolated {
		return "isolated"
	}
	return "cross"
}
