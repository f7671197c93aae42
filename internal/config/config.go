package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"emabot/internal/risk"
)

type Mode string

const (
	ModeLive   Mode = "live"
	ModeDryRun Mode = "dry-run"
)

type AlpacaConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url" default:"https://paper-api.alpaca.markets" validate:"required,url"`
	Feed      string `yaml:"feed" default:"iex" validate:"oneof=iex sip"`
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" default:"console" validate:"oneof=console json"`
	Output string `yaml:"output" default:"stderr" validate:"required"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != 0
}

// Config is built in layers: struct defaults, then an optional YAML file,
// then the environment (a .env file never overrides real variables), then
// command line flags.
type Config struct {
	Mode               Mode          `yaml:"mode" default:"live" validate:"oneof=live dry-run"`
	Symbol             string        `yaml:"symbol" default:"SPY" validate:"required"`
	MaxPositions       int           `yaml:"max_positions" default:"3" validate:"gte=1"`
	RiskPercent        float64       `yaml:"risk_percent" default:"1" validate:"gt=0,lte=100"`
	StopLossPercent    float64       `yaml:"stop_loss_percent" default:"0.02" validate:"gt=0,lt=1"`
	TakeProfitPercent  float64       `yaml:"take_profit_percent" default:"0.04" validate:"gt=0,lt=1"`
	Timezone           string        `yaml:"timezone" default:"America/New_York" validate:"required"`
	TradingStart       string        `yaml:"trading_start" default:"08:00" validate:"required"`
	TradingEnd         string        `yaml:"trading_end" default:"12:00" validate:"required"`
	Timeframe          string        `yaml:"timeframe" default:"1Day" validate:"required"`
	BarCount           int           `yaml:"bar_count" default:"250"`
	FastWindow         int           `yaml:"fast_window" default:"50" validate:"gte=1"`
	SlowWindow         int           `yaml:"slow_window" default:"200" validate:"gtfield=FastWindow"`
	CycleInterval      time.Duration `yaml:"cycle_interval" default:"4h" validate:"gt=0"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" default:"60s" validate:"gt=0"`
	BreakEvenThreshold float64       `yaml:"break_even_threshold" default:"0.02" validate:"gt=0"`
	DecisionsPath      string        `yaml:"decisions_path" default:"decisions.ndjson" validate:"required"`
	MetricsAddr        string        `yaml:"metrics_addr"`

	Alpaca   AlpacaConfig   `yaml:"alpaca"`
	Log      LogConfig      `yaml:"log"`
	Telegram TelegramConfig `yaml:"telegram"`
}

var validate = validator.New()

func Load(args []string) (Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return cfg, fmt.Errorf("set defaults: %w", err)
	}

	flags := flag.NewFlagSet("bot", flag.ContinueOnError)
	configPath := flags.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	envPath := flags.String("env-file", ".env", "path to .env file")
	mode := flags.String("mode", "", "run mode: live or dry-run")
	symbol := flags.String("symbol", "", "trading symbol")
	maxPositions := flags.Int("max-positions", 0, "max concurrent positions")
	metricsAddr := flags.String("metrics-addr", "", "prometheus listen address")
	if err := flags.Parse(args); err != nil {
		return cfg, err
	}

	if err := loadDotEnv(*envPath); err != nil {
		return cfg, err
	}

	if *configPath != "" {
		if err := loadFile(*configPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = Mode(*mode)
		case "symbol":
			cfg.Symbol = *symbol
		case "max-positions":
			cfg.MaxPositions = *maxPositions
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		}
	})

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv sets variables from path without overriding the environment.
// A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("path", path).Msg(".env file not found, relying on actual environment variables")
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	var mode string
	str("MODE", &mode)
	if mode != "" {
		cfg.Mode = Mode(strings.ToLower(mode))
	}
	str("SYMBOL", &cfg.Symbol)
	integer("MAX_POSITIONS", &cfg.MaxPositions)
	float("RISK_PERCENT", &cfg.RiskPercent)
	float("STOP_LOSS_PERCENT", &cfg.StopLossPercent)
	float("TAKE_PROFIT_PERCENT", &cfg.TakeProfitPercent)
	str("TIMEZONE", &cfg.Timezone)
	str("TRADING_START", &cfg.TradingStart)
	str("TRADING_END", &cfg.TradingEnd)
	str("TIMEFRAME", &cfg.Timeframe)
	integer("BAR_COUNT", &cfg.BarCount)
	integer("FAST_WINDOW", &cfg.FastWindow)
	integer("SLOW_WINDOW", &cfg.SlowWindow)
	duration("CYCLE_INTERVAL", &cfg.CycleInterval)
	duration("RETRY_BACKOFF", &cfg.RetryBackoff)
	float("BREAK_EVEN_THRESHOLD", &cfg.BreakEvenThreshold)
	str("DECISIONS_PATH", &cfg.DecisionsPath)
	str("METRICS_ADDR", &cfg.MetricsAddr)

	str("APCA_API_KEY_ID", &cfg.Alpaca.APIKey)
	str("APCA_API_SECRET_KEY", &cfg.Alpaca.APISecret)
	str("APCA_API_BASE_URL", &cfg.Alpaca.BaseURL)
	str("APCA_DATA_FEED", &cfg.Alpaca.Feed)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("LOG_OUTPUT", &cfg.Log.Output)

	str("TELEGRAM_BOT_TOKEN", &cfg.Telegram.Token)
	if v, ok := os.LookupEnv("TELEGRAM_CHAT_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err))
		} else {
			cfg.Telegram.ChatID = id
		}
	}

	return errors.Join(errs...)
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
		return fmt.Errorf("APCA_API_KEY_ID and APCA_API_SECRET_KEY are required")
	}
	if c.BarCount < c.SlowWindow+1 {
		return fmt.Errorf("bar_count must be >= slow_window+1 (%d)", c.SlowWindow+1)
	}
	if _, err := risk.NewTradingWindow(c.TradingStart, c.TradingEnd, c.Timezone); err != nil {
		return fmt.Errorf("invalid trading window: %w", err)
	}
	return nil
}

func (c Config) DryRun() bool {
	return c.Mode == ModeDryRun
}
