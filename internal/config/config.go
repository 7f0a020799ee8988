package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/unclebandit/followreach-backend/internal/db"
	"github.com/unclebandit/followreach-backend/internal/model"
	"github.com/unclebandit/followreach-backend/internal/session"
)

type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	// Empty means the in-memory queue.
	AMQPURL string `env:"AMQP_URL"`

	DB       DBConfig       `envPrefix:"DB_"`
	Account  AccountConfig  `envPrefix:"ACCOUNT_"`
	Rate     RateConfig     `envPrefix:"RATE_"`
	Campaign CampaignConfig `envPrefix:"CAMPAIGN_"`
}

type DBConfig struct {
	Driver  string `env:"DRIVER" envDefault:"sqlite"`
	DSN     string `env:"DSN"`
	DataDir string `env:"DATA_DIR" envDefault:"./data"`
}

// AccountConfig selects the account session the server activates at start.
type AccountConfig struct {
	ID                 string        `env:"ID" envDefault:"simulated"`
	ScreenName         string        `env:"SCREEN_NAME" envDefault:"followreach"`
	Mode               string        `env:"MODE" envDefault:"simulated"`
	SimulatedFollowers int           `env:"SIMULATED_FOLLOWERS" envDefault:"1000"`
	PageSize           int           `env:"PAGE_SIZE" envDefault:"200"`
	SendFailureRate    float64       `env:"SEND_FAILURE_RATE" envDefault:"0"`
	Latency            time.Duration `env:"LATENCY" envDefault:"0s"`
}

type RateConfig struct {
	FetchPerMinute float64       `env:"FETCH_PER_MINUTE" envDefault:"15"`
	SendPerMinute  float64       `env:"SEND_PER_MINUTE" envDefault:"30"`
	Burst          int           `env:"BURST" envDefault:"1"`
	MaxResetWait   time.Duration `env:"MAX_RESET_WAIT" envDefault:"15m"`
}

type CampaignConfig struct {
	MaxMessageLength int `env:"MAX_MESSAGE_LENGTH" envDefault:"10000"`
	MaxRetries       int `env:"MAX_RETRIES" envDefault:"10"`
}

// Account modes.
const (
	ModeSimulated = "simulated"
	ModeNone      = "none"
)

// Load reads the given .env files (".env" when none are given) and parses the
// environment. Missing files are not an error; the returned bool reports
// whether any file was loaded.
func Load(files ...string) (*Config, bool, error) {
	loaded := false
	if err := godotenv.Load(files...); err == nil {
		loaded = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := Parse()
	if err != nil {
		return nil, loaded, err
	}
	return cfg, loaded, nil
}

// Parse builds a Config from the process environment alone.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.DB.Driver) {
	case string(db.SQLite), string(db.Postgres):
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.DB.Driver)
	}
	if strings.EqualFold(c.DB.Driver, string(db.Postgres)) && c.DB.DSN == "" {
		return errors.New("DB_DSN is required for the postgres driver")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	switch c.Account.Mode {
	case ModeSimulated, ModeNone:
	default:
		return fmt.Errorf("ACCOUNT_MODE must be simulated or none, got %q", c.Account.Mode)
	}
	if c.Account.SendFailureRate < 0 || c.Account.SendFailureRate > 1 {
		return fmt.Errorf("ACCOUNT_SEND_FAILURE_RATE must be within [0,1], got %v", c.Account.SendFailureRate)
	}
	if c.Account.PageSize < 1 {
		return fmt.Errorf("ACCOUNT_PAGE_SIZE must be positive, got %d", c.Account.PageSize)
	}
	if c.Campaign.MaxMessageLength < 1 {
		return fmt.Errorf("CAMPAIGN_MAX_MESSAGE_LENGTH must be positive, got %d", c.Campaign.MaxMessageLength)
	}
	if c.Campaign.MaxRetries < 0 {
		return fmt.Errorf("CAMPAIGN_MAX_RETRIES must not be negative, got %d", c.Campaign.MaxRetries)
	}
	return nil
}

func (c *Config) Database() db.Config {
	return db.Config{Driver: c.DB.Driver, DSN: c.DB.DSN, DataDir: c.DB.DataDir}
}

func (c *Config) SessionLimits() session.Limits {
	return session.Limits{
		FetchPerMinute: c.Rate.FetchPerMinute,
		SendPerMinute:  c.Rate.SendPerMinute,
		Burst:          c.Rate.Burst,
		MaxResetWait:   c.Rate.MaxResetWait,
	}
}

func (c *Config) CampaignLimits() model.Limits {
	return model.Limits{
		MaxMessageLength: c.Campaign.MaxMessageLength,
		MaxRetries:       c.Campaign.MaxRetries,
	}
}

func (c *Config) Simulated() session.SimulatedConfig {
	return session.SimulatedConfig{
		AccountID:       c.Account.ID,
		ScreenName:      c.Account.ScreenName,
		Followers:       c.Account.SimulatedFollowers,
		PageSize:        c.Account.PageSize,
		SendFailureRate: c.Account.SendFailureRate,
		Latency:         c.Account.Latency,
		Seed:            time.Now().UnixNano(),
	}
}
