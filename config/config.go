package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Kraken   KrakenConfig   `mapstructure:"kraken"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type KrakenConfig struct {
	REST RESTConfig `mapstructure:"rest"`
}

type RESTConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MinInterval time.Duration `mapstructure:"min_interval"` // minimum gap between two upstream requests
}

// PipelineConfig drives the refresh loop and the fan-out channel.
type PipelineConfig struct {
	Pairs             []string      `mapstructure:"pairs"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	BookDepth         int           `mapstructure:"book_depth"`
	TradeCount        int           `mapstructure:"trade_count"`
	BatchMode         string        `mapstructure:"batch_mode"` // "fail_fast" or "partial"
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

// DefaultPairs is the popular-pair universe used when none is configured.
var DefaultPairs = []string{"XBTUSD", "ETHUSD", "SOLUSD", "ADAUSD", "DOTUSD", "XRPUSD"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kraken.rest.base_url", "https://api.kraken.com")
	v.SetDefault("kraken.rest.timeout", 10*time.Second)
	v.SetDefault("kraken.rest.min_interval", time.Second)

	v.SetDefault("pipeline.pairs", DefaultPairs)
	v.SetDefault("pipeline.refresh_interval", 15*time.Second)
	v.SetDefault("pipeline.heartbeat_interval", 30*time.Second)
	v.SetDefault("pipeline.book_depth", 5)
	v.SetDefault("pipeline.trade_count", 100)
	v.SetDefault("pipeline.batch_mode", "fail_fast")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.environment", "dev")
}

// Load loads application configuration using Viper.
// It reads from config.yaml and overrides with environment variables.
func Load() *Config {
	ex, _ := os.Executable()

	var dir string
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		dir = filepath.Join(pwd, "../../config")
	} else {
		dir = filepath.Join(filepath.Dir(ex), "../config")
	}

	cfg, err := LoadFrom(dir, "./config")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom reads config.yaml from the first matching directory. A missing file
// is not an error: defaults and environment variables still apply.
func LoadFrom(dirs ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}

	setDefaults(v)

	// Support environment variables with dot notation (e.g., KRAKEN_REST_BASE_URL)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first setting that would leave the pipeline unusable.
func (c *Config) Validate() error {
	switch {
	case c.Kraken.REST.BaseURL == "":
		return errors.New("kraken.rest.base_url is required")
	case c.Kraken.REST.Timeout <= 0:
		return errors.New("kraken.rest.timeout must be positive")
	case c.Kraken.REST.MinInterval < 0:
		return errors.New("kraken.rest.min_interval must not be negative")
	case len(c.Pipeline.Pairs) == 0:
		return errors.New("pipeline.pairs must not be empty")
	case c.Pipeline.RefreshInterval <= 0:
		return errors.New("pipeline.refresh_interval must be positive")
	case c.Pipeline.HeartbeatInterval <= 0:
		return errors.New("pipeline.heartbeat_interval must be positive")
	case c.Pipeline.BookDepth <= 0:
		return errors.New("pipeline.book_depth must be positive")
	case c.Pipeline.TradeCount <= 0:
		return errors.New("pipeline.trade_count must be positive")
	}

	switch c.Pipeline.BatchMode {
	case "fail_fast", "partial":
	default:
		return fmt.Errorf("pipeline.batch_mode %q: want fail_fast or partial", c.Pipeline.BatchMode)
	}
	return nil
}
