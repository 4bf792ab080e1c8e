package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the daemon settings read from the environment.
type Config struct {
	ConfigPath     string        `env:"CHANGEFLOW_CONFIG"          envDefault:"changeflow.yaml"`
	DirectoryPath  string        `env:"CHANGEFLOW_DIRECTORY"`
	Store          string        `env:"CHANGEFLOW_STORE"           envDefault:"sqlite"`
	SQLitePath     string        `env:"CHANGEFLOW_SQLITE_PATH"     envDefault:"changeflow.db"`
	PostgresDSN    string        `env:"CHANGEFLOW_POSTGRES_DSN"`
	RedisAddr      string        `env:"CHANGEFLOW_REDIS_ADDR"`
	ControlKey     string        `env:"CHANGEFLOW_CONTROL_KEY"     envDefault:"changeflow:control"`
	NotifyStream   string        `env:"CHANGEFLOW_NOTIFY_STREAM"   envDefault:"changeflow:notifications"`
	Workers        int           `env:"CHANGEFLOW_WORKERS"         envDefault:"8"`
	HandlerTimeout time.Duration `env:"CHANGEFLOW_HANDLER_TIMEOUT" envDefault:"30s"`
	RetryDelay     time.Duration `env:"CHANGEFLOW_RETRY_DELAY"     envDefault:"1s"`
	SweepInterval  time.Duration `env:"CHANGEFLOW_SWEEP_INTERVAL"  envDefault:"30s"`
	StaleClaim     time.Duration `env:"CHANGEFLOW_STALE_CLAIM"     envDefault:"10m"`
	NodeID         int64         `env:"CHANGEFLOW_NODE_ID"         envDefault:"0"`
	LogLevel       string        `env:"CHANGEFLOW_LOG_LEVEL"       envDefault:"info"`
	LogFormat      string        `env:"CHANGEFLOW_LOG_FORMAT"      envDefault:"text"`
	ServiceName    string        `env:"CHANGEFLOW_SERVICE_NAME"    envDefault:"changeflowd"`
}

// LoadConfig reads an optional .env file, then the environment.
func LoadConfig(dotenv ...string) (*Config, error) {
	if err := godotenv.Load(dotenv...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that env tags cannot express.
func (c *Config) Validate() error {
	switch c.Store {
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("CHANGEFLOW_SQLITE_PATH is required for the sqlite store")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("CHANGEFLOW_POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("CHANGEFLOW_STORE must be sqlite or postgres, got %q", c.Store)
	}
	if c.Workers < 1 {
		return fmt.Errorf("CHANGEFLOW_WORKERS must be positive, got %d", c.Workers)
	}
	return nil
}
