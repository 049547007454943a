// Package config loads the service configuration from TOML, with defaults
// and environment overrides.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/recollect/recollect/errors"
)

// Config is the full service configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	OAuth      OAuthConfig      `mapstructure:"oauth"`
	Killswitch KillswitchConfig `mapstructure:"killswitch"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type QueueConfig struct {
	// Transport selects the queue backing: "sqlite" or "redis".
	Transport     string        `mapstructure:"transport"`
	Name          string        `mapstructure:"name"`
	Lease         time.Duration `mapstructure:"lease"`
	MaxDeliveries int           `mapstructure:"max_deliveries"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DispatcherConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MinDelay        time.Duration `mapstructure:"min_delay"`
	MaxDelayOnIdle  time.Duration `mapstructure:"max_delay_on_idle"`
	MaxDelayOnError time.Duration `mapstructure:"max_delay_on_error"`
}

type ProcessorConfig struct {
	MinDelay        time.Duration `mapstructure:"min_delay"`
	MaxDelayOnIdle  time.Duration `mapstructure:"max_delay_on_idle"`
	MaxDelayOnError time.Duration `mapstructure:"max_delay_on_error"`
}

type OAuthConfig struct {
	TwitterClientID    string `mapstructure:"twitter_client_id"`
	GoogleClientID     string `mapstructure:"google_client_id"`
	GoogleClientSecret string `mapstructure:"google_client_secret"`
}

type KillswitchConfig struct {
	// Path to the killswitch TOML file. Empty runs with all switches off.
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	JSON bool `mapstructure:"json"`
}

// SetDefaults installs the defaults on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", defaultDatabasePath())
	v.SetDefault("queue.transport", "sqlite")
	v.SetDefault("queue.name", "import-tasks")
	v.SetDefault("queue.lease", "5m")
	v.SetDefault("queue.max_deliveries", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("dispatcher.batch_size", 100)
	v.SetDefault("dispatcher.min_delay", "1s")
	v.SetDefault("dispatcher.max_delay_on_idle", "10s")
	v.SetDefault("dispatcher.max_delay_on_error", "30s")
	v.SetDefault("processor.min_delay", "1s")
	v.SetDefault("processor.max_delay_on_idle", "10s")
	v.SetDefault("processor.max_delay_on_error", "30s")
	v.SetDefault("logging.json", false)
}

// Load reads configuration from the given file, or from defaults and
// environment only when path is empty. Environment variables use the
// RECOLLECT_ prefix, e.g. RECOLLECT_DATABASE_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("RECOLLECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path must be set")
	}
	switch c.Queue.Transport {
	case "sqlite":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr must be set for the redis queue transport")
		}
	default:
		return errors.Newf("unknown queue transport %q", c.Queue.Transport)
	}
	if c.Queue.Name == "" {
		return errors.New("queue.name must be set")
	}
	if c.Queue.MaxDeliveries < 1 {
		return errors.New("queue.max_deliveries must be at least 1")
	}
	return nil
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "recollect.db"
	}
	return filepath.Join(home, ".recollect", "recollect.db")
}
