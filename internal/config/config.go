// Package config loads formsync settings from defaults, an optional YAML
// file, a .env file and FORMSYNC_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// FORMSYNC_DATABASE_PATH.
const EnvPrefix = "FORMSYNC"

// AppName names the XDG directories.
const AppName = "formsync"

// Config holds all configuration for the application.
type Config struct {
	Tenant     string           `mapstructure:"tenant"`
	FormsDir   string           `mapstructure:"forms_dir"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Prefill    PrefillConfig    `mapstructure:"prefill"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// PostgresConfig enables the Postgres record store when URL is set.
type PostgresConfig struct {
	URL            string `mapstructure:"url" validate:"omitempty,url"`
	InstallTrigger bool   `mapstructure:"install_trigger"`
}

// RedisConfig enables Redis snapshots and pub/sub notifications when URL
// is set.
type RedisConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// DispatcherConfig bounds change-triggered runs. RateLimit 0 disables the
// limiter.
type DispatcherConfig struct {
	MaxConcurrent int     `mapstructure:"max_concurrent" validate:"min=1"`
	RateLimit     float64 `mapstructure:"rate_limit" validate:"gte=0"`
	Burst         int     `mapstructure:"burst" validate:"min=1"`
	EngineWrites  bool    `mapstructure:"engine_writes"`
}

// PrefillConfig holds prefill configuration.
type PrefillConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gt=0"`
}

// NotifyConfig holds notification configuration.
type NotifyConfig struct {
	Channel string `mapstructure:"channel" validate:"required"`
}

// MetricsConfig exposes Prometheus metrics on Addr when set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// Options selects the files Load reads.
type Options struct {
	// ConfigFile is an explicit YAML file. When empty, formsync.yaml is
	// searched in the working directory and the XDG config home.
	ConfigFile string

	// EnvFile is a dotenv file loaded into the environment before
	// overrides are read. A missing file is ignored. Default: ".env".
	EnvFile string
}

// DefaultDatabasePath is the SQLite path under the XDG data home.
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, AppName, AppName+".db")
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Load reads configuration and validates it.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// Variables already set win over the file.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, AppName))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tenant", "default")
	v.SetDefault("forms_dir", "")
	v.SetDefault("database.path", DefaultDatabasePath())
	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.install_trigger", false)
	v.SetDefault("redis.url", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dispatcher.max_concurrent", 4)
	v.SetDefault("dispatcher.rate_limit", 0)
	v.SetDefault("dispatcher.burst", 1)
	v.SetDefault("dispatcher.engine_writes", false)
	v.SetDefault("prefill.cache_ttl", 5*time.Minute)
	v.SetDefault("notify.channel", "formsync:notifications")
	v.SetDefault("metrics.addr", "")
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, len(fieldErrs))
			for i, fe := range fieldErrs {
				msgs[i] = fmt.Sprintf("%s: failed %q (value %v)", strings.ToLower(fe.Namespace()), fe.Tag(), fe.Value())
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Handler builds the slog handler described by l, writing to w.
func (l LoggingConfig) Handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(l.Level)}
	if l.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
