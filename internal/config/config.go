// Package config loads the portal client's settings from portal.yaml, PORTAL_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/storage"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PORTAL_API_URL.
const EnvPrefix = "PORTAL"

// Storage backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the resolved client configuration.
type Config struct {
	APIURL       string        `mapstructure:"api_url"`
	Origin       string        `mapstructure:"origin"`
	Storage      string        `mapstructure:"storage"`
	StateDir     string        `mapstructure:"state_dir"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	PostgresDSN  string        `mapstructure:"postgres_dsn"`
	SealKeyPath  string        `mapstructure:"seal_key"`
	DemoAPIKey   string        `mapstructure:"demo_api_key"`
	Role         model.Role    `mapstructure:"role"`
	UserAgent    string        `mapstructure:"user_agent"`
	LogEnv       string        `mapstructure:"log_env"`
	LogLevel     string        `mapstructure:"log_level"`
	Phase2Delay  time.Duration `mapstructure:"phase2_delay"`
	AudioTimeout time.Duration `mapstructure:"audio_timeout"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MetricsFile  string        `mapstructure:"metrics_file"`
	TraceFile    string        `mapstructure:"trace_file"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		APIURL:       "http://localhost:8080",
		Origin:       "http://localhost:8080",
		Storage:      BackendFile,
		StateDir:     storage.DefaultDir(),
		RedisAddr:    "localhost:6379",
		Role:         model.RoleTenantUser,
		UserAgent:    "portal-cli/dev",
		LogEnv:       "prod",
		LogLevel:     "warn",
		Phase2Delay:  50 * time.Millisecond,
		AudioTimeout: 2 * time.Second,
		Timeout:      15 * time.Second,
	}
}

// Load resolves the configuration. An explicit file must exist; without one,
// portal.yaml is looked up in the working directory and the state dir and may
// be absent. Flags that were set on fs override everything else.
func Load(file string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("api_url", def.APIURL)
	v.SetDefault("origin", def.Origin)
	v.SetDefault("storage", def.Storage)
	v.SetDefault("state_dir", def.StateDir)
	v.SetDefault("redis_addr", def.RedisAddr)
	v.SetDefault("postgres_dsn", def.PostgresDSN)
	v.SetDefault("seal_key", def.SealKeyPath)
	v.SetDefault("demo_api_key", def.DemoAPIKey)
	v.SetDefault("role", string(def.Role))
	v.SetDefault("user_agent", def.UserAgent)
	v.SetDefault("log_env", def.LogEnv)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("phase2_delay", def.Phase2Delay)
	v.SetDefault("audio_timeout", def.AudioTimeout)
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("metrics_file", def.MetricsFile)
	v.SetDefault("trace_file", def.TraceFile)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if known[key] {
				bindErr = errors.Join(bindErr, v.BindPFlag(key, f))
			}
		})
		if bindErr != nil {
			return Config{}, bindErr
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("portal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("state_dir"))
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, c.Validate()
}

var known = map[string]bool{
	"api_url": true, "origin": true, "storage": true, "state_dir": true, "redis_addr": true,
	"postgres_dsn": true, "seal_key": true, "demo_api_key": true, "role": true, "user_agent": true,
	"log_env": true, "log_level": true, "phase2_delay": true, "audio_timeout": true, "timeout": true,
	"metrics_file": true, "trace_file": true,
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Storage {
	case BackendFile, BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%w: redis storage needs redis_addr", errs.ErrInvalidInput)
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres storage needs postgres_dsn", errs.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", errs.ErrInvalidInput, c.Storage)
	}
	if !c.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", errs.ErrInvalidInput, c.Role)
	}
	if c.APIURL == "" {
		return fmt.Errorf("%w: api_url is empty", errs.ErrInvalidInput)
	}
	if c.Phase2Delay < 0 || c.AudioTimeout <= 0 {
		return fmt.Errorf("%w: fingerprint timings", errs.ErrInvalidInput)
	}
	return nil
}
