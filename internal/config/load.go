package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"taskrelay/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. TASKRELAY_BROKER_HOST.
const EnvPrefix = "TASKRELAY"

// Option adjusts the viper instance before the configuration is read.
type Option func(v *viper.Viper) error

// WithFlag binds a command-line flag to key. A flag the user set wins over
// both the environment and the file; an unset flag is ignored.
func WithFlag(key string, f *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if f == nil {
			return fmt.Errorf("bind %s: no such flag", key)
		}
		return v.BindPFlag(key, f)
	}
}

// Load reads configuration from path when non-empty (or from TASKRELAY_CONFIG),
// otherwise from ./taskrelay.yaml or ./configs/taskrelay.yaml if present.
// Environment variables take precedence over the file; `.` in keys becomes `_`.
// The result is validated; the first violation is returned as a *domain.ConfigError.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskrelay")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("app.name", cfg.App.Name)
	v.SetDefault("app.version", cfg.App.Version)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.debug", cfg.Server.Debug)
	v.SetDefault("server.embedded_workers", cfg.Server.EmbeddedWorkers)

	v.SetDefault("broker.backend", cfg.Broker.Backend)
	v.SetDefault("broker.host", cfg.Broker.Host)
	v.SetDefault("broker.port", cfg.Broker.Port)
	v.SetDefault("broker.db", cfg.Broker.DB)
	v.SetDefault("broker.username", cfg.Broker.Username)
	v.SetDefault("broker.password", cfg.Broker.Password)
	v.SetDefault("broker.tls", cfg.Broker.TLS)
	v.SetDefault("broker.verify_mode", cfg.Broker.VerifyMode)
	v.SetDefault("broker.ca_certs", cfg.Broker.CACerts)
	v.SetDefault("broker.certfile", cfg.Broker.CertFile)
	v.SetDefault("broker.keyfile", cfg.Broker.KeyFile)
	v.SetDefault("broker.cert_root", cfg.Broker.CertRoot)
	v.SetDefault("broker.key_prefix", cfg.Broker.KeyPrefix)
	v.SetDefault("broker.dial_timeout", cfg.Broker.DialTimeout)
	v.SetDefault("broker.sqlite_path", cfg.Broker.SQLitePath)
	v.SetDefault("broker.retry_on_startup", cfg.Broker.RetryOnStartup)
	v.SetDefault("broker.max_retries", cfg.Broker.MaxRetries)
	v.SetDefault("broker.initial_backoff", cfg.Broker.InitialBackoff)
	v.SetDefault("broker.max_backoff", cfg.Broker.MaxBackoff)
	v.SetDefault("broker.health_interval", cfg.Broker.HealthInterval)

	v.SetDefault("task.serializer", cfg.Task.Serializer)

	v.SetDefault("worker.id", cfg.Worker.ID)
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.poll_interval", cfg.Worker.PollInterval)
	v.SetDefault("worker.heartbeat_interval", cfg.Worker.HeartbeatInterval)
	v.SetDefault("worker.soft_time_limit", cfg.Worker.SoftTimeLimit)
	v.SetDefault("worker.hard_time_limit", cfg.Worker.HardTimeLimit)
	v.SetDefault("worker.inspect_timeout", cfg.Worker.InspectTimeout)

	v.SetDefault("results.ttl", cfg.Results.TTL)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.console", cfg.Log.Console)
	v.SetDefault("log.no_color", cfg.Log.NoColor)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}

func (c *Config) normalize() {
	c.Broker.Backend = strings.ToLower(strings.TrimSpace(c.Broker.Backend))
	c.Broker.VerifyMode = strings.ToLower(strings.TrimSpace(c.Broker.VerifyMode))
	c.Task.Serializer = strings.ToLower(strings.TrimSpace(c.Task.Serializer))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "warning" {
		c.Log.Level = "warn"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks struct tags and returns the first failure as a ConfigError
// whose Field is the dotted config key, e.g. "broker.port".
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate config: %w", err)
	}
	fe := verrs[0]
	return &domain.ConfigError{Field: fieldKey(fe.Namespace()), Reason: reason(fe)}
}

// fieldKey turns "Config.broker.sqlite_path" into "broker.sqlite_path".
func fieldKey(ns string) string {
	return strings.TrimPrefix(ns, "Config.")
}

func reason(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fmt.Sprintf("failed %q validation (value %v)", fe.Tag(), fe.Value())
	}
	return fmt.Sprintf("failed %q validation against %q (value %v)", fe.Tag(), fe.Param(), fe.Value())
}
