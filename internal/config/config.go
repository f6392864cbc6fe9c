// Package config loads taskrelay configuration from defaults, an optional
// YAML file and TASKRELAY_* environment variables.
package config

import (
	"os"
	"time"

	"taskrelay/internal/broker"
)

// Config is the root application configuration.
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Server    ServerConfig     `mapstructure:"server"`
	Broker    BrokerConfig     `mapstructure:"broker"`
	Task      TaskConfig       `mapstructure:"task"`
	Worker    WorkerConfig     `mapstructure:"worker"`
	Results   ResultsConfig    `mapstructure:"results"`
	Log       LogConfig        `mapstructure:"log"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Schedules []ScheduleConfig `mapstructure:"schedules" validate:"dive"`
}

type AppConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	Version string `mapstructure:"version"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	// Debug mounts net/http/pprof under /debug/pprof.
	Debug bool `mapstructure:"debug"`
	// EmbeddedWorkers runs a worker pool inside `serve`.
	EmbeddedWorkers bool `mapstructure:"embedded_workers"`
}

// BrokerConfig holds both backends; Backend picks one.
type BrokerConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=redis sqlite"`

	Host       string `mapstructure:"host" validate:"required_if=Backend redis"`
	Port       int    `mapstructure:"port" validate:"gt=0,lt=65536"`
	DB         int    `mapstructure:"db" validate:"gte=0"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	TLS        bool   `mapstructure:"tls"`
	VerifyMode string `mapstructure:"verify_mode" validate:"omitempty,oneof=none optional required"`
	CACerts    string `mapstructure:"ca_certs"`
	CertFile   string `mapstructure:"certfile"`
	KeyFile    string `mapstructure:"keyfile"`
	// CertRoot anchors relative certificate paths. Empty means the working directory.
	CertRoot string `mapstructure:"cert_root"`

	KeyPrefix   string        `mapstructure:"key_prefix" validate:"required"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gte=0"`

	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`

	RetryOnStartup bool          `mapstructure:"retry_on_startup"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtfield=InitialBackoff"`
	HealthInterval time.Duration `mapstructure:"health_interval" validate:"gt=0"`
}

type TaskConfig struct {
	Serializer string `mapstructure:"serializer" validate:"oneof=json yaml cbor"`
}

type WorkerConfig struct {
	ID                string        `mapstructure:"id"`
	Concurrency       int           `mapstructure:"concurrency" validate:"gt=0"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	SoftTimeLimit     time.Duration `mapstructure:"soft_time_limit" validate:"gt=0,ltfield=HardTimeLimit"`
	HardTimeLimit     time.Duration `mapstructure:"hard_time_limit" validate:"gt=0"`
	InspectTimeout    time.Duration `mapstructure:"inspect_timeout" validate:"gt=0"`
}

type ResultsConfig struct {
	TTL time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal"`
	// Console selects the coloured human writer on stderr; false writes JSON.
	Console bool `mapstructure:"console"`
	NoColor bool `mapstructure:"no_color"`
	// File enables a rotated JSON sink when set.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"omitempty,startswith=/"`
}

// ScheduleConfig submits Task with Args every time Cron fires.
type ScheduleConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	Cron string `mapstructure:"cron" validate:"required"`
	Task string `mapstructure:"task" validate:"required"`
	Args []any  `mapstructure:"args"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "taskrelay", Version: "0.1.0"},
		Server: ServerConfig{
			Addr:         ":8000",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Broker: BrokerConfig{
			Backend:        "redis",
			Host:           "localhost",
			Port:           6379,
			VerifyMode:     string(broker.VerifyRequired),
			KeyPrefix:      "taskrelay",
			DialTimeout:    5 * time.Second,
			SQLitePath:     "taskrelay.db",
			RetryOnStartup: true,
			MaxRetries:     10,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			HealthInterval: 5 * time.Second,
		},
		Task: TaskConfig{Serializer: "json"},
		Worker: WorkerConfig{
			Concurrency:       8,
			PollInterval:      time.Second,
			HeartbeatInterval: 2 * time.Second,
			SoftTimeLimit:     25 * time.Minute,
			HardTimeLimit:     30 * time.Minute,
			InspectTimeout:    2 * time.Second,
		},
		Results: ResultsConfig{TTL: time.Hour},
		Log: LogConfig{
			Level:      "info",
			Console:    true,
			MaxSizeMB:  100,
			MaxBackups: 0,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Descriptor builds the broker connection descriptor, resolving certificate
// paths against CertRoot or the working directory.
func (c *Config) Descriptor() broker.ConnectionDescriptor {
	root := c.Broker.CertRoot
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		}
	}
	return broker.NewDescriptor(root, broker.DescriptorOptions{
		Host:           c.Broker.Host,
		Port:           c.Broker.Port,
		DB:             c.Broker.DB,
		Username:       c.Broker.Username,
		Password:       c.Broker.Password,
		TLS:            c.Broker.TLS,
		VerifyMode:     c.Broker.VerifyMode,
		CACertPath:     c.Broker.CACerts,
		ClientCertPath: c.Broker.CertFile,
		ClientKeyPath:  c.Broker.KeyFile,
	})
}

// ManagerOptions maps the retry settings onto broker.ManagerOptions.
func (c *Config) ManagerOptions() broker.ManagerOptions {
	return broker.ManagerOptions{
		RetryOnStartup: c.Broker.RetryOnStartup,
		MaxRetries:     c.Broker.MaxRetries,
		InitialBackoff: c.Broker.InitialBackoff,
		MaxBackoff:     c.Broker.MaxBackoff,
		HealthInterval: c.Broker.HealthInterval,
	}
}
