// Package config loads recogpool settings from a YAML file, RECOGPOOL_*
// environment variables and command flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/psantana5/recogpool/pkg/logging"
)

// EnvPrefix prefixes every environment override, e.g. RECOGPOOL_MAX_INSTANCES
const EnvPrefix = "RECOGPOOL"

// Config is the full recogpool configuration
type Config struct {
	MaxInstances      int           `mapstructure:"max_instances"`
	ControlInterval   time.Duration `mapstructure:"control_interval"`
	ClaimWait         time.Duration `mapstructure:"claim_wait"`
	ResultWait        time.Duration `mapstructure:"result_wait"`
	DispatchTimeout   time.Duration `mapstructure:"dispatch_timeout"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ReleaseDelay      time.Duration `mapstructure:"release_delay"`
	TombstoneTTL      time.Duration `mapstructure:"tombstone_ttl"`
	WorkerID          string        `mapstructure:"worker_id"`
	WorkDir           string        `mapstructure:"work_dir"`

	Broker    BrokerConfig    `mapstructure:"broker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Log       LogConfig       `mapstructure:"log"`
}

// BrokerConfig selects the queue backend. memory only works when every
// component runs in one process (recogpool local).
type BrokerConfig struct {
	Type        string `mapstructure:"type"` // memory, badger, sqlite, postgres, sqs
	JobQueue    string `mapstructure:"job_queue"`
	ResultQueue string `mapstructure:"result_queue"`
	Path        string `mapstructure:"path"`
	DSN         string `mapstructure:"dsn"`
	Region      string `mapstructure:"region"`
	Endpoint    string `mapstructure:"endpoint"`
}

// StorageConfig selects the blob backend for inputs and outputs
type StorageConfig struct {
	Type          string `mapstructure:"type"` // memory, fs, s3
	Dir           string `mapstructure:"dir"`
	InputBucket   string `mapstructure:"input_bucket"`
	OutputBucket  string `mapstructure:"output_bucket"`
	Endpoint      string `mapstructure:"endpoint"`
	Region        string `mapstructure:"region"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	CreateBuckets bool   `mapstructure:"create_buckets"`
}

// FleetConfig selects the instance manager
type FleetConfig struct {
	Type    string `mapstructure:"type"` // memory, local, ec2
	Region  string `mapstructure:"region"`
	ImageID string `mapstructure:"image_id"`
	Tag     string `mapstructure:"tag"`
	// Slots is the local fleet size; zero means max_instances
	Slots int `mapstructure:"slots"`
}

// ProcessorConfig is the recognizer subprocess
type ProcessorConfig struct {
	Command string        `mapstructure:"command"`
	Args    []string      `mapstructure:"args"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig is the front door, and the address clients use to reach it
type ServerConfig struct {
	Addr              string   `mapstructure:"addr"`
	URL               string   `mapstructure:"url"`
	APIKey            string   `mapstructure:"api_key"`
	APIKeyHashes      []string `mapstructure:"api_key_hashes"`
	TLSCert           string   `mapstructure:"tls_cert"`
	TLSKey            string   `mapstructure:"tls_key"`
	TLSCA             string   `mapstructure:"tls_ca"`
	RequireClientCert bool     `mapstructure:"require_client_cert"`
	InsecureSkipTLS   bool     `mapstructure:"insecure_skip_tls"`
	RateLimit         float64  `mapstructure:"rate_limit"`
	RateBurst         int      `mapstructure:"rate_burst"`
	MaxUploadBytes    int64    `mapstructure:"max_upload_bytes"`
}

// MetricsConfig is the separate prometheus listener
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TracingConfig configures OTLP export
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	Environment string `mapstructure:"environment"`
}

// LogConfig configures the structured logger
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	// File writes under /var/log/recogpool/<component>/ (or ./logs)
	File bool `mapstructure:"file"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		MaxInstances:      15,
		ControlInterval:   3 * time.Second,
		ClaimWait:         10 * time.Second,
		ResultWait:        10 * time.Second,
		DispatchTimeout:   5 * time.Minute,
		VisibilityTimeout: 60 * time.Second,
		IdleTimeout:       0,
		ReleaseDelay:      time.Second,
		TombstoneTTL:      10 * time.Minute,
		WorkDir:           filepath.Join(os.TempDir(), "recogpool"),
		Broker: BrokerConfig{
			Type:        "sqlite",
			JobQueue:    "recog-jobs",
			ResultQueue: "recog-results",
			Path:        "./data/queue",
			DSN:         "./data/recogpool.db",
		},
		Storage: StorageConfig{
			Type:         "fs",
			Dir:          "./data/blobs",
			InputBucket:  "recog-inputs",
			OutputBucket: "recog-outputs",
			UseSSL:       true,
		},
		Fleet: FleetConfig{
			Type: "local",
		},
		Processor: ProcessorConfig{
			Timeout: 2 * time.Minute,
		},
		Server: ServerConfig{
			Addr:           ":8080",
			URL:            "http://localhost:8080",
			RateLimit:      50,
			RateBurst:      100,
			MaxUploadBytes: 32 << 20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4318",
			Insecure:    true,
			Environment: "development",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers every key with its default so that environment
// overrides are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("max_instances", d.MaxInstances)
	v.SetDefault("control_interval", d.ControlInterval)
	v.SetDefault("claim_wait", d.ClaimWait)
	v.SetDefault("result_wait", d.ResultWait)
	v.SetDefault("dispatch_timeout", d.DispatchTimeout)
	v.SetDefault("visibility_timeout", d.VisibilityTimeout)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("release_delay", d.ReleaseDelay)
	v.SetDefault("tombstone_ttl", d.TombstoneTTL)
	v.SetDefault("worker_id", d.WorkerID)
	v.SetDefault("work_dir", d.WorkDir)

	v.SetDefault("broker.type", d.Broker.Type)
	v.SetDefault("broker.job_queue", d.Broker.JobQueue)
	v.SetDefault("broker.result_queue", d.Broker.ResultQueue)
	v.SetDefault("broker.path", d.Broker.Path)
	v.SetDefault("broker.dsn", d.Broker.DSN)
	v.SetDefault("broker.region", d.Broker.Region)
	v.SetDefault("broker.endpoint", d.Broker.Endpoint)

	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.dir", d.Storage.Dir)
	v.SetDefault("storage.input_bucket", d.Storage.InputBucket)
	v.SetDefault("storage.output_bucket", d.Storage.OutputBucket)
	v.SetDefault("storage.endpoint", d.Storage.Endpoint)
	v.SetDefault("storage.region", d.Storage.Region)
	v.SetDefault("storage.access_key", d.Storage.AccessKey)
	v.SetDefault("storage.secret_key", d.Storage.SecretKey)
	v.SetDefault("storage.use_ssl", d.Storage.UseSSL)
	v.SetDefault("storage.create_buckets", d.Storage.CreateBuckets)

	v.SetDefault("fleet.type", d.Fleet.Type)
	v.SetDefault("fleet.region", d.Fleet.Region)
	v.SetDefault("fleet.image_id", d.Fleet.ImageID)
	v.SetDefault("fleet.tag", d.Fleet.Tag)
	v.SetDefault("fleet.slots", d.Fleet.Slots)

	v.SetDefault("processor.command", d.Processor.Command)
	v.SetDefault("processor.args", []string{})
	v.SetDefault("processor.timeout", d.Processor.Timeout)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.api_key", d.Server.APIKey)
	v.SetDefault("server.api_key_hashes", []string{})
	v.SetDefault("server.tls_cert", d.Server.TLSCert)
	v.SetDefault("server.tls_key", d.Server.TLSKey)
	v.SetDefault("server.tls_ca", d.Server.TLSCA)
	v.SetDefault("server.require_client_cert", d.Server.RequireClientCert)
	v.SetDefault("server.insecure_skip_tls", d.Server.InsecureSkipTLS)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("server.max_upload_bytes", d.Server.MaxUploadBytes)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("tracing.environment", d.Tracing.Environment)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.file", d.Log.File)
}

// SearchPaths lists the config files tried, in order, when none is given
func SearchPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".recogpool", "config.yaml"))
	}
	return append(paths, "recogpool.yaml")
}

// New builds a viper instance with defaults, environment binding and, if
// one exists, a config file. An explicit cfgFile must exist.
func New(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if cfgFile == "" {
		for _, p := range SearchPaths() {
			if _, err := os.Stat(p); err == nil {
				cfgFile = p
				break
			}
		}
		if cfgFile == "" {
			return v, nil
		}
	}

	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", cfgFile, err)
	}
	return v, nil
}

// Load decodes v into a Config and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Watch reloads the config file whenever it changes and hands valid
// results to onChange. Invalid edits are logged and ignored. It is a no-op
// when no config file is in use.
func Watch(v *viper.Viper, logger *logging.Logger, onChange func(*Config)) bool {
	file := v.ConfigFileUsed()
	if file == "" {
		return false
	}
	if logger == nil {
		logger = logging.Default()
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(v)
		if err != nil {
			logger.Error("Ignoring invalid config change", logging.Fields{"file": e.Name, "error": err})
			return
		}
		logger.Info("Config reloaded", logging.Fields{"file": e.Name})
		onChange(cfg)
	})
	v.WatchConfig()
	logger.Info("Watching config file", logging.Fields{"file": file})
	return true
}

// LocalSlots is the number of in-process worker slots for the local fleet
func (c *Config) LocalSlots() int {
	if c.Fleet.Slots > 0 {
		return c.Fleet.Slots
	}
	return c.MaxInstances
}
