package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/psantana5/recogpool/pkg/logging"
)

// ErrInvalid matches any ValidationErrors via errors.Is
var ErrInvalid = errors.New("invalid configuration")

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalid
}

var (
	brokerTypes  = []string{"memory", "badger", "sqlite", "postgres", "sqs"}
	storageTypes = []string{"memory", "fs", "s3"}
	fleetTypes   = []string{"memory", "local", "ec2"}
	logLevels    = []string{"debug", "info", "warn", "warning", "error", "fatal"}
)

// sqsMaxVisibility is the SQS ceiling for a message's visibility timeout
const sqsMaxVisibility = 12 * time.Hour

// Validate checks the Config and returns every problem found
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			add(field, d, "must be positive")
		}
	}

	if c.MaxInstances < 0 {
		add("max_instances", c.MaxInstances, "must not be negative")
	}
	positive("control_interval", c.ControlInterval)
	positive("claim_wait", c.ClaimWait)
	positive("result_wait", c.ResultWait)
	positive("dispatch_timeout", c.DispatchTimeout)
	positive("visibility_timeout", c.VisibilityTimeout)
	positive("tombstone_ttl", c.TombstoneTTL)
	if c.IdleTimeout < 0 {
		add("idle_timeout", c.IdleTimeout, "must not be negative (0 polls forever)")
	}
	if c.ReleaseDelay < 0 {
		add("release_delay", c.ReleaseDelay, "must not be negative")
	}

	if !slices.Contains(brokerTypes, c.Broker.Type) {
		add("broker.type", c.Broker.Type, "must be one of "+strings.Join(brokerTypes, ", "))
	}
	if c.Broker.JobQueue == "" || c.Broker.ResultQueue == "" {
		add("broker.job_queue", c.Broker.JobQueue, "job and result queue names are required")
	} else if c.Broker.JobQueue == c.Broker.ResultQueue {
		add("broker.result_queue", c.Broker.ResultQueue, "must differ from broker.job_queue")
	}
	switch c.Broker.Type {
	case "badger":
		if c.Broker.Path == "" {
			add("broker.path", c.Broker.Path, "required for the badger broker")
		}
	case "sqlite", "postgres":
		if c.Broker.DSN == "" {
			add("broker.dsn", c.Broker.DSN, "required for SQL brokers")
		}
	case "sqs":
		if c.VisibilityTimeout > sqsMaxVisibility {
			add("visibility_timeout", c.VisibilityTimeout, "SQS allows at most 12h")
		}
	}

	if !slices.Contains(storageTypes, c.Storage.Type) {
		add("storage.type", c.Storage.Type, "must be one of "+strings.Join(storageTypes, ", "))
	}
	switch c.Storage.Type {
	case "fs":
		if c.Storage.Dir == "" {
			add("storage.dir", c.Storage.Dir, "required for filesystem storage")
		}
	case "s3":
		if c.Storage.InputBucket == "" || c.Storage.OutputBucket == "" {
			add("storage.input_bucket", c.Storage.InputBucket, "input and output buckets are required for s3 storage")
		}
		if c.Storage.Endpoint == "" {
			add("storage.endpoint", c.Storage.Endpoint, "required for s3 storage (e.g. s3.amazonaws.com)")
		}
	}

	if !slices.Contains(fleetTypes, c.Fleet.Type) {
		add("fleet.type", c.Fleet.Type, "must be one of "+strings.Join(fleetTypes, ", "))
	}
	if c.Fleet.Type == "ec2" && c.Fleet.ImageID == "" && c.Fleet.Tag == "" {
		add("fleet.image_id", c.Fleet.ImageID, "an image id or tag filter is required so the autoscaler only manages pool instances")
	}
	if c.Fleet.Tag != "" && !strings.Contains(c.Fleet.Tag, "=") {
		add("fleet.tag", c.Fleet.Tag, "must be key=value")
	}
	if c.Fleet.Slots < 0 {
		add("fleet.slots", c.Fleet.Slots, "must not be negative")
	}

	if c.Processor.Timeout < 0 {
		add("processor.timeout", c.Processor.Timeout, "must not be negative")
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		add("server.tls_cert", c.Server.TLSCert, "tls_cert and tls_key must be set together")
	}
	if c.Server.RequireClientCert && c.Server.TLSCA == "" {
		add("server.tls_ca", c.Server.TLSCA, "required when require_client_cert is set")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		add("server.rate_limit", c.Server.RateLimit, "rate_limit and rate_burst must not be negative")
	}
	if c.Server.MaxUploadBytes <= 0 {
		add("server.max_upload_bytes", c.Server.MaxUploadBytes, "must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr", c.Metrics.Addr, "required when metrics are enabled")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		add("tracing.endpoint", c.Tracing.Endpoint, "required when tracing is enabled")
	}
	if !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		add("log.level", c.Log.Level, "must be one of debug, info, warn, error, fatal")
	}

	return errs
}

// LogLevel returns the parsed log level
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}
