package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Audit backends.
const (
	AuditNone   = "none"
	AuditLog    = "log"
	AuditMemory = "memory"
	AuditSQLite = "sqlite"
)

// Metrics backends.
const (
	MetricsNone       = "none"
	MetricsOTel       = "otel"
	MetricsPrometheus = "prometheus"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EVENTFLOW_"

// BusSettings configures the event bus.
type BusSettings struct {
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" json:"handler_timeout"`
	HistoryLimit   int           `yaml:"history_limit" json:"history_limit"`
}

// SagaSettings configures the saga orchestrator.
type SagaSettings struct {
	MaxConcurrent  int           `yaml:"max_concurrent" json:"max_concurrent"`
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	CompletedLimit int           `yaml:"completed_limit" json:"completed_limit"`
}

// AuditSettings selects the audit sink.
type AuditSettings struct {
	Backend string `yaml:"backend" json:"backend"`
	Path    string `yaml:"path" json:"path"`
}

// MetricsSettings selects the metrics recorder.
type MetricsSettings struct {
	Backend string `yaml:"backend" json:"backend"`
	Addr    string `yaml:"addr" json:"addr"`
}

// Settings is the typed configuration of an engine.
type Settings struct {
	LogLevel string          `yaml:"log_level" json:"log_level"`
	Bus      BusSettings     `yaml:"bus" json:"bus"`
	Saga     SagaSettings    `yaml:"saga" json:"saga"`
	Audit    AuditSettings   `yaml:"audit" json:"audit"`
	Metrics  MetricsSettings `yaml:"metrics" json:"metrics"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		LogLevel: "info",
		Bus: BusSettings{
			MaxAttempts:  3,
			RetryDelay:   time.Second,
			HistoryLimit: 1000,
		},
		Saga: SagaSettings{
			MaxConcurrent:  100,
			DefaultTimeout: 5 * time.Minute,
			CompletedLimit: 1000,
		},
		Audit:   AuditSettings{Backend: AuditLog},
		Metrics: MetricsSettings{Backend: MetricsNone},
	}
}

// FromConfig builds Settings from c, falling back to DefaultSettings for
// every missing key.
func FromConfig(c Config) Settings {
	d := DefaultSettings()
	return Settings{
		LogLevel: c.String("log_level", d.LogLevel),
		Bus: BusSettings{
			MaxAttempts:    c.Int("bus.max_attempts", d.Bus.MaxAttempts),
			RetryDelay:     c.Duration("bus.retry_delay", d.Bus.RetryDelay),
			HandlerTimeout: c.Duration("bus.handler_timeout", d.Bus.HandlerTimeout),
			HistoryLimit:   c.Int("bus.history_limit", d.Bus.HistoryLimit),
		},
		Saga: SagaSettings{
			MaxConcurrent:  c.Int("saga.max_concurrent", d.Saga.MaxConcurrent),
			DefaultTimeout: c.Duration("saga.default_timeout", d.Saga.DefaultTimeout),
			CompletedLimit: c.Int("saga.completed_limit", d.Saga.CompletedLimit),
		},
		Audit: AuditSettings{
			Backend: strings.ToLower(c.String("audit.backend", d.Audit.Backend)),
			Path:    c.String("audit.path", d.Audit.Path),
		},
		Metrics: MetricsSettings{
			Backend: strings.ToLower(c.String("metrics.backend", d.Metrics.Backend)),
			Addr:    c.String("metrics.addr", d.Metrics.Addr),
		},
	}
}

// ApplyEnv overrides s with EVENTFLOW_* variables resolved through lookup
// (usually os.LookupEnv). Every malformed value is reported; well-formed
// ones are applied regardless.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
	duration := func(name string, dst *time.Duration) {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}

	str("LOG_LEVEL", &s.LogLevel)
	integer("BUS_MAX_ATTEMPTS", &s.Bus.MaxAttempts)
	duration("BUS_RETRY_DELAY", &s.Bus.RetryDelay)
	duration("BUS_HANDLER_TIMEOUT", &s.Bus.HandlerTimeout)
	integer("BUS_HISTORY_LIMIT", &s.Bus.HistoryLimit)
	integer("SAGA_MAX_CONCURRENT", &s.Saga.MaxConcurrent)
	duration("SAGA_DEFAULT_TIMEOUT", &s.Saga.DefaultTimeout)
	integer("SAGA_COMPLETED_LIMIT", &s.Saga.CompletedLimit)
	str("AUDIT_BACKEND", &s.Audit.Backend)
	str("AUDIT_PATH", &s.Audit.Path)
	str("METRICS_BACKEND", &s.Metrics.Backend)
	str("METRICS_ADDR", &s.Metrics.Addr)

	s.Audit.Backend = strings.ToLower(s.Audit.Backend)
	s.Metrics.Backend = strings.ToLower(s.Metrics.Backend)
	return errors.Join(errs...)
}

// Level parses LogLevel, defaulting to info.
func (s Settings) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Validate reports every inconsistent setting.
func (s Settings) Validate() error {
	var errs []error
	if s.LogLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(s.LogLevel)); err != nil {
			errs = append(errs, fmt.Errorf("log_level: %w", err))
		}
	}
	if s.Bus.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("bus.max_attempts must be >= 1, got %d", s.Bus.MaxAttempts))
	}
	if s.Bus.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("bus.retry_delay must not be negative"))
	}
	if s.Bus.HandlerTimeout < 0 {
		errs = append(errs, fmt.Errorf("bus.handler_timeout must not be negative"))
	}
	if s.Bus.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("bus.history_limit must be >= 1, got %d", s.Bus.HistoryLimit))
	}
	if s.Saga.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("saga.max_concurrent must be >= 1, got %d", s.Saga.MaxConcurrent))
	}
	if s.Saga.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("saga.default_timeout must be positive"))
	}
	if s.Saga.CompletedLimit < 1 {
		errs = append(errs, fmt.Errorf("saga.completed_limit must be >= 1, got %d", s.Saga.CompletedLimit))
	}
	switch s.Audit.Backend {
	case AuditNone, AuditLog, AuditMemory:
	case AuditSQLite:
		if s.Audit.Path == "" {
			errs = append(errs, fmt.Errorf("audit.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.backend: unknown backend %q", s.Audit.Backend))
	}
	switch s.Metrics.Backend {
	case MetricsNone, MetricsOTel, MetricsPrometheus:
	default:
		errs = append(errs, fmt.Errorf("metrics.backend: unknown backend %q", s.Metrics.Backend))
	}
	return errors.Join(errs...)
}
