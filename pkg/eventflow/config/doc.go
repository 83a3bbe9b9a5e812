// Package config loads eventflow settings.
//
// Config wraps a decoded YAML or JSON document and offers typed accessors
// with defaults. Nested sections are addressed with dotted keys:
//
//	cfg, err := config.FromFile("eventflow.yaml")
//	attempts := cfg.Int("bus.max_attempts", 3)
//
// Settings is the typed view used to build an engine. It is derived from a
// Config, then overridden by EVENTFLOW_* environment variables:
//
//	s := config.FromConfig(cfg)
//	if err := s.ApplyEnv(os.LookupEnv); err != nil { ... }
//
// Watch reloads a file whenever it changes on disk.
package config
