package config

import (
	"fmt"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a
// *ValidationError when one or more problems are found, allowing callers to
// inspect all issues at once.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateStore(cfg, ve)
	validateControl(cfg, ve)
	validateRelay(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	url := cfg.Gateway.URL
	if url == "" {
		ve.Add("gateway.url must not be empty")
	} else if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		ve.Add("gateway.url must start with ws:// or wss:// (got %q)", url)
	}
	if cfg.Gateway.ClientID == "" {
		ve.Add("gateway.client_id must not be empty")
	}
	if cfg.Gateway.Role == "" {
		ve.Add("gateway.role must not be empty")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

func validateControl(cfg *Config, ve *ValidationError) {
	if cfg.Control.Binary == "" {
		ve.Add("control.binary must not be empty")
	}
	if cfg.Control.Timeout < 0 {
		ve.Add("control.timeout must not be negative")
	}
}

func validateRelay(cfg *Config, ve *ValidationError) {
	if cfg.Relay.BackfillLimit < 0 {
		ve.Add("relay.backfill_limit must not be negative")
	}
	if cfg.Relay.SendRate < 0 {
		ve.Add("relay.send_rate must not be negative")
	}
	if cfg.Relay.SendBurst < 0 {
		ve.Add("relay.send_burst must not be negative")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level must be one of debug, info, warn, error (got %q)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format must be text or json (got %q)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter must be stdout or noop (got %q)", cfg.Tracer.Exporter)
	}
}
