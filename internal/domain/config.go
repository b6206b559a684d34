package domain

import "time"

const (
	DefaultProbeTimeoutSeconds        = 10
	DefaultForwardTimeoutSeconds      = 30
	DefaultHealthIntervalSeconds      = 60
	DefaultHealthBackoffMaxSeconds    = 600
	DefaultHealthConcurrency          = 8
	DefaultScope                      = "default"
	DefaultObservabilityListenAddress = "0.0.0.0:9090"
	DefaultStorePath                  = "mcpfed.db"
)

// Config carries every runtime knob. It is constructed once at startup and
// passed by reference into each component's constructor; there is no
// process-wide mutable configuration.
type Config struct {
	ProbeTimeout      time.Duration
	ForwardTimeout    time.Duration
	HealthInterval    time.Duration
	HealthBackoffMax  time.Duration
	HealthConcurrency int

	Scope     string
	StorePath string

	Observability ObservabilityConfig
}

// ObservabilityConfig configures the metrics endpoint.
type ObservabilityConfig struct {
	ListenAddress string
	EnableMetrics bool
}

// Normalize fills zero values with defaults.
func (c Config) Normalize() Config {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeoutSeconds * time.Second
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = DefaultForwardTimeoutSeconds * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthIntervalSeconds * time.Second
	}
	if c.HealthBackoffMax < c.HealthInterval {
		c.HealthBackoffMax = DefaultHealthBackoffMaxSeconds * time.Second
	}
	if c.HealthConcurrency <= 0 {
		c.HealthConcurrency = DefaultHealthConcurrency
	}
	if c.Scope == "" {
		c.Scope = DefaultScope
	}
	if c.StorePath == "" {
		c.StorePath = DefaultStorePath
	}
	if c.Observability.ListenAddress == "" {
		c.Observability.ListenAddress = DefaultObservabilityListenAddress
	}
	return c
}

// GatewaySpec is the caller-supplied description of a gateway to register or
// update.
type GatewaySpec struct {
	Name        string
	URL         string
	Transport   Transport
	Auth        AuthValue
	Tags        []string
	Description string
}
