package domain

import "time"

// FailureKind classifies why a probe or forward could not succeed, so callers
// can report actionable detail instead of a generic failure.
type FailureKind string

const (
	FailureNone     FailureKind = ""
	FailureConnect  FailureKind = "connect"
	FailureTimeout  FailureKind = "timeout"
	FailureAuth     FailureKind = "auth"
	FailureProtocol FailureKind = "protocol"
)

// ProbeResult is the ephemeral outcome of one connectivity probe. It is
// consumed immediately by the registry or health monitor, never persisted.
type ProbeResult struct {
	Reachable       bool
	Capabilities    CapabilitySet
	SessionMetadata map[string]string
	Latency         time.Duration
	Failure         FailureKind
	Err             error
}

// HealthStatus labels a gateway's last-known availability.
type HealthStatus string

const (
	HealthStatusOK          HealthStatus = "ok"
	HealthStatusTimeout     HealthStatus = "timeout"
	HealthStatusUnreachable HealthStatus = "unreachable"
	HealthStatusUnknown     HealthStatus = "unknown"
)

// StatusFromFailure maps a probe failure kind onto a health status.
func StatusFromFailure(kind FailureKind) HealthStatus {
	switch kind {
	case FailureNone:
		return HealthStatusOK
	case FailureTimeout:
		return HealthStatusTimeout
	case FailureConnect, FailureAuth, FailureProtocol:
		return HealthStatusUnreachable
	default:
		return HealthStatusUnknown
	}
}

// GatewayHealth tracks per-gateway health bookkeeping maintained by the
// monitor.
type GatewayHealth struct {
	GatewayID      string
	Status         HealthStatus
	Latency        time.Duration
	LastChecked    time.Time
	LastSuccessful time.Time
	FailureStreak  int
}
