package telemetry

import (
	"time"

	"mcpfed/internal/domain"
)

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveProbe(_ domain.Transport, _ time.Duration, _ domain.FailureKind) {}

func (n *NoopMetrics) ObserveForward(_ time.Duration, _ error) {}

func (n *NoopMetrics) ObserveHealthCheck(_ bool) {}

func (n *NoopMetrics) ObserveMergeConflicts(_ int) {}

func (n *NoopMetrics) SetGatewayCounts(_, _ int) {}

var _ domain.Metrics = (*NoopMetrics)(nil)
