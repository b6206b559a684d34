package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

// GatewayLister yields the gateways the monitor should watch.
type GatewayLister interface {
	List(ctx context.Context, filter domain.GatewayFilter) ([]domain.Gateway, error)
}

// StatusRecorder persists the observed reachability of a gateway.
type StatusRecorder interface {
	RecordReachability(ctx context.Context, id string, reachable bool, at time.Time) error
}

// Monitor probes registered gateways on a fixed interval with bounded
// concurrency. A failing gateway is rechecked on an exponential schedule,
// doubling from the base interval up to a ceiling, and snaps back to the base
// interval on the first success.
type Monitor struct {
	logger   *zap.Logger
	prober   domain.Prober
	gateways GatewayLister
	recorder StatusRecorder
	metrics  domain.Metrics

	interval    time.Duration
	timeout     time.Duration
	backoffMax  time.Duration
	concurrency int

	mu     sync.Mutex
	status map[string]*gatewayStatus
}

type gatewayStatus struct {
	health  domain.GatewayHealth
	nextDue time.Time
}

type MonitorOptions struct {
	Logger   *zap.Logger
	Prober   domain.Prober
	Gateways GatewayLister
	Recorder StatusRecorder
	Metrics  domain.Metrics

	Interval    time.Duration
	Timeout     time.Duration
	BackoffMax  time.Duration
	Concurrency int
}

func NewMonitor(opts MonitorOptions) (*Monitor, error) {
	if opts.Prober == nil {
		return nil, errors.New("prober is required")
	}
	if opts.Gateways == nil {
		return nil, errors.New("gateway lister is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = domain.DefaultHealthIntervalSeconds * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultProbeTimeoutSeconds * time.Second
	}
	backoffMax := opts.BackoffMax
	if backoffMax < interval {
		backoffMax = domain.DefaultHealthBackoffMaxSeconds * time.Second
	}
	if backoffMax < interval {
		backoffMax = interval
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = domain.DefaultHealthConcurrency
	}
	return &Monitor{
		logger:      logger.Named("health"),
		prober:      opts.Prober,
		gateways:    opts.Gateways,
		recorder:    opts.Recorder,
		metrics:     opts.Metrics,
		interval:    interval,
		timeout:     timeout,
		backoffMax:  backoffMax,
		concurrency: concurrency,
		status:      map[string]*gatewayStatus{},
	}, nil
}

// Run drives the periodic sweep until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	gateways, err := m.gateways.List(ctx, domain.GatewayFilter{})
	if err != nil {
		m.logger.Warn("list gateways for health sweep", zap.Error(err))
		return
	}

	now := time.Now()
	due := gateways[:0:0]
	for _, gw := range gateways {
		if m.isDue(gw.ID, now) {
			due = append(due, gw)
		}
	}
	if len(due) == 0 {
		return
	}

	results := m.CheckMany(ctx, due)
	reachable := 0
	for _, ok := range results {
		if ok {
			reachable++
		}
	}
	if m.metrics != nil {
		m.metrics.SetGatewayCounts(len(gateways), reachable)
	}
}

// CheckMany probes the given gateways with at most the configured number of
// workers. The result slice is positional: results[i] reports gateways[i].
func (m *Monitor) CheckMany(ctx context.Context, gateways []domain.Gateway) []bool {
	results := make([]bool, len(gateways))
	if len(gateways) == 0 {
		return results
	}

	workers := m.concurrency
	if workers > len(gateways) {
		workers = len(gateways)
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, gw := range gateways {
		wg.Add(1)
		go func(i int, gw domain.Gateway) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			results[i] = m.CheckOne(ctx, gw)
		}(i, gw)
	}
	wg.Wait()
	return results
}

// CheckOne probes a single gateway, records the outcome, and reports whether
// the gateway answered its handshake.
func (m *Monitor) CheckOne(ctx context.Context, gw domain.Gateway) bool {
	result := m.prober.Probe(ctx, gw.URL, gw.Auth, gw.Transport, m.timeout)
	now := time.Now().UTC()
	m.record(gw.ID, result, now)

	if m.metrics != nil {
		m.metrics.ObserveHealthCheck(result.Reachable)
	}
	if m.recorder != nil {
		if err := m.recorder.RecordReachability(ctx, gw.ID, result.Reachable, now); err != nil {
			m.logger.Warn("record reachability",
				zap.String("gateway", gw.ID),
				zap.Error(err),
			)
		}
	}
	if !result.Reachable {
		m.logger.Info("gateway unreachable",
			zap.String("gateway", gw.ID),
			zap.String("url", gw.URL),
			zap.String("failure", string(result.Failure)),
		)
	}
	return result.Reachable
}

// Health returns the last observed health for a gateway, if any.
func (m *Monitor) Health(gatewayID string) (domain.GatewayHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[gatewayID]
	if !ok {
		return domain.GatewayHealth{}, false
	}
	return st.health, true
}

// Snapshot returns the health of every gateway the monitor has checked.
func (m *Monitor) Snapshot() []domain.GatewayHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.GatewayHealth, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, st.health)
	}
	return out
}

// Forget drops monitor state for a deleted gateway.
func (m *Monitor) Forget(gatewayID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.status, gatewayID)
}

func (m *Monitor) isDue(gatewayID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.status[gatewayID]
	if !ok {
		return true
	}
	return !now.Before(st.nextDue)
}

func (m *Monitor) record(gatewayID string, result domain.ProbeResult, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.status[gatewayID]
	if !ok {
		st = &gatewayStatus{health: domain.GatewayHealth{GatewayID: gatewayID}}
		m.status[gatewayID] = st
	}

	st.health.Status = domain.StatusFromFailure(result.Failure)
	st.health.Latency = result.Latency
	st.health.LastChecked = now
	delay := m.interval
	if result.Reachable {
		st.health.LastSuccessful = now
		st.health.FailureStreak = 0
	} else {
		st.health.FailureStreak++
		for i := 1; i < st.health.FailureStreak && delay < m.backoffMax; i++ {
			delay *= 2
		}
		if delay > m.backoffMax {
			delay = m.backoffMax
		}
	}
	// Half a tick of slack so a check finishing just after a sweep started
	// does not miss the sweep it was scheduled for.
	st.nextDue = now.Add(delay - m.interval/2)
}
