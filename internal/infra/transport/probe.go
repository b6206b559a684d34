package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

// Probe performs minimal per-transport handshakes and maps failures onto the
// domain failure kinds. It never retries; retry cadence belongs to the caller.
type Probe struct {
	logger  *zap.Logger
	client  *http.Client
	metrics domain.Metrics
}

type ProbeOptions struct {
	Logger  *zap.Logger
	Metrics domain.Metrics
	// HTTPClient overrides the outbound client. The probe disables automatic
	// redirect following so the StreamableHTTP single-redirect rule stays in
	// its own hands.
	HTTPClient *http.Client
}

func NewProbe(opts ProbeOptions) *Probe {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Probe{
		logger:  logger.Named("probe"),
		client:  client,
		metrics: opts.Metrics,
	}
}

// Probe runs one handshake against url. It returns within timeout.
func (p *Probe) Probe(ctx context.Context, url string, headers domain.AuthValue, transport domain.Transport, timeout time.Duration) domain.ProbeResult {
	if timeout <= 0 {
		timeout = domain.DefaultProbeTimeoutSeconds * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	var result domain.ProbeResult
	switch transport {
	case domain.TransportSSE:
		result = p.probeSSE(probeCtx, url, headers)
	case domain.TransportStreamableHTTP:
		result = p.probeStreamableHTTP(probeCtx, url, headers)
	default:
		result = domain.ProbeResult{
			Failure: domain.FailureProtocol,
			Err:     errors.New("unsupported transport: " + string(transport)),
		}
	}
	result.Latency = time.Since(started)

	if p.metrics != nil {
		p.metrics.ObserveProbe(transport, result.Latency, result.Failure)
	}
	if result.Reachable {
		p.logger.Debug("probe succeeded",
			zap.String("url", url),
			zap.String("transport", string(transport)),
			zap.Duration("latency", result.Latency),
		)
	} else {
		p.logger.Debug("probe failed",
			zap.String("url", url),
			zap.String("transport", string(transport)),
			zap.String("failure", string(result.Failure)),
			zap.Error(result.Err),
		)
	}
	return result
}

var _ domain.Prober = (*Probe)(nil)

// classifyTransportError maps a transport-level error onto a failure kind.
// Timeouts and deadline expiry map to FailureTimeout; everything else that
// prevented a response (DNS, TCP, TLS) maps to FailureConnect.
func classifyTransportError(err error) domain.FailureKind {
	if err == nil {
		return domain.FailureNone
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return domain.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.FailureTimeout
	}
	return domain.FailureConnect
}

// classifyStatus maps a non-2xx HTTP status onto a failure kind, keeping
// credential rejection distinct from connectivity failure.
func classifyStatus(status int) domain.FailureKind {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return domain.FailureAuth
	}
	return domain.FailureProtocol
}

func failureResult(url string, kind domain.FailureKind, cause error) domain.ProbeResult {
	return domain.ProbeResult{
		Failure: kind,
		Err:     &domain.ConnectionError{URL: url, Kind: kind, Cause: cause},
	}
}
