package transport

import (
	"context"
	"fmt"
	"net/http"

	"mcpfed/internal/domain"
)

// probeSSE opens a streaming GET against the endpoint. A 2xx status with a
// streaming content type counts as reachable; the body is not consumed, so the
// capability set stays empty until the first tools refresh fills it in.
func (p *Probe) probeSSE(ctx context.Context, url string, headers domain.AuthValue) domain.ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failureResult(url, domain.FailureProtocol, fmt.Errorf("build sse request: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-store")
	applyHeaders(req, headers)

	resp, err := p.client.Do(req)
	if err != nil {
		kind := classifyTransportError(err)
		return failureResult(url, kind, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := classifyStatus(resp.StatusCode)
		return failureResult(url, kind, fmt.Errorf("sse handshake status %d", resp.StatusCode))
	}
	if !isStreamingContentType(resp.Header.Get("Content-Type")) {
		return failureResult(url, domain.FailureProtocol,
			fmt.Errorf("sse handshake returned content type %q", resp.Header.Get("Content-Type")))
	}

	return domain.ProbeResult{Reachable: true}
}
