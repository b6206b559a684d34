package rpcfwd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

const maxResponseBody = 16 << 20

var forwardIDSeq atomic.Uint64

// Forwarder sends JSON-RPC 2.0 requests to registered gateways. Delivery is
// at-most-once: no retry on any failure, because forwarded methods are not
// assumed idempotent.
type Forwarder struct {
	logger  *zap.Logger
	client  *http.Client
	timeout time.Duration
	metrics domain.Metrics
}

type ForwarderOptions struct {
	Logger  *zap.Logger
	Metrics domain.Metrics
	// HTTPClient overrides the outbound client, mainly for tests.
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewForwarder(opts ForwarderOptions) *Forwarder {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultForwardTimeoutSeconds * time.Second
	}
	return &Forwarder{
		logger:  logger.Named("forwarder"),
		client:  client,
		timeout: timeout,
		metrics: opts.Metrics,
	}
}

// Forward builds the {jsonrpc, method, params, id} envelope, posts it to the
// gateway's endpoint with its stored auth headers, and maps the outcome:
// transport failure to ConnectionError, an envelope error to RemoteError,
// success to the raw result payload.
func (f *Forwarder) Forward(ctx context.Context, gw domain.Gateway, method string, params any) (json.RawMessage, error) {
	started := time.Now()
	result, err := f.forward(ctx, gw, method, params)
	if f.metrics != nil {
		f.metrics.ObserveForward(time.Since(started), err)
	}
	if err != nil {
		f.logger.Debug("forward failed",
			zap.String("gateway", gw.Name),
			zap.String("method", method),
			zap.Error(err),
		)
		return nil, err
	}
	return result, nil
}

func (f *Forwarder) forward(ctx context.Context, gw domain.Gateway, method string, params any) (json.RawMessage, error) {
	if method == "" {
		return nil, domain.E(domain.CodeInvalidArgument, "forward", "method is required", nil)
	}

	wire, err := buildEnvelope(method, params)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, gw.URL, bytes.NewReader(wire))
	if err != nil {
		return nil, fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range gw.Auth {
		name := http.CanonicalHeaderKey(strings.TrimSpace(key))
		if name == "" {
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &domain.ConnectionError{URL: gw.URL, Kind: classifyTransportError(err), Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := domain.FailureProtocol
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = domain.FailureAuth
		}
		return nil, &domain.ConnectionError{
			URL:   gw.URL,
			Kind:  kind,
			Cause: fmt.Errorf("forward status %d", resp.StatusCode),
		}
	}

	payload, err := readPayload(resp)
	if err != nil {
		return nil, &domain.ConnectionError{URL: gw.URL, Kind: domain.FailureProtocol, Cause: err}
	}
	return decodeResult(payload)
}

func buildEnvelope(method string, params any) ([]byte, error) {
	seq := forwardIDSeq.Add(1)
	id, err := jsonrpc.MakeID(fmt.Sprintf("mcpfed-%d", seq))
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}

	var rawParams json.RawMessage
	switch v := params.(type) {
	case nil:
		rawParams = nil
	case json.RawMessage:
		rawParams = v
	default:
		rawParams, err = json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     id,
		Method: method,
		Params: rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return wire, nil
}

func decodeResult(payload []byte) (json.RawMessage, error) {
	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, errors.New("response is not a response message")
	}
	if resp.Error != nil {
		var wireErr *jsonrpc.Error
		if errors.As(resp.Error, &wireErr) {
			return nil, &domain.RemoteError{Code: wireErr.Code, Message: wireErr.Message, Data: wireErr.Data}
		}
		return nil, &domain.RemoteError{Message: resp.Error.Error()}
	}
	return resp.Result, nil
}

// readPayload returns the response body, unwrapping the first SSE data frame
// when the gateway answers over an event stream.
func readPayload(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, maxResponseBody)
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(contentType, "text/event-stream") {
		data, err := io.ReadAll(limited)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		return data, nil
	}

	scanner := bufio.NewScanner(limited)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBody)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return []byte(strings.TrimSpace(data)), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event stream: %w", err)
	}
	return nil, errors.New("event stream carried no data frame")
}

func classifyTransportError(err error) domain.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return domain.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.FailureTimeout
	}
	return domain.FailureConnect
}

var _ domain.Forwarder = (*Forwarder)(nil)
