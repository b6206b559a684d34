package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

const (
	sessionHeader         = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"
	probeProtocolVersion  = "2025-06-18"

	// Capability documents are small; anything past this is not one.
	maxCapabilityBody = 1 << 20
)

// probeStreamableHTTP issues the initialize handshake. A response carrying a
// Location header is followed exactly once, re-issuing the handshake on the
// redirected URL. The session id header on the final response is captured as
// session metadata; its absence is tolerated but logged as degraded.
func (p *Probe) probeStreamableHTTP(ctx context.Context, url string, headers domain.AuthValue) domain.ProbeResult {
	body, err := initializeEnvelope()
	if err != nil {
		return failureResult(url, domain.FailureProtocol, err)
	}

	resp, err := p.issueHandshake(ctx, url, headers, body)
	if err != nil {
		kind := classifyTransportError(err)
		return failureResult(url, kind, err)
	}

	if location := resp.Header.Get("Location"); location != "" {
		_ = resp.Body.Close()
		p.logger.Debug("following handshake redirect",
			zap.String("url", url),
			zap.String("location", location),
		)
		resp, err = p.issueHandshake(ctx, location, headers, body)
		if err != nil {
			kind := classifyTransportError(err)
			return failureResult(location, kind, err)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := classifyStatus(resp.StatusCode)
		return failureResult(url, kind, fmt.Errorf("handshake status %d", resp.StatusCode))
	}

	result := domain.ProbeResult{Reachable: true}
	if session := resp.Header.Get(sessionHeader); session != "" {
		result.SessionMetadata = map[string]string{sessionHeader: session}
	} else {
		p.logger.Warn("handshake returned no session id, continuing degraded", zap.String("url", url))
	}

	// A missing or malformed capability document is never fatal; the gateway
	// stays reachable with an empty capability set.
	caps, err := parseCapabilityDocument(resp)
	if err != nil {
		p.logger.Debug("capability document unreadable", zap.String("url", url), zap.Error(err))
		return result
	}
	result.Capabilities = caps
	return result
}

func (p *Probe) issueHandshake(ctx context.Context, url string, headers domain.AuthValue, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(protocolVersionHeader, probeProtocolVersion)
	applyHeaders(req, headers)
	return p.client.Do(req)
}

func initializeEnvelope() ([]byte, error) {
	params := &mcp.InitializeParams{
		ProtocolVersion: probeProtocolVersion,
		ClientInfo: &mcp.Implementation{
			Name:    "mcpfed",
			Version: "0.1.0",
		},
		Capabilities: &mcp.ClientCapabilities{},
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal initialize params: %w", err)
	}
	id, err := jsonrpc.MakeID("mcpfed-probe")
	if err != nil {
		return nil, fmt.Errorf("build initialize id: %w", err)
	}
	wire, err := jsonrpc.EncodeMessage(&jsonrpc.Request{
		ID:     id,
		Method: "initialize",
		Params: rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("encode initialize: %w", err)
	}
	return wire, nil
}

func parseCapabilityDocument(resp *http.Response) (domain.CapabilitySet, error) {
	payload, err := readHandshakePayload(resp)
	if err != nil {
		return domain.CapabilitySet{}, err
	}
	msg, err := jsonrpc.DecodeMessage(payload)
	if err != nil {
		return domain.CapabilitySet{}, fmt.Errorf("decode handshake response: %w", err)
	}
	rpcResp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return domain.CapabilitySet{}, fmt.Errorf("handshake response is not a response message")
	}
	if rpcResp.Error != nil {
		return domain.CapabilitySet{}, fmt.Errorf("initialize error: %w", rpcResp.Error)
	}
	if len(rpcResp.Result) == 0 {
		return domain.CapabilitySet{}, fmt.Errorf("initialize response missing result")
	}

	var initResult mcp.InitializeResult
	if err := json.Unmarshal(rpcResp.Result, &initResult); err != nil {
		return domain.CapabilitySet{}, fmt.Errorf("decode initialize result: %w", err)
	}
	return mapCapabilities(initResult.Capabilities), nil
}

// readHandshakePayload extracts the JSON body, unwrapping the first SSE data
// frame when the server answers the handshake over an event stream.
func readHandshakePayload(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, maxCapabilityBody)
	if !isStreamingContentType(resp.Header.Get("Content-Type")) {
		data, err := io.ReadAll(limited)
		if err != nil {
			return nil, fmt.Errorf("read handshake body: %w", err)
		}
		return data, nil
	}

	scanner := bufio.NewScanner(limited)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCapabilityBody)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return []byte(strings.TrimSpace(data)), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream carried no data frame")
}

func mapCapabilities(caps *mcp.ServerCapabilities) domain.CapabilitySet {
	out := domain.CapabilitySet{}
	if caps == nil {
		return out
	}
	if caps.Prompts != nil {
		out.Prompts = &domain.Capability{ListChanged: caps.Prompts.ListChanged}
	}
	if caps.Resources != nil {
		out.Resources = &domain.Capability{ListChanged: caps.Resources.ListChanged}
	}
	if caps.Tools != nil {
		out.Tools = &domain.Capability{ListChanged: caps.Tools.ListChanged}
	}
	return out
}
