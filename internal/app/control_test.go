package app

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
	"mcpfed/internal/infra/federation"
	"mcpfed/internal/infra/health"
	"mcpfed/internal/infra/registry"
	"mcpfed/internal/infra/store"
)

type stubProber struct {
	reachable map[string]bool
}

func (p *stubProber) Probe(_ context.Context, url string, _ domain.AuthValue, _ domain.Transport, _ time.Duration) domain.ProbeResult {
	if p.reachable[url] {
		return domain.ProbeResult{Reachable: true}
	}
	return domain.ProbeResult{Failure: domain.FailureConnect, Err: errors.New("no route")}
}

type stubForwarder struct {
	results map[string]json.RawMessage
}

func (f *stubForwarder) Forward(_ context.Context, _ domain.Gateway, method string, _ any) (json.RawMessage, error) {
	if result, ok := f.results[method]; ok {
		return result, nil
	}
	return nil, &domain.RemoteError{Code: -32601, Message: "Method not found"}
}

type controlFixture struct {
	app     *App
	reg     *registry.Registry
	monitor *health.Monitor
	prober  *stubProber
}

func newControlFixture(t *testing.T) *controlFixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	prober := &stubProber{reachable: map[string]bool{"http://peer.internal/mcp": true}}
	forwarder := &stubForwarder{results: map[string]json.RawMessage{
		"tools/list": json.RawMessage(`{"tools":[{"name":"search","inputSchema":{"type":"object"}}]}`),
		"tools/call": json.RawMessage(`{"content":[]}`),
	}}

	fed, err := federation.NewFederator(federation.FederatorOptions{Catalog: db})
	require.NoError(t, err)
	reg, err := registry.New(registry.Options{
		Store:     db,
		Prober:    prober,
		Forwarder: forwarder,
		Federator: fed,
		MapTools:  federation.ToolsFromList,
	})
	require.NoError(t, err)
	monitor, err := health.NewMonitor(health.MonitorOptions{Prober: prober, Gateways: db})
	require.NoError(t, err)

	return &controlFixture{
		app:     New(zap.NewNop()),
		reg:     reg,
		monitor: monitor,
		prober:  prober,
	}
}

func (fx *controlFixture) call(t *testing.T, method string, params any) controlResponse {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		require.NoError(t, err)
		raw = encoded
	}
	return fx.app.handleControl(context.Background(), fx.reg, fx.monitor, controlRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  raw,
	})
}

func registeredID(t *testing.T, resp controlResponse) string {
	t.Helper()
	require.Nil(t, resp.Error)
	payload, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	gw, ok := payload["gateway"].(domain.Gateway)
	require.True(t, ok)
	return gw.ID
}

func TestControlRegisterAndList(t *testing.T) {
	fx := newControlFixture(t)

	resp := fx.call(t, "gateway/register", map[string]any{
		"name": "peer",
		"url":  "http://peer.internal/mcp",
		"auth": map[string]string{"Authorization": "Bearer x"},
	})
	id := registeredID(t, resp)
	require.NotEmpty(t, id)

	listResp := fx.call(t, "gateway/list", nil)
	require.Nil(t, listResp.Error)
	gateways, ok := listResp.Result.([]domain.Gateway)
	require.True(t, ok)
	require.Len(t, gateways, 1)
	require.Equal(t, "*****", gateways[0].Auth["Authorization"])
}

func TestControlForward(t *testing.T) {
	fx := newControlFixture(t)
	id := registeredID(t, fx.call(t, "gateway/register", map[string]any{
		"name": "peer", "url": "http://peer.internal/mcp",
	}))

	resp := fx.call(t, "gateway/forward", map[string]any{
		"id":     id,
		"method": "tools/call",
		"params": map[string]any{"name": "search"},
	})
	require.Nil(t, resp.Error)

	raw, ok := resp.Result.(json.RawMessage)
	require.True(t, ok)
	require.JSONEq(t, `{"content":[]}`, string(raw))
}

func TestControlRemoteErrorPassthrough(t *testing.T) {
	fx := newControlFixture(t)
	id := registeredID(t, fx.call(t, "gateway/register", map[string]any{
		"name": "peer", "url": "http://peer.internal/mcp",
	}))

	resp := fx.call(t, "gateway/forward", map[string]any{
		"id": id, "method": "prompts/list",
	})
	require.NotNil(t, resp.Error)
	require.EqualValues(t, -32601, resp.Error.Code)
	require.Equal(t, "Method not found", resp.Error.Message)
}

func TestControlLifecycle(t *testing.T) {
	fx := newControlFixture(t)
	id := registeredID(t, fx.call(t, "gateway/register", map[string]any{
		"name": "peer", "url": "http://peer.internal/mcp",
	}))

	resp := fx.call(t, "gateway/deactivate", map[string]any{"id": id})
	require.Nil(t, resp.Error)

	// A disabled gateway is hidden from the default get.
	resp = fx.call(t, "gateway/get", map[string]any{"id": id})
	require.NotNil(t, resp.Error)
	require.EqualValues(t, errGatewayNotFound, resp.Error.Code)

	resp = fx.call(t, "gateway/get", map[string]any{"id": id, "includeInactive": true})
	require.Nil(t, resp.Error)

	resp = fx.call(t, "gateway/activate", map[string]any{"id": id})
	require.Nil(t, resp.Error)

	resp = fx.call(t, "gateway/delete", map[string]any{"id": id})
	require.Nil(t, resp.Error)

	resp = fx.call(t, "gateway/get", map[string]any{"id": id, "includeInactive": true})
	require.NotNil(t, resp.Error)
	require.EqualValues(t, errGatewayNotFound, resp.Error.Code)
}

func TestControlErrorMapping(t *testing.T) {
	fx := newControlFixture(t)
	registeredID(t, fx.call(t, "gateway/register", map[string]any{
		"name": "peer", "url": "http://peer.internal/mcp",
	}))

	// Duplicate name maps to the conflict code.
	resp := fx.call(t, "gateway/register", map[string]any{
		"name": "peer", "url": "http://other.internal/mcp",
	})
	require.NotNil(t, resp.Error)
	require.EqualValues(t, errConflict, resp.Error.Code)

	// Unreachable endpoint maps to the unavailable code.
	resp = fx.call(t, "gateway/register", map[string]any{
		"name": "peer-b", "url": "http://down.internal/mcp",
	})
	require.NotNil(t, resp.Error)
	require.EqualValues(t, errUnavailable, resp.Error.Code)

	// Unknown method and malformed envelope.
	resp = fx.call(t, "gateway/eject", map[string]any{"id": "x"})
	require.NotNil(t, resp.Error)
	require.EqualValues(t, errMethodNotFound, resp.Error.Code)

	resp = fx.app.handleControl(context.Background(), fx.reg, fx.monitor, controlRequest{JSONRPC: "1.0", ID: 1, Method: "gateway/list"})
	require.NotNil(t, resp.Error)
	require.EqualValues(t, errInvalidRequest, resp.Error.Code)
}
