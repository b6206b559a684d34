package rpcfwd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

func testGateway(url string) domain.Gateway {
	return domain.Gateway{
		ID:        "gw-1",
		Name:      "peer",
		URL:       url,
		Transport: domain.TransportStreamableHTTP,
		Auth:      domain.AuthValue{"Authorization": "Bearer tok"},
		Enabled:   true,
	}
}

func TestForwarder_Success(t *testing.T) {
	var captured struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      any             `json:"id"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"answer":42}}`))
	}))
	defer srv.Close()

	f := NewForwarder(ForwarderOptions{Logger: zap.NewNop()})
	result, err := f.Forward(context.Background(), testGateway(srv.URL), "tools/call", map[string]any{"name": "echo"})
	require.NoError(t, err)
	require.JSONEq(t, `{"answer":42}`, string(result))
	require.Equal(t, "2.0", captured.JSONRPC)
	require.Equal(t, "tools/call", captured.Method)
	require.NotNil(t, captured.ID)
}

func TestForwarder_RemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`))
	}))
	defer srv.Close()

	f := NewForwarder(ForwarderOptions{Logger: zap.NewNop()})
	_, err := f.Forward(context.Background(), testGateway(srv.URL), "nope", nil)
	require.Error(t, err)

	var remote *domain.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, int64(-32601), remote.Code)
	require.Contains(t, err.Error(), "Method not found")
}

func TestForwarder_ConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := NewForwarder(ForwarderOptions{Logger: zap.NewNop()})
	_, err := f.Forward(context.Background(), testGateway(srv.URL), "ping", nil)
	require.Error(t, err)

	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, domain.FailureConnect, connErr.Kind)
}

func TestForwarder_AuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := NewForwarder(ForwarderOptions{Logger: zap.NewNop()})
	_, err := f.Forward(context.Background(), testGateway(srv.URL), "ping", nil)
	require.Error(t, err)

	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, domain.FailureAuth, connErr.Kind)
}

func TestForwarder_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := NewForwarder(ForwarderOptions{Logger: zap.NewNop(), Timeout: 50 * time.Millisecond})
	started := time.Now()
	_, err := f.Forward(context.Background(), testGateway(srv.URL), "ping", nil)
	require.Error(t, err)
	require.Less(t, time.Since(started), time.Second)

	var connErr *domain.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, domain.FailureTimeout, connErr.Kind)
}

func TestForwarder_EventStreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"ok\":true}}\n\n"))
	}))
	defer srv.Close()

	f := NewForwarder(ForwarderOptions{Logger: zap.NewNop()})
	result, err := f.Forward(context.Background(), testGateway(srv.URL), "ping", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestForwarder_EmptyMethod(t *testing.T) {
	f := NewForwarder(ForwarderOptions{Logger: zap.NewNop()})
	_, err := f.Forward(context.Background(), testGateway("http://example.invalid"), "", nil)
	require.Error(t, err)
	require.Equal(t, domain.CodeInvalidArgument, domain.CodeFrom(err))
}
