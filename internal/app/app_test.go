package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcpfed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestValidateConfig(t *testing.T) {
	path := writeConfigFile(t, `
gateways:
  - name: peer-a
    url: http://peer-a.internal/mcp
`)
	app := New(zap.NewNop())
	require.NoError(t, app.ValidateConfig(context.Background(), ValidateConfig{ConfigPath: path}))

	bad := writeConfigFile(t, `
gateways:
  - name: peer-a
    url: not-a-url
`)
	require.Error(t, app.ValidateConfig(context.Background(), ValidateConfig{ConfigPath: bad}))
}

func TestCheckReportsPerGatewayStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	path := writeConfigFile(t, fmt.Sprintf(`
probeTimeoutSeconds: 1
gateways:
  - name: up
    url: %s
    transport: sse
  - name: down
    url: http://127.0.0.1:1/sse
    transport: sse
`, server.URL))

	statuses := map[string]string{}
	err := New(zap.NewNop()).Check(context.Background(), CheckConfig{ConfigPath: path}, func(name, status string) {
		statuses[name] = status
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 2")
	require.Equal(t, "ok", statuses["up"])
	require.Equal(t, "unreachable", statuses["down"])
}
