package registry

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
	"mcpfed/internal/infra/federation"
	"mcpfed/internal/infra/store"
)

type fakeProber struct {
	mu      sync.Mutex
	results map[string]domain.ProbeResult
	calls   map[string]int
}

func newFakeProber() *fakeProber {
	return &fakeProber{results: map[string]domain.ProbeResult{}, calls: map[string]int{}}
}

func (p *fakeProber) Probe(_ context.Context, url string, _ domain.AuthValue, _ domain.Transport, _ time.Duration) domain.ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[url]++
	if result, ok := p.results[url]; ok {
		return result
	}
	return domain.ProbeResult{Failure: domain.FailureConnect, Err: errors.New("no route")}
}

func (p *fakeProber) set(url string, result domain.ProbeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[url] = result
}

func (p *fakeProber) callCount(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[url]
}

type fakeForwarder struct {
	mu      sync.Mutex
	results map[string]json.RawMessage
	errs    map[string]error
	last    struct {
		method string
		params any
	}
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{results: map[string]json.RawMessage{}, errs: map[string]error{}}
}

func (f *fakeForwarder) Forward(_ context.Context, gw domain.Gateway, method string, params any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last.method = method
	f.last.params = params
	if err, ok := f.errs[gw.URL+" "+method]; ok {
		return nil, err
	}
	if result, ok := f.results[gw.URL+" "+method]; ok {
		return result, nil
	}
	return nil, &domain.RemoteError{Code: -32601, Message: "Method not found"}
}

func (f *fakeForwarder) setResult(url, method string, result json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[url+" "+method] = result
}

func (f *fakeForwarder) setError(url, method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url+" "+method] = err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (n *recordingNotifier) Publish(event domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) kinds() []domain.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.EventKind, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Kind
	}
	return out
}

type registryFixture struct {
	registry  *Registry
	store     *store.Bolt
	prober    *fakeProber
	forwarder *fakeForwarder
	notifier  *recordingNotifier
}

func newFixture(t *testing.T) *registryFixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	prober := newFakeProber()
	forwarder := newFakeForwarder()
	notifier := &recordingNotifier{}

	fed, err := federation.NewFederator(federation.FederatorOptions{Logger: zap.NewNop(), Catalog: db})
	require.NoError(t, err)

	reg, err := New(Options{
		Logger:    zap.NewNop(),
		Store:     db,
		Prober:    prober,
		Forwarder: forwarder,
		Federator: fed,
		MapTools:  federation.ToolsFromList,
		Notifier:  notifier,
	})
	require.NoError(t, err)

	return &registryFixture{registry: reg, store: db, prober: prober, forwarder: forwarder, notifier: notifier}
}

const peerURL = "http://peer-a.internal/mcp"

func reachableResult() domain.ProbeResult {
	listChanged := domain.Capability{ListChanged: true}
	return domain.ProbeResult{
		Reachable:    true,
		Capabilities: domain.CapabilitySet{Tools: &listChanged},
		Latency:      5 * time.Millisecond,
	}
}

func peerSpec() domain.GatewaySpec {
	return domain.GatewaySpec{
		Name:      "peer-a",
		URL:       peerURL,
		Transport: domain.TransportStreamableHTTP,
		Auth:      domain.AuthValue{"Authorization": "Bearer s3cret"},
	}
}

func toolList(names ...string) json.RawMessage {
	type tool struct {
		Name        string          `json:"name"`
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	tools := make([]tool, len(names))
	for i, name := range names {
		tools[i] = tool{Name: name, InputSchema: json.RawMessage(`{"type":"object"}`)}
	}
	payload, _ := json.Marshal(map[string]any{"tools": tools})
	return payload
}

func TestRegisterHappyPath(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList("search", "fetch"))

	gw, report, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)
	require.NotEmpty(t, gw.ID)
	require.Equal(t, "peer-a", gw.Name)
	require.Equal(t, "peer-a", gw.Slug)
	require.Equal(t, domain.StateActive, gw.State())
	require.Equal(t, []string{"fetch", "search"}, report.Added)
	require.Len(t, gw.FederatedToolIDs, 2)

	// Returned credentials are masked.
	require.Equal(t, "*****", gw.Auth["Authorization"])

	require.Equal(t, []domain.EventKind{domain.EventAdded}, fx.notifier.kinds())
}

func TestRegisterDuplicateNameRejected(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList())

	first, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)

	spec := peerSpec()
	spec.URL = "http://peer-b.internal/mcp"
	_, _, err = fx.registry.Register(context.Background(), spec)

	var conflict *domain.NameConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, first.ID, conflict.ConflictingID)
	require.Equal(t, domain.CodeConflict, domain.CodeFrom(err))
}

func TestRegisterProbeFailurePersistsNothing(t *testing.T) {
	fx := newFixture(t)

	_, _, err := fx.registry.Register(context.Background(), peerSpec())
	var conn *domain.ConnectionError
	require.ErrorAs(t, err, &conn)

	gateways, err := fx.registry.List(context.Background(), domain.GatewayFilter{IncludeInactive: true})
	require.NoError(t, err)
	require.Empty(t, gateways)
	require.Empty(t, fx.notifier.kinds())
}

func TestRegisterToleratesToolDiscoveryFailure(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setError(peerURL, "tools/list", &domain.ConnectionError{URL: peerURL, Kind: domain.FailureTimeout})

	gw, report, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, gw.State())
	require.Empty(t, report.Added)
	require.Empty(t, gw.FederatedToolIDs)
}

func TestRegisterRejectsBadSpec(t *testing.T) {
	fx := newFixture(t)

	spec := peerSpec()
	spec.Name = "  "
	_, _, err := fx.registry.Register(context.Background(), spec)
	require.Equal(t, domain.CodeInvalidArgument, domain.CodeFrom(err))

	spec = peerSpec()
	spec.URL = "ftp://peer-a.internal"
	_, _, err = fx.registry.Register(context.Background(), spec)
	require.Equal(t, domain.CodeInvalidArgument, domain.CodeFrom(err))

	spec = peerSpec()
	spec.Transport = domain.Transport("carrier-pigeon")
	_, _, err = fx.registry.Register(context.Background(), spec)
	require.Equal(t, domain.CodeInvalidArgument, domain.CodeFrom(err))
}

func TestUpdateRenames(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList())

	gw, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)

	updated, err := fx.registry.Update(context.Background(), gw.ID, domain.GatewaySpec{Name: "Peer A Prod"})
	require.NoError(t, err)
	require.Equal(t, "Peer A Prod", updated.Name)
	require.Equal(t, "peer-a-prod", updated.Slug)

	// Rename alone must not trigger a new probe.
	require.Equal(t, 1, fx.prober.callCount(peerURL))
}

func TestUpdateURLReprobesAndRejectsOnFailure(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList())

	gw, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)

	const movedURL = "http://peer-a-moved.internal/mcp"
	_, err = fx.registry.Update(context.Background(), gw.ID, domain.GatewaySpec{URL: movedURL})
	var conn *domain.ConnectionError
	require.ErrorAs(t, err, &conn)

	// Stored record keeps the old URL after the failed update.
	kept, err := fx.registry.Get(context.Background(), gw.ID, false)
	require.NoError(t, err)
	require.Equal(t, peerURL, kept.URL)

	fx.prober.set(movedURL, reachableResult())
	moved, err := fx.registry.Update(context.Background(), gw.ID, domain.GatewaySpec{URL: movedURL})
	require.NoError(t, err)
	require.Equal(t, movedURL, moved.URL)
}

func TestUpdateUnknownGateway(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.registry.Update(context.Background(), "missing", domain.GatewaySpec{Name: "x"})
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeactivateWithdrawsTools(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList("search"))

	gw, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)

	disabled, err := fx.registry.Deactivate(context.Background(), gw.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateDisabled, disabled.State())

	tools, err := fx.registry.Tools(context.Background(), gw.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.False(t, tools[0].Enabled)

	// Disabled gateways disappear from the default view but not the full one.
	_, err = fx.registry.Get(context.Background(), gw.ID, false)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
	_, err = fx.registry.Get(context.Background(), gw.ID, true)
	require.NoError(t, err)

	require.Equal(t, []domain.EventKind{domain.EventAdded, domain.EventDeactivated}, fx.notifier.kinds())
}

func TestActivateRequiresFreshProbe(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList("search"))

	gw, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)
	_, err = fx.registry.Deactivate(context.Background(), gw.ID)
	require.NoError(t, err)

	// Endpoint went away while disabled: activation must fail closed.
	fx.prober.set(peerURL, domain.ProbeResult{Failure: domain.FailureConnect, Err: errors.New("gone")})
	_, err = fx.registry.Activate(context.Background(), gw.ID)
	var conn *domain.ConnectionError
	require.ErrorAs(t, err, &conn)

	stored, err := fx.registry.Get(context.Background(), gw.ID, true)
	require.NoError(t, err)
	require.Equal(t, domain.StateDisabled, stored.State())

	fx.prober.set(peerURL, reachableResult())
	active, err := fx.registry.Activate(context.Background(), gw.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, active.State())

	tools, err := fx.registry.Tools(context.Background(), gw.ID)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.True(t, tools[0].Enabled)

	require.Equal(t, []domain.EventKind{
		domain.EventAdded, domain.EventDeactivated, domain.EventActivated,
	}, fx.notifier.kinds())
}

func TestToggleIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList())

	gw, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)

	_, err = fx.registry.Activate(context.Background(), gw.ID)
	require.NoError(t, err)

	// No activation event for an already-active gateway, and no extra probe.
	require.Equal(t, []domain.EventKind{domain.EventAdded}, fx.notifier.kinds())
	require.Equal(t, 1, fx.prober.callCount(peerURL))
}

func TestDeleteRemovesGatewayAndTools(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList("search"))

	gw, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)

	require.NoError(t, fx.registry.Delete(context.Background(), gw.ID))

	_, err = fx.registry.Get(context.Background(), gw.ID, true)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)

	tools, err := fx.registry.Tools(context.Background(), gw.ID)
	require.NoError(t, err)
	require.Empty(t, tools)

	// The freed name is immediately reusable.
	_, _, err = fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)
}

func TestForwardTouchesLastSeen(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList())
	fx.forwarder.setResult(peerURL, "tools/call", json.RawMessage(`{"content":[]}`))

	gw, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)

	before, err := fx.registry.Get(context.Background(), gw.ID, false)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	result, err := fx.registry.Forward(context.Background(), gw.ID, "tools/call", map[string]any{"name": "search"})
	require.NoError(t, err)
	require.JSONEq(t, `{"content":[]}`, string(result))

	after, err := fx.registry.Get(context.Background(), gw.ID, false)
	require.NoError(t, err)
	require.True(t, after.LastSeen.After(before.LastSeen))
}

func TestForwardConnectionFailureMarksUnreachable(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList())
	fx.forwarder.setError(peerURL, "tools/call", &domain.ConnectionError{URL: peerURL, Kind: domain.FailureConnect})

	gw, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)

	_, err = fx.registry.Forward(context.Background(), gw.ID, "tools/call", nil)
	var conn *domain.ConnectionError
	require.ErrorAs(t, err, &conn)

	stored, err := fx.registry.Get(context.Background(), gw.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.StateUnreachable, stored.State())
}

func TestForwardRemoteErrorKeepsGatewayActive(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList())

	gw, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)

	// Default forwarder answer is a JSON-RPC method-not-found error.
	_, err = fx.registry.Forward(context.Background(), gw.ID, "prompts/list", nil)
	var remote *domain.RemoteError
	require.ErrorAs(t, err, &remote)
	require.EqualValues(t, -32601, remote.Code)

	stored, err := fx.registry.Get(context.Background(), gw.ID, false)
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, stored.State())
}

func TestForwardToDisabledGateway(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList())

	gw, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)
	_, err = fx.registry.Deactivate(context.Background(), gw.ID)
	require.NoError(t, err)

	_, err = fx.registry.Forward(context.Background(), gw.ID, "tools/call", nil)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRefreshToolsPicksUpChanges(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList("search"))

	gw, report, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)
	require.Equal(t, []string{"search"}, report.Added)

	fx.forwarder.setResult(peerURL, "tools/list", toolList("search", "fetch"))
	refreshed, err := fx.registry.RefreshTools(context.Background(), gw.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"fetch"}, refreshed.Added)
	require.Equal(t, []string{"search"}, refreshed.Updated)
}

func TestCrossGatewayToolConflictSkipped(t *testing.T) {
	fx := newFixture(t)
	fx.prober.set(peerURL, reachableResult())
	fx.forwarder.setResult(peerURL, "tools/list", toolList("search"))

	_, _, err := fx.registry.Register(context.Background(), peerSpec())
	require.NoError(t, err)

	const otherURL = "http://peer-b.internal/mcp"
	fx.prober.set(otherURL, reachableResult())
	fx.forwarder.setResult(otherURL, "tools/list", toolList("search", "fetch"))

	spec := domain.GatewaySpec{Name: "peer-b", URL: otherURL, Transport: domain.TransportStreamableHTTP}
	_, report, err := fx.registry.Register(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, []string{"fetch"}, report.Added)
	require.Len(t, report.Skipped, 1)
	require.Equal(t, "search", report.Skipped[0].Name)
}
