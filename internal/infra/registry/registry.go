package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

// ToolFederator merges a gateway's declared tools into the shared catalog.
type ToolFederator interface {
	Merge(ctx context.Context, gatewayID string, tools []domain.FederatedTool) (domain.MergeReport, error)
	Remove(ctx context.Context, gatewayID string) error
}

// ToolMapper converts a raw tools/list result into federated tool records.
type ToolMapper func(gatewayID string, raw json.RawMessage) ([]domain.FederatedTool, error)

// Registry owns the gateway lifecycle: registration, updates, activation,
// deletion, and request forwarding. Mutations on the same gateway are
// serialized through a per-gateway lock; mutations on different gateways run
// concurrently.
type Registry struct {
	logger    *zap.Logger
	store     domain.Store
	prober    domain.Prober
	forwarder domain.Forwarder
	federator ToolFederator
	mapTools  ToolMapper
	notifier  domain.Notifier

	scope        string
	probeTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Options struct {
	Logger    *zap.Logger
	Store     domain.Store
	Prober    domain.Prober
	Forwarder domain.Forwarder
	Federator ToolFederator
	MapTools  ToolMapper
	Notifier  domain.Notifier

	Scope        string
	ProbeTimeout time.Duration
}

func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Prober == nil {
		return nil, errors.New("prober is required")
	}
	if opts.Forwarder == nil {
		return nil, errors.New("forwarder is required")
	}
	if opts.Federator == nil {
		return nil, errors.New("federator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scope := opts.Scope
	if scope == "" {
		scope = domain.DefaultScope
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = domain.DefaultProbeTimeoutSeconds * time.Second
	}
	return &Registry{
		logger:       logger.Named("registry"),
		store:        opts.Store,
		prober:       opts.Prober,
		forwarder:    opts.Forwarder,
		federator:    opts.Federator,
		mapTools:     opts.MapTools,
		notifier:     opts.Notifier,
		scope:        scope,
		probeTimeout: probeTimeout,
		locks:        map[string]*sync.Mutex{},
	}, nil
}

// Register validates the spec, probes the endpoint, and persists the gateway
// together with its discovered tools. If the probe fails nothing is persisted.
func (r *Registry) Register(ctx context.Context, spec domain.GatewaySpec) (domain.Gateway, domain.MergeReport, error) {
	const op = "registry.Register"

	spec, err := normalizeSpec(spec)
	if err != nil {
		return domain.Gateway{}, domain.MergeReport{}, domain.E(domain.CodeInvalidArgument, op, "", err)
	}

	if existing, found, err := r.store.FindByName(ctx, r.scope, spec.Name); err != nil {
		return domain.Gateway{}, domain.MergeReport{}, domain.Wrap(domain.CodeInternal, op, err)
	} else if found {
		return domain.Gateway{}, domain.MergeReport{}, &domain.NameConflictError{
			Scope:         r.scope,
			Name:          spec.Name,
			ConflictingID: existing.ID,
		}
	}

	probe := r.prober.Probe(ctx, spec.URL, spec.Auth, spec.Transport, r.probeTimeout)
	if !probe.Reachable {
		r.logger.Warn("registration probe failed",
			zap.String("name", spec.Name),
			zap.String("url", spec.URL),
			zap.String("failure", string(probe.Failure)),
		)
		return domain.Gateway{}, domain.MergeReport{}, probeError(op, spec.URL, probe)
	}

	now := time.Now().UTC()
	gw := domain.Gateway{
		ID:           uuid.NewString(),
		Scope:        r.scope,
		Name:         spec.Name,
		Slug:         domain.Slugify(spec.Name),
		URL:          spec.URL,
		Transport:    spec.Transport,
		Auth:         spec.Auth.Clone(),
		Capabilities: probe.Capabilities.Clone(),
		Enabled:      true,
		Reachable:    true,
		LastSeen:     now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.store.Insert(ctx, gw); err != nil {
		return domain.Gateway{}, domain.MergeReport{}, domain.Wrap(domain.CodeConflict, op, err)
	}

	report := r.discoverTools(ctx, gw)
	if len(report.Added)+len(report.Updated) > 0 {
		if ids, err := r.ownedToolIDs(ctx, gw.ID); err == nil {
			gw.FederatedToolIDs = ids
			gw.UpdatedAt = time.Now().UTC()
			if err := r.store.Update(ctx, gw); err != nil {
				r.logger.Warn("record federated tool ids", zap.String("gateway", gw.ID), zap.Error(err))
			}
		}
	}

	r.publish(domain.EventAdded, gw)
	r.logger.Info("gateway registered",
		zap.String("gateway", gw.ID),
		zap.String("name", gw.Name),
		zap.String("url", gw.URL),
		zap.Int("tools", len(report.Added)),
	)
	return gw.Masked(), report, nil
}

// Update applies a partial spec to an existing gateway. A change to the URL,
// transport, or credentials triggers a fresh probe; if that probe fails the
// update is rejected and the stored record is untouched.
func (r *Registry) Update(ctx context.Context, id string, spec domain.GatewaySpec) (domain.Gateway, error) {
	const op = "registry.Update"

	unlock := r.lock(id)
	defer unlock()

	gw, found, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.Gateway{}, domain.Wrap(domain.CodeInternal, op, err)
	}
	if !found {
		return domain.Gateway{}, &domain.NotFoundError{ID: id}
	}

	if spec.Name != "" && spec.Name != gw.Name {
		if existing, taken, err := r.store.FindByName(ctx, gw.Scope, spec.Name); err != nil {
			return domain.Gateway{}, domain.Wrap(domain.CodeInternal, op, err)
		} else if taken && existing.ID != id {
			return domain.Gateway{}, &domain.NameConflictError{
				Scope:         gw.Scope,
				Name:          spec.Name,
				ConflictingID: existing.ID,
			}
		}
		gw.Name = spec.Name
		gw.Slug = domain.Slugify(spec.Name)
	}

	reprobe := false
	if spec.URL != "" && spec.URL != gw.URL {
		if err := validateURL(spec.URL); err != nil {
			return domain.Gateway{}, domain.E(domain.CodeInvalidArgument, op, "", err)
		}
		gw.URL = spec.URL
		reprobe = true
	}
	if spec.Transport != "" && spec.Transport != gw.Transport {
		if spec.Transport != domain.TransportSSE && spec.Transport != domain.TransportStreamableHTTP {
			return domain.Gateway{}, domain.E(domain.CodeInvalidArgument, op, "unsupported transport", nil)
		}
		gw.Transport = spec.Transport
		reprobe = true
	}
	if spec.Auth != nil {
		gw.Auth = spec.Auth.Clone()
		reprobe = true
	}

	if reprobe && gw.Enabled {
		probe := r.prober.Probe(ctx, gw.URL, gw.Auth, gw.Transport, r.probeTimeout)
		if !probe.Reachable {
			return domain.Gateway{}, probeError(op, gw.URL, probe)
		}
		gw.Capabilities = probe.Capabilities.Clone()
		gw.Reachable = true
		gw.LastSeen = time.Now().UTC()
	}

	gw.UpdatedAt = time.Now().UTC()
	if err := r.store.Update(ctx, gw); err != nil {
		return domain.Gateway{}, domain.Wrap(domain.CodeConflict, op, err)
	}

	r.publish(domain.EventUpdated, gw)
	return gw.Masked(), nil
}

// Activate re-enables a disabled gateway. The endpoint must answer a fresh
// probe before the gateway and its tools come back; a stale gateway cannot
// slip back into the catalog on toggle alone.
func (r *Registry) Activate(ctx context.Context, id string) (domain.Gateway, error) {
	const op = "registry.Activate"

	unlock := r.lock(id)
	defer unlock()

	gw, found, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.Gateway{}, domain.Wrap(domain.CodeInternal, op, err)
	}
	if !found {
		return domain.Gateway{}, &domain.NotFoundError{ID: id}
	}
	if gw.Enabled {
		return gw.Masked(), nil
	}

	probe := r.prober.Probe(ctx, gw.URL, gw.Auth, gw.Transport, r.probeTimeout)
	if !probe.Reachable {
		return domain.Gateway{}, probeError(op, gw.URL, probe)
	}

	gw, err = r.store.SetGatewayEnabled(ctx, id, true)
	if err != nil {
		return domain.Gateway{}, domain.Wrap(domain.CodeInternal, op, err)
	}

	gw.Capabilities = probe.Capabilities.Clone()
	gw.Reachable = true
	gw.LastSeen = time.Now().UTC()
	gw.UpdatedAt = gw.LastSeen
	if err := r.store.Update(ctx, gw); err != nil {
		return domain.Gateway{}, domain.Wrap(domain.CodeInternal, op, err)
	}

	r.publish(domain.EventActivated, gw)
	r.logger.Info("gateway activated", zap.String("gateway", gw.ID), zap.String("name", gw.Name))
	return gw.Masked(), nil
}

// Deactivate disables a gateway and withdraws its tools from the catalog in
// the same transaction. The record and tool definitions are kept so a later
// activation restores them.
func (r *Registry) Deactivate(ctx context.Context, id string) (domain.Gateway, error) {
	const op = "registry.Deactivate"

	unlock := r.lock(id)
	defer unlock()

	gw, found, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.Gateway{}, domain.Wrap(domain.CodeInternal, op, err)
	}
	if !found {
		return domain.Gateway{}, &domain.NotFoundError{ID: id}
	}
	if !gw.Enabled {
		return gw.Masked(), nil
	}

	gw, err = r.store.SetGatewayEnabled(ctx, id, false)
	if err != nil {
		return domain.Gateway{}, domain.Wrap(domain.CodeInternal, op, err)
	}

	r.publish(domain.EventDeactivated, gw)
	r.logger.Info("gateway deactivated", zap.String("gateway", gw.ID), zap.String("name", gw.Name))
	return gw.Masked(), nil
}

// Delete removes a gateway and every tool it owns.
func (r *Registry) Delete(ctx context.Context, id string) error {
	const op = "registry.Delete"

	unlock := r.lock(id)
	defer unlock()

	gw, found, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.Wrap(domain.CodeInternal, op, err)
	}
	if !found {
		return &domain.NotFoundError{ID: id}
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return domain.Wrap(domain.CodeInternal, op, err)
	}

	r.publish(domain.EventDeleted, gw)
	r.logger.Info("gateway deleted", zap.String("gateway", gw.ID), zap.String("name", gw.Name))
	return nil
}

// Get returns a single gateway with credentials masked. Disabled gateways are
// reported as missing unless includeInactive is set.
func (r *Registry) Get(ctx context.Context, id string, includeInactive bool) (domain.Gateway, error) {
	gw, found, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.Gateway{}, domain.Wrap(domain.CodeInternal, "registry.Get", err)
	}
	if !found || (!includeInactive && !gw.Enabled) {
		return domain.Gateway{}, &domain.NotFoundError{ID: id}
	}
	return gw.Masked(), nil
}

// List returns gateways with credentials masked.
func (r *Registry) List(ctx context.Context, filter domain.GatewayFilter) ([]domain.Gateway, error) {
	if filter.Scope == "" {
		filter.Scope = r.scope
	}
	gateways, err := r.store.List(ctx, filter)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternal, "registry.List", err)
	}
	for i := range gateways {
		gateways[i] = gateways[i].Masked()
	}
	return gateways, nil
}

// Forward relays one JSON-RPC request to a gateway and touches its last-seen
// timestamp on success. A transport failure marks the gateway unreachable.
func (r *Registry) Forward(ctx context.Context, id, method string, params any) (json.RawMessage, error) {
	const op = "registry.Forward"

	gw, found, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInternal, op, err)
	}
	if !found || !gw.Enabled {
		return nil, &domain.NotFoundError{ID: id}
	}

	result, err := r.forwarder.Forward(ctx, gw, method, params)
	if err != nil {
		var conn *domain.ConnectionError
		if errors.As(err, &conn) {
			r.markReachability(ctx, id, false, time.Time{})
		}
		return nil, err
	}

	r.markReachability(ctx, id, true, time.Now().UTC())
	return result, nil
}

// RecordReachability persists a health-check observation. Deleted gateways
// are ignored.
func (r *Registry) RecordReachability(ctx context.Context, id string, reachable bool, at time.Time) error {
	r.markReachability(ctx, id, reachable, at)
	return nil
}

// Tools lists the catalog entries a gateway owns.
func (r *Registry) Tools(ctx context.Context, gatewayID string) ([]domain.FederatedTool, error) {
	return r.store.ToolsByGateway(ctx, gatewayID)
}

// RefreshTools re-runs tool discovery for an enabled gateway.
func (r *Registry) RefreshTools(ctx context.Context, id string) (domain.MergeReport, error) {
	const op = "registry.RefreshTools"

	unlock := r.lock(id)
	defer unlock()

	gw, found, err := r.store.Get(ctx, id)
	if err != nil {
		return domain.MergeReport{}, domain.Wrap(domain.CodeInternal, op, err)
	}
	if !found || !gw.Enabled {
		return domain.MergeReport{}, &domain.NotFoundError{ID: id}
	}

	raw, err := r.forwarder.Forward(ctx, gw, "tools/list", nil)
	if err != nil {
		return domain.MergeReport{}, err
	}
	tools, err := r.mapToolList(gw.ID, raw)
	if err != nil {
		return domain.MergeReport{}, domain.E(domain.CodeRemote, op, "", err)
	}
	report, err := r.federator.Merge(ctx, gw.ID, tools)
	if err != nil {
		return report, domain.Wrap(domain.CodeInternal, op, err)
	}

	if ids, err := r.ownedToolIDs(ctx, gw.ID); err == nil {
		gw.FederatedToolIDs = ids
		gw.UpdatedAt = time.Now().UTC()
		if err := r.store.Update(ctx, gw); err != nil {
			r.logger.Warn("record federated tool ids", zap.String("gateway", gw.ID), zap.Error(err))
		}
	}
	return report, nil
}

// discoverTools is best-effort: a peer that answers its handshake but cannot
// list tools still registers, with an empty catalog entry.
func (r *Registry) discoverTools(ctx context.Context, gw domain.Gateway) domain.MergeReport {
	raw, err := r.forwarder.Forward(ctx, gw, "tools/list", nil)
	if err != nil {
		r.logger.Warn("tool discovery failed",
			zap.String("gateway", gw.ID),
			zap.String("url", gw.URL),
			zap.Error(err),
		)
		return domain.MergeReport{GatewayID: gw.ID}
	}
	tools, err := r.mapToolList(gw.ID, raw)
	if err != nil {
		r.logger.Warn("tool list decode failed", zap.String("gateway", gw.ID), zap.Error(err))
		return domain.MergeReport{GatewayID: gw.ID}
	}
	report, err := r.federator.Merge(ctx, gw.ID, tools)
	if err != nil {
		r.logger.Warn("tool merge failed", zap.String("gateway", gw.ID), zap.Error(err))
		return domain.MergeReport{GatewayID: gw.ID}
	}
	return report
}

func (r *Registry) mapToolList(gatewayID string, raw json.RawMessage) ([]domain.FederatedTool, error) {
	if r.mapTools == nil {
		return nil, errors.New("no tool mapper configured")
	}
	return r.mapTools(gatewayID, raw)
}

func (r *Registry) ownedToolIDs(ctx context.Context, gatewayID string) ([]string, error) {
	tools, err := r.store.ToolsByGateway(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tools))
	for _, tool := range tools {
		ids = append(ids, tool.ID)
	}
	return ids, nil
}

func (r *Registry) markReachability(ctx context.Context, id string, reachable bool, seenAt time.Time) {
	unlock := r.lock(id)
	defer unlock()

	gw, found, err := r.store.Get(ctx, id)
	if err != nil || !found {
		return
	}
	if gw.Reachable == reachable && seenAt.IsZero() {
		return
	}
	gw.Reachable = reachable
	if reachable && !seenAt.IsZero() {
		gw.LastSeen = seenAt
	}
	gw.UpdatedAt = time.Now().UTC()
	if err := r.store.Update(ctx, gw); err != nil {
		r.logger.Warn("persist reachability", zap.String("gateway", id), zap.Error(err))
	}
}

func (r *Registry) publish(kind domain.EventKind, gw domain.Gateway) {
	if r.notifier == nil {
		return
	}
	r.notifier.Publish(domain.Event{
		Kind:      kind,
		GatewayID: gw.ID,
		Name:      gw.Name,
		Scope:     gw.Scope,
		Time:      time.Now().UTC(),
	})
}

func (r *Registry) lock(id string) func() {
	r.mu.Lock()
	lk, ok := r.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		r.locks[id] = lk
	}
	r.mu.Unlock()
	lk.Lock()
	return lk.Unlock
}

func normalizeSpec(spec domain.GatewaySpec) (domain.GatewaySpec, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return spec, errors.New("gateway name is required")
	}
	if err := validateURL(spec.URL); err != nil {
		return spec, err
	}
	if spec.Transport == "" {
		spec.Transport = domain.TransportStreamableHTTP
	}
	if spec.Transport != domain.TransportSSE && spec.Transport != domain.TransportStreamableHTTP {
		return spec, errors.New("unsupported transport " + string(spec.Transport))
	}
	return spec, nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.New("invalid gateway url")
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("gateway url must be http or https")
	}
	return nil
}

func probeError(op, gatewayURL string, probe domain.ProbeResult) error {
	if probe.Err != nil {
		var conn *domain.ConnectionError
		if errors.As(probe.Err, &conn) {
			return probe.Err
		}
		return &domain.ConnectionError{URL: gatewayURL, Kind: probe.Failure, Cause: probe.Err}
	}
	return &domain.ConnectionError{URL: gatewayURL, Kind: probe.Failure}
}
