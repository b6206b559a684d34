package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Prober performs a minimal transport handshake against a URL.
// Implementations must return within the given timeout and map failures onto
// FailureKind; they never retry.
type Prober interface {
	Probe(ctx context.Context, url string, headers AuthValue, transport Transport, timeout time.Duration) ProbeResult
}

// Forwarder sends one JSON-RPC 2.0 request to a gateway endpoint.
// At-most-once: no retry on any failure.
type Forwarder interface {
	Forward(ctx context.Context, gw Gateway, method string, params any) (json.RawMessage, error)
}

// GatewayFilter narrows a gateway listing.
type GatewayFilter struct {
	Scope           string
	IncludeInactive bool
}

// GatewayStore is the persistence contract for gateway records. The store
// enforces (scope, name) and (scope, url, slug) uniqueness inside its write
// transaction as a backstop to the registry's own check. Delete removes the
// gateway record and every tool it owns in one transaction.
type GatewayStore interface {
	Insert(ctx context.Context, gw Gateway) error
	Update(ctx context.Context, gw Gateway) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Gateway, bool, error)
	FindByName(ctx context.Context, scope, name string) (Gateway, bool, error)
	List(ctx context.Context, filter GatewayFilter) ([]Gateway, error)
}

// ToolCatalog stores the merged capability catalog. UpsertTool preserves a
// tool's identity when the owner redeclares it and rejects a claim on a name
// owned by a different gateway.
type ToolCatalog interface {
	UpsertTool(ctx context.Context, tool FederatedTool) (FederatedTool, error)
	ToolByName(ctx context.Context, name string) (FederatedTool, bool, error)
	ToolsByGateway(ctx context.Context, gatewayID string) ([]FederatedTool, error)
	RemoveToolsByGateway(ctx context.Context, gatewayID string) error
	ToggleToolsByGateway(ctx context.Context, gatewayID string, enabled bool) error
}

// ToolOwnershipError is returned by UpsertTool when the tool name is already
// claimed by a different gateway.
type ToolOwnershipError struct {
	Name           string
	OwnerGatewayID string
}

func (e *ToolOwnershipError) Error() string {
	return "tool " + e.Name + " is owned by gateway " + e.OwnerGatewayID
}

// Store bundles gateway persistence and the tool catalog behind one
// transactional boundary, so cascading mutations cannot leave orphans.
type Store interface {
	GatewayStore
	ToolCatalog
	// SetGatewayEnabled flips the administrative flag and cascades the new
	// state to every tool the gateway owns inside one transaction.
	SetGatewayEnabled(ctx context.Context, id string, enabled bool) (Gateway, error)
}

// Metrics abstracts the telemetry sink so components never depend on a
// concrete backend.
type Metrics interface {
	ObserveProbe(transport Transport, duration time.Duration, failure FailureKind)
	ObserveForward(duration time.Duration, err error)
	ObserveHealthCheck(ok bool)
	ObserveMergeConflicts(count int)
	SetGatewayCounts(registered, reachable int)
}
