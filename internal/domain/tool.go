package domain

import (
	"encoding/json"
	"time"
)

// ToolAnnotations carries behavioral hints a gateway declares for a tool.
type ToolAnnotations struct {
	DestructiveHint bool `json:"destructiveHint,omitempty"`
	IdempotentHint  bool `json:"idempotentHint,omitempty"`
	ReadOnlyHint    bool `json:"readOnlyHint,omitempty"`
}

// FederatedTool is a capability imported from a gateway into the merged
// catalog. Its lifetime is bounded by its owning gateway.
type FederatedTool struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	GatewayID   string          `json:"gatewayId"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations ToolAnnotations `json:"annotations,omitzero"`
	Tags        []string        `json:"tags,omitempty"`
	Enabled     bool            `json:"enabled"`
	UpdatedAt   time.Time       `json:"updatedAt,omitzero"`
}

// Clone returns a deep copy.
func (t FederatedTool) Clone() FederatedTool {
	out := t
	out.InputSchema = append(json.RawMessage(nil), t.InputSchema...)
	out.Tags = append([]string(nil), t.Tags...)
	return out
}

// ToolConflict records one incoming tool skipped during a merge.
type ToolConflict struct {
	Name           string `json:"name"`
	OwnerGatewayID string `json:"ownerGatewayId,omitempty"`
	Reason         string `json:"reason"`
}

// MergeReport summarizes one federation merge pass for a gateway.
type MergeReport struct {
	GatewayID string         `json:"gatewayId"`
	Added     []string       `json:"added,omitempty"`
	Updated   []string       `json:"updated,omitempty"`
	Skipped   []ToolConflict `json:"skipped,omitempty"`
}
