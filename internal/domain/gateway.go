package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Transport identifies the wire mechanism used to reach a gateway.
type Transport string

const (
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable_http"
)

// ParseTransport normalizes a user-supplied transport name.
func ParseTransport(raw string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sse":
		return TransportSSE, nil
	case "streamable_http", "streamablehttp", "streamable-http", "http":
		return TransportStreamableHTTP, nil
	default:
		return "", fmt.Errorf("unsupported transport %q", raw)
	}
}

// Capability describes one capability subsystem declared by a gateway.
type Capability struct {
	ListChanged bool `json:"listChanged"`
}

// CapabilitySet holds the per-subsystem capability flags a gateway declares
// during its handshake. Absent subsystems stay nil.
type CapabilitySet struct {
	Prompts   *Capability `json:"prompts,omitempty"`
	Resources *Capability `json:"resources,omitempty"`
	Tools     *Capability `json:"tools,omitempty"`
}

// IsZero reports whether no subsystem was declared.
func (c CapabilitySet) IsZero() bool {
	return c.Prompts == nil && c.Resources == nil && c.Tools == nil
}

// Clone returns a deep copy.
func (c CapabilitySet) Clone() CapabilitySet {
	out := CapabilitySet{}
	if c.Prompts != nil {
		v := *c.Prompts
		out.Prompts = &v
	}
	if c.Resources != nil {
		v := *c.Resources
		out.Resources = &v
	}
	if c.Tools != nil {
		v := *c.Tools
		out.Tools = &v
	}
	return out
}

// AuthValue is an opaque header map attached to outbound calls. Values are
// never logged in cleartext; use Masked before exposing a record.
type AuthValue map[string]string

const maskedValue = "*****"

// Clone returns a copy of the header map.
func (a AuthValue) Clone() AuthValue {
	if a == nil {
		return nil
	}
	out := make(AuthValue, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Masked replaces every header value with a fixed placeholder.
func (a AuthValue) Masked() AuthValue {
	if a == nil {
		return nil
	}
	out := make(AuthValue, len(a))
	for k := range a {
		out[k] = maskedValue
	}
	return out
}

// GatewayState is the lifecycle state of a registered gateway.
type GatewayState string

const (
	StateValidating  GatewayState = "validating"
	StateActive      GatewayState = "active"
	StateUnreachable GatewayState = "unreachable"
	StateDisabled    GatewayState = "disabled"
	StateDeleted     GatewayState = "deleted"
)

// Gateway is a registered remote peer exposing tools over a transport.
type Gateway struct {
	ID           string        `json:"id"`
	Scope        string        `json:"scope"`
	Name         string        `json:"name"`
	Slug         string        `json:"slug"`
	URL          string        `json:"url"`
	Transport    Transport     `json:"transport"`
	Auth         AuthValue     `json:"auth,omitempty"`
	Capabilities CapabilitySet `json:"capabilities"`

	Enabled   bool      `json:"enabled"`
	Reachable bool      `json:"reachable"`
	LastSeen  time.Time `json:"lastSeen,omitzero"`

	FederatedToolIDs []string `json:"federatedToolIds,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// State derives the lifecycle state from the enabled/reachable flags.
func (g Gateway) State() GatewayState {
	if !g.Enabled {
		return StateDisabled
	}
	if g.Reachable {
		return StateActive
	}
	return StateUnreachable
}

// Clone returns a deep copy safe to hand across goroutines.
func (g Gateway) Clone() Gateway {
	out := g
	out.Auth = g.Auth.Clone()
	out.Capabilities = g.Capabilities.Clone()
	out.FederatedToolIDs = append([]string(nil), g.FederatedToolIDs...)
	return out
}

// Masked returns a copy with credential values replaced.
func (g Gateway) Masked() Gateway {
	out := g.Clone()
	out.Auth = g.Auth.Masked()
	return out
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a stable slug from a gateway name.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugInvalid.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}
