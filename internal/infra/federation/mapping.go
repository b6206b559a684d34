package federation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"mcpfed/internal/domain"
)

// ToolsFromList converts a tools/list result payload into federated tool
// records for a gateway. Identity is assigned by the merge, not here.
func ToolsFromList(gatewayID string, raw json.RawMessage) ([]domain.FederatedTool, error) {
	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	tools := make([]domain.FederatedTool, 0, len(result.Tools))
	for _, tool := range result.Tools {
		if tool == nil {
			continue
		}
		mapped, err := toolFromMCP(gatewayID, tool)
		if err != nil {
			return nil, err
		}
		tools = append(tools, mapped)
	}
	return tools, nil
}

func toolFromMCP(gatewayID string, tool *mcp.Tool) (domain.FederatedTool, error) {
	out := domain.FederatedTool{
		Name:        tool.Name,
		GatewayID:   gatewayID,
		Description: tool.Description,
		Enabled:     true,
		UpdatedAt:   time.Now().UTC(),
	}
	if tool.InputSchema != nil {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return domain.FederatedTool{}, fmt.Errorf("encode input schema for %s: %w", tool.Name, err)
		}
		out.InputSchema = raw
	}
	// An absent destructive hint means the tool must be assumed destructive.
	out.Annotations = domain.ToolAnnotations{DestructiveHint: true}
	if ann := tool.Annotations; ann != nil {
		out.Annotations = domain.ToolAnnotations{
			DestructiveHint: ann.DestructiveHint == nil || *ann.DestructiveHint,
			IdempotentHint:  ann.IdempotentHint,
			ReadOnlyHint:    ann.ReadOnlyHint,
		}
	}
	return out, nil
}
