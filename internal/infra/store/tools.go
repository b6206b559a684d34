package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"mcpfed/internal/domain"
)

// UpsertTool adds a tool to the catalog or updates it in place when the same
// gateway redeclares the name. A name held by a different gateway is rejected
// with a ToolOwnershipError; the existing tool is untouched.
func (s *Bolt) UpsertTool(ctx context.Context, tool domain.FederatedTool) (domain.FederatedTool, error) {
	if tool.Name == "" {
		return domain.FederatedTool{}, errors.New("tool name is required")
	}
	if tool.GatewayID == "" {
		return domain.FederatedTool{}, errors.New("tool gateway id is required")
	}
	var stored domain.FederatedTool
	err := s.update(ctx, func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketToolNames)
		tools := tx.Bucket(bucketTools)

		if existingID := names.Get([]byte(tool.Name)); existingID != nil {
			raw := tools.Get(existingID)
			if raw == nil {
				return fmt.Errorf("tool index points at missing record %s", existingID)
			}
			var existing domain.FederatedTool
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode tool %s: %w", existingID, err)
			}
			if existing.GatewayID != tool.GatewayID {
				return &domain.ToolOwnershipError{Name: tool.Name, OwnerGatewayID: existing.GatewayID}
			}
			// Same owner redeclaring: replace in place, identity preserved.
			tool.ID = existing.ID
		}

		if tool.ID == "" {
			return errors.New("tool id is required")
		}
		tool.UpdatedAt = time.Now().UTC()
		raw, err := json.Marshal(tool)
		if err != nil {
			return fmt.Errorf("encode tool %s: %w", tool.Name, err)
		}
		if err := tools.Put([]byte(tool.ID), raw); err != nil {
			return fmt.Errorf("store tool %s: %w", tool.Name, err)
		}
		if err := names.Put([]byte(tool.Name), []byte(tool.ID)); err != nil {
			return fmt.Errorf("index tool %s: %w", tool.Name, err)
		}
		stored = tool
		return nil
	})
	return stored, err
}

func (s *Bolt) ToolByName(ctx context.Context, name string) (domain.FederatedTool, bool, error) {
	var tool domain.FederatedTool
	found := false
	err := s.view(ctx, func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketToolNames).Get([]byte(name))
		if id == nil {
			return nil
		}
		raw := tx.Bucket(bucketTools).Get(id)
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &tool); err != nil {
			return fmt.Errorf("decode tool %s: %w", id, err)
		}
		found = true
		return nil
	})
	return tool, found, err
}

func (s *Bolt) ToolsByGateway(ctx context.Context, gatewayID string) ([]domain.FederatedTool, error) {
	var out []domain.FederatedTool
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTools).ForEach(func(_, raw []byte) error {
			var tool domain.FederatedTool
			if err := json.Unmarshal(raw, &tool); err != nil {
				return fmt.Errorf("decode tool: %w", err)
			}
			if tool.GatewayID == gatewayID {
				out = append(out, tool)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Bolt) RemoveToolsByGateway(ctx context.Context, gatewayID string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return removeToolsOwnedBy(tx, gatewayID)
	})
}

func (s *Bolt) ToggleToolsByGateway(ctx context.Context, gatewayID string, enabled bool) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return toggleToolsOwnedBy(tx, gatewayID, enabled)
	})
}

func removeToolsOwnedBy(tx *bolt.Tx, gatewayID string) error {
	tools := tx.Bucket(bucketTools)
	names := tx.Bucket(bucketToolNames)

	var ids [][]byte
	var toolNames []string
	err := tools.ForEach(func(key, raw []byte) error {
		var tool domain.FederatedTool
		if err := json.Unmarshal(raw, &tool); err != nil {
			return fmt.Errorf("decode tool: %w", err)
		}
		if tool.GatewayID == gatewayID {
			ids = append(ids, append([]byte(nil), key...))
			toolNames = append(toolNames, tool.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i, id := range ids {
		if err := tools.Delete(id); err != nil {
			return fmt.Errorf("delete tool %s: %w", id, err)
		}
		if err := names.Delete([]byte(toolNames[i])); err != nil {
			return fmt.Errorf("drop tool index %s: %w", toolNames[i], err)
		}
	}
	return nil
}

func toggleToolsOwnedBy(tx *bolt.Tx, gatewayID string, enabled bool) error {
	tools := tx.Bucket(bucketTools)

	type pending struct {
		key []byte
		raw []byte
	}
	var updates []pending
	err := tools.ForEach(func(key, raw []byte) error {
		var tool domain.FederatedTool
		if err := json.Unmarshal(raw, &tool); err != nil {
			return fmt.Errorf("decode tool: %w", err)
		}
		if tool.GatewayID != gatewayID || tool.Enabled == enabled {
			return nil
		}
		tool.Enabled = enabled
		tool.UpdatedAt = time.Now().UTC()
		encoded, err := json.Marshal(tool)
		if err != nil {
			return fmt.Errorf("encode tool %s: %w", tool.Name, err)
		}
		updates = append(updates, pending{key: append([]byte(nil), key...), raw: encoded})
		return nil
	})
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := tools.Put(u.key, u.raw); err != nil {
			return fmt.Errorf("store tool: %w", err)
		}
	}
	return nil
}
