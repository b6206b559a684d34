package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

// Federator merges a gateway's declared tools into the shared catalog.
//
// Conflict policy: a tool name owned by a different gateway is skipped and
// recorded, never overwritten, so one misbehaving peer cannot shadow another
// peer's tool. A name the same gateway already owns is updated in place with
// its identity preserved, which lets a peer redeclare its tools on refresh.
type Federator struct {
	logger  *zap.Logger
	catalog domain.ToolCatalog
	metrics domain.Metrics
}

type FederatorOptions struct {
	Logger  *zap.Logger
	Catalog domain.ToolCatalog
	Metrics domain.Metrics
}

func NewFederator(opts FederatorOptions) (*Federator, error) {
	if opts.Catalog == nil {
		return nil, errors.New("tool catalog is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Federator{
		logger:  logger.Named("federator"),
		catalog: opts.Catalog,
		metrics: opts.Metrics,
	}, nil
}

// Merge applies the discovered tools for one gateway. Tools are processed in
// name order so repeated merges of the same set are deterministic.
func (f *Federator) Merge(ctx context.Context, gatewayID string, tools []domain.FederatedTool) (domain.MergeReport, error) {
	if gatewayID == "" {
		return domain.MergeReport{}, errors.New("gateway id is required")
	}

	sorted := append([]domain.FederatedTool(nil), tools...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	report := domain.MergeReport{GatewayID: gatewayID}
	for _, tool := range sorted {
		if tool.Name == "" {
			report.Skipped = append(report.Skipped, domain.ToolConflict{Reason: "missing name"})
			continue
		}
		if err := validateInputSchema(tool.InputSchema); err != nil {
			f.logger.Warn("skip tool with invalid input schema",
				zap.String("gateway", gatewayID),
				zap.String("tool", tool.Name),
				zap.Error(err),
			)
			report.Skipped = append(report.Skipped, domain.ToolConflict{Name: tool.Name, Reason: "invalid input schema"})
			continue
		}

		tool.GatewayID = gatewayID
		if tool.ID == "" {
			tool.ID = uuid.NewString()
		}

		existing, existed, err := f.catalog.ToolByName(ctx, tool.Name)
		if err != nil {
			return report, fmt.Errorf("look up tool %s: %w", tool.Name, err)
		}

		stored, err := f.catalog.UpsertTool(ctx, tool)
		if err != nil {
			var owned *domain.ToolOwnershipError
			if errors.As(err, &owned) {
				f.logger.Warn("tool name conflict",
					zap.String("gateway", gatewayID),
					zap.String("tool", tool.Name),
					zap.String("owner", owned.OwnerGatewayID),
				)
				report.Skipped = append(report.Skipped, domain.ToolConflict{
					Name:           tool.Name,
					OwnerGatewayID: owned.OwnerGatewayID,
					Reason:         "owned by another gateway",
				})
				continue
			}
			return report, fmt.Errorf("store tool %s: %w", tool.Name, err)
		}

		if existed && existing.GatewayID == gatewayID {
			report.Updated = append(report.Updated, stored.Name)
		} else {
			report.Added = append(report.Added, stored.Name)
		}
	}

	if f.metrics != nil {
		f.metrics.ObserveMergeConflicts(len(report.Skipped))
	}
	f.logger.Debug("merge complete",
		zap.String("gateway", gatewayID),
		zap.Int("added", len(report.Added)),
		zap.Int("updated", len(report.Updated)),
		zap.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}

// Remove drops every tool the gateway owns from the catalog.
func (f *Federator) Remove(ctx context.Context, gatewayID string) error {
	return f.catalog.RemoveToolsByGateway(ctx, gatewayID)
}

// validateInputSchema checks that the declared schema compiles. An absent
// schema is allowed; a present but broken one is not.
func validateInputSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return fmt.Errorf("decode schema: %w", err)
	}
	if _, err := schema.Resolve(nil); err != nil {
		return fmt.Errorf("resolve schema: %w", err)
	}
	return nil
}
