package database

import (
	"context"

	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// Store is the data store the routing core depends on. Every implementation
// returns errors.NewNotFoundError for missing rows.
type Store interface {
	// Health checks store connectivity
	Health(ctx context.Context) error

	// Expert operations. GetActiveExperts orders by performance_score
	// descending, then name ascending.
	GetActiveExperts(ctx context.Context) ([]types.Expert, error)
	ListExperts(ctx context.Context) ([]types.Expert, error)
	GetExpert(ctx context.Context, name string) (*types.Expert, error)
	UpsertExpert(ctx context.Context, expert *types.Expert) error
	UpdateExpertScore(ctx context.Context, name string, score float64) error

	// Audit records
	InsertRoutingDecision(ctx context.Context, decision *types.RoutingDecision) error
	InsertFeedbackRecord(ctx context.Context, record *types.FeedbackRecord) error
	// UpdateFeedbackRecord fills the judged fields of an existing record.
	// nil arguments leave the stored value unchanged.
	UpdateFeedbackRecord(ctx context.Context, requestID string, quality, satisfaction *float64) (*types.FeedbackRecord, error)

	// GetFallbackResponse returns the canned response text for a dependency and scenario
	GetFallbackResponse(ctx context.Context, dependency, scenario string) (string, error)
	UpsertFallbackTemplate(ctx context.Context, template *types.FallbackTemplate) error
}
