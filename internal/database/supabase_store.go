package database

import (
	"context"
	"fmt"
	"time"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// SupabaseStore implements Store over the Supabase REST API
type SupabaseStore struct {
	client *supabase.Client
	now    func() time.Time
}

// NewSupabaseStore creates a store for a hosted Supabase project
func NewSupabaseStore(url, key string) (*SupabaseStore, error) {
	if url == "" || key == "" {
		return nil, errors.NewValidationError("supabase url and key are required")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{
		Headers: map[string]string{
			"apikey": key,
		},
	})
	if err != nil {
		return nil, errors.NewExternalError("supabase", "failed to create client").WithCause(err)
	}

	return &SupabaseStore{client: client, now: time.Now}, nil
}

func supabaseErr(msg string, err error) error {
	return errors.NewExternalError("supabase", msg).WithCause(err)
}

// Health reads expert names to confirm the API is reachable
func (s *SupabaseStore) Health(ctx context.Context) error {
	var rows []map[string]interface{}
	_, err := s.client.From("experts").Select("name", "", false).ExecuteTo(&rows)
	if err != nil {
		return supabaseErr("health check failed", err)
	}
	return nil
}

func (s *SupabaseStore) GetActiveExperts(ctx context.Context) ([]types.Expert, error) {
	var experts []types.Expert
	_, err := s.client.From("experts").
		Select("*", "", false).
		Eq("is_active", "true").
		Order("performance_score", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&experts)
	if err != nil {
		return nil, supabaseErr("failed to query active experts", err)
	}
	sortExperts(experts)
	return experts, nil
}

func (s *SupabaseStore) ListExperts(ctx context.Context) ([]types.Expert, error) {
	var experts []types.Expert
	_, err := s.client.From("experts").Select("*", "", false).ExecuteTo(&experts)
	if err != nil {
		return nil, supabaseErr("failed to list experts", err)
	}
	sortExperts(experts)
	return experts, nil
}

func (s *SupabaseStore) GetExpert(ctx context.Context, name string) (*types.Expert, error) {
	var experts []types.Expert
	_, err := s.client.From("experts").Select("*", "", false).Eq("name", name).ExecuteTo(&experts)
	if err != nil {
		return nil, supabaseErr("failed to get expert", err)
	}
	if len(experts) == 0 {
		return nil, errors.NewNotFoundError("expert")
	}
	return &experts[0], nil
}

func (s *SupabaseStore) UpsertExpert(ctx context.Context, expert *types.Expert) error {
	if expert == nil || expert.Name == "" {
		return errors.NewValidationError("expert name is required")
	}

	now := s.now()
	if expert.CreatedAt.IsZero() {
		expert.CreatedAt = now
	}
	expert.UpdatedAt = now

	var out []types.Expert
	if _, err := s.client.From("experts").Insert(expert, true, "name", "", "").ExecuteTo(&out); err != nil {
		return supabaseErr("failed to upsert expert", err)
	}
	return nil
}

func (s *SupabaseStore) UpdateExpertScore(ctx context.Context, name string, score float64) error {
	update := map[string]interface{}{
		"performance_score": score,
		"updated_at":        s.now(),
	}

	var out []types.Expert
	_, err := s.client.From("experts").Update(update, "", "").Eq("name", name).ExecuteTo(&out)
	if err != nil {
		return supabaseErr("failed to update expert score", err)
	}
	if len(out) == 0 {
		return errors.NewNotFoundError("expert")
	}
	return nil
}

func (s *SupabaseStore) InsertRoutingDecision(ctx context.Context, decision *types.RoutingDecision) error {
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = s.now()
	}
	row := *decision
	row.AlternativeExperts = nonNil(decision.AlternativeExperts)

	var out []types.RoutingDecision
	if _, err := s.client.From("routing_decisions").Insert(row, false, "", "", "").ExecuteTo(&out); err != nil {
		return supabaseErr("failed to insert routing decision", err)
	}
	return nil
}

func (s *SupabaseStore) InsertFeedbackRecord(ctx context.Context, record *types.FeedbackRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}

	var out []types.FeedbackRecord
	if _, err := s.client.From("feedback_records").Insert(record, false, "", "", "").ExecuteTo(&out); err != nil {
		return supabaseErr("failed to insert feedback record", err)
	}
	return nil
}

func (s *SupabaseStore) UpdateFeedbackRecord(ctx context.Context, requestID string, quality, satisfaction *float64) (*types.FeedbackRecord, error) {
	update := map[string]interface{}{}
	if quality != nil {
		update["response_quality"] = *quality
	}
	if satisfaction != nil {
		update["user_satisfaction"] = *satisfaction
	}

	var out []types.FeedbackRecord
	var err error
	if len(update) == 0 {
		_, err = s.client.From("feedback_records").Select("*", "", false).Eq("request_id", requestID).ExecuteTo(&out)
	} else {
		_, err = s.client.From("feedback_records").Update(update, "", "").Eq("request_id", requestID).ExecuteTo(&out)
	}
	if err != nil {
		return nil, supabaseErr("failed to update feedback record", err)
	}
	if len(out) == 0 {
		return nil, errors.NewNotFoundError("feedback record")
	}
	return &out[0], nil
}

func (s *SupabaseStore) GetFallbackResponse(ctx context.Context, dependency, scenario string) (string, error) {
	var templates []types.FallbackTemplate
	_, err := s.client.From("fallback_templates").
		Select("response_text", "", false).
		Eq("dependency_name", dependency).
		Eq("scenario", scenario).
		ExecuteTo(&templates)
	if err != nil {
		return "", supabaseErr("failed to get fallback template", err)
	}
	if len(templates) == 0 {
		return "", errors.NewNotFoundError("fallback template")
	}
	return templates[0].ResponseText, nil
}

func (s *SupabaseStore) UpsertFallbackTemplate(ctx context.Context, template *types.FallbackTemplate) error {
	var out []types.FallbackTemplate
	_, err := s.client.From("fallback_templates").
		Insert(template, true, "dependency_name,scenario", "", "").
		ExecuteTo(&out)
	if err != nil {
		return supabaseErr(fmt.Sprintf("failed to upsert template %s/%s", template.DependencyName, template.Scenario), err)
	}
	return nil
}
