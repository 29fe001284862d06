package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// MemoryStore is an in-process Store for development and tests
type MemoryStore struct {
	mu        sync.RWMutex
	experts   map[string]types.Expert
	decisions []types.RoutingDecision
	feedback  map[string]types.FeedbackRecord
	templates map[string]string
	now       func() time.Time
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		experts:   make(map[string]types.Expert),
		feedback:  make(map[string]types.FeedbackRecord),
		templates: make(map[string]string),
		now:       time.Now,
	}
}

func templateKey(dependency, scenario string) string {
	return dependency + "\x00" + scenario
}

func copyExpert(e types.Expert) types.Expert {
	e.Capabilities = append([]string(nil), e.Capabilities...)
	if e.ModelConfig != nil {
		cfg := make(map[string]interface{}, len(e.ModelConfig))
		for k, v := range e.ModelConfig {
			cfg[k] = v
		}
		e.ModelConfig = cfg
	}
	return e
}

func sortExperts(experts []types.Expert) {
	sort.SliceStable(experts, func(i, j int) bool {
		if experts[i].PerformanceScore != experts[j].PerformanceScore {
			return experts[i].PerformanceScore > experts[j].PerformanceScore
		}
		return experts[i].Name < experts[j].Name
	})
}

// Health always succeeds
func (s *MemoryStore) Health(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) GetActiveExperts(ctx context.Context) ([]types.Expert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	experts := make([]types.Expert, 0, len(s.experts))
	for _, e := range s.experts {
		if e.IsActive {
			experts = append(experts, copyExpert(e))
		}
	}
	sortExperts(experts)
	return experts, nil
}

func (s *MemoryStore) ListExperts(ctx context.Context) ([]types.Expert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	experts := make([]types.Expert, 0, len(s.experts))
	for _, e := range s.experts {
		experts = append(experts, copyExpert(e))
	}
	sortExperts(experts)
	return experts, nil
}

func (s *MemoryStore) GetExpert(ctx context.Context, name string) (*types.Expert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.experts[name]
	if !ok {
		return nil, errors.NewNotFoundError("expert")
	}
	e = copyExpert(e)
	return &e, nil
}

func (s *MemoryStore) UpsertExpert(ctx context.Context, expert *types.Expert) error {
	if expert == nil || expert.Name == "" {
		return errors.NewValidationError("expert name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.experts[expert.Name]; ok && expert.CreatedAt.IsZero() {
		expert.CreatedAt = existing.CreatedAt
	}
	if expert.CreatedAt.IsZero() {
		expert.CreatedAt = now
	}
	expert.UpdatedAt = now
	s.experts[expert.Name] = copyExpert(*expert)
	return nil
}

func (s *MemoryStore) UpdateExpertScore(ctx context.Context, name string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.experts[name]
	if !ok {
		return errors.NewNotFoundError("expert")
	}
	e.PerformanceScore = score
	e.UpdatedAt = s.now()
	s.experts[name] = e
	return nil
}

func (s *MemoryStore) InsertRoutingDecision(ctx context.Context, decision *types.RoutingDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = s.now()
	}
	d := *decision
	d.AlternativeExperts = append([]string{}, decision.AlternativeExperts...)
	s.decisions = append(s.decisions, d)
	return nil
}

// RoutingDecisions returns the recorded decisions in insertion order
func (s *MemoryStore) RoutingDecisions() []types.RoutingDecision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.RoutingDecision(nil), s.decisions...)
}

func (s *MemoryStore) InsertFeedbackRecord(ctx context.Context, record *types.FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.feedback[record.RequestID]; exists {
		return errors.NewValidationError("feedback record already exists")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	s.feedback[record.RequestID] = *record
	return nil
}

func (s *MemoryStore) UpdateFeedbackRecord(ctx context.Context, requestID string, quality, satisfaction *float64) (*types.FeedbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.feedback[requestID]
	if !ok {
		return nil, errors.NewNotFoundError("feedback record")
	}
	if quality != nil {
		q := *quality
		record.ResponseQuality = &q
	}
	if satisfaction != nil {
		v := *satisfaction
		record.UserSatisfaction = &v
	}
	s.feedback[requestID] = record
	out := record
	return &out, nil
}

// FeedbackRecord returns a stored feedback record
func (s *MemoryStore) FeedbackRecord(requestID string) (types.FeedbackRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.feedback[requestID]
	return record, ok
}

func (s *MemoryStore) GetFallbackResponse(ctx context.Context, dependency, scenario string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	text, ok := s.templates[templateKey(dependency, scenario)]
	if !ok {
		return "", errors.NewNotFoundError("fallback template")
	}
	return text, nil
}

func (s *MemoryStore) UpsertFallbackTemplate(ctx context.Context, template *types.FallbackTemplate) error {
	if template == nil || template.DependencyName == "" || template.Scenario == "" {
		return errors.NewValidationError("template dependency and scenario are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[templateKey(template.DependencyName, template.Scenario)] = template.ResponseText
	return nil
}
