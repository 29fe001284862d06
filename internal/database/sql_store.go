package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/NikhilSetiya/invest-assistant/pkg/errors"
	"github.com/NikhilSetiya/invest-assistant/pkg/types"
)

// expertRow is the storage shape of an expert. JSON columns are kept as
// raw bytes so the same scan works on postgres and mysql.
type expertRow struct {
	Name             string    `db:"name"`
	Description      string    `db:"description"`
	Capabilities     []byte    `db:"capabilities"`
	ModelConfig      []byte    `db:"model_config"`
	PerformanceScore float64   `db:"performance_score"`
	IsActive         bool      `db:"is_active"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r expertRow) toExpert() (types.Expert, error) {
	expert := types.Expert{
		Name:             r.Name,
		Description:      r.Description,
		PerformanceScore: r.PerformanceScore,
		IsActive:         r.IsActive,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if len(r.Capabilities) > 0 {
		if err := json.Unmarshal(r.Capabilities, &expert.Capabilities); err != nil {
			return expert, errors.NewInternalError("failed to decode expert capabilities").WithCause(err)
		}
	}
	if len(r.ModelConfig) > 0 {
		if err := json.Unmarshal(r.ModelConfig, &expert.ModelConfig); err != nil {
			return expert, errors.NewInternalError("failed to decode expert model config").WithCause(err)
		}
	}
	return expert, nil
}

const expertColumns = `name, description, capabilities, model_config, performance_score, is_active, created_at, updated_at`

// SQLStore implements Store over postgres or mysql
type SQLStore struct {
	db  *DB
	now func() time.Time
}

// NewSQLStore creates a store over an open connection
func NewSQLStore(db *DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Stats returns connection pool statistics
func (s *SQLStore) Stats() sql.DBStats {
	return s.db.Stats()
}

// Health checks database connectivity
func (s *SQLStore) Health(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *SQLStore) selectExperts(ctx context.Context, query string, args ...interface{}) ([]types.Expert, error) {
	var rows []expertRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.NewInternalError("failed to query experts").WithCause(err)
	}

	experts := make([]types.Expert, 0, len(rows))
	for _, row := range rows {
		expert, err := row.toExpert()
		if err != nil {
			return nil, err
		}
		experts = append(experts, expert)
	}
	return experts, nil
}

// GetActiveExperts returns active experts, best score first
func (s *SQLStore) GetActiveExperts(ctx context.Context) ([]types.Expert, error) {
	query := `SELECT ` + expertColumns + ` FROM experts WHERE is_active = ? ORDER BY performance_score DESC, name ASC`
	return s.selectExperts(ctx, query, true)
}

// ListExperts returns every expert regardless of status
func (s *SQLStore) ListExperts(ctx context.Context) ([]types.Expert, error) {
	query := `SELECT ` + expertColumns + ` FROM experts ORDER BY performance_score DESC, name ASC`
	return s.selectExperts(ctx, query)
}

// GetExpert retrieves one expert by name
func (s *SQLStore) GetExpert(ctx context.Context, name string) (*types.Expert, error) {
	var row expertRow
	query := s.db.Rebind(`SELECT ` + expertColumns + ` FROM experts WHERE name = ?`)

	if err := s.db.GetContext(ctx, &row, query, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("expert")
		}
		return nil, errors.NewInternalError("failed to get expert").WithCause(err)
	}

	expert, err := row.toExpert()
	if err != nil {
		return nil, err
	}
	return &expert, nil
}

// UpsertExpert creates an expert or replaces its definition
func (s *SQLStore) UpsertExpert(ctx context.Context, expert *types.Expert) error {
	if expert == nil || expert.Name == "" {
		return errors.NewValidationError("expert name is required")
	}

	capabilities, err := json.Marshal(expert.Capabilities)
	if err != nil {
		return errors.NewValidationError("invalid capabilities").WithCause(err)
	}
	modelConfig, err := json.Marshal(expert.ModelConfig)
	if err != nil {
		return errors.NewValidationError("invalid model config").WithCause(err)
	}

	now := s.now()
	if expert.CreatedAt.IsZero() {
		expert.CreatedAt = now
	}
	expert.UpdatedAt = now

	var query string
	if s.db.Driver() == "mysql" {
		query = `
			INSERT INTO experts (` + expertColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				description = VALUES(description),
				capabilities = VALUES(capabilities),
				model_config = VALUES(model_config),
				performance_score = VALUES(performance_score),
				is_active = VALUES(is_active),
				updated_at = VALUES(updated_at)`
	} else {
		query = `
			INSERT INTO experts (` + expertColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET
				description = EXCLUDED.description,
				capabilities = EXCLUDED.capabilities,
				model_config = EXCLUDED.model_config,
				performance_score = EXCLUDED.performance_score,
				is_active = EXCLUDED.is_active,
				updated_at = EXCLUDED.updated_at`
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(query),
		expert.Name, expert.Description, string(capabilities), string(modelConfig),
		expert.PerformanceScore, expert.IsActive, expert.CreatedAt, expert.UpdatedAt,
	)
	if err != nil {
		return errors.NewInternalError("failed to upsert expert").WithCause(err)
	}
	return nil
}

// UpdateExpertScore persists a new performance score
func (s *SQLStore) UpdateExpertScore(ctx context.Context, name string, score float64) error {
	query := s.db.Rebind(`UPDATE experts SET performance_score = ?, updated_at = ? WHERE name = ?`)

	result, err := s.db.ExecContext(ctx, query, score, s.now(), name)
	if err != nil {
		return errors.NewInternalError("failed to update expert score").WithCause(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternalError("failed to get rows affected").WithCause(err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError("expert")
	}
	return nil
}

// InsertRoutingDecision appends a routing decision to the audit table
func (s *SQLStore) InsertRoutingDecision(ctx context.Context, decision *types.RoutingDecision) error {
	alternatives, err := json.Marshal(nonNil(decision.AlternativeExperts))
	if err != nil {
		return errors.NewValidationError("invalid alternatives").WithCause(err)
	}
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = s.now()
	}

	query := s.db.Rebind(`
		INSERT INTO routing_decisions
			(request_id, user_id, query, selected_expert, confidence_score, alternative_experts, reasoning, method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		decision.RequestID, decision.UserID, decision.Query, decision.SelectedExpert,
		decision.ConfidenceScore, string(alternatives), decision.Reasoning, decision.Method, decision.CreatedAt,
	)
	if err != nil {
		return errors.NewInternalError("failed to insert routing decision").WithCause(err)
	}
	return nil
}

// InsertFeedbackRecord stores the measured outcome of a command
func (s *SQLStore) InsertFeedbackRecord(ctx context.Context, record *types.FeedbackRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}

	query := `
		INSERT INTO feedback_records
			(request_id, expert_name, response_quality, response_time_ms, tokens_used, user_satisfaction, fallback_used, created_at)
		VALUES (:request_id, :expert_name, :response_quality, :response_time_ms, :tokens_used, :user_satisfaction, :fallback_used, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, record); err != nil {
		return errors.NewInternalError("failed to insert feedback record").WithCause(err)
	}
	return nil
}

// UpdateFeedbackRecord sets judged quality and satisfaction and returns the
// updated record
func (s *SQLStore) UpdateFeedbackRecord(ctx context.Context, requestID string, quality, satisfaction *float64) (*types.FeedbackRecord, error) {
	var record types.FeedbackRecord

	err := s.db.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		selectQuery := tx.Rebind(`
			SELECT request_id, expert_name, response_quality, response_time_ms, tokens_used, user_satisfaction, fallback_used, created_at
			FROM feedback_records WHERE request_id = ?`)
		if err := tx.GetContext(ctx, &record, selectQuery, requestID); err != nil {
			if err == sql.ErrNoRows {
				return errors.NewNotFoundError("feedback record")
			}
			return errors.NewInternalError("failed to get feedback record").WithCause(err)
		}

		if quality != nil {
			record.ResponseQuality = quality
		}
		if satisfaction != nil {
			record.UserSatisfaction = satisfaction
		}

		updateQuery := tx.Rebind(`UPDATE feedback_records SET response_quality = ?, user_satisfaction = ? WHERE request_id = ?`)
		if _, err := tx.ExecContext(ctx, updateQuery, record.ResponseQuality, record.UserSatisfaction, requestID); err != nil {
			return errors.NewInternalError("failed to update feedback record").WithCause(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetFallbackResponse returns the template text for a dependency and scenario
func (s *SQLStore) GetFallbackResponse(ctx context.Context, dependency, scenario string) (string, error) {
	var text string
	query := s.db.Rebind(`SELECT response_text FROM fallback_templates WHERE dependency_name = ? AND scenario = ?`)

	if err := s.db.GetContext(ctx, &text, query, dependency, scenario); err != nil {
		if err == sql.ErrNoRows {
			return "", errors.NewNotFoundError("fallback template")
		}
		return "", errors.NewInternalError("failed to get fallback template").WithCause(err)
	}
	return text, nil
}

// UpsertFallbackTemplate creates or replaces a template
func (s *SQLStore) UpsertFallbackTemplate(ctx context.Context, template *types.FallbackTemplate) error {
	var query string
	if s.db.Driver() == "mysql" {
		query = `
			INSERT INTO fallback_templates (dependency_name, scenario, response_text)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE response_text = VALUES(response_text)`
	} else {
		query = `
			INSERT INTO fallback_templates (dependency_name, scenario, response_text)
			VALUES (?, ?, ?)
			ON CONFLICT (dependency_name, scenario) DO UPDATE SET response_text = EXCLUDED.response_text`
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(query), template.DependencyName, template.Scenario, template.ResponseText)
	if err != nil {
		return errors.NewInternalError("failed to upsert fallback template").WithCause(err)
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
