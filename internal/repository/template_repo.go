package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/atolyecloud/atolye/internal/models"
)

// TemplateRepository defines the interface for template data operations.
type TemplateRepository interface {
	Create(ctx context.Context, tmpl *models.WorkspaceTemplate) error
	GetByID(ctx context.Context, id int64) (*models.WorkspaceTemplate, error)
	List(ctx context.Context) ([]*models.WorkspaceTemplate, error)
	CreateAction(ctx context.Context, action *models.TemplateActionSequence) error
	ListActions(ctx context.Context, templateID int64) ([]models.TemplateActionSequence, error)
}

type templateRepo struct {
	db DB
}

// NewTemplateRepository creates a new template repository.
func NewTemplateRepository(db DB) TemplateRepository {
	return &templateRepo{db: db}
}

// Create inserts a new template.
func (r *templateRepo) Create(ctx context.Context, tmpl *models.WorkspaceTemplate) error {
	query := `
		INSERT INTO workspace_templates (name, visibility, category, config, rollback_on_fatal_error)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	if tmpl.Visibility == "" {
		tmpl.Visibility = models.TemplateOfficial
	}
	if tmpl.Category == "" {
		tmpl.Category = "general"
	}
	if len(tmpl.Config) == 0 {
		tmpl.Config = json.RawMessage(`{}`)
	}
	return r.db.QueryRow(ctx, query,
		tmpl.Name,
		tmpl.Visibility,
		tmpl.Category,
		tmpl.Config,
		tmpl.RollbackOnFatalError,
	).Scan(&tmpl.ID, &tmpl.CreatedAt, &tmpl.UpdatedAt)
}

// GetByID retrieves a template by id.
func (r *templateRepo) GetByID(ctx context.Context, id int64) (*models.WorkspaceTemplate, error) {
	query := `
		SELECT id, name, visibility, category, config, rollback_on_fatal_error, created_at, updated_at
		FROM workspace_templates WHERE id = $1`

	var t models.WorkspaceTemplate
	err := r.db.QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.Name,
		&t.Visibility,
		&t.Category,
		&t.Config,
		&t.RollbackOnFatalError,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// List retrieves all templates.
func (r *templateRepo) List(ctx context.Context) ([]*models.WorkspaceTemplate, error) {
	query := `
		SELECT id, name, visibility, category, config, rollback_on_fatal_error, created_at, updated_at
		FROM workspace_templates ORDER BY name`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WorkspaceTemplate
	for rows.Next() {
		var t models.WorkspaceTemplate
		if err := rows.Scan(
			&t.ID,
			&t.Name,
			&t.Visibility,
			&t.Category,
			&t.Config,
			&t.RollbackOnFatalError,
			&t.CreatedAt,
			&t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// CreateAction inserts one action sequence of a template.
func (r *templateRepo) CreateAction(ctx context.Context, action *models.TemplateActionSequence) error {
	query := `
		INSERT INTO template_action_sequences (template_id, action_id, action_type, sort_order,
			parameters, condition, dependencies, max_attempts, retry_delay_seconds,
			exponential_backoff, fatal_on_error, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at`

	if len(action.Parameters) == 0 {
		action.Parameters = json.RawMessage(`{}`)
	}
	deps, err := json.Marshal(action.Dependencies)
	if err != nil {
		return err
	}
	if action.Dependencies == nil {
		deps = []byte(`[]`)
	}
	return r.db.QueryRow(ctx, query,
		action.TemplateID,
		action.ActionID,
		action.ActionType,
		action.Order,
		action.Parameters,
		action.Condition,
		deps,
		action.MaxAttempts,
		action.RetryDelaySeconds,
		action.ExponentialBackoff,
		action.FatalOnError,
		action.Enabled,
	).Scan(&action.ID, &action.CreatedAt)
}

// ListActions retrieves a template's action sequences in sort order.
func (r *templateRepo) ListActions(ctx context.Context, templateID int64) ([]models.TemplateActionSequence, error) {
	query := `
		SELECT id, template_id, action_id, action_type, sort_order, parameters, condition,
			dependencies, max_attempts, retry_delay_seconds, exponential_backoff,
			fatal_on_error, enabled, created_at
		FROM template_action_sequences
		WHERE template_id = $1
		ORDER BY sort_order, action_id`

	rows, err := r.db.Query(ctx, query, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TemplateActionSequence
	for rows.Next() {
		var s models.TemplateActionSequence
		var deps []byte
		if err := rows.Scan(
			&s.ID,
			&s.TemplateID,
			&s.ActionID,
			&s.ActionType,
			&s.Order,
			&s.Parameters,
			&s.Condition,
			&deps,
			&s.MaxAttempts,
			&s.RetryDelaySeconds,
			&s.ExponentialBackoff,
			&s.FatalOnError,
			&s.Enabled,
			&s.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(deps) > 0 {
			if err := json.Unmarshal(deps, &s.Dependencies); err != nil {
				return nil, err
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ TemplateRepository = (*templateRepo)(nil)
