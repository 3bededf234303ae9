package models

import (
	"encoding/json"
	"time"
)

// TemplateVisibility scopes who can use a template.
type TemplateVisibility string

const (
	TemplateOfficial TemplateVisibility = "official"
	TemplateCompany  TemplateVisibility = "company"
	TemplateUser     TemplateVisibility = "user"
)

// WorkspaceTemplate is the recipe for initializing a workspace environment:
// an ordered, DAG-structured set of actions.
type WorkspaceTemplate struct {
	ID                   int64              `json:"id" db:"id"`
	Name                 string             `json:"name" db:"name"`
	Visibility           TemplateVisibility `json:"visibility" db:"visibility"`
	Category             string             `json:"category" db:"category"`
	Config               json.RawMessage    `json:"config" db:"config"`
	RollbackOnFatalError bool               `json:"rollback_on_fatal_error" db:"rollback_on_fatal_error"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at" db:"updated_at"`
}

// RetryConfig controls per-action retry behavior.
type RetryConfig struct {
	MaxAttempts        int  `json:"max_attempts"`
	RetryDelaySeconds  int  `json:"retry_delay_seconds"`
	ExponentialBackoff bool `json:"exponential_backoff"`
}

// TemplateActionSequence is one action within a template. ActionID is the
// stable handle other actions reference in Dependencies.
type TemplateActionSequence struct {
	ID                 int64           `json:"id" db:"id"`
	TemplateID         int64           `json:"template_id" db:"template_id"`
	ActionID           string          `json:"action_id" db:"action_id"`
	ActionType         string          `json:"action_type" db:"action_type"`
	Order              int             `json:"order" db:"sort_order"`
	Parameters         json.RawMessage `json:"parameters" db:"parameters"`
	Condition          *string         `json:"condition,omitempty" db:"condition"`
	Dependencies       []string        `json:"dependencies" db:"dependencies"`
	MaxAttempts        int             `json:"max_attempts" db:"max_attempts"`
	RetryDelaySeconds  int             `json:"retry_delay_seconds" db:"retry_delay_seconds"`
	ExponentialBackoff bool            `json:"exponential_backoff" db:"exponential_backoff"`
	FatalOnError       bool            `json:"fatal_on_error" db:"fatal_on_error"`
	Enabled            bool            `json:"enabled" db:"enabled"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Retry returns the action's retry configuration with a floor of one attempt.
func (s *TemplateActionSequence) Retry() RetryConfig {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := s.RetryDelaySeconds
	if delay < 0 {
		delay = 0
	}
	return RetryConfig{
		MaxAttempts:        attempts,
		RetryDelaySeconds:  delay,
		ExponentialBackoff: s.ExponentialBackoff,
	}
}

// ParametersMap decodes the action parameters into a map.
func (s *TemplateActionSequence) ParametersMap() (map[string]any, error) {
	out := map[string]any{}
	if len(s.Parameters) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(s.Parameters, &out); err != nil {
		return nil, err
	}
	return out, nil
}
