// Package actions implements the template action handlers: atomic,
// idempotent, rollback-capable side effects run against a fresh workspace
// OS account. The executor discovers handlers through the Registry and
// drives them via the Handler contract.
package actions

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Context carries the workspace identity every handler is constructed
// with. Handlers share no mutable state; each run gets fresh instances.
type Context struct {
	WorkspaceID   int64
	WorkspaceName string
	LinuxUsername string
	Subdomain     string
	UserEmail     string
	UserID        int64
	CompanyName   string
	HomeDirectory string
	Port          int
	// CommandTimeout bounds each external command a handler spawns.
	CommandTimeout time.Duration
}

// Params holds the substituted parameters of one action invocation.
type Params map[string]any

// String returns the string value for key, or def when absent or not a
// string.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Bool returns the boolean value for key, or def when absent.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Int returns the integer value for key, tolerating JSON float64 decoding
// and numeric strings.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// StringSlice returns the list value for key. JSON decoding yields
// []any, so elements are converted individually.
func (p Params) StringSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Has reports whether key is present with a non-nil value.
func (p Params) Has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// Result is the structured outcome of an executed action. The executor
// persists it on the execution record and hands it back to Rollback.
type Result struct {
	// Data carries handler-specific facts (paths created, versions
	// installed, flags like already_existed) used by rollback and by
	// later actions.
	Data map[string]any `json:"data,omitempty"`
	// Message is a human-readable summary surfaced in progress views.
	Message string `json:"message,omitempty"`
	// Pause tells the executor to persist a resume cursor and yield until
	// an external signal arrives. Not a failure.
	Pause bool `json:"pause,omitempty"`
}

// NewResult builds a success result with the given message.
func NewResult(message string) *Result {
	return &Result{Data: map[string]any{}, Message: message}
}

// Set records a fact on the result and returns it for chaining.
func (r *Result) Set(key string, value any) *Result {
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	r.Data[key] = value
	return r
}

// ParameterSpec describes one parameter for UI schema generation.
type ParameterSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
}

// Metadata describes a handler kind for UIs and schema generation.
type Metadata struct {
	Type               string          `json:"type"`
	DisplayName        string          `json:"display_name"`
	Category           string          `json:"category"`
	Description        string          `json:"description"`
	RequiredParameters []ParameterSpec `json:"required_parameters"`
	OptionalParameters []ParameterSpec `json:"optional_parameters"`
}

// Handler is the contract every action kind implements.
type Handler interface {
	// Meta describes the handler for UIs.
	Meta() Metadata
	// Validate is a pure check of parameter presence, types, and tool
	// availability. A validation failure is not retried.
	Validate(params Params) error
	// Execute performs the side effect against the workspace's OS account.
	Execute(ctx context.Context, params Params) (*Result, error)
	// Rollback is the best-effort inverse. It must be safe when the action
	// partially completed or never ran.
	Rollback(ctx context.Context, params Params, result *Result) error
}

// Resumable is implemented by handlers whose Execute pauses the run.
// After the external signal arrives the executor calls Resume instead of
// re-running Execute.
type Resumable interface {
	Resume(ctx context.Context, params Params) (*Result, error)
}

// InvalidParamsError marks a parameter validation failure.
type InvalidParamsError struct {
	Field  string
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid parameter %q: %s", e.Field, e.Reason)
}

func invalidParam(field, reason string) error {
	return &InvalidParamsError{Field: field, Reason: reason}
}

func requireString(p Params, field string) (string, error) {
	v, ok := p[field]
	if !ok || v == nil {
		return "", invalidParam(field, "required")
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", invalidParam(field, "must be a non-empty string")
	}
	return s, nil
}
