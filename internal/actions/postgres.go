package actions

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/atolyecloud/atolye/internal/pkg/execx"
)

var pgIdentRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// CreatePostgresDatabase creates a role and a database owned by it on the
// host's PostgreSQL cluster, running psql as the postgres administrator.
// Pre-existing roles and databases are detected and skipped so the action
// can re-run, and rollback drops only what this action created.
type CreatePostgresDatabase struct {
	wc  Context
	run execx.Runner
}

func (h *CreatePostgresDatabase) Meta() Metadata {
	return Metadata{
		Type:        TypeCreatePostgresDatabase,
		DisplayName: "Create PostgreSQL Database",
		Category:    "database",
		Description: "Creates a PostgreSQL role and database for the workspace.",
		RequiredParameters: []ParameterSpec{
			{Name: "database_name", Type: "string", Description: "Database to create"},
			{Name: "username", Type: "string", Description: "Role that will own the database"},
		},
		OptionalParameters: []ParameterSpec{
			{Name: "password", Type: "string", Description: "Role password; role is created without one when empty"},
			{Name: "encoding", Type: "string", Description: "Database encoding", Default: "UTF8"},
			{Name: "locale", Type: "string", Description: "LC_COLLATE and LC_CTYPE for the database"},
		},
	}
}

func (h *CreatePostgresDatabase) Validate(params Params) error {
	db, err := requireString(params, "database_name")
	if err != nil {
		return err
	}
	user, err := requireString(params, "username")
	if err != nil {
		return err
	}
	if !pgIdentRe.MatchString(db) {
		return invalidParam("database_name", "must be a lowercase identifier")
	}
	if !pgIdentRe.MatchString(user) {
		return invalidParam("username", "must be a lowercase identifier")
	}
	if !h.run.LookPath("psql") {
		return invalidParam("database_name", "psql is not installed")
	}
	return nil
}

func (h *CreatePostgresDatabase) psql(ctx context.Context, sql string) (*execx.Result, error) {
	return h.run.Run(ctx, execx.Cmd{
		Name:    "psql",
		Args:    []string{"-tAc", sql},
		User:    "postgres",
		Timeout: h.wc.CommandTimeout,
	})
}

func (h *CreatePostgresDatabase) roleExists(ctx context.Context, name string) (bool, error) {
	res, err := h.psql(ctx, fmt.Sprintf("SELECT 1 FROM pg_roles WHERE rolname='%s'", name))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "1", nil
}

func (h *CreatePostgresDatabase) databaseExists(ctx context.Context, name string) (bool, error) {
	res, err := h.psql(ctx, fmt.Sprintf("SELECT 1 FROM pg_database WHERE datname='%s'", name))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "1", nil
}

func (h *CreatePostgresDatabase) Execute(ctx context.Context, params Params) (*Result, error) {
	db := params.String("database_name", "")
	user := params.String("username", "")

	result := NewResult("PostgreSQL database ready").
		Set("database_name", db).Set("username", user)

	roleExists, err := h.roleExists(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("check role: %w", err)
	}
	if !roleExists {
		stmt := fmt.Sprintf("CREATE ROLE %s LOGIN", user)
		if pw := params.String("password", ""); pw != "" {
			stmt += fmt.Sprintf(" PASSWORD '%s'", strings.ReplaceAll(pw, "'", "''"))
		}
		if _, err := h.psql(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create role: %w", err)
		}
	}
	result.Set("created_role", !roleExists)

	dbExists, err := h.databaseExists(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("check database: %w", err)
	}
	if !dbExists {
		stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s ENCODING '%s'",
			db, user, params.String("encoding", "UTF8"))
		if locale := params.String("locale", ""); locale != "" {
			stmt += fmt.Sprintf(" LC_COLLATE '%s' LC_CTYPE '%s' TEMPLATE template0", locale, locale)
		}
		if _, err := h.psql(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
	}
	result.Set("created_database", !dbExists)

	if _, err := h.psql(ctx, fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s", db, user)); err != nil {
		return nil, fmt.Errorf("grant privileges: %w", err)
	}
	return result, nil
}

func (h *CreatePostgresDatabase) Rollback(ctx context.Context, params Params, result *Result) error {
	createdDB, createdRole := true, true
	if result != nil {
		if v, ok := result.Data["created_database"].(bool); ok {
			createdDB = v
		}
		if v, ok := result.Data["created_role"].(bool); ok {
			createdRole = v
		}
	}
	if createdDB {
		if _, err := h.psql(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", params.String("database_name", ""))); err != nil {
			return err
		}
	}
	if createdRole {
		if _, err := h.psql(ctx, fmt.Sprintf("DROP ROLE IF EXISTS %s", params.String("username", ""))); err != nil {
			return err
		}
	}
	return nil
}
