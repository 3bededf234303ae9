package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/atolyecloud/atolye/internal/models"
)

// CompanyRepository defines the interface for tenant data operations.
type CompanyRepository interface {
	Create(ctx context.Context, company *models.Company) error
	GetByID(ctx context.Context, id int64) (*models.Company, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*models.Company, error)
	Update(ctx context.Context, company *models.Company) error
	UpdatePlan(ctx context.Context, id int64, plan models.Plan, maxWorkspaces int) error
	WithTx(tx pgx.Tx) CompanyRepository
}

type companyRepo struct {
	db DB
}

// NewCompanyRepository creates a new company repository.
func NewCompanyRepository(db DB) CompanyRepository {
	return &companyRepo{db: db}
}

func (r *companyRepo) WithTx(tx pgx.Tx) CompanyRepository {
	return &companyRepo{db: tx}
}

const companyColumns = `id, name, subdomain, plan, status, max_workspaces, preferred_currency, created_at, updated_at`

func scanCompany(row pgx.Row) (*models.Company, error) {
	var c models.Company
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Subdomain,
		&c.Plan,
		&c.Status,
		&c.MaxWorkspaces,
		&c.PreferredCurrency,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new company.
func (r *companyRepo) Create(ctx context.Context, company *models.Company) error {
	query := `
		INSERT INTO companies (name, subdomain, plan, status, max_workspaces, preferred_currency)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	if company.Plan == "" {
		company.Plan = models.PlanStarter
	}
	if company.Status == "" {
		company.Status = models.CompanyActive
	}
	if company.PreferredCurrency == "" {
		company.PreferredCurrency = "USD"
	}
	return r.db.QueryRow(ctx, query,
		company.Name,
		company.Subdomain,
		company.Plan,
		company.Status,
		company.MaxWorkspaces,
		company.PreferredCurrency,
	).Scan(&company.ID, &company.CreatedAt, &company.UpdatedAt)
}

// GetByID retrieves a company by id.
func (r *companyRepo) GetByID(ctx context.Context, id int64) (*models.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE id = $1`
	return scanCompany(r.db.QueryRow(ctx, query, id))
}

// GetBySubdomain retrieves a company by its subdomain.
func (r *companyRepo) GetBySubdomain(ctx context.Context, subdomain string) (*models.Company, error) {
	query := `SELECT ` + companyColumns + ` FROM companies WHERE subdomain = $1`
	return scanCompany(r.db.QueryRow(ctx, query, subdomain))
}

// Update persists mutable company fields.
func (r *companyRepo) Update(ctx context.Context, company *models.Company) error {
	query := `
		UPDATE companies
		SET name = $2, plan = $3, status = $4, max_workspaces = $5, preferred_currency = $6, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`
	return r.db.QueryRow(ctx, query,
		company.ID,
		company.Name,
		company.Plan,
		company.Status,
		company.MaxWorkspaces,
		company.PreferredCurrency,
	).Scan(&company.UpdatedAt)
}

// UpdatePlan moves a company to a new plan and workspace ceiling.
func (r *companyRepo) UpdatePlan(ctx context.Context, id int64, plan models.Plan, maxWorkspaces int) error {
	query := `UPDATE companies SET plan = $2, max_workspaces = $3, updated_at = now() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id, plan, maxWorkspaces)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

var _ CompanyRepository = (*companyRepo)(nil)
