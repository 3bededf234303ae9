package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/atolyecloud/atolye/internal/models"
)

// MetricsRepository stores workspace resource samples.
type MetricsRepository interface {
	Insert(ctx context.Context, m *models.WorkspaceMetrics) error
	ListByWorkspace(ctx context.Context, workspaceID int64, since time.Time) ([]*models.WorkspaceMetrics, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type metricsRepo struct {
	db DB
}

// NewMetricsRepository creates a new metrics repository.
func NewMetricsRepository(db DB) MetricsRepository {
	return &metricsRepo{db: db}
}

// Insert stores one sample.
func (r *metricsRepo) Insert(ctx context.Context, m *models.WorkspaceMetrics) error {
	query := `
		INSERT INTO workspace_metrics (workspace_id, collected_at, cpu_percent, memory_mb,
			memory_percent, process_count, uptime_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Exec(ctx, query,
		m.WorkspaceID,
		m.CollectedAt,
		m.CPUPercent,
		m.MemoryMB,
		m.MemoryPercent,
		m.ProcessCount,
		m.UptimeSeconds,
	)
	return err
}

// ListByWorkspace retrieves samples newer than since, oldest first.
func (r *metricsRepo) ListByWorkspace(ctx context.Context, workspaceID int64, since time.Time) ([]*models.WorkspaceMetrics, error) {
	query := `
		SELECT workspace_id, collected_at, cpu_percent, memory_mb, memory_percent,
			process_count, uptime_seconds
		FROM workspace_metrics
		WHERE workspace_id = $1 AND collected_at >= $2
		ORDER BY collected_at`

	rows, err := r.db.Query(ctx, query, workspaceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WorkspaceMetrics
	for rows.Next() {
		var m models.WorkspaceMetrics
		if err := rows.Scan(
			&m.WorkspaceID,
			&m.CollectedAt,
			&m.CPUPercent,
			&m.MemoryMB,
			&m.MemoryPercent,
			&m.ProcessCount,
			&m.UptimeSeconds,
		); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteOlderThan enforces the retention window.
func (r *metricsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `DELETE FROM workspace_metrics WHERE collected_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

var _ MetricsRepository = (*metricsRepo)(nil)

// ExchangeRateRepository stores daily currency conversion rates.
type ExchangeRateRepository interface {
	Upsert(ctx context.Context, rate *models.ExchangeRate) error
	// GetRate returns the newest rate effective on or before the date, or
	// nil when no rate is known.
	GetRate(ctx context.Context, source, target string, date time.Time) (*models.ExchangeRate, error)
}

type exchangeRateRepo struct {
	db DB
}

// NewExchangeRateRepository creates a new exchange rate repository.
func NewExchangeRateRepository(db DB) ExchangeRateRepository {
	return &exchangeRateRepo{db: db}
}

// Upsert stores the rate for its effective date.
func (r *exchangeRateRepo) Upsert(ctx context.Context, rate *models.ExchangeRate) error {
	query := `
		INSERT INTO exchange_rates (source_currency, target_currency, effective_date, rate)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_currency, target_currency, effective_date)
		DO UPDATE SET rate = EXCLUDED.rate
		RETURNING id`
	return r.db.QueryRow(ctx, query,
		rate.SourceCurrency,
		rate.TargetCurrency,
		rate.EffectiveDate,
		rate.Rate,
	).Scan(&rate.ID)
}

// GetRate retrieves the applicable rate for a date.
func (r *exchangeRateRepo) GetRate(ctx context.Context, source, target string, date time.Time) (*models.ExchangeRate, error) {
	query := `
		SELECT id, source_currency, target_currency, effective_date, rate
		FROM exchange_rates
		WHERE source_currency = $1 AND target_currency = $2 AND effective_date <= $3
		ORDER BY effective_date DESC
		LIMIT 1`

	var rate models.ExchangeRate
	err := r.db.QueryRow(ctx, query, source, target, date).Scan(
		&rate.ID,
		&rate.SourceCurrency,
		&rate.TargetCurrency,
		&rate.EffectiveDate,
		&rate.Rate,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}

var _ ExchangeRateRepository = (*exchangeRateRepo)(nil)
