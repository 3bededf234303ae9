package models

import "time"

// WorkspaceMetrics is one time-series sample of a running workspace's
// resource consumption.
type WorkspaceMetrics struct {
	WorkspaceID   int64     `json:"workspace_id" db:"workspace_id"`
	CollectedAt   time.Time `json:"collected_at" db:"collected_at"`
	CPUPercent    float64   `json:"cpu_percent" db:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb" db:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent" db:"memory_percent"`
	ProcessCount  int       `json:"process_count" db:"process_count"`
	UptimeSeconds int64     `json:"uptime_seconds" db:"uptime_seconds"`
}

// ExchangeRate converts between currencies for billing. The
// (source, target, effective_date) triple is unique.
type ExchangeRate struct {
	ID             int64     `json:"id" db:"id"`
	SourceCurrency string    `json:"source_currency" db:"source_currency"`
	TargetCurrency string    `json:"target_currency" db:"target_currency"`
	EffectiveDate  time.Time `json:"effective_date" db:"effective_date"`
	Rate           float64   `json:"rate" db:"rate"`
}
