// Package models defines the data models for the workspace control plane.
package models

// Plan represents a subscription plan.
type Plan string

const (
	PlanStarter    Plan = "starter"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

// IsValid reports whether the plan is one of the known plans.
func (p Plan) IsValid() bool {
	switch p {
	case PlanStarter, PlanTeam, PlanEnterprise:
		return true
	}
	return false
}

// PlanLimits defines the resource limits for a plan.
type PlanLimits struct {
	MaxWorkspaces      int
	CPULimitPercent    int
	MemoryLimitMB      int
	DiskQuotaGB        int
	MonthlyPriceMinor  int64 // USD minor units
	DefaultAutoStopHrs int
}

var planLimits = map[Plan]PlanLimits{
	PlanStarter: {
		MaxWorkspaces:      1,
		CPULimitPercent:    100,
		MemoryLimitMB:      2048,
		DiskQuotaGB:        10,
		MonthlyPriceMinor:  900,
		DefaultAutoStopHrs: 2,
	},
	PlanTeam: {
		MaxWorkspaces:      5,
		CPULimitPercent:    200,
		MemoryLimitMB:      4096,
		DiskQuotaGB:        25,
		MonthlyPriceMinor:  2900,
		DefaultAutoStopHrs: 4,
	},
	PlanEnterprise: {
		MaxWorkspaces:      25,
		CPULimitPercent:    400,
		MemoryLimitMB:      8192,
		DiskQuotaGB:        100,
		MonthlyPriceMinor:  9900,
		DefaultAutoStopHrs: 0, // never
	},
}

// GetPlanLimits returns the limits for a plan, defaulting to starter for
// unknown plans.
func GetPlanLimits(p Plan) PlanLimits {
	if limits, ok := planLimits[p]; ok {
		return limits
	}
	return planLimits[PlanStarter]
}
