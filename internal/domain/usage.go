package domain

import (
	"fmt"
	"time"
)

// Period is one billing month.
type Period struct {
	Month time.Month
	Year  int
}

// PeriodOf returns the UTC billing period containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Month: t.Month(), Year: t.Year()}
}

// Key renders the period as YYYY-MM.
func (p Period) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) Valid() bool {
	return p.Month >= time.January && p.Month <= time.December && p.Year > 0
}

// MonthlyUsage counts conversations (new sessions) for one tenant and period.
type MonthlyUsage struct {
	TenantID          string
	Period            Period
	ConversationCount int64
	LastSessionAt     time.Time
}

type AdjustmentReason string

const (
	AdjustmentManualTopUp      AdjustmentReason = "manual_topup"
	AdjustmentManualCorrection AdjustmentReason = "manual_correction"
	AdjustmentPromotion        AdjustmentReason = "promotion"
)

func (r AdjustmentReason) Valid() bool {
	switch r {
	case AdjustmentManualTopUp, AdjustmentManualCorrection, AdjustmentPromotion:
		return true
	default:
		return false
	}
}

// Adjustment is an append-only change to a tenant's limit for one period.
type Adjustment struct {
	ID        string
	TenantID  string
	Period    Period
	Amount    int64
	Reason    AdjustmentReason
	CreatedAt time.Time
}

// Plan is a monthly conversation cap.
type Plan struct {
	ID           string
	MonthlyLimit int64
	Unlimited    bool
}
