// Package quota keeps the monthly conversation counters and computes each
// tenant's effective limit from its plan and the adjustment ledger.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tablechat/internal/domain"
	"tablechat/internal/metrics"
	"tablechat/internal/repository"
)

const (
	DefaultNearLimitRatio = 0.9
	DefaultTimeout        = 800 * time.Millisecond
)

// Store is the usage and adjustment store. *repository.Client satisfies it.
type Store interface {
	IncrementUsage(ctx context.Context, tenantID string, p domain.Period, at time.Time) (domain.MonthlyUsage, error)
	GetUsage(ctx context.Context, tenantID string, p domain.Period) (domain.MonthlyUsage, error)
	AppendAdjustment(ctx context.Context, a domain.Adjustment) error
	SumAdjustments(ctx context.Context, tenantID string, p domain.Period) (int64, error)
}

type Config struct {
	DefaultPlan    string
	NearLimitRatio float64
	Timeout        time.Duration
}

// Status is a tenant's quota position for one period.
type Status struct {
	TenantID       string  `json:"tenantId"`
	Plan           string  `json:"plan"`
	Period         string  `json:"period"`
	Used           int64   `json:"used"`
	PlanLimit      int64   `json:"planLimit"`
	Adjustments    int64   `json:"adjustments"`
	EffectiveLimit int64   `json:"effectiveLimit"`
	Remaining      int64   `json:"remaining"`
	UsagePercent   float64 `json:"usagePercent"`
	NearLimit      bool    `json:"nearLimit"`
	Exceeded       bool    `json:"exceeded"`
	Allowed        bool    `json:"allowed"`
	Unlimited      bool    `json:"unlimited"`
	Degraded       bool    `json:"degraded,omitempty"`
}

type Ledger struct {
	store   Store
	catalog Catalog
	cfg     Config
	log     *slog.Logger
	metrics metrics.Collector
	newID   func() string
}

func NewLedger(store Store, cfg Config, log *slog.Logger, m metrics.Collector) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("quota: store must not be nil")
	}
	if cfg.NearLimitRatio <= 0 || cfg.NearLimitRatio > 1 {
		cfg.NearLimitRatio = DefaultNearLimitRatio
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:   store,
		catalog: NewCatalog(cfg.DefaultPlan),
		cfg:     cfg,
		log:     log,
		metrics: metrics.OrNop(m),
		newID:   uuid.NewString,
	}, nil
}

func (l *Ledger) Catalog() Catalog { return l.catalog }

// IncrementUsage counts one new conversation for the tenant in the given
// month. Call it once per new session, never per message.
func (l *Ledger) IncrementUsage(ctx context.Context, tenantID string, month time.Month, year int, at time.Time) (domain.MonthlyUsage, error) {
	p := domain.Period{Month: month, Year: year}
	if tenantID == "" || !p.Valid() {
		return domain.MonthlyUsage{}, fmt.Errorf("quota: IncrementUsage: invalid tenant %q or period %s", tenantID, p.Key())
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	u, err := l.store.IncrementUsage(ctx, tenantID, p, at)
	if err != nil {
		return domain.MonthlyUsage{}, fmt.Errorf("quota: IncrementUsage: %w", err)
	}
	l.metrics.UsageIncremented(ctx)
	return u, nil
}

// AddAdjustment appends a signed change to the tenant's limit for period.
func (l *Ledger) AddAdjustment(ctx context.Context, tenantID string, p domain.Period, amount int64, reason domain.AdjustmentReason, at time.Time) (domain.Adjustment, error) {
	switch {
	case tenantID == "":
		return domain.Adjustment{}, errors.New("quota: AddAdjustment: tenant is required")
	case !p.Valid():
		return domain.Adjustment{}, fmt.Errorf("quota: AddAdjustment: invalid period %s", p.Key())
	case amount == 0:
		return domain.Adjustment{}, errors.New("quota: AddAdjustment: amount must not be zero")
	case !reason.Valid():
		return domain.Adjustment{}, fmt.Errorf("quota: AddAdjustment: unknown reason %q", reason)
	}
	a := domain.Adjustment{
		ID:        l.newID(),
		TenantID:  tenantID,
		Period:    p,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: at,
	}
	if err := l.store.AppendAdjustment(ctx, a); err != nil {
		return domain.Adjustment{}, fmt.Errorf("quota: AddAdjustment: %w", err)
	}
	l.log.InfoContext(ctx, "quota adjusted",
		slog.String("tenant_id", tenantID),
		slog.String("period", p.Key()),
		slog.Int64("amount", amount),
		slog.String("reason", string(reason)))
	return a, nil
}

// EffectiveQuota computes the tenant's position for period under planID.
// Store failures never fail the check: usage degrades to zero and
// adjustments to none, and Degraded is set.
func (l *Ledger) EffectiveQuota(ctx context.Context, tenantID, planID string, p domain.Period) (Status, error) {
	if tenantID == "" || !p.Valid() {
		return Status{}, fmt.Errorf("quota: EffectiveQuota: invalid tenant %q or period %s", tenantID, p.Key())
	}
	plan := l.catalog.Resolve(planID)
	st := Status{TenantID: tenantID, Plan: plan.ID, Period: p.Key()}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	usage, err := l.store.GetUsage(ctx, tenantID, p)
	if err != nil {
		l.degrade(ctx, "usage_read", tenantID, err)
		st.Degraded = true
	} else {
		st.Used = usage.ConversationCount
	}

	if plan.Unlimited {
		st.Unlimited = true
		st.Allowed = true
		return st, nil
	}

	adjustments, err := l.store.SumAdjustments(ctx, tenantID, p)
	switch {
	case errors.Is(err, repository.ErrTableNotFound):
		l.log.DebugContext(ctx, "adjustments table not provisioned, using plan limit",
			slog.String("tenant_id", tenantID))
		adjustments = 0
	case err != nil:
		l.degrade(ctx, "adjustments_read", tenantID, err)
		st.Degraded = true
		adjustments = 0
	}

	st.PlanLimit = plan.MonthlyLimit
	st.Adjustments = adjustments
	st.EffectiveLimit = plan.MonthlyLimit + adjustments
	evaluate(&st, l.cfg.NearLimitRatio)
	return st, nil
}

func evaluate(st *Status, nearRatio float64) {
	st.Remaining = st.EffectiveLimit - st.Used
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	st.Exceeded = st.Used >= st.EffectiveLimit
	st.Allowed = !st.Exceeded
	if st.EffectiveLimit <= 0 {
		st.UsagePercent = 100
		st.NearLimit = true
		return
	}
	ratio := float64(st.Used) / float64(st.EffectiveLimit)
	st.UsagePercent = ratio * 100
	st.NearLimit = ratio >= nearRatio
}

func (l *Ledger) degrade(ctx context.Context, op, tenantID string, err error) {
	l.metrics.FailOpen(ctx, op)
	l.log.WarnContext(ctx, "quota store failed, degrading to plan defaults",
		slog.String("op", op),
		slog.String("tenant_id", tenantID),
		slog.String("err", err.Error()))
}
