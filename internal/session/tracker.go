// Package session tracks 24-hour conversation windows per (tenant, customer).
//
// Every message either opens a new window or extends the active one. The
// tracker keeps no state of its own: the row store's conditional insert
// decides which of several concurrent first messages opens the window, and
// the losers fall through to the extend path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tablechat/internal/domain"
	"tablechat/internal/metrics"
	"tablechat/internal/repository"
)

const DefaultTimeout = 800 * time.Millisecond

// Store is the session row store. *repository.Client satisfies it.
type Store interface {
	LatestSession(ctx context.Context, tenantID, customer string) (domain.Session, bool, error)
	CreateSession(ctx context.Context, s domain.Session) (repository.CreateSessionResult, error)
	ExtendSession(ctx context.Context, s domain.Session, at, proposedEnd time.Time) (domain.Session, error)
}

type Tracker struct {
	store   Store
	timeout time.Duration
	log     *slog.Logger
	metrics metrics.Collector
}

// NewTracker creates a Tracker. Each Detect call is bounded by timeout; a
// non-positive value selects DefaultTimeout.
func NewTracker(store Store, timeout time.Duration, log *slog.Logger, m metrics.Collector) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, timeout: timeout, log: log, metrics: metrics.OrNop(m)}, nil
}

// Detect records one inbound message at time at and reports whether it opened
// a new session.
func (t *Tracker) Detect(ctx context.Context, tenantID, customer string, at time.Time) (domain.SessionInfo, error) {
	if tenantID == "" || customer == "" {
		return domain.SessionInfo{}, errors.New("session: tenant and customer are required")
	}
	if at.IsZero() {
		return domain.SessionInfo{}, errors.New("session: message time is required")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	latest, found, err := t.store.LatestSession(ctx, tenantID, customer)
	if err != nil {
		return domain.SessionInfo{}, fmt.Errorf("session: Detect lookup: %w", err)
	}

	if found && latest.ActiveAt(at) {
		return t.extend(ctx, latest, at)
	}

	var seq int64 = 1
	if found {
		seq = latest.Seq + 1
	}
	candidate := domain.Session{
		TenantID:       tenantID,
		Customer:       customer,
		Seq:            seq,
		Start:          at,
		End:            at.Add(domain.SessionWindow),
		LastActivityAt: at,
		MessageCount:   1,
	}
	res, err := t.store.CreateSession(ctx, candidate)
	if err != nil {
		return domain.SessionInfo{}, fmt.Errorf("session: Detect create: %w", err)
	}

	switch res.Status {
	case repository.SessionCreated:
		t.metrics.SessionDetected(ctx, true)
		return infoOf(res.Session, true), nil
	case repository.SessionAlreadyExists:
		t.log.DebugContext(ctx, "session opened concurrently, extending",
			slog.String("tenant_id", tenantID),
			slog.String("session_id", res.Session.ID()))
		return t.extend(ctx, res.Session, at)
	default:
		return domain.SessionInfo{}, fmt.Errorf("session: Detect: unexpected create status %d", res.Status)
	}
}

func (t *Tracker) extend(ctx context.Context, s domain.Session, at time.Time) (domain.SessionInfo, error) {
	updated, err := t.store.ExtendSession(ctx, s, at, at.Add(domain.SessionWindow))
	if err != nil {
		return domain.SessionInfo{}, fmt.Errorf("session: Detect extend %s: %w", s.ID(), err)
	}
	t.metrics.SessionDetected(ctx, false)
	return infoOf(updated, false), nil
}

// LastInbound returns the time of the customer's most recent inbound message
// to tenantID. The boolean is false when none was ever recorded.
func (t *Tracker) LastInbound(ctx context.Context, tenantID, customer string) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	latest, found, err := t.store.LatestSession(ctx, tenantID, customer)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session: LastInbound: %w", err)
	}
	if !found || latest.LastActivityAt.IsZero() {
		return time.Time{}, false, nil
	}
	return latest.LastActivityAt, true, nil
}

func infoOf(s domain.Session, isNew bool) domain.SessionInfo {
	return domain.SessionInfo{
		IsNew:        isNew,
		SessionID:    s.ID(),
		Start:        s.Start,
		End:          s.End,
		MessageCount: s.MessageCount,
	}
}
