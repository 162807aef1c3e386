package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tablechat/internal/domain"
	"tablechat/internal/repository"
)

// ConsumeCachedMessageForPhone claims the most recent pending deferred
// message for phone. Each entry is returned at most once across all callers;
// expired and already claimed entries are skipped.
func (e *Engine) ConsumeCachedMessageForPhone(ctx context.Context, phone string) (domain.DeferredMessage, bool, error) {
	return e.consume(ctx, phone, "")
}

func (e *Engine) consume(ctx context.Context, phone, tenantID string) (domain.DeferredMessage, bool, error) {
	recipient, err := domain.NormalizePhone(phone)
	if err != nil {
		return domain.DeferredMessage{}, false, fmt.Errorf("%w: %q", ErrInvalidRecipient, phone)
	}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	now := e.now()
	entries, err := e.store.PendingDeferred(sctx, recipient, now)
	if err != nil {
		return domain.DeferredMessage{}, false, fmt.Errorf("delivery: list deferred: %w", err)
	}
	for _, m := range entries {
		if tenantID != "" && m.TenantID != tenantID {
			continue
		}
		if !m.Pending(now) {
			continue
		}
		err := e.store.MarkDeferredDelivered(sctx, m, now)
		if errors.Is(err, repository.ErrConditionFailed) {
			continue
		}
		if err != nil {
			return domain.DeferredMessage{}, false, fmt.Errorf("delivery: claim deferred %s: %w", m.ID, err)
		}
		m.Delivered = true
		m.UpdatedAt = now
		e.metrics.DeferredConsumed(ctx)
		return m, true, nil
	}
	return domain.DeferredMessage{}, false, nil
}

// DeliverDeferred releases the customer's cached message for tenantID as a
// free-form follow-up. It reports false when nothing was waiting. The entry
// is claimed before the send, so a failed send does not make it available
// again.
func (e *Engine) DeliverDeferred(ctx context.Context, tenantID, from, phone string) (Result, bool, error) {
	m, ok, err := e.consume(ctx, phone, tenantID)
	if err != nil || !ok {
		return Result{}, false, err
	}
	sender := m.From
	if sender == "" {
		sender = from
	}
	e.log.InfoContext(ctx, "releasing deferred message",
		slog.String("tenant_id", tenantID),
		slog.String("deferred_id", m.ID),
		slog.String("origin_delivery_id", m.DeliveryID))

	res, err := e.Send(ctx, Request{
		TenantID:      tenantID,
		From:          sender,
		To:            m.Recipient,
		Body:          m.Body,
		ForceFreeform: true,
	})
	return res, true, err
}
