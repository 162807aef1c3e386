package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"tablechat/internal/delivery"
	"tablechat/internal/domain"
	"tablechat/internal/guard"
	"tablechat/internal/integrations/whatsapp"
	"tablechat/internal/quota"
	"tablechat/internal/repository"
)

type SessionDetector interface {
	Detect(ctx context.Context, tenantID, customer string, at time.Time) (domain.SessionInfo, error)
}

type UsageLedger interface {
	IncrementUsage(ctx context.Context, tenantID string, month time.Month, year int, at time.Time) (domain.MonthlyUsage, error)
	AddAdjustment(ctx context.Context, tenantID string, p domain.Period, amount int64, reason domain.AdjustmentReason, at time.Time) (domain.Adjustment, error)
	EffectiveQuota(ctx context.Context, tenantID, planID string, p domain.Period) (quota.Status, error)
}

type Deliverer interface {
	Send(ctx context.Context, req delivery.Request) (delivery.Result, error)
	DeliverDeferred(ctx context.Context, tenantID, from, phone string) (delivery.Result, bool, error)
}

type InboundGuard interface {
	IsProcessed(ctx context.Context, key string) bool
	MarkProcessed(ctx context.Context, key string) error
	TryAcquireIdempotencyLock(ctx context.Context, key string) bool
	ReleaseIdempotencyLock(ctx context.Context, key string)
	Admit(ctx context.Context, tenantID, customer string) guard.Decision
}

type TenantDirectory interface {
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
	TenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (domain.Tenant, error)
}

// MessagingService is the entry point for inbound customer events and
// outbound notifications.
type MessagingService struct {
	sessions SessionDetector
	ledger   UsageLedger
	delivery Deliverer
	guard    InboundGuard
	tenants  TenantDirectory
	log      *slog.Logger
	now      func() time.Time
}

func NewMessagingService(sessions SessionDetector, ledger UsageLedger, d Deliverer, g InboundGuard, tenants TenantDirectory, log *slog.Logger) (*MessagingService, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session detector must not be nil")
	}
	if ledger == nil {
		return nil, errors.New("usecase: usage ledger must not be nil")
	}
	if d == nil {
		return nil, errors.New("usecase: deliverer must not be nil")
	}
	if g == nil {
		return nil, errors.New("usecase: inbound guard must not be nil")
	}
	if tenants == nil {
		return nil, errors.New("usecase: tenant directory must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &MessagingService{
		sessions: sessions,
		ledger:   ledger,
		delivery: d,
		guard:    g,
		tenants:  tenants,
		log:      log,
		now:      time.Now,
	}, nil
}

type TrackInput struct {
	TenantID string
	Customer string
	At       time.Time
}

type TrackOutput struct {
	Session domain.SessionInfo
	// Usage is set when the message opened a session and was counted.
	Usage *domain.MonthlyUsage
}

// TrackMessage records one inbound customer message and counts a
// conversation when it opens a new session.
func (s *MessagingService) TrackMessage(ctx context.Context, in TrackInput) (TrackOutput, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" {
		return TrackOutput{}, newError(ErrorInvalidInput, "missing_tenant", nil)
	}
	customer, err := domain.NormalizePhone(in.Customer)
	if err != nil {
		return TrackOutput{}, newError(ErrorInvalidInput, "invalid_customer", err)
	}
	at := in.At
	if at.IsZero() {
		at = s.now()
	}

	info, err := s.sessions.Detect(ctx, tenantID, customer, at)
	if err != nil {
		return TrackOutput{}, newError(ErrorInternal, "session_detect_error", err)
	}
	out := TrackOutput{Session: info}
	if !info.IsNew {
		return out, nil
	}

	p := domain.PeriodOf(info.Start)
	usage, err := s.ledger.IncrementUsage(ctx, tenantID, p.Month, p.Year, info.Start)
	if err != nil {
		// The session row exists; the conversation stays uncounted.
		s.log.ErrorContext(ctx, "usage increment failed after new session",
			slog.String("tenant_id", tenantID),
			slog.String("session_id", info.SessionID),
			slog.String("err", err.Error()))
		return out, nil
	}
	out.Usage = &usage
	return out, nil
}

type CheckQuotaInput struct {
	TenantID string
	// Plan overrides the tenant's configured plan when set.
	Plan string
	At   time.Time
}

// CheckQuota reports the tenant's quota position for the month containing At.
func (s *MessagingService) CheckQuota(ctx context.Context, in CheckQuotaInput) (quota.Status, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" {
		return quota.Status{}, newError(ErrorInvalidInput, "missing_tenant", nil)
	}
	at := in.At
	if at.IsZero() {
		at = s.now()
	}
	plan := strings.TrimSpace(in.Plan)
	if plan == "" {
		t, err := s.tenants.GetTenant(ctx, tenantID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// Unknown tenants are evaluated against the default plan.
		case err != nil:
			s.log.WarnContext(ctx, "tenant lookup failed, using default plan",
				slog.String("tenant_id", tenantID),
				slog.String("err", err.Error()))
		default:
			plan = t.Plan
		}
	}

	st, err := s.ledger.EffectiveQuota(ctx, tenantID, plan, domain.PeriodOf(at))
	if err != nil {
		return quota.Status{}, newError(ErrorInvalidInput, "invalid_quota_request", err)
	}
	return st, nil
}

type AdjustmentInput struct {
	TenantID string
	Month    time.Month
	Year     int
	Amount   int64
	Reason   domain.AdjustmentReason
	At       time.Time
}

// AddAdjustment appends a manual change to a tenant's limit for one month.
func (s *MessagingService) AddAdjustment(ctx context.Context, in AdjustmentInput) (domain.Adjustment, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" {
		return domain.Adjustment{}, newError(ErrorInvalidInput, "missing_tenant", nil)
	}
	p := domain.Period{Month: in.Month, Year: in.Year}
	if !p.Valid() {
		return domain.Adjustment{}, newError(ErrorInvalidInput, "invalid_period", nil)
	}
	if in.Amount == 0 {
		return domain.Adjustment{}, newError(ErrorInvalidInput, "zero_amount", nil)
	}
	if !in.Reason.Valid() {
		return domain.Adjustment{}, newError(ErrorInvalidInput, "invalid_reason", nil)
	}
	at := in.At
	if at.IsZero() {
		at = s.now()
	}

	a, err := s.ledger.AddAdjustment(ctx, tenantID, p, in.Amount, in.Reason, at)
	if err != nil {
		if errors.Is(err, repository.ErrTableNotFound) {
			return domain.Adjustment{}, newError(ErrorInternal, "adjustments_table_missing", err)
		}
		return domain.Adjustment{}, newError(ErrorInternal, "adjustment_write_error", err)
	}
	return a, nil
}

type NotificationInput struct {
	TenantID string
	// From is the sender phone number id; defaults to the tenant's.
	From          string
	To            string
	Body          string
	Template      string
	Variables     []string
	Language      string
	ForceFreeform bool
	// EnforceQuota denies the send when the tenant's quota is exhausted.
	EnforceQuota bool
}

// SendNotification sends one outbound message through the delivery engine.
// On a delivery failure the result still identifies the failed record.
func (s *MessagingService) SendNotification(ctx context.Context, in NotificationInput) (delivery.Result, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	from := strings.TrimSpace(in.From)

	var tenant domain.Tenant
	if tenantID != "" {
		t, err := s.lookupTenant(ctx, tenantID)
		if err != nil {
			return delivery.Result{}, err
		}
		tenant = t
		if from == "" {
			from = t.PhoneNumberID
		}
	}
	if from == "" {
		return delivery.Result{}, newError(ErrorInvalidInput, "missing_sender", nil)
	}

	if in.EnforceQuota && tenantID != "" {
		st, err := s.ledger.EffectiveQuota(ctx, tenantID, tenant.Plan, domain.PeriodOf(s.now()))
		if err == nil && st.Exceeded {
			return delivery.Result{}, newError(ErrorQuotaExceeded, "monthly_quota_exceeded", nil)
		}
	}

	lang := in.Language
	if lang == "" {
		lang = tenant.Language
	}
	return s.send(ctx, delivery.Request{
		TenantID:      tenantID,
		From:          from,
		To:            in.To,
		Body:          in.Body,
		Template:      in.Template,
		Variables:     in.Variables,
		Language:      lang,
		ForceFreeform: in.ForceFreeform,
	})
}

type OrderNotificationInput struct {
	TenantID  string
	Body      string
	Template  string
	Variables []string
}

// NotifyRestaurantOrder sends an order alert to the restaurant's own
// notification phone.
func (s *MessagingService) NotifyRestaurantOrder(ctx context.Context, in OrderNotificationInput) (delivery.Result, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" {
		return delivery.Result{}, newError(ErrorInvalidInput, "missing_tenant", nil)
	}
	t, err := s.lookupTenant(ctx, tenantID)
	if err != nil {
		return delivery.Result{}, err
	}
	if strings.TrimSpace(t.NotifyPhone) == "" {
		return delivery.Result{}, newError(ErrorInvalidInput, "tenant_notify_phone_missing", nil)
	}
	if strings.TrimSpace(t.PhoneNumberID) == "" {
		return delivery.Result{}, newError(ErrorInvalidInput, "tenant_sender_missing", nil)
	}
	return s.send(ctx, delivery.Request{
		TenantID:  t.ID,
		From:      t.PhoneNumberID,
		To:        t.NotifyPhone,
		Body:      in.Body,
		Template:  in.Template,
		Variables: in.Variables,
		Language:  t.Language,
	})
}

func (s *MessagingService) send(ctx context.Context, req delivery.Request) (delivery.Result, error) {
	res, err := s.delivery.Send(ctx, req)
	if err == nil {
		return res, nil
	}
	switch {
	case errors.Is(err, delivery.ErrInvalidRecipient):
		return res, newError(ErrorInvalidInput, "invalid_recipient", err)
	case errors.Is(err, delivery.ErrEmptyBody):
		return res, newError(ErrorInvalidInput, "empty_body", err)
	case errors.Is(err, delivery.ErrMissingSender):
		return res, newError(ErrorInvalidInput, "missing_sender", err)
	case res.ID == "":
		return res, newError(ErrorInternal, "delivery_record_error", err)
	default:
		return res, upstreamError("provider_send_error", err)
	}
}

func (s *MessagingService) lookupTenant(ctx context.Context, tenantID string) (domain.Tenant, error) {
	t, err := s.tenants.GetTenant(ctx, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Tenant{}, newError(ErrorNotFound, "tenant_not_found", err)
	}
	if err != nil {
		return domain.Tenant{}, newError(ErrorInternal, "tenant_lookup_error", err)
	}
	return t, nil
}

// InboundOutcome summarizes the handling of one inbound customer message.
type InboundOutcome struct {
	MessageID         string
	TenantID          string
	Duplicate         bool
	Session           domain.SessionInfo
	Usage             *domain.MonthlyUsage
	Quota             *quota.Status
	DeferredDelivered bool
	Deferred          *delivery.Result
}

// HandleInbound processes one customer message exactly once per provider
// message id: dedupe, admission, session tracking, quota evaluation and
// release of any message deferred for the customer.
func (s *MessagingService) HandleInbound(ctx context.Context, msg domain.InboundMessage) (InboundOutcome, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return InboundOutcome{}, newError(ErrorInvalidInput, "missing_message_id", nil)
	}
	customer, err := domain.NormalizePhone(msg.From)
	if err != nil {
		return InboundOutcome{}, newError(ErrorInvalidInput, "invalid_customer", err)
	}

	tenant, err := s.resolveInboundTenant(ctx, msg)
	if err != nil {
		return InboundOutcome{}, err
	}
	out := InboundOutcome{MessageID: msg.ID, TenantID: tenant.ID}

	key := "wa:" + msg.ID
	if s.guard.IsProcessed(ctx, key) || !s.guard.TryAcquireIdempotencyLock(ctx, key) {
		out.Duplicate = true
		return out, nil
	}

	at := msg.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}
	tracked, err := s.admitAndTrack(ctx, tenant, customer, at)
	if err != nil {
		// Nothing was recorded; let the provider's redelivery retry it.
		s.guard.ReleaseIdempotencyLock(context.WithoutCancel(ctx), key)
		return out, err
	}
	out.Session = tracked.Session
	out.Usage = tracked.Usage

	st, err := s.ledger.EffectiveQuota(ctx, tenant.ID, tenant.Plan, domain.PeriodOf(at))
	if err == nil {
		out.Quota = &st
		if st.Exceeded {
			s.log.WarnContext(ctx, "tenant over monthly conversation quota",
				slog.String("tenant_id", tenant.ID),
				slog.Int64("used", st.Used),
				slog.Int64("effective_limit", st.EffectiveLimit))
		}
	}

	res, released, err := s.delivery.DeliverDeferred(ctx, tenant.ID, tenant.PhoneNumberID, customer)
	if err != nil {
		s.log.WarnContext(ctx, "deferred message release failed",
			slog.String("tenant_id", tenant.ID),
			slog.String("err", err.Error()))
	}
	if released {
		out.DeferredDelivered = err == nil
		out.Deferred = &res
	}

	if err := s.guard.MarkProcessed(ctx, key); err != nil {
		s.log.WarnContext(ctx, "inbound message not marked processed",
			slog.String("message_id", msg.ID),
			slog.String("err", err.Error()))
	}
	return out, nil
}

func (s *MessagingService) admitAndTrack(ctx context.Context, tenant domain.Tenant, customer string, at time.Time) (TrackOutput, error) {
	if d := s.guard.Admit(ctx, tenant.ID, customer); !d.Allowed {
		return TrackOutput{}, newError(ErrorRateLimited, "inbound_rate_limited", nil)
	}
	return s.TrackMessage(ctx, TrackInput{TenantID: tenant.ID, Customer: customer, At: at})
}

func (s *MessagingService) resolveInboundTenant(ctx context.Context, msg domain.InboundMessage) (domain.Tenant, error) {
	if id := strings.TrimSpace(msg.TenantID); id != "" {
		return s.lookupTenant(ctx, id)
	}
	if strings.TrimSpace(msg.PhoneNumberID) == "" {
		return domain.Tenant{}, newError(ErrorInvalidInput, "missing_tenant", nil)
	}
	t, err := s.tenants.TenantByPhoneNumberID(ctx, msg.PhoneNumberID)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Tenant{}, newError(ErrorNotFound, "tenant_not_found", err)
	}
	if err != nil {
		return domain.Tenant{}, newError(ErrorInternal, "tenant_lookup_error", err)
	}
	return t, nil
}

// HandleWebhook processes every customer message in a provider webhook body.
// Messages are handled independently; the first error is returned after all
// of them were attempted.
func (s *MessagingService) HandleWebhook(ctx context.Context, body []byte) ([]InboundOutcome, error) {
	msgs, err := whatsapp.ParseWebhook(body, s.now())
	if err != nil {
		return nil, newError(ErrorInvalidInput, "invalid_webhook_payload", err)
	}
	outcomes := make([]InboundOutcome, 0, len(msgs))
	var firstErr error
	for _, m := range msgs {
		o, err := s.HandleInbound(ctx, m)
		if err != nil {
			s.log.WarnContext(ctx, "inbound message not handled",
				slog.String("message_id", m.ID),
				slog.String("err", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, firstErr
}
