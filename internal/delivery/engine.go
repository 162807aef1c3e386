// Package delivery decides the channel for each outbound message, sends it,
// and keeps the delivery record and the deferred message cache consistent
// with what the provider accepted.
//
// A message goes out free-form while the customer's 24h window is open and
// as a template otherwise. A free-form send the provider rejects as
// session-expired falls back to the template path once. When the body cannot
// be embedded in a template, the generic call-to-action template is sent and
// the body is cached until the customer taps through.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tablechat/internal/domain"
	"tablechat/internal/integrations/whatsapp"
	"tablechat/internal/metrics"
	"tablechat/internal/repository"
)

const (
	DefaultDeferredTTL  = 48 * time.Hour
	DefaultStoreTimeout = 800 * time.Millisecond

	tracerName = "tablechat/delivery"
)

var (
	ErrInvalidRecipient = errors.New("delivery: invalid recipient")
	ErrEmptyBody        = errors.New("delivery: body must not be empty")
	ErrMissingSender    = errors.New("delivery: sender is required")
)

// Provider transmits messages. *whatsapp.Client satisfies it.
type Provider interface {
	SendText(ctx context.Context, from, to, body string) (string, error)
	SendTemplate(ctx context.Context, from, to string, msg whatsapp.TemplateMessage) (string, error)
}

// Catalog lists the approved templates. *whatsapp.Client satisfies it.
type Catalog interface {
	Templates(ctx context.Context) ([]whatsapp.Template, error)
}

// Activity reports the customer's last inbound message. *session.Tracker
// satisfies it.
type Activity interface {
	LastInbound(ctx context.Context, tenantID, customer string) (time.Time, bool, error)
}

// Store persists delivery records and deferred messages. *repository.Client
// satisfies it.
type Store interface {
	CreateDelivery(ctx context.Context, rec domain.DeliveryRecord) error
	UpdateDelivery(ctx context.Context, rec domain.DeliveryRecord) error
	PutDeferred(ctx context.Context, m domain.DeferredMessage) error
	PendingDeferred(ctx context.Context, recipient string, now time.Time) ([]domain.DeferredMessage, error)
	MarkDeferredDelivered(ctx context.Context, m domain.DeferredMessage, now time.Time) error
	CoalesceDeferred(ctx context.Context, m domain.DeferredMessage, rec domain.DeliveryRecord, now time.Time) error
}

type Config struct {
	GenericTemplate string
	Language        string
	DeferredTTL     time.Duration
	StoreTimeout    time.Duration
}

// Request is one outbound message.
type Request struct {
	TenantID string
	// From is the provider sender id (phone number id).
	From string
	To   string
	Body string
	// Template optionally names the template to embed Body in. With
	// Variables set it is sent as given.
	Template      string
	Variables     []string
	Language      string
	ForceFreeform bool
	At            time.Time
}

// Result is the terminal state of one Send.
type Result struct {
	ID                string                `json:"id"`
	Channel           domain.Channel        `json:"channel"`
	Status            domain.DeliveryStatus `json:"status"`
	ProviderMessageID string                `json:"providerMessageId,omitempty"`
	Template          string                `json:"template,omitempty"`
	Deferred          bool                  `json:"deferred,omitempty"`
	Coalesced         bool                  `json:"coalesced,omitempty"`
	FellBack          bool                  `json:"fellBack,omitempty"`
}

type Engine struct {
	store    Store
	provider Provider
	catalog  Catalog
	activity Activity
	cfg      Config
	log      *slog.Logger
	metrics  metrics.Collector
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

func NewEngine(store Store, provider Provider, catalog Catalog, activity Activity, cfg Config, log *slog.Logger, m metrics.Collector) (*Engine, error) {
	if store == nil {
		return nil, errors.New("delivery: store must not be nil")
	}
	if provider == nil {
		return nil, errors.New("delivery: provider must not be nil")
	}
	if activity == nil {
		return nil, errors.New("delivery: activity source must not be nil")
	}
	cfg.GenericTemplate = strings.TrimSpace(cfg.GenericTemplate)
	if cfg.GenericTemplate == "" {
		return nil, errors.New("delivery: generic template must not be empty")
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.DeferredTTL <= 0 {
		cfg.DeferredTTL = DefaultDeferredTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:    store,
		provider: provider,
		catalog:  catalog,
		activity: activity,
		cfg:      cfg,
		log:      log,
		metrics:  metrics.OrNop(m),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// decision is the channel choice and the evidence behind it.
type decision struct {
	channel     domain.Channel
	lastInbound time.Time
	found       bool
	windowOpen  bool
	forced      bool
}

func (d decision) meta(at time.Time) *domain.PendingMeta {
	m := &domain.PendingMeta{
		Channel:    d.channel,
		WindowOpen: d.windowOpen,
		Forced:     d.forced,
		DecidedAt:  at,
	}
	if d.found {
		last := d.lastInbound
		m.LastInboundAt = &last
	}
	return m
}

// Send delivers one message and returns its terminal state. Invalid input is
// rejected before any store or provider call.
func (e *Engine) Send(ctx context.Context, req Request) (Result, error) {
	to, err := domain.NormalizePhone(req.To)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, req.To)
	}
	if strings.TrimSpace(req.Body) == "" {
		return Result{}, ErrEmptyBody
	}
	if strings.TrimSpace(req.From) == "" {
		return Result{}, ErrMissingSender
	}
	req.To = to
	if req.At.IsZero() {
		req.At = e.now()
	}

	ctx, span := e.tracer.Start(ctx, "delivery.Send", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.Bool("forced_freeform", req.ForceFreeform),
	))
	defer span.End()

	d := e.decide(ctx, req)
	rec := domain.DeliveryRecord{
		ID:        e.newID(),
		TenantID:  req.TenantID,
		To:        req.To,
		From:      req.From,
		Body:      req.Body,
		Channel:   d.channel,
		Status:    domain.DeliveryPending,
		Meta:      domain.DeliveryMeta{Version: domain.DeliveryMetaVersion, Pending: d.meta(req.At)},
		CreatedAt: req.At,
		UpdatedAt: req.At,
	}
	span.SetAttributes(attribute.String("delivery_id", rec.ID), attribute.String("channel", string(d.channel)))

	var res Result
	if d.channel == domain.ChannelFreeform {
		if err := e.create(ctx, rec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "record not created")
			return Result{}, err
		}
		res, err = e.sendFreeform(ctx, &rec, req, d)
	} else {
		res, err = e.sendTemplate(ctx, &rec, req, d, false)
	}

	span.SetAttributes(
		attribute.String("final_channel", string(res.Channel)),
		attribute.String("status", string(res.Status)),
		attribute.Bool("deferred", res.Deferred),
		attribute.Bool("coalesced", res.Coalesced),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	}
	return res, err
}

func (e *Engine) decide(ctx context.Context, req Request) decision {
	if req.ForceFreeform {
		return decision{channel: domain.ChannelFreeform, forced: true}
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	last, found, err := e.activity.LastInbound(sctx, req.TenantID, req.To)
	if err != nil {
		// Without evidence of an open window only a template is safe.
		e.metrics.FailOpen(ctx, "last_inbound")
		e.log.WarnContext(ctx, "last inbound lookup failed, using template channel",
			slog.String("tenant_id", req.TenantID),
			slog.String("err", err.Error()))
		return decision{channel: domain.ChannelTemplate}
	}

	d := decision{channel: domain.ChannelTemplate, lastInbound: last, found: found}
	if found && req.At.Sub(last) <= domain.SessionWindow {
		d.windowOpen = true
		d.channel = domain.ChannelFreeform
	}
	return d
}

func (e *Engine) sendFreeform(ctx context.Context, rec *domain.DeliveryRecord, req Request, d decision) (Result, error) {
	msgID, err := e.provider.SendText(ctx, rec.From, rec.To, rec.Body)
	if err == nil {
		return e.finishSent(ctx, rec, domain.SentMeta{ProviderMessageID: msgID}), nil
	}
	if !whatsapp.IsSessionExpired(err) {
		return e.finishFailed(ctx, rec, err)
	}

	var apiErr *whatsapp.APIError
	_ = errors.As(err, &apiErr)
	now := e.now()
	rec.Channel = domain.ChannelTemplate
	rec.UpdatedAt = now
	rec.Meta.Fallback = &domain.FallbackMeta{
		From:         domain.ChannelFreeform,
		To:           domain.ChannelTemplate,
		Reason:       domain.FallbackReasonSessionExpired,
		ProviderCode: apiErr.Code,
		At:           now,
	}
	if uerr := e.update(ctx, *rec); uerr != nil {
		e.log.WarnContext(ctx, "fallback not recorded",
			slog.String("delivery_id", rec.ID),
			slog.String("err", uerr.Error()))
	}
	e.metrics.FallbackTriggered(ctx, domain.FallbackReasonSessionExpired)
	e.log.InfoContext(ctx, "free-form rejected outside session window, falling back to template",
		slog.String("delivery_id", rec.ID),
		slog.String("tenant_id", rec.TenantID))

	// The window is known to be closed now, whatever the lookup said.
	d.found = false
	res, err := e.sendTemplate(ctx, rec, req, d, true)
	res.FellBack = true
	return res, err
}

// sendTemplate runs the template path. recorded is true when the pending
// record already exists.
func (e *Engine) sendTemplate(ctx context.Context, rec *domain.DeliveryRecord, req Request, d decision, recorded bool) (Result, error) {
	if res, ok := e.coalesce(ctx, rec, req, d); ok {
		return res, nil
	}
	if !recorded {
		if err := e.create(ctx, *rec); err != nil {
			return Result{}, err
		}
	}

	var catalog []whatsapp.Template
	if e.catalog != nil {
		tpls, err := e.catalog.Templates(ctx)
		if err != nil {
			e.log.WarnContext(ctx, "template catalog unavailable, using generic template",
				slog.String("err", err.Error()))
		}
		catalog = tpls
	}
	plan := e.planTemplate(catalog, req)
	rec.TemplateID = plan.msg.Name

	if !plan.generic {
		msgID, err := e.provider.SendTemplate(ctx, rec.From, rec.To, plan.msg)
		if err != nil {
			return e.finishFailed(ctx, rec, err)
		}
		return e.finishSent(ctx, rec, domain.SentMeta{ProviderMessageID: msgID, Template: plan.msg.Name}), nil
	}

	// The cache entry is written first so a tap on the template always finds it.
	m := domain.DeferredMessage{
		ID:             e.newID(),
		Recipient:      rec.To,
		TenantID:       rec.TenantID,
		From:           rec.From,
		Body:           rec.Body,
		DeliveryID:     rec.ID,
		TemplateSentAt: req.At,
		ExpiresAt:      req.At.Add(e.cfg.DeferredTTL),
		CreatedAt:      req.At,
		UpdatedAt:      req.At,
	}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	err := e.store.PutDeferred(sctx, m)
	cancel()
	if err != nil {
		return e.finishFailed(ctx, rec, fmt.Errorf("cache deferred body: %w", err))
	}

	msgID, err := e.provider.SendTemplate(ctx, rec.From, rec.To, plan.msg)
	if err != nil {
		e.discardDeferred(ctx, m)
		return e.finishFailed(ctx, rec, err)
	}
	e.metrics.DeferredCached(ctx, false)
	res := e.finishSent(ctx, rec, domain.SentMeta{ProviderMessageID: msgID, Template: plan.msg.Name, DeferredID: m.ID})
	res.Deferred = true
	return res, nil
}

// coalesce folds req into a deferred entry whose generic template was sent
// less than a session window ago and that the customer has not answered.
// Entries consumed concurrently are skipped. It reports false when no entry
// could absorb the message.
func (e *Engine) coalesce(ctx context.Context, rec *domain.DeliveryRecord, req Request, d decision) (Result, bool) {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	entries, err := e.store.PendingDeferred(sctx, rec.To, req.At)
	if err != nil {
		e.log.WarnContext(ctx, "deferred lookup failed, sending a new template",
			slog.String("delivery_id", rec.ID),
			slog.String("err", err.Error()))
		return Result{}, false
	}

	for _, m := range entries {
		if m.TenantID != rec.TenantID || !m.Pending(req.At) {
			continue
		}
		if req.At.Sub(m.TemplateSentAt) >= domain.SessionWindow {
			continue
		}
		if d.found && d.lastInbound.After(m.TemplateSentAt) {
			continue
		}

		m.Body = rec.Body
		m.DeliveryID = rec.ID
		m.ExpiresAt = req.At.Add(e.cfg.DeferredTTL)
		m.UpdatedAt = req.At

		final := *rec
		final.Channel = domain.ChannelTemplate
		final.TemplateID = e.cfg.GenericTemplate
		final.Status = domain.DeliverySent
		final.UpdatedAt = e.now()
		final.Meta.Sent = &domain.SentMeta{
			Template:   e.cfg.GenericTemplate,
			DeferredID: m.ID,
			Coalesced:  true,
			At:         final.UpdatedAt,
		}

		err := e.store.CoalesceDeferred(sctx, m, final, req.At)
		if errors.Is(err, repository.ErrConditionFailed) {
			e.log.DebugContext(ctx, "deferred entry consumed concurrently, trying the next one",
				slog.String("deferred_id", m.ID))
			continue
		}
		if err != nil {
			e.log.WarnContext(ctx, "coalesce failed, sending a new template",
				slog.String("deferred_id", m.ID),
				slog.String("err", err.Error()))
			return Result{}, false
		}

		*rec = final
		e.metrics.DeferredCached(ctx, true)
		e.metrics.DeliveryFinished(ctx, string(final.Channel), string(final.Status))
		return Result{
			ID:        final.ID,
			Channel:   final.Channel,
			Status:    final.Status,
			Template:  final.TemplateID,
			Deferred:  true,
			Coalesced: true,
		}, true
	}
	return Result{}, false
}

func (e *Engine) create(ctx context.Context, rec domain.DeliveryRecord) error {
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.store.CreateDelivery(sctx, rec); err != nil {
		return fmt.Errorf("delivery: create record %s: %w", rec.ID, err)
	}
	return nil
}

// update writes rec even if the caller has gone away, so no record is left
// pending after the provider answered.
func (e *Engine) update(ctx context.Context, rec domain.DeliveryRecord) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
	defer cancel()
	return e.store.UpdateDelivery(sctx, rec)
}

func (e *Engine) finishSent(ctx context.Context, rec *domain.DeliveryRecord, sent domain.SentMeta) Result {
	now := e.now()
	sent.At = now
	rec.Status = domain.DeliverySent
	rec.UpdatedAt = now
	rec.Meta.Sent = &sent
	if err := e.update(ctx, *rec); err != nil {
		e.log.ErrorContext(ctx, "sent delivery not recorded",
			slog.String("delivery_id", rec.ID),
			slog.String("err", err.Error()))
	}
	e.metrics.DeliveryFinished(ctx, string(rec.Channel), string(rec.Status))
	return Result{
		ID:                rec.ID,
		Channel:           rec.Channel,
		Status:            rec.Status,
		ProviderMessageID: sent.ProviderMessageID,
		Template:          sent.Template,
	}
}

func (e *Engine) finishFailed(ctx context.Context, rec *domain.DeliveryRecord, cause error) (Result, error) {
	now := e.now()
	failed := domain.FailedMeta{Error: cause.Error(), At: now}
	var apiErr *whatsapp.APIError
	if errors.As(cause, &apiErr) {
		failed.ProviderCode = apiErr.Code
	}
	rec.Status = domain.DeliveryFailed
	rec.Error = cause.Error()
	rec.UpdatedAt = now
	rec.Meta.Failed = &failed
	if err := e.update(ctx, *rec); err != nil {
		e.log.ErrorContext(ctx, "failed delivery not recorded",
			slog.String("delivery_id", rec.ID),
			slog.String("err", err.Error()))
	}
	e.metrics.DeliveryFinished(ctx, string(rec.Channel), string(rec.Status))
	res := Result{ID: rec.ID, Channel: rec.Channel, Status: rec.Status, Template: rec.TemplateID}
	return res, fmt.Errorf("delivery: %s via %s: %w", rec.ID, rec.Channel, cause)
}

// discardDeferred retires a cache entry whose template never went out.
func (e *Engine) discardDeferred(ctx context.Context, m domain.DeferredMessage) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
	defer cancel()
	if err := e.store.MarkDeferredDelivered(sctx, m, e.now()); err != nil && !errors.Is(err, repository.ErrConditionFailed) {
		e.log.WarnContext(ctx, "orphaned deferred entry left in cache",
			slog.String("deferred_id", m.ID),
			slog.String("err", err.Error()))
	}
}
