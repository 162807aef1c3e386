package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"tablechat/internal/delivery"
	"tablechat/internal/domain"
	"tablechat/internal/quota"
	"tablechat/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type MessagingUseCase interface {
	HandleWebhook(ctx context.Context, body []byte) ([]usecase.InboundOutcome, error)
	TrackMessage(ctx context.Context, in usecase.TrackInput) (usecase.TrackOutput, error)
	CheckQuota(ctx context.Context, in usecase.CheckQuotaInput) (quota.Status, error)
	AddAdjustment(ctx context.Context, in usecase.AdjustmentInput) (domain.Adjustment, error)
	SendNotification(ctx context.Context, in usecase.NotificationInput) (delivery.Result, error)
	NotifyRestaurantOrder(ctx context.Context, in usecase.OrderNotificationInput) (delivery.Result, error)
}

type Handler struct {
	uc  MessagingUseCase
	log *slog.Logger
}

func NewHandler(uc MessagingUseCase, log *slog.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: usecase must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{uc: uc, log: log}, nil
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId"`
}

type webhookResponse struct {
	Received int               `json:"received"`
	Handled  []inboundResponse `json:"handled"`
}

type inboundResponse struct {
	MessageID         string              `json:"messageId"`
	TenantID          string              `json:"tenantId"`
	Duplicate         bool                `json:"duplicate,omitempty"`
	Session           *domain.SessionInfo `json:"session,omitempty"`
	Counted           bool                `json:"counted,omitempty"`
	Quota             *quota.Status       `json:"quota,omitempty"`
	DeferredDelivered bool                `json:"deferredDelivered,omitempty"`
	Deferred          *delivery.Result    `json:"deferred,omitempty"`
}

type trackRequest struct {
	Customer string    `json:"customer"`
	At       time.Time `json:"at"`
}

type trackResponse struct {
	Session           domain.SessionInfo `json:"session"`
	Counted           bool               `json:"counted"`
	ConversationCount int64              `json:"conversationCount,omitempty"`
}

type adjustmentRequest struct {
	Month  int    `json:"month"`
	Year   int    `json:"year"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type adjustmentResponse struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Period    string    `json:"period"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

type notificationRequest struct {
	TenantID      string   `json:"tenantId"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	Body          string   `json:"body"`
	Template      string   `json:"template"`
	Variables     []string `json:"variables"`
	Language      string   `json:"language"`
	ForceFreeform bool     `json:"forceFreeform"`
	EnforceQuota  bool     `json:"enforceQuota"`
}

type orderRequest struct {
	Body      string   `json:"body"`
	Template  string   `json:"template"`
	Variables []string `json:"variables"`
}

// Handle routes an API Gateway proxy event to the matching operation.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.log.With(slog.String("correlation_id", correlationID))

	method := strings.ToUpper(event.HTTPMethod)
	segments := splitPath(event.Path)

	switch {
	case method == http.MethodPost && matches(segments, "webhooks", "whatsapp"):
		return h.webhook(ctx, log, correlationID, event)
	case method == http.MethodPost && matches(segments, "notifications"):
		return h.notify(ctx, log, correlationID, event)
	case len(segments) == 3 && segments[0] == "tenants":
		tenantID := segments[1]
		switch {
		case method == http.MethodGet && segments[2] == "quota":
			return h.quota(ctx, log, correlationID, tenantID, event)
		case method == http.MethodPost && segments[2] == "adjustments":
			return h.adjust(ctx, log, correlationID, tenantID, event)
		case method == http.MethodPost && segments[2] == "messages":
			return h.track(ctx, log, correlationID, tenantID, event)
		}
	case len(segments) == 4 && segments[0] == "tenants" && segments[2] == "orders" && segments[3] == "notify":
		if method == http.MethodPost {
			return h.order(ctx, log, correlationID, segments[1], event)
		}
	}
	return errorJSON(http.StatusNotFound, string(usecase.ErrorNotFound), "route_not_found", correlationID), nil
}

func (h *Handler) webhook(ctx context.Context, log *slog.Logger, correlationID string, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	outcomes, err := h.uc.HandleWebhook(ctx, []byte(event.Body))
	if err != nil {
		var ucErr *usecase.Error
		if !errors.As(err, &ucErr) || ucErr.Reason == "invalid_webhook_payload" || retryable(ucErr.Code) {
			return h.fail(ctx, log, correlationID, err), nil
		}
		// Retrying cannot fix a bad message; acknowledge the batch.
		log.WarnContext(ctx, "webhook acknowledged with unhandled messages",
			slog.String("code", string(ucErr.Code)),
			slog.String("reason", ucErr.Reason))
	}

	resp := webhookResponse{Received: len(outcomes), Handled: make([]inboundResponse, 0, len(outcomes))}
	for _, o := range outcomes {
		r := inboundResponse{
			MessageID:         o.MessageID,
			TenantID:          o.TenantID,
			Duplicate:         o.Duplicate,
			Counted:           o.Usage != nil,
			Quota:             o.Quota,
			DeferredDelivered: o.DeferredDelivered,
			Deferred:          o.Deferred,
		}
		if !o.Duplicate {
			s := o.Session
			r.Session = &s
		}
		resp.Handled = append(resp.Handled, r)
	}
	return okJSON(http.StatusOK, resp, correlationID), nil
}

func (h *Handler) notify(ctx context.Context, log *slog.Logger, correlationID string, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var req notificationRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_json", correlationID), nil
	}
	res, err := h.uc.SendNotification(ctx, usecase.NotificationInput{
		TenantID:      req.TenantID,
		From:          req.From,
		To:            req.To,
		Body:          req.Body,
		Template:      req.Template,
		Variables:     req.Variables,
		Language:      req.Language,
		ForceFreeform: req.ForceFreeform,
		EnforceQuota:  req.EnforceQuota,
	})
	if err != nil {
		return h.fail(ctx, log, correlationID, err), nil
	}
	return okJSON(http.StatusAccepted, res, correlationID), nil
}

func (h *Handler) order(ctx context.Context, log *slog.Logger, correlationID, tenantID string, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var req orderRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_json", correlationID), nil
	}
	res, err := h.uc.NotifyRestaurantOrder(ctx, usecase.OrderNotificationInput{
		TenantID:  tenantID,
		Body:      req.Body,
		Template:  req.Template,
		Variables: req.Variables,
	})
	if err != nil {
		return h.fail(ctx, log, correlationID, err), nil
	}
	return okJSON(http.StatusAccepted, res, correlationID), nil
}

func (h *Handler) quota(ctx context.Context, log *slog.Logger, correlationID, tenantID string, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	in := usecase.CheckQuotaInput{TenantID: tenantID, Plan: event.QueryStringParameters["plan"]}
	if at := event.QueryStringParameters["at"]; at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_at", correlationID), nil
		}
		in.At = t
	}
	st, err := h.uc.CheckQuota(ctx, in)
	if err != nil {
		return h.fail(ctx, log, correlationID, err), nil
	}
	return okJSON(http.StatusOK, st, correlationID), nil
}

func (h *Handler) adjust(ctx context.Context, log *slog.Logger, correlationID, tenantID string, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var req adjustmentRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_json", correlationID), nil
	}
	a, err := h.uc.AddAdjustment(ctx, usecase.AdjustmentInput{
		TenantID: tenantID,
		Month:    time.Month(req.Month),
		Year:     req.Year,
		Amount:   req.Amount,
		Reason:   domain.AdjustmentReason(req.Reason),
	})
	if err != nil {
		return h.fail(ctx, log, correlationID, err), nil
	}
	return okJSON(http.StatusCreated, adjustmentResponse{
		ID:        a.ID,
		TenantID:  a.TenantID,
		Period:    a.Period.Key(),
		Amount:    a.Amount,
		Reason:    string(a.Reason),
		CreatedAt: a.CreatedAt,
	}, correlationID), nil
}

func (h *Handler) track(ctx context.Context, log *slog.Logger, correlationID, tenantID string, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var req trackRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return errorJSON(http.StatusBadRequest, string(usecase.ErrorInvalidInput), "invalid_json", correlationID), nil
	}
	out, err := h.uc.TrackMessage(ctx, usecase.TrackInput{TenantID: tenantID, Customer: req.Customer, At: req.At})
	if err != nil {
		return h.fail(ctx, log, correlationID, err), nil
	}
	resp := trackResponse{Session: out.Session, Counted: out.Usage != nil}
	if out.Usage != nil {
		resp.ConversationCount = out.Usage.ConversationCount
	}
	return okJSON(http.StatusOK, resp, correlationID), nil
}

func (h *Handler) fail(ctx context.Context, log *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		log.ErrorContext(ctx, "unexpected error", slog.String("err", err.Error()))
		return errorJSON(http.StatusInternalServerError, string(usecase.ErrorInternal), "", correlationID)
	}
	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		log.ErrorContext(ctx, "request failed",
			slog.String("code", string(ucErr.Code)),
			slog.String("reason", ucErr.Reason),
			slog.String("err", err.Error()))
	} else {
		log.InfoContext(ctx, "request rejected",
			slog.String("code", string(ucErr.Code)),
			slog.String("reason", ucErr.Reason))
	}
	return errorJSON(status, string(ucErr.Code), ucErr.Reason, correlationID)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited, usecase.ErrorQuotaExceeded:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func retryable(code usecase.ErrorCode) bool {
	switch code {
	case usecase.ErrorRateLimited, usecase.ErrorUpstream, usecase.ErrorInternal:
		return true
	default:
		return false
	}
}

func okJSON(status int, v any, correlationID string) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return errorJSON(http.StatusInternalServerError, string(usecase.ErrorInternal), "encode_error", correlationID)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(body),
	}
}

func errorJSON(status int, code, reason, correlationID string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: code, Reason: reason, CorrelationID: correlationID})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(body),
	}
}

func responseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":    "application/json",
		correlationHeader: correlationID,
	}
}

// headerValue looks a header up case-insensitively.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func splitPath(path string) []string {
	var out []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func matches(segments []string, want ...string) bool {
	if len(segments) != len(want) {
		return false
	}
	for i := range want {
		if segments[i] != want[i] {
			return false
		}
	}
	return true
}
