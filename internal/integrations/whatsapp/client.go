package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tablechat/internal/integrations/paramstore"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v21.0"

	// CodeReengagementRequired is returned for free-form sends outside the
	// customer service window.
	CodeReengagementRequired = 131047

	tokenParam     = "whatsapp-token"
	templatesParam = "templates"
)

// tokenPayload is the expected JSON shape stored in SSM for the access token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// APIError is a non-2xx response from the Cloud API.
type APIError struct {
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Message    string
	TraceID    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// SessionExpired reports whether the send was rejected because the customer
// service window is closed.
func (e *APIError) SessionExpired() bool {
	return e != nil && e.Code == CodeReengagementRequired
}

// IsSessionExpired reports whether err carries a session-expired APIError.
func IsSessionExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.SessionExpired()
}

type errorEnvelope struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		Subcode   int    `json:"error_subcode"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type templateLanguage struct {
	Code string `json:"code"`
}

type templateParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string              `json:"type"`
	Parameters []templateParameter `json:"parameters"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   templateLanguage    `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type messageRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// TemplateMessage is a template send with positional body variables.
type TemplateMessage struct {
	Name      string
	Language  string
	Variables []string
}

// Client sends messages through the WhatsApp Cloud API.
type Client struct {
	baseURL     string
	apiVersion  string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithAPIVersion(v string) Option {
	return func(c *Client) {
		c.apiVersion = strings.Trim(strings.TrimSpace(v), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The access token is read from
// <paramPrefix>/whatsapp-token on every send; ps decides how long a value is
// reused, so a rotated token is picked up once its cache entry expires.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("whatsapp: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("whatsapp: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		apiVersion:  defaultAPIVersion,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	return fetchTokenFromParamStore(ctx, c.getter, paramstore.Name(c.paramPrefix, tokenParam))
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func messagesURL(baseURL, version, phoneNumberID string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if version == "" {
		version = defaultAPIVersion
	}
	return base + "/" + version + "/" + phoneNumberID + "/messages"
}

// SendText sends a free-form text message and returns the provider message id.
func (c *Client) SendText(ctx context.Context, from, to, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", errors.New("whatsapp: body must not be empty")
	}
	return c.send(ctx, from, messageRequest{
		To:   to,
		Type: "text",
		Text: &textBody{Body: body},
	})
}

// SendTemplate sends a pre-approved template and returns the provider message
// id. Variables fill the template body placeholders in order.
func (c *Client) SendTemplate(ctx context.Context, from, to string, msg TemplateMessage) (string, error) {
	if strings.TrimSpace(msg.Name) == "" {
		return "", errors.New("whatsapp: template name must not be empty")
	}
	lang := msg.Language
	if lang == "" {
		lang = "en"
	}
	tpl := &templateBody{Name: msg.Name, Language: templateLanguage{Code: lang}}
	if len(msg.Variables) > 0 {
		params := make([]templateParameter, 0, len(msg.Variables))
		for _, v := range msg.Variables {
			params = append(params, templateParameter{Type: "text", Text: v})
		}
		tpl.Components = []templateComponent{{Type: "body", Parameters: params}}
	}
	return c.send(ctx, from, messageRequest{
		To:       to,
		Type:     "template",
		Template: tpl,
	})
}

func (c *Client) send(ctx context.Context, from string, msg messageRequest) (string, error) {
	if strings.TrimSpace(from) == "" {
		return "", errors.New("whatsapp: sender phone number id must not be empty")
	}
	if strings.TrimSpace(msg.To) == "" {
		return "", errors.New("whatsapp: recipient must not be empty")
	}
	token, err := c.resolveToken(ctx)
	if err != nil {
		return "", err
	}

	msg.MessagingProduct = "whatsapp"
	msg.RecipientType = "individual"
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	url := messagesURL(c.baseURL, c.apiVersion, from)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	raw, err := c.doJSONRequest(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp: %s request failed: %w", msg.Type, err)
	}

	var payload messageResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("whatsapp: decode response: %w", err)
	}
	if len(payload.Messages) == 0 || payload.Messages[0].ID == "" {
		return "", errors.New("whatsapp: no message id in response")
	}
	return payload.Messages[0].ID, nil
}

func (c *Client) doJSONRequest(req *http.Request) ([]byte, error) {
	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		apiErr := &APIError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(buf))}
		var env errorEnvelope
		if json.Unmarshal(buf, &env) == nil && env.Error.Code != 0 {
			apiErr.Code = env.Error.Code
			apiErr.Subcode = env.Error.Subcode
			apiErr.Type = env.Error.Type
			apiErr.Message = env.Error.Message
			apiErr.TraceID = env.Error.FBTraceID
		}
		return nil, apiErr
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchTokenFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("whatsapp: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("whatsapp: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("whatsapp: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("whatsapp: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("whatsapp: access token is empty")
	}
	return tp.Token, nil
}
