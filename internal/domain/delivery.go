package domain

import "time"

// Channel is the outbound message kind chosen for a delivery.
type Channel string

const (
	ChannelUndetermined Channel = "undetermined"
	ChannelFreeform     Channel = "freeform"
	ChannelTemplate     Channel = "template"
)

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// FallbackReasonSessionExpired marks a free-form attempt rejected because the
// customer's session window had closed.
const FallbackReasonSessionExpired = "session_window_expired"

// DeliveryMetaVersion is bumped whenever a stage shape changes.
const DeliveryMetaVersion = 1

// DeliveryRecord is one outbound send attempt.
type DeliveryRecord struct {
	ID         string
	TenantID   string
	To         string
	From       string
	Body       string
	Channel    Channel
	TemplateID string
	Status     DeliveryStatus
	Error      string
	Meta       DeliveryMeta
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DeliveryMeta carries the evidence collected at each stage of a delivery.
// Stages are filled in order; absent stages are nil.
type DeliveryMeta struct {
	Version  int           `json:"v"`
	Pending  *PendingMeta  `json:"pending,omitempty"`
	Fallback *FallbackMeta `json:"fallback,omitempty"`
	Sent     *SentMeta     `json:"sent,omitempty"`
	Failed   *FailedMeta   `json:"failed,omitempty"`
}

// PendingMeta records why a channel was chosen.
type PendingMeta struct {
	Channel       Channel    `json:"channel"`
	LastInboundAt *time.Time `json:"lastInboundAt,omitempty"`
	WindowOpen    bool       `json:"windowOpen"`
	Forced        bool       `json:"forced,omitempty"`
	DecidedAt     time.Time  `json:"decidedAt"`
}

// FallbackMeta records a free-form attempt that was rerouted to a template.
type FallbackMeta struct {
	From         Channel   `json:"from"`
	To           Channel   `json:"to"`
	Reason       string    `json:"reason"`
	ProviderCode int       `json:"providerCode,omitempty"`
	At           time.Time `json:"at"`
}

// SentMeta records the provider acceptance of a delivery.
type SentMeta struct {
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Template          string    `json:"template,omitempty"`
	DeferredID        string    `json:"deferredId,omitempty"`
	Coalesced         bool      `json:"coalesced,omitempty"`
	At                time.Time `json:"at"`
}

// FailedMeta records a terminal delivery failure.
type FailedMeta struct {
	Error        string    `json:"error"`
	ProviderCode int       `json:"providerCode,omitempty"`
	At           time.Time `json:"at"`
}
