package domain

import "time"

// InboundKind classifies a customer message received from the provider.
type InboundKind string

const (
	InboundText   InboundKind = "text"
	InboundButton InboundKind = "button"
	InboundOther  InboundKind = "other"
)

// InboundMessage is the provider-agnostic customer message shape consumed by
// the engine.
type InboundMessage struct {
	ID            string
	TenantID      string
	PhoneNumberID string
	From          string
	Kind          InboundKind
	Body          string
	ReceivedAt    time.Time
}
