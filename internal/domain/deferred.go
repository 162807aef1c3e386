package domain

import "time"

// DeferredMessage holds a message body that could not be sent outside the
// session window. It is released as a free-form follow-up once the customer
// re-engages.
type DeferredMessage struct {
	ID             string
	Recipient      string
	TenantID       string
	From           string
	Body           string
	DeliveryID     string
	TemplateSentAt time.Time
	ExpiresAt      time.Time
	Delivered      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Pending reports whether the entry can still be consumed at t.
func (m DeferredMessage) Pending(t time.Time) bool {
	return !m.Delivered && t.Before(m.ExpiresAt)
}
