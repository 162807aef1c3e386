package domain

import (
	"fmt"
	"time"
)

// SessionWindow is the length of a conversation session measured from the
// customer's last inbound message.
const SessionWindow = 24 * time.Hour

// Session is one (tenant, customer) conversation window.
type Session struct {
	TenantID       string
	Customer       string
	Seq            int64
	Start          time.Time
	End            time.Time
	LastActivityAt time.Time
	MessageCount   int64
}

// ID returns a stable identifier for the session row.
func (s Session) ID() string {
	return SessionID(s.TenantID, s.Customer, s.Seq)
}

// ActiveAt reports whether the session still covers t. The window is closed
// at End, so a message arriving exactly at End opens a new session.
func (s Session) ActiveAt(t time.Time) bool {
	return t.Before(s.End)
}

// SessionInfo is the outcome of session detection for one message.
type SessionInfo struct {
	IsNew        bool      `json:"isNew"`
	SessionID    string    `json:"sessionId"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	MessageCount int64     `json:"messageCount"`
}

func SessionID(tenantID, customer string, seq int64) string {
	return fmt.Sprintf("%s:%s:%010d", tenantID, customer, seq)
}
