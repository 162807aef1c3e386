package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"tablechat/internal/domain"
)

// webhookPayload is the subset of the Cloud API webhook body the engine reads.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID      string `json:"phone_number_id"`
					DisplayPhoneNumber string `json:"display_phone_number"`
				} `json:"metadata"`
				Messages []webhookMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Button struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button"`
	Interactive struct {
		ButtonReply struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
	} `json:"interactive"`
}

// ParseWebhook extracts inbound customer messages from a webhook body.
// Status callbacks and other change kinds are ignored. received is used when a
// message carries no timestamp.
func ParseWebhook(body []byte, received time.Time) ([]domain.InboundMessage, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("whatsapp: decode webhook: %w", err)
	}

	var msgs []domain.InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "" && change.Field != "messages" {
				continue
			}
			for _, m := range change.Value.Messages {
				if m.ID == "" || m.From == "" {
					continue
				}
				msgs = append(msgs, toInbound(change.Value.Metadata.PhoneNumberID, m, received))
			}
		}
	}
	return msgs, nil
}

func toInbound(phoneNumberID string, m webhookMessage, received time.Time) domain.InboundMessage {
	in := domain.InboundMessage{
		ID:            m.ID,
		PhoneNumberID: phoneNumberID,
		From:          m.From,
		ReceivedAt:    received,
	}
	if sec, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && sec > 0 {
		in.ReceivedAt = time.Unix(sec, 0).UTC()
	}
	switch m.Type {
	case "text":
		in.Kind = domain.InboundText
		in.Body = m.Text.Body
	case "button":
		in.Kind = domain.InboundButton
		in.Body = m.Button.Text
	case "interactive":
		in.Kind = domain.InboundButton
		in.Body = m.Interactive.ButtonReply.Title
	default:
		in.Kind = domain.InboundOther
	}
	return in
}
