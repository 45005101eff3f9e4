package models

import "time"

// WebhookLog is one row of the append-only webhook audit trail. Every
// delivery that passes signature verification gets exactly one row, even
// when the body is unparseable or the event type is unknown.
type WebhookLog struct {
	ID        int64     `json:"id" db:"id"`
	EventType string    `json:"event_type" db:"event_type"`
	Payload   string    `json:"payload" db:"payload"`
	Signature string    `json:"signature" db:"signature"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type WebhookResponse struct {
	Status    string `json:"status"`
	EventType string `json:"event_type"`
}
