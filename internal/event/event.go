package event

import "time"

// Event is the canonical input model for all incoming events.
// Events are immutable once written to the store.
type Event struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"` // "mail", "crm", "scheduler", etc.
	Type       string                 `json:"type"`   // "received", "updated", "tick", etc.
	OccurredAt time.Time              `json:"occurred_at"`
	ReceivedAt time.Time              `json:"-"`
	OwnerID    string                 `json:"owner_id"`
	Payload    map[string]interface{} `json:"payload"` // arbitrary event data
	DedupeKey  string                 `json:"dedupe_key"`
}
