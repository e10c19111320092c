package domain

import (
	"encoding/json"
	"time"
)

// Item is a single content unit fetched for a tracked entity.
type Item struct {
	ID         int64           `json:"id"`
	EntityKey  string          `json:"entity_key"`
	EntityName string          `json:"entity_name"`
	AccountID  string          `json:"account_id"`
	URL        string          `json:"url,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	FetchedAt  time.Time       `json:"fetched_at"`
}

// TrackedEntity is one polled subject. Key is the resolved stable identifier,
// Name is the configured handle used for resolution.
type TrackedEntity struct {
	Key         string `json:"key" db:"entity_key"`
	Name        string `json:"name" db:"name"`
	DisplayName string `json:"display_name" db:"display_name"`
}
