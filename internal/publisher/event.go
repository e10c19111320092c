package publisher

import (
	"time"

	"timeline_tracker/internal/domain"
)

const EventItemNew = "item.new"

// Event is the envelope every sink receives for a newly observed item.
type Event struct {
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Item      domain.Item `json:"item"`
	Timestamp time.Time   `json:"timestamp"`
}

func newEvent(source string, item *domain.Item) Event {
	return Event{
		Type:      EventItemNew,
		Source:    source,
		Item:      *item,
		Timestamp: time.Now().UTC(),
	}
}
