package domain

import (
	"encoding/json"
	"time"
)

// QueueEntry is one webhook event waiting for deferred processing.
type QueueEntry struct {
	ID         string          `json:"id"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Kind       Kind            `json:"kind"`
	Event      json.RawMessage `json:"event"`
	// Reply and Intent record what the synchronous path answered, for the conversation log.
	Reply  string `json:"reply,omitempty"`
	Intent string `json:"intent,omitempty"`
}

// Decode returns the queued event.
func (q QueueEntry) Decode() (Event, error) {
	return DecodeEvent(q.Event)
}
