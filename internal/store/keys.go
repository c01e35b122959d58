package store

import (
	"fmt"
	"time"
)

// QueueSortKey orders queue entries by enqueue time, then by id.
func QueueSortKey(enqueuedAt time.Time, id string) string {
	return fmt.Sprintf("EVT#%s#%s", enqueuedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"), id)
}

// StateKey is the key of a user's conversation state.
func StateKey(userID string) string {
	return "STATE#" + userID
}

// LeaseKey is the key of a named lease.
func LeaseKey(name string) string {
	return "SCHED#" + name
}
