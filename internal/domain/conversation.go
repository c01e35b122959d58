package domain

import "time"

// Step is a position in the report flow. The zero value means no flow is active.
type Step string

const (
	StepNone           Step = ""
	StepAwaitingAmount Step = "AWAITING_AMOUNT"
	StepAwaitingImage  Step = "AWAITING_IMAGE"
)

// Keys used in ConversationState.Data.
const (
	DataBranch = "branch"
	DataAmount = "amount"
)

// ConversationState is the in-progress report flow of one user.
type ConversationState struct {
	UserID    string         `json:"userId"`
	Step      Step           `json:"step"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updatedAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
	// Version increases by one on every write; writers compare-and-set on it.
	Version int64 `json:"version"`
}

// Expired reports whether the state outlived its idle window at now.
func (s ConversationState) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Branch returns the selected branch code.
func (s ConversationState) Branch() string {
	v, _ := s.Data[DataBranch].(string)
	return v
}

// Amount returns the captured amount. JSON round-trips store numbers as float64.
func (s ConversationState) Amount() (float64, bool) {
	switch v := s.Data[DataAmount].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// WithData returns a copy of s whose Data has kv merged over the existing values.
func (s ConversationState) WithData(kv map[string]any) ConversationState {
	merged := make(map[string]any, len(s.Data)+len(kv))
	for k, v := range s.Data {
		merged[k] = v
	}
	for k, v := range kv {
		merged[k] = v
	}
	s.Data = merged
	return s
}
