package domain

import "time"

const (
	FollowerActive  = "active"
	FollowerBlocked = "blocked"

	DefaultDisplayName   = "Unknown"
	DefaultLanguage      = "unknown"
	DefaultSourceChannel = "unknown"
	DefaultFollowerTags  = "new-customer"
)

// Profile is the public profile of a LINE user.
type Profile struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"displayName"`
	PictureURL    string `json:"pictureUrl"`
	StatusMessage string `json:"statusMessage"`
	Language      string `json:"language"`
}

// FollowerRecord is the bookkeeping row kept for each user.
type FollowerRecord struct {
	UserID          string
	DisplayName     string
	PictureURL      string
	Language        string
	StatusMessage   string
	FirstFollowDate time.Time
	LastFollowDate  time.Time
	FollowCount     int
	Status          string
	SourceChannel   string
	Tags            string
	LastInteraction time.Time
	TotalMessages   int
}

// ConversationLog is one logged exchange between a user and the bot.
type ConversationLog struct {
	UserID      string
	Timestamp   time.Time
	UserMessage string
	Response    string
	Intent      string
}
