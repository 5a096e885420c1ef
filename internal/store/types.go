package store

import "time"

// SearchQuery selects indexed messages whose content contains Text.
type SearchQuery struct {
	Text   string
	RoomID string
	Limit  int
}

// SearchResult is one matching message with a snippet around the match.
type SearchResult struct {
	MessageID string
	RoomID    string
	RoomName  string
	UserID    string
	ThreadID  string
	Content   string
	Snippet   string
	SentAt    time.Time
	IsPinned  bool
}

// Stats summarizes the index.
type Stats struct {
	Rooms    int
	Messages int
}
