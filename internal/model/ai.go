package model

import "slices"

// AIAction selects what the assistant generates.
type AIAction string

const (
	ActionSummary         AIAction = "summary"
	ActionItems           AIAction = "action_items"
	ActionQA              AIAction = "qa"
	ActionDocumentSummary AIAction = "document_summary"
)

// Valid reports whether a is a known action.
func (a AIAction) Valid() bool {
	switch a {
	case ActionSummary, ActionItems, ActionQA, ActionDocumentSummary:
		return true
	}
	return false
}

// AIState is the lifecycle of one streaming session.
type AIState string

const (
	AIIdle      AIState = "idle"
	AIStarting  AIState = "starting"
	AIStreaming AIState = "streaming"
	AIDone      AIState = "done"
	AIError     AIState = "error"
	AIAborted   AIState = "aborted"
)

// Terminal reports whether no further frame may change the session.
func (s AIState) Terminal() bool {
	return s == AIDone || s == AIError || s == AIAborted
}

// Source is a citation attached to an answer.
type Source struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	URL       string `json:"url,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
}

// AIResult is the finalized output of a session.
type AIResult struct {
	Text    string   `json:"text"`
	Items   []string `json:"items,omitempty"`
	Sources []Source `json:"sources,omitempty"`
	Cached  bool     `json:"cached"`
}

// AISession is a snapshot of one assistant panel's current session.
type AISession struct {
	Generation      uint64    `json:"generation"`
	Action          AIAction  `json:"action"`
	RoomID          string    `json:"roomId"`
	ThreadID        *string   `json:"threadId,omitempty"`
	AccumulatedText string    `json:"accumulatedText"`
	Sources         []Source  `json:"sources"`
	State           AIState   `json:"state"`
	Result          *AIResult `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (s AISession) Clone() AISession {
	out := s
	out.ThreadID = clonePtr(s.ThreadID)
	out.Sources = slices.Clone(s.Sources)
	if s.Result != nil {
		r := *s.Result
		r.Items = slices.Clone(s.Result.Items)
		r.Sources = slices.Clone(s.Result.Sources)
		out.Result = &r
	}
	return out
}

// UnreadCount is the derived unread state of one room.
type UnreadCount struct {
	RoomID            string `json:"roomId"`
	Count             int    `json:"count"`
	LastSeenMessageID string `json:"lastSeenMessageId"`
}
