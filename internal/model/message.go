package model

import (
	"slices"
	"time"
)

// Message is a top-level message or a thread reply (ThreadID set).
type Message struct {
	ID          string       `json:"id"`
	ClientID    string       `json:"clientId,omitempty"`
	RoomID      string       `json:"roomId"`
	UserID      string       `json:"userId"`
	OrgID       string       `json:"orgId"`
	Type        string       `json:"type"`
	Content     string       `json:"content"`
	SentAt      time.Time    `json:"sentAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	ThreadID    *string      `json:"threadId"`
	ReplyCount  *int         `json:"replyCount"`
	LastReplyAt *time.Time   `json:"lastReplyAt,omitempty"`
	EditedAt    *time.Time   `json:"editedAt"`
	DeletedAt   *time.Time   `json:"deletedAt"`
	IsPinned    bool         `json:"isPinned"`
	Reactions   []Reaction   `json:"reactions"`
	Attachments []Attachment `json:"attachments"`

	// Pending marks an optimistic placeholder not yet confirmed by the server.
	Pending bool `json:"-"`
}

// Attachment is a confirmed uploaded file bound to a message.
type Attachment struct {
	ID       string `json:"id"`
	AssetID  string `json:"assetId"`
	FileID   string `json:"fileId"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// IsReply reports whether m belongs to a thread.
func (m *Message) IsReply() bool {
	return m.ThreadID != nil && *m.ThreadID != ""
}

// Parent returns the thread parent id, or "".
func (m *Message) Parent() string {
	if m.ThreadID == nil {
		return ""
	}
	return *m.ThreadID
}

// Replies returns the reply counter, treating nil as zero.
func (m *Message) Replies() int {
	if m.ReplyCount == nil {
		return 0
	}
	return *m.ReplyCount
}

// SetReplies stores n as the reply counter.
func (m *Message) SetReplies(n int) {
	if n < 0 {
		n = 0
	}
	m.ReplyCount = &n
}

// CorrelationKey identifies the message across its optimistic and confirmed forms.
func (m *Message) CorrelationKey() string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return m.ID
}

// Less orders messages by (SentAt, ID).
func (m *Message) Less(o *Message) bool {
	return Compare(m, o) < 0
}

// Compare orders messages by SentAt ascending with ID as tie-break.
func Compare(a, b *Message) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	out.ThreadID = clonePtr(m.ThreadID)
	out.ReplyCount = clonePtr(m.ReplyCount)
	out.LastReplyAt = clonePtr(m.LastReplyAt)
	out.EditedAt = clonePtr(m.EditedAt)
	out.DeletedAt = clonePtr(m.DeletedAt)
	out.Attachments = slices.Clone(m.Attachments)
	out.Reactions = make([]Reaction, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		r.Users = slices.Clone(r.Users)
		out.Reactions = append(out.Reactions, r)
	}
	return out
}

// StringPtr returns a pointer to s, or nil for "".
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
