package model

import (
	"slices"
	"time"
)

// RoomType distinguishes channels from direct messages.
type RoomType string

const (
	RoomChannel RoomType = "channel"
	RoomDM      RoomType = "dm"
)

// Partition is the read-time grouping of a room.
type Partition string

const (
	PartitionOrg     Partition = "org"
	PartitionProject Partition = "project"
	PartitionDM      Partition = "dm"
)

// Member is a room participant. IsOnline is the cached presence flag from REST.
type Member struct {
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	IsOnline bool   `json:"isOnline"`
}

// Room is a channel or DM the user can see.
type Room struct {
	ID                 string     `json:"id"`
	Name               *string    `json:"name"`
	OrgID              string     `json:"orgId"`
	IsPrivate          bool       `json:"isPrivate"`
	Type               RoomType   `json:"type"`
	ProjectID          *string    `json:"projectId"`
	Members            []Member   `json:"members"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	LastMessagePreview string     `json:"lastMessagePreview,omitempty"`
}

// Partition derives the room's partition from its current fields.
func (r *Room) Partition() Partition {
	switch {
	case r.Type == RoomDM:
		return PartitionDM
	case r.ProjectID != nil:
		return PartitionProject
	default:
		return PartitionOrg
	}
}

// HasMember reports whether userID is listed in the room's members.
func (r *Room) HasMember(userID string) bool {
	return slices.ContainsFunc(r.Members, func(m Member) bool { return m.UserID == userID })
}

// Clone returns a deep copy.
func (r Room) Clone() Room {
	out := r
	out.Name = clonePtr(r.Name)
	out.ProjectID = clonePtr(r.ProjectID)
	out.LastMessageAt = clonePtr(r.LastMessageAt)
	out.Members = slices.Clone(r.Members)
	return out
}

// RoomPatch is a partial room update. Absent fields are left untouched;
// fields explicitly set to null clear the target.
type RoomPatch struct {
	ID            string              `json:"id"`
	Name          Optional[string]    `json:"name"`
	IsPrivate     Optional[bool]      `json:"isPrivate"`
	Type          Optional[RoomType]  `json:"type"`
	ProjectID     Optional[string]    `json:"projectId"`
	Members       Optional[[]Member]  `json:"members"`
	LastMessageAt Optional[time.Time] `json:"lastMessageAt"`
	LastMessage   *Message            `json:"lastMessage,omitempty"`
}

// Apply merges the patch into r.
func (p *RoomPatch) Apply(r *Room) {
	if p.Name.Set {
		r.Name = p.Name.Ptr()
	}
	if p.IsPrivate.Set && !p.IsPrivate.Null {
		r.IsPrivate = p.IsPrivate.Value
	}
	if p.Type.Set && !p.Type.Null {
		r.Type = p.Type.Value
	}
	if p.ProjectID.Set {
		r.ProjectID = p.ProjectID.Ptr()
	}
	if p.Members.Set {
		r.Members = slices.Clone(p.Members.Value)
	}
	if p.LastMessageAt.Set {
		r.LastMessageAt = p.LastMessageAt.Ptr()
	}
	if p.LastMessage != nil {
		at := p.LastMessage.SentAt
		if r.LastMessageAt == nil || at.After(*r.LastMessageAt) {
			r.LastMessageAt = &at
		}
		r.LastMessagePreview = Preview(p.LastMessage.Content)
	}
}

// Touches reports whether the patch carries activity that should reorder the room.
func (p *RoomPatch) Touches() bool {
	return p.LastMessage != nil || (p.LastMessageAt.Set && !p.LastMessageAt.Null)
}

// Preview truncates message content for room listings.
func Preview(s string) string {
	const maxLen = 100
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
