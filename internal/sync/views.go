package sync

import (
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/rooms"
	"github.com/matheus3301/chatsync/internal/timeline"
)

// RoomView is the read side of the room directory.
type RoomView interface {
	Get(roomID string) (model.Room, bool)
	Contains(roomID string) bool
	Rooms() []model.Room
	Partition(p model.Partition) []model.Room
	IDs() []string
}

// MessageView is the read side of the message timeline. Loads go through
// OpenRoom, LoadOlder and OpenThread.
type MessageView interface {
	Get(id string) (model.Message, bool)
	Messages(roomID string) []model.Message
	Thread(parentID string) []model.Message
	Latest(roomID string) (model.Message, bool)
	Loading(roomID string) bool
	RoomIDs() []string
}

// PresenceView is the read side of presence and unread state.
type PresenceView interface {
	IsOnline(userID string) bool
	Online() []string
	FeedEnabled() bool
	Focused() string
	Unread(roomID string) model.UnreadCount
	Counts() []model.UnreadCount
}

var (
	_ RoomView     = (*rooms.Directory)(nil)
	_ MessageView  = (*timeline.Timeline)(nil)
	_ PresenceView = (*presence.Reconciler)(nil)
)
