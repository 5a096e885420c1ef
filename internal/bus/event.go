package bus

import "time"

// Event is a change notification. Payloads carry identifiers only; readers
// fetch current state from the engine.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine.
const (
	KindStatusChanged = "connection.status_changed"

	KindRoomsBootstrapped = "room.bootstrapped"
	KindRoomAdded         = "room.added"
	KindRoomUpdated       = "room.updated"
	KindRoomRemoved       = "room.removed"
	KindRoomJoined        = "room.joined"

	KindMessageUpserted = "message.upserted"
	KindMessageRemoved  = "message.removed"
	KindMutationFailed  = "message.mutation_failed"

	KindUnreadChanged   = "unread.changed"
	KindPresenceChanged = "presence.changed"

	KindUploadChanged = "upload.changed"
	KindAIChanged     = "ai.changed"
)

// MessageRef identifies a message in a room.
type MessageRef struct {
	RoomID    string
	MessageID string
	ClientID  string
	ThreadID  string
}

// RoomRef identifies a room.
type RoomRef struct {
	RoomID string
}

// UserRef identifies a user whose presence changed.
type UserRef struct {
	UserID string
	Online bool
}

// UploadRef identifies a file in a compose session.
type UploadRef struct {
	ComposeID string
	FileID    string
}

// PanelRef identifies an assistant panel and its session generation.
type PanelRef struct {
	PanelID    string
	Generation uint64
}

// MutationFailure describes a rolled back optimistic change.
type MutationFailure struct {
	Op     string
	Target string
	Err    string
}
