package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Inbound push events.
const (
	EventRoomsBootstrap   = "rooms-bootstrap"
	EventRoomCreated      = "room-created"
	EventRoomMemberJoined = "room-member-joined"
	EventRoomUpdated      = "room-updated"
	EventMessageNew       = "message-new"
	EventJoinedRoom       = "joined-room"
	EventUserOnline       = "user-online"
	EventUserOffline      = "user-offline"
	EventMessageUpdated   = "message-updated"
	EventMessageDeleted   = "message-deleted"
	EventPresenceSync     = "presence-sync"
)

// Outbound socket commands.
const (
	CommandJoinRoom    = "join_room"
	CommandSendMessage = "send_message"
)

// Envelope is the socket wire frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// RoomsBootstrap is the initial room list. The server sends either a bare
// array or an object with a rooms field.
type RoomsBootstrap struct {
	Rooms []model.Room `json:"rooms"`
}

func (r *RoomsBootstrap) UnmarshalJSON(b []byte) error {
	var rooms []model.Room
	if err := json.Unmarshal(b, &rooms); err == nil {
		r.Rooms = rooms
		return nil
	}
	var wrapped struct {
		Rooms []model.Room `json:"rooms"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	r.Rooms = wrapped.Rooms
	return nil
}

// MemberJoined announces a user joining a room. Room is present when the
// server includes the full room payload.
type MemberJoined struct {
	RoomID string        `json:"roomId"`
	UserID string        `json:"userId"`
	Member *model.Member `json:"member,omitempty"`
	Room   *model.Room   `json:"room,omitempty"`
}

// JoinedRoom acknowledges a join_room command.
type JoinedRoom struct {
	RoomID string `json:"roomId"`
}

// UserPresence is the payload of user-online and user-offline.
type UserPresence struct {
	UserID string `json:"userId"`
}

// MessageDeleted is a soft-delete notification.
type MessageDeleted struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	DeletedAt time.Time `json:"deletedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PresenceSync replaces the live online set and reports whether the feed is enabled.
type PresenceSync struct {
	Enabled bool     `json:"enabled"`
	Online  []string `json:"online"`
}

// JoinRoomCommand is the payload of join_room.
type JoinRoomCommand struct {
	RoomID string `json:"roomId"`
}

// SendMessageCommand is the payload of send_message.
type SendMessageCommand struct {
	RoomID   string  `json:"roomId"`
	Content  string  `json:"content"`
	ThreadID *string `json:"threadId,omitempty"`
	ClientID string  `json:"clientId,omitempty"`
}

// Handlers receives decoded push events. Nil handlers are skipped.
// All handlers run on the bridge's single read goroutine, in arrival order.
type Handlers struct {
	OnConnect        func()
	OnDisconnect     func(err error)
	OnRoomsBootstrap func(RoomsBootstrap)
	OnRoomCreated    func(model.Room)
	OnMemberJoined   func(MemberJoined)
	OnRoomUpdated    func(model.RoomPatch)
	OnMessageNew     func(model.Message)
	OnJoinedRoom     func(JoinedRoom)
	OnUserOnline     func(UserPresence)
	OnUserOffline    func(UserPresence)
	OnMessageUpdated func(model.Message)
	OnMessageDeleted func(MessageDeleted)
	OnPresenceSync   func(PresenceSync)
}

type decoder func(data json.RawMessage, h *Handlers) error

// route builds a decoder that unmarshals into T, validates, and calls the
// handler selected by pick.
func route[T any](validate func(*T) error, pick func(*Handlers) func(T)) decoder {
	return func(data json.RawMessage, h *Handlers) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if validate != nil {
			if err := validate(&v); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
		}
		if fn := pick(h); fn != nil {
			fn(v)
		}
		return nil
	}
}

var decoders = map[string]decoder{
	EventRoomsBootstrap:   route(validateBootstrap, func(h *Handlers) func(RoomsBootstrap) { return h.OnRoomsBootstrap }),
	EventRoomCreated:      route(validateRoom, func(h *Handlers) func(model.Room) { return h.OnRoomCreated }),
	EventRoomMemberJoined: route(validateMemberJoined, func(h *Handlers) func(MemberJoined) { return h.OnMemberJoined }),
	EventRoomUpdated:      route(validatePatch, func(h *Handlers) func(model.RoomPatch) { return h.OnRoomUpdated }),
	EventMessageNew:       route(validateMessage, func(h *Handlers) func(model.Message) { return h.OnMessageNew }),
	EventJoinedRoom:       route(validateJoined, func(h *Handlers) func(JoinedRoom) { return h.OnJoinedRoom }),
	EventUserOnline:       route(validatePresence, func(h *Handlers) func(UserPresence) { return h.OnUserOnline }),
	EventUserOffline:      route(validatePresence, func(h *Handlers) func(UserPresence) { return h.OnUserOffline }),
	EventMessageUpdated:   route(validateMessage, func(h *Handlers) func(model.Message) { return h.OnMessageUpdated }),
	EventMessageDeleted:   route(validateDeleted, func(h *Handlers) func(MessageDeleted) { return h.OnMessageDeleted }),
	EventPresenceSync:     route(nil, func(h *Handlers) func(PresenceSync) { return h.OnPresenceSync }),
}

func require(field, v string) error {
	if v == "" {
		return fmt.Errorf("missing %s", field)
	}
	return nil
}

func validateRoom(r *model.Room) error {
	if err := require("id", r.ID); err != nil {
		return err
	}
	switch r.Type {
	case "":
		r.Type = model.RoomChannel
	case model.RoomChannel, model.RoomDM:
	default:
		return fmt.Errorf("room %s: unknown type %q", r.ID, r.Type)
	}
	return nil
}

func validateBootstrap(b *RoomsBootstrap) error {
	for i := range b.Rooms {
		if err := validateRoom(&b.Rooms[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateMemberJoined(m *MemberJoined) error {
	if m.Room != nil && m.RoomID == "" {
		m.RoomID = m.Room.ID
	}
	if err := require("roomId", m.RoomID); err != nil {
		return err
	}
	if m.Member != nil && m.UserID == "" {
		m.UserID = m.Member.UserID
	}
	if err := require("userId", m.UserID); err != nil {
		return err
	}
	if m.Room != nil {
		if m.Room.ID != m.RoomID {
			return errors.New("room payload does not match roomId")
		}
		return validateRoom(m.Room)
	}
	return nil
}

func validatePatch(p *model.RoomPatch) error {
	if err := require("id", p.ID); err != nil {
		return err
	}
	if p.LastMessage != nil {
		return validateMessage(p.LastMessage)
	}
	return nil
}

// ValidateMessage rejects messages the timeline cannot place.
func ValidateMessage(m *model.Message) error {
	return validateMessage(m)
}

func validateMessage(m *model.Message) error {
	if err := require("id", m.ID); err != nil {
		return err
	}
	if err := require("roomId", m.RoomID); err != nil {
		return err
	}
	if m.SentAt.IsZero() {
		return fmt.Errorf("message %s: missing sentAt", m.ID)
	}
	if m.ThreadID != nil && *m.ThreadID == m.ID {
		return fmt.Errorf("message %s: threadId points at itself", m.ID)
	}
	return nil
}

func validateJoined(j *JoinedRoom) error {
	return require("roomId", j.RoomID)
}

func validateDeleted(d *MessageDeleted) error {
	return require("id", d.ID)
}

func validatePresence(p *UserPresence) error {
	return require("userId", p.UserID)
}
