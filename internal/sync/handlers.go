package sync

import (
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// handlers routes push events into the components. They all run on the
// bridge's read goroutine.
func (e *Engine) handlers() transport.Handlers {
	return transport.Handlers{
		OnDisconnect:     e.lost,
		OnRoomsBootstrap: func(rb transport.RoomsBootstrap) { e.bootstrapRooms(rb.Rooms) },
		OnRoomCreated:    e.onRoomCreated,
		OnMemberJoined:   e.onMemberJoined,
		OnRoomUpdated:    e.onRoomUpdated,
		OnMessageNew:     e.onMessageNew,
		OnJoinedRoom: func(j transport.JoinedRoom) {
			e.logger.Debug("joined room", zap.String("room_id", j.RoomID))
		},
		OnUserOnline:     func(p transport.UserPresence) { e.presence.SetOnline(p.UserID, true) },
		OnUserOffline:    func(p transport.UserPresence) { e.presence.SetOnline(p.UserID, false) },
		OnMessageUpdated: e.onMessageUpdated,
		OnMessageDeleted: e.onMessageDeleted,
		OnPresenceSync:   e.presence.ApplySync,
	}
}

func (e *Engine) onRoomCreated(room model.Room) {
	// Visible only once the current user's join arrives.
	e.rooms.Remember(room)
}

func (e *Engine) onMemberJoined(mj transport.MemberJoined) {
	if mj.Member != nil {
		e.presence.RememberMembers(model.Room{Members: []model.Member{*mj.Member}})
	}
	joined := e.rooms.UpsertOnJoin(mj.RoomID, mj.Room, mj.UserID)
	if mj.Member != nil && mj.Member.UserID == mj.UserID {
		e.rooms.AddMember(mj.RoomID, *mj.Member)
	}
	switch {
	case joined:
		if room, ok := e.rooms.Get(mj.RoomID); ok {
			e.presence.RememberMembers(room)
		}
		e.bus.Emit(bus.KindRoomJoined, bus.RoomRef{RoomID: mj.RoomID})
		e.join(mj.RoomID)
	case e.rooms.Contains(mj.RoomID):
		e.bus.Emit(bus.KindRoomUpdated, bus.RoomRef{RoomID: mj.RoomID})
	}
}

func (e *Engine) onRoomUpdated(patch model.RoomPatch) {
	if e.rooms.ApplyRoomUpdate(patch) {
		e.bus.Emit(bus.KindRoomUpdated, bus.RoomRef{RoomID: patch.ID})
	}
}

func (e *Engine) onMessageNew(msg model.Message) {
	if _, err := e.timeline.Ingest(msg); err != nil {
		metrics.EventsRejected.WithLabelValues(transport.EventMessageNew).Inc()
		e.logger.Warn("rejected message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if !msg.IsReply() && e.rooms.Touch(msg) {
		e.bus.Emit(bus.KindRoomUpdated, bus.RoomRef{RoomID: msg.RoomID})
	}
	e.presence.CountMessage(msg)
	e.messageChanged(msg)
}

func (e *Engine) onMessageUpdated(msg model.Message) {
	if _, err := e.timeline.Ingest(msg); err != nil {
		metrics.EventsRejected.WithLabelValues(transport.EventMessageUpdated).Inc()
		e.logger.Warn("rejected message update", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	e.messageChanged(msg)
}

func (e *Engine) onMessageDeleted(md transport.MessageDeleted) {
	m, ok := e.timeline.MarkDeleted(md.ID, md.DeletedAt, md.UpdatedAt)
	if !ok {
		e.logger.Debug("delete for non-resident message", zap.String("message_id", md.ID))
		return
	}
	e.messageChanged(m)
}

// messageChanged notifies readers of msg and of its thread parent, whose
// reply counter may have moved.
func (e *Engine) messageChanged(msg model.Message) {
	ref := bus.MessageRef{RoomID: msg.RoomID, MessageID: msg.ID, ClientID: msg.ClientID, ThreadID: msg.Parent()}
	e.bus.Emit(bus.KindMessageUpserted, ref)
	if parent := msg.Parent(); parent != "" {
		e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{RoomID: msg.RoomID, MessageID: parent})
	}
}
