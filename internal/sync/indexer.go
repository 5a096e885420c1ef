package sync

import (
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// handleEvent mirrors a change notification into the search index. Payloads
// only carry ids; the current state is read back from the components.
func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageUpserted:
		ref, ok := evt.Payload.(bus.MessageRef)
		if !ok {
			return
		}
		id := ref.MessageID
		if id == "" {
			id = ref.ClientID
		}
		m, ok := e.timeline.Get(id)
		if !ok {
			return
		}
		if err := e.index.UpsertMessage(&m); err != nil {
			e.logger.Warn("index message", zap.String("message_id", m.ID), zap.Error(err))
		}
	case bus.KindMessageRemoved:
		ref, ok := evt.Payload.(bus.MessageRef)
		if !ok {
			return
		}
		if err := e.index.DeleteMessage(ref.MessageID); err != nil {
			e.logger.Warn("unindex message", zap.String("message_id", ref.MessageID), zap.Error(err))
		}
	case bus.KindRoomAdded, bus.KindRoomJoined, bus.KindRoomUpdated:
		ref, ok := evt.Payload.(bus.RoomRef)
		if !ok {
			return
		}
		if room, ok := e.rooms.Get(ref.RoomID); ok {
			e.indexRoom(&room)
		}
	case bus.KindRoomRemoved:
		ref, ok := evt.Payload.(bus.RoomRef)
		if !ok {
			return
		}
		if err := e.index.RemoveRoom(ref.RoomID); err != nil {
			e.logger.Warn("unindex room", zap.String("room_id", ref.RoomID), zap.Error(err))
		}
	case bus.KindRoomsBootstrapped:
		for _, room := range e.rooms.Rooms() {
			e.indexRoom(&room)
		}
	}
}

func (e *Engine) indexRoom(room *model.Room) {
	if err := e.index.UpsertRoom(room); err != nil {
		e.logger.Warn("index room", zap.String("room_id", room.ID), zap.Error(err))
	}
}

// indexMessages indexes a loaded page directly; snapshot loads do not
// publish per-message notifications.
func (e *Engine) indexMessages(msgs []model.Message) {
	if e.index == nil || len(msgs) == 0 {
		return
	}
	if err := e.index.UpsertMessages(msgs); err != nil {
		e.logger.Warn("index page", zap.Int("messages", len(msgs)), zap.Error(err))
	}
}
