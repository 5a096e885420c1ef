package api

import (
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

func stringField(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func boolField(in *structpb.Struct, key string) bool {
	return in.GetFields()[key].GetBoolValue()
}

func intField(in *structpb.Struct, key string) int {
	return int(in.GetFields()[key].GetNumberValue())
}

func unixMs(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func unixMsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return unixMs(*t)
}

func strPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func roomToMap(r *model.Room, unread int) map[string]any {
	members := make([]any, 0, len(r.Members))
	for _, m := range r.Members {
		members = append(members, map[string]any{"user_id": m.UserID, "name": m.Name})
	}
	return map[string]any{
		"id":              r.ID,
		"name":            strPtr(r.Name),
		"type":            string(r.Type),
		"partition":       string(r.Partition()),
		"private":         r.IsPrivate,
		"project_id":      strPtr(r.ProjectID),
		"last_message_at": unixMsPtr(r.LastMessageAt),
		"preview":         r.LastMessagePreview,
		"members":         members,
		"unread":          unread,
	}
}

func messageToMap(m *model.Message) map[string]any {
	reactions := make([]any, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, map[string]any{"emoji": r.Emoji, "count": r.Count, "mine": r.HasReacted})
	}
	attachments := make([]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, map[string]any{"id": a.ID, "name": a.Name, "mime_type": a.MimeType, "size": a.Size})
	}
	return map[string]any{
		"id":          m.ID,
		"client_id":   m.ClientID,
		"room_id":     m.RoomID,
		"user_id":     m.UserID,
		"content":     m.Content,
		"sent_at":     unixMs(m.SentAt),
		"thread_id":   strPtr(m.ThreadID),
		"reply_count": m.Replies(),
		"edited_at":   unixMsPtr(m.EditedAt),
		"deleted":     m.DeletedAt != nil,
		"pinned":      m.IsPinned,
		"pending":     m.Pending,
		"reactions":   reactions,
		"attachments": attachments,
	}
}

func resultToMap(r *store.SearchResult) map[string]any {
	return map[string]any{
		"message_id": r.MessageID,
		"room_id":    r.RoomID,
		"room_name":  r.RoomName,
		"user_id":    r.UserID,
		"thread_id":  r.ThreadID,
		"snippet":    r.Snippet,
		"sent_at":    unixMs(r.SentAt),
		"pinned":     r.IsPinned,
	}
}

// payloadToMap flattens a bus payload. Unknown payloads become nil.
func payloadToMap(p any) map[string]any {
	switch v := p.(type) {
	case bus.MessageRef:
		return map[string]any{"room_id": v.RoomID, "message_id": v.MessageID, "client_id": v.ClientID, "thread_id": v.ThreadID}
	case bus.RoomRef:
		return map[string]any{"room_id": v.RoomID}
	case bus.UserRef:
		return map[string]any{"user_id": v.UserID, "online": v.Online}
	case bus.UploadRef:
		return map[string]any{"compose_id": v.ComposeID, "file_id": v.FileID}
	case bus.PanelRef:
		return map[string]any{"panel_id": v.PanelID, "generation": int64(v.Generation)}
	case bus.MutationFailure:
		return map[string]any{"op": v.Op, "target": v.Target, "error": v.Err}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	}
	return nil
}

func listOf[T any](items []T, conv func(*T) map[string]any) []any {
	out := make([]any, 0, len(items))
	for i := range items {
		out = append(out, conv(&items[i]))
	}
	return out
}
