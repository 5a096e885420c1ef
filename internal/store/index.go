package store

import (
	"database/sql"
	"fmt"

	"github.com/matheus3301/chatsync/internal/model"
)

// UpsertRoom indexes a room's display name and partition.
func (db *DB) UpsertRoom(r *model.Room) error {
	name := ""
	if r.Name != nil {
		name = *r.Name
	}
	var updated int64
	if r.LastMessageAt != nil {
		updated = r.LastMessageAt.UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO rooms (id, name, partition, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			partition = excluded.partition,
			updated_at = MAX(rooms.updated_at, excluded.updated_at)`,
		r.ID, name, string(r.Partition()), updated)
	return err
}

// RemoveRoom drops a room and every message indexed for it.
func (db *DB) RemoveRoom(roomID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec("DELETE FROM messages WHERE room_id = ?", roomID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM rooms WHERE id = ?", roomID); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertMessage indexes a confirmed message. Placeholders are skipped and
// soft-deleted messages are kept but excluded from search.
func (db *DB) UpsertMessage(m *model.Message) error {
	if m.Pending || m.ID == "" {
		return nil
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, room_id, user_id, thread_id, content, sent_at, is_pinned, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			sent_at = excluded.sent_at,
			is_pinned = excluded.is_pinned,
			deleted = excluded.deleted`,
		m.ID, m.RoomID, m.UserID, nullable(m.ThreadID), m.Content, m.SentAt.UnixMilli(), m.IsPinned, m.DeletedAt != nil)
	if err != nil {
		return fmt.Errorf("index message %s: %w", m.ID, err)
	}
	return nil
}

// UpsertMessages indexes a batch in one transaction.
func (db *DB) UpsertMessages(msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO messages (id, room_id, user_id, thread_id, content, sent_at, is_pinned, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			sent_at = excluded.sent_at,
			is_pinned = excluded.is_pinned,
			deleted = excluded.deleted`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i := range msgs {
		m := &msgs[i]
		if m.Pending || m.ID == "" {
			continue
		}
		if _, err := stmt.Exec(m.ID, m.RoomID, m.UserID, nullable(m.ThreadID), m.Content, m.SentAt.UnixMilli(), m.IsPinned, m.DeletedAt != nil); err != nil {
			return fmt.Errorf("index message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteMessage removes a message from the index.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec("DELETE FROM messages WHERE id = ?", id)
	return err
}

// Stats counts indexed rooms and messages.
func (db *DB) Stats() (Stats, error) {
	var s Stats
	err := db.QueryRow(`SELECT (SELECT COUNT(*) FROM rooms), (SELECT COUNT(*) FROM messages WHERE deleted = 0)`).
		Scan(&s.Rooms, &s.Messages)
	return s, err
}

func nullable(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
