package store

import (
	"database/sql"
	"strings"
	"time"
	"unicode/utf8"
)

const snippetRadius = 32

// SearchMessages returns indexed messages whose content contains q.Text,
// case-insensitively for ASCII, newest first.
func (db *DB) SearchMessages(q SearchQuery) ([]SearchResult, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT m.id, m.room_id, COALESCE(r.name, ''), m.user_id, m.thread_id,
		       m.content, m.sent_at, m.is_pinned
		FROM messages m
		LEFT JOIN rooms r ON r.id = m.room_id
		WHERE m.deleted = 0 AND m.content LIKE ? ESCAPE '\'`

	args := []any{"%" + escapeLike(text) + "%"}
	if q.RoomID != "" {
		query += " AND m.room_id = ?"
		args = append(args, q.RoomID)
	}
	query += " ORDER BY m.sent_at DESC, m.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var (
			r      SearchResult
			thread sql.NullString
			sentAt int64
		)
		if err := rows.Scan(&r.MessageID, &r.RoomID, &r.RoomName, &r.UserID, &thread, &r.Content, &sentAt, &r.IsPinned); err != nil {
			return nil, err
		}
		r.ThreadID = thread.String
		r.SentAt = time.UnixMilli(sentAt).UTC()
		r.Snippet = snippet(r.Content, text)
		results = append(results, r)
	}
	return results, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// snippet cuts content around the first match of text and marks it with
// << >>. Cuts land on rune boundaries.
func snippet(content, text string) string {
	lc, lt := strings.ToLower(content), strings.ToLower(text)
	if len(lc) != len(content) {
		lc, lt = content, text
	}
	at := strings.Index(lc, lt)
	if at < 0 {
		return content
	}
	end := at + len(lt)

	start := max(at-snippetRadius, 0)
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	stop := min(end+snippetRadius, len(content))
	for stop < len(content) && !utf8.RuneStart(content[stop]) {
		stop++
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(content[start:at])
	b.WriteString("<<")
	b.WriteString(content[at:end])
	b.WriteString(">>")
	b.WriteString(content[end:stop])
	if stop < len(content) {
		b.WriteString("...")
	}
	return b.String()
}
