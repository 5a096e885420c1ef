package timeline

import (
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Field is a group of message fields written together by one mutation.
type Field int

const (
	FieldContent Field = iota
	FieldPin
	FieldReactions
	FieldDeleted
)

var fields = []Field{FieldContent, FieldPin, FieldReactions, FieldDeleted}

func (f Field) String() string {
	switch f {
	case FieldContent:
		return "content"
	case FieldPin:
		return "pin"
	case FieldReactions:
		return "reactions"
	case FieldDeleted:
		return "deleted"
	}
	return "unknown"
}

// Token identifies one optimistic write. Rollback and Confirm only act while
// the token is still the latest stamp on its field.
type Token uint64

// stamp records an optimistic write against the server version of the
// message it was made on.
type stamp struct {
	base  time.Time
	token Token
}

// serverVersion is the newest server timestamp known for m.
func serverVersion(m *model.Message) time.Time {
	if !m.UpdatedAt.IsZero() {
		return m.UpdatedAt
	}
	return m.SentAt
}

func copyField(dst, src *model.Message, f Field) {
	switch f {
	case FieldContent:
		dst.Content = src.Content
		dst.EditedAt = clone(src.EditedAt)
	case FieldPin:
		dst.IsPinned = src.IsPinned
	case FieldReactions:
		dst.Reactions = make([]model.Reaction, 0, len(src.Reactions))
		for _, r := range src.Reactions {
			r.Users = slices.Clone(r.Users)
			dst.Reactions = append(dst.Reactions, r)
		}
	case FieldDeleted:
		dst.DeletedAt = clone(src.DeletedAt)
	}
}

func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// pushWins reports whether a server write stamped updatedAt may overwrite
// field f of message id. Over a local stamp it must be strictly newer than
// the server version the local write was made against; an echo of that
// version, or a copy with no timestamp, leaves the optimistic value alone.
func (t *Timeline) pushWins(id string, f Field, updatedAt time.Time) bool {
	s, ok := t.stamps[id][f]
	if !ok {
		return true
	}
	return updatedAt.After(s.base)
}

// ApplyLocal runs fn against message id as an optimistic write to field f.
// It returns the write's token and a copy of the message taken before fn ran.
func (t *Timeline) ApplyLocal(id string, f Field, fn func(*model.Message)) (Token, model.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.lookup(id)
	if m == nil {
		return 0, model.Message{}, ErrNotFound
	}
	prev := m.Clone()
	base := serverVersion(m)
	if s, ok := t.stamps[m.ID][f]; ok {
		base = s.base
	}
	fn(m)
	t.seq++
	if t.stamps[m.ID] == nil {
		t.stamps[m.ID] = make(map[Field]stamp)
	}
	t.stamps[m.ID][f] = stamp{base: base, token: t.seq}
	return t.seq, prev, nil
}

// Rollback restores field f from prev if token is still the latest write on
// it. A newer local write or a newer server push leaves the field alone.
func (t *Timeline) Rollback(id string, f Field, token Token, prev model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.lookup(id)
	if m == nil {
		return false
	}
	s, ok := t.stamps[m.ID][f]
	if !ok || s.token != token {
		return false
	}
	copyField(m, &prev, f)
	delete(t.stamps[m.ID], f)
	return true
}

// Confirm settles the write identified by token and merges the server's
// copy, if any. Reports whether token was still current.
func (t *Timeline) Confirm(id string, f Field, token Token, server *model.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.lookup(id)
	if m == nil {
		return false
	}
	s, ok := t.stamps[m.ID][f]
	current := ok && s.token == token
	if current {
		delete(t.stamps[m.ID], f)
	}
	if server != nil && server.ID == m.ID && validate(server) == nil {
		src := server.Clone()
		src.Reactions = model.NormalizeReactions(src.Reactions, t.currentUser)
		t.merge(m, &src)
	}
	return current
}
