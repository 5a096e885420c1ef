package presence

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

var (
	ErrNoMessage = errors.New("presence: mark read needs a message id")
	// ErrStaleSnapshot is returned by RefreshUnread when a newer snapshot or
	// a reset landed first.
	ErrStaleSnapshot = errors.New("presence: unread snapshot superseded")
)

// roomUnread is base plus the live messages counted on top of it. Messages
// sent at or before asOf are already in base; messages at or before readAt
// were read locally.
type roomUnread struct {
	base     int
	lastSeen string
	asOf     time.Time
	readAt   time.Time
	seen     map[string]time.Time
	counted  map[string]time.Time
	markSeq  uint64
}

func newRoomUnread() *roomUnread {
	return &roomUnread{seen: make(map[string]time.Time), counted: make(map[string]time.Time)}
}

func (u *roomUnread) count() int { return u.base + len(u.counted) }

func (r *Reconciler) room(roomID string) *roomUnread {
	u, ok := r.unread[roomID]
	if !ok {
		u = newRoomUnread()
		r.unread[roomID] = u
	}
	return u
}

// Focus marks roomID as the room the user is looking at. Messages in the
// focused room are not counted. An empty id clears focus.
func (r *Reconciler) Focus(roomID string) {
	r.mu.Lock()
	r.focused = roomID
	r.mu.Unlock()
}

// Focused returns the focused room id.
func (r *Reconciler) Focused() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

// CountMessage applies a message-new push. It reports whether the room's
// count went up. Each message id is considered once.
func (r *Reconciler) CountMessage(msg model.Message) bool {
	if msg.ID == "" || msg.RoomID == "" || msg.Pending || msg.ThreadID != nil || msg.DeletedAt != nil {
		return false
	}
	if msg.UserID == r.currentUser {
		return false
	}

	r.mu.Lock()
	u := r.room(msg.RoomID)
	if _, dup := u.seen[msg.ID]; dup {
		r.mu.Unlock()
		return false
	}
	u.seen[msg.ID] = msg.SentAt

	switch {
	case msg.RoomID == r.focused,
		msg.ID == u.lastSeen,
		!u.asOf.IsZero() && !msg.SentAt.After(u.asOf),
		!u.readAt.IsZero() && !msg.SentAt.After(u.readAt):
		r.mu.Unlock()
		return false
	}
	u.counted[msg.ID] = msg.SentAt
	r.mu.Unlock()

	r.bus.Emit(bus.KindUnreadChanged, bus.RoomRef{RoomID: msg.RoomID})
	return true
}

// MarkRead resets roomID up to upTo immediately and confirms with the
// server. Messages newer than upTo stay counted. On failure the previous
// state is restored unless a newer mark-read for the room happened since.
func (r *Reconciler) MarkRead(ctx context.Context, roomID string, upTo model.Message) error {
	if upTo.ID == "" {
		return ErrNoMessage
	}

	r.mu.Lock()
	u := r.room(roomID)
	prev := *u
	prev.counted = maps.Clone(u.counted)
	r.markSeq++
	seq := r.markSeq
	u.markSeq = seq
	u.base = 0
	u.lastSeen = upTo.ID
	u.readAt = upTo.SentAt
	maps.DeleteFunc(u.counted, func(_ string, at time.Time) bool { return !at.After(upTo.SentAt) })
	r.mu.Unlock()
	r.bus.Emit(bus.KindUnreadChanged, bus.RoomRef{RoomID: roomID})

	if err := r.api.MarkRead(ctx, roomID, upTo.ID); err != nil {
		metrics.MarkReads.WithLabelValues("failed").Inc()
		r.mu.Lock()
		restored := r.unread[roomID] == u && u.markSeq == seq
		if restored {
			counted := prev.counted
			maps.Copy(counted, u.counted)
			u.base = prev.base
			u.lastSeen = prev.lastSeen
			u.readAt = prev.readAt
			u.counted = counted
		}
		r.mu.Unlock()
		if restored {
			r.bus.Emit(bus.KindUnreadChanged, bus.RoomRef{RoomID: roomID})
		}
		r.logger.Warn("mark read failed", zap.String("room_id", roomID), zap.Bool("restored", restored), zap.Error(err))
		return fmt.Errorf("mark %s read: %w", roomID, err)
	}
	metrics.MarkReads.WithLabelValues("ok").Inc()
	return nil
}

// RefreshUnread replaces the unread base counts with a REST snapshot. Live
// messages sent after the snapshot stay counted; rooms marked read while
// the request was in flight keep their local state.
func (r *Reconciler) RefreshUnread(ctx context.Context) error {
	r.mu.Lock()
	r.snapSeq++
	seq := r.snapSeq
	startMark := r.markSeq
	r.mu.Unlock()

	start := r.now()
	snap, err := r.api.UnreadCounts(ctx)
	if err != nil {
		return fmt.Errorf("fetch unread counts: %w", err)
	}
	asOf := snap.AsOf
	if asOf.IsZero() {
		asOf = start
	}
	return r.applySnapshot(seq, startMark, snap.Counts, asOf)
}

func (r *Reconciler) applySnapshot(seq, startMark uint64, counts []model.UnreadCount, asOf time.Time) error {
	r.mu.Lock()
	if seq <= r.snapDone {
		r.mu.Unlock()
		return ErrStaleSnapshot
	}
	r.snapDone = seq

	byRoom := make(map[string]model.UnreadCount, len(counts))
	for _, c := range counts {
		if c.RoomID != "" {
			byRoom[c.RoomID] = c
		}
	}
	ids := make(map[string]struct{}, len(byRoom)+len(r.unread))
	for id := range byRoom {
		ids[id] = struct{}{}
	}
	for id := range r.unread {
		ids[id] = struct{}{}
	}

	var changed []string
	for id := range ids {
		old := r.unread[id]
		if old != nil && old.markSeq > startMark {
			continue
		}
		c := byRoom[id]
		nu := newRoomUnread()
		nu.base = max(c.Count, 0)
		nu.lastSeen = c.LastSeenMessageID
		nu.asOf = asOf
		before := 0
		if old != nil {
			before = old.count()
			if nu.lastSeen == "" {
				nu.lastSeen = old.lastSeen
			}
			nu.markSeq = old.markSeq
			for msgID, at := range old.seen {
				if at.After(asOf) {
					nu.seen[msgID] = at
				}
			}
			for msgID, at := range old.counted {
				if at.After(asOf) {
					nu.counted[msgID] = at
				}
			}
		}
		r.unread[id] = nu
		if nu.count() != before {
			changed = append(changed, id)
		}
	}
	r.mu.Unlock()

	slices.Sort(changed)
	for _, id := range changed {
		r.bus.Emit(bus.KindUnreadChanged, bus.RoomRef{RoomID: id})
	}
	return nil
}

// Unread returns the derived unread state of roomID.
func (r *Reconciler) Unread(roomID string) model.UnreadCount {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.unread[roomID]
	if !ok {
		return model.UnreadCount{RoomID: roomID}
	}
	return model.UnreadCount{RoomID: roomID, Count: u.count(), LastSeenMessageID: u.lastSeen}
}

// Counts returns every tracked room's unread state, sorted by room id.
func (r *Reconciler) Counts() []model.UnreadCount {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.UnreadCount, 0, len(r.unread))
	for id, u := range r.unread {
		out = append(out, model.UnreadCount{RoomID: id, Count: u.count(), LastSeenMessageID: u.lastSeen})
	}
	slices.SortFunc(out, func(a, b model.UnreadCount) int {
		switch {
		case a.RoomID < b.RoomID:
			return -1
		case a.RoomID > b.RoomID:
			return 1
		}
		return 0
	})
	return out
}

// Forget drops a room's unread state.
func (r *Reconciler) Forget(roomID string) {
	r.mu.Lock()
	_, ok := r.unread[roomID]
	delete(r.unread, roomID)
	if r.focused == roomID {
		r.focused = ""
	}
	r.mu.Unlock()
	if ok {
		r.bus.Emit(bus.KindUnreadChanged, bus.RoomRef{RoomID: roomID})
	}
}
