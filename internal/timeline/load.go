package timeline

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// MessageSource is the REST surface the timeline pulls snapshots from.
type MessageSource interface {
	ListMessages(ctx context.Context, roomID string, q transport.PageQuery) (*transport.MessagePage, error)
	ListThread(ctx context.Context, parentID string) (*transport.ThreadPage, error)
}

// Direction selects which end of a room's history a load extends.
type Direction int

const (
	// Newer fetches the latest page and replaces the confirmed window.
	Newer Direction = iota
	// Older fetches the page before the oldest resident message and prepends it.
	Older
)

func (d Direction) String() string {
	if d == Older {
		return "older"
	}
	return "newer"
}

var errNoSource = errors.New("timeline: no message source")

// LoadSnapshot pulls one page of roomID. A second load for the same room
// while one is running fails with ErrLoadInFlight. Reports whether the
// server has more history in that direction.
func (t *Timeline) LoadSnapshot(ctx context.Context, roomID string, dir Direction) (bool, error) {
	if t.source == nil {
		return false, errNoSource
	}
	q := transport.PageQuery{Limit: t.pageSize}

	key := "room:" + roomID
	epoch, err := t.beginLoad(key, func() {
		if dir == Older {
			if oldest := t.oldestTop(roomID); oldest != nil {
				q.Before = oldest.ID
			}
		}
	})
	if err != nil {
		return false, err
	}

	page, err := t.source.ListMessages(ctx, roomID, q)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.endLoad(key, epoch) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s page of room %s: %w", dir, roomID, err)
	}

	msgs := t.accept(roomID, page.Messages)
	if dir == Newer {
		t.replace(roomID, msgs)
	} else {
		for _, m := range msgs {
			t.ingest(m, false)
		}
	}
	t.logger.Debug("snapshot loaded",
		zap.String("room_id", roomID),
		zap.Stringer("direction", dir),
		zap.Int("messages", len(msgs)),
		zap.Bool("has_more", page.HasMore))
	return page.HasMore, nil
}

// LoadThread pulls a parent and all its replies.
func (t *Timeline) LoadThread(ctx context.Context, parentID string) error {
	if t.source == nil {
		return errNoSource
	}
	key := "thread:" + parentID
	epoch, err := t.beginLoad(key, nil)
	if err != nil {
		return err
	}

	page, err := t.source.ListThread(ctx, parentID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.endLoad(key, epoch) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load thread %s: %w", parentID, err)
	}

	if page.Parent.ID != "" {
		if err := validate(&page.Parent); err != nil {
			t.logger.Warn("dropping invalid thread parent", zap.Error(err))
		} else {
			t.ingest(page.Parent, false)
		}
	}
	for _, r := range page.Replies {
		if r.Parent() != parentID {
			t.logger.Warn("dropping reply outside thread",
				zap.String("parent_id", parentID), zap.String("msg_id", r.ID))
			continue
		}
		if err := validate(&r); err != nil {
			t.logger.Warn("dropping invalid reply", zap.Error(err))
			continue
		}
		t.ingest(r, false)
	}
	return nil
}

func (t *Timeline) beginLoad(key string, prepare func()) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.loading[key]; busy {
		return 0, ErrLoadInFlight
	}
	t.loading[key] = struct{}{}
	if prepare != nil {
		prepare()
	}
	return t.epoch, nil
}

// endLoad clears the in-flight mark and reports whether the result still
// applies to the current state.
func (t *Timeline) endLoad(key string, epoch uint64) bool {
	if epoch != t.epoch {
		return false
	}
	delete(t.loading, key)
	return true
}

// Loading reports whether a snapshot load for roomID is running.
func (t *Timeline) Loading(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, busy := t.loading["room:"+roomID]
	return busy
}

func (t *Timeline) oldestTop(roomID string) *model.Message {
	for _, m := range t.rooms[roomID] {
		if !m.IsReply() && !m.Pending {
			return m
		}
	}
	return nil
}

func (t *Timeline) accept(roomID string, page []model.Message) []model.Message {
	out := make([]model.Message, 0, len(page))
	for _, m := range page {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		if err := validate(&m); err != nil || m.RoomID != roomID {
			t.logger.Warn("dropping invalid snapshot message",
				zap.String("room_id", roomID), zap.String("msg_id", m.ID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out
}

// replace makes page the confirmed top-level window of roomID. Placeholders,
// thread replies and messages newer than the page survive.
func (t *Timeline) replace(roomID string, page []model.Message) {
	inPage := make(map[string]struct{}, len(page))
	var newest *model.Message
	for i := range page {
		inPage[page[i].ID] = struct{}{}
		if newest == nil || model.Compare(&page[i], newest) > 0 {
			newest = &page[i]
		}
	}

	for _, m := range slices.Clone(t.rooms[roomID]) {
		if _, ok := inPage[m.ID]; ok {
			continue
		}
		if m.Pending || m.IsReply() || (newest != nil && model.Compare(m, newest) > 0) {
			continue
		}
		t.remove(m)
	}
	for _, m := range page {
		t.ingest(m, false)
	}
}
