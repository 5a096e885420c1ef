package timeline

import (
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// baseline is the reply counter as last reported by the server for a parent.
// Replies resident locally are added on top only when the server cannot
// have counted them yet.
type baseline struct {
	count       int
	lastReplyAt *time.Time
	// live holds replies that arrived by push after the baseline was taken.
	live map[string]struct{}
}

// adopt takes src's counter as the new baseline for parent, unless src
// carries no counter and a baseline already exists.
func (t *Timeline) adopt(parent, src *model.Message) {
	if src.ReplyCount == nil && src.LastReplyAt == nil {
		if _, ok := t.baselines[parent.ID]; ok {
			t.recount(parent.ID)
			return
		}
	}
	b := &baseline{count: src.Replies(), live: make(map[string]struct{})}
	if _, ok := t.baselines[parent.ID]; !ok {
		for id := range t.orphans[parent.ID] {
			b.live[id] = struct{}{}
		}
	}
	delete(t.orphans, parent.ID)
	if src.LastReplyAt != nil {
		at := *src.LastReplyAt
		b.lastReplyAt = &at
	}
	t.baselines[parent.ID] = b
	t.recount(parent.ID)
}

func (t *Timeline) moveBaseline(from, to string) {
	if b, ok := t.baselines[from]; ok {
		delete(t.baselines, from)
		t.baselines[to] = b
	}
}

// markLive records that reply m reached us outside a snapshot. Without a
// baseline the reply is held until its parent's counter is adopted.
func (t *Timeline) markLive(m *model.Message) {
	parent := m.Parent()
	if b, ok := t.baselines[parent]; ok {
		b.live[m.ID] = struct{}{}
		return
	}
	set, ok := t.orphans[parent]
	if !ok {
		set = make(map[string]struct{})
		t.orphans[parent] = set
	}
	set[m.ID] = struct{}{}
}

// recount derives parent's ReplyCount from its baseline and the resident
// replies. A reply whose parent is not resident is picked up when the
// parent arrives.
func (t *Timeline) recount(parentID string) {
	if parentID == "" {
		return
	}
	parent, ok := t.byID[parentID]
	if !ok {
		return
	}
	b := t.baselines[parentID]
	if b == nil {
		b = &baseline{}
	}
	count := b.count
	last := b.lastReplyAt
	for _, m := range t.rooms[parent.RoomID] {
		if m.Parent() != parentID || !b.counts(m) {
			continue
		}
		count++
		if last == nil || m.SentAt.After(*last) {
			at := m.SentAt
			last = &at
		}
	}
	parent.SetReplies(count)
	parent.LastReplyAt = last
}

// counts reports whether reply m is missing from the server's counter.
// Without a lastReplyAt the counter is assumed to cover every reply that
// did not arrive live, unless it is zero.
func (b *baseline) counts(m *model.Message) bool {
	if m.Pending {
		return true
	}
	if b.lastReplyAt != nil {
		return m.SentAt.After(*b.lastReplyAt)
	}
	if b.count == 0 {
		return true
	}
	_, live := b.live[m.ID]
	return live
}
