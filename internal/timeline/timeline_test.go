package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func msg(id, room string, sec int) model.Message {
	return model.Message{ID: id, RoomID: room, UserID: "u2", Content: id, SentAt: at(sec), UpdatedAt: at(sec)}
}

func reply(id, parent string, sec int) model.Message {
	m := msg(id, "r1", sec)
	m.ThreadID = &parent
	return m
}

func withCount(m model.Message, n int, last *time.Time) model.Message {
	m.ReplyCount = &n
	m.LastReplyAt = last
	return m
}

func idsOf(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func sameIDs(t *testing.T, got []model.Message, want ...string) {
	t.Helper()
	ids := idsOf(got)
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func replies(t *testing.T, tl *Timeline, id string) int {
	t.Helper()
	m, ok := tl.Get(id)
	if !ok {
		t.Fatalf("message %s not resident", id)
	}
	return m.Replies()
}

// fakeSource serves canned pages; block, when set, holds ListMessages until closed.
type fakeSource struct {
	mu      sync.Mutex
	pages   []*transport.MessagePage
	queries []transport.PageQuery
	thread  *transport.ThreadPage
	err     error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeSource) ListMessages(ctx context.Context, roomID string, q transport.PageQuery) (*transport.MessagePage, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	block, started := f.block, f.started
	var page *transport.MessagePage
	if len(f.pages) > 0 {
		page, f.pages = f.pages[0], f.pages[1:]
	}
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if page == nil {
		page = &transport.MessagePage{}
	}
	return page, nil
}

func (f *fakeSource) ListThread(ctx context.Context, parentID string) (*transport.ThreadPage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.thread, nil
}

func TestIngestDedupsAndOrders(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	// Same timestamp for b and a: the id breaks the tie.
	for _, m := range []model.Message{msg("c", "r1", 3), msg("b", "r1", 1), msg("a", "r1", 1), msg("c", "r1", 3), msg("b", "r1", 1)} {
		if _, err := tl.Ingest(m); err != nil {
			t.Fatal(err)
		}
	}
	sameIDs(t, tl.Messages("r1"), "a", "b", "c")
}

func TestIngestDuplicateReplacesFields(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	inserted, _ := tl.Ingest(msg("m1", "r1", 1))
	if !inserted {
		t.Fatal("first ingest should insert")
	}
	edited := msg("m1", "r1", 1)
	edited.Content = "edited"
	edited.UpdatedAt = at(5)
	inserted, _ = tl.Ingest(edited)
	if inserted {
		t.Error("duplicate id should not insert")
	}
	got, _ := tl.Get("m1")
	if got.Content != "edited" {
		t.Errorf("content = %q, want edited", got.Content)
	}
}

func TestIngestRejectsInvalid(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	self := "m1"
	bad := []model.Message{
		{RoomID: "r1"},
		{ID: "m1"},
		{ID: "m1", RoomID: "r1", ThreadID: &self},
	}
	for _, m := range bad {
		if _, err := tl.Ingest(m); !errors.Is(err, ErrInvalid) {
			t.Errorf("Ingest(%+v) error = %v, want ErrInvalid", m, err)
		}
	}
}

func TestOptimisticReplyThenPushCountsOnce(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	tl.Ingest(withCount(msg("p", "r1", 0), 0, nil))

	pending := reply("", "p", 10)
	pending.ClientID = "c1"
	if err := tl.InsertPending(pending); err != nil {
		t.Fatal(err)
	}
	if n := replies(t, tl, "p"); n != 1 {
		t.Fatalf("replyCount after optimistic reply = %d, want 1", n)
	}

	push := reply("m9", "p", 10)
	push.ClientID = "c1"
	tl.Ingest(push)
	if n := replies(t, tl, "p"); n != 1 {
		t.Errorf("replyCount after push = %d, want 1", n)
	}
	sameIDs(t, tl.Thread("p"), "m9")

	// The REST response for the same send is a no-op.
	tl.Ingest(push)
	if n := replies(t, tl, "p"); n != 1 {
		t.Errorf("replyCount after REST response = %d, want 1", n)
	}
}

func TestPushWithoutClientIDReconciledByResponse(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	tl.Ingest(withCount(msg("p", "r1", 0), 0, nil))

	pending := reply("", "p", 10)
	pending.ClientID = "c1"
	tl.InsertPending(pending)

	tl.Ingest(reply("m9", "p", 10))

	resp := reply("m9", "p", 10)
	resp.ClientID = "c1"
	tl.Ingest(resp)

	if n := replies(t, tl, "p"); n != 1 {
		t.Errorf("replyCount = %d, want 1", n)
	}
	sameIDs(t, tl.Thread("p"), "m9")
	if got, ok := tl.Get("c1"); !ok || got.ID != "m9" {
		t.Errorf("lookup by client id = %v %v, want m9", got.ID, ok)
	}
}

func TestDeferredReplyCount(t *testing.T) {
	t.Run("parent without lastReplyAt", func(t *testing.T) {
		tl := New(nil, "me", 0, nil)
		tl.Ingest(reply("x", "p", 5))
		tl.Ingest(withCount(msg("p", "r1", 0), 0, nil))
		if n := replies(t, tl, "p"); n != 1 {
			t.Errorf("replyCount = %d, want 1", n)
		}
	})
	t.Run("parent already counts the reply", func(t *testing.T) {
		tl := New(nil, "me", 0, nil)
		tl.Ingest(reply("x", "p", 5))
		last := at(5)
		tl.Ingest(withCount(msg("p", "r1", 0), 1, &last))
		if n := replies(t, tl, "p"); n != 1 {
			t.Errorf("replyCount = %d, want 1", n)
		}
	})
	t.Run("nonzero counter without lastReplyAt", func(t *testing.T) {
		tl := New(nil, "me", 0, nil)
		tl.Ingest(reply("x", "p", 5))
		tl.Ingest(withCount(msg("p", "r1", 0), 3, nil))
		if n := replies(t, tl, "p"); n != 4 {
			t.Errorf("replyCount = %d, want 4", n)
		}
		// A later server copy carries the reply in its own counter.
		tl.Ingest(withCount(msg("p", "r1", 0), 4, nil))
		if n := replies(t, tl, "p"); n != 4 {
			t.Errorf("replyCount after refresh = %d, want 4", n)
		}
	})
	t.Run("reply newer than server counter", func(t *testing.T) {
		tl := New(nil, "me", 0, nil)
		tl.Ingest(reply("x", "p", 9))
		last := at(5)
		tl.Ingest(withCount(msg("p", "r1", 0), 2, &last))
		if n := replies(t, tl, "p"); n != 3 {
			t.Errorf("replyCount = %d, want 3", n)
		}
	})
}

func TestDropPendingReplyRestoresCount(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	tl.Ingest(withCount(msg("p", "r1", 0), 2, nil))

	pending := reply("", "p", 10)
	pending.ClientID = "c1"
	tl.InsertPending(pending)
	if n := replies(t, tl, "p"); n != 3 {
		t.Fatalf("replyCount = %d, want 3", n)
	}
	if !tl.DropPending("c1") {
		t.Fatal("DropPending() = false")
	}
	if n := replies(t, tl, "p"); n != 2 {
		t.Errorf("replyCount after drop = %d, want 2", n)
	}
	if tl.DropPending("c1") {
		t.Error("second DropPending() should be a no-op")
	}
}

func TestThreadIsProjection(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	tl.Ingest(msg("p", "r1", 0))
	tl.Ingest(reply("b", "p", 2))
	tl.Ingest(reply("a", "p", 1))
	tl.Ingest(msg("q", "r1", 3))

	sameIDs(t, tl.Messages("r1"), "p", "q")
	sameIDs(t, tl.Thread("p"), "a", "b")

	edited := reply("a", "p", 1)
	edited.Content = "changed"
	edited.UpdatedAt = at(9)
	tl.Ingest(edited)
	if got := tl.Thread("p")[0].Content; got != "changed" {
		t.Errorf("thread view content = %q, want changed", got)
	}
}

func TestSoftDeleteKeepsThread(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	tl.Ingest(withCount(msg("p", "r1", 0), 0, nil))
	tl.Ingest(reply("a", "p", 1))

	got, ok := tl.MarkDeleted("p", at(20), at(20))
	if !ok || got.DeletedAt == nil {
		t.Fatalf("MarkDeleted() = %+v, %v", got, ok)
	}
	tl.MarkDeleted("a", at(21), at(21))
	sameIDs(t, tl.Messages("r1"), "p")
	sameIDs(t, tl.Thread("p"), "a")
	if n := replies(t, tl, "p"); n != 1 {
		t.Errorf("replyCount = %d, want 1", n)
	}
}

func TestLiveReplyAfterSnapshotCounts(t *testing.T) {
	src := &fakeSource{thread: &transport.ThreadPage{
		Parent:  withCount(msg("p", "r1", 0), 1, nil),
		Replies: []model.Message{reply("a", "p", 1)},
	}}
	tl := New(src, "me", 0, nil)
	if err := tl.LoadThread(context.Background(), "p"); err != nil {
		t.Fatal(err)
	}
	tl.Ingest(reply("b", "p", 2))
	if n := replies(t, tl, "p"); n != 2 {
		t.Errorf("replyCount = %d, want 2", n)
	}
}

func TestLocalStampAgainstPush(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	seen := msg("m1", "r1", 0)
	seen.UpdatedAt = at(5)
	tl.Ingest(seen)

	token, prev, err := tl.ApplyLocal("m1", FieldPin, func(m *model.Message) { m.IsPinned = true })
	if err != nil {
		t.Fatal(err)
	}

	// An echo of the version the pin was made against does not undo it,
	// however far the local clock is from the server's.
	older := msg("m1", "r1", 0)
	older.UpdatedAt = at(3)
	tl.Ingest(older)
	tl.Ingest(seen)
	undated := msg("m1", "r1", 0)
	undated.UpdatedAt = time.Time{}
	tl.Ingest(undated)
	if got, _ := tl.Get("m1"); !got.IsPinned {
		t.Fatal("push at or before the known server version overwrote the optimistic pin")
	}

	// A second local write keeps the original base version.
	tl.ApplyLocal("m1", FieldPin, func(m *model.Message) { m.IsPinned = true })

	newer := msg("m1", "r1", 0)
	newer.UpdatedAt = at(6)
	tl.Ingest(newer)
	if got, _ := tl.Get("m1"); got.IsPinned {
		t.Error("push newer than the known server version should win")
	}
	if tl.Rollback("m1", FieldPin, token, prev) {
		t.Error("rollback after a winning push must be a no-op")
	}
}

func TestStampFallsBackToSentAt(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	m := msg("m1", "r1", 4)
	m.UpdatedAt = time.Time{}
	tl.Ingest(m)

	tl.ApplyLocal("m1", FieldContent, func(m *model.Message) { m.Content = "draft" })

	echo := msg("m1", "r1", 4)
	tl.Ingest(echo) // UpdatedAt == SentAt
	if got, _ := tl.Get("m1"); got.Content != "draft" {
		t.Fatalf("content = %q, want draft kept", got.Content)
	}
	edited := msg("m1", "r1", 4)
	edited.Content = "server edit"
	edited.UpdatedAt = at(8)
	tl.Ingest(edited)
	if got, _ := tl.Get("m1"); got.Content != "server edit" {
		t.Errorf("content = %q, want server edit", got.Content)
	}
}

func TestRollbackOnlyTouchesItsField(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	tl.Ingest(msg("m1", "r1", 0))

	tok, prev, _ := tl.ApplyLocal("m1", FieldContent, func(m *model.Message) { m.Content = "draft" })
	tl.ApplyLocal("m1", FieldPin, func(m *model.Message) { m.IsPinned = true })

	if !tl.Rollback("m1", FieldContent, tok, prev) {
		t.Fatal("Rollback() = false")
	}
	got, _ := tl.Get("m1")
	if got.Content != "m1" || !got.IsPinned {
		t.Errorf("after rollback content=%q pinned=%v, want m1/true", got.Content, got.IsPinned)
	}
}

func TestRollbackSkippedAfterNewerLocalWrite(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	tl.Ingest(msg("m1", "r1", 0))

	first, prev, _ := tl.ApplyLocal("m1", FieldContent, func(m *model.Message) { m.Content = "one" })
	tl.ApplyLocal("m1", FieldContent, func(m *model.Message) { m.Content = "two" })

	if tl.Rollback("m1", FieldContent, first, prev) {
		t.Error("stale rollback should be refused")
	}
	if got, _ := tl.Get("m1"); got.Content != "two" {
		t.Errorf("content = %q, want two", got.Content)
	}
}

func TestConfirmMergesServerCopy(t *testing.T) {
	tl := New(nil, "me", 0, nil)
	tl.Ingest(msg("m1", "r1", 0))

	tok, _, _ := tl.ApplyLocal("m1", FieldReactions, func(m *model.Message) {
		m.Reactions = model.SetReaction(m.Reactions, "👍", "me", true)
	})
	server := msg("m1", "r1", 0)
	server.Reactions = []model.Reaction{{Emoji: "👍", Users: []string{"me", "u3"}}}
	if !tl.Confirm("m1", FieldReactions, tok, &server) {
		t.Fatal("Confirm() = false")
	}
	got, _ := tl.Get("m1")
	if len(got.Reactions) != 1 || got.Reactions[0].Count != 2 || !got.Reactions[0].HasReacted {
		t.Errorf("reactions = %+v", got.Reactions)
	}
}

func TestLoadSnapshotNewerReplaces(t *testing.T) {
	src := &fakeSource{pages: []*transport.MessagePage{{
		Messages: []model.Message{msg("b", "r1", 2), msg("c", "r1", 3)},
		HasMore:  true,
	}}}
	tl := New(src, "me", 20, nil)
	tl.Ingest(msg("a", "r1", 1)) // gone server side
	tl.Ingest(msg("z", "r1", 9)) // arrived after the page was cut
	tl.Ingest(reply("t", "a", 4))
	pending := msg("", "r1", 8)
	pending.ClientID = "c1"
	tl.InsertPending(pending)

	more, err := tl.LoadSnapshot(context.Background(), "r1", Newer)
	if err != nil || !more {
		t.Fatalf("LoadSnapshot() = %v, %v", more, err)
	}
	sameIDs(t, tl.Messages("r1"), "b", "c", "c1", "z")
	sameIDs(t, tl.Thread("a"), "t")
	if q := src.queries[0]; q.Limit != 20 || q.Before != "" {
		t.Errorf("query = %+v", q)
	}
}

func TestLoadSnapshotOlderPrepends(t *testing.T) {
	src := &fakeSource{pages: []*transport.MessagePage{{
		Messages: []model.Message{msg("a", "r1", 1), msg("b", "r1", 2)},
	}}}
	tl := New(src, "me", 0, nil)
	tl.Ingest(msg("b", "r1", 2))
	tl.Ingest(msg("c", "r1", 3))

	if _, err := tl.LoadSnapshot(context.Background(), "r1", Older); err != nil {
		t.Fatal(err)
	}
	sameIDs(t, tl.Messages("r1"), "a", "b", "c")
	if q := src.queries[0]; q.Before != "b" {
		t.Errorf("before = %q, want b", q.Before)
	}
}

func TestLoadSnapshotRejectsConcurrentLoad(t *testing.T) {
	src := &fakeSource{block: make(chan struct{}), started: make(chan struct{})}
	tl := New(src, "me", 0, nil)

	done := make(chan error, 1)
	go func() {
		_, err := tl.LoadSnapshot(context.Background(), "r1", Older)
		done <- err
	}()
	<-src.started

	if _, err := tl.LoadSnapshot(context.Background(), "r1", Newer); !errors.Is(err, ErrLoadInFlight) {
		t.Errorf("second load error = %v, want ErrLoadInFlight", err)
	}
	if !tl.Loading("r1") {
		t.Error("Loading() = false during load")
	}
	close(src.block)
	if err := <-done; err != nil {
		t.Fatalf("first load error = %v", err)
	}
	if tl.Loading("r1") {
		t.Error("Loading() = true after load finished")
	}
}

func TestLoadSnapshotDiscardedAfterReset(t *testing.T) {
	src := &fakeSource{
		pages:   []*transport.MessagePage{{Messages: []model.Message{msg("stale", "r1", 1)}}},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	tl := New(src, "me", 0, nil)

	done := make(chan error, 1)
	go func() {
		_, err := tl.LoadSnapshot(context.Background(), "r1", Newer)
		done <- err
	}()
	<-src.started
	tl.Reset()
	close(src.block)
	<-done

	if got := tl.Messages("r1"); len(got) != 0 {
		t.Errorf("messages = %v, want none after reset", idsOf(got))
	}
}

func TestLoadSnapshotError(t *testing.T) {
	boom := errors.New("boom")
	tl := New(&fakeSource{err: boom}, "me", 0, nil)
	if _, err := tl.LoadSnapshot(context.Background(), "r1", Newer); !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped boom", err)
	}
	if tl.Loading("r1") {
		t.Error("failed load left the room marked in flight")
	}
}

func TestLoadThread(t *testing.T) {
	p := withCount(msg("p", "r1", 0), 2, nil)
	src := &fakeSource{thread: &transport.ThreadPage{
		Parent:  p,
		Replies: []model.Message{reply("a", "p", 1), reply("b", "p", 2), reply("x", "other", 3)},
	}}
	tl := New(src, "me", 0, nil)
	if err := tl.LoadThread(context.Background(), "p"); err != nil {
		t.Fatal(err)
	}
	sameIDs(t, tl.Thread("p"), "a", "b")
	if n := replies(t, tl, "p"); n != 2 {
		t.Errorf("replyCount = %d, want 2", n)
	}
}
