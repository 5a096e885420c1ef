package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
)

type fakeAPI struct {
	mu       sync.Mutex
	snap     *transport.UnreadSnapshot
	snapErr  error
	markErr  error
	marks    []string
	markGate chan struct{}
}

func (f *fakeAPI) UnreadCounts(ctx context.Context) (*transport.UnreadSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	return f.snap, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, roomID, messageID string) error {
	f.mu.Lock()
	gate, err := f.markGate, f.markErr
	f.marks = append(f.marks, roomID+"/"+messageID)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, room string, at time.Duration) model.Message {
	return model.Message{ID: id, RoomID: room, UserID: "bob", SentAt: t0.Add(at)}
}

func TestIsOnlinePrefersEnabledFeed(t *testing.T) {
	r := NewReconciler("me", &fakeAPI{}, nil, nil)
	r.RememberMembers(model.Room{ID: "r1", Members: []model.Member{
		{UserID: "alice", IsOnline: true},
		{UserID: "bob", IsOnline: false},
	}})

	if !r.IsOnline("alice") || r.IsOnline("bob") {
		t.Error("cached flags should answer while the feed is disabled")
	}
	r.SetOnline("bob", true)
	if r.IsOnline("bob") {
		t.Error("feed events must not win while the feed is disabled")
	}

	r.ApplySync(transport.PresenceSync{Enabled: true, Online: []string{"bob"}})
	if r.IsOnline("alice") || !r.IsOnline("bob") {
		t.Error("enabled feed should be authoritative")
	}
	r.SetOnline("bob", false)
	if r.IsOnline("bob") {
		t.Error("user-offline should take bob offline")
	}

	r.ApplySync(transport.PresenceSync{Enabled: false})
	if !r.IsOnline("alice") {
		t.Error("disabling the feed should fall back to cached flags")
	}
}

func TestPresenceEventsOnlyOnChange(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("presence.", 16)
	defer unsub()

	r := NewReconciler("me", &fakeAPI{}, b, nil)
	r.SetOnline("alice", true)
	r.SetOnline("alice", true)
	r.ApplySync(transport.PresenceSync{Enabled: true, Online: []string{"alice", "carol"}})

	var got []bus.UserRef
	for len(events) > 0 {
		got = append(got, (<-events).Payload.(bus.UserRef))
	}
	if len(got) != 2 || got[0].UserID != "alice" || got[1].UserID != "carol" {
		t.Errorf("events = %+v, want alice then carol", got)
	}
}

func TestCountMessageOncePerID(t *testing.T) {
	r := NewReconciler("me", &fakeAPI{}, nil, nil)
	m := msg("m1", "r1", time.Minute)

	if !r.CountMessage(m) {
		t.Fatal("first delivery should count")
	}
	if r.CountMessage(m) {
		t.Error("duplicate delivery counted")
	}
	if got := r.Unread("r1").Count; got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
}

func TestCountMessageSkipsNonQualifying(t *testing.T) {
	r := NewReconciler("me", &fakeAPI{}, nil, nil)
	r.Focus("focused")
	parent := "p1"

	own := msg("a", "r1", 0)
	own.UserID = "me"
	reply := msg("b", "r1", 0)
	reply.ThreadID = &parent
	pending := msg("c", "r1", 0)
	pending.Pending = true

	for _, m := range []model.Message{own, reply, pending, msg("d", "focused", 0)} {
		if r.CountMessage(m) {
			t.Errorf("message %s should not count", m.ID)
		}
	}
	if got := r.Unread("r1").Count + r.Unread("focused").Count; got != 0 {
		t.Errorf("counts = %d, want 0", got)
	}
}

func TestSnapshotKeepsLiveMessagesAfterAsOf(t *testing.T) {
	api := &fakeAPI{snap: &transport.UnreadSnapshot{
		AsOf:   t0.Add(2 * time.Minute),
		Counts: []model.UnreadCount{{RoomID: "r1", Count: 3, LastSeenMessageID: "m0"}},
	}}
	r := NewReconciler("me", api, nil, nil)

	// Delivered before the snapshot landed: m1 is already in the server
	// count, m2 is newer than the snapshot.
	r.CountMessage(msg("m1", "r1", time.Minute))
	r.CountMessage(msg("m2", "r1", 3*time.Minute))

	if err := r.RefreshUnread(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := r.Unread("r1")
	if got.Count != 4 || got.LastSeenMessageID != "m0" {
		t.Errorf("unread = %+v, want 3 from snapshot + m2", got)
	}
	if r.CountMessage(msg("m2", "r1", 3*time.Minute)) {
		t.Error("m2 counted twice across the snapshot")
	}
	if r.CountMessage(msg("m1b", "r1", 90*time.Second)) {
		t.Error("message older than asOf must not be added to the snapshot count")
	}
}

func TestSnapshotAsOfFallsBackToRequestStart(t *testing.T) {
	api := &fakeAPI{snap: &transport.UnreadSnapshot{Counts: []model.UnreadCount{{RoomID: "r1", Count: 1}}}}
	r := NewReconciler("me", api, nil, nil)
	r.now = func() time.Time { return t0 }

	if err := r.RefreshUnread(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.CountMessage(msg("old", "r1", -time.Second)) {
		t.Error("message before request start should be covered by the snapshot")
	}
	if !r.CountMessage(msg("new", "r1", time.Second)) {
		t.Error("message after request start should count")
	}
	if got := r.Unread("r1").Count; got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}

func TestMarkReadKeepsNewerMessages(t *testing.T) {
	api := &fakeAPI{}
	r := NewReconciler("me", api, nil, nil)
	r.CountMessage(msg("m1", "r1", time.Minute))
	r.CountMessage(msg("m2", "r1", 2*time.Minute))
	r.CountMessage(msg("m3", "r1", 3*time.Minute))

	if err := r.MarkRead(context.Background(), "r1", msg("m2", "r1", 2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	got := r.Unread("r1")
	if got.Count != 1 || got.LastSeenMessageID != "m2" {
		t.Errorf("unread = %+v, want only m3 left", got)
	}
	// A late, reordered delivery older than the marker stays read.
	if r.CountMessage(msg("m1b", "r1", 90*time.Second)) {
		t.Error("message before the read marker counted")
	}
	if len(api.marks) != 1 || api.marks[0] != "r1/m2" {
		t.Errorf("marks = %v", api.marks)
	}
}

func TestMarkReadFailureRestoresWithoutLosingIncrements(t *testing.T) {
	api := &fakeAPI{markErr: errors.New("unavailable"), markGate: make(chan struct{})}
	r := NewReconciler("me", api, nil, nil)
	r.CountMessage(msg("m1", "r1", time.Minute))

	done := make(chan error, 1)
	go func() { done <- r.MarkRead(context.Background(), "r1", msg("m1", "r1", time.Minute)) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.Unread("r1").Count != 0 {
		if time.Now().After(deadline) {
			t.Fatal("optimistic reset not applied")
		}
		time.Sleep(time.Millisecond)
	}
	// Arrives while the mark-read request is in flight.
	r.CountMessage(msg("m2", "r1", 2*time.Minute))
	close(api.markGate)

	if err := <-done; err == nil {
		t.Fatal("MarkRead() should fail")
	}
	if got := r.Unread("r1").Count; got != 2 {
		t.Errorf("count after restore = %d, want m1 + m2", got)
	}
}

func TestMarkReadFailureDoesNotUndoNewerMark(t *testing.T) {
	api := &fakeAPI{markErr: errors.New("unavailable"), markGate: make(chan struct{})}
	r := NewReconciler("me", api, nil, nil)
	r.CountMessage(msg("m1", "r1", time.Minute))

	done := make(chan error, 1)
	go func() { done <- r.MarkRead(context.Background(), "r1", msg("m1", "r1", time.Minute)) }()
	for {
		api.mu.Lock()
		n := len(api.marks)
		api.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	second := make(chan error, 1)
	go func() { second <- r.MarkRead(context.Background(), "r1", msg("m1", "r1", time.Minute)) }()
	for {
		api.mu.Lock()
		n := len(api.marks)
		api.mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	close(api.markGate)
	<-done
	<-second

	// Both failed, but only the newest mark may restore; it restores to its
	// own starting point, which was already read.
	if got := r.Unread("r1").Count; got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestSnapshotDoesNotClobberConcurrentMarkRead(t *testing.T) {
	api := &fakeAPI{snap: &transport.UnreadSnapshot{
		AsOf:   t0,
		Counts: []model.UnreadCount{{RoomID: "r1", Count: 5}, {RoomID: "r2", Count: 2}},
	}}
	r := NewReconciler("me", api, nil, nil)

	r.mu.Lock()
	r.snapSeq++
	seq, startMark := r.snapSeq, r.markSeq
	r.mu.Unlock()

	if err := r.MarkRead(context.Background(), "r1", msg("m9", "r1", 0)); err != nil {
		t.Fatal(err)
	}
	if err := r.applySnapshot(seq, startMark, api.snap.Counts, api.snap.AsOf); err != nil {
		t.Fatal(err)
	}
	if got := r.Unread("r1").Count; got != 0 {
		t.Errorf("r1 = %d, want mark-read kept", got)
	}
	if got := r.Unread("r2").Count; got != 2 {
		t.Errorf("r2 = %d, want 2", got)
	}
	if err := r.applySnapshot(seq, startMark, nil, t0); !errors.Is(err, ErrStaleSnapshot) {
		t.Errorf("replayed snapshot error = %v, want ErrStaleSnapshot", err)
	}
}

func TestResetDropsInFlightSnapshot(t *testing.T) {
	r := NewReconciler("me", &fakeAPI{}, nil, nil)
	r.mu.Lock()
	r.snapSeq++
	seq := r.snapSeq
	r.mu.Unlock()

	r.Reset()
	err := r.applySnapshot(seq, 0, []model.UnreadCount{{RoomID: "r1", Count: 1}}, t0)
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Errorf("error = %v, want ErrStaleSnapshot", err)
	}
	if len(r.Counts()) != 0 {
		t.Errorf("counts = %+v, want none", r.Counts())
	}
}
