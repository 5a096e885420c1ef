package bus

import (
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func quiet(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %q", evt.Kind)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestPrefixRouting(t *testing.T) {
	b := New()
	rooms, unsubRooms := b.Subscribe("room.", 4)
	defer unsubRooms()
	all, unsubAll := b.Subscribe("", 4)
	defer unsubAll()

	b.Emit(KindMessageUpserted, MessageRef{RoomID: "r1", MessageID: "m1"})
	b.Emit(KindRoomUpdated, RoomRef{RoomID: "r1"})

	if got := recv(t, rooms).Kind; got != KindRoomUpdated {
		t.Errorf("room subscriber got %q", got)
	}
	quiet(t, rooms)

	if got := recv(t, all).Kind; got != KindMessageUpserted {
		t.Errorf("first event = %q, want %q", got, KindMessageUpserted)
	}
	if got := recv(t, all).Kind; got != KindRoomUpdated {
		t.Errorf("second event = %q, want %q", got, KindRoomUpdated)
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("room.", 4)
	cancel()
	cancel()

	b.Emit(KindRoomAdded, RoomRef{RoomID: "r1"})
	quiet(t, ch)
}

func TestFullSubscriberDropsAndCounts(t *testing.T) {
	b := New()
	slow, cancelSlow := b.Subscribe("unread.", 1)
	defer cancelSlow()
	fast, cancelFast := b.Subscribe("unread.", 8)
	defer cancelFast()

	for i := 0; i < 3; i++ {
		b.Emit(KindUnreadChanged, RoomRef{RoomID: "r1"})
	}

	recv(t, slow)
	quiet(t, slow)
	for i := 0; i < 3; i++ {
		recv(t, fast)
	}
	if got := b.Dropped("unread."); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
	if got := b.Dropped("room."); got != 0 {
		t.Errorf("Dropped(room.) = %d, want 0", got)
	}
}

func TestEmitStampsEvent(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("presence.", 1)
	defer cancel()

	before := time.Now()
	b.Emit(KindPresenceChanged, UserRef{UserID: "u1"})

	evt := recv(t, ch)
	if evt.Timestamp.Before(before) {
		t.Errorf("Timestamp %v before emit at %v", evt.Timestamp, before)
	}
	if ref, ok := evt.Payload.(UserRef); !ok || ref.UserID != "u1" {
		t.Errorf("payload = %#v", evt.Payload)
	}
}

func TestEmitOnNilBus(t *testing.T) {
	var b *Bus
	b.Emit(KindRoomAdded, RoomRef{RoomID: "r1"})
}

func TestLabel(t *testing.T) {
	for prefix, want := range map[string]string{"": "*", "room.": "room", "message": "message"} {
		if got := label(prefix); got != want {
			t.Errorf("label(%q) = %q, want %q", prefix, got, want)
		}
	}
}
