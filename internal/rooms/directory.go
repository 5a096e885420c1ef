package rooms

import (
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// Directory is the ordered set of rooms visible to the current user,
// most recently active first. Partitions are filtered from that single
// order on every read.
type Directory struct {
	mu          sync.RWMutex
	currentUser string
	order       []string
	rooms       map[string]*model.Room
	// known holds rooms announced by creation broadcasts that the user
	// has not joined yet.
	known map[string]*model.Room
}

// NewDirectory creates an empty directory for currentUser.
func NewDirectory(currentUser string) *Directory {
	return &Directory{
		currentUser: currentUser,
		rooms:       make(map[string]*model.Room),
		known:       make(map[string]*model.Room),
	}
}

// Bootstrap replaces all state with rooms. Rooms carrying a last-activity
// time are ordered by it; the server's order breaks ties.
func (d *Directory) Bootstrap(rooms []model.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.order = d.order[:0]
	d.rooms = make(map[string]*model.Room, len(rooms))
	d.known = make(map[string]*model.Room)
	for _, r := range rooms {
		if _, dup := d.rooms[r.ID]; dup {
			continue
		}
		c := r.Clone()
		d.rooms[r.ID] = &c
		d.order = append(d.order, r.ID)
	}
	slices.SortStableFunc(d.order, func(a, b string) int {
		return compareActivity(d.rooms[a].LastMessageAt, d.rooms[b].LastMessageAt)
	})
}

func compareActivity(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return b.Compare(*a)
}

// UpsertOnJoin adds room when joiningUserID is the current user and the room
// is not already visible. For other users it only records membership.
// A nil room falls back to one remembered from a creation broadcast.
// Reports whether the room became visible.
func (d *Directory) UpsertOnJoin(roomID string, room *model.Room, joiningUserID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.rooms[roomID]; ok {
		addMember(existing, joiningUserID)
		return false
	}
	if joiningUserID != d.currentUser {
		if k, ok := d.known[roomID]; ok {
			addMember(k, joiningUserID)
		}
		return false
	}

	var r model.Room
	switch {
	case room != nil:
		r = room.Clone()
	case d.known[roomID] != nil:
		r = d.known[roomID].Clone()
	default:
		r = model.Room{ID: roomID, Type: model.RoomChannel}
	}
	addMember(&r, joiningUserID)
	delete(d.known, roomID)
	d.rooms[roomID] = &r
	d.order = slices.Insert(d.order, 0, roomID)
	return true
}

// AddCreated makes a room returned by the create call visible at the head.
// The creator is a member by construction. Reports whether it was added.
func (d *Directory) AddCreated(room model.Room) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.rooms[room.ID]; ok {
		return false
	}
	r := room.Clone()
	addMember(&r, d.currentUser)
	delete(d.known, room.ID)
	d.rooms[room.ID] = &r
	d.order = slices.Insert(d.order, 0, room.ID)
	return true
}

// Remember records a creation broadcast without making the room visible.
func (d *Directory) Remember(room model.Room) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.rooms[room.ID]; ok {
		return
	}
	r := room.Clone()
	d.known[room.ID] = &r
}

// AddMember records m on a visible or remembered room, filling in the name
// of a bare entry added by a join. Reports whether a visible room changed.
func (d *Directory) AddMember(roomID string, m model.Member) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, visible := d.rooms[roomID]
	if !visible {
		if r = d.known[roomID]; r == nil {
			return false
		}
	}
	idx := slices.IndexFunc(r.Members, func(x model.Member) bool { return x.UserID == m.UserID })
	switch {
	case m.UserID == "":
		return false
	case idx < 0:
		r.Members = append(r.Members, m)
	case r.Members[idx] == m:
		return false
	default:
		r.Members[idx] = m
	}
	return visible
}

// ReorderOnActivity moves roomID to the head of the order, and so to the
// head of its partition. Unknown rooms are ignored.
func (d *Directory) ReorderOnActivity(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.moveToFront(roomID)
}

// Touch records message activity on a room and reorders it.
func (d *Directory) Touch(msg model.Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[msg.RoomID]
	if !ok {
		return false
	}
	if r.LastMessageAt == nil || !msg.SentAt.Before(*r.LastMessageAt) {
		at := msg.SentAt
		r.LastMessageAt = &at
		r.LastMessagePreview = model.Preview(msg.Content)
	}
	return d.moveToFront(msg.RoomID)
}

func (d *Directory) moveToFront(roomID string) bool {
	idx := slices.Index(d.order, roomID)
	if idx < 0 {
		return false
	}
	if idx > 0 {
		copy(d.order[1:idx+1], d.order[:idx])
		d.order[0] = roomID
	}
	return true
}

// ApplyRoomUpdate merges patch into a visible or remembered room without
// touching fields the patch leaves absent. A patch carrying message activity
// moves a visible room to the head of the order, and so of its partition.
// Reports whether a visible room changed.
func (d *Directory) ApplyRoomUpdate(patch model.RoomPatch) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.rooms[patch.ID]; ok {
		patch.Apply(r)
		if patch.Touches() {
			d.moveToFront(patch.ID)
		}
		return true
	}
	if k, ok := d.known[patch.ID]; ok {
		patch.Apply(k)
	}
	return false
}

// Remove drops a room from the directory.
func (d *Directory) Remove(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.known, roomID)
	if _, ok := d.rooms[roomID]; !ok {
		return false
	}
	delete(d.rooms, roomID)
	d.order = slices.DeleteFunc(d.order, func(id string) bool { return id == roomID })
	return true
}

// Get returns a copy of a visible room.
func (d *Directory) Get(roomID string) (model.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return model.Room{}, false
	}
	return r.Clone(), true
}

// Contains reports whether roomID is visible.
func (d *Directory) Contains(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[roomID]
	return ok
}

// Rooms returns copies of all visible rooms in activity order.
func (d *Directory) Rooms() []model.Room {
	return d.filter(func(*model.Room) bool { return true })
}

// Partition returns visible rooms in p, in activity order. Membership is
// derived from the rooms' current fields.
func (d *Directory) Partition(p model.Partition) []model.Room {
	return d.filter(func(r *model.Room) bool { return r.Partition() == p })
}

// IDs returns the ids of visible rooms in activity order.
func (d *Directory) IDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.order)
}

func (d *Directory) filter(keep func(*model.Room) bool) []model.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]model.Room, 0, len(d.order))
	for _, id := range d.order {
		if r := d.rooms[id]; keep(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

func addMember(r *model.Room, userID string) {
	if userID == "" || r.HasMember(userID) {
		return
	}
	r.Members = append(r.Members, model.Member{UserID: userID})
}
