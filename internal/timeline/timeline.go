package timeline

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

var (
	ErrLoadInFlight = errors.New("timeline: load already in flight")
	ErrInvalid      = errors.New("timeline: invalid message")
	ErrNotFound     = errors.New("timeline: message not found")
	ErrDuplicate    = errors.New("timeline: client id already pending")
)

// Timeline holds every resident message, per room, in (SentAt, ID) order.
// Thread views and top-level views are filtered from the same log on each
// read, so a reply exists in exactly one place.
type Timeline struct {
	mu          sync.Mutex
	source      MessageSource
	currentUser string
	pageSize    int
	logger      *zap.Logger

	rooms    map[string][]*model.Message
	byID     map[string]*model.Message
	byClient map[string]string
	// baselines holds the server's view of each parent's reply counter.
	baselines map[string]*baseline
	// orphans holds live replies, by parent id, that arrived before their
	// parent was resident.
	orphans map[string]map[string]struct{}
	stamps  map[string]map[Field]stamp
	loading map[string]struct{}
	seq     Token
	// epoch invalidates loads that were in flight across a Reset.
	epoch uint64
}

// New creates an empty timeline. source may be nil when only pushes are ingested.
func New(source MessageSource, currentUser string, pageSize int, logger *zap.Logger) *Timeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	t := &Timeline{
		source:      source,
		currentUser: currentUser,
		pageSize:    pageSize,
		logger:      logger,
	}
	t.reset()
	return t
}

func (t *Timeline) reset() {
	t.rooms = make(map[string][]*model.Message)
	t.byID = make(map[string]*model.Message)
	t.byClient = make(map[string]string)
	t.baselines = make(map[string]*baseline)
	t.orphans = make(map[string]map[string]struct{})
	t.stamps = make(map[string]map[Field]stamp)
	t.loading = make(map[string]struct{})
}

// Reset discards all resident messages, pending placeholders included.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
	t.epoch++
}

func validate(msg *model.Message) error {
	switch {
	case msg.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalid)
	case msg.RoomID == "":
		return fmt.Errorf("%w: message %s has no room", ErrInvalid, msg.ID)
	case msg.ThreadID != nil && *msg.ThreadID == msg.ID:
		return fmt.Errorf("%w: message %s is its own thread", ErrInvalid, msg.ID)
	}
	return nil
}

// Ingest merges a server copy of a message. A copy whose id is resident
// replaces the resident fields; a copy carrying the client id of a pending
// placeholder confirms that placeholder. Otherwise the message is inserted.
// Reports whether a new message was inserted.
func (t *Timeline) Ingest(msg model.Message) (bool, error) {
	if err := validate(&msg); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ingest(msg, true), nil
}

// ingest merges msg. live marks messages that arrived outside a snapshot.
func (t *Timeline) ingest(msg model.Message, live bool) bool {
	msg = msg.Clone()
	msg.Pending = false
	msg.Reactions = model.NormalizeReactions(msg.Reactions, t.currentUser)

	existing := t.byID[msg.ID]
	var placeholder *model.Message
	if msg.ClientID != "" {
		if id, ok := t.byClient[msg.ClientID]; ok && id != msg.ID {
			placeholder = t.byID[id]
		}
	}

	switch {
	case existing != nil && placeholder != nil:
		// The push and the REST response both landed; keep the server entry.
		t.remove(placeholder)
		t.merge(existing, &msg)
		t.byClient[msg.ClientID] = existing.ID
		t.recount(existing.Parent())
	case existing != nil:
		t.merge(existing, &msg)
	case placeholder != nil:
		t.rekey(placeholder, &msg)
	default:
		m := &msg
		t.insert(m)
		if m.IsReply() {
			if live {
				t.markLive(m)
			}
			t.recount(m.Parent())
		} else {
			t.adopt(m, m)
		}
		return true
	}
	return false
}

// InsertPending adds an optimistic placeholder keyed by its client id.
func (t *Timeline) InsertPending(msg model.Message) error {
	if msg.ClientID == "" {
		return fmt.Errorf("%w: pending message without client id", ErrInvalid)
	}
	msg = msg.Clone()
	msg.ID = msg.ClientID
	msg.Pending = true
	if err := validate(&msg); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byClient[msg.ClientID]; ok {
		return ErrDuplicate
	}
	if _, ok := t.byID[msg.ID]; ok {
		return ErrDuplicate
	}
	m := &msg
	t.insert(m)
	if m.IsReply() {
		t.recount(m.Parent())
	}
	return nil
}

// DropPending removes a placeholder that was never confirmed. Confirmed
// messages are left alone.
func (t *Timeline) DropPending(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byClient[clientID]
	if !ok {
		return false
	}
	m := t.byID[id]
	if m == nil || !m.Pending {
		return false
	}
	t.remove(m)
	if m.IsReply() {
		t.recount(m.Parent())
	}
	return true
}

// MarkDeleted applies a soft delete. The message stays resident so thread
// anchors and reply counters survive.
func (t *Timeline) MarkDeleted(id string, deletedAt, updatedAt time.Time) (model.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.byID[id]
	if !ok {
		return model.Message{}, false
	}
	if !t.pushWins(m.ID, FieldDeleted, updatedAt) {
		return m.Clone(), true
	}
	delete(t.stamps[m.ID], FieldDeleted)
	at := deletedAt
	m.DeletedAt = &at
	if updatedAt.After(m.UpdatedAt) {
		m.UpdatedAt = updatedAt
	}
	return m.Clone(), true
}

// Get returns a message by id or by client id.
func (t *Timeline) Get(id string) (model.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.lookup(id)
	if m == nil {
		return model.Message{}, false
	}
	return m.Clone(), true
}

func (t *Timeline) lookup(id string) *model.Message {
	if m, ok := t.byID[id]; ok {
		return m
	}
	if cur, ok := t.byClient[id]; ok {
		return t.byID[cur]
	}
	return nil
}

// Messages returns the top-level messages of a room in timeline order.
func (t *Timeline) Messages(roomID string) []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.project(roomID, func(m *model.Message) bool { return !m.IsReply() })
}

// Thread returns the replies to parentID in timeline order.
func (t *Timeline) Thread(parentID string) []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent := t.lookup(parentID)
	if parent == nil {
		return t.scanReplies(parentID)
	}
	return t.project(parent.RoomID, func(m *model.Message) bool { return m.Parent() == parent.ID })
}

func (t *Timeline) scanReplies(parentID string) []model.Message {
	var out []model.Message
	for _, log := range t.rooms {
		for _, m := range log {
			if m.Parent() == parentID {
				out = append(out, m.Clone())
			}
		}
	}
	slices.SortFunc(out, func(a, b model.Message) int { return model.Compare(&a, &b) })
	return out
}

func (t *Timeline) project(roomID string, keep func(*model.Message) bool) []model.Message {
	log := t.rooms[roomID]
	out := make([]model.Message, 0, len(log))
	for _, m := range log {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Latest returns the newest confirmed top-level message of a room.
func (t *Timeline) Latest(roomID string) (model.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	log := t.rooms[roomID]
	for i := len(log) - 1; i >= 0; i-- {
		if m := log[i]; !m.IsReply() && !m.Pending {
			return m.Clone(), true
		}
	}
	return model.Message{}, false
}

// RoomIDs returns the rooms that have resident messages.
func (t *Timeline) RoomIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Timeline) insert(m *model.Message) {
	log := t.rooms[m.RoomID]
	idx, _ := slices.BinarySearchFunc(log, m, model.Compare)
	t.rooms[m.RoomID] = slices.Insert(log, idx, m)
	t.byID[m.ID] = m
	if m.ClientID != "" {
		t.byClient[m.ClientID] = m.ID
	}
}

// remove drops m along with its stamps and reply baseline.
func (t *Timeline) remove(m *model.Message) {
	if t.byID[m.ID] == m {
		delete(t.stamps, m.ID)
		delete(t.baselines, m.ID)
		delete(t.orphans[m.Parent()], m.ID)
	}
	t.unlink(m)
}

func (t *Timeline) unlink(m *model.Message) {
	log := t.rooms[m.RoomID]
	if idx := slices.Index(log, m); idx >= 0 {
		log = slices.Delete(log, idx, idx+1)
	}
	if len(log) == 0 {
		delete(t.rooms, m.RoomID)
	} else {
		t.rooms[m.RoomID] = log
	}
	if t.byID[m.ID] == m {
		delete(t.byID, m.ID)
	}
	if m.ClientID != "" && t.byClient[m.ClientID] == m.ID {
		delete(t.byClient, m.ClientID)
	}
}

// rekey turns a pending placeholder into the confirmed server message.
func (t *Timeline) rekey(placeholder, server *model.Message) {
	oldID := placeholder.ID
	stamps := t.stamps[oldID]
	delete(t.stamps, oldID)
	t.unlink(placeholder)

	*placeholder = *server
	placeholder.Pending = false
	t.insert(placeholder)
	if stamps != nil {
		t.stamps[placeholder.ID] = stamps
	}
	if placeholder.IsReply() {
		t.markLive(placeholder)
		t.recount(placeholder.Parent())
	} else {
		t.moveBaseline(oldID, placeholder.ID)
		t.adopt(placeholder, server)
	}
}

// merge copies server fields into a resident message. Field groups carrying
// a newer local optimistic stamp keep their local value.
func (t *Timeline) merge(dst, src *model.Message) {
	for _, f := range fields {
		if t.pushWins(dst.ID, f, src.UpdatedAt) {
			copyField(dst, src, f)
			delete(t.stamps[dst.ID], f)
		}
	}
	repositioned := !dst.SentAt.Equal(src.SentAt)
	if repositioned {
		t.unlink(dst)
	}
	if src.ClientID != "" {
		dst.ClientID = src.ClientID
	}
	dst.UserID = src.UserID
	dst.OrgID = src.OrgID
	dst.Type = src.Type
	if src.Attachments != nil {
		dst.Attachments = slices.Clone(src.Attachments)
	}
	dst.SentAt = src.SentAt
	if src.UpdatedAt.After(dst.UpdatedAt) {
		dst.UpdatedAt = src.UpdatedAt
	}
	dst.Pending = false
	if repositioned {
		t.insert(dst)
	}
	if dst.IsReply() {
		t.recount(dst.Parent())
	} else {
		t.adopt(dst, src)
	}
}
