package presence

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

// API is the REST surface for unread state.
type API interface {
	UnreadCounts(ctx context.Context) (*transport.UnreadSnapshot, error)
	MarkRead(ctx context.Context, roomID, messageID string) error
}

// Reconciler merges the live presence feed with cached member status and
// tracks per-room unread counts.
type Reconciler struct {
	currentUser string
	api         API
	bus         *bus.Bus
	logger      *zap.Logger
	now         func() time.Time

	mu          sync.Mutex
	feedEnabled bool
	online      map[string]struct{}
	cached      map[string]bool

	unread   map[string]*roomUnread
	focused  string
	markSeq  uint64
	snapSeq  uint64
	snapDone uint64
}

// NewReconciler creates an empty reconciler for currentUser.
func NewReconciler(currentUser string, api API, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		currentUser: currentUser,
		api:         api,
		bus:         b,
		logger:      logger,
		now:         time.Now,
		online:      make(map[string]struct{}),
		cached:      make(map[string]bool),
		unread:      make(map[string]*roomUnread),
	}
}

// IsOnline prefers the live feed while it reports itself enabled and falls
// back to the cached member flag otherwise.
func (r *Reconciler) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.feedEnabled {
		_, ok := r.online[userID]
		return ok
	}
	return r.cached[userID]
}

// FeedEnabled reports whether the live presence feed is authoritative.
func (r *Reconciler) FeedEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feedEnabled
}

// Online returns the users the live feed reports online, sorted.
func (r *Reconciler) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.online))
	for id := range r.online {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// RememberMembers records the cached presence flags carried by REST room
// payloads.
func (r *Reconciler) RememberMembers(rooms ...model.Room) {
	r.mu.Lock()
	for _, room := range rooms {
		for _, m := range room.Members {
			r.cached[m.UserID] = m.IsOnline
		}
	}
	r.mu.Unlock()
}

// ApplySync replaces the live online set.
func (r *Reconciler) ApplySync(ps transport.PresenceSync) {
	r.mu.Lock()
	prev := r.online
	r.feedEnabled = ps.Enabled
	r.online = make(map[string]struct{}, len(ps.Online))
	for _, id := range ps.Online {
		r.online[id] = struct{}{}
	}
	next := r.online
	metrics.OnlineUsers.Set(float64(len(next)))
	r.mu.Unlock()

	for id := range prev {
		if _, ok := next[id]; !ok {
			r.bus.Emit(bus.KindPresenceChanged, bus.UserRef{UserID: id, Online: false})
		}
	}
	for id := range next {
		if _, ok := prev[id]; !ok {
			r.bus.Emit(bus.KindPresenceChanged, bus.UserRef{UserID: id, Online: true})
		}
	}
}

// SetOnline applies a user-online or user-offline feed event.
func (r *Reconciler) SetOnline(userID string, online bool) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	_, was := r.online[userID]
	if online {
		r.online[userID] = struct{}{}
	} else {
		delete(r.online, userID)
	}
	metrics.OnlineUsers.Set(float64(len(r.online)))
	r.mu.Unlock()

	if was != online {
		r.bus.Emit(bus.KindPresenceChanged, bus.UserRef{UserID: userID, Online: online})
	}
}

// Reset forgets everything. Used before rebuilding after a reconnect.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.feedEnabled = false
	r.online = make(map[string]struct{})
	r.cached = make(map[string]bool)
	r.unread = make(map[string]*roomUnread)
	r.snapSeq++
	r.snapDone = r.snapSeq
	metrics.OnlineUsers.Set(0)
	r.mu.Unlock()
}
