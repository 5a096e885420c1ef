package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/chatsync/internal/assistant"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/mutation"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/rooms"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/upload"
	"go.uber.org/zap"
)

var (
	ErrNoMessages = errors.New("sync: room has no confirmed messages")
	ErrNoIndex    = errors.New("sync: search index disabled")
)

// Bridge is the push connection the engine drives.
type Bridge interface {
	Connect(ctx context.Context, userID, orgID string, h transport.Handlers) error
	Disconnect() error
	JoinRoom(ctx context.Context, roomID string) error
}

// API is the REST surface of every component the engine owns.
type API interface {
	mutation.API
	upload.API
	assistant.API
	presence.API
	timeline.MessageSource
	ListRooms(ctx context.Context) ([]model.Room, error)
	CreateRoom(ctx context.Context, req transport.CreateRoomRequest) (*model.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error
}

// Options configures an Engine.
type Options struct {
	UserID          string
	OrgID           string
	PageSize        int
	MutationTimeout time.Duration
}

// Engine owns the in-memory chat state of one authenticated session and
// keeps it consistent across push events, REST snapshots and local
// mutations. State is rebuilt from scratch on every Connect.
type Engine struct {
	opts   Options
	bridge Bridge
	api    API
	index  *store.DB
	bus    *bus.Bus
	logger *zap.Logger

	status     *status.Machine
	rooms      *rooms.Directory
	timeline   *timeline.Timeline
	pipeline   *mutation.Pipeline
	presence   *presence.Reconciler
	reconciler *Reconciler

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
	lostCh chan error

	mu      gosync.Mutex
	uploads map[string]*upload.Manager
	panels  map[string]*assistant.Panel
}

// NewEngine wires the components. index may be nil to disable search.
func NewEngine(bridge Bridge, api API, index *store.DB, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	tl := timeline.New(api, opts.UserID, opts.PageSize, logger.Named("timeline"))
	pres := presence.NewReconciler(opts.UserID, api, b, logger.Named("presence"))
	return &Engine{
		opts:     opts,
		bridge:   bridge,
		api:      api,
		index:    index,
		bus:      b,
		logger:   logger,
		status:   status.NewMachine(b),
		rooms:    rooms.NewDirectory(opts.UserID),
		timeline: tl,
		pipeline: mutation.NewPipeline(tl, api, b, logger.Named("mutation"), mutation.Options{
			UserID:  opts.UserID,
			OrgID:   opts.OrgID,
			Timeout: opts.MutationTimeout,
		}),
		presence:   pres,
		reconciler: NewReconciler(api, pres, index, logger.Named("reconciler")),
		ctx:        ctx,
		cancel:     cancel,
		lostCh:     make(chan error, 1),
		uploads:    make(map[string]*upload.Manager),
		panels:     make(map[string]*assistant.Panel),
	}
}

// Start runs the search indexer. It returns immediately.
func (e *Engine) Start() {
	if e.index == nil {
		return
	}
	ch, unsub := e.bus.Subscribe("", 512)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// Connect opens the push connection and rebuilds state from REST. It must
// be called again after Lost fires.
func (e *Engine) Connect(ctx context.Context) error {
	if err := e.status.Transition(status.Connecting); err != nil {
		return err
	}
	// A drop reported by an earlier attempt is superseded by this one.
	select {
	case <-e.lostCh:
	default:
	}
	e.reset()

	if err := e.bridge.Connect(ctx, e.opts.UserID, e.opts.OrgID, e.handlers()); err != nil {
		e.setStatus(status.Error)
		return fmt.Errorf("connect: %w", err)
	}
	e.setStatus(status.Syncing)

	roomList, err := e.reconciler.Resync(ctx)
	if err != nil {
		_ = e.bridge.Disconnect()
		e.setStatus(status.Error)
		return fmt.Errorf("resync: %w", err)
	}
	e.bootstrapRooms(roomList)
	e.setStatus(status.Ready)
	e.logger.Info("engine ready", zap.Int("rooms", len(roomList)))
	return nil
}

// Disconnect closes the push connection without scheduling a reconnect.
func (e *Engine) Disconnect() error {
	err := e.bridge.Disconnect()
	e.setStatus(status.Disconnected)
	return err
}

// Lost delivers the error of a connection dropped by the network.
func (e *Engine) Lost() <-chan error { return e.lostCh }

// Close disconnects, aborts assistant sessions and uploads, and waits for
// background work to stop.
func (e *Engine) Close() error {
	err := e.Disconnect()
	e.pipeline.Close()

	e.mu.Lock()
	panels := make([]*assistant.Panel, 0, len(e.panels))
	for _, p := range e.panels {
		panels = append(panels, p)
	}
	for _, m := range e.uploads {
		m.Clear()
	}
	e.mu.Unlock()
	for _, p := range panels {
		p.Close()
	}

	e.cancel()
	e.wg.Wait()
	return err
}

func (e *Engine) reset() {
	e.timeline.Reset()
	e.presence.Reset()
	e.rooms.Bootstrap(nil)
	if e.index != nil {
		if err := e.index.Wipe(); err != nil {
			e.logger.Warn("wipe search index", zap.Error(err))
		}
	}
}

func (e *Engine) setStatus(to status.State) {
	if err := e.status.Transition(to); err != nil {
		e.logger.Debug("status transition skipped", zap.Error(err))
	}
}

func (e *Engine) lost(err error) {
	e.setStatus(status.Reconnecting)
	select {
	case e.lostCh <- err:
	default:
	}
}

// Status returns the connection state.
func (e *Engine) Status() status.State { return e.status.Current() }

// StatusSince returns when the current connection state was entered.
func (e *Engine) StatusSince() time.Time { return e.status.Since() }

// Rooms returns a read-only view of the room directory.
func (e *Engine) Rooms() RoomView { return e.rooms }

// Messages returns a read-only view of the message timeline.
func (e *Engine) Messages() MessageView { return e.timeline }

// Mutations returns the mutation pipeline.
func (e *Engine) Mutations() *mutation.Pipeline { return e.pipeline }

// Threads returns the loaded replies of parentID, oldest first.
func (e *Engine) Threads(parentID string) []model.Message { return e.timeline.Thread(parentID) }

// Presence returns a read-only view of presence and unread counts.
func (e *Engine) Presence() PresenceView { return e.presence }

// Uploads returns the upload session for composeID, creating it on first use.
func (e *Engine) Uploads(composeID string) *upload.Manager {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.uploads[composeID]
	if !ok {
		m = upload.NewManager(composeID, e.api, e.bus, e.logger.Named("upload"))
		e.uploads[composeID] = m
	}
	return m
}

// Assistant returns the assistant panel panelID, creating it on first use.
func (e *Engine) Assistant(panelID string) *assistant.Panel {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.panels[panelID]
	if !ok {
		p = assistant.NewPanel(panelID, e.api, e.bus, e.logger.Named("assistant"))
		e.panels[panelID] = p
	}
	return p
}

// OpenRoom focuses roomID and loads its newest page.
func (e *Engine) OpenRoom(ctx context.Context, roomID string) ([]model.Message, bool, error) {
	e.presence.Focus(roomID)
	hasMore, err := e.timeline.LoadSnapshot(ctx, roomID, timeline.Newer)
	if err != nil {
		return nil, false, err
	}
	msgs := e.timeline.Messages(roomID)
	e.indexMessages(msgs)
	return msgs, hasMore, nil
}

// LoadOlder prepends the page before the oldest resident message.
func (e *Engine) LoadOlder(ctx context.Context, roomID string) (bool, error) {
	hasMore, err := e.timeline.LoadSnapshot(ctx, roomID, timeline.Older)
	if err == nil {
		e.indexMessages(e.timeline.Messages(roomID))
	}
	return hasMore, err
}

// OpenThread loads a thread and returns its replies.
func (e *Engine) OpenThread(ctx context.Context, parentID string) ([]model.Message, error) {
	if err := e.timeline.LoadThread(ctx, parentID); err != nil {
		return nil, err
	}
	replies := e.timeline.Thread(parentID)
	e.indexMessages(replies)
	return replies, nil
}

// CreateRoom creates a room over REST and shows it immediately.
func (e *Engine) CreateRoom(ctx context.Context, req transport.CreateRoomRequest) (model.Room, error) {
	room, err := e.api.CreateRoom(ctx, req)
	if err != nil {
		return model.Room{}, fmt.Errorf("create room: %w", err)
	}
	if room == nil || room.ID == "" {
		return model.Room{}, fmt.Errorf("create room: %w", transport.ErrMalformed)
	}
	if e.rooms.AddCreated(*room) {
		e.bus.Emit(bus.KindRoomAdded, bus.RoomRef{RoomID: room.ID})
		e.join(room.ID)
	}
	got, _ := e.rooms.Get(room.ID)
	return got, nil
}

// DeleteRoom deletes a room over REST and drops it locally.
func (e *Engine) DeleteRoom(ctx context.Context, roomID string) error {
	if err := e.api.DeleteRoom(ctx, roomID); err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	if e.rooms.Remove(roomID) {
		e.presence.Forget(roomID)
		e.bus.Emit(bus.KindRoomRemoved, bus.RoomRef{RoomID: roomID})
	}
	return nil
}

// SendMessage sends content to roomID with the completed attachments of
// composeID. It refuses while any of those uploads is unfinished.
func (e *Engine) SendMessage(roomID, content string, threadID *string, composeID string) (*mutation.Ticket, error) {
	var (
		atts    []model.Attachment
		session *upload.Manager
	)
	if composeID != "" {
		e.mu.Lock()
		session = e.uploads[composeID]
		e.mu.Unlock()
	}
	if session != nil {
		if err := session.CanSend(); err != nil {
			return nil, err
		}
		atts = session.Attachments()
	}

	t, err := e.pipeline.Send(roomID, content, threadID, atts)
	if err != nil {
		return nil, err
	}
	if (threadID == nil || *threadID == "") && e.rooms.ReorderOnActivity(roomID) {
		e.bus.Emit(bus.KindRoomUpdated, bus.RoomRef{RoomID: roomID})
	}
	if session != nil {
		session.Clear()
	}
	return t, nil
}

// MarkRead marks roomID read up to its newest confirmed message.
func (e *Engine) MarkRead(ctx context.Context, roomID string) error {
	latest, ok := e.timeline.Latest(roomID)
	if !ok {
		return ErrNoMessages
	}
	return e.presence.MarkRead(ctx, roomID, latest)
}

// Search queries the message index.
func (e *Engine) Search(q store.SearchQuery) ([]store.SearchResult, error) {
	if e.index == nil {
		return nil, ErrNoIndex
	}
	return e.index.SearchMessages(q)
}

// LastResync returns when the last successful resync started.
func (e *Engine) LastResync() (time.Time, bool) { return e.reconciler.LastResync() }

// IndexStats counts the rows in the search index.
func (e *Engine) IndexStats() (store.Stats, error) {
	if e.index == nil {
		return store.Stats{}, ErrNoIndex
	}
	return e.index.Stats()
}

func (e *Engine) join(roomID string) {
	if err := e.bridge.JoinRoom(e.ctx, roomID); err != nil {
		e.logger.Warn("join room failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (e *Engine) bootstrapRooms(list []model.Room) {
	e.rooms.Bootstrap(list)
	e.presence.RememberMembers(list...)
	for _, id := range e.rooms.IDs() {
		e.join(id)
	}
	e.bus.Emit(bus.KindRoomsBootstrapped, nil)
}
