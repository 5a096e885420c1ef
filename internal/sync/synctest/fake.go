// Package synctest provides in-memory fakes of the engine's bridge and REST
// API for tests of packages built on top of the engine.
package synctest

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
)

// ErrUnsupported is returned by fake calls with no canned behavior.
var ErrUnsupported = errors.New("synctest: unsupported call")

// Bridge records the handlers and joins of a fake push connection.
type Bridge struct {
	mu        sync.Mutex
	h         transport.Handlers
	connected bool
	joined    []string

	ConnectErr error
}

var _ intsync.Bridge = (*Bridge)(nil)

func (b *Bridge) Connect(_ context.Context, _, _ string, h transport.Handlers) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ConnectErr != nil {
		return b.ConnectErr
	}
	b.h = h
	b.connected = true
	return nil
}

func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

func (b *Bridge) JoinRoom(_ context.Context, roomID string) error {
	b.mu.Lock()
	b.joined = append(b.joined, roomID)
	b.mu.Unlock()
	return nil
}

// Handlers returns the handlers of the current connection.
func (b *Bridge) Handlers() transport.Handlers {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.h
}

// Connected reports whether Connect succeeded without a later Disconnect.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Joined returns the rooms joined so far.
func (b *Bridge) Joined() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.joined)
}

// API serves canned rooms, pages and unread counts. Sends echo back a
// confirmed message with id "srv-<clientId>".
type API struct {
	mu       sync.Mutex
	rooms    []model.Room
	pages    map[string][]model.Message
	unread   transport.UnreadSnapshot
	sent     []transport.SendRequest
	marks    []string
	RoomsErr error
	Now      func() time.Time
}

var _ intsync.API = (*API)(nil)

// NewAPI returns a fake serving rooms.
func NewAPI(rooms ...model.Room) *API {
	return &API{rooms: rooms, pages: make(map[string][]model.Message), Now: time.Now}
}

// SetPage sets the history returned for roomID.
func (a *API) SetPage(roomID string, msgs ...model.Message) {
	a.mu.Lock()
	a.pages[roomID] = msgs
	a.mu.Unlock()
}

// SetUnread sets the unread snapshot.
func (a *API) SetUnread(s transport.UnreadSnapshot) {
	a.mu.Lock()
	a.unread = s
	a.mu.Unlock()
}

// Sent returns the send requests received.
func (a *API) Sent() []transport.SendRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.sent)
}

// Marks returns "room/message" for every MarkRead call.
func (a *API) Marks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.marks)
}

func (a *API) ListRooms(_ context.Context) ([]model.Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.RoomsErr != nil {
		return nil, a.RoomsErr
	}
	out := make([]model.Room, len(a.rooms))
	for i, r := range a.rooms {
		out[i] = r.Clone()
	}
	return out, nil
}

func (a *API) CreateRoom(_ context.Context, req transport.CreateRoomRequest) (*model.Room, error) {
	name := req.Name
	return &model.Room{ID: "room-" + name, Name: &name, Type: req.Type, IsPrivate: req.IsPrivate}, nil
}

func (a *API) DeleteRoom(_ context.Context, _ string) error { return nil }

func (a *API) ListMessages(_ context.Context, roomID string, _ transport.PageQuery) (*transport.MessagePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &transport.MessagePage{Messages: slices.Clone(a.pages[roomID])}, nil
}

func (a *API) ListThread(_ context.Context, parentID string) (*transport.ThreadPage, error) {
	return nil, transport.ErrNotFound
}

func (a *API) SendMessage(_ context.Context, roomID string, req transport.SendRequest) (*model.Message, error) {
	a.mu.Lock()
	a.sent = append(a.sent, req)
	a.mu.Unlock()
	return &model.Message{
		ID:       "srv-" + req.ClientID,
		ClientID: req.ClientID,
		RoomID:   roomID,
		Content:  req.Content,
		ThreadID: req.ThreadID,
		SentAt:   a.Now(),
	}, nil
}

func (a *API) EditMessage(context.Context, string, string) (*model.Message, error) {
	return nil, ErrUnsupported
}

func (a *API) DeleteMessage(context.Context, string) (*model.Message, error) {
	return nil, ErrUnsupported
}

func (a *API) PinMessage(context.Context, string, bool) (*model.Message, error) {
	return nil, ErrUnsupported
}

func (a *API) AddReaction(context.Context, string, string) (*model.Message, error) {
	return nil, ErrUnsupported
}

func (a *API) RemoveReaction(context.Context, string, string) (*model.Message, error) {
	return nil, ErrUnsupported
}

func (a *API) Presign(context.Context, transport.PresignRequest) (*transport.PresignResponse, error) {
	return nil, ErrUnsupported
}

func (a *API) UploadObject(_ context.Context, _ string, _ map[string]string, body io.Reader, _ int64, _ string) error {
	_, err := io.Copy(io.Discard, body)
	return err
}

func (a *API) ConfirmUpload(context.Context, string) (*model.Attachment, error) {
	return nil, ErrUnsupported
}

func (a *API) UnreadCounts(_ context.Context) (*transport.UnreadSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.unread
	s.Counts = slices.Clone(a.unread.Counts)
	return &s, nil
}

func (a *API) MarkRead(_ context.Context, roomID, messageID string) error {
	a.mu.Lock()
	a.marks = append(a.marks, roomID+"/"+messageID)
	a.mu.Unlock()
	return nil
}

func (a *API) AIRequest(context.Context, model.AIAction, transport.AIRequest) (*transport.AIResponse, error) {
	return nil, ErrUnsupported
}

func (a *API) AIStream(context.Context, model.AIAction, transport.AIRequest) (io.ReadCloser, error) {
	return nil, ErrUnsupported
}
