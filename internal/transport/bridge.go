package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/chatsync/internal/metrics"
	"go.uber.org/zap"
)

// BridgeOptions configures the push connection.
type BridgeOptions struct {
	URL         string // ws:// or wss:// base
	Namespace   string // defaults to /chat
	Token       string
	DialTimeout time.Duration
	ReadLimit   int64
}

// Bridge owns the single persistent push connection. It never replays
// missed events; after OnDisconnect the owner must resync over REST.
type Bridge struct {
	opts   BridgeOptions
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	gen    uint64
}

// NewBridge creates a disconnected bridge.
func NewBridge(opts BridgeOptions, logger *zap.Logger) *Bridge {
	if opts.Namespace == "" {
		opts.Namespace = "/chat"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 4 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{opts: opts, logger: logger}
}

func (b *Bridge) endpoint() string {
	return strings.TrimRight(b.opts.URL, "/") + "/" + strings.TrimLeft(b.opts.Namespace, "/")
}

// Connect dials the chat namespace with the caller's identity claims and
// starts dispatching events to h. It returns ErrAlreadyConnected if a
// connection is open.
func (b *Bridge) Connect(ctx context.Context, userID, orgID string, h Handlers) error {
	b.mu.Lock()
	if b.conn != nil {
		b.mu.Unlock()
		return ErrAlreadyConnected
	}

	header := http.Header{}
	if b.opts.Token != "" {
		header.Set("Authorization", "Bearer "+b.opts.Token)
	}
	header.Set("X-User-Id", userID)
	header.Set("X-Org-Id", orgID)

	dialCtx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, b.endpoint(), &websocket.DialOptions{HTTPHeader: header})
	cancel()
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("dial chat socket: %w", err)
	}
	conn.SetReadLimit(b.opts.ReadLimit)

	readCtx, readCancel := context.WithCancel(context.Background())
	b.gen++
	gen := b.gen
	b.conn = conn
	b.cancel = readCancel
	b.mu.Unlock()

	b.logger.Info("chat socket connected", zap.String("url", b.endpoint()), zap.String("user_id", userID))
	if h.OnConnect != nil {
		h.OnConnect()
	}
	go b.readLoop(readCtx, conn, gen, h)
	return nil
}

// Disconnect closes the connection. Safe to call when not connected.
// OnDisconnect is not invoked for a requested disconnect.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	conn, cancel := b.conn, b.cancel
	b.conn, b.cancel = nil, nil
	b.gen++
	b.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	cancel()
	b.logger.Info("chat socket disconnected")
	return nil
}

// Connected reports whether a connection is open.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// JoinRoom subscribes the connection to a room's events.
func (b *Bridge) JoinRoom(ctx context.Context, roomID string) error {
	return b.send(ctx, CommandJoinRoom, JoinRoomCommand{RoomID: roomID})
}

// SendMessage posts a message over the socket. The server answers with
// message-new carrying clientID when one is given.
func (b *Bridge) SendMessage(ctx context.Context, roomID, content string, threadID *string, clientID string) error {
	return b.send(ctx, CommandSendMessage, SendMessageCommand{
		RoomID:   roomID,
		Content:  content,
		ThreadID: threadID,
		ClientID: clientID,
	})
}

func (b *Bridge) send(ctx context.Context, event string, data any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := wsjson.Write(ctx, conn, Envelope{Event: event, Data: raw}); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64, h Handlers) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if b.release(gen) {
				b.logger.Warn("chat socket lost", zap.Error(err))
				if h.OnDisconnect != nil {
					h.OnDisconnect(err)
				}
			}
			return
		}
		b.dispatch(data, &h)
	}
}

// release drops the connection for gen if it is still current.
func (b *Bridge) release(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen || b.conn == nil {
		return false
	}
	_ = b.conn.CloseNow()
	b.cancel()
	b.conn, b.cancel = nil, nil
	return true
}

func (b *Bridge) dispatch(data []byte, h *Handlers) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		metrics.EventsRejected.WithLabelValues("envelope").Inc()
		b.logger.Warn("rejected malformed envelope", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	dec, ok := decoders[env.Event]
	if !ok {
		metrics.EventsReceived.WithLabelValues("unknown").Inc()
		b.logger.Debug("ignoring unknown event", zap.String("event", env.Event))
		return
	}
	metrics.EventsReceived.WithLabelValues(env.Event).Inc()
	if err := dec(env.Data, h); err != nil {
		metrics.EventsRejected.WithLabelValues(env.Event).Inc()
		b.logger.Warn("rejected event", zap.String("event", env.Event), zap.Error(err))
	}
}
