package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrPending  = errors.New("mutation: message not confirmed yet")
	ErrDeleted  = errors.New("mutation: message is deleted")
	ErrNotFound = errors.New("mutation: message not found")
	ErrClosed   = errors.New("mutation: pipeline closed")
	ErrEmpty    = errors.New("mutation: empty message")
)

// API is the REST surface mutations reconcile against.
type API interface {
	SendMessage(ctx context.Context, roomID string, req transport.SendRequest) (*model.Message, error)
	EditMessage(ctx context.Context, messageID, content string) (*model.Message, error)
	DeleteMessage(ctx context.Context, messageID string) (*model.Message, error)
	PinMessage(ctx context.Context, messageID string, pinned bool) (*model.Message, error)
	AddReaction(ctx context.Context, messageID, emoji string) (*model.Message, error)
	RemoveReaction(ctx context.Context, messageID, emoji string) (*model.Message, error)
}

// Op names a mutation kind.
type Op string

const (
	OpSend   Op = "send"
	OpEdit   Op = "edit"
	OpDelete Op = "delete"
	OpPin    Op = "pin"
	OpUnpin  Op = "unpin"
	OpReact  Op = "react"
)

// Error reports a mutation that was rolled back.
type Error struct {
	Op     Op
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Pipeline.
type Options struct {
	UserID string
	OrgID  string
	// Timeout bounds each REST reconciliation. Zero means no timeout.
	Timeout time.Duration
}

// Pipeline applies mutations optimistically to the timeline and reconciles
// them with the server in the background.
type Pipeline struct {
	tl     *timeline.Timeline
	api    API
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	reactions map[reactionKey]*Ticket
}

type reactionKey struct {
	messageID string
	emoji     string
}

// NewPipeline creates a pipeline writing to tl. b may be nil.
func NewPipeline(tl *timeline.Timeline, api API, b *bus.Bus, logger *zap.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		tl:        tl,
		api:       api,
		bus:       b,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		reactions: make(map[reactionKey]*Ticket),
	}
}

// Close cancels in-flight reconciliations and waits for them to settle.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

// Send inserts a pending placeholder and posts the message. The ticket's
// ID is the client id correlating the placeholder with the server copy.
func (p *Pipeline) Send(roomID, content string, threadID *string, attachments []model.Attachment) (*Ticket, error) {
	if content == "" && len(attachments) == 0 {
		return nil, ErrEmpty
	}
	if threadID != nil {
		if parent, ok := p.tl.Get(*threadID); ok && parent.Pending {
			return nil, &Error{Op: OpSend, Target: *threadID, Err: ErrPending}
		}
	}
	if err := p.admit(); err != nil {
		return nil, err
	}

	clientID := uuid.NewString()
	now := p.now()
	placeholder := model.Message{
		ClientID:    clientID,
		RoomID:      roomID,
		UserID:      p.opts.UserID,
		OrgID:       p.opts.OrgID,
		Type:        "text",
		Content:     content,
		SentAt:      now,
		UpdatedAt:   now,
		ThreadID:    threadID,
		Attachments: attachments,
	}
	if err := p.tl.InsertPending(placeholder); err != nil {
		p.wg.Done()
		return nil, &Error{Op: OpSend, Target: roomID, Err: err}
	}
	p.publish(placeholder, clientID)

	req := transport.SendRequest{ClientID: clientID, Content: content, ThreadID: threadID}
	for _, a := range attachments {
		req.AttachmentIDs = append(req.AttachmentIDs, a.AssetID)
	}

	t := newTicket(clientID)
	go func() {
		defer p.wg.Done()
		start := time.Now()
		ctx, cancel := p.callContext()
		defer cancel()

		server, err := p.api.SendMessage(ctx, roomID, req)
		if err == nil && server == nil {
			err = fmt.Errorf("%w: empty send response", transport.ErrMalformed)
		}
		if err == nil {
			server.ClientID = clientID
			if _, err = p.tl.Ingest(*server); err == nil {
				p.publish(*server, clientID)
				p.settled(OpSend, start, "confirmed")
				t.finish(server, nil)
				return
			}
		}

		p.tl.DropPending(clientID)
		p.bus.Emit(bus.KindMessageRemoved, bus.MessageRef{RoomID: roomID, MessageID: clientID, ClientID: clientID, ThreadID: placeholder.Parent()})
		t.finish(nil, p.fail(OpSend, clientID, err, start))
	}()
	return t, nil
}

// Edit replaces a message's content.
func (p *Pipeline) Edit(messageID, content string) (*Ticket, error) {
	if content == "" {
		return nil, ErrEmpty
	}
	return p.apply(OpEdit, messageID, timeline.FieldContent,
		func(m *model.Message) {
			now := p.now()
			m.Content = content
			m.EditedAt = &now
		},
		func(ctx context.Context) (*model.Message, error) {
			return p.api.EditMessage(ctx, messageID, content)
		})
}

// Delete soft-deletes a message.
func (p *Pipeline) Delete(messageID string) (*Ticket, error) {
	return p.apply(OpDelete, messageID, timeline.FieldDeleted,
		func(m *model.Message) {
			now := p.now()
			m.DeletedAt = &now
		},
		func(ctx context.Context) (*model.Message, error) {
			return p.api.DeleteMessage(ctx, messageID)
		})
}

// Pin pins a message. Pinning a pinned message completes immediately.
func (p *Pipeline) Pin(messageID string) (*Ticket, error) {
	return p.setPinned(OpPin, messageID, true)
}

// Unpin unpins a message.
func (p *Pipeline) Unpin(messageID string) (*Ticket, error) {
	return p.setPinned(OpUnpin, messageID, false)
}

func (p *Pipeline) setPinned(op Op, messageID string, pinned bool) (*Ticket, error) {
	if m, ok := p.tl.Get(messageID); ok && m.IsPinned == pinned && !m.Pending {
		t := newTicket(m.ID)
		t.finish(&m, nil)
		return t, nil
	}
	return p.apply(op, messageID, timeline.FieldPin,
		func(m *model.Message) { m.IsPinned = pinned },
		func(ctx context.Context) (*model.Message, error) {
			return p.api.PinMessage(ctx, messageID, pinned)
		})
}

// ToggleReaction flips the current user's reaction. While a toggle for the
// same message and emoji is in flight, further toggles join it instead of
// issuing another request.
func (p *Pipeline) ToggleReaction(messageID, emoji string) (*Ticket, error) {
	key := reactionKey{messageID: messageID, emoji: emoji}

	p.mu.Lock()
	if inflight, ok := p.reactions[key]; ok {
		p.mu.Unlock()
		metrics.Mutations.WithLabelValues(string(OpReact), "coalesced").Inc()
		return inflight.join(), nil
	}
	t := newTicket(messageID)
	p.reactions[key] = t
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		if p.reactions[key] == t {
			delete(p.reactions, key)
		}
		p.mu.Unlock()
	}

	var on bool
	err := p.applyWith(t, OpReact, messageID, timeline.FieldReactions,
		func(m *model.Message) {
			on = !model.HasReacted(m.Reactions, emoji, p.opts.UserID)
			m.Reactions = model.SetReaction(m.Reactions, emoji, p.opts.UserID, on)
		},
		func(ctx context.Context) (*model.Message, error) {
			if on {
				return p.api.AddReaction(ctx, messageID, emoji)
			}
			return p.api.RemoveReaction(ctx, messageID, emoji)
		},
		release)
	if err != nil {
		release()
		t.finish(nil, err)
		return nil, err
	}
	return t, nil
}

func (p *Pipeline) apply(op Op, messageID string, f timeline.Field, local func(*model.Message), call func(context.Context) (*model.Message, error)) (*Ticket, error) {
	t := newTicket(messageID)
	if err := p.applyWith(t, op, messageID, f, local, call, nil); err != nil {
		return nil, err
	}
	return t, nil
}

// applyWith runs local synchronously against the timeline, then reconciles
// with call in the background and completes t. settled, if set, runs once
// the server answered and before t completes.
func (p *Pipeline) applyWith(t *Ticket, op Op, messageID string, f timeline.Field,
	local func(*model.Message), call func(context.Context) (*model.Message, error),
	settled func(),
) error {
	m, ok := p.tl.Get(messageID)
	switch {
	case !ok:
		return &Error{Op: op, Target: messageID, Err: ErrNotFound}
	case m.Pending:
		return &Error{Op: op, Target: messageID, Err: ErrPending}
	case m.DeletedAt != nil:
		return &Error{Op: op, Target: messageID, Err: ErrDeleted}
	}
	if err := p.admit(); err != nil {
		return err
	}

	token, prev, err := p.tl.ApplyLocal(m.ID, f, local)
	if err != nil {
		p.wg.Done()
		return &Error{Op: op, Target: messageID, Err: err}
	}
	t.ID = m.ID
	p.publish(m, m.ClientID)

	go func() {
		defer p.wg.Done()
		start := time.Now()
		ctx, cancel := p.callContext()
		defer cancel()

		server, err := call(ctx)
		if settled != nil {
			settled()
		}
		if err != nil {
			if p.tl.Rollback(m.ID, f, token, prev) {
				p.publish(m, m.ClientID)
			}
			t.finish(nil, p.fail(op, m.ID, err, start))
			return
		}
		p.tl.Confirm(m.ID, f, token, server)
		p.publish(m, m.ClientID)
		p.settled(op, start, "confirmed")
		if cur, ok := p.tl.Get(m.ID); ok {
			server = &cur
		}
		t.finish(server, nil)
	}()
	return nil
}

// admit reserves a slot for a background reconciliation.
func (p *Pipeline) admit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.wg.Add(1)
	return nil
}

func (p *Pipeline) callContext() (context.Context, context.CancelFunc) {
	if p.opts.Timeout > 0 {
		return context.WithTimeout(p.ctx, p.opts.Timeout)
	}
	return context.WithCancel(p.ctx)
}

func (p *Pipeline) publish(m model.Message, clientID string) {
	p.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{
		RoomID:    m.RoomID,
		MessageID: m.ID,
		ClientID:  clientID,
		ThreadID:  m.Parent(),
	})
}

func (p *Pipeline) fail(op Op, target string, err error, start time.Time) error {
	merr := &Error{Op: op, Target: target, Err: err}
	p.logger.Warn("mutation rolled back",
		zap.String("op", string(op)),
		zap.String("target", target),
		zap.Error(err))
	p.bus.Emit(bus.KindMutationFailed, bus.MutationFailure{Op: string(op), Target: target, Err: err.Error()})
	p.settled(op, start, "rolled_back")
	return merr
}

func (p *Pipeline) settled(op Op, start time.Time, result string) {
	metrics.Mutations.WithLabelValues(string(op), result).Inc()
	metrics.MutationDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
}
