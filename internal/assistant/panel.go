package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

var (
	ErrInvalidAction     = errors.New("assistant: unknown action")
	ErrMissingQuestion   = errors.New("assistant: question required")
	ErrMissingDocument   = errors.New("assistant: document id required")
	ErrSessionSuperseded = errors.New("assistant: session superseded")
)

// API is the REST surface of the assistant.
type API interface {
	AIStream(ctx context.Context, action model.AIAction, req transport.AIRequest) (io.ReadCloser, error)
	AIRequest(ctx context.Context, action model.AIAction, req transport.AIRequest) (*transport.AIResponse, error)
}

// Params carries the action-specific inputs.
type Params struct {
	ThreadID   *string
	Question   string
	DocumentID string
}

// StreamError is a stream that broke before done. Partial holds the text
// received so far.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream interrupted after %d bytes: %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream failed: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Panel owns at most one live assistant session. Every session gets a new
// generation; frames from older generations or after a terminal state are
// dropped.
type Panel struct {
	id     string
	api    API
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	gen     uint64
	session model.AISession
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPanel creates an idle panel.
func NewPanel(id string, api API, b *bus.Bus, logger *zap.Logger) *Panel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Panel{
		id:      id,
		api:     api,
		bus:     b,
		logger:  logger.With(zap.String("panel_id", id)),
		session: model.AISession{State: model.AIIdle},
	}
}

func buildRequest(action model.AIAction, roomID string, params Params) (transport.AIRequest, error) {
	if !action.Valid() {
		return transport.AIRequest{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	switch {
	case action == model.ActionQA && params.Question == "":
		return transport.AIRequest{}, ErrMissingQuestion
	case action == model.ActionDocumentSummary && params.DocumentID == "":
		return transport.AIRequest{}, ErrMissingDocument
	}
	return transport.AIRequest{
		RoomID:     roomID,
		ThreadID:   params.ThreadID,
		Question:   params.Question,
		DocumentID: params.DocumentID,
	}, nil
}

// Start aborts any live session and opens a stream for action. It returns
// the new session's generation without waiting for the first frame.
func (p *Panel) Start(ctx context.Context, action model.AIAction, roomID string, params Params) (uint64, error) {
	req, err := buildRequest(action, roomID, params)
	if err != nil {
		return 0, err
	}
	sctx, gen, done := p.begin(ctx, action, roomID, params)
	go p.stream(sctx, gen, action, req, done)
	return gen, nil
}

// Fetch runs action as a single request and waits for the result. It
// replaces the live session like Start does.
func (p *Panel) Fetch(ctx context.Context, action model.AIAction, roomID string, params Params) (model.AIResult, error) {
	req, err := buildRequest(action, roomID, params)
	if err != nil {
		return model.AIResult{}, err
	}
	sctx, gen, done := p.begin(ctx, action, roomID, params)
	defer close(done)

	resp, err := p.api.AIRequest(sctx, action, req)
	if err != nil {
		if !p.fail(gen, err) {
			return model.AIResult{}, ErrSessionSuperseded
		}
		return model.AIResult{}, err
	}
	result := model.AIResult{Text: resp.Text, Items: resp.Items, Sources: resp.Sources, Cached: resp.Cached}
	if action == model.ActionItems && len(result.Items) == 0 {
		result.Items = ParseItems(result.Text)
	}
	if !p.settle(gen, model.AIDone, &result, "") {
		return model.AIResult{}, ErrSessionSuperseded
	}
	return result, nil
}

func (p *Panel) begin(ctx context.Context, action model.AIAction, roomID string, params Params) (context.Context, uint64, chan struct{}) {
	p.mu.Lock()
	prev := p.abortLocked()
	p.gen++
	gen := p.gen
	sctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.session = model.AISession{
		Generation: gen,
		Action:     action,
		RoomID:     roomID,
		ThreadID:   params.ThreadID,
		State:      model.AIStarting,
	}
	done := p.done
	p.mu.Unlock()

	if prev != 0 {
		p.changed(prev)
	}
	p.changed(gen)
	return sctx, gen, done
}

// Stop aborts the live session. Frames that arrive afterwards are ignored.
// Reports whether a session was aborted.
func (p *Panel) Stop() bool {
	p.mu.Lock()
	gen := p.abortLocked()
	p.mu.Unlock()
	if gen == 0 {
		return false
	}
	p.changed(gen)
	return true
}

// Close aborts the live session and waits for its stream to be released.
func (p *Panel) Close() {
	p.Stop()
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// abortLocked moves a non-terminal session to aborted and returns its
// generation, or 0 if there was nothing to abort.
func (p *Panel) abortLocked() uint64 {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	s := &p.session
	if s.State == model.AIIdle || s.State.Terminal() {
		return 0
	}
	s.State = model.AIAborted
	metrics.AISessions.WithLabelValues(string(s.Action), string(model.AIAborted)).Inc()
	return s.Generation
}

// Session returns a copy of the current session.
func (p *Panel) Session() model.AISession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Clone()
}

func (p *Panel) stream(ctx context.Context, gen uint64, action model.AIAction, req transport.AIRequest, done chan struct{}) {
	defer close(done)

	body, err := p.api.AIStream(ctx, action, req)
	if err != nil {
		p.fail(gen, err)
		return
	}
	defer body.Close()

	r := transport.NewSSEReader(body)
	for {
		f, err := r.ReadFrame()
		switch {
		case err == nil:
			if !p.apply(gen, f) {
				return
			}
		case errors.Is(err, transport.ErrMalformed):
			p.logger.Warn("dropping malformed assistant frame", zap.Error(err))
		case ctx.Err() != nil:
			return
		case errors.Is(err, io.EOF):
			p.fail(gen, &StreamError{Partial: p.partial(gen), Err: io.ErrUnexpectedEOF})
			return
		default:
			p.fail(gen, &StreamError{Partial: p.partial(gen), Err: err})
			return
		}
	}
}

func (p *Panel) partial(gen uint64) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session.Generation != gen {
		return ""
	}
	return p.session.AccumulatedText
}

// apply folds one frame into session gen. It reports whether the stream
// should keep reading.
func (p *Panel) apply(gen uint64, f *transport.Frame) bool {
	p.mu.Lock()
	s := &p.session
	if s.Generation != gen || s.State.Terminal() {
		p.mu.Unlock()
		return false
	}

	switch f.Type {
	case transport.FrameChunk:
		s.State = model.AIStreaming
		s.AccumulatedText += f.Text
	case transport.FrameSources:
		s.State = model.AIStreaming
		s.Sources = mergeSources(s.Sources, f.Sources)
	case transport.FrameDone, transport.FrameCached:
		text := s.AccumulatedText
		if text == "" {
			text = f.Text
		}
		result := &model.AIResult{
			Text:    text,
			Items:   slices.Clone(f.Items),
			Sources: mergeSources(s.Sources, f.Sources),
			Cached:  f.Type == transport.FrameCached,
		}
		if s.Action == model.ActionItems && len(result.Items) == 0 {
			result.Items = ParseItems(text)
		}
		p.terminateLocked(model.AIDone, result, "")
	case transport.FrameError:
		msg := f.Error
		if msg == "" {
			msg = f.Text
		}
		p.terminateLocked(model.AIError, nil, msg)
	}
	terminal := s.State.Terminal()
	p.mu.Unlock()

	p.changed(gen)
	return !terminal
}

func (p *Panel) fail(gen uint64, err error) bool {
	return p.settle(gen, model.AIError, nil, err.Error())
}

func (p *Panel) settle(gen uint64, state model.AIState, result *model.AIResult, msg string) bool {
	p.mu.Lock()
	if p.session.Generation != gen || p.session.State.Terminal() {
		p.mu.Unlock()
		return false
	}
	p.terminateLocked(state, result, msg)
	p.mu.Unlock()

	if state == model.AIError {
		p.logger.Warn("assistant session failed", zap.Uint64("generation", gen), zap.String("error", msg))
	}
	p.changed(gen)
	return true
}

func (p *Panel) terminateLocked(state model.AIState, result *model.AIResult, msg string) {
	s := &p.session
	s.State = state
	s.Result = result
	s.Error = msg
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	metrics.AISessions.WithLabelValues(string(s.Action), string(state)).Inc()
}

func (p *Panel) changed(gen uint64) {
	p.bus.Emit(bus.KindAIChanged, bus.PanelRef{PanelID: p.id, Generation: gen})
}

func mergeSources(have, more []model.Source) []model.Source {
	out := slices.Clone(have)
	for _, src := range more {
		if src.ID != "" && slices.ContainsFunc(out, func(s model.Source) bool { return s.ID == src.ID }) {
			continue
		}
		out = append(out, src)
	}
	return out
}
