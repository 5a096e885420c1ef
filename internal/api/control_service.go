package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/mutation"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/upload"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ControlService implements the Control gRPC service on top of the engine.
type ControlService struct {
	profile   string
	startedAt time.Time
	engine    *intsync.Engine
	bus       *bus.Bus
	logger    *zap.Logger
}

var _ ControlServer = (*ControlService)(nil)

// NewControlService creates a control service for profile.
func NewControlService(profile string, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *ControlService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlService{
		profile:   profile,
		startedAt: time.Now(),
		engine:    engine,
		bus:       b,
		logger:    logger,
	}
}

func (s *ControlService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"profile":      s.profile,
		"status":       string(s.engine.Status()),
		"status_since": s.engine.StatusSince().UnixMilli(),
		"uptime_ms":    time.Since(s.startedAt).Milliseconds(),
		"rooms":        len(s.engine.Rooms().IDs()),
		"online":       len(s.engine.Presence().Online()),
		"feed_enabled": s.engine.Presence().FeedEnabled(),
	}
	if at, ok := s.engine.LastResync(); ok {
		resp["last_resync_at"] = at.UnixMilli()
	}
	if stats, err := s.engine.IndexStats(); err == nil {
		resp["indexed_messages"] = stats.Messages
	}
	return reply(resp)
}

func (s *ControlService) ListRooms(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	list := s.engine.Rooms().Rooms()
	if p := stringField(req, "partition"); p != "" {
		list = s.engine.Rooms().Partition(model.Partition(p))
	}
	rooms := make([]any, 0, len(list))
	for i := range list {
		unread := s.engine.Presence().Unread(list[i].ID)
		rooms = append(rooms, roomToMap(&list[i], unread.Count))
	}
	return reply(map[string]any{"rooms": rooms})
}

func (s *ControlService) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	roomID := stringField(req, "room_id")
	threadID := stringField(req, "thread_id")
	if roomID == "" && threadID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "room_id or thread_id is required")
	}

	var (
		msgs    []model.Message
		hasMore bool
		err     error
	)
	switch {
	case threadID != "":
		msgs, err = s.engine.OpenThread(ctx, threadID)
	case boolField(req, "older"):
		hasMore, err = s.engine.LoadOlder(ctx, roomID)
		msgs = s.engine.Messages().Messages(roomID)
	default:
		msgs, hasMore, err = s.engine.OpenRoom(ctx, roomID)
	}
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	return reply(map[string]any{
		"messages": listOf(msgs, messageToMap),
		"has_more": hasMore,
	})
}

func (s *ControlService) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	roomID := stringField(req, "room_id")
	if roomID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "room_id is required")
	}
	var threadID *string
	if t := stringField(req, "thread_id"); t != "" {
		threadID = &t
	}

	ticket, err := s.engine.SendMessage(roomID, stringField(req, "content"), threadID, stringField(req, "compose_id"))
	if err != nil {
		return nil, toStatus("send message", err)
	}
	resp := map[string]any{"client_id": ticket.ID, "accepted": true}
	if !boolField(req, "wait") {
		return reply(resp)
	}
	if err := ticket.Wait(ctx); err != nil {
		return nil, toStatus("send message", err)
	}
	if m, ok := ticket.Message(); ok {
		resp["message"] = messageToMap(&m)
	}
	return reply(resp)
}

func (s *ControlService) MarkRead(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	roomID := stringField(req, "room_id")
	if roomID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "room_id is required")
	}
	if err := s.engine.MarkRead(ctx, roomID); err != nil {
		return nil, toStatus("mark read", err)
	}
	return reply(map[string]any{"room_id": roomID, "unread": s.engine.Presence().Unread(roomID).Count})
}

func (s *ControlService) Search(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	q := store.SearchQuery{
		Text:   stringField(req, "query"),
		RoomID: stringField(req, "room_id"),
		Limit:  intField(req, "limit"),
	}
	if q.Text == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	results, err := s.engine.Search(q)
	if err != nil {
		return nil, toStatus("search", err)
	}
	return reply(map[string]any{"results": listOf(results, resultToMap)})
}

func (s *ControlService) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.bus.Subscribe(stringField(req, "prefix"), 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := structpb.NewStruct(map[string]any{
				"event_id":    uuid.New().String(),
				"kind":        evt.Kind,
				"occurred_at": evt.Timestamp.UnixMilli(),
				"payload":     payloadToMap(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func reply(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, mutation.ErrEmpty), errors.Is(err, timeline.ErrInvalid):
		code = codes.InvalidArgument
	case errors.Is(err, upload.ErrUploadsPending), errors.Is(err, upload.ErrUploadsFailed),
		errors.Is(err, mutation.ErrPending), errors.Is(err, intsync.ErrNoMessages),
		errors.Is(err, timeline.ErrLoadInFlight):
		code = codes.FailedPrecondition
	case errors.Is(err, mutation.ErrNotFound), errors.Is(err, timeline.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, intsync.ErrNoIndex), errors.Is(err, mutation.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
