package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CheckpointResync is the sync_state key holding the last resync time in
// unix milliseconds.
const CheckpointResync = "last_resync_at"

// RoomLister fetches the room snapshot.
type RoomLister interface {
	ListRooms(ctx context.Context) ([]model.Room, error)
}

// UnreadRefresher replaces unread counts from a REST snapshot.
type UnreadRefresher interface {
	RefreshUnread(ctx context.Context) error
}

// Reconciler runs the REST resync after every connect.
type Reconciler struct {
	rooms  RoomLister
	unread UnreadRefresher
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a reconciler. db may be nil; checkpoints are then
// not recorded.
func NewReconciler(rooms RoomLister, unread UnreadRefresher, db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{rooms: rooms, unread: unread, db: db, logger: logger}
}

// Resync fetches the room list and the unread snapshot in parallel. Either
// failing fails the whole resync.
func (r *Reconciler) Resync(ctx context.Context) ([]model.Room, error) {
	start := time.Now()

	var list []model.Room
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if list, err = r.rooms.ListRooms(gctx); err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := r.unread.RefreshUnread(gctx)
		if errors.Is(err, presence.ErrStaleSnapshot) {
			return nil
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	metrics.Resyncs.Observe(elapsed.Seconds())
	if err := r.UpdateCheckpoint(CheckpointResync, strconv.FormatInt(start.UnixMilli(), 10)); err != nil {
		r.logger.Warn("record resync checkpoint", zap.Error(err))
	}
	r.logger.Info("resync complete", zap.Int("rooms", len(list)), zap.Duration("elapsed", elapsed))
	return list, nil
}

// UpdateCheckpoint stores a checkpoint value.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	if r.db == nil {
		return nil
	}
	return r.db.SetState(key, value)
}

// Checkpoint returns a checkpoint value, or "" when unset.
func (r *Reconciler) Checkpoint(key string) (string, error) {
	if r.db == nil {
		return "", nil
	}
	return r.db.State(key)
}

// LastResync returns the time of the last successful resync.
func (r *Reconciler) LastResync() (time.Time, bool) {
	v, err := r.Checkpoint(CheckpointResync)
	if err != nil || v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
