package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Connector is the part of the engine the supervisor drives.
type Connector interface {
	Connect(ctx context.Context) error
	Lost() <-chan error
}

// Supervisor keeps the engine connected. Failed attempts back off
// exponentially between min and max. Every attempt, including the first
// after a drop, also waits on a limiter allowing one connect per min.
type Supervisor struct {
	engine   Connector
	limiter  *rate.Limiter
	min, max time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a supervisor. It does nothing until Start.
func NewSupervisor(engine Connector, minDelay, maxDelay time.Duration, logger *zap.Logger) *Supervisor {
	if minDelay <= 0 {
		minDelay = time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		engine:  engine,
		limiter: rate.NewLimiter(rate.Every(minDelay), 1),
		min:     minDelay,
		max:     maxDelay,
		logger:  logger,
	}
}

// Start runs the connect loop in the background.
func (s *Supervisor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
}

// Stop ends the loop and waits for it. Safe to call without Start.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if attempt > 0 {
			metrics.Reconnects.Inc()
		}
		err := s.engine.Connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			attempt++
			delay := s.backoff(attempt)
			s.logger.Warn("connect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		attempt = 0
		select {
		case err := <-s.engine.Lost():
			s.logger.Warn("connection lost", zap.Error(err))
			attempt = 1
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.min
	for i := 1; i < attempt && d < s.max; i++ {
		d *= 2
	}
	return min(d, s.max)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
