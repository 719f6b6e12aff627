package gate

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/internal/liveness"
	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/errors"
	"github.com/ajitpratap0/notesync/pkg/metrics"
)

// SQL is a gate shared by every process using the same store.
//
// A waiter inserts a ticket and polls. Each poll runs one transaction that
// removes tickets whose holders are dead and promotes the waiter only if
// its ticket is the oldest waiting one and a slot is free. Waiting and
// active tickets are heartbeated so that holders on other hosts can be
// judged by heartbeat age.
type SQL struct {
	store     *store.Store
	name      string
	capacity  int
	holder    liveness.Identity
	checker   liveness.Checker
	poll      time.Duration
	heartbeat time.Duration
	release   time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewSQL creates a cross-process gate.
func NewSQL(s *store.Store, cfg config.GateConfig, holder liveness.Identity, checker liveness.Checker,
	m *metrics.Metrics, logger *zap.Logger,
) *SQL {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &SQL{
		store:     s,
		name:      cfg.Name,
		capacity:  cfg.Capacity,
		holder:    holder,
		checker:   checker,
		poll:      cfg.PollInterval,
		heartbeat: cfg.HeartbeatInterval,
		release:   10 * time.Second,
		metrics:   m,
		logger:    logger.With(zap.String("component", "gate"), zap.String("gate", cfg.Name)),
	}
	if g.capacity < 1 {
		g.capacity = 1
	}
	if g.poll <= 0 {
		g.poll = 500 * time.Millisecond
	}
	if g.heartbeat <= 0 {
		g.heartbeat = 10 * time.Second
	}
	return g
}

// Acquire implements Gate.
func (g *SQL) Acquire(ctx context.Context) (Slot, error) {
	start := time.Now()
	id, err := g.store.EnqueueTicket(ctx, g.name, g.holder, start)
	if err != nil {
		return nil, err
	}

	slot := &sqlSlot{gate: g, id: id, stop: make(chan struct{}), done: make(chan struct{})}
	go slot.beat()

	for {
		granted, err := g.store.PromoteTicket(ctx, g.name, id, g.capacity, g.checker.Alive, time.Now())
		switch {
		case err == nil && granted:
			wait := time.Since(start)
			g.metrics.ObserveGateWait(g.name, wait)
			g.logger.Debug("slot granted", zap.Int64("ticket", id), zap.Duration("wait", wait))
			return slot, nil
		case err != nil && ctx.Err() == nil && !errors.IsRetryable(err):
			slot.Release()
			return nil, err
		case err != nil && ctx.Err() == nil:
			g.logger.Debug("promote failed, polling again", zap.Int64("ticket", id), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			slot.Release()
			return nil, ctxError(ctx, "gate acquire")
		case <-time.After(g.poll):
		}
	}
}

type sqlSlot struct {
	gate *SQL
	id   int64
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (s *sqlSlot) beat() {
	defer close(s.done)
	ticker := time.NewTicker(s.gate.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.gate.heartbeat)
			ok, err := s.gate.store.TouchTicket(ctx, s.id, time.Now())
			cancel()
			switch {
			case err != nil:
				s.gate.logger.Warn("ticket heartbeat failed", zap.Int64("ticket", s.id), zap.Error(err))
			case !ok:
				s.gate.logger.Warn("ticket was reclaimed by another process", zap.Int64("ticket", s.id))
				return
			}
		}
	}
}

// Release stops the heartbeat and deletes the ticket. It runs on its own
// context so that a cancelled run still frees its slot.
func (s *sqlSlot) Release() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
		ctx, cancel := context.WithTimeout(context.Background(), s.gate.release)
		defer cancel()
		if err := s.gate.store.DeleteTicket(ctx, s.id); err != nil {
			s.gate.logger.Warn("failed to delete ticket", zap.Int64("ticket", s.id), zap.Error(err))
		}
	})
}

func ctxError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, op+" timed out")
	}
	return errors.Wrap(ctx.Err(), errors.ErrorTypeInterrupted, op+" cancelled")
}
