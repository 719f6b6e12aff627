package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ajitpratap0/notesync/pkg/metrics"
)

// Local is an in-process gate. semaphore.Weighted serves waiters in arrival
// order, and with unit weights nobody can overtake the head.
type Local struct {
	name    string
	sem     *semaphore.Weighted
	waiting atomic.Int64
	metrics *metrics.Metrics
}

// NewLocal creates a gate with capacity slots.
func NewLocal(name string, capacity int, m *metrics.Metrics) *Local {
	if capacity < 1 {
		capacity = 1
	}
	return &Local{name: name, sem: semaphore.NewWeighted(int64(capacity)), metrics: m}
}

// Acquire implements Gate.
func (l *Local) Acquire(ctx context.Context) (Slot, error) {
	start := time.Now()
	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return nil, ctxError(ctx, "gate acquire")
	}
	l.metrics.ObserveGateWait(l.name, time.Since(start))
	return &localSlot{sem: l.sem}, nil
}

// Waiting reports how many callers are blocked in Acquire.
func (l *Local) Waiting() int { return int(l.waiting.Load()) }

type localSlot struct {
	sem  *semaphore.Weighted
	once sync.Once
}

func (s *localSlot) Release() {
	s.once.Do(func() { s.sem.Release(1) })
}
