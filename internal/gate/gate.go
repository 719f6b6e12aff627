// Package gate bounds concurrent calls to a rate-limited external service.
//
// A Gate is a counting semaphore with strict FIFO service order. Local is
// an in-process gate. SQL shares the budget between processes through the
// gate_tickets table, where tickets of holders that died are reclaimed by
// a liveness check rather than by age.
package gate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/notesync/internal/liveness"
	"github.com/ajitpratap0/notesync/internal/store"
	"github.com/ajitpratap0/notesync/pkg/config"
	"github.com/ajitpratap0/notesync/pkg/metrics"
)

// Gate hands out slots in request order.
type Gate interface {
	// Acquire blocks until a slot is granted or ctx ends.
	Acquire(ctx context.Context) (Slot, error)
}

// Slot is a granted acquisition. Release is idempotent.
type Slot interface {
	Release()
}

// New builds the gate selected by cfg.Kind.
func New(cfg config.GateConfig, s *store.Store, holder liveness.Identity, checker liveness.Checker,
	m *metrics.Metrics, logger *zap.Logger,
) (Gate, error) {
	switch cfg.Kind {
	case config.GateLocal, "":
		return NewLocal(cfg.Name, cfg.Capacity, m), nil
	case config.GateSQL:
		return NewSQL(s, cfg, holder, checker, m, logger), nil
	default:
		return nil, fmt.Errorf("unknown gate kind %q", cfg.Kind)
	}
}
