// Package liveness identifies the process holding a lock or gate slot and
// decides whether that holder is still alive.
//
// A holder is identified by run id, host, pid and process create time. On
// the local host a holder is alive when its pid exists and the create time
// matches, which guards against pid reuse. Holders on other hosts cannot be
// inspected and are judged by heartbeat age alone.
package liveness

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Identity names one holder.
type Identity struct {
	RunID string `json:"run_id"`
	Host  string `json:"host"`
	PID   int32  `json:"pid"`
	// ProcStart is the process create time in unix milliseconds
	ProcStart int64 `json:"proc_start_ms"`
}

// Self returns the identity of the current process for runID.
func Self(ctx context.Context, runID string) (Identity, error) {
	host, err := os.Hostname()
	if err != nil {
		return Identity{}, err
	}
	pid := int32(os.Getpid()) //nolint:gosec // pids fit in int32
	id := Identity{RunID: runID, Host: host, PID: pid}

	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Identity{}, err
	}
	if id.ProcStart, err = proc.CreateTimeWithContext(ctx); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Checker decides whether a recorded holder is still alive.
type Checker interface {
	Alive(ctx context.Context, id Identity, heartbeat time.Time) bool
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, id Identity, heartbeat time.Time) bool

// Alive calls f.
func (f CheckerFunc) Alive(ctx context.Context, id Identity, heartbeat time.Time) bool {
	return f(ctx, id, heartbeat)
}

// ProcessChecker inspects the process table for local holders and falls
// back to heartbeat age for remote ones.
type ProcessChecker struct {
	Host       string
	StaleAfter time.Duration
	Now        func() time.Time
}

// NewProcessChecker returns a checker for the current host.
func NewProcessChecker(staleAfter time.Duration) (*ProcessChecker, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return &ProcessChecker{Host: host, StaleAfter: staleAfter, Now: time.Now}, nil
}

// Alive implements Checker.
func (c *ProcessChecker) Alive(ctx context.Context, id Identity, heartbeat time.Time) bool {
	if id.Host != c.Host {
		return c.fresh(heartbeat)
	}

	exists, err := process.PidExistsWithContext(ctx, id.PID)
	if err != nil {
		return c.fresh(heartbeat)
	}
	if !exists {
		return false
	}
	if id.ProcStart == 0 {
		return true
	}
	proc, err := process.NewProcessWithContext(ctx, id.PID)
	if err != nil {
		// exited between the two calls
		return false
	}
	created, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		return c.fresh(heartbeat)
	}
	return created == id.ProcStart
}

func (c *ProcessChecker) fresh(heartbeat time.Time) bool {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().Sub(heartbeat) < c.StaleAfter
}
