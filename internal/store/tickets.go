package store

import (
	"context"
	"time"

	"github.com/ajitpratap0/notesync/internal/liveness"
	"github.com/ajitpratap0/notesync/pkg/errors"
)

// Ticket states.
const (
	TicketWaiting = "waiting"
	TicketActive  = "active"
)

// ErrTicketLost is returned when a waiter's ticket was removed by another
// process that judged it dead.
var ErrTicketLost = errors.New(errors.ErrorTypeLock, "gate ticket no longer exists")

// Ticket is one queued or granted acquisition of a gate.
type Ticket struct {
	ID          int64
	Gate        string
	Holder      liveness.Identity
	EnqueuedAt  time.Time
	State       string
	HeartbeatAt time.Time
}

// EnqueueTicket appends a waiting ticket to gate and returns its id. Ids are
// assigned in insertion order and define service order.
func (s *Store) EnqueueTicket(ctx context.Context, gate string, holder liveness.Identity, now time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, rebind(s.dialect, `INSERT INTO gate_tickets
    (gate, run_id, host, pid, proc_started_at, enqueued_at, state, heartbeat_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ticket_id`),
		gate, holder.RunID, holder.Host, holder.PID, holder.ProcStart,
		millis(now), TicketWaiting, millis(now)).Scan(&id)
	if err != nil {
		return 0, classify(err, "enqueue ticket")
	}
	return id, nil
}

// PromoteTicket tries to move ticket id of gate from waiting to active.
//
// In one transaction it removes tickets of other holders that alive
// reports dead, then grants the ticket only if it is the oldest live
// waiting ticket and fewer than capacity tickets are active. It reports
// whether the ticket is active afterwards.
func (s *Store) PromoteTicket(ctx context.Context, gate string, id int64, capacity int,
	alive func(context.Context, liveness.Identity, time.Time) bool, now time.Time,
) (bool, error) {
	granted := false
	err := s.InTx(ctx, "promote ticket", func(tx *Tx) error {
		q := tx.Builder().
			Select("ticket_id", "run_id", "host", "pid", "proc_started_at", "enqueued_at", "state", "heartbeat_at").
			From("gate_tickets").
			Where("gate = ?", gate).
			OrderBy("ticket_id")
		if tx.Dialect() == Postgres {
			q = q.Suffix("FOR UPDATE")
		}
		rows, err := q.QueryContext(ctx)
		if err != nil {
			return err
		}
		var tickets []Ticket
		for rows.Next() {
			t := Ticket{Gate: gate}
			var enq, hb int64
			if err := rows.Scan(&t.ID, &t.Holder.RunID, &t.Holder.Host, &t.Holder.PID,
				&t.Holder.ProcStart, &enq, &t.State, &hb); err != nil {
				rows.Close()
				return err
			}
			t.EnqueuedAt, t.HeartbeatAt = fromMillis(enq), fromMillis(hb)
			tickets = append(tickets, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var (
			own       *Ticket
			active    int
			headFound bool
			isHead    bool
		)
		for i := range tickets {
			t := &tickets[i]
			if t.ID == id {
				own = t
			} else if !alive(ctx, t.Holder, t.HeartbeatAt) {
				if _, err := tx.Exec(ctx, "DELETE FROM gate_tickets WHERE ticket_id = ?", t.ID); err != nil {
					return err
				}
				continue
			}
			switch t.State {
			case TicketActive:
				active++
			case TicketWaiting:
				if !headFound {
					headFound = true
					isHead = t.ID == id
				}
			}
		}
		if own == nil {
			return ErrTicketLost
		}
		if own.State == TicketActive {
			granted = true
			return nil
		}
		if !isHead || active >= capacity {
			return nil
		}
		if _, err := tx.Exec(ctx,
			"UPDATE gate_tickets SET state = ?, heartbeat_at = ? WHERE ticket_id = ?",
			TicketActive, millis(now), id); err != nil {
			return err
		}
		granted = true
		return nil
	})
	return granted, err
}

// TouchTicket refreshes a ticket's heartbeat and reports whether it still
// exists.
func (s *Store) TouchTicket(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.exec(ctx, "heartbeat ticket",
		"UPDATE gate_tickets SET heartbeat_at = ? WHERE ticket_id = ?", millis(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "heartbeat ticket")
	}
	return n == 1, nil
}

// DeleteTicket removes a ticket, waiting or active.
func (s *Store) DeleteTicket(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, "delete ticket", "DELETE FROM gate_tickets WHERE ticket_id = ?", id)
	return err
}

// Tickets lists the tickets of gate in service order.
func (s *Store) Tickets(ctx context.Context, gate string) ([]Ticket, error) {
	rows, err := s.sb.
		Select("ticket_id", "run_id", "host", "pid", "proc_started_at", "enqueued_at", "state", "heartbeat_at").
		From("gate_tickets").
		Where("gate = ?", gate).
		OrderBy("ticket_id").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, classify(err, "list tickets")
	}
	defer rows.Close()

	var out []Ticket
	for rows.Next() {
		t := Ticket{Gate: gate}
		var enq, hb int64
		if err := rows.Scan(&t.ID, &t.Holder.RunID, &t.Holder.Host, &t.Holder.PID,
			&t.Holder.ProcStart, &enq, &t.State, &hb); err != nil {
			return nil, classify(err, "list tickets")
		}
		t.EnqueuedAt, t.HeartbeatAt = fromMillis(enq), fromMillis(hb)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list tickets")
	}
	return out, nil
}
