package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ajitpratap0/notesync/pkg/errors"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New(errors.ErrorTypeNotFound, "not found")

// Errors classified here carry OriginKey=Origin in their details, so a
// transient class (timeout, connection) can still be told apart from the
// same class raised by a feed.
const (
	OriginKey = "origin"
	Origin    = "store"
)

// FromStore reports whether err was raised by the store.
func FromStore(err error) bool {
	return errors.DetailsOf(err)[OriginKey] == Origin
}

// classify maps driver errors onto the error taxonomy. Busy databases and
// serialization failures become timeouts and broken connections become
// connection errors, so both are retried; anything else is a store failure.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var structured *errors.Error
	if errors.As(err, &structured) {
		return err
	}
	return classifyDriver(err, op).WithDetail(OriginKey, Origin)
}

func classifyDriver(err error, op string) *errors.Error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return errors.Wrap(ErrNotFound, errors.ErrorTypeNotFound, op)
	case errors.Is(err, context.Canceled):
		return errors.Wrap(err, errors.ErrorTypeInterrupted, op)
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.ErrorTypeTimeout, op)
	case errors.Is(err, driver.ErrBadConn):
		return errors.Wrap(err, errors.ErrorTypeConnection, op)
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xFF {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return errors.Wrap(err, errors.ErrorTypeTimeout, op)
		case sqlite3.SQLITE_CONSTRAINT:
			return errors.Wrap(err, errors.ErrorTypeConflict, op)
		case sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR:
			return errors.Wrap(err, errors.ErrorTypeResource, op)
		}
		return errors.Wrap(err, errors.ErrorTypeStore, op)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := ""
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		switch class {
		case "40": // serialization failure, deadlock
			return errors.Wrap(err, errors.ErrorTypeTimeout, op)
		case "08", "57": // connection exception, operator intervention
			return errors.Wrap(err, errors.ErrorTypeConnection, op)
		case "23":
			return errors.Wrap(err, errors.ErrorTypeConflict, op)
		case "53": // insufficient resources
			return errors.Wrap(err, errors.ErrorTypeResource, op)
		}
		return errors.Wrap(err, errors.ErrorTypeStore, op).
			WithDetail("sqlstate", pgErr.Code)
	}
	if pgconn.Timeout(err) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, op)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Wrap(err, errors.ErrorTypeConnection, op)
	}
	return errors.Wrap(err, errors.ErrorTypeStore, op)
}
