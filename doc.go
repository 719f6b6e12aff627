// Package notesync keeps a durable store of map notes and their comment
// threads synchronized with two upstream feeds: a periodic full snapshot and
// an incremental API that returns the notes changed since a timestamp.
//
// # Architecture
//
// A run is owned by the coordinator (internal/coordinator), which guarantees
// that at most one run is active per run type, refuses to start while a
// failure marker from a previous run is present, and maps every outcome to a
// process exit status for the scheduler.
//
// The engine (internal/engine) chooses the path of a run:
//
//  1. Incremental: download the notes changed since the stored cursor and
//     merge them into the live tables.
//  2. Bulk: download the snapshot, verify its checksum, decompress it and
//     replace the live tables. Taken when there is no cursor yet, when the
//     delta reaches its high-water mark, or when requested explicitly.
//
// Both paths feed the partition-parallel transform stage (internal/pipeline):
// the feed file is cut into record-aligned chunks (internal/partition), a
// worker pool parses them (internal/parser) and validated notes are staged.
// The reconciler (internal/reconcile) then applies staging to the live tables
// and advances the cursor in a single transaction.
//
// During bulk runs country boundaries are refreshed concurrently
// (internal/boundary) through a request gate (internal/gate) that bounds the
// number of in-flight requests against the shared Overpass endpoint.
//
// # Stores
//
// PostgreSQL (pgx) and SQLite (modernc.org/sqlite) are supported. Schema
// migrations are embedded and applied with goose.
//
// # Command line
//
//	notesync run            # incremental run, falls back to bulk when needed
//	notesync bulk           # full snapshot load
//	notesync status         # failure marker, lock holder, cursor, last report
//	notesync clear-failure  # allow scheduled runs to resume
//	notesync migrate
//	notesync config show
//
// Configuration is read from a YAML file (--config) and NOTESYNC_*
// environment variables; see pkg/config.
package notesync
