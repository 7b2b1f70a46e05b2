package replicator

import (
	"context"

	"go.wsrep.dev/core/wsrep"
)

// ApplyFunc applies an ordered writeset's row changes to the database.
// Run on an applier thread; an error marks the writeset for rollback.
type ApplyFunc func(ctx context.Context, ws *wsrep.Writeset) error

// CommitFunc runs the database-side commit for an already-applied
// writeset.
type CommitFunc func(ctx context.Context, ws *wsrep.Writeset) error

// UnorderedFunc delivers one of a writeset's side-effect payloads, applied
// outside of ordering.
type UnorderedFunc func(ctx context.Context, ws *wsrep.Writeset, payload []byte) error

// Callbacks groups the database-facing entry points the replicator drives
// every ordered writeset through.
type Callbacks struct {
	Apply     ApplyFunc
	Commit    CommitFunc
	Unordered UnorderedFunc
}
