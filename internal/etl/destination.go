package etl

import (
	"context"
	"fmt"

	"tripload/internal/domain"
)

// ── BatchSink ──────────────────────────────────────────────
// A BatchSink writes typed batches into one destination table.
// Adapters for each database live in internal/dbclient.
//
// Pattern: replace-then-append. Initialize once, Append many.

// BatchSink is the capability the driver needs from a destination.
type BatchSink interface {
	// Initialize creates or replaces target with exactly the schema's
	// columns, discarding prior contents. Readers of the destination see
	// either the old table or the new empty one, never a mix.
	Initialize(ctx context.Context, target domain.SinkTarget, schema *domain.SchemaSpec) error

	// Append adds every row of batch to target in one atomic write and
	// returns the number of rows written.
	Append(ctx context.Context, target domain.SinkTarget, batch *TypedBatch) (int64, error)

	// RowCount reports the rows currently stored in target.
	RowCount(ctx context.Context, target domain.SinkTarget) (int64, error)

	// Close releases the connection.
	Close() error
}

// Policy decides what the driver does with a failed batch or record.
type Policy string

const (
	PolicyAbort Policy = "abort" // stop the run with the error
	PolicySkip  Policy = "skip"  // log, count and continue
)

// ParsePolicy validates a policy name; empty means abort.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyAbort:
		return PolicyAbort, nil
	case PolicySkip:
		return PolicySkip, nil
	default:
		return "", fmt.Errorf("unknown policy %q (want abort or skip)", s)
	}
}
