// Package jobs tracks asynchronous tool executions: submission, progress,
// polling, resumption, cancellation and TTL-bounded retention. A Manager
// owns the lifecycle and serializes mutations; the Store interface decouples
// where job records live (in-memory for single-process servers, Redis for
// restarts and sharing).
package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tannht/mcp-compliance-go/mcp"
)

var (
	// ErrJobNotFound is returned for ids that were never issued or whose
	// records have passed their TTL deadline.
	ErrJobNotFound = errors.New("job not found")

	// ErrCapacityExceeded is returned by Submit when the job limit is
	// reached and the capacity policy cannot free a slot.
	ErrCapacityExceeded = errors.New("job capacity exceeded")

	// ErrManagerClosed is returned by Submit after Close.
	ErrManagerClosed = errors.New("job manager closed")

	// ErrJobCancelled is the cancellation cause delivered to executor
	// contexts when their job is cancelled.
	ErrJobCancelled = errors.New("job cancelled")
)

// ProgressFunc reports an executor's completion percentage. Values clamp to
// [0, 100]; reports against settled jobs are dropped.
type ProgressFunc func(percent int)

// ExecutorFunc runs one tool invocation. The context is cancelled when the
// job is cancelled or the manager shuts down; cooperative executors watch it
// and return early. The returned value is marshalled as the job's result.
type ExecutorFunc func(ctx context.Context, args json.RawMessage, report ProgressFunc) (any, error)

// Store persists job records. Implementations must be safe for concurrent
// use and must hand out copies so callers cannot mutate stored state.
type Store interface {
	// Put inserts or replaces a record.
	Put(ctx context.Context, job *mcp.Job) error

	// Get returns the record for an id. Records past their TTL deadline are
	// lazily deleted and reported as ErrJobNotFound, exactly like ids that
	// never existed.
	Get(ctx context.Context, jobID string) (*mcp.Job, error)

	// Delete removes a record. Deleting an unknown id is not an error.
	Delete(ctx context.Context, jobID string) error

	// List returns all live records in no particular order, purging expired
	// ones along the way.
	List(ctx context.Context) ([]*mcp.Job, error)

	// Close releases store resources. The Manager does not call it; whoever
	// constructed the store owns its lifetime.
	Close() error
}
