// Package sync drives queued operations to the remote store.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/recipesync/internal/models"
	"github.com/kimhsiao/recipesync/internal/sync/queue"
)

// Engine is the coordinator surface used by the scheduler and the API.
// It allows for mocking in tests.
type Engine interface {
	// TriggerSync runs one pass over the pending queue. A call made while
	// a pass is running returns immediately with PassResult.Skipped set.
	TriggerSync(ctx context.Context) (*PassResult, error)

	// State returns the current sync state.
	State() State

	// LastResult returns the result of the last completed pass, or nil.
	LastResult() *PassResult

	// LastSync returns when the last pass finished without error.
	LastSync() *time.Time

	// LastError returns the error that ended the last pass, if any.
	LastError() error

	// Subscribe registers for sync events.
	Subscribe(buffer int) (<-chan Event, func())
}

// PendingQueue is the durable queue as seen by the coordinator.
// *queue.Queue implements it.
type PendingQueue interface {
	Enqueue(ctx context.Context, op *models.SyncOperation) (*queue.Entry, error)
	ListPending(ctx context.Context) ([]*queue.Entry, error)
	Remove(ctx context.Context, id string) error
	IncrementRetry(ctx context.Context, id string, cause error) (int, bool, error)
	Decode(entry *queue.Entry) (*models.SyncOperation, error)
	Size(ctx context.Context) (int, error)
}
