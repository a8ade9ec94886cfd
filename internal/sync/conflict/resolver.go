package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/logging"
	"github.com/kimhsiao/recipesync/internal/models"
	"github.com/kimhsiao/recipesync/internal/sync/queue"
)

// Choice is a resolution decision.
type Choice string

const (
	ChoiceUseLocal Choice = "use_local"
	ChoiceUseCloud Choice = "use_cloud"
	ChoiceMerge    Choice = "merge"
)

// Valid reports whether c is a known choice.
func (c Choice) Valid() bool {
	switch c {
	case ChoiceUseLocal, ChoiceUseCloud, ChoiceMerge:
		return true
	}
	return false
}

// MergeFunc reconciles two snapshots of the same entity.
type MergeFunc func(local, remote models.Snapshot) (models.Snapshot, error)

// Enqueuer accepts re-queued operations. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, op *models.SyncOperation) (*queue.Entry, error)
}

// Result is the outcome of Resolve.
type Result struct {
	ConflictID string `json:"conflict_id"`
	Choice     Choice `json:"choice"`
	// RefreshFromRemote tells the caller to replace its local copy with
	// RemoteSnapshot.
	RefreshFromRemote bool            `json:"refresh_from_remote"`
	RemoteSnapshot    models.Snapshot `json:"remote_snapshot,omitempty"`
	// Enqueued is the fresh update queued by UseLocal or Merge.
	Enqueued *queue.Entry `json:"enqueued,omitempty"`
}

// Errors
var (
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrMergeNotSupported = errors.New("merge not supported")
	ErrInvalidChoice     = errors.New("invalid resolution choice")
)

// Resolver holds unresolved conflicts and applies resolution choices.
type Resolver struct {
	queue Enqueuer
	clock clockwork.Clock

	mu      sync.Mutex
	pending map[string]*Record
}

// NewResolver creates a Resolver that re-enqueues through q.
func NewResolver(q Enqueuer, clock clockwork.Clock) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{
		queue:   q,
		clock:   clock,
		pending: make(map[string]*Record),
	}
}

// Track adds rec to the pending set.
func (r *Resolver) Track(rec *Record) {
	if rec == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[rec.ID] = rec
}

// Get returns the pending record with id.
func (r *Resolver) Get(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.pending[id]
	return rec, ok
}

func (r *Resolver) claim(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return rec, ok
}

// Pending returns unresolved records, oldest first.
func (r *Resolver) Pending() []*Record {
	r.mu.Lock()
	out := make([]*Record, 0, len(r.pending))
	for _, rec := range r.pending {
		out = append(out, rec)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Resolve applies choice to the pending conflict id. merge is required
// only for ChoiceMerge. The record is claimed before it is applied, so
// concurrent calls for one id resolve it at most once. On failure it
// returns to the pending set.
func (r *Resolver) Resolve(ctx context.Context, id string, choice Choice, merge MergeFunc) (*Result, error) {
	rec, ok := r.claim(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}

	result, err := r.apply(ctx, rec, choice, merge)
	if err != nil {
		r.Track(rec)
		logging.Warn("conflict resolution failed", map[string]interface{}{
			"component":   "conflict",
			"conflict_id": id,
			"choice":      choice,
			"error":       err.Error(),
		})
		return nil, err
	}

	fields := map[string]interface{}{
		"component":   "conflict",
		"conflict_id": id,
		"kind":        rec.Kind,
		"choice":      choice,
		"entity_type": rec.EntityType,
		"entity_id":   rec.EntityID,
	}
	if result.Enqueued != nil {
		fields["enqueued_id"] = result.Enqueued.ID
	}
	logging.Info("conflict resolved", fields)

	return result, nil
}

// Apply resolves rec without tracking it. The coordinator uses it for
// policy decisions made at dispatch time.
func (r *Resolver) Apply(ctx context.Context, rec *Record, choice Choice, merge MergeFunc) (*Result, error) {
	return r.apply(ctx, rec, choice, merge)
}

func (r *Resolver) apply(ctx context.Context, rec *Record, choice Choice, merge MergeFunc) (*Result, error) {
	result := &Result{ConflictID: rec.ID, Choice: choice}

	switch choice {
	case ChoiceUseCloud:
		result.RefreshFromRemote = true
		result.RemoteSnapshot = rec.RemoteSnapshot
		return result, nil

	case ChoiceUseLocal:
		if rec.Kind == KindDeleteModified {
			// The delete was applied when the conflict was detected.
			return result, nil
		}
		entry, err := r.requeue(ctx, rec, rec.LocalSnapshot)
		if err != nil {
			return nil, err
		}
		result.Enqueued = entry
		return result, nil

	case ChoiceMerge:
		if rec.Kind == KindDeleteModified {
			return nil, fmt.Errorf("%w: cannot merge a deleted entity", ErrInvalidChoice)
		}
		if merge == nil {
			return nil, ErrMergeNotSupported
		}
		merged, err := merge(rec.LocalSnapshot, rec.RemoteSnapshot)
		if err != nil {
			return nil, fmt.Errorf("merge %s %s: %w", rec.EntityType, rec.EntityID, err)
		}
		entry, err := r.requeue(ctx, rec, merged)
		if err != nil {
			return nil, err
		}
		result.Enqueued = entry
		return result, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
}

// requeue enqueues an update of snap stamped strictly after the remote copy.
func (r *Resolver) requeue(ctx context.Context, rec *Record, snap models.Snapshot) (*queue.Entry, error) {
	ts := r.clock.Now().UnixMilli()
	if rec.RemoteUpdatedAt+1 > ts {
		ts = rec.RemoteUpdatedAt + 1
	}
	stamped, err := snap.WithUpdatedAt(ts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "snapshot cannot be restamped", err)
	}

	return r.queue.Enqueue(ctx, &models.SyncOperation{
		Kind:          models.OperationUpdate,
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		Payload:       stamped,
		BinaryPayload: rec.localBinary,
	})
}
