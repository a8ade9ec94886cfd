// Package conflict decides whether a queued operation is safe to apply
// against the remote store and tracks disagreements until a user or
// policy resolves them.
package conflict

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/logging"
	"github.com/kimhsiao/recipesync/internal/models"
	"github.com/kimhsiao/recipesync/internal/sync/remote"
	"github.com/kimhsiao/recipesync/internal/uuid"
)

// Kind classifies a conflict.
type Kind string

const (
	KindDuplicateCreate  Kind = "duplicate_create"
	KindConcurrentUpdate Kind = "concurrent_update"
	KindDeleteModified   Kind = "delete_modified"
)

// Record describes a disagreement between a queued operation and the
// remote store. Records are held in memory only.
type Record struct {
	ID              string            `json:"id"`
	OperationID     string            `json:"operation_id"`
	EntityType      models.EntityType `json:"entity_type"`
	EntityID        string            `json:"entity_id"`
	Kind            Kind              `json:"kind"`
	LocalSnapshot   models.Snapshot   `json:"local_snapshot,omitempty"`
	RemoteSnapshot  models.Snapshot   `json:"remote_snapshot,omitempty"`
	LocalUpdatedAt  int64             `json:"local_updated_at"`
	RemoteUpdatedAt int64             `json:"remote_updated_at"`
	DetectedAt      time.Time         `json:"detected_at"`

	// localBinary is the photo payload of the conflicting operation.
	localBinary []byte
}

// Action is what the coordinator should do with an operation.
type Action int

const (
	// ActionApply applies the operation. A non-nil Verdict.Conflict is
	// informational only (delete of a modified entity).
	ActionApply Action = iota
	// ActionSkip treats the operation as already applied.
	ActionSkip
	// ActionConflict withholds the operation and publishes Verdict.Conflict.
	ActionConflict
)

func (a Action) String() string {
	switch a {
	case ActionApply:
		return "apply"
	case ActionSkip:
		return "skip"
	case ActionConflict:
		return "conflict"
	}
	return "unknown"
}

// Verdict is the result of Detector.Check.
type Verdict struct {
	Action   Action
	Conflict *Record
	// AsCreate is set when an update targets an entity absent remotely.
	AsCreate bool
}

// Detector compares queued operations with remote state.
type Detector struct {
	records remote.RecordStore
	clock   clockwork.Clock
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorClock sets the clock used to stamp records.
func WithDetectorClock(c clockwork.Clock) DetectorOption {
	return func(d *Detector) { d.clock = c }
}

// NewDetector creates a Detector reading from records.
func NewDetector(records remote.RecordStore, opts ...DetectorOption) *Detector {
	d := &Detector{records: records, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Check inspects remote state for op, which was queued as entry entryID.
// Remote read failures are returned with their code preserved; a local
// snapshot with an unreadable updated_at is MALFORMED_ENTRY.
func (d *Detector) Check(ctx context.Context, entryID string, op *models.SyncOperation) (Verdict, error) {
	localTS, err := op.LocalUpdatedAt()
	if err != nil {
		return Verdict{}, apperrors.Wrap(apperrors.ErrMalformedEntry, "local snapshot timestamp unreadable", err)
	}

	current, err := d.records.Get(ctx, op.EntityType, op.EntityID)
	absent := errors.Is(err, remote.ErrNotFound)
	if err != nil && !absent {
		return Verdict{}, remoteFailure(err)
	}

	var remoteTS int64
	if !absent {
		remoteTS, err = current.UpdatedAt()
		if err != nil {
			// Unreadable remote timestamps never block a local write.
			logging.Warn("remote snapshot timestamp unreadable", map[string]interface{}{
				"component":   "conflict",
				"entity_type": op.EntityType,
				"entity_id":   op.EntityID,
				"error":       err.Error(),
			})
			remoteTS = 0
		}
	}

	switch op.Kind {
	case models.OperationCreate:
		if absent {
			return Verdict{Action: ActionApply}, nil
		}
		rec := d.record(entryID, op, KindDuplicateCreate, current, localTS, remoteTS)
		return Verdict{Action: ActionConflict, Conflict: rec}, nil

	case models.OperationUpdate:
		if absent {
			return Verdict{Action: ActionApply, AsCreate: true}, nil
		}
		// Equal timestamps favor the local write.
		if remoteTS > localTS {
			rec := d.record(entryID, op, KindConcurrentUpdate, current, localTS, remoteTS)
			return Verdict{Action: ActionConflict, Conflict: rec}, nil
		}
		return Verdict{Action: ActionApply}, nil

	case models.OperationDelete:
		if absent {
			return Verdict{Action: ActionSkip}, nil
		}
		// Only a delete carrying the snapshot it was based on can tell
		// whether the remote copy moved on.
		if len(op.Payload) > 0 && remoteTS > localTS {
			rec := d.record(entryID, op, KindDeleteModified, current, localTS, remoteTS)
			return Verdict{Action: ActionApply, Conflict: rec}, nil
		}
		return Verdict{Action: ActionApply}, nil
	}

	return Verdict{}, apperrors.New(apperrors.ErrMalformedEntry, "unknown operation kind "+string(op.Kind))
}

func (d *Detector) record(entryID string, op *models.SyncOperation, kind Kind, current models.Snapshot, localTS, remoteTS int64) *Record {
	rec := &Record{
		ID:              uuid.NewOrdered(),
		OperationID:     entryID,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		Kind:            kind,
		LocalSnapshot:   op.Payload,
		RemoteSnapshot:  current,
		LocalUpdatedAt:  localTS,
		RemoteUpdatedAt: remoteTS,
		DetectedAt:      d.clock.Now(),
		localBinary:     op.BinaryPayload,
	}

	logging.Warn("sync conflict detected", map[string]interface{}{
		"component":         "conflict",
		"conflict_id":       rec.ID,
		"operation_id":      entryID,
		"kind":              kind,
		"entity_type":       op.EntityType,
		"entity_id":         op.EntityID,
		"local_updated_at":  localTS,
		"remote_updated_at": remoteTS,
	})
	return rec
}

// remoteFailure keeps coded errors intact and marks the rest REMOTE_ERROR.
func remoteFailure(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrRemote, "remote read failed", err)
}
