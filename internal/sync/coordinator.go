package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/logging"
	"github.com/kimhsiao/recipesync/internal/models"
	"github.com/kimhsiao/recipesync/internal/sync/auth"
	"github.com/kimhsiao/recipesync/internal/sync/conflict"
	"github.com/kimhsiao/recipesync/internal/sync/queue"
	"github.com/kimhsiao/recipesync/internal/sync/remote"
)

// State is the process-wide sync state.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateError:
		return "error"
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OutcomeKind is the disposition of one dispatch attempt.
type OutcomeKind string

const (
	OutcomeApplied    OutcomeKind = "applied"
	OutcomeConflicted OutcomeKind = "conflicted"
	OutcomeRetriable  OutcomeKind = "retriable"
	OutcomeDropped    OutcomeKind = "dropped"
)

// Outcome is the result of dispatching one queue entry.
type Outcome struct {
	EntryID    string              `json:"entry_id"`
	Kind       OutcomeKind         `json:"kind"`
	Reason     string              `json:"reason,omitempty"`
	RetryCount int                 `json:"retry_count,omitempty"`
	Code       apperrors.ErrorCode `json:"code,omitempty"`
}

// PassResult summarizes one TriggerSync call.
type PassResult struct {
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	Skipped    bool          `json:"skipped,omitempty"`
	Processed  int           `json:"processed"`
	Applied    int           `json:"applied"`
	Conflicted int           `json:"conflicted"`
	Retried    int           `json:"retried"`
	Dropped    int           `json:"dropped"`
	Canceled   bool          `json:"canceled,omitempty"`
	Error      string        `json:"error,omitempty"`
	Outcomes   []Outcome     `json:"outcomes,omitempty"`
}

func (r *PassResult) count(o Outcome) {
	r.Processed++
	switch o.Kind {
	case OutcomeApplied:
		r.Applied++
	case OutcomeConflicted:
		r.Conflicted++
	case OutcomeRetriable:
		r.Retried++
	case OutcomeDropped:
		r.Dropped++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// Policy pre-resolves a conflict at dispatch time. Returning false leaves
// the conflict for a user.
type Policy func(rec *conflict.Record) (conflict.Choice, bool)

// Coordinator is the single-flight dispatcher of queued operations.
type Coordinator struct {
	queue    PendingQueue
	store    remote.Store
	gateway  auth.Gateway
	detector *conflict.Detector
	resolver *conflict.Resolver
	policy   Policy
	merge    conflict.MergeFunc
	clock    clockwork.Clock
	bus      *Bus

	state atomic.Int32

	mu         gosync.RWMutex
	lastResult *PassResult
	lastSync   *time.Time
	lastErr    error
}

var _ Engine = (*Coordinator)(nil)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPolicy installs a conflict policy. merge is used when the policy
// picks conflict.ChoiceMerge.
func WithPolicy(policy Policy, merge conflict.MergeFunc) Option {
	return func(c *Coordinator) {
		c.policy = policy
		c.merge = merge
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithBus publishes events on bus instead of a private one.
func WithBus(bus *Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// NewCoordinator creates an idle Coordinator.
func NewCoordinator(q PendingQueue, store remote.Store, gateway auth.Gateway, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:   q,
		store:   store,
		gateway: gateway,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = NewBus()
	}
	c.detector = conflict.NewDetector(store, conflict.WithDetectorClock(c.clock))
	c.resolver = conflict.NewResolver(q, c.clock)
	return c
}

// Resolver returns the resolver holding unresolved conflicts.
func (c *Coordinator) Resolver() *conflict.Resolver {
	return c.resolver
}

// Bus returns the event bus.
func (c *Coordinator) Bus() *Bus {
	return c.bus
}

// State implements Engine.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// LastResult implements Engine.
func (c *Coordinator) LastResult() *PassResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastResult
}

// LastSync implements Engine.
func (c *Coordinator) LastSync() *time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

// LastError implements Engine.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Subscribe implements Engine.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.bus.Subscribe(buffer)
}

// PendingChanges returns the queue size.
func (c *Coordinator) PendingChanges(ctx context.Context) (int, error) {
	return c.queue.Size(ctx)
}

func (c *Coordinator) publish(ev Event) int {
	ev.Time = c.clock.Now()
	return c.bus.Publish(ev)
}

// tryEnter moves Idle or Error to Syncing with a single compare-and-swap
// per observed state.
func (c *Coordinator) tryEnter() bool {
	for {
		cur := c.state.Load()
		if State(cur) == StateSyncing {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(StateSyncing)) {
			c.publish(Event{Type: EventStateChanged, State: StateSyncing.String()})
			return true
		}
	}
}

func (c *Coordinator) leave(next State) {
	c.state.Store(int32(next))
	c.publish(Event{Type: EventStateChanged, State: next.String()})
}

// TriggerSync implements Engine. Per-entry failures never fail the pass;
// only auth and storage failures do, leaving the state at Error.
func (c *Coordinator) TriggerSync(ctx context.Context) (*PassResult, error) {
	if !c.tryEnter() {
		logging.Debug("sync already in progress", map[string]interface{}{
			"component": "coordinator",
		})
		return &PassResult{Skipped: true}, nil
	}

	result := &PassResult{StartTime: c.clock.Now()}
	c.publish(Event{Type: EventSyncStarted})

	err := c.run(ctx, result)

	result.EndTime = c.clock.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	canceled := err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err())
	switch {
	case err == nil:
		c.finish(result, nil, StateIdle)
		c.publish(Event{Type: EventSyncCompleted, Result: result})
		logging.Info("sync pass completed", passFields(result))
		return result, nil

	case canceled:
		result.Canceled = true
		result.Error = err.Error()
		c.finish(result, err, StateIdle)
		c.publish(Event{Type: EventSyncCompleted, Result: result})
		logging.Info("sync pass canceled", passFields(result))
		return result, err

	default:
		result.Error = err.Error()
		code := apperrors.CodeOf(err)
		c.finish(result, err, StateError)
		c.publish(Event{Type: EventSyncFailed, Result: result, Error: err.Error(), Code: code})
		logging.ErrorWithCode("sync pass failed", string(code), err, passFields(result))
		return result, err
	}
}

func (c *Coordinator) finish(result *PassResult, err error, next State) {
	c.mu.Lock()
	c.lastResult = result
	c.lastErr = err
	if err == nil {
		end := result.EndTime
		c.lastSync = &end
	}
	c.mu.Unlock()
	c.leave(next)
}

func passFields(r *PassResult) map[string]interface{} {
	return map[string]interface{}{
		"component":   "coordinator",
		"processed":   r.Processed,
		"applied":     r.Applied,
		"conflicted":  r.Conflicted,
		"retried":     r.Retried,
		"dropped":     r.Dropped,
		"duration_ms": r.Duration.Milliseconds(),
	}
}

// run processes a snapshot of the queue in order.
func (c *Coordinator) run(ctx context.Context, result *PassResult) error {
	if _, err := c.gateway.FreshToken(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apperrors.Is(err, apperrors.ErrSyncAuthFailed) {
			return err
		}
		return apperrors.Wrap(apperrors.ErrSyncAuthFailed, "token unavailable", err)
	}

	entries, err := c.queue.ListPending(ctx)
	if err != nil {
		return abort(ctx, storageFailure("list pending entries", err))
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := c.dispatch(ctx, entry)
		if err != nil {
			return err
		}
		result.count(outcome)
	}
	return nil
}

func storageFailure(msg string, err error) error {
	if apperrors.Is(err, apperrors.ErrStorage) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrStorage, msg, err)
}

// fatal reports whether err must end the pass.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		apperrors.Is(err, apperrors.ErrSyncAuthFailed) ||
		apperrors.Is(err, apperrors.ErrStorage)
}

// abort returns the error that ends the pass for a fatal err.
func abort(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// dispatch handles one entry. A non-nil error aborts the pass.
func (c *Coordinator) dispatch(ctx context.Context, entry *queue.Entry) (Outcome, error) {
	op, err := c.queue.Decode(entry)
	if err != nil {
		return c.dropMalformed(ctx, entry, nil, err)
	}

	verdict, err := c.detector.Check(ctx, entry.ID, op)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrMalformedEntry) {
			return c.dropMalformed(ctx, entry, op, err)
		}
		if fatal(ctx, err) {
			return Outcome{}, abort(ctx, err)
		}
		return c.retry(ctx, entry, op, err)
	}

	switch verdict.Action {
	case conflict.ActionSkip:
		if err := c.queue.Remove(ctx, entry.ID); err != nil {
			return Outcome{}, storageFailure("remove entry", err)
		}
		return Outcome{EntryID: entry.ID, Kind: OutcomeApplied, Reason: "already absent remotely"}, nil

	case conflict.ActionConflict:
		c.surface(ctx, verdict.Conflict)
		if err := c.queue.Remove(ctx, entry.ID); err != nil {
			return Outcome{}, storageFailure("remove entry", err)
		}
		return Outcome{EntryID: entry.ID, Kind: OutcomeConflicted, Reason: string(verdict.Conflict.Kind)}, nil
	}

	if err := c.apply(ctx, op); err != nil {
		if fatal(ctx, err) {
			return Outcome{}, abort(ctx, err)
		}
		return c.retry(ctx, entry, op, err)
	}

	if verdict.Conflict != nil {
		// Applied anyway; the record is kept for audit.
		c.surface(ctx, verdict.Conflict)
	}

	if err := c.queue.Remove(ctx, entry.ID); err != nil {
		return Outcome{}, storageFailure("remove entry", err)
	}

	reason := ""
	if verdict.AsCreate {
		reason = "created: absent remotely"
	}
	logging.Debug("sync operation applied", map[string]interface{}{
		"component":   "coordinator",
		"entry_id":    entry.ID,
		"kind":        op.Kind,
		"entity_type": op.EntityType,
		"entity_id":   op.EntityID,
	})
	return Outcome{EntryID: entry.ID, Kind: OutcomeApplied, Reason: reason}, nil
}

// surface applies the policy to rec or tracks and publishes it.
func (c *Coordinator) surface(ctx context.Context, rec *conflict.Record) {
	if c.policy != nil {
		if choice, ok := c.policy(rec); ok {
			_, err := c.resolver.Apply(ctx, rec, choice, c.merge)
			if err == nil {
				c.publish(Event{Type: EventConflictResolved, Conflict: rec, Choice: choice})
				return
			}
			logging.Warn("conflict policy failed, leaving conflict for review", map[string]interface{}{
				"component":   "coordinator",
				"conflict_id": rec.ID,
				"choice":      choice,
				"error":       err.Error(),
			})
		}
	}

	c.resolver.Track(rec)
	if c.publish(Event{Type: EventConflictDetected, Conflict: rec}) == 0 {
		logging.Warn("conflict published with no subscribers", map[string]interface{}{
			"component":   "coordinator",
			"conflict_id": rec.ID,
			"entity_type": rec.EntityType,
			"entity_id":   rec.EntityID,
		})
	}
}

// apply performs op against the remote store. Photo bytes are uploaded
// before the snapshot and deleted before it.
func (c *Coordinator) apply(ctx context.Context, op *models.SyncOperation) error {
	switch op.Kind {
	case models.OperationCreate, models.OperationUpdate:
		if op.EntityType == models.EntityPhoto {
			if err := c.store.PutBlob(ctx, op.EntityID, op.BinaryPayload); err != nil {
				return err
			}
		}
		return c.store.Save(ctx, op.EntityType, op.EntityID, op.Payload)

	case models.OperationDelete:
		// The snapshot goes last so a retried delete still finds it.
		if op.EntityType == models.EntityPhoto {
			if err := c.store.DeleteBlob(ctx, op.EntityID); err != nil {
				return err
			}
		}
		return c.store.Delete(ctx, op.EntityType, op.EntityID)
	}
	return fmt.Errorf("unknown operation kind %q", op.Kind)
}

// retry records a failed attempt; past the ceiling the entry is lost.
func (c *Coordinator) retry(ctx context.Context, entry *queue.Entry, op *models.SyncOperation, cause error) (Outcome, error) {
	count, dropped, err := c.queue.IncrementRetry(ctx, entry.ID, cause)
	if errors.Is(err, queue.ErrEntryNotFound) {
		return Outcome{EntryID: entry.ID, Kind: OutcomeDropped, Reason: "entry removed concurrently"}, nil
	}
	if err != nil {
		return Outcome{}, storageFailure("record retry", err)
	}

	code := apperrors.CodeOf(cause)
	if !dropped {
		logging.Warn("sync operation failed, will retry", map[string]interface{}{
			"component":   "coordinator",
			"entry_id":    entry.ID,
			"retry_count": count,
			"error":       cause.Error(),
		})
		return Outcome{EntryID: entry.ID, Kind: OutcomeRetriable, Reason: cause.Error(), RetryCount: count, Code: code}, nil
	}

	drop := newDrop(entry, op, "max retries reached")
	drop.RetryCount = count
	drop.LastError = cause.Error()
	logging.ErrorWithCode("sync operation lost after max retries", string(code), cause, map[string]interface{}{
		"component":   "coordinator",
		"entry_id":    entry.ID,
		"retry_count": count,
		"entity_type": drop.EntityType,
		"entity_id":   drop.EntityID,
	})
	c.publish(Event{Type: EventEntryDropped, Drop: drop, Error: cause.Error(), Code: code})
	return Outcome{EntryID: entry.ID, Kind: OutcomeDropped, Reason: drop.Reason, RetryCount: count, Code: code}, nil
}

// dropMalformed removes an entry that can never be applied.
func (c *Coordinator) dropMalformed(ctx context.Context, entry *queue.Entry, op *models.SyncOperation, cause error) (Outcome, error) {
	if err := c.queue.Remove(ctx, entry.ID); err != nil {
		return Outcome{}, storageFailure("remove malformed entry", err)
	}

	drop := newDrop(entry, op, "malformed entry")
	drop.RetryCount = entry.RetryCount
	drop.LastError = cause.Error()
	logging.ErrorWithCode("malformed queue entry dropped", string(apperrors.ErrMalformedEntry), cause, map[string]interface{}{
		"component": "coordinator",
		"entry_id":  entry.ID,
		"data_loss": true,
	})
	c.publish(Event{Type: EventEntryDropped, Drop: drop, Error: cause.Error(), Code: apperrors.ErrMalformedEntry})
	return Outcome{EntryID: entry.ID, Kind: OutcomeDropped, Reason: drop.Reason, Code: apperrors.ErrMalformedEntry}, nil
}

func newDrop(entry *queue.Entry, op *models.SyncOperation, reason string) *Drop {
	d := &Drop{EntryID: entry.ID, Reason: reason}
	if op != nil {
		d.EntityType = op.EntityType
		d.EntityID = op.EntityID
		d.Kind = op.Kind
	}
	return d
}
