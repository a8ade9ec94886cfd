// Package queue provides the durable queue of pending remote mutations.
// Entries are committed to sqlite before Enqueue returns and are read back
// in creation order.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/logging"
	"github.com/kimhsiao/recipesync/internal/models"
	"github.com/kimhsiao/recipesync/internal/sync/storage"
	"github.com/kimhsiao/recipesync/internal/uuid"
)

// DefaultMaxRetries is the number of failed dispatches after which an
// entry is dropped.
const DefaultMaxRetries = 3

// ErrEntryNotFound is returned when an entry id is not in the queue.
var ErrEntryNotFound = errors.New("queue entry not found")

// Entry is one durable queue entry.
type Entry struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"`
	Operation  json.RawMessage `json:"operation"`
	BlobHash   string          `json:"blob_hash,omitempty"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// envelope is the serialized form of a SyncOperation. Photo bytes live in
// the blob store and are referenced by hash.
type envelope struct {
	Kind       models.OperationKind `json:"kind"`
	EntityType models.EntityType    `json:"entity_type"`
	EntityID   string               `json:"entity_id"`
	Payload    models.Snapshot      `json:"payload,omitempty"`
	BlobHash   string               `json:"blob_hash,omitempty"`
}

// Stats summarizes queue contents.
type Stats struct {
	Total        int                       `json:"total"`
	Retrying     int                       `json:"retrying"`
	ByEntityType map[models.EntityType]int `json:"by_entity_type"`
	OldestAt     *time.Time                `json:"oldest_at,omitempty"`
	// Spooled photo bytes referenced by entries. MissingBlobs counts
	// references whose bytes are gone; those entries will be dropped as
	// malformed.
	SpooledBlobs int                       `json:"spooled_blobs"`
	SpooledBytes int64                     `json:"spooled_bytes"`
	MissingBlobs int                       `json:"missing_blobs,omitempty"`
}

// EnqueueHook is called after an entry is durably enqueued.
type EnqueueHook func(entry *Entry)

// Queue is the durable queue. All mutations are serialized through mu on
// top of sqlite's single writer.
type Queue struct {
	db         *sql.DB
	blobs      *storage.BlobStore
	maxRetries int
	clock      clockwork.Clock

	mu sync.Mutex

	hooksMu sync.RWMutex
	hooks   []EnqueueHook
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries sets the retry ceiling. Values below 1 are ignored.
func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 1 {
			q.maxRetries = n
		}
	}
}

// WithClock sets the clock used for entry timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// New creates a Queue over a migrated database and a blob store for photo bytes.
func New(db *sql.DB, blobs *storage.BlobStore, opts ...Option) *Queue {
	q := &Queue{
		db:         db,
		blobs:      blobs,
		maxRetries: DefaultMaxRetries,
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxRetries returns the retry ceiling.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

// OnEnqueue registers a hook fired after every successful Enqueue.
func (q *Queue) OnEnqueue(hook EnqueueHook) {
	q.hooksMu.Lock()
	defer q.hooksMu.Unlock()
	q.hooks = append(q.hooks, hook)
}

func storageErr(msg string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorage, msg, err)
}

// Enqueue durably appends op and returns the new entry. It fails only on
// an invalid operation or a storage failure.
func (q *Queue) Enqueue(ctx context.Context, op *models.SyncOperation) (*Entry, error) {
	if err := op.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid operation", err)
	}

	env := envelope{
		Kind:       op.Kind,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Payload:    op.Payload,
	}

	q.mu.Lock()

	if len(op.BinaryPayload) > 0 {
		hash, err := q.blobs.Store(op.BinaryPayload)
		if err != nil {
			q.mu.Unlock()
			return nil, storageErr("failed to spool binary payload", err)
		}
		env.BlobHash = hash
	}

	data, err := json.Marshal(env)
	if err != nil {
		q.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode operation", err)
	}

	now := q.clock.Now()
	entry := &Entry{
		ID:        uuid.NewOrdered(),
		Operation: data,
		BlobHash:  env.BlobHash,
		CreatedAt: now,
		UpdatedAt: now,
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_queue (id, operation, blob_hash, retry_count, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, 0, '', ?, ?)`,
		entry.ID, string(data), nullString(env.BlobHash), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if env.BlobHash != "" {
			q.collectBlob(context.WithoutCancel(ctx), env.BlobHash)
		}
		q.mu.Unlock()
		return nil, storageErr("failed to insert queue entry", err)
	}
	entry.Seq, _ = res.LastInsertId()
	q.mu.Unlock()

	logging.Debug("queue entry enqueued", map[string]interface{}{
		"component":   "queue",
		"entry_id":    entry.ID,
		"kind":        string(op.Kind),
		"entity_type": string(op.EntityType),
		"entity_id":   op.EntityID,
	})

	q.hooksMu.RLock()
	hooks := append([]EnqueueHook(nil), q.hooks...)
	q.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(entry)
	}

	return entry, nil
}

const selectColumns = `SELECT seq, id, operation, blob_hash, retry_count, last_error, created_at, updated_at FROM sync_queue`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var (
		row       models.SyncQueue
		operation string
		blobHash  sql.NullString
	)
	if err := r.Scan(&row.Seq, &row.ID, &operation, &blobHash, &row.RetryCount, &row.LastError, &row.CreatedAt, &row.UpdatedAt); err != nil {
		return nil, err
	}
	row.Operation = json.RawMessage(operation)
	row.BlobHash = blobHash.String
	return fromRow(&row), nil
}

func fromRow(row *models.SyncQueue) *Entry {
	return &Entry{
		ID:         row.ID.String(),
		Seq:        row.Seq,
		Operation:  row.Operation,
		BlobHash:   row.BlobHash,
		RetryCount: row.RetryCount,
		LastError:  row.LastError,
		CreatedAt:  row.CreatedAtTime(),
		UpdatedAt:  time.UnixMilli(row.UpdatedAt),
	}
}

// ListPending returns a snapshot of all entries in creation order.
func (q *Queue) ListPending(ctx context.Context) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx, selectColumns+` ORDER BY seq ASC`)
	if err != nil {
		return nil, storageErr("failed to list queue", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, storageErr("failed to read queue entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to list queue", err)
	}
	return entries, nil
}

// Get returns a single entry.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	entry, err := scanEntry(q.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return nil, storageErr("failed to read queue entry", err)
	}
	return entry, nil
}

// Remove deletes an entry. Removing an unknown id is not an error.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	hash, found, err := q.deleteEntry(ctx, id)
	if err != nil {
		return err
	}
	if found && hash != "" {
		q.collectBlob(ctx, hash)
	}
	return nil
}

func (q *Queue) deleteEntry(ctx context.Context, id string) (string, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var hash sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT blob_hash FROM sync_queue WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("failed to read queue entry", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return "", false, storageErr("failed to delete queue entry", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, storageErr("failed to commit removal", err)
	}
	return hash.String, true, nil
}

// IncrementRetry records one failed dispatch of entry id. When the new
// count reaches the retry ceiling the entry is removed and dropped is true.
func (q *Queue) IncrementRetry(ctx context.Context, id string, cause error) (count int, dropped bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var (
		current int
		hash    sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT retry_count, blob_hash FROM sync_queue WHERE id = ?`, id).Scan(&current, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err != nil {
		return 0, false, storageErr("failed to read queue entry", err)
	}

	count = current + 1
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	if count >= q.maxRetries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
			return 0, false, storageErr("failed to drop queue entry", err)
		}
		dropped = true
	} else {
		_, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			count, lastErr, q.clock.Now().UnixMilli(), id)
		if err != nil {
			return 0, false, storageErr("failed to update retry count", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, storageErr("failed to commit retry", err)
	}

	if dropped && hash.String != "" {
		q.collectBlob(ctx, hash.String)
	}

	logging.Debug("queue entry retry recorded", map[string]interface{}{
		"component":   "queue",
		"entry_id":    id,
		"retry_count": count,
		"max_retries": q.maxRetries,
		"dropped":     dropped,
	})

	return count, dropped, nil
}

// Decode rebuilds the SyncOperation stored in entry, including photo
// bytes. Any failure is reported as MALFORMED_ENTRY.
func (q *Queue) Decode(entry *Entry) (*models.SyncOperation, error) {
	var env envelope
	if err := json.Unmarshal(entry.Operation, &env); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEntry, "cannot decode operation", err)
	}

	op := &models.SyncOperation{
		Kind:       env.Kind,
		EntityType: env.EntityType,
		EntityID:   env.EntityID,
		Payload:    env.Payload,
	}

	if env.BlobHash != "" {
		data, err := q.blobs.Retrieve(env.BlobHash)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrMalformedEntry, "binary payload unavailable", err)
		}
		op.BinaryPayload = data
	}

	if err := op.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMalformedEntry, "invalid operation", err)
	}
	return op, nil
}

// Size returns the number of queued entries.
func (q *Queue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, storageErr("failed to count queue", err)
	}
	return n, nil
}

// Stats returns queue statistics.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByEntityType: make(map[models.EntityType]int)}

	var oldest sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END), 0), MIN(created_at) FROM sync_queue`).
		Scan(&stats.Total, &stats.Retrying, &oldest)
	if err != nil {
		return nil, storageErr("failed to read queue stats", err)
	}
	if oldest.Valid {
		t := time.UnixMilli(oldest.Int64)
		stats.OldestAt = &t
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT COALESCE(json_extract(operation, '$.entity_type'), ''), COUNT(*) FROM sync_queue GROUP BY 1`)
	if err != nil {
		return nil, storageErr("failed to read queue stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entityType string
			n          int
		)
		if err := rows.Scan(&entityType, &n); err != nil {
			return nil, storageErr("failed to read queue stats", err)
		}
		stats.ByEntityType[models.EntityType(entityType)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to read queue stats", err)
	}

	hashes, err := q.referencedBlobs(ctx)
	if err != nil {
		return nil, err
	}
	for hash := range hashes {
		if !q.blobs.Exists(hash) {
			stats.MissingBlobs++
			continue
		}
		size, err := q.blobs.Size(hash)
		if err != nil {
			return nil, storageErr("failed to read blob size", err)
		}
		stats.SpooledBlobs++
		stats.SpooledBytes += size
	}

	return stats, nil
}

// referencedBlobs returns the blob hashes referenced by queued entries.
func (q *Queue) referencedBlobs(ctx context.Context) (map[string]bool, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT DISTINCT blob_hash FROM sync_queue WHERE blob_hash IS NOT NULL`)
	if err != nil {
		return nil, storageErr("failed to list referenced blobs", err)
	}
	defer rows.Close()

	referenced := make(map[string]bool)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, storageErr("failed to list referenced blobs", err)
		}
		referenced[hash] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to list referenced blobs", err)
	}
	return referenced, nil
}

// PruneBlobs deletes spooled blobs whose bytes no longer match their
// hash, then blobs no entry references, left behind by a crash between
// spooling and insert. It returns the total removed.
func (q *Queue) PruneBlobs(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	corrupted, err := q.blobs.VerifyAll()
	if err != nil {
		return 0, storageErr("failed to verify blobs", err)
	}
	removed := 0
	for _, hash := range corrupted {
		if err := q.blobs.Delete(hash); err != nil {
			return removed, storageErr("failed to delete corrupted blob", err)
		}
		removed++
		logging.Warn("corrupted blob removed", map[string]interface{}{
			"component": "queue",
			"blob_hash": hash,
		})
	}

	referenced, err := q.referencedBlobs(ctx)
	if err != nil {
		return removed, err
	}

	orphans, err := q.blobs.Prune(func(hash string) bool { return referenced[hash] })
	removed += orphans
	if err != nil {
		return removed, storageErr("failed to prune blobs", err)
	}
	if removed > 0 {
		logging.Info("pruned blobs", map[string]interface{}{
			"component": "queue",
			"removed":   removed,
			"corrupted": len(corrupted),
		})
	}
	return removed, nil
}

// collectBlob deletes hash from the blob store unless another entry still
// references it. Caller holds mu.
func (q *Queue) collectBlob(ctx context.Context, hash string) {
	var refs int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE blob_hash = ?`, hash).Scan(&refs); err != nil {
		logging.Warn("blob reference check failed", map[string]interface{}{
			"component": "queue",
			"blob_hash": hash,
			"error":     err.Error(),
		})
		return
	}
	if refs > 0 {
		return
	}
	if err := q.blobs.Delete(hash); err != nil {
		logging.Warn("blob delete failed", map[string]interface{}{
			"component": "queue",
			"blob_hash": hash,
			"error":     err.Error(),
		})
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
