// Package models provides data model definitions for the recipesync engine.
package models

import (
	"encoding/json"
	"time"
)

// SyncQueue is one durable queue row.
type SyncQueue struct {
	Seq        int64           `db:"seq" json:"seq"`
	ID         UUID            `db:"id" json:"id"`
	Operation  json.RawMessage `db:"operation" json:"operation"`
	BlobHash   string          `db:"blob_hash" json:"blob_hash,omitempty"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt  int64           `db:"created_at" json:"created_at"` // unix milliseconds
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"` // unix milliseconds
}

// TableName returns the table name for SyncQueue.
func (SyncQueue) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (q *SyncQueue) CreatedAtTime() time.Time {
	return time.UnixMilli(q.CreatedAt)
}
