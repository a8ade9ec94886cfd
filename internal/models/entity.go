// Package models provides data model definitions for the recipesync engine.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// EntityType names a kind of record subject to sync.
type EntityType string

const (
	EntityRecipe     EntityType = "recipe"
	EntityPhoto      EntityType = "photo"
	EntityCollection EntityType = "collection"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityRecipe, EntityPhoto, EntityCollection:
		return true
	}
	return false
}

// OperationKind is the mutation a SyncOperation carries.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Snapshot is the serialized JSON document of an entity at a point in time.
// It always carries an updated_at field (unix milliseconds) once written by
// the local store.
type Snapshot []byte

// MarshalJSON embeds the snapshot as a raw JSON value.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

// UnmarshalJSON keeps a copy of the raw JSON value.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	if s == nil {
		return errors.New("models.Snapshot: UnmarshalJSON on nil pointer")
	}
	if bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	*s = append((*s)[0:0], data...)
	return nil
}

type snapshotMeta struct {
	UpdatedAt json.Number `json:"updated_at"`
	OwnerID   string      `json:"owner_id"`
}

func (s Snapshot) meta() (snapshotMeta, error) {
	var m snapshotMeta
	if len(s) == 0 {
		return m, nil
	}
	dec := json.NewDecoder(bytes.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return m, fmt.Errorf("decode snapshot: %w", err)
	}
	return m, nil
}

// UpdatedAt returns the snapshot's updated_at value in epoch
// milliseconds. A missing field reads as 0. Fractional values are
// rejected.
func (s Snapshot) UpdatedAt() (int64, error) {
	m, err := s.meta()
	if err != nil {
		return 0, err
	}
	if m.UpdatedAt == "" {
		return 0, nil
	}
	if ts, err := m.UpdatedAt.Int64(); err == nil {
		return ts, nil
	}
	// Integral floats such as 100.0 or 1.7e12 are accepted.
	f, err := m.UpdatedAt.Float64()
	if err != nil {
		return 0, fmt.Errorf("snapshot updated_at %q: %w", m.UpdatedAt, err)
	}
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("snapshot updated_at %q: not an integral millisecond value", m.UpdatedAt)
	}
	return int64(f), nil
}

// OwnerID returns the snapshot's owner_id, or "" if absent or unreadable.
func (s Snapshot) OwnerID() string {
	m, err := s.meta()
	if err != nil {
		return ""
	}
	return m.OwnerID
}

// WithUpdatedAt returns a copy of the snapshot with updated_at set to ts.
func (s Snapshot) WithUpdatedAt(ts int64) (Snapshot, error) {
	fields := map[string]json.RawMessage{}
	if len(s) > 0 {
		if err := json.Unmarshal(s, &fields); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	fields["updated_at"] = json.RawMessage(fmt.Sprintf("%d", ts))
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return Snapshot(out), nil
}

// Equal reports whether two snapshots hold the same JSON document,
// ignoring formatting differences.
func (s Snapshot) Equal(other Snapshot) bool {
	var a, b interface{}
	if json.Unmarshal(s, &a) != nil || json.Unmarshal(other, &b) != nil {
		return bytes.Equal(s, other)
	}
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return bytes.Equal(ab, bb)
}

// SyncOperation is an intent to mutate a remote entity, captured at the
// moment of a local mutation. It is never mutated after enqueue.
type SyncOperation struct {
	Kind          OperationKind `json:"kind"`
	EntityType    EntityType    `json:"entity_type"`
	EntityID      string        `json:"entity_id"`
	Payload       Snapshot      `json:"payload,omitempty"`
	BinaryPayload []byte        `json:"-"`
}

// ErrInvalidOperation is returned by Validate.
var ErrInvalidOperation = errors.New("invalid sync operation")

// Validate checks the operation's structural invariants.
func (op *SyncOperation) Validate() error {
	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrInvalidOperation)
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if !op.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidOperation, op.EntityType)
	}
	if op.EntityID == "" {
		return fmt.Errorf("%w: empty entity id", ErrInvalidOperation)
	}

	if op.Kind != OperationDelete {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(op.Payload, &fields); err != nil || fields == nil {
			return fmt.Errorf("%w: %s payload must be a JSON object", ErrInvalidOperation, op.Kind)
		}
	}

	needsBinary := op.EntityType == EntityPhoto && op.Kind != OperationDelete
	if needsBinary && len(op.BinaryPayload) == 0 {
		return fmt.Errorf("%w: photo %s requires a binary payload", ErrInvalidOperation, op.Kind)
	}
	if !needsBinary && len(op.BinaryPayload) > 0 {
		return fmt.Errorf("%w: binary payload only allowed on photo create/update", ErrInvalidOperation)
	}
	return nil
}

// LocalUpdatedAt returns the payload's updated_at, or 0 for payload-less deletes.
func (op *SyncOperation) LocalUpdatedAt() (int64, error) {
	return op.Payload.UpdatedAt()
}
