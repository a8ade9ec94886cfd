package sync

import (
	gosync "sync"
	"time"

	apperrors "github.com/kimhsiao/recipesync/internal/errors"
	"github.com/kimhsiao/recipesync/internal/models"
	"github.com/kimhsiao/recipesync/internal/sync/conflict"
)

// EventType names a sync event.
type EventType string

const (
	EventSyncStarted      EventType = "sync.started"
	EventSyncCompleted    EventType = "sync.completed"
	EventSyncFailed       EventType = "sync.failed"
	EventConflictDetected EventType = "sync.conflict_detected"
	EventConflictResolved EventType = "sync.conflict_resolved"
	EventEntryDropped     EventType = "sync.entry_dropped"
	EventStateChanged     EventType = "sync.state_changed"
)

// Drop describes a queue entry removed without being applied.
type Drop struct {
	EntryID    string               `json:"entry_id"`
	EntityType models.EntityType    `json:"entity_type,omitempty"`
	EntityID   string               `json:"entity_id,omitempty"`
	Kind       models.OperationKind `json:"kind,omitempty"`
	Reason     string               `json:"reason"`
	RetryCount int                  `json:"retry_count"`
	LastError  string               `json:"last_error,omitempty"`
}

// Event is published on the coordinator's bus.
type Event struct {
	Type     EventType           `json:"type"`
	Time     time.Time           `json:"time"`
	State    string              `json:"state,omitempty"`
	Conflict *conflict.Record    `json:"conflict,omitempty"`
	Choice   conflict.Choice     `json:"choice,omitempty"`
	Drop     *Drop               `json:"drop,omitempty"`
	Result   *PassResult         `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
	Code     apperrors.ErrorCode `json:"code,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu     gosync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once gosync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber with room and reports how many
// received it.
func (b *Bus) Publish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
