package matching

import (
	"time"

	"github.com/taschat/signaling/internal/protocol"
	"github.com/taschat/signaling/internal/registry"
)

// QueueEntry is one searching connection. Profile and filters are captured at
// enqueue time so compatibility checks never touch the registry.
type QueueEntry struct {
	ConnectionID  string
	WalletAddress string
	Profile       registry.Profile
	Filters       protocol.Filters
	EnqueuedAt    time.Time
}

// Queue is an in-memory FIFO of searching connections keyed by connection id.
// It is not safe for concurrent use; the Matcher goroutine owns it.
type Queue struct {
	entries []QueueEntry
	index   map[string]struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{index: make(map[string]struct{})}
}

// Enqueue appends an entry. It reports false if the connection is already
// queued.
func (q *Queue) Enqueue(e QueueEntry) bool {
	if _, ok := q.index[e.ConnectionID]; ok {
		return false
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now()
	}
	q.entries = append(q.entries, e)
	q.index[e.ConnectionID] = struct{}{}
	return true
}

// Dequeue removes the connection's entry. It is idempotent and reports
// whether an entry was removed.
func (q *Queue) Dequeue(id string) bool {
	if _, ok := q.index[id]; !ok {
		return false
	}
	delete(q.index, id)
	for i := range q.entries {
		if q.entries[i].ConnectionID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

// IsQueued checks if a connection is currently in the queue.
func (q *Queue) IsQueued(id string) bool {
	_, ok := q.index[id]
	return ok
}

// Entries returns a copy of the queue, oldest first.
func (q *Queue) Entries() []QueueEntry {
	out := make([]QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Size returns the number of queued connections.
func (q *Queue) Size() int {
	return len(q.entries)
}
