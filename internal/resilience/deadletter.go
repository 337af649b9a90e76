package resilience

import (
	"encoding/json"
	"sync"
	"time"
)

// DeadLetter records a background task that exhausted its retries.
type DeadLetter struct {
	TaskID   string          `json:"task_id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error"`
	Class    string          `json:"class"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// Replayable reports whether the failure was transient and may succeed later.
func (d DeadLetter) Replayable() bool {
	return d.Class == ClassTransient
}

// DeadLetters is a bounded in-memory ring of dead letters; the oldest entry is
// dropped when full.
type DeadLetters struct {
	mu      sync.Mutex
	entries []DeadLetter
	limit   int
}

// NewDeadLetters creates a ring holding at most limit entries.
func NewDeadLetters(limit int) *DeadLetters {
	if limit <= 0 {
		limit = 1000
	}
	return &DeadLetters{limit: limit}
}

// Add appends d, evicting the oldest entry when full.
func (q *DeadLetters) Add(d DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.limit {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, d)
}

// List returns a copy of the entries, optionally filtered by class.
func (q *DeadLetters) List(class string) []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, 0, len(q.entries))
	for _, d := range q.entries {
		if class == "" || d.Class == class {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of entries.
func (q *DeadLetters) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
