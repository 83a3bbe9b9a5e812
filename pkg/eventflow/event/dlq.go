package event

import (
	"sync"
	"time"
)

// DeadLetter is an event whose processing failed, kept for inspection or
// replay.
type DeadLetter struct {
	Event          *Event
	Reason         string
	FailedAt       time.Time
	SubscriptionID string

	// Attempts counts how many times the event has failed through the queue:
	// 1 when first dead-lettered, incremented by every failed replay.
	Attempts int
}

// DeadLetterQueue is an unbounded in-memory list of dead letters.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries []DeadLetter

	enqueued  int64
	recovered int64
}

// NewDeadLetterQueue creates an empty queue.
func NewDeadLetterQueue() *DeadLetterQueue {
	return &DeadLetterQueue{}
}

// Enqueue appends an entry, stamping FailedAt if unset.
func (q *DeadLetterQueue) Enqueue(dl DeadLetter) {
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now()
	}
	if dl.Attempts <= 0 {
		dl.Attempts = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, dl)
	q.enqueued++
}

// Drain removes and returns every entry, oldest first.
func (q *DeadLetterQueue) Drain() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.entries
	q.entries = nil
	return out
}

// Entries returns a copy of the queued entries, oldest first.
func (q *DeadLetterQueue) Entries() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.entries))
	for i, dl := range q.entries {
		dl.Event = dl.Event.Clone()
		out[i] = dl
	}
	return out
}

// Len returns the number of queued entries.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// CountByType returns queued entry counts grouped by event type.
func (q *DeadLetterQueue) CountByType() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[string]int)
	for _, dl := range q.entries {
		counts[dl.Event.Type]++
	}
	return counts
}

// markRecovered counts entries that replayed successfully.
func (q *DeadLetterQueue) markRecovered(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.recovered += int64(n)
}

// DLQStats summarises queue activity.
type DLQStats struct {
	Queued    int
	Enqueued  int64
	Recovered int64
	Oldest    time.Time
}

// Stats returns queue statistics.
func (q *DeadLetterQueue) Stats() DLQStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := DLQStats{
		Queued:    len(q.entries),
		Enqueued:  q.enqueued,
		Recovered: q.recovered,
	}
	for _, dl := range q.entries {
		if s.Oldest.IsZero() || dl.FailedAt.Before(s.Oldest) {
			s.Oldest = dl.FailedAt
		}
	}
	return s
}

// Clear drops every entry.
func (q *DeadLetterQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}
