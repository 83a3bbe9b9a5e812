package saga

import (
	"sort"
	"sync"
	"time"
)

// DefaultCompletedLimit is the default capacity of the completed store.
const DefaultCompletedLimit = 1000

// ListFilter specifies criteria for listing executions. Zero fields match
// everything.
type ListFilter struct {
	// Name filters by saga definition name.
	Name string

	// Status filters by execution status.
	Status Status

	// Since keeps executions started at or after this time.
	Since time.Time

	// Limit is the maximum number of results.
	Limit int
}

func (f ListFilter) matches(e *Execution) bool {
	if f.Name != "" && e.Name != f.Name {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && e.StartTime.Before(f.Since) {
		return false
	}
	return true
}

// RingStore keeps the most recent finished executions. When full, adding an
// execution evicts the oldest one.
type RingStore struct {
	mu    sync.RWMutex
	buf   []*Execution
	head  int // index of the oldest entry
	size  int
	index map[string]int
}

// NewRingStore creates a store holding at most capacity executions.
// A non-positive capacity uses DefaultCompletedLimit.
func NewRingStore(capacity int) *RingStore {
	if capacity <= 0 {
		capacity = DefaultCompletedLimit
	}
	return &RingStore{
		buf:   make([]*Execution, capacity),
		index: make(map[string]int, capacity),
	}
}

// Add stores a finished execution. It returns the evicted execution, if any.
func (s *RingStore) Add(e *Execution) *Execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted *Execution
	if s.size == len(s.buf) {
		evicted = s.buf[s.head]
		delete(s.index, evicted.SagaID)
		s.buf[s.head] = nil
		s.head = (s.head + 1) % len(s.buf)
		s.size--
	}
	pos := (s.head + s.size) % len(s.buf)
	s.buf[pos] = e
	s.index[e.SagaID] = pos
	s.size++
	return evicted
}

// Get returns the execution with the given saga id.
func (s *RingStore) Get(sagaID string) (*Execution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[sagaID]
	if !ok {
		return nil, false
	}
	return s.buf[pos], true
}

// Len returns the number of stored executions.
func (s *RingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Cap returns the store capacity.
func (s *RingStore) Cap() int {
	return len(s.buf)
}

// all returns the stored executions, oldest first.
func (s *RingStore) all() []*Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Execution, 0, s.size)
	for i := 0; i < s.size; i++ {
		out = append(out, s.buf[(s.head+i)%len(s.buf)])
	}
	return out
}

// List returns clones of the stored executions matching filter, oldest
// first.
func (s *RingStore) List(filter ListFilter) []*Execution {
	var out []*Execution
	for _, e := range s.all() {
		c := e.Clone()
		if !filter.matches(c) {
			continue
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// Prune removes executions that ended before cutoff and returns how many
// were removed.
func (s *RingStore) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]*Execution, 0, s.size)
	removed := 0
	for i := 0; i < s.size; i++ {
		e := s.buf[(s.head+i)%len(s.buf)]
		e.mu.Lock()
		end := e.EndTime
		e.mu.Unlock()
		if end.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0
	}

	clear(s.buf)
	clear(s.index)
	s.head = 0
	s.size = len(kept)
	for i, e := range kept {
		s.buf[i] = e
		s.index[e.SagaID] = i
	}
	return removed
}

// sortByStart orders executions by start time, then id.
func sortByStart(list []*Execution) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].StartTime.Before(list[j].StartTime)
		}
		return list[i].SagaID < list[j].SagaID
	})
}
