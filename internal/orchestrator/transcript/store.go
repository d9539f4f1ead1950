package transcript

import (
	"context"
	"sync"
	"time"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Entry is one frame of a run as seen on the event bus.
type Entry struct {
	SubmissionID string         `json:"submission_id"`
	RunID        string         `json:"run_id,omitempty"`
	Folder       string         `json:"folder"`
	Seq          int            `json:"seq"`
	Timestamp    time.Time      `json:"timestamp"`
	Frame        v1.StreamFrame `json:"frame"`
}

// Store keeps the frames of recent runs, keyed by submission id.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	// Frames returns at most limit frames with Seq > afterSeq, newest last.
	Frames(ctx context.Context, submissionID string, limit, afterSeq int) ([]*Entry, error)
	Delete(ctx context.Context, submissionID string) error
}

// MemoryStore is an in-memory Store bounded per run and in the number of
// runs it remembers.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string][]*Entry
	order     []string // submission ids, oldest first
	maxPerRun int
	maxRuns   int
}

// NewMemoryStore creates a store. Non-positive limits fall back to 1000
// frames per run and 100 runs.
func NewMemoryStore(maxPerRun, maxRuns int) *MemoryStore {
	if maxPerRun <= 0 {
		maxPerRun = 1000
	}
	if maxRuns <= 0 {
		maxRuns = 100
	}
	return &MemoryStore{
		entries:   make(map[string][]*Entry),
		maxPerRun: maxPerRun,
		maxRuns:   maxRuns,
	}
}

// Append adds e, dropping the oldest frames of the run past maxPerRun and
// the oldest run past maxRuns.
func (s *MemoryStore) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, known := s.entries[e.SubmissionID]
	if !known {
		s.order = append(s.order, e.SubmissionID)
		for len(s.order) > s.maxRuns {
			delete(s.entries, s.order[0])
			s.order = s.order[1:]
		}
	}

	entries = append(entries, e)
	if len(entries) > s.maxPerRun {
		entries = entries[len(entries)-s.maxPerRun:]
	}
	s.entries[e.SubmissionID] = entries
	return nil
}

// Frames implements Store.
func (s *MemoryStore) Frames(ctx context.Context, submissionID string, limit, afterSeq int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Entry
	for _, e := range s.entries[submissionID] {
		if e.Seq > afterSeq {
			filtered = append(filtered, e)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	result := make([]*Entry, len(filtered))
	copy(result, filtered)
	return result, nil
}

// Delete removes the frames of a run.
func (s *MemoryStore) Delete(ctx context.Context, submissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, submissionID)
	for i, id := range s.order {
		if id == submissionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}
