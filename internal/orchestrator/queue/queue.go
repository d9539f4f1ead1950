// Package queue holds submitted agent turns until the executor can run them.
package queue

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrRunExists is returned when a submission id is already queued
	ErrRunExists = errors.New("run already exists in queue")
)

// QueuedRun is a submitted turn waiting for a free slot.
type QueuedRun struct {
	ID         string
	Key        string // serialization key, one running turn per key
	Priority   int    // Higher priority = dispatched first
	QueuedAt   time.Time
	Submission *v1.RunSubmission
	Workspace  *v1.WorkspaceConfig
	index      int // Index in the heap (used by container/heap)
}

// Info describes the queued run for the API.
func (r *QueuedRun) Info() v1.SubmissionInfo {
	return v1.SubmissionInfo{
		ID:       r.ID,
		Folder:   r.Submission.Folder,
		AgentID:  r.Submission.AgentID,
		Priority: r.Priority,
		State:    v1.SubmissionQueued,
		QueuedAt: r.QueuedAt,
	}
}

// runHeap implements heap.Interface
type runHeap []*QueuedRun

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool { return before(h[i], h[j]) }

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *runHeap) Push(x any) {
	item := x.(*QueuedRun)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// before orders by priority, then submission time.
func before(a, b *QueuedRun) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

// RunQueue is a priority queue of submitted turns.
type RunQueue struct {
	mu      sync.RWMutex
	heap    runHeap
	byID    map[string]*QueuedRun
	maxSize int
}

// NewRunQueue creates a queue. maxSize <= 0 means unbounded.
func NewRunQueue(maxSize int) *RunQueue {
	q := &RunQueue{
		heap:    make(runHeap, 0),
		byID:    make(map[string]*QueuedRun),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a run. QueuedAt is set when zero.
func (q *RunQueue) Enqueue(run *QueuedRun) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[run.ID]; exists {
		return ErrRunExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}
	if run.QueuedAt.IsZero() {
		run.QueuedAt = time.Now()
	}

	heap.Push(&q.heap, run)
	q.byID[run.ID] = run
	return nil
}

// Dequeue removes and returns the highest priority run, or nil.
func (q *RunQueue) Dequeue() *QueuedRun {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	run := heap.Pop(&q.heap).(*QueuedRun)
	delete(q.byID, run.ID)
	return run
}

// DequeueEligible removes and returns the highest priority run accepted by
// eligible, or nil when none is.
func (q *RunQueue) DequeueEligible(eligible func(*QueuedRun) bool) *QueuedRun {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *QueuedRun
	for _, run := range q.heap {
		if !eligible(run) {
			continue
		}
		if best == nil || before(run, best) {
			best = run
		}
	}
	if best == nil {
		return nil
	}
	heap.Remove(&q.heap, best.index)
	delete(q.byID, best.ID)
	return best
}

// Peek returns the highest priority run without removing it
func (q *RunQueue) Peek() *QueuedRun {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Get returns a queued run without removing it.
func (q *RunQueue) Get(id string) (*QueuedRun, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	run, ok := q.byID[id]
	return run, ok
}

// Remove removes a queued run.
func (q *RunQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, exists := q.byID[id]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, run.index)
	delete(q.byID, id)
	return true
}

// UpdatePriority changes the priority of a queued run.
func (q *RunQueue) UpdatePriority(id string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	run, exists := q.byID[id]
	if !exists {
		return false
	}
	run.Priority = priority
	heap.Fix(&q.heap, run.index)
	return true
}

// Contains checks if a run is queued
func (q *RunQueue) Contains(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.byID[id]
	return exists
}

// Len returns the number of queued runs
func (q *RunQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// IsFull returns true if the queue is at max capacity
func (q *RunQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns the queued runs in dispatch order.
func (q *RunQueue) List() []*QueuedRun {
	q.mu.RLock()
	result := make([]*QueuedRun, len(q.heap))
	copy(result, q.heap)
	q.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return before(result[i], result[j]) })
	return result
}

// Clear removes and returns every queued run.
func (q *RunQueue) Clear() []*QueuedRun {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := make([]*QueuedRun, len(q.heap))
	copy(drained, q.heap)
	q.heap = make(runHeap, 0)
	q.byID = make(map[string]*QueuedRun)
	heap.Init(&q.heap)
	return drained
}
