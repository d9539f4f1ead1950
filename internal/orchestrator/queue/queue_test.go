package queue

import (
	"fmt"
	"testing"
	"time"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// createTestRun creates a queued run; seq orders runs of equal priority.
func createTestRun(id string, priority int, folder string, seq int) *QueuedRun {
	return &QueuedRun{
		ID:         id,
		Key:        folder,
		Priority:   priority,
		QueuedAt:   epoch.Add(time.Duration(seq) * time.Millisecond),
		Submission: &v1.RunSubmission{Folder: folder, Prompt: "hello " + id, Priority: priority},
		Workspace:  &v1.WorkspaceConfig{Folder: folder},
	}
}

func TestNewRunQueue(t *testing.T) {
	q := NewRunQueue(100)
	if q == nil {
		t.Fatal("NewRunQueue returned nil")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
	if q.maxSize != 100 {
		t.Errorf("expected maxSize = 100, got %d", q.maxSize)
	}
}

func TestEnqueueSetsQueuedAt(t *testing.T) {
	q := NewRunQueue(10)
	run := &QueuedRun{ID: "r1", Submission: &v1.RunSubmission{Folder: "main"}}

	if err := q.Enqueue(run); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if run.QueuedAt.IsZero() {
		t.Error("expected QueuedAt to be set")
	}
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", q.Len())
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	q := NewRunQueue(10)
	run := createTestRun("r1", 5, "main", 0)

	_ = q.Enqueue(run)
	if err := q.Enqueue(run); err != ErrRunExists {
		t.Errorf("expected ErrRunExists, got %v", err)
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	q := NewRunQueue(2)

	_ = q.Enqueue(createTestRun("r1", 5, "main", 0))
	_ = q.Enqueue(createTestRun("r2", 5, "main", 1))
	err := q.Enqueue(createTestRun("r3", 5, "main", 2))

	if err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	q := NewRunQueue(10)
	if run := q.Dequeue(); run != nil {
		t.Errorf("expected nil from empty queue, got %v", run)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := NewRunQueue(10)

	_ = q.Enqueue(createTestRun("low", 1, "main", 0))
	_ = q.Enqueue(createTestRun("high", 10, "main", 1))
	_ = q.Enqueue(createTestRun("medium", 5, "main", 2))

	for _, want := range []string{"high", "medium", "low"} {
		got := q.Dequeue()
		if got == nil || got.ID != want {
			t.Fatalf("expected %s, got %v", want, got)
		}
	}
}

func TestFIFOWithSamePriority(t *testing.T) {
	q := NewRunQueue(10)

	_ = q.Enqueue(createTestRun("second", 5, "main", 2))
	_ = q.Enqueue(createTestRun("first", 5, "main", 1))
	_ = q.Enqueue(createTestRun("third", 5, "main", 3))

	for _, want := range []string{"first", "second", "third"} {
		if got := q.Dequeue(); got.ID != want {
			t.Errorf("expected %s with FIFO ordering, got %s", want, got.ID)
		}
	}
}

func TestDequeueEligible(t *testing.T) {
	q := NewRunQueue(10)

	_ = q.Enqueue(createTestRun("busy-high", 10, "busy", 0))
	_ = q.Enqueue(createTestRun("free-low", 1, "free", 1))
	_ = q.Enqueue(createTestRun("free-mid", 5, "free", 2))
	_ = q.Enqueue(createTestRun("busy-low", 1, "busy", 3))

	notBusy := func(r *QueuedRun) bool { return r.Key != "busy" }

	got := q.DequeueEligible(notBusy)
	if got == nil || got.ID != "free-mid" {
		t.Fatalf("expected free-mid, got %v", got)
	}
	got = q.DequeueEligible(notBusy)
	if got == nil || got.ID != "free-low" {
		t.Fatalf("expected free-low, got %v", got)
	}
	if got = q.DequeueEligible(notBusy); got != nil {
		t.Fatalf("expected nothing eligible, got %s", got.ID)
	}
	if q.Len() != 2 {
		t.Errorf("expected the busy runs to stay queued, got Len() = %d", q.Len())
	}
	if first := q.Dequeue(); first.ID != "busy-high" {
		t.Errorf("heap order broken after eligible dequeues, got %s", first.ID)
	}
}

func TestPeek(t *testing.T) {
	q := NewRunQueue(10)

	if q.Peek() != nil {
		t.Errorf("expected nil from Peek on empty queue")
	}

	_ = q.Enqueue(createTestRun("r1", 5, "main", 0))
	peeked := q.Peek()
	if peeked == nil || peeked.ID != "r1" {
		t.Fatalf("expected r1, got %v", peeked)
	}
	if q.Len() != 1 {
		t.Errorf("Peek should not remove the run")
	}
}

func TestRemove(t *testing.T) {
	q := NewRunQueue(10)

	_ = q.Enqueue(createTestRun("r1", 5, "main", 0))
	_ = q.Enqueue(createTestRun("r2", 3, "main", 1))

	if !q.Remove("r1") {
		t.Error("Remove should return true for a queued run")
	}
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1 after remove, got %d", q.Len())
	}
	if q.Contains("r1") {
		t.Error("queue should not contain removed run")
	}
	if q.Remove("missing") {
		t.Error("Remove should return false for unknown run")
	}
}

func TestUpdatePriority(t *testing.T) {
	q := NewRunQueue(10)

	_ = q.Enqueue(createTestRun("r1", 1, "main", 0))
	_ = q.Enqueue(createTestRun("r2", 10, "main", 1))

	if q.Peek().ID != "r2" {
		t.Errorf("expected r2 first initially")
	}
	if !q.UpdatePriority("r1", 20) {
		t.Error("UpdatePriority should return true for a queued run")
	}
	if q.Peek().ID != "r1" {
		t.Errorf("expected r1 first after priority update")
	}
	if q.UpdatePriority("missing", 10) {
		t.Error("UpdatePriority should return false for unknown run")
	}
}

func TestIsFull(t *testing.T) {
	q := NewRunQueue(2)

	if q.IsFull() {
		t.Error("empty queue should not be full")
	}
	_ = q.Enqueue(createTestRun("r1", 5, "main", 0))
	if q.IsFull() {
		t.Error("queue with 1 item (capacity 2) should not be full")
	}
	_ = q.Enqueue(createTestRun("r2", 5, "main", 1))
	if !q.IsFull() {
		t.Error("queue at capacity should be full")
	}
}

func TestListInDispatchOrder(t *testing.T) {
	q := NewRunQueue(10)

	_ = q.Enqueue(createTestRun("r1", 5, "main", 0))
	_ = q.Enqueue(createTestRun("r2", 3, "main", 1))
	_ = q.Enqueue(createTestRun("r3", 7, "main", 2))
	_ = q.Enqueue(createTestRun("r4", 5, "main", 3))

	list := q.List()
	want := []string{"r3", "r1", "r4", "r2"}
	if len(list) != len(want) {
		t.Fatalf("expected %d items, got %d", len(want), len(list))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, list[i].ID)
		}
	}
	if info := list[0].Info(); info.State != v1.SubmissionQueued || info.Folder != "main" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestClear(t *testing.T) {
	q := NewRunQueue(10)

	_ = q.Enqueue(createTestRun("r1", 5, "main", 0))
	_ = q.Enqueue(createTestRun("r2", 3, "main", 1))

	drained := q.Clear()
	if len(drained) != 2 {
		t.Errorf("expected 2 drained runs, got %d", len(drained))
	}
	if q.Len() != 0 {
		t.Errorf("expected Len() = 0 after Clear, got %d", q.Len())
	}
	if q.Contains("r1") || q.Contains("r2") {
		t.Error("Clear should remove all runs")
	}
}

func TestUnlimitedQueue(t *testing.T) {
	q := NewRunQueue(0)

	for i := 0; i < 100; i++ {
		if err := q.Enqueue(createTestRun(fmt.Sprintf("r%d", i), 5, "main", i)); err != nil {
			t.Fatalf("Enqueue failed on unlimited queue: %v", err)
		}
	}
	if q.IsFull() {
		t.Error("unlimited queue should never be full")
	}
}
