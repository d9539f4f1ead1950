// Package transcript keeps the frames of recent runs, fed from run events
// on the bus, and fans them out to live listeners.
package transcript

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/common/logger"
	"github.com/kandev/foldrun/internal/events"
	"github.com/kandev/foldrun/internal/events/bus"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

const maxRunIndex = 1000

// Listener is called for every frame of a run. final is set once, for the
// run's result, after which the listener is dropped. Listeners run on the
// bus delivery goroutine and must not block.
type Listener func(e *Entry, final bool)

// Handler manages run transcripts
type Handler struct {
	store  Store
	logger *logger.Logger

	mu       sync.RWMutex
	runs     map[string]string // run id -> submission id
	runOrder []string

	listenerMu sync.RWMutex
	listeners  map[string]map[int]Listener
	nextID     int

	sub bus.Subscription
}

// NewHandler creates a transcript handler
func NewHandler(store Store, log *logger.Logger) *Handler {
	return &Handler{
		store:     store,
		logger:    log.WithFields(zap.String("component", "transcript")),
		runs:      make(map[string]string),
		listeners: make(map[string]map[int]Listener),
	}
}

// Attach subscribes the handler to every run event on b.
func (h *Handler) Attach(b bus.EventBus) error {
	sub, err := b.Subscribe(events.AllRuns, h.HandleEvent)
	if err != nil {
		return err
	}
	h.sub = sub
	return nil
}

// Close detaches the handler from the bus.
func (h *Handler) Close() error {
	if h.sub == nil {
		return nil
	}
	return h.sub.Unsubscribe()
}

// HandleEvent processes one run event.
func (h *Handler) HandleEvent(ctx context.Context, e *bus.Event) error {
	p, err := events.ParseRunPayload(e)
	if err != nil {
		return err
	}

	switch e.Type {
	case events.RunStarted:
		if p.RunID != "" {
			h.mu.Lock()
			h.runs[p.RunID] = p.SubmissionID
			h.runOrder = append(h.runOrder, p.RunID)
			for len(h.runOrder) > maxRunIndex {
				delete(h.runs, h.runOrder[0])
				h.runOrder = h.runOrder[1:]
			}
			h.mu.Unlock()
		}
	case events.RunFrame:
		if p.Frame == nil {
			return nil
		}
		return h.Process(ctx, &Entry{
			SubmissionID: p.SubmissionID,
			RunID:        p.RunID,
			Folder:       p.Folder,
			Seq:          p.Seq,
			Timestamp:    e.Timestamp,
			Frame:        *p.Frame,
		})
	case events.RunCompleted:
		h.complete(p, e.Timestamp)
	}
	return nil
}

// Process stores a frame and notifies the run's listeners.
func (h *Handler) Process(ctx context.Context, e *Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := h.store.Append(ctx, e); err != nil {
		h.logger.Error("failed to store frame", zap.Error(err), zap.String("submission_id", e.SubmissionID))
		return err
	}

	for _, l := range h.listenersOf(e.SubmissionID) {
		l(e, false)
	}
	return nil
}

func (h *Handler) complete(p events.RunPayload, ts time.Time) {
	h.listenerMu.Lock()
	ls := h.listeners[p.SubmissionID]
	delete(h.listeners, p.SubmissionID)
	h.listenerMu.Unlock()

	if p.Result == nil || len(ls) == 0 {
		return
	}
	r := p.Result
	final := &Entry{
		SubmissionID: p.SubmissionID,
		RunID:        p.RunID,
		Folder:       p.Folder,
		Timestamp:    ts,
		Frame: v1.StreamFrame{
			Status:       r.Status,
			Result:       r.Result,
			NewSessionID: r.NewSessionID,
			Error:        r.Error,
		},
	}
	for _, l := range ls {
		l(final, true)
	}
}

func (h *Handler) listenersOf(submissionID string) []Listener {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()

	ls := make([]Listener, 0, len(h.listeners[submissionID]))
	for _, l := range h.listeners[submissionID] {
		ls = append(ls, l)
	}
	return ls
}

// Resolve maps a run id to its submission id. Anything else is returned
// unchanged.
func (h *Handler) Resolve(id string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sub, ok := h.runs[id]; ok {
		return sub
	}
	return id
}

// Frames returns the recent frames of a run by submission or run id.
func (h *Handler) Frames(ctx context.Context, id string, limit, afterSeq int) ([]*Entry, error) {
	return h.store.Frames(ctx, h.Resolve(id), limit, afterSeq)
}

// AddListener registers l for a run by submission or run id and returns a
// function that removes it.
func (h *Handler) AddListener(id string, l Listener) func() {
	submissionID := h.Resolve(id)

	h.listenerMu.Lock()
	h.nextID++
	lid := h.nextID
	if h.listeners[submissionID] == nil {
		h.listeners[submissionID] = make(map[int]Listener)
	}
	h.listeners[submissionID][lid] = l
	h.listenerMu.Unlock()

	return func() {
		h.listenerMu.Lock()
		defer h.listenerMu.Unlock()
		delete(h.listeners[submissionID], lid)
		if len(h.listeners[submissionID]) == 0 {
			delete(h.listeners, submissionID)
		}
	}
}

// Forget drops everything known about a run.
func (h *Handler) Forget(ctx context.Context, submissionID string) error {
	h.mu.Lock()
	for runID, sub := range h.runs {
		if sub == submissionID {
			delete(h.runs, runID)
		}
	}
	h.mu.Unlock()

	h.listenerMu.Lock()
	delete(h.listeners, submissionID)
	h.listenerMu.Unlock()

	return h.store.Delete(ctx, submissionID)
}
