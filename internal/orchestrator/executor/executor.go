// Package executor schedules submitted agent turns: one running turn per
// workspace and agent, a global concurrency cap and a priority queue for
// everything that has to wait.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/agent/lifecycle"
	"github.com/kandev/foldrun/internal/agent/session"
	"github.com/kandev/foldrun/internal/common/config"
	"github.com/kandev/foldrun/internal/common/errors"
	"github.com/kandev/foldrun/internal/common/logger"
	"github.com/kandev/foldrun/internal/events"
	"github.com/kandev/foldrun/internal/events/bus"
	"github.com/kandev/foldrun/internal/orchestrator/queue"
	"github.com/kandev/foldrun/internal/workspace/repository"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Runner runs one agent turn to completion. It is implemented by
// lifecycle.Manager.
type Runner interface {
	Run(ctx context.Context, req *lifecycle.RunRequest) *v1.ExecutionResult
}

// Ticket tracks one submission until its result is known.
type Ticket struct {
	ID string

	once   sync.Once
	done   chan struct{}
	result *v1.ExecutionResult
}

func newTicket(id string) *Ticket {
	return &Ticket{ID: id, done: make(chan struct{})}
}

func (t *Ticket) resolve(r *v1.ExecutionResult) {
	t.once.Do(func() {
		t.result = r
		close(t.done)
	})
}

// Done is closed once the result is available.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Result returns the result, nil while the turn is pending.
func (t *Ticket) Result() *v1.ExecutionResult {
	select {
	case <-t.done:
		return t.result
	default:
		return nil
	}
}

// Wait blocks until the result is available or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (*v1.ExecutionResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execution is a dispatched submission.
type execution struct {
	run    *queue.QueuedRun
	ticket *Ticket
	info   v1.SubmissionInfo
	cancel context.CancelFunc
}

// Executor manages agent execution for submitted turns
type Executor struct {
	runner     Runner
	workspaces repository.Repository
	sessions   *session.Manager
	bus        bus.EventBus
	queue      *queue.RunQueue
	logger     *logger.Logger

	maxConcurrent int

	mu      sync.Mutex
	running map[string]*execution // by submission id
	busy    map[string]bool       // serialization keys with a running turn
	pending map[string]*Ticket    // tickets of queued submissions
	stopped bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor creates an executor. sessions and eventBus may be nil.
func NewExecutor(runner Runner, workspaces repository.Repository, sessions *session.Manager, eventBus bus.EventBus, cfg config.RunnerConfig, log *logger.Logger) *Executor {
	maxConcurrent := cfg.MaxConcurrentRuns
	if maxConcurrent <= 0 {
		maxConcurrent = 5 // default
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		runner:        runner,
		workspaces:    workspaces,
		sessions:      sessions,
		bus:           eventBus,
		queue:         queue.NewRunQueue(cfg.MaxQueuedRuns),
		logger:        log.WithFields(zap.String("component", "executor")),
		maxConcurrent: maxConcurrent,
		running:       make(map[string]*execution),
		busy:          make(map[string]bool),
		pending:       make(map[string]*Ticket),
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// serializationKey allows one running turn per workspace and sub-agent.
func serializationKey(folder, agentID string) string {
	if agentID == "" {
		return folder
	}
	return folder + "/" + agentID
}

// Start launches the dispatch loop.
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.loop()
	e.logger.Info("executor started", zap.Int("max_concurrent", e.maxConcurrent))
}

func (e *Executor) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
			e.dispatch()
		}
	}
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Submit queues a turn. It fails when the workspace is unknown, the
// submission is invalid or the queue is full.
func (e *Executor) Submit(ctx context.Context, sub *v1.RunSubmission) (*Ticket, error) {
	if sub == nil {
		return nil, errors.BadRequest("submission is required")
	}
	if sub.Folder == "" {
		return nil, errors.ValidationError("folder", "is required")
	}
	if sub.Prompt == "" {
		return nil, errors.ValidationError("prompt", "is required")
	}
	if sub.Mode != "" && !sub.Mode.Valid() {
		return nil, errors.ValidationError("mode", "must be container or host")
	}

	ws, err := e.workspaces.Get(ctx, sub.Folder)
	if err != nil {
		return nil, err
	}

	cp := *sub
	run := &queue.QueuedRun{
		ID:         uuid.New().String(),
		Key:        serializationKey(sub.Folder, sub.AgentID),
		Priority:   sub.Priority,
		QueuedAt:   time.Now().UTC(),
		Submission: &cp,
		Workspace:  ws,
	}
	t := newTicket(run.ID)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, errors.ServiceUnavailable("executor")
	}
	if err := e.queue.Enqueue(run); err != nil {
		e.mu.Unlock()
		if err == queue.ErrQueueFull {
			return nil, errors.QueueFull("too many queued runs, try again later")
		}
		return nil, errors.InternalError("failed to queue run", err)
	}
	e.pending[run.ID] = t
	e.mu.Unlock()

	e.logger.Info("run queued",
		zap.String("submission_id", run.ID),
		zap.String("folder", sub.Folder),
		zap.String("agent_id", sub.AgentID),
		zap.Int("priority", sub.Priority),
		zap.Int("queue_length", e.queue.Len()))
	e.publish(ctx, events.RunQueued, events.RunPayload{
		SubmissionID: run.ID,
		Folder:       sub.Folder,
		AgentID:      sub.AgentID,
		State:        v1.SubmissionQueued,
	})

	e.signal()
	return t, nil
}

// dispatch starts queued runs while there is capacity. A run whose key is
// busy stays queued behind it; other keys may overtake it.
func (e *Executor) dispatch() {
	for {
		e.mu.Lock()
		if e.stopped || len(e.running) >= e.maxConcurrent {
			e.mu.Unlock()
			return
		}
		run := e.queue.DequeueEligible(func(r *queue.QueuedRun) bool { return !e.busy[r.Key] })
		if run == nil {
			e.mu.Unlock()
			return
		}

		runCtx, cancel := context.WithCancel(e.ctx)
		ex := &execution{
			run:    run,
			ticket: e.pending[run.ID],
			info:   run.Info(),
			cancel: cancel,
		}
		if ex.ticket == nil {
			ex.ticket = newTicket(run.ID)
		}
		delete(e.pending, run.ID)
		now := time.Now().UTC()
		ex.info.State = v1.SubmissionRunning
		ex.info.StartedAt = &now
		e.running[run.ID] = ex
		e.busy[run.Key] = true
		e.wg.Add(1)
		e.mu.Unlock()

		go e.execute(runCtx, ex)
	}
}

// buildRequest turns a submission into the request written to the agent.
// The last known session is resumed unless the caller picked one.
func (e *Executor) buildRequest(sub *v1.RunSubmission, ws *v1.WorkspaceConfig) *v1.ExecutionRequest {
	sessionID := sub.SessionID
	if sessionID == "" && e.sessions != nil {
		sessionID = e.sessions.Resolve(ws.Folder, sub.AgentID)
	}
	return &v1.ExecutionRequest{
		Prompt:          sub.Prompt,
		SessionID:       sessionID,
		GroupFolder:     ws.Folder,
		ChatJID:         sub.ChatJID,
		IsHome:          ws.IsHome,
		IsAdminHome:     ws.IsAdminHome,
		IsScheduledTask: sub.IsScheduledTask,
		Images:          sub.Images,
		AgentID:         sub.AgentID,
		AgentName:       sub.AgentName,
	}
}

func (e *Executor) execute(ctx context.Context, ex *execution) {
	defer e.wg.Done()

	run := ex.run
	sub := run.Submission
	ws := run.Workspace
	log := e.logger.WithFolder(ws.Folder).WithFields(zap.String("submission_id", run.ID))

	var (
		runID string

		// frames may still be delivering when a stuck consumer outlives the
		// run's settle window.
		frameMu     sync.Mutex
		seq         int
		lastSession string
	)
	payload := func(state v1.SubmissionState) events.RunPayload {
		return events.RunPayload{
			SubmissionID: run.ID,
			RunID:        runID,
			Folder:       ws.Folder,
			AgentID:      sub.AgentID,
			State:        state,
		}
	}

	result := e.runner.Run(ctx, &lifecycle.RunRequest{
		Workspace: ws,
		Request:   e.buildRequest(sub, ws),
		Mode:      sub.Mode,
		OnStart: func(h *lifecycle.RunHandle) {
			frameMu.Lock()
			runID = h.ID
			p := payload(v1.SubmissionRunning)
			frameMu.Unlock()
			e.mu.Lock()
			ex.info.RunID = h.ID
			e.mu.Unlock()
			e.publish(ctx, events.RunStarted, p)
		},
		OnFrame: func(fctx context.Context, f v1.StreamFrame) error {
			frameMu.Lock()
			seq++
			if f.NewSessionID != "" {
				lastSession = f.NewSessionID
			}
			p := payload(v1.SubmissionRunning)
			p.Seq = seq
			frameMu.Unlock()
			p.Frame = &f
			e.publish(fctx, events.RunFrame, p)
			return nil
		},
	})
	if result == nil {
		result = v1.ErrorResult("runner returned no result")
	}

	frameMu.Lock()
	sessionID := result.NewSessionID
	if sessionID == "" {
		sessionID = lastSession
	}
	frames := seq
	p := payload(v1.SubmissionCompleted)
	frameMu.Unlock()
	if e.sessions != nil && sessionID != "" {
		e.sessions.Record(ws.Folder, sub.AgentID, sessionID)
	}

	e.mu.Lock()
	delete(e.running, run.ID)
	delete(e.busy, run.Key)
	e.mu.Unlock()
	ex.cancel()

	p.Result = result
	e.publish(context.WithoutCancel(ctx), events.RunCompleted, p)
	ex.ticket.resolve(result)

	log.Info("run finished",
		zap.String("run_id", runID),
		zap.String("status", string(result.Status)),
		zap.Int("frames", frames))
	e.signal()
}

// Cancel removes a queued submission or stops a running one. id may be a
// submission id or the run id of a running turn.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	if queued, ok := e.queue.Get(id); ok && e.queue.Remove(id) {
		t := e.pending[id]
		delete(e.pending, id)
		e.mu.Unlock()

		e.logger.Info("queued run cancelled", zap.String("submission_id", id))
		result := v1.ErrorResult("run cancelled before start")
		e.publish(ctx, events.RunCompleted, events.RunPayload{
			SubmissionID: id,
			Folder:       queued.Submission.Folder,
			AgentID:      queued.Submission.AgentID,
			State:        v1.SubmissionCancelled,
			Result:       result,
		})
		if t != nil {
			t.resolve(result)
		}
		return nil
	}

	ex, ok := e.running[id]
	if !ok {
		for _, candidate := range e.running {
			if candidate.info.RunID != "" && candidate.info.RunID == id {
				ex, ok = candidate, true
				break
			}
		}
	}
	e.mu.Unlock()

	if !ok {
		return errors.NotFound("run", id)
	}
	e.logger.Info("stopping running run",
		zap.String("submission_id", ex.run.ID),
		zap.String("run_id", ex.info.RunID))
	// The lifecycle manager treats a cancelled run context as a stop request.
	ex.cancel()
	return nil
}

// List returns running submissions followed by queued ones in dispatch
// order.
func (e *Executor) List() []v1.SubmissionInfo {
	e.mu.Lock()
	out := make([]v1.SubmissionInfo, 0, len(e.running))
	for _, ex := range e.running {
		out = append(out, ex.info)
	}
	e.mu.Unlock()

	for _, run := range e.queue.List() {
		out = append(out, run.Info())
	}
	return out
}

// Get returns a pending submission.
func (e *Executor) Get(id string) (v1.SubmissionInfo, bool) {
	e.mu.Lock()
	if ex, ok := e.running[id]; ok {
		info := ex.info
		e.mu.Unlock()
		return info, true
	}
	e.mu.Unlock()

	for _, run := range e.queue.List() {
		if run.ID == id {
			return run.Info(), true
		}
	}
	return v1.SubmissionInfo{}, false
}

// ActiveCount returns the number of running turns
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// QueueLength returns the number of waiting turns.
func (e *Executor) QueueLength() int {
	return e.queue.Len()
}

// Shutdown refuses new submissions, fails the queued ones and stops every
// running turn, then waits for them or ctx.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	drained := e.queue.Clear()
	tickets := make([]*Ticket, 0, len(drained))
	for _, run := range drained {
		if t := e.pending[run.ID]; t != nil {
			tickets = append(tickets, t)
		}
		delete(e.pending, run.ID)
	}
	active := len(e.running)
	e.mu.Unlock()

	e.logger.Info("stopping executor", zap.Int("running", active), zap.Int("queued", len(drained)))
	for _, t := range tickets {
		t.resolve(v1.ErrorResult("foldrun is shutting down"))
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown: %w", ctx.Err())
	}
}

func (e *Executor) publish(ctx context.Context, eventType string, p events.RunPayload) {
	if e.bus == nil {
		return
	}
	event, err := events.NewRunEvent(eventType, p)
	if err != nil {
		e.logger.Error("failed to build run event", zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, events.Subject(eventType, p.Folder), event); err != nil {
		e.logger.Warn("failed to publish run event",
			zap.String("event_type", eventType),
			zap.String("submission_id", p.SubmissionID),
			zap.Error(err))
	}
}
