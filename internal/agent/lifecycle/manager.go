// Package lifecycle runs agent turns: it launches the agent process for a
// workspace, streams its frames to the caller, enforces the idle timeout and
// turns the process exit into exactly one ExecutionResult.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/foldrun/internal/agent/mounts"
	"github.com/kandev/foldrun/internal/agent/registry"
	"github.com/kandev/foldrun/internal/common/config"
	"github.com/kandev/foldrun/internal/common/errors"
	"github.com/kandev/foldrun/internal/common/logger"
	"github.com/kandev/foldrun/internal/common/tracing"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
	"github.com/kandev/foldrun/pkg/protocol"
)

const defaultDrainTimeout = 2 * time.Second

// FrameConsumer receives decoded frames of a run, one at a time and in
// order. The next frame is not delivered before the call returns, so any
// side effects a consumer needs to be visible before the run result should
// complete inside the call. An error is logged and does not fail the run.
type FrameConsumer func(ctx context.Context, frame v1.StreamFrame) error

// RunRequest is one agent turn.
type RunRequest struct {
	Workspace *v1.WorkspaceConfig
	Request   *v1.ExecutionRequest
	// Mode overrides the workspace and configured execution mode.
	Mode v1.ExecutionMode
	// OnStart is called with the live handle right after the process starts.
	OnStart func(h *RunHandle)
	// OnFrame enables streaming mode. Without it the result is taken from
	// the last frame of the accumulated stdout.
	OnFrame FrameConsumer
}

// orphanCleaner is implemented by launchers that can leave resources behind
// when foldrun itself dies.
type orphanCleaner interface {
	CleanupOrphans(ctx context.Context, active map[string]bool) (int, error)
}

// Manager runs agent turns and tracks the live ones.
type Manager struct {
	cfg        config.RunnerConfig
	namePrefix string
	planner    *mounts.Planner
	registry   *registry.Registry
	logger     *logger.Logger
	tracer     trace.Tracer

	mu        sync.RWMutex
	launchers map[v1.ExecutionMode]Launcher
}

// NewManager creates a run manager. Launchers are added with
// RegisterLauncher.
func NewManager(cfg config.RunnerConfig, namePrefix string, planner *mounts.Planner, reg *registry.Registry, log *logger.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		namePrefix: namePrefix,
		planner:    planner,
		registry:   reg,
		logger:     log.WithFields(zap.String("component", "lifecycle-manager")),
		tracer:     tracing.Tracer("foldrun/lifecycle"),
		launchers:  make(map[v1.ExecutionMode]Launcher),
	}
}

// RegisterLauncher makes a launch variant available. A later registration
// for the same mode replaces the earlier one.
func (m *Manager) RegisterLauncher(l Launcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launchers[l.Mode()] = l
}

func (m *Manager) launcher(mode v1.ExecutionMode) (Launcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.launchers[mode]
	return l, ok
}

// ResolveMode picks the execution mode of a run: explicit, then workspace,
// then configured default.
func (m *Manager) ResolveMode(explicit v1.ExecutionMode, ws *v1.WorkspaceConfig) v1.ExecutionMode {
	if explicit != "" {
		return explicit
	}
	if ws != nil && ws.Mode != "" {
		return ws.Mode
	}
	return v1.ExecutionMode(m.cfg.Mode)
}

// Start removes resources orphaned by a previous process.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("starting lifecycle manager")
	if _, err := m.CleanupOrphans(ctx); err != nil {
		m.logger.Warn("orphan cleanup failed", zap.Error(err))
	}
	return nil
}

// Shutdown stops every live run.
func (m *Manager) Shutdown(ctx context.Context) {
	m.logger.Info("stopping lifecycle manager", zap.Int("active_runs", m.registry.Count()))
	m.registry.StopAll(ctx)
}

// Stop requests termination of a live run.
func (m *Manager) Stop(ctx context.Context, runID string) error {
	return m.registry.Stop(ctx, runID)
}

// List returns the live runs.
func (m *Manager) List() []v1.RunInfo {
	return m.registry.List()
}

// CleanupOrphans asks every launcher that supports it to remove leftovers
// that no live run owns.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	active := make(map[string]bool)
	for _, info := range m.registry.List() {
		active[info.ID] = true
		if info.ContainerName != "" {
			active[info.ContainerName] = true
		}
	}

	m.mu.RLock()
	var cleaners []orphanCleaner
	for _, l := range m.launchers {
		if c, ok := l.(orphanCleaner); ok {
			cleaners = append(cleaners, c)
		}
	}
	m.mu.RUnlock()

	total := 0
	for _, c := range cleaners {
		n, err := c.CleanupOrphans(ctx, active)
		total += n
		if err != nil {
			return total, err
		}
	}
	if total > 0 {
		m.logger.Info("cleaned up orphaned runs", zap.Int("count", total))
	}
	return total, nil
}

// Run executes one agent turn and returns its result. It never returns
// nil: every failure is reported as an error result.
func (m *Manager) Run(ctx context.Context, req *RunRequest) *v1.ExecutionResult {
	if req == nil || req.Workspace == nil || req.Request == nil {
		return v1.ErrorResult("run request requires a workspace and an execution request")
	}

	ws := req.Workspace
	agentID := req.Request.AgentID
	mode := m.ResolveMode(req.Mode, ws)
	runID := runName(m.namePrefix, ws.Folder, agentID, time.Now())

	ctx, span := m.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("workspace.folder", ws.Folder),
		attribute.String("run.mode", string(mode)),
		attribute.Bool("run.streaming", req.OnFrame != nil),
	))
	defer span.End()

	log := m.logger.WithRunID(runID).WithFolder(ws.Folder)
	if agentID != "" {
		log = log.WithFields(zap.String("agent_id", agentID))
	}

	result, kind := m.run(ctx, runID, mode, req, log)

	span.SetAttributes(attribute.String("run.status", string(result.Status)))
	if !result.Succeeded() {
		span.SetAttributes(attribute.String("run.error_kind", string(kind)))
		span.SetStatus(codes.Error, result.Error)
	}
	return result
}

func (m *Manager) run(ctx context.Context, runID string, mode v1.ExecutionMode, req *RunRequest, log *logger.Logger) (*v1.ExecutionResult, errors.Kind) {
	ws := req.Workspace

	l, ok := m.launcher(mode)
	if !ok {
		log.Error("no launcher for execution mode", zap.String("mode", string(mode)))
		return v1.ErrorResult(fmt.Sprintf("execution mode %q is not available", mode)), errors.KindSetup
	}

	plan, err := m.planner.Plan(ctx, ws, req.Request.AgentID)
	if err != nil {
		log.Error("mount planning failed", zap.Error(err))
		return v1.ErrorResult(fmt.Sprintf("workspace setup failed: %v", err)), errors.KindSetup
	}

	spec := &LaunchSpec{RunID: runID, Workspace: ws, AgentID: req.Request.AgentID, Plan: plan}
	prep, err := l.Prepare(ctx, spec)
	if err != nil {
		log.Error("launch preparation failed", zap.Error(err))
		return v1.ErrorResult(fmt.Sprintf("workspace setup failed: %v", err)), errors.KindSetup
	}
	if prep.Terminal != nil {
		return prep.Terminal, errors.KindSetup
	}

	return m.execute(ctx, spec, l, prep, req, log)
}

// execute owns the process from spawn to result.
func (m *Manager) execute(ctx context.Context, spec *LaunchSpec, l Launcher, prep *Prepared, req *RunRequest, log *logger.Logger) (*v1.ExecutionResult, errors.Kind) {
	cmd := prep.Cmd
	span := trace.SpanFromContext(ctx)
	spawnFailed := func(err error) (*v1.ExecutionResult, errors.Kind) {
		log.Error("failed to spawn agent", zap.String("path", cmd.Path), zap.Error(err))
		out := Classify(ExitInfo{SpawnErr: err})
		return out.Result, out.Kind
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return spawnFailed(err)
	}
	// Output pipes are owned here rather than by exec.Cmd so that waiting
	// for the exit and draining the output can happen independently.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return spawnFailed(err)
	}
	defer stdout.Close()
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutW.Close()
		return spawnFailed(err)
	}
	defer stderr.Close()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	startErr := cmd.Start()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if startErr != nil {
		return spawnFailed(startErr)
	}

	h := newRunHandle(spec, l.Mode(), prep, l)
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(h.done)
	}()
	m.registry.Add(h)
	defer m.registry.Remove(h.ID)

	log.Info("agent started",
		zap.Int("pid", h.PID()),
		zap.String("container", h.ContainerName),
		zap.Int("mounts", len(spec.Plan.Mounts)))
	if req.OnStart != nil {
		req.OnStart(h)
	}

	// abandon releases a reader blocked on a full frame queue. Frames are
	// given up only when the run failed or the output drain ran out.
	abandon := make(chan struct{})
	var abandonOnce sync.Once
	closeAbandon := func() { abandonOnce.Do(func() { close(abandon) }) }

	timeout := effectiveTimeout(spec.Workspace.Timeout, m.cfg.IdleTimeout, m.cfg.MinTimeout)
	gov := newGovernor(timeout, func() {
		log.Warn("agent idle timeout, stopping", zap.Duration("timeout", timeout))
		closeAbandon()
		if err := h.terminate(context.Background()); err != nil {
			log.Warn("stop after timeout failed", zap.Error(err))
		}
	})
	defer gov.Stop()

	go func() {
		select {
		case <-ctx.Done():
			log.Info("run context cancelled, stopping agent")
			if err := h.Stop(context.Background()); err != nil {
				log.Warn("stop after cancel failed", zap.Error(err))
			}
		case <-h.done:
		}
	}()

	var (
		frames  chan v1.StreamFrame
		settled = make(chan struct{})
	)
	if req.OnFrame != nil {
		frames = make(chan v1.StreamFrame, m.cfg.FrameQueueSize)
		go m.deliver(context.WithoutCancel(ctx), frames, req.OnFrame, settled, log)
	} else {
		close(settled)
	}

	parser := protocol.NewParser(
		protocol.WithMaxBuffer(m.cfg.MaxParseBufferBytes),
		protocol.WithTailWindow(m.cfg.ParseTailBytes),
		protocol.WithDecodeErrorHandler(func(e *protocol.DecodeError) {
			log.Warn("skipping malformed frame", zap.String("kind", string(errors.KindProtocolDecode)), zap.Error(e))
		}),
		protocol.WithOverflowHandler(func(dropped int) {
			log.Warn("parse buffer overflow, trimmed", zap.String("kind", string(errors.KindBufferOverflow)), zap.Int("dropped_bytes", dropped))
		}),
	)

	var (
		lastSessionID string
		sawSuccess    bool
		undelivered   int
	)
	onChunk := func(chunk []byte) {
		for _, f := range parser.Feed(chunk) {
			gov.Reset()
			span.AddEvent("frame", trace.WithAttributes(attribute.String("frame.status", string(f.Status))))
			if f.NewSessionID != "" {
				lastSessionID = f.NewSessionID
			}
			if f.Status == v1.FrameStatusSuccess {
				sawSuccess = true
			}
			if frames == nil {
				continue
			}
			select {
			case frames <- f:
			default:
				select {
				case frames <- f:
				case <-abandon:
					undelivered++
				}
			}
		}
	}

	stdoutBuf := newCappedBuffer(m.cfg.MaxOutputBytes)
	stderrBuf := newCappedBuffer(m.cfg.MaxOutputBytes)
	stderrTail := newTailBuffer(m.cfg.StderrTailBytes)
	var readers errgroup.Group
	readers.Go(func() error { return pumpStdout(stdout, stdoutBuf, onChunk) })
	readers.Go(func() error { return pumpStderr(stderr, io.MultiWriter(stderrBuf, stderrTail), log) })

	inputErr := writeRequest(stdin, req.Request)
	if inputErr != nil {
		log.Error("failed to write request to agent, killing it", zap.String("kind", string(errors.KindInputWrite)), zap.Error(inputErr))
		closeAbandon()
		if err := h.kill(); err != nil {
			log.Debug("kill after input failure", zap.Error(err))
		}
	}

	<-h.done
	gov.Stop()
	duration := time.Since(h.StartedAt)
	m.drain(&readers, func() {
		closeAbandon()
		_ = stdout.Close()
		_ = stderr.Close()
	}, log)

	code, sig, statusErr := exitStatus(waitErr)
	if statusErr != nil {
		log.Warn("could not determine agent exit status", zap.Error(statusErr))
	}

	if frames != nil {
		close(frames)
	}
	if undelivered > 0 {
		log.Warn("frames dropped during teardown", zap.String("kind", string(errors.KindConsumerDelivery)), zap.Int("count", undelivered))
	}
	m.settle(settled, log)

	var (
		result *v1.ExecutionResult
		kind   errors.Kind
	)
	switch {
	case gov.Expired():
		result, kind = timeoutResult(timeout, lastSessionID), errors.KindTimeout
	case inputErr != nil:
		result, kind = v1.ErrorResult(fmt.Sprintf("failed to write request to agent: %v", inputErr)), errors.KindInputWrite
	default:
		out := Classify(ExitInfo{
			ExitCode:      code,
			Signal:        sig,
			HasConsumer:   req.OnFrame != nil,
			StopRequested: h.StopRequested(),
			SawSuccess:    sawSuccess,
			LastSessionID: lastSessionID,
			Stdout:        stdoutBuf.Bytes(),
			StderrTail:    stderrTail.String(),
		})
		result, kind = out.Result, out.Kind
		if out.Unconfirmed {
			log.Warn("agent ended by signal without a stop request, reporting as stopped",
				zap.Int("exit_code", code), zap.Stringer("signal", sig))
		}
	}

	decoded, malformed, dropped := parser.Stats()
	entry := &runLog{
		RunID:           h.ID,
		Folder:          h.Folder,
		AgentID:         h.AgentID,
		Mode:            h.Mode,
		StartedAt:       h.StartedAt,
		Duration:        duration,
		ExitCode:        code,
		TimedOut:        gov.Expired(),
		Stopped:         h.StopRequested(),
		Result:          result,
		Request:         req.Request,
		Mounts:          spec.Plan.Mounts,
		Stdout:          stdoutBuf,
		Stderr:          stderrBuf,
		FramesDecoded:   decoded,
		FramesMalformed: malformed,
		ParseDropped:    dropped,
	}
	if sig != 0 {
		entry.Signal = sig.String()
	}
	verbose := m.cfg.VerboseRunLogs || log.DebugEnabled() || !result.Succeeded()
	if path, err := entry.write(spec.Plan.LogsDir, verbose); err != nil {
		log.Warn("failed to write run log", zap.Error(err))
	} else {
		log.Debug("run log written", zap.String("path", path))
	}

	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.Int("exit_code", code),
		zap.Duration("duration", duration),
		zap.Int("frames", decoded),
	}
	if kind != "" {
		fields = append(fields, zap.String("kind", string(kind)), zap.String("error", result.Error))
		log.Warn("agent run failed", fields...)
	} else {
		log.Info("agent run completed", fields...)
	}
	return result, kind
}

// drain waits for the output readers after the process has exited. Pipes a
// descendant still holds open are closed once DrainTimeout has passed.
func (m *Manager) drain(readers *errgroup.Group, force func(), log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		if err := readers.Wait(); err != nil {
			log.Warn("agent output read failed", zap.Error(err))
		}
		close(done)
	}()

	timeout := m.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return
	case <-t.C:
	}
	log.Warn("agent output still open after exit, closing it",
		zap.Duration("drain_timeout", timeout))
	force()
	<-done
}

// deliver is the single consumer of a run's frame queue.
func (m *Manager) deliver(ctx context.Context, frames <-chan v1.StreamFrame, consume FrameConsumer, settled chan<- struct{}, log *logger.Logger) {
	defer close(settled)
	for f := range frames {
		if err := safeConsume(ctx, consume, f); err != nil {
			log.Warn("frame consumer failed", zap.String("kind", string(errors.KindConsumerDelivery)), zap.Error(err))
		}
	}
}

func safeConsume(ctx context.Context, consume FrameConsumer, f v1.StreamFrame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()
	return consume(ctx, f)
}

// settle waits for queued frames to be consumed, bounded by SettleTimeout.
func (m *Manager) settle(settled <-chan struct{}, log *logger.Logger) {
	if m.cfg.SettleTimeout <= 0 {
		<-settled
		return
	}
	t := time.NewTimer(m.cfg.SettleTimeout)
	defer t.Stop()
	select {
	case <-settled:
	case <-t.C:
		log.Warn("frame consumer did not settle in time, finishing run",
			zap.String("kind", string(errors.KindConsumerDelivery)),
			zap.Duration("settle_timeout", m.cfg.SettleTimeout))
	}
}
