package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/agent/mounts"
	"github.com/kandev/foldrun/internal/common/errors"
	"github.com/kandev/foldrun/internal/common/logger"
	"github.com/kandev/foldrun/internal/orchestrator/executor"
	"github.com/kandev/foldrun/internal/orchestrator/transcript"
	"github.com/kandev/foldrun/internal/workspace/repository"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Executor schedules submitted turns.
type Executor interface {
	Submit(ctx context.Context, sub *v1.RunSubmission) (*executor.Ticket, error)
	Cancel(ctx context.Context, id string) error
	List() []v1.SubmissionInfo
	Get(id string) (v1.SubmissionInfo, bool)
	ActiveCount() int
	QueueLength() int
}

// LiveRuns lists the agent processes that are currently alive.
type LiveRuns interface {
	List() []v1.RunInfo
}

// Transcripts serves recent frames of a run.
type Transcripts interface {
	Frames(ctx context.Context, id string, limit, afterSeq int) ([]*transcript.Entry, error)
}

// MountPlanner prepares a workspace and returns its mounts.
type MountPlanner interface {
	Plan(ctx context.Context, ws *v1.WorkspaceConfig, agentID string) (*mounts.Plan, error)
}

// Streamer serves the WebSocket relay.
type Streamer interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Deps are the services behind the control API. Stream and BusConnected
// may be nil.
type Deps struct {
	Executor     Executor
	Live         LiveRuns
	Workspaces   repository.Repository
	Transcripts  Transcripts
	Planner      MountPlanner
	Stream       Streamer
	BusConnected func() bool
}

// Handler contains HTTP handlers for the control API
type Handler struct {
	deps   Deps
	logger *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	return &Handler{
		deps:   deps,
		logger: log.WithFields(zap.String("component", "control-api")),
	}
}

// Health reports liveness and load.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	resp := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now().UTC(),
		ActiveRuns: h.deps.Executor.ActiveCount(),
		Queued:     h.deps.Executor.QueueLength(),
	}
	if h.deps.BusConnected != nil {
		resp.EventBus = h.deps.BusConnected()
	}
	c.JSON(http.StatusOK, resp)
}

// ListRuns lists live runs and pending submissions.
// GET /api/v1/runs
func (h *Handler) ListRuns(c *gin.Context) {
	runs := h.deps.Live.List()
	subs := h.deps.Executor.List()
	c.JSON(http.StatusOK, RunsListResponse{
		Runs:        runs,
		Submissions: subs,
		Total:       len(runs),
	})
}

// SubmitRun queues a turn. With ?wait=true the response is sent once the
// turn has finished.
// POST /api/v1/runs
func (h *Handler) SubmitRun(c *gin.Context) {
	var req v1.RunSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}

	ticket, err := h.deps.Executor.Submit(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(errors.Wrap(err, "failed to submit run"))
		return
	}

	if wait, _ := strconv.ParseBool(c.Query("wait")); !wait {
		c.JSON(http.StatusAccepted, SubmitResponse{ID: ticket.ID, State: v1.SubmissionQueued})
		return
	}

	result, err := ticket.Wait(c.Request.Context())
	if err != nil {
		// The client went away; the run keeps going.
		h.logger.WithContext(c.Request.Context()).Info("caller stopped waiting for run", zap.String("submission_id", ticket.ID))
		return
	}
	c.JSON(http.StatusOK, SubmitResponse{ID: ticket.ID, State: v1.SubmissionCompleted, Result: result})
}

// GetRun returns a pending submission.
// GET /api/v1/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	id := c.Param("runId")
	info, ok := h.deps.Executor.Get(id)
	if !ok {
		_ = c.Error(errors.NotFound("run", id))
		return
	}
	c.JSON(http.StatusOK, info)
}

// StopRun cancels a queued submission or stops a running one.
// DELETE /api/v1/runs/:runId
func (h *Handler) StopRun(c *gin.Context) {
	id := c.Param("runId")
	if err := h.deps.Executor.Cancel(c.Request.Context(), id); err != nil {
		_ = c.Error(errors.Wrap(err, "failed to stop run"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "stop requested", "id": id})
}

// ListFrames returns recent frames of a run by submission or run id.
// GET /api/v1/runs/:runId/frames?limit=N&after=SEQ
func (h *Handler) ListFrames(c *gin.Context) {
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		_ = c.Error(err)
		return
	}
	after, err := intQuery(c, "after", 0)
	if err != nil {
		_ = c.Error(err)
		return
	}

	frames, err := h.deps.Transcripts.Frames(c.Request.Context(), c.Param("runId"), limit, after)
	if err != nil {
		_ = c.Error(errors.InternalError("failed to read frames", err))
		return
	}
	c.JSON(http.StatusOK, FramesResponse{Frames: frames, Total: len(frames)})
}

// ListWorkspaces lists the configured workspaces.
// GET /api/v1/workspaces
func (h *Handler) ListWorkspaces(c *gin.Context) {
	list, err := h.deps.Workspaces.List(c.Request.Context())
	if err != nil {
		_ = c.Error(errors.Wrap(err, "failed to list workspaces"))
		return
	}
	c.JSON(http.StatusOK, WorkspacesListResponse{Workspaces: list, Total: len(list)})
}

// GetWorkspace returns one workspace.
// GET /api/v1/workspaces/:folder
func (h *Handler) GetWorkspace(c *gin.Context) {
	ws, err := h.deps.Workspaces.Get(c.Request.Context(), c.Param("folder"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

// PreviewMounts prepares the workspace directories and returns the mounts
// a run would get.
// GET /api/v1/workspaces/:folder/mounts?agent=ID
func (h *Handler) PreviewMounts(c *gin.Context) {
	ctx := c.Request.Context()
	ws, err := h.deps.Workspaces.Get(ctx, c.Param("folder"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	agentID := c.Query("agent")
	plan, err := h.deps.Planner.Plan(ctx, ws, agentID)
	if err != nil {
		_ = c.Error(errors.Wrap(err, "mount planning failed"))
		return
	}
	c.JSON(http.StatusOK, MountsResponse{Folder: ws.Folder, AgentID: agentID, Mounts: plan.Mounts})
}

// Stream upgrades to the WebSocket frame relay.
// GET /api/v1/stream?folder=F&run=ID
func (h *Handler) Stream(c *gin.Context) {
	if h.deps.Stream == nil {
		_ = c.Error(errors.ServiceUnavailable("stream"))
		return
	}
	h.deps.Stream.ServeWS(c.Writer, c.Request)
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.ValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}
