// Package api provides the HTTP control API of foldrun.
package api

import (
	"time"

	"github.com/kandev/foldrun/internal/orchestrator/transcript"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// RunsListResponse lists live processes and pending submissions.
type RunsListResponse struct {
	Runs        []v1.RunInfo        `json:"runs"`
	Submissions []v1.SubmissionInfo `json:"submissions"`
	Total       int                 `json:"total"`
}

// SubmitResponse is returned by POST /runs. Result is set when the caller
// asked to wait.
type SubmitResponse struct {
	ID     string              `json:"id"`
	State  v1.SubmissionState  `json:"state"`
	Result *v1.ExecutionResult `json:"result,omitempty"`
}

// FramesResponse lists recent frames of a run.
type FramesResponse struct {
	Frames []*transcript.Entry `json:"frames"`
	Total  int                 `json:"total"`
}

// WorkspacesListResponse lists workspaces.
type WorkspacesListResponse struct {
	Workspaces []*v1.WorkspaceConfig `json:"workspaces"`
	Total      int                   `json:"total"`
}

// MountsResponse previews the mounts of a run.
type MountsResponse struct {
	Folder  string           `json:"folder"`
	AgentID string           `json:"agent_id,omitempty"`
	Mounts  []v1.VolumeMount `json:"mounts"`
}

// HealthResponse for health check
type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	ActiveRuns int       `json:"active_runs"`
	Queued     int       `json:"queued"`
	EventBus   bool      `json:"event_bus"`
}
