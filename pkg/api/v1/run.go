// Package v1 holds the wire types shared by the orchestrator, the agent
// subprocess and API clients.
package v1

import (
	"encoding/json"
	"time"
)

// ExecutionMode selects how an agent turn is executed.
type ExecutionMode string

const (
	ExecutionModeContainer ExecutionMode = "container"
	ExecutionModeHost      ExecutionMode = "host"
)

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	return m == ExecutionModeContainer || m == ExecutionModeHost
}

// FrameStatus is the status carried by a protocol frame.
type FrameStatus string

const (
	FrameStatusSuccess FrameStatus = "success"
	FrameStatusError   FrameStatus = "error"
	FrameStatusStream  FrameStatus = "stream"
)

// ImageAttachment is an inline image passed along with a prompt.
type ImageAttachment struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// ExecutionRequest is written once, as JSON, to the agent's stdin.
type ExecutionRequest struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsHome          bool              `json:"isHome"`
	IsAdminHome     bool              `json:"isAdminHome,omitempty"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	Images          []ImageAttachment `json:"images,omitempty"`
	AgentID         string            `json:"agentId,omitempty"`
	AgentName       string            `json:"agentName,omitempty"`
}

// StreamFrame is one decoded unit of agent output.
type StreamFrame struct {
	Status       FrameStatus     `json:"status"`
	Result       *string         `json:"result"`
	NewSessionID string          `json:"newSessionId,omitempty"`
	Error        string          `json:"error,omitempty"`
	Event        json.RawMessage `json:"event,omitempty"`
}

// ExecutionResult is the terminal outcome of a run. It has the same shape
// as a StreamFrame and is produced exactly once per run.
type ExecutionResult struct {
	Status       FrameStatus     `json:"status"`
	Result       *string         `json:"result"`
	NewSessionID string          `json:"newSessionId,omitempty"`
	Error        string          `json:"error,omitempty"`
	Event        json.RawMessage `json:"event,omitempty"`
}

// Succeeded reports whether the run ended successfully.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Status == FrameStatusSuccess
}

// ResultFromFrame converts a decoded frame into a terminal result verbatim.
func ResultFromFrame(f StreamFrame) *ExecutionResult {
	return &ExecutionResult{
		Status:       f.Status,
		Result:       f.Result,
		NewSessionID: f.NewSessionID,
		Error:        f.Error,
		Event:        f.Event,
	}
}

// ErrorResult builds a terminal error result.
func ErrorResult(msg string) *ExecutionResult {
	return &ExecutionResult{Status: FrameStatusError, Error: msg}
}

// SuccessResult builds a terminal success result with no result text.
func SuccessResult(sessionID string) *ExecutionResult {
	return &ExecutionResult{Status: FrameStatusSuccess, NewSessionID: sessionID}
}

// RunInfo describes a live run as exposed by the API.
type RunInfo struct {
	ID            string        `json:"id"`
	Folder        string        `json:"folder"`
	AgentID       string        `json:"agent_id,omitempty"`
	Mode          ExecutionMode `json:"mode"`
	PID           int           `json:"pid,omitempty"`
	ContainerName string        `json:"container_name,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}

// RunSubmission is a turn submitted through the control API or the CLI.
// A higher Priority is dispatched first.
type RunSubmission struct {
	Folder          string            `json:"folder" binding:"required"`
	Prompt          string            `json:"prompt" binding:"required"`
	SessionID       string            `json:"session_id,omitempty"`
	ChatJID         string            `json:"chat_jid,omitempty"`
	AgentID         string            `json:"agent_id,omitempty"`
	AgentName       string            `json:"agent_name,omitempty"`
	Mode            ExecutionMode     `json:"mode,omitempty"`
	Priority        int               `json:"priority,omitempty"`
	IsScheduledTask bool              `json:"is_scheduled_task,omitempty"`
	Images          []ImageAttachment `json:"images,omitempty"`
}

// SubmissionState is the lifecycle state of a submitted turn.
type SubmissionState string

const (
	SubmissionQueued    SubmissionState = "queued"
	SubmissionRunning   SubmissionState = "running"
	SubmissionCompleted SubmissionState = "completed"
	SubmissionCancelled SubmissionState = "cancelled"
)

// SubmissionInfo describes a submitted turn.
type SubmissionInfo struct {
	ID        string           `json:"id"`
	Folder    string           `json:"folder"`
	AgentID   string           `json:"agent_id,omitempty"`
	Priority  int              `json:"priority"`
	State     SubmissionState  `json:"state"`
	RunID     string           `json:"run_id,omitempty"`
	QueuedAt  time.Time        `json:"queued_at"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	Result    *ExecutionResult `json:"result,omitempty"`
}
