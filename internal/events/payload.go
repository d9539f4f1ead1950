package events

import (
	"encoding/json"
	"fmt"

	"github.com/kandev/foldrun/internal/events/bus"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Source is the event source of everything foldrun publishes.
const Source = "foldrun"

// RunPayload is the data of every run event. Frame is set on run.frame,
// Result on run.completed.
type RunPayload struct {
	SubmissionID string              `json:"submission_id"`
	RunID        string              `json:"run_id,omitempty"`
	Folder       string              `json:"folder"`
	AgentID      string              `json:"agent_id,omitempty"`
	State        v1.SubmissionState  `json:"state,omitempty"`
	Seq          int                 `json:"seq,omitempty"`
	Frame        *v1.StreamFrame     `json:"frame,omitempty"`
	Result       *v1.ExecutionResult `json:"result,omitempty"`
}

// NewRunEvent builds a bus event carrying p. The payload goes through its
// JSON form so in-memory and NATS subscribers see the same data.
func NewRunEvent(eventType string, p RunPayload) (*bus.Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return bus.NewEvent(eventType, Source, data), nil
}

// ParseRunPayload decodes the payload of a run event.
func ParseRunPayload(e *bus.Event) (RunPayload, error) {
	var p RunPayload
	if e == nil {
		return p, fmt.Errorf("nil event")
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return p, fmt.Errorf("failed to read %s payload: %w", e.Type, err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to read %s payload: %w", e.Type, err)
	}
	return p, nil
}
