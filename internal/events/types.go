// Package events defines the run events foldrun publishes on its event bus.
package events

import "strings"

// Event types for agent runs
const (
	RunQueued    = "run.queued"
	RunStarted   = "run.started"
	RunFrame     = "run.frame"
	RunCompleted = "run.completed"
)

// Subject is the bus subject of a run event for a workspace folder.
// Subscribers use "run.>" for everything or "run.*.<folder>" for one
// workspace.
func Subject(eventType, folder string) string {
	return eventType + "." + folder
}

// FolderSubject matches every run event of one workspace.
func FolderSubject(folder string) string {
	return "run.*." + folder
}

// AllRuns matches every run event.
const AllRuns = "run.>"

// FolderOf extracts the workspace folder from a run event subject.
func FolderOf(subject string) string {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
