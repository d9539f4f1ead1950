package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

func TestSubjects(t *testing.T) {
	s := Subject(RunFrame, "main")
	assert.Equal(t, "run.frame.main", s)
	assert.Equal(t, "main", FolderOf(s))
	assert.Equal(t, "", FolderOf("run.frame"))
	assert.Equal(t, "run.*.main", FolderSubject("main"))
}

func TestRunPayloadRoundTrip(t *testing.T) {
	text := "done"
	e, err := NewRunEvent(RunCompleted, RunPayload{
		SubmissionID: "s1",
		RunID:        "foldrun-main-1",
		Folder:       "main",
		State:        v1.SubmissionCompleted,
		Result:       &v1.ExecutionResult{Status: v1.FrameStatusSuccess, Result: &text, NewSessionID: "sess"},
	})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, e.Type)
	assert.Equal(t, Source, e.Source)
	assert.Equal(t, "main", e.Data["folder"])

	p, err := ParseRunPayload(e)
	require.NoError(t, err)
	assert.Equal(t, "s1", p.SubmissionID)
	require.NotNil(t, p.Result)
	assert.Equal(t, "sess", p.Result.NewSessionID)
	assert.Equal(t, "done", *p.Result.Result)
	assert.Nil(t, p.Frame)
}

func TestParseRunPayload_Nil(t *testing.T) {
	_, err := ParseRunPayload(nil)
	assert.Error(t, err)
}
