package lifecycle

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

func sampleRunLog() *runLog {
	stdout := newCappedBuffer(1024)
	stderr := newCappedBuffer(1024)
	_, _ = stdout.Write([]byte("secret reply text"))
	_, _ = stderr.Write([]byte("debug chatter"))
	return &runLog{
		RunID:     "foldrun-main-1",
		Folder:    "main",
		Mode:      v1.ExecutionModeHost,
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
		Result:    v1.SuccessResult("s1"),
		Request: &v1.ExecutionRequest{
			Prompt: "private prompt",
			Images: []v1.ImageAttachment{{MediaType: "image/png", Data: "aGVsbG8gd29ybGQ="}},
		},
		Mounts: []v1.VolumeMount{{HostPath: "/g/main", ContainerPath: "/workspace/group"}},
		Stdout: stdout,
		Stderr: stderr,
	}
}

func TestRunLog_SummaryHidesContent(t *testing.T) {
	text := sampleRunLog().render(false)

	assert.Contains(t, text, "Folder: main")
	assert.Contains(t, text, "Duration: 1.5s")
	assert.Contains(t, text, "Stdout Truncated: false")
	assert.Contains(t, text, "Prompt length: 14 chars")
	assert.Contains(t, text, "Stdout: 17 bytes")
	assert.NotContains(t, text, "private prompt")
	assert.NotContains(t, text, "secret reply text")
	assert.NotContains(t, text, "/workspace/group")
}

func TestRunLog_VerboseElidesImages(t *testing.T) {
	text := sampleRunLog().render(true)

	assert.Contains(t, text, "private prompt")
	assert.Contains(t, text, "secret reply text")
	assert.Contains(t, text, "debug chatter")
	assert.Contains(t, text, "/g/main -> /workspace/group (rw)")
	assert.Contains(t, text, "[16 bytes elided]")
	assert.NotContains(t, text, "aGVsbG8gd29ybGQ=")
}

func TestRunLog_Write(t *testing.T) {
	dir := t.TempDir()
	path, err := sampleRunLog().write(dir, false)
	require.NoError(t, err)
	assert.Contains(t, path, "run-2026-03-01T12-00-00.000Z.log")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "=== Agent Run Log ===")
}
