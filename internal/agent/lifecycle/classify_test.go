package lifecycle

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/foldrun/internal/common/errors"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
	"github.com/kandev/foldrun/pkg/protocol"
)

func encodeFrames(t *testing.T, frames ...v1.StreamFrame) []byte {
	t.Helper()
	var out []byte
	for _, f := range frames {
		data, err := protocol.Encode(f)
		require.NoError(t, err)
		out = append(out, data...)
	}
	return out
}

func TestClassify(t *testing.T) {
	legacyStdout := encodeFrames(t,
		protocol.NewStreamFrame("partial"),
		protocol.NewSuccessFrame("final answer", "sess-9"),
	)

	tests := []struct {
		name           string
		info           ExitInfo
		wantStatus     v1.FrameStatus
		wantKind       apperrors.Kind
		wantSettle     bool
		wantStop       bool
		wantUnconfirmd bool
		wantSession    string
		wantResult     string
		wantErrSubstr  string
	}{
		{
			name:          "spawn failure",
			info:          ExitInfo{SpawnErr: errors.New("exec: permission denied"), HasConsumer: true},
			wantStatus:    v1.FrameStatusError,
			wantKind:      apperrors.KindSpawn,
			wantErrSubstr: "permission denied",
		},
		{
			name:        "clean exit with consumer",
			info:        ExitInfo{ExitCode: 0, HasConsumer: true, LastSessionID: "s1"},
			wantStatus:  v1.FrameStatusSuccess,
			wantSettle:  true,
			wantSession: "s1",
		},
		{
			name:        "clean exit legacy takes last frame",
			info:        ExitInfo{ExitCode: 0, Stdout: legacyStdout},
			wantStatus:  v1.FrameStatusSuccess,
			wantSession: "sess-9",
			wantResult:  "final answer",
		},
		{
			name:          "clean exit legacy without frames",
			info:          ExitInfo{ExitCode: 0, Stdout: []byte("just logs\n")},
			wantStatus:    v1.FrameStatusError,
			wantKind:      apperrors.KindProtocolDecode,
			wantErrSubstr: "without producing a result frame",
		},
		{
			name:          "clean exit legacy error frame",
			info:          ExitInfo{ExitCode: 0, Stdout: encodeFrames(t, protocol.NewErrorFrame("model refused"))},
			wantStatus:    v1.FrameStatusError,
			wantKind:      apperrors.KindExit,
			wantErrSubstr: "model refused",
		},
		{
			name:        "sigterm with consumer after success frame",
			info:        ExitInfo{ExitCode: 143, Signal: syscall.SIGTERM, HasConsumer: true, SawSuccess: true, LastSessionID: "s2"},
			wantStatus:  v1.FrameStatusSuccess,
			wantSettle:  true,
			wantStop:    true,
			wantSession: "s2",
		},
		{
			name:           "code 137 with consumer and nothing else",
			info:           ExitInfo{ExitCode: 137, HasConsumer: true},
			wantStatus:     v1.FrameStatusSuccess,
			wantSettle:     true,
			wantStop:       true,
			wantUnconfirmd: true,
		},
		{
			name:       "stop requested with plain exit code",
			info:       ExitInfo{ExitCode: 1, HasConsumer: true, StopRequested: true},
			wantStatus: v1.FrameStatusSuccess,
			wantSettle: true,
			wantStop:   true,
		},
		{
			name:          "sigkill without consumer is an error",
			info:          ExitInfo{ExitCode: 137, Signal: syscall.SIGKILL},
			wantStatus:    v1.FrameStatusError,
			wantKind:      apperrors.KindExit,
			wantErrSubstr: "killed by signal",
		},
		{
			name:          "genuine failure carries stderr tail",
			info:          ExitInfo{ExitCode: 2, HasConsumer: true, StderrTail: "TypeError: boom"},
			wantStatus:    v1.FrameStatusError,
			wantKind:      apperrors.KindExit,
			wantSettle:    true,
			wantErrSubstr: "agent exited with code 2: TypeError: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Classify(tt.info)
			require.NotNil(t, out.Result)
			assert.Equal(t, tt.wantStatus, out.Result.Status)
			assert.Equal(t, tt.wantKind, out.Kind)
			assert.Equal(t, tt.wantSettle, out.Settle)
			assert.Equal(t, tt.wantStop, out.IntentionalStop)
			assert.Equal(t, tt.wantUnconfirmd, out.Unconfirmed)
			assert.Equal(t, tt.wantSession, out.Result.NewSessionID)
			if tt.wantResult != "" {
				require.NotNil(t, out.Result.Result)
				assert.Equal(t, tt.wantResult, *out.Result.Result)
			} else if tt.wantStatus == v1.FrameStatusSuccess {
				assert.Nil(t, out.Result.Result)
			}
			if tt.wantErrSubstr != "" {
				assert.Contains(t, out.Result.Error, tt.wantErrSubstr)
			}
		})
	}
}

func TestTimeoutResult(t *testing.T) {
	res := timeoutResult(90*time.Second, "s3")
	assert.Equal(t, v1.FrameStatusError, res.Status)
	assert.Equal(t, "agent timed out after 1m30s of inactivity", res.Error)
	assert.Equal(t, "s3", res.NewSessionID)
}
