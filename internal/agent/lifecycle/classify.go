package lifecycle

import (
	"fmt"
	"syscall"

	"github.com/kandev/foldrun/internal/common/errors"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
	"github.com/kandev/foldrun/pkg/protocol"
)

// exitCodeKilled is what runtimes report for a child that received SIGKILL.
const exitCodeKilled = 137

// ExitInfo is everything the classifier looks at once a run has ended.
type ExitInfo struct {
	SpawnErr      error
	ExitCode      int
	Signal        syscall.Signal
	HasConsumer   bool
	StopRequested bool
	SawSuccess    bool
	LastSessionID string
	// Stdout is only consulted without a consumer.
	Stdout     []byte
	StderrTail string
}

// Outcome is the classifier's decision.
type Outcome struct {
	Result *v1.ExecutionResult
	// Kind is empty on success.
	Kind errors.Kind
	// Settle reports whether queued frames must be delivered before Result.
	Settle bool
	// IntentionalStop is set when a non-zero exit was taken as a stop.
	IntentionalStop bool
	// Unconfirmed marks an intentional stop decided from the exit signal
	// alone, with no stop request and no success frame to back it.
	Unconfirmed bool
}

func isTerminationSignal(sig syscall.Signal) bool {
	switch sig {
	case syscall.SIGTERM, syscall.SIGKILL, syscall.SIGINT:
		return true
	}
	return false
}

// Classify maps the end of a run onto its single ExecutionResult.
func Classify(info ExitInfo) Outcome {
	if info.SpawnErr != nil {
		return Outcome{
			Result: v1.ErrorResult(fmt.Sprintf("failed to start agent: %v", info.SpawnErr)),
			Kind:   errors.KindSpawn,
		}
	}

	if info.ExitCode == 0 {
		if info.HasConsumer {
			return Outcome{Result: v1.SuccessResult(info.LastSessionID), Settle: true}
		}
		f, ok := protocol.LastFrame(info.Stdout)
		if !ok {
			return Outcome{
				Result: v1.ErrorResult("agent exited without producing a result frame"),
				Kind:   errors.KindProtocolDecode,
			}
		}
		res := v1.ResultFromFrame(f)
		if res.Status == v1.FrameStatusError {
			return Outcome{Result: res, Kind: errors.KindExit}
		}
		return Outcome{Result: res}
	}

	signalled := isTerminationSignal(info.Signal) || info.ExitCode == exitCodeKilled
	if info.HasConsumer && (info.StopRequested || signalled) {
		return Outcome{
			Result:          v1.SuccessResult(info.LastSessionID),
			Settle:          true,
			IntentionalStop: true,
			Unconfirmed:     !info.StopRequested && !info.SawSuccess,
		}
	}

	msg := fmt.Sprintf("agent exited with code %d", info.ExitCode)
	if info.Signal != 0 {
		msg = fmt.Sprintf("agent killed by signal %s (code %d)", info.Signal, info.ExitCode)
	}
	if info.StderrTail != "" {
		msg += ": " + info.StderrTail
	}
	return Outcome{Result: v1.ErrorResult(msg), Kind: errors.KindExit, Settle: info.HasConsumer}
}

// timeoutResult is the result of a run ended by the idle governor.
func timeoutResult(d fmt.Stringer, sessionID string) *v1.ExecutionResult {
	res := v1.ErrorResult(fmt.Sprintf("agent timed out after %s of inactivity", d))
	res.NewSessionID = sessionID
	return res
}
