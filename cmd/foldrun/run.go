package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/events"
	"github.com/kandev/foldrun/internal/events/bus"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// drainTimeout bounds how long run waits for frames still in flight on the
// bus after the result is known.
const drainTimeout = 2 * time.Second

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one agent turn and print its frames",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			folder, _ := cmd.Flags().GetString("folder")
			prompt, _ := cmd.Flags().GetString("prompt")
			mode, _ := cmd.Flags().GetString("mode")
			agentID, _ := cmd.Flags().GetString("agent")
			sessionID, _ := cmd.Flags().GetString("session")

			a, err := bootstrapFromFlags(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			return runOnce(cmd.Context(), a, &v1.RunSubmission{
				Folder:    folder,
				Prompt:    prompt,
				Mode:      v1.ExecutionMode(mode),
				AgentID:   agentID,
				SessionID: sessionID,
			})
		},
	}

	cmd.Flags().StringP("folder", "f", "", "Workspace folder")
	cmd.Flags().StringP("prompt", "p", "", "Prompt for the agent")
	cmd.Flags().String("mode", "", "Execution mode: container or host (default: workspace or config)")
	cmd.Flags().String("agent", "", "Sub-agent id")
	cmd.Flags().String("session", "", "Session id to resume (default: last session)")
	_ = cmd.MarkFlagRequired("folder")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func runOnce(parent context.Context, a *app, sub *v1.RunSubmission) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec := a.newExecutor()
	exec.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := exec.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("executor shutdown", zap.Error(err))
		}
	}()

	// Subscribe before submitting so no frame is missed. The submission id
	// is not known yet, so events of other runs in the folder are filtered
	// once it is.
	ids := make(chan string, 1)
	completed := make(chan struct{})
	var mine string
	subscription, err := a.events.Bus.Subscribe(events.FolderSubject(sub.Folder), func(ctx context.Context, e *bus.Event) error {
		if mine == "" {
			mine = <-ids
		}
		p, err := events.ParseRunPayload(e)
		if err != nil || p.SubmissionID != mine {
			return err
		}
		switch e.Type {
		case events.RunStarted:
			fmt.Fprintf(os.Stderr, "run %s started\n", p.RunID)
		case events.RunFrame:
			printFrame(p.Frame)
		case events.RunCompleted:
			close(completed)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe to run events: %w", err)
	}
	defer func() { _ = subscription.Unsubscribe() }()

	ticket, err := exec.Submit(ctx, sub)
	if err != nil {
		close(ids)
		return err
	}
	ids <- ticket.ID

	result, err := ticket.Wait(ctx)
	if err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}

	select {
	case <-completed:
	case <-time.After(drainTimeout):
	}

	if !result.Succeeded() {
		return fmt.Errorf("run failed: %s", result.Error)
	}
	if result.NewSessionID != "" {
		fmt.Fprintf(os.Stderr, "session %s\n", result.NewSessionID)
	}
	return nil
}

func printFrame(f *v1.StreamFrame) {
	if f == nil {
		return
	}
	switch {
	case f.Status == v1.FrameStatusError:
		fmt.Fprintf(os.Stderr, "error: %s\n", f.Error)
	case f.Result != nil:
		fmt.Println(*f.Result)
	case len(f.Event) > 0:
		fmt.Fprintf(os.Stderr, "event: %s\n", f.Event)
	}
}
