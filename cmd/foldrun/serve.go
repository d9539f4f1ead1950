package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/foldrun/internal/agent/api"
	"github.com/kandev/foldrun/internal/orchestrator/streaming"
	"github.com/kandev/foldrun/internal/orchestrator/transcript"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API and the run executor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrapFromFlags(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
}

func serve(parent context.Context, a *app) error {
	log := a.log
	cfg := a.cfg
	log.Info("Starting foldrun...")

	ctx, stop := signal.NotifyContext(contextOrBackground(parent), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.lifecycle.Start(ctx); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	exec := a.newExecutor()
	exec.Start()

	transcripts := transcript.NewHandler(transcript.NewMemoryStore(cfg.Runner.TranscriptFrames, 0), log)
	if err := transcripts.Attach(a.events.Bus); err != nil {
		return fmt.Errorf("failed to attach transcripts: %w", err)
	}
	hub := streaming.NewHub(a.events.Bus, transcripts, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Deps{
		Executor:     exec,
		Live:         a.lifecycle,
		Workspaces:   a.workspaces,
		Transcripts:  transcripts,
		Planner:      a.planner,
		Stream:       hub,
		BusConnected: a.events.Bus.IsConnected,
	}, cfg.Server.SubmitRate, log)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeoutDuration(),
		ReadHeaderTimeout: cfg.Server.ReadTimeoutDuration(),
		// No WriteTimeout: waiting submissions and WebSocket streams are
		// long-lived.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down foldrun...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		hub.Close()
		if err := exec.Shutdown(shutdownCtx); err != nil {
			log.Error("Executor shutdown error", zap.Error(err))
		}
		a.lifecycle.Shutdown(shutdownCtx)
		_ = transcripts.Close()
		return nil
	})

	err := g.Wait()
	log.Info("foldrun stopped")
	return err
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
