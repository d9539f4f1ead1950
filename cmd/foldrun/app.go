package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/agent/credentials"
	"github.com/kandev/foldrun/internal/agent/docker"
	"github.com/kandev/foldrun/internal/agent/lifecycle"
	"github.com/kandev/foldrun/internal/agent/mounts"
	"github.com/kandev/foldrun/internal/agent/registry"
	"github.com/kandev/foldrun/internal/agent/session"
	"github.com/kandev/foldrun/internal/common/config"
	"github.com/kandev/foldrun/internal/common/logger"
	"github.com/kandev/foldrun/internal/common/tracing"
	"github.com/kandev/foldrun/internal/events"
	"github.com/kandev/foldrun/internal/orchestrator/executor"
	"github.com/kandev/foldrun/internal/workspace/repository"
)

const dockerPingTimeout = 5 * time.Second

// app holds the services shared by every subcommand.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	events     *events.ProvidedBus
	closeBus   func() error
	workspaces repository.Repository
	planner    *mounts.Planner
	registry   *registry.Registry
	lifecycle  *lifecycle.Manager
	sessions   *session.Manager
	docker     *docker.Client
}

func bootstrap(configPath string) (*app, error) {
	// 1. Load configuration
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging.ToLoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	a := &app{cfg: cfg, log: log}

	// 3. Event bus
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}
	a.events = provided
	a.closeBus = closeBus

	// 4. Workspace source
	a.workspaces, err = repository.Provide(cfg, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open workspaces: %w", err)
	}

	// 5. Credentials
	creds := credentials.NewManager(cfg.Credentials.Keys, log)
	creds.AddProvider(credentials.NewEnvProvider(cfg.Credentials.EnvPrefix))
	if cfg.Credentials.File != "" {
		creds.AddProvider(credentials.NewFileProvider(cfg.Credentials.File))
	}

	// 6. Mount planning
	allowlist := mounts.NewAllowlist(cfg.Paths.AllowlistPath, log)
	a.planner = mounts.NewPlanner(mounts.Layout{
		ProjectRoot: cfg.Paths.ProjectRoot,
		DataDir:     cfg.Paths.DataDir,
		GroupsDir:   cfg.Paths.GroupsDir,
		SkillsDir:   cfg.Paths.SkillsDir,
	}, allowlist, creds, log)

	// 7. Docker daemon, optional
	var control lifecycle.ContainerControl
	if cfg.Docker.Enabled {
		if cli := connectDocker(cfg.Docker, log); cli != nil {
			a.docker = cli
			control = cli
		}
	}

	// 8. Run lifecycle
	a.registry = registry.NewRegistry(log)
	a.lifecycle = lifecycle.NewManager(cfg.Runner, cfg.Container.NamePrefix, a.planner, a.registry, log)
	a.lifecycle.RegisterLauncher(lifecycle.NewContainerLauncher(cfg.Container, cfg.Runner.Locale, control, log))
	a.lifecycle.RegisterLauncher(lifecycle.NewHostLauncher(cfg.Host, cfg.Runner.Locale, allowlist, log))

	a.sessions = session.NewManager(filepath.Join(cfg.Paths.DataDir, "sessions.json"), log)
	return a, nil
}

// connectDocker returns nil when the daemon is unreachable; container stops
// then go through the runtime CLI.
func connectDocker(cfg config.DockerConfig, log *logger.Logger) *docker.Client {
	cli, err := docker.NewClient(cfg, log)
	if err != nil {
		log.Warn("Docker client unavailable, using runtime CLI", zap.Error(err))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), dockerPingTimeout)
	defer cancel()
	if err := cli.Ping(ctx); err != nil {
		log.Warn("Docker daemon unreachable, using runtime CLI", zap.Error(err))
		_ = cli.Close()
		return nil
	}
	log.Info("Connected to Docker daemon")
	return cli
}

func (a *app) newExecutor() *executor.Executor {
	return executor.NewExecutor(a.lifecycle, a.workspaces, a.sessions, a.events.Bus, a.cfg.Runner, a.log)
}

// Close releases everything bootstrap opened.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(ctx); err != nil {
		a.log.Warn("tracing shutdown failed", zap.Error(err))
	}
	if a.docker != nil {
		_ = a.docker.Close()
	}
	if a.workspaces != nil {
		if err := a.workspaces.Close(); err != nil {
			a.log.Warn("workspace source close failed", zap.Error(err))
		}
	}
	if a.closeBus != nil {
		_ = a.closeBus()
	}
	_ = a.log.Sync()
}
