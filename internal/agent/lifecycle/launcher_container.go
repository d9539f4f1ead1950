package lifecycle

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/agent/docker"
	"github.com/kandev/foldrun/internal/common/config"
	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// cliExitGrace is how long the runtime CLI gets to exit after its container
// is gone.
const cliExitGrace = 5 * time.Second

// ContainerControl is the daemon-side control surface used to stop agent
// containers. *docker.Client implements it.
type ContainerControl interface {
	StopContainer(ctx context.Context, name string, timeout time.Duration) error
	KillContainer(ctx context.Context, name string, signal string) error
	ListByNamePrefix(ctx context.Context, prefix string) ([]docker.ContainerInfo, error)
}

// ContainerLauncher runs each turn in a throwaway container through the
// runtime CLI.
type ContainerLauncher struct {
	cfg     config.ContainerConfig
	locale  string
	control ContainerControl
	logger  *logger.Logger
}

// NewContainerLauncher creates a container launcher. control may be nil, in
// which case stops go through the runtime CLI.
func NewContainerLauncher(cfg config.ContainerConfig, locale string, control ContainerControl, log *logger.Logger) *ContainerLauncher {
	return &ContainerLauncher{
		cfg:     cfg,
		locale:  locale,
		control: control,
		logger:  log.WithFields(zap.String("component", "container-launcher")),
	}
}

// Mode returns v1.ExecutionModeContainer.
func (l *ContainerLauncher) Mode() v1.ExecutionMode { return v1.ExecutionModeContainer }

// Prepare builds `run -i --rm --name <name> -v ... <image>`.
func (l *ContainerLauncher) Prepare(ctx context.Context, spec *LaunchSpec) (*Prepared, error) {
	if perr := checkContainerPreflight(l.cfg.Runtime, l.locale); perr != nil {
		l.logger.Warn("container preflight failed", zap.String("check", perr.Key), zap.String("folder", spec.Workspace.Folder))
		return &Prepared{Terminal: v1.ErrorResult(perr.Message)}, nil
	}

	cmd := exec.Command(l.cfg.Runtime, containerArgs(spec.RunID, l.cfg.Image, spec.Plan.Mounts)...)
	setProcGroup(cmd)
	return &Prepared{Cmd: cmd, ContainerName: spec.RunID}, nil
}

// containerArgs is the exact runtime argv: run, interactive stdin, removal
// on exit, the name, the mounts in order, the image.
func containerArgs(name, image string, mounts []v1.VolumeMount) []string {
	args := []string{"run", "-i", "--rm", "--name", name}
	for _, m := range mounts {
		spec := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	return append(args, image)
}

// Stop stops the container with the configured grace period, escalating to
// a kill, then makes sure the runtime CLI exits too.
func (l *ContainerLauncher) Stop(ctx context.Context, h *RunHandle) error {
	log := l.logger.WithRunID(h.ID)
	name := h.ContainerName

	stopped := false
	if l.control != nil {
		stopCtx, cancel := context.WithTimeout(ctx, l.cfg.StopTimeout+10*time.Second)
		err := l.control.StopContainer(stopCtx, name, l.cfg.StopTimeout)
		cancel()
		if err == nil {
			stopped = true
		} else {
			log.Warn("graceful container stop failed, killing", zap.Error(err))
			if kerr := l.control.KillContainer(ctx, name, "SIGKILL"); kerr == nil {
				stopped = true
			} else {
				log.Warn("container kill via daemon failed", zap.Error(kerr))
			}
		}
	}

	if !stopped {
		if err := l.stopViaCLI(ctx, name); err != nil {
			log.Warn("container stop via runtime CLI failed", zap.Error(err))
		}
	}

	if h.waitDone(ctx, cliExitGrace) {
		return nil
	}
	log.Warn("runtime CLI still running after container stop, killing it")
	if err := h.kill(); err != nil {
		log.Debug("kill runtime CLI failed", zap.Error(err))
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ContainerLauncher) stopViaCLI(ctx context.Context, name string) error {
	secs := strconv.Itoa(int(l.cfg.StopTimeout.Seconds()))
	cmd := exec.CommandContext(ctx, l.cfg.Runtime, "stop", "-t", secs, name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s stop %s: %w: %s", l.cfg.Runtime, name, err, out)
	}
	return nil
}

// CleanupOrphans stops agent containers left running by an earlier foldrun
// process. active names are skipped.
func (l *ContainerLauncher) CleanupOrphans(ctx context.Context, active map[string]bool) (int, error) {
	if l.control == nil {
		return 0, fmt.Errorf("container control is not available")
	}
	containers, err := l.control.ListByNamePrefix(ctx, l.cfg.NamePrefix)
	if err != nil {
		return 0, err
	}

	stopped := 0
	for _, c := range containers {
		if active[c.Name] {
			continue
		}
		if err := l.control.StopContainer(ctx, c.Name, l.cfg.StopTimeout); err != nil {
			l.logger.Warn("failed to stop orphaned container", zap.String("container", c.Name), zap.Error(err))
			continue
		}
		l.logger.Info("stopped orphaned container", zap.String("container", c.Name), zap.Time("created", c.Created))
		stopped++
	}
	return stopped, nil
}
