package lifecycle

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/agent/mounts"
	"github.com/kandev/foldrun/internal/common/config"
	"github.com/kandev/foldrun/internal/common/errors"
	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Environment variables carrying the host side of each planned mount.
const (
	EnvProjectDir  = "FOLDRUN_PROJECT_DIR"
	EnvGroupDir    = "FOLDRUN_GROUP_DIR"
	EnvGlobalDir   = "FOLDRUN_GLOBAL_DIR"
	EnvMemoryDir   = "FOLDRUN_MEMORY_DIR"
	EnvSessionDir  = "FOLDRUN_SESSION_DIR"
	EnvIPCDir      = "FOLDRUN_IPC_DIR"
	EnvSkillsDir   = "FOLDRUN_SKILLS_DIR"
	EnvSkillDirs   = "FOLDRUN_SKILL_DIRS"
	EnvSecretsFile = "FOLDRUN_SECRETS_FILE"
	EnvExtraDirs   = "FOLDRUN_EXTRA_DIRS"
	EnvReadOnly    = "FOLDRUN_READONLY_DIRS"
	EnvWorkDir     = "FOLDRUN_WORKDIR"
	envConfigDir   = "CLAUDE_CONFIG_DIR"
)

var guestEnv = map[string]string{
	mounts.GuestProject: EnvProjectDir,
	mounts.GuestGroup:   EnvGroupDir,
	mounts.GuestGlobal:  EnvGlobalDir,
	mounts.GuestMemory:  EnvMemoryDir,
	mounts.GuestSession: EnvSessionDir,
	mounts.GuestIPC:     EnvIPCDir,
	mounts.GuestSkills:  EnvSkillsDir,
}

// passthroughEnv is the part of foldrun's own environment a host agent
// inherits. Secrets never travel this way.
var passthroughEnv = []string{"PATH", "HOME", "USER", "LOGNAME", "SHELL", "LANG", "LC_ALL", "TZ", "TMPDIR", "TERM"}

// HostLauncher runs the agent directly on the host.
type HostLauncher struct {
	cfg       config.HostConfig
	locale    string
	validator mounts.Validator
	logger    *logger.Logger
}

// NewHostLauncher creates a host launcher. validator checks custom working
// directories; without one they are rejected.
func NewHostLauncher(cfg config.HostConfig, locale string, validator mounts.Validator, log *logger.Logger) *HostLauncher {
	return &HostLauncher{
		cfg:       cfg,
		locale:    locale,
		validator: validator,
		logger:    log.WithFields(zap.String("component", "host-launcher")),
	}
}

// Mode returns v1.ExecutionModeHost.
func (l *HostLauncher) Mode() v1.ExecutionMode { return v1.ExecutionModeHost }

// Prepare resolves the working directory, runs preflight and builds the
// command. Paths reach the agent through FOLDRUN_* variables.
func (l *HostLauncher) Prepare(ctx context.Context, spec *LaunchSpec) (*Prepared, error) {
	if perr := checkHostPreflight(l.cfg.Runtime, l.cfg.EntryPoint, l.locale); perr != nil {
		l.logger.Warn("host preflight failed", zap.String("check", perr.Key), zap.String("folder", spec.Workspace.Folder))
		return &Prepared{Terminal: v1.ErrorResult(perr.Message)}, nil
	}

	workDir, err := l.workDir(ctx, spec)
	if err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	if l.cfg.Runtime != "" {
		cmd = exec.Command(l.cfg.Runtime, l.cfg.EntryPoint)
	} else {
		cmd = exec.Command(l.cfg.EntryPoint)
	}
	cmd.Dir = workDir
	cmd.Env = hostEnvironment(spec.Plan, workDir)
	setProcGroup(cmd)

	return &Prepared{Cmd: cmd}, nil
}

func (l *HostLauncher) workDir(ctx context.Context, spec *LaunchSpec) (string, error) {
	if custom := spec.Workspace.WorkingDir; custom != "" {
		if l.validator == nil {
			return "", errors.Setup("custom working directory %q requires a mount allowlist", custom)
		}
		return l.validator.ValidateDirectory(custom)
	}

	dir := spec.Plan.GroupDir
	if l.cfg.GitInit {
		l.ensureGitRepo(ctx, dir)
	}
	return dir, nil
}

// ensureGitRepo makes the default working directory its own repository so
// the agent's tooling does not walk up into an enclosing one.
func (l *HostLauncher) ensureGitRepo(ctx context.Context, dir string) {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return
	}
	git, err := exec.LookPath("git")
	if err != nil {
		l.logger.Warn("git not found, working directory left without a repository", zap.String("dir", dir))
		return
	}
	cmd := exec.CommandContext(ctx, git, "init", "--quiet")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		l.logger.Warn("git init failed", zap.String("dir", dir), zap.String("output", strings.TrimSpace(string(out))), zap.Error(err))
	}
}

// Stop sends SIGTERM to the process group and SIGKILL after the grace
// period.
func (l *HostLauncher) Stop(ctx context.Context, h *RunHandle) error {
	pid := h.PID()
	if pid == 0 {
		return nil
	}
	log := l.logger.WithRunID(h.ID)

	if err := signalGroup(pid, sigTerm); err != nil {
		log.Debug("SIGTERM failed", zap.Error(err))
	}
	if h.waitDone(ctx, l.cfg.KillGrace) {
		return nil
	}

	log.Warn("agent ignored SIGTERM, killing", zap.Duration("grace", l.cfg.KillGrace))
	if err := h.kill(); err != nil {
		log.Debug("SIGKILL failed", zap.Error(err))
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hostEnvironment builds the agent's environment from the mount plan.
func hostEnvironment(plan *mounts.Plan, workDir string) []string {
	env := make([]string, 0, len(passthroughEnv)+16)
	for _, key := range passthroughEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}

	var skills, extras, readOnly []string
	for _, m := range plan.Mounts {
		if m.ReadOnly {
			readOnly = append(readOnly, m.HostPath)
		}
		if name, ok := guestEnv[m.ContainerPath]; ok {
			env = append(env, name+"="+m.HostPath)
			if m.ContainerPath == mounts.GuestSession {
				env = append(env, envConfigDir+"="+m.HostPath)
			}
			continue
		}
		switch {
		case strings.HasPrefix(m.ContainerPath, mounts.GuestSkills+"/"):
			skills = append(skills, m.HostPath)
		case strings.HasPrefix(m.ContainerPath, mounts.ExtraMountRoot+"/"):
			extras = append(extras, m.HostPath)
		}
	}

	sep := string(os.PathListSeparator)
	if plan.SecretsFile != "" {
		env = append(env, EnvSecretsFile+"="+plan.SecretsFile)
	}
	if len(skills) > 0 {
		env = append(env, EnvSkillDirs+"="+strings.Join(skills, sep))
	}
	if len(extras) > 0 {
		env = append(env, EnvExtraDirs+"="+strings.Join(extras, sep))
	}
	if len(readOnly) > 0 {
		env = append(env, EnvReadOnly+"="+strings.Join(readOnly, sep))
	}
	env = append(env, EnvWorkDir+"="+workDir)
	return env
}
