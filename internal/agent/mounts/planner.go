// Package mounts computes the directories an agent run may see and prepares
// them on the host.
package mounts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/agent/credentials"
	"github.com/kandev/foldrun/internal/agent/session"
	"github.com/kandev/foldrun/internal/common/errors"
	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// Guest paths of the planned mounts. Host-mode runs receive the host side of
// each one through an environment variable instead.
const (
	GuestProject = "/workspace/project"
	GuestGroup   = "/workspace/group"
	GuestGlobal  = "/workspace/global"
	GuestMemory  = "/workspace/memory"
	GuestSession = "/home/agent/.claude"
	GuestIPC     = "/workspace/ipc"
	GuestSkills  = "/workspace/skills"
	GuestSecrets = "/workspace/env-dir"
)

// IPCSubdirs are created inside every IPC directory.
var IPCSubdirs = []string{"messages", "tasks", "input"}

var safeName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidName reports whether s may be used as a folder or sub-agent id.
func ValidName(s string) bool {
	return safeName.MatchString(s)
}

// SecretsSource supplies the secrets written into a run's env file.
type SecretsSource interface {
	Secrets(ctx context.Context, ws *v1.WorkspaceConfig) (map[string]string, error)
}

// Layout is where the planner keeps per-workspace state on the host.
type Layout struct {
	ProjectRoot string
	DataDir     string
	GroupsDir   string
	SkillsDir   string
}

// Plan is the result of planning one run.
type Plan struct {
	Mounts      []v1.VolumeMount
	GroupDir    string
	LogsDir     string
	SessionDir  string
	IPCDir      string
	SecretsFile string
}

// Planner builds the ordered mount list for a run.
type Planner struct {
	layout    Layout
	validator Validator
	secrets   SecretsSource
	logger    *logger.Logger
}

// NewPlanner creates a planner. validator and secrets may be nil: without a
// validator every additional mount is rejected, without a secrets source the
// env file is written empty.
func NewPlanner(layout Layout, validator Validator, secrets SecretsSource, log *logger.Logger) *Planner {
	return &Planner{
		layout:    layout,
		validator: validator,
		secrets:   secrets,
		logger:    log.WithFields(zap.String("component", "mount-planner")),
	}
}

// Validator returns the validator used for additional mounts.
func (p *Planner) Validator() Validator {
	return p.validator
}

// GroupDir returns the working directory of a workspace folder.
func (p *Planner) GroupDir(folder string) string {
	return filepath.Join(p.layout.GroupsDir, folder)
}

// LogsDir returns where run logs of a folder are written.
func (p *Planner) LogsDir(folder string) string {
	return filepath.Join(p.GroupDir(folder), "logs")
}

// SessionDir returns the session state directory of a folder or sub-agent.
func (p *Planner) SessionDir(folder, agentID string) string {
	return filepath.Join(p.scoped("sessions", folder, agentID), ".claude")
}

// IPCDir returns the IPC directory of a folder or sub-agent.
func (p *Planner) IPCDir(folder, agentID string) string {
	return p.scoped("ipc", folder, agentID)
}

// SecretsDir returns the directory holding the env file.
func (p *Planner) SecretsDir(folder, agentID string) string {
	return p.scoped("secrets", folder, agentID)
}

// MemoryDir returns the per-workspace memory directory.
func (p *Planner) MemoryDir(folder string) string {
	return filepath.Join(p.layout.DataDir, "memory", folder)
}

// GlobalDir returns the memory directory shared by all workspaces of owner.
func (p *Planner) GlobalDir(owner string) string {
	return filepath.Join(p.layout.DataDir, "global", ownerDirName(owner))
}

func (p *Planner) scoped(kind, folder, agentID string) string {
	dir := filepath.Join(p.layout.DataDir, kind, folder)
	if agentID != "" {
		dir = filepath.Join(dir, "agents", agentID)
	}
	return dir
}

// Plan validates the workspace, creates every directory the run needs and
// returns the ordered mounts. Writing dirs is idempotent.
func (p *Planner) Plan(ctx context.Context, ws *v1.WorkspaceConfig, agentID string) (*Plan, error) {
	if ws == nil {
		return nil, errors.Setup("workspace is required")
	}
	if !ValidName(ws.Folder) {
		return nil, errors.Setup("invalid workspace folder %q", ws.Folder)
	}
	if agentID != "" && !ValidName(agentID) {
		return nil, errors.Setup("invalid sub-agent id %q", agentID)
	}

	log := p.logger.WithFolder(ws.Folder)
	plan := &Plan{
		GroupDir:   p.GroupDir(ws.Folder),
		LogsDir:    p.LogsDir(ws.Folder),
		SessionDir: p.SessionDir(ws.Folder, agentID),
		IPCDir:     p.IPCDir(ws.Folder, agentID),
	}

	if ws.Privileged() {
		if err := ensureDir(p.layout.ProjectRoot); err != nil {
			return nil, err
		}
		plan.add(p.layout.ProjectRoot, GuestProject, false)
	}

	if err := ensureDir(plan.GroupDir, plan.LogsDir); err != nil {
		return nil, err
	}
	plan.add(plan.GroupDir, GuestGroup, false)

	globalDir := p.GlobalDir(ws.OwnerID)
	if err := ensureDir(globalDir); err != nil {
		return nil, err
	}
	plan.add(globalDir, GuestGlobal, !ws.IsHome)

	memoryDir := p.MemoryDir(ws.Folder)
	if err := ensureDir(memoryDir); err != nil {
		return nil, err
	}
	plan.add(memoryDir, GuestMemory, false)

	if err := ensureDir(plan.SessionDir); err != nil {
		return nil, err
	}
	if created, err := session.EnsureSettings(plan.SessionDir); err != nil {
		return nil, errors.NewRunError(errors.KindSetup, "write session settings", err)
	} else if created {
		log.Debug("created session settings", zap.String("dir", plan.SessionDir))
	}
	plan.add(plan.SessionDir, GuestSession, false)

	ipcDirs := []string{plan.IPCDir}
	for _, sub := range IPCSubdirs {
		ipcDirs = append(ipcDirs, filepath.Join(plan.IPCDir, sub))
	}
	if err := ensureDir(ipcDirs...); err != nil {
		return nil, err
	}
	plan.add(plan.IPCDir, GuestIPC, false)

	p.planSkills(plan, ws, log)

	secretsFile, err := p.writeSecrets(ctx, ws, agentID)
	if err != nil {
		return nil, err
	}
	plan.SecretsFile = secretsFile
	plan.add(filepath.Dir(secretsFile), GuestSecrets, true)

	for _, m := range ws.AdditionalMounts {
		if p.validator == nil {
			log.Warn("additional mount skipped, no allowlist configured", zap.String("host_path", m.HostPath))
			continue
		}
		vm, err := p.validator.ValidateMount(m, ws.IsHome)
		if err != nil {
			log.Warn("additional mount rejected", zap.String("host_path", m.HostPath), zap.Error(err))
			continue
		}
		plan.Mounts = append(plan.Mounts, vm)
	}

	return plan, nil
}

func (p *Planner) planSkills(plan *Plan, ws *v1.WorkspaceConfig, log *logger.Logger) {
	if p.layout.SkillsDir == "" {
		return
	}
	if info, err := os.Stat(p.layout.SkillsDir); err != nil || !info.IsDir() {
		return
	}

	if len(ws.Skills) == 0 {
		plan.add(p.layout.SkillsDir, GuestSkills, true)
		return
	}
	for _, name := range ws.Skills {
		if !ValidName(name) {
			log.Warn("skipping invalid skill name", zap.String("skill", name))
			continue
		}
		dir := filepath.Join(p.layout.SkillsDir, name)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			log.Warn("selected skill not found", zap.String("skill", name))
			continue
		}
		plan.add(dir, GuestSkills+"/"+name, true)
	}
}

func (p *Planner) writeSecrets(ctx context.Context, ws *v1.WorkspaceConfig, agentID string) (string, error) {
	values := map[string]string{}
	if p.secrets != nil {
		v, err := p.secrets.Secrets(ctx, ws)
		if err != nil {
			return "", errors.NewRunError(errors.KindSetup, "resolve secrets", err)
		}
		values = v
	}
	path, err := credentials.WriteEnvFile(p.SecretsDir(ws.Folder, agentID), values)
	if err != nil {
		return "", errors.NewRunError(errors.KindSetup, "write secrets file", err)
	}
	return path, nil
}

func (pl *Plan) add(host, guest string, readOnly bool) {
	pl.Mounts = append(pl.Mounts, v1.VolumeMount{HostPath: host, ContainerPath: guest, ReadOnly: readOnly})
}

func ensureDir(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return errors.NewRunError(errors.KindSetup, fmt.Sprintf("create %s", d), err)
		}
	}
	return nil
}

// ownerDirName maps an owner id onto a single safe path element.
func ownerDirName(owner string) string {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "default"
	}
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '@':
			return r
		}
		return '_'
	}, owner)
	if strings.Trim(name, ".") == "" {
		return "default"
	}
	return name
}
