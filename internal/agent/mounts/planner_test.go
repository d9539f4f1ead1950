package mounts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/foldrun/internal/agent/session"
	"github.com/kandev/foldrun/internal/common/errors"
	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

type staticSecrets map[string]string

func (s staticSecrets) Secrets(context.Context, *v1.WorkspaceConfig) (map[string]string, error) {
	return s, nil
}

func setupPlanner(t *testing.T, validator Validator) (*Planner, Layout) {
	t.Helper()
	root := t.TempDir()
	layout := Layout{
		ProjectRoot: filepath.Join(root, "project"),
		DataDir:     filepath.Join(root, "data"),
		GroupsDir:   filepath.Join(root, "groups"),
		SkillsDir:   filepath.Join(root, "skills"),
	}
	return NewPlanner(layout, validator, staticSecrets{"ANTHROPIC_API_KEY": "sk-test"}, logger.NewNop()), layout
}

func guestPaths(plan *Plan) []string {
	out := make([]string, 0, len(plan.Mounts))
	for _, m := range plan.Mounts {
		out = append(out, m.ContainerPath)
	}
	return out
}

func mountFor(t *testing.T, plan *Plan, guest string) v1.VolumeMount {
	t.Helper()
	for _, m := range plan.Mounts {
		if m.ContainerPath == guest {
			return m
		}
	}
	t.Fatalf("no mount for %s in %v", guest, guestPaths(plan))
	return v1.VolumeMount{}
}

func TestPlan_HomeWorkspace(t *testing.T) {
	p, layout := setupPlanner(t, nil)
	ws := &v1.WorkspaceConfig{Folder: "main", OwnerID: "alice", IsHome: true}

	plan, err := p.Plan(context.Background(), ws, "")
	require.NoError(t, err)

	assert.Equal(t, []string{GuestProject, GuestGroup, GuestGlobal, GuestMemory, GuestSession, GuestIPC, GuestSecrets}, guestPaths(plan))
	assert.False(t, mountFor(t, plan, GuestProject).ReadOnly)
	assert.False(t, mountFor(t, plan, GuestGlobal).ReadOnly)
	assert.True(t, mountFor(t, plan, GuestSecrets).ReadOnly)
	assert.Equal(t, filepath.Join(layout.DataDir, "global", "alice"), mountFor(t, plan, GuestGlobal).HostPath)

	for _, sub := range IPCSubdirs {
		assert.DirExists(t, filepath.Join(plan.IPCDir, sub))
	}
	assert.DirExists(t, plan.LogsDir)
	assert.FileExists(t, filepath.Join(plan.SessionDir, session.SettingsFile))

	info, err := os.Stat(plan.SecretsFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	data, err := os.ReadFile(plan.SecretsFile)
	require.NoError(t, err)
	assert.Equal(t, "ANTHROPIC_API_KEY=sk-test\n", string(data))
}

func TestPlan_NonHomeWorkspace(t *testing.T) {
	p, _ := setupPlanner(t, nil)
	ws := &v1.WorkspaceConfig{Folder: "family", OwnerID: "alice"}

	plan, err := p.Plan(context.Background(), ws, "")
	require.NoError(t, err)

	assert.NotContains(t, guestPaths(plan), GuestProject)
	assert.True(t, mountFor(t, plan, GuestGlobal).ReadOnly)
	assert.False(t, mountFor(t, plan, GuestGroup).ReadOnly)
}

func TestPlan_AdminHomeGetsProject(t *testing.T) {
	p, _ := setupPlanner(t, nil)
	plan, err := p.Plan(context.Background(), &v1.WorkspaceConfig{Folder: "ops", IsAdminHome: true}, "")
	require.NoError(t, err)
	assert.Contains(t, guestPaths(plan), GuestProject)
	// Admin home of another owner still only reads the global dir.
	assert.True(t, mountFor(t, plan, GuestGlobal).ReadOnly)
}

func TestPlan_Idempotent(t *testing.T) {
	p, _ := setupPlanner(t, nil)
	ws := &v1.WorkspaceConfig{Folder: "main", IsHome: true}

	first, err := p.Plan(context.Background(), ws, "")
	require.NoError(t, err)
	second, err := p.Plan(context.Background(), ws, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPlan_PathsAreIsolated(t *testing.T) {
	p, _ := setupPlanner(t, nil)
	ctx := context.Background()

	a, err := p.Plan(ctx, &v1.WorkspaceConfig{Folder: "alpha"}, "")
	require.NoError(t, err)
	b, err := p.Plan(ctx, &v1.WorkspaceConfig{Folder: "beta"}, "")
	require.NoError(t, err)
	subA, err := p.Plan(ctx, &v1.WorkspaceConfig{Folder: "alpha"}, "researcher")
	require.NoError(t, err)
	subB, err := p.Plan(ctx, &v1.WorkspaceConfig{Folder: "alpha"}, "writer")
	require.NoError(t, err)

	disjoint := func(x, y string) bool {
		return !within(x, y) && !within(y, x)
	}
	for _, pair := range [][2]*Plan{{a, b}, {subA, subB}} {
		assert.True(t, disjoint(pair[0].IPCDir, pair[1].IPCDir), "%s vs %s", pair[0].IPCDir, pair[1].IPCDir)
		assert.True(t, disjoint(pair[0].SessionDir, pair[1].SessionDir))
		assert.True(t, disjoint(pair[0].SecretsFile, pair[1].SecretsFile))
	}

	// Sub-agent state nests under the parent but never equals it.
	assert.NotEqual(t, a.SessionDir, subA.SessionDir)
	assert.True(t, strings.Contains(subA.IPCDir, filepath.Join("agents", "researcher")))
	assert.Equal(t, a.GroupDir, subA.GroupDir)
}

func TestPlan_RejectsUnsafeNames(t *testing.T) {
	p, _ := setupPlanner(t, nil)

	for _, folder := range []string{"", "..", "../etc", "a/b", ".hidden", strings.Repeat("x", 65)} {
		_, err := p.Plan(context.Background(), &v1.WorkspaceConfig{Folder: folder}, "")
		require.Error(t, err, folder)
		assert.Equal(t, errors.KindSetup, errors.KindOf(err))
	}

	_, err := p.Plan(context.Background(), &v1.WorkspaceConfig{Folder: "main"}, "../up")
	assert.Equal(t, errors.KindSetup, errors.KindOf(err))
}

func TestPlan_Skills(t *testing.T) {
	p, layout := setupPlanner(t, nil)
	for _, s := range []string{"browser", "calendar"} {
		require.NoError(t, os.MkdirAll(filepath.Join(layout.SkillsDir, s), 0755))
	}

	whole, err := p.Plan(context.Background(), &v1.WorkspaceConfig{Folder: "a"}, "")
	require.NoError(t, err)
	m := mountFor(t, whole, GuestSkills)
	assert.True(t, m.ReadOnly)
	assert.Equal(t, layout.SkillsDir, m.HostPath)

	selected, err := p.Plan(context.Background(), &v1.WorkspaceConfig{Folder: "b", Skills: []string{"calendar", "missing", "../x"}}, "")
	require.NoError(t, err)
	assert.NotContains(t, guestPaths(selected), GuestSkills)
	cal := mountFor(t, selected, GuestSkills+"/calendar")
	assert.True(t, cal.ReadOnly)
	assert.NotContains(t, guestPaths(selected), GuestSkills+"/missing")
}

func TestPlan_AdditionalMounts(t *testing.T) {
	allowedRoot := t.TempDir()
	shared := filepath.Join(allowedRoot, "shared")
	require.NoError(t, os.MkdirAll(shared, 0755))
	outside := t.TempDir()

	allow := NewStaticAllowlist(AllowlistFile{
		AllowedRoots: []AllowedRoot{{Path: allowedRoot, AllowReadWrite: true}},
	}, logger.NewNop())
	p, _ := setupPlanner(t, allow)

	rw := false
	ws := &v1.WorkspaceConfig{
		Folder: "main",
		IsHome: true,
		AdditionalMounts: []v1.AdditionalMount{
			{HostPath: shared, ReadOnly: &rw},
			{HostPath: outside},
		},
	}
	plan, err := p.Plan(context.Background(), ws, "")
	require.NoError(t, err)

	last := plan.Mounts[len(plan.Mounts)-1]
	assert.Equal(t, ExtraMountRoot+"/shared", last.ContainerPath)
	assert.False(t, last.ReadOnly)
	assert.NotContains(t, guestPaths(plan), ExtraMountRoot+"/"+filepath.Base(outside))
}

func TestOwnerDirName(t *testing.T) {
	assert.Equal(t, "default", ownerDirName(""))
	assert.Equal(t, "default", ownerDirName(".."))
	assert.Equal(t, "123@s.whatsapp.net", ownerDirName("123@s.whatsapp.net"))
	assert.Equal(t, "a_b", ownerDirName("a/b"))
}
