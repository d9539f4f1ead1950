package mounts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/foldrun/internal/common/errors"
	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

func boolPtr(b bool) *bool { return &b }

type allowlistFixture struct {
	rwRoot  string
	roRoot  string
	outside string
	allow   *Allowlist
}

func setupAllowlist(t *testing.T, nonHomeReadOnly bool) allowlistFixture {
	t.Helper()
	base := t.TempDir()
	f := allowlistFixture{
		rwRoot:  filepath.Join(base, "projects"),
		roRoot:  filepath.Join(base, "docs"),
		outside: filepath.Join(base, "private"),
	}
	for _, d := range []string{f.rwRoot, f.roRoot, f.outside, filepath.Join(f.rwRoot, "app"), filepath.Join(f.rwRoot, ".ssh")} {
		require.NoError(t, os.MkdirAll(d, 0755))
	}

	yamlDoc := "allowedRoots:\n" +
		"  - path: " + f.rwRoot + "\n    allowReadWrite: true\n" +
		"  - path: " + f.roRoot + "\n    allowReadWrite: false\n" +
		"blockedPatterns:\n  - \"*.pem\"\n" +
		"nonHomeReadOnly: " + map[bool]string{true: "true", false: "false"}[nonHomeReadOnly] + "\n"
	path := filepath.Join(t.TempDir(), "mount-allowlist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0644))

	f.allow = NewAllowlist(path, logger.NewNop())
	return f
}

func TestAllowlist_ValidateMount(t *testing.T) {
	f := setupAllowlist(t, true)
	app := filepath.Join(f.rwRoot, "app")

	m, err := f.allow.ValidateMount(v1.AdditionalMount{HostPath: app, ReadOnly: boolPtr(false)}, true)
	require.NoError(t, err)
	assert.Equal(t, ExtraMountRoot+"/app", m.ContainerPath)
	assert.False(t, m.ReadOnly)

	m, err = f.allow.ValidateMount(v1.AdditionalMount{HostPath: app, ContainerPath: "code/app", ReadOnly: boolPtr(false)}, false)
	require.NoError(t, err)
	assert.Equal(t, ExtraMountRoot+"/code/app", m.ContainerPath)
	assert.True(t, m.ReadOnly, "non-home workspaces are forced read-only")

	m, err = f.allow.ValidateMount(v1.AdditionalMount{HostPath: f.roRoot, ReadOnly: boolPtr(false)}, true)
	require.NoError(t, err)
	assert.True(t, m.ReadOnly, "root without allowReadWrite")

	m, err = f.allow.ValidateMount(v1.AdditionalMount{HostPath: app}, true)
	require.NoError(t, err)
	assert.True(t, m.ReadOnly, "read-only is the default")
}

func TestAllowlist_Rejections(t *testing.T) {
	f := setupAllowlist(t, false)
	pem := filepath.Join(f.rwRoot, "app", "server.pem")
	require.NoError(t, os.WriteFile(pem, []byte("x"), 0600))

	tests := []struct {
		name  string
		mount v1.AdditionalMount
	}{
		{"outside roots", v1.AdditionalMount{HostPath: f.outside}},
		{"missing path", v1.AdditionalMount{HostPath: filepath.Join(f.rwRoot, "nope")}},
		{"relative path", v1.AdditionalMount{HostPath: "projects/app"}},
		{"blocked default", v1.AdditionalMount{HostPath: filepath.Join(f.rwRoot, ".ssh")}},
		{"blocked custom glob", v1.AdditionalMount{HostPath: pem}},
		{"absolute container path", v1.AdditionalMount{HostPath: filepath.Join(f.rwRoot, "app"), ContainerPath: "/etc"}},
		{"escaping container path", v1.AdditionalMount{HostPath: filepath.Join(f.rwRoot, "app"), ContainerPath: "../../etc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.allow.ValidateMount(tt.mount, true)
			require.Error(t, err)
			assert.Equal(t, errors.KindSetup, errors.KindOf(err))
		})
	}
}

func TestAllowlist_SymlinkEscape(t *testing.T) {
	f := setupAllowlist(t, false)

	// Looks like it is inside the allowed root, resolves outside of it.
	link := filepath.Join(f.rwRoot, "innocent")
	require.NoError(t, os.Symlink(f.outside, link))

	_, err := f.allow.ValidateMount(v1.AdditionalMount{HostPath: link}, true)
	assert.Error(t, err)

	_, err = f.allow.ValidateDirectory(link)
	assert.Error(t, err)

	// A link pointing back inside is fine and reported by its real path.
	inside := filepath.Join(f.outside, "back")
	require.NoError(t, os.Symlink(filepath.Join(f.rwRoot, "app"), inside))
	real, err := f.allow.ValidateDirectory(inside)
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(filepath.Join(f.rwRoot, "app"))
	assert.Equal(t, want, real)
}

func TestAllowlist_ValidateDirectory(t *testing.T) {
	f := setupAllowlist(t, false)

	_, err := f.allow.ValidateDirectory(f.roRoot)
	assert.Error(t, err, "read-only roots cannot host a working directory")

	file := filepath.Join(f.rwRoot, "app", "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = f.allow.ValidateDirectory(file)
	assert.Error(t, err)
}

func TestAllowlist_MissingFileRejectsAll(t *testing.T) {
	allow := NewAllowlist(filepath.Join(t.TempDir(), "absent.yaml"), logger.NewNop())
	dir := t.TempDir()

	_, err := allow.ValidateMount(v1.AdditionalMount{HostPath: dir}, true)
	assert.Error(t, err)
	_, err = allow.ValidateDirectory(dir)
	assert.Error(t, err)
}

func TestAllowlist_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(t.TempDir(), "allow.yaml")
	allow := NewAllowlist(path, logger.NewNop())

	_, err := allow.ValidateDirectory(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("allowedRoots:\n  - path: "+dir+"\n    allowReadWrite: true\n"), 0644))
	_, err = allow.ValidateDirectory(dir)
	require.Error(t, err, "cached until reloaded")

	allow.Reload()
	_, err = allow.ValidateDirectory(dir)
	assert.NoError(t, err)
}

func TestCleanContainerPath(t *testing.T) {
	p, err := cleanContainerPath("", "/srv/data/repo")
	require.NoError(t, err)
	assert.Equal(t, "repo", p)

	p, err = cleanContainerPath("a//b/", "/x")
	require.NoError(t, err)
	assert.Equal(t, "a/b", p)

	_, err = cleanContainerPath("a:b", "/x")
	assert.Error(t, err)
}
