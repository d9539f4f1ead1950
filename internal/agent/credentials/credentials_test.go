package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/subosito/gotenv"

	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("FOLDRUN_TEST_KEY", "")
	t.Setenv("PFX_FOLDRUN_TEST_KEY", "prefixed")

	p := NewEnvProvider("PFX_")
	cred, err := p.GetCredential(context.Background(), "FOLDRUN_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "prefixed", cred.Value)

	_, err = p.GetCredential(context.Background(), "FOLDRUN_MISSING_KEY")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nANTHROPIC_API_KEY=sk-file\nEMPTY=\n"), 0600))

	p := NewFileProvider(path)
	cred, err := p.GetCredential(context.Background(), "ANTHROPIC_API_KEY")
	require.NoError(t, err)
	assert.Equal(t, "sk-file", cred.Value)
	assert.Equal(t, "file", cred.Source)

	_, err = p.GetCredential(context.Background(), "EMPTY")
	assert.ErrorIs(t, err, ErrNotFound)

	missing := NewFileProvider(filepath.Join(t.TempDir(), "nope"))
	_, err = missing.GetCredential(context.Background(), "ANTHROPIC_API_KEY")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_SecretsWithOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("ANTHROPIC_API_KEY=global\nANTHROPIC_BASE_URL=https://api\n"), 0600))

	m := NewManager([]string{"ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "CLAUDE_CODE_OAUTH_TOKEN"}, logger.NewNop())
	m.AddProvider(NewFileProvider(path))

	ws := &v1.WorkspaceConfig{
		Folder: "team",
		ProviderOverrides: map[string]string{
			"ANTHROPIC_API_KEY":  "workspace",
			"ANTHROPIC_BASE_URL": "",
			"EXTRA_TOKEN":        "x",
		},
	}
	secrets, err := m.Secrets(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ANTHROPIC_API_KEY": "workspace", "EXTRA_TOKEN": "x"}, secrets)
}

func TestWriteEnvFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets", "main")
	secrets := map[string]string{
		"B_KEY": "plain",
		"A_KEY": "has space \"and quotes\"",
	}

	path, err := WriteEnvFile(dir, secrets)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "A_KEY="))

	parsed, err := gotenv.StrictParse(strings.NewReader(string(data)))
	require.NoError(t, err)
	assert.Equal(t, "plain", parsed["B_KEY"])
	assert.Equal(t, `has space "and quotes"`, parsed["A_KEY"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
