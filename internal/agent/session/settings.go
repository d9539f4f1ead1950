package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// SettingsFile is the name of the per-session settings artifact.
const SettingsFile = "settings.json"

// DefaultSettingsEnv is the flag set enabled for every new session.
var DefaultSettingsEnv = map[string]string{
	"CLAUDE_CODE_EXPERIMENTAL_AGENT_TEAMS":         "1",
	"CLAUDE_CODE_ADDITIONAL_DIRECTORIES_CLAUDE_MD": "1",
	"CLAUDE_CODE_DISABLE_AUTO_MEMORY":              "0",
}

type settings struct {
	Env map[string]string `json:"env"`
}

// EnsureSettings writes the settings artifact into sessionDir unless one
// already exists. An existing file is never touched, the agent may have
// edited it. Reports whether a file was created.
func EnsureSettings(sessionDir string) (bool, error) {
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return false, fmt.Errorf("create session dir: %w", err)
	}

	path := filepath.Join(sessionDir, SettingsFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", path, err)
	}

	data, err := json.MarshalIndent(settings{Env: DefaultSettingsEnv}, "", "  ")
	if err != nil {
		_ = f.Close()
		return false, err
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, f.Close()
}
