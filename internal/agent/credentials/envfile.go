package credentials

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// EnvFileName is the secrets file name inside its mounted directory.
const EnvFileName = "env"

// Render formats secrets as a dotenv document with sorted keys. Values that
// would not survive an unquoted dotenv line are double quoted.
func Render(secrets map[string]string) []byte {
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		v := secrets[k]
		if strings.ContainsAny(v, " \t\r\n#\"'\\$=") {
			v = strconv.Quote(v)
		}
		fmt.Fprintf(&buf, "%s=%s\n", k, v)
	}
	return buf.Bytes()
}

// WriteEnvFile writes secrets to dir/env with owner-only permissions. The
// file is replaced atomically so a concurrent reader never sees a partial
// file or a wider mode.
func WriteEnvFile(dir string, secrets map[string]string) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.Chmod(dir, 0700); err != nil {
		return "", fmt.Errorf("chmod secrets dir: %w", err)
	}

	path := filepath.Join(dir, EnvFileName)
	tmp, err := os.CreateTemp(dir, ".env-*")
	if err != nil {
		return "", fmt.Errorf("create secrets file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if _, err := tmp.Write(Render(secrets)); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write secrets file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("install secrets file: %w", err)
	}
	return path, nil
}
