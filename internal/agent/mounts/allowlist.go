package mounts

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/foldrun/internal/common/errors"
	"github.com/kandev/foldrun/internal/common/logger"
	v1 "github.com/kandev/foldrun/pkg/api/v1"
)

// ExtraMountRoot is where validated additional mounts appear in the guest.
const ExtraMountRoot = "/workspace/extra"

// DefaultBlockedPatterns are path components that are never mounted,
// whatever the allowlist says.
var DefaultBlockedPatterns = []string{
	".ssh", ".gnupg", ".gpg", ".aws", ".azure", ".gcloud", ".kube", ".docker",
	"credentials", ".env", ".netrc", ".npmrc", ".pypirc", "id_rsa", "id_ed25519",
	"private_key", ".secret",
}

// AllowedRoot is a directory tree additional mounts may come from.
type AllowedRoot struct {
	Path           string `yaml:"path"`
	AllowReadWrite bool   `yaml:"allowReadWrite"`
	Description    string `yaml:"description,omitempty"`
}

// AllowlistFile is the on-disk allowlist schema.
type AllowlistFile struct {
	AllowedRoots    []AllowedRoot `yaml:"allowedRoots"`
	BlockedPatterns []string      `yaml:"blockedPatterns"`
	NonHomeReadOnly bool          `yaml:"nonHomeReadOnly"`
}

// Validator decides whether host paths outside the planner's own layout may
// be exposed to an agent.
type Validator interface {
	ValidateMount(m v1.AdditionalMount, isHome bool) (v1.VolumeMount, error)
	ValidateDirectory(dir string) (string, error)
}

// Allowlist is the file-backed Validator. The file is read lazily and
// cached; a missing file rejects everything.
type Allowlist struct {
	path   string
	logger *logger.Logger

	mu     sync.Mutex
	loaded bool
	file   AllowlistFile
	roots  []resolvedRoot
}

type resolvedRoot struct {
	AllowedRoot
	real string
}

// NewAllowlist creates an allowlist backed by the YAML file at path.
func NewAllowlist(path string, log *logger.Logger) *Allowlist {
	return &Allowlist{
		path:   path,
		logger: log.WithFields(zap.String("component", "mount-allowlist")),
	}
}

// NewStaticAllowlist creates an allowlist from an in-memory definition.
func NewStaticAllowlist(file AllowlistFile, log *logger.Logger) *Allowlist {
	a := NewAllowlist("", log)
	a.apply(file)
	return a
}

// Reload drops the cached file so the next validation reads it again.
func (a *Allowlist) Reload() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.path != "" {
		a.loaded = false
	}
}

func (a *Allowlist) snapshot() ([]resolvedRoot, []string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loaded {
		a.load()
	}
	return a.roots, a.file.BlockedPatterns, a.file.NonHomeReadOnly
}

func (a *Allowlist) load() {
	var file AllowlistFile
	data, err := os.ReadFile(a.path)
	switch {
	case os.IsNotExist(err):
		a.logger.Warn("mount allowlist not found, additional mounts are disabled", zap.String("path", a.path))
	case err != nil:
		a.logger.Error("failed to read mount allowlist", zap.String("path", a.path), zap.Error(err))
	default:
		if err := yaml.Unmarshal(data, &file); err != nil {
			a.logger.Error("invalid mount allowlist, additional mounts are disabled", zap.String("path", a.path), zap.Error(err))
			file = AllowlistFile{}
		}
	}
	a.apply(file)
}

func (a *Allowlist) apply(file AllowlistFile) {
	file.BlockedPatterns = mergePatterns(DefaultBlockedPatterns, file.BlockedPatterns)

	roots := make([]resolvedRoot, 0, len(file.AllowedRoots))
	for _, r := range file.AllowedRoots {
		real, err := filepath.EvalSymlinks(expandHome(r.Path))
		if err != nil {
			a.logger.Warn("skipping unusable allowed root", zap.String("root", r.Path), zap.Error(err))
			continue
		}
		roots = append(roots, resolvedRoot{AllowedRoot: r, real: real})
	}

	a.file = file
	a.roots = roots
	a.loaded = true
}

// ValidateMount checks an additional mount and returns the mount to use,
// with the host path resolved and read-only forced where required.
func (a *Allowlist) ValidateMount(m v1.AdditionalMount, isHome bool) (v1.VolumeMount, error) {
	roots, blocked, nonHomeReadOnly := a.snapshot()

	real, err := resolveHostPath(m.HostPath)
	if err != nil {
		return v1.VolumeMount{}, err
	}
	if strings.Contains(real, ":") {
		return v1.VolumeMount{}, errors.Setup("host path %q contains ':'", real)
	}
	if pattern, hit := matchBlocked(real, blocked); hit {
		return v1.VolumeMount{}, errors.Setup("host path %q matches blocked pattern %q", real, pattern)
	}

	root, ok := findRoot(real, roots)
	if !ok {
		return v1.VolumeMount{}, errors.Setup("host path %q is not under any allowed root", real)
	}

	containerPath, err := cleanContainerPath(m.ContainerPath, real)
	if err != nil {
		return v1.VolumeMount{}, err
	}

	readOnly := m.IsReadOnly()
	if !readOnly && (!root.AllowReadWrite || (!isHome && nonHomeReadOnly)) {
		a.logger.Info("forcing additional mount read-only",
			zap.String("host_path", real),
			zap.String("root", root.Path),
			zap.Bool("is_home", isHome))
		readOnly = true
	}

	return v1.VolumeMount{
		HostPath:      real,
		ContainerPath: path.Join(ExtraMountRoot, containerPath),
		ReadOnly:      readOnly,
	}, nil
}

// ValidateDirectory checks a custom working directory. The resolved path must
// be an existing directory inside a root that allows writes.
func (a *Allowlist) ValidateDirectory(dir string) (string, error) {
	roots, blocked, _ := a.snapshot()

	real, err := resolveHostPath(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", errors.NewRunError(errors.KindSetup, "stat working directory", err)
	}
	if !info.IsDir() {
		return "", errors.Setup("working directory %q is not a directory", real)
	}
	if pattern, hit := matchBlocked(real, blocked); hit {
		return "", errors.Setup("working directory %q matches blocked pattern %q", real, pattern)
	}
	root, ok := findRoot(real, roots)
	if !ok {
		return "", errors.Setup("working directory %q is not under any allowed root", real)
	}
	if !root.AllowReadWrite {
		return "", errors.Setup("working directory %q is under read-only root %q", real, root.Path)
	}
	return real, nil
}

func resolveHostPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.Setup("host path is empty")
	}
	expanded := expandHome(p)
	if !filepath.IsAbs(expanded) {
		return "", errors.Setup("host path %q must be absolute", p)
	}
	real, err := filepath.EvalSymlinks(expanded)
	if err != nil {
		return "", errors.NewRunError(errors.KindSetup, fmt.Sprintf("resolve %q", p), err)
	}
	return real, nil
}

func findRoot(real string, roots []resolvedRoot) (resolvedRoot, bool) {
	for _, r := range roots {
		if within(real, r.real) {
			return r, true
		}
	}
	return resolvedRoot{}, false
}

func matchBlocked(real string, patterns []string) (string, bool) {
	for _, comp := range strings.Split(filepath.ToSlash(real), "/") {
		if comp == "" {
			continue
		}
		for _, pattern := range patterns {
			if comp == pattern {
				return pattern, true
			}
			if ok, _ := filepath.Match(pattern, comp); ok {
				return pattern, true
			}
		}
	}
	return "", false
}

// cleanContainerPath validates the guest-side name, defaulting to the host
// directory's base name.
func cleanContainerPath(requested, hostPath string) (string, error) {
	p := strings.TrimSpace(requested)
	if p == "" {
		p = filepath.Base(hostPath)
	}
	if strings.HasPrefix(p, "/") {
		return "", errors.Setup("container path %q must be relative", requested)
	}
	if strings.Contains(p, ":") {
		return "", errors.Setup("container path %q contains ':'", requested)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", errors.Setup("container path %q escapes the mount root", requested)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == "" {
		return "", errors.Setup("container path %q is empty", requested)
	}
	return cleaned, nil
}

func mergePatterns(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, p := range append(append([]string{}, base...), extra...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// within reports whether p is dir or inside it. Both must be clean and
// absolute.
func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
