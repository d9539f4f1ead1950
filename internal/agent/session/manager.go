// Package session tracks agent conversation sessions per workspace and
// sub-agent, so a follow-up turn resumes where the last one left off.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/foldrun/internal/common/logger"
)

// Session is the latest known agent session for one (folder, agent) pair.
type Session struct {
	Folder    string    `json:"folder"`
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id"`
	Turns     int       `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager keeps the session index. When created with a path the index is
// persisted after every change.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	path     string
	logger   *logger.Logger
}

// NewManager creates a session manager. An empty path keeps the index in
// memory only.
func NewManager(path string, log *logger.Logger) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		path:     path,
		logger:   log.WithFields(zap.String("component", "session-manager")),
	}
	if path != "" {
		if err := m.load(); err != nil {
			m.logger.Warn("failed to load session index, starting empty", zap.String("path", path), zap.Error(err))
		}
	}
	return m
}

func key(folder, agentID string) string {
	if agentID == "" {
		return folder
	}
	return folder + "/agents/" + agentID
}

// Resolve returns the last session id for the pair, or "".
func (m *Manager) Resolve(folder, agentID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[key(folder, agentID)]; ok {
		return s.SessionID
	}
	return ""
}

// Record stores sessionID as the latest session for the pair. Empty ids are
// ignored.
func (m *Manager) Record(folder, agentID, sessionID string) {
	if sessionID == "" {
		return
	}

	m.mu.Lock()
	k := key(folder, agentID)
	s, ok := m.sessions[k]
	if !ok {
		s = &Session{Folder: folder, AgentID: agentID}
		m.sessions[k] = s
	}
	changed := s.SessionID != sessionID
	s.SessionID = sessionID
	s.Turns++
	s.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	if changed {
		m.logger.Debug("session updated",
			zap.String("folder", folder),
			zap.String("agent_id", agentID),
			zap.String("session_id", sessionID))
	}
	m.persist()
}

// Clear forgets the session for the pair so the next turn starts fresh.
func (m *Manager) Clear(folder, agentID string) bool {
	m.mu.Lock()
	k := key(folder, agentID)
	_, ok := m.sessions[k]
	delete(m.sessions, k)
	m.mu.Unlock()

	if ok {
		m.persist()
	}
	return ok
}

// List returns all sessions ordered by folder then agent.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Folder != out[j].Folder {
			return out[i].Folder < out[j].Folder
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []Session
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode %s: %w", m.path, err)
	}
	for i := range list {
		s := list[i]
		m.sessions[key(s.Folder, s.AgentID)] = &s
	}
	return nil
}

func (m *Manager) persist() {
	if m.path == "" {
		return
	}
	data, err := json.MarshalIndent(m.List(), "", "  ")
	if err != nil {
		m.logger.Error("failed to encode session index", zap.Error(err))
		return
	}
	if err := writeFileAtomic(m.path, data, 0600); err != nil {
		m.logger.Error("failed to persist session index", zap.String("path", m.path), zap.Error(err))
	}
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
