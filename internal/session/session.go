// Package session is the client's explicit session state: preferences and
// one-shot markers persisted between runs, plus transient flags that live
// only as long as the process.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Preferences are user choices applied to every job.
type Preferences struct {
	AutoDownload bool `json:"auto_download"`
	AutoSave     bool `json:"auto_save"`
}

// JobState records what has already been done for one job.
type JobState struct {
	AutoActionsDone bool            `json:"auto_actions_done,omitempty"`
	Saved           bool            `json:"saved,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	Notified        map[string]bool `json:"notified,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Session stores the persisted client state
type Session struct {
	Preferences Preferences         `json:"preferences"`
	Jobs        map[string]JobState `json:"jobs"`
	LastJobID   string              `json:"last_job_id,omitempty"`
	LastSaved   time.Time           `json:"last_saved"`
}

// Manager handles session persistence
type Manager struct {
	mu        sync.RWMutex
	session   Session
	transient map[string]bool
	path      string
	dirty     bool
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewManager creates a session manager backed by the XDG state directory.
func NewManager() (*Manager, error) {
	path, err := sessionPath()
	if err != nil {
		return nil, err
	}
	return Open(path), nil
}

// Open creates a session manager persisting to path and starts its
// autosave loop.
func Open(path string) *Manager {
	m := &Manager{
		session:   Session{Jobs: make(map[string]JobState)},
		transient: make(map[string]bool),
		path:      path,
		stopChan:  make(chan struct{}),
	}
	m.load()
	go m.autosaveLoop()
	return m
}

func sessionPath() (string, error) {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		stateDir = filepath.Join(home, ".local", "state")
	}
	dir := filepath.Join(stateDir, "ocrsheet")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

func (m *Manager) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return // No existing session, start fresh
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return
	}
	if session.Jobs == nil {
		session.Jobs = make(map[string]JobState)
	}
	m.session = session
}

// Save persists the session to disk
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dirty {
		return nil
	}

	m.session.LastSaved = time.Now()
	data, err := json.MarshalIndent(m.session, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return err
	}

	m.dirty = false
	return nil
}

// ForceSave saves even if not dirty
func (m *Manager) ForceSave() error {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
	return m.Save()
}

func (m *Manager) Preferences() Preferences {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Preferences
}

func (m *Manager) SetPreferences(p Preferences) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Preferences = p
	m.dirty = true
}

// MarkOnce sets the persisted auto-actions marker for jobID. It reports
// true only for the first caller; later calls, in this or any later
// process, report false.
func (m *Manager) MarkOnce(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.session.Jobs[jobID]
	if st.AutoActionsDone {
		return false
	}
	st.AutoActionsDone = true
	st.UpdatedAt = time.Now()
	m.session.Jobs[jobID] = st
	m.dirty = true
	return true
}

// MarkNotified records that the kind notice ("completed", "failed") was
// shown for jobID and reports whether this is the first time.
func (m *Manager) MarkNotified(jobID, kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.session.Jobs[jobID]
	if st.Notified[kind] {
		return false
	}
	if st.Notified == nil {
		st.Notified = make(map[string]bool)
	}
	st.Notified[kind] = true
	st.UpdatedAt = time.Now()
	m.session.Jobs[jobID] = st
	m.dirty = true
	return true
}

// Job returns the recorded state of a job.
func (m *Manager) Job(jobID string) (JobState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.session.Jobs[jobID]
	return st, ok
}

// RememberJob records the most recent job and the session it streams from.
func (m *Manager) RememberJob(jobID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.session.Jobs[jobID]
	st.SessionID = sessionID
	st.UpdatedAt = time.Now()
	m.session.Jobs[jobID] = st
	m.session.LastJobID = jobID
	m.dirty = true
}

func (m *Manager) LastJob() (string, JobState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session.LastJobID == "" {
		return "", JobState{}, false
	}
	st, ok := m.session.Jobs[m.session.LastJobID]
	return m.session.LastJobID, st, ok
}

// MarkSaved records that a job was stored in the user's history.
func (m *Manager) MarkSaved(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.session.Jobs[jobID]
	st.Saved = true
	st.UpdatedAt = time.Now()
	m.session.Jobs[jobID] = st
	m.dirty = true
}

// Flag reads a transient flag. Flags are never written to disk.
func (m *Manager) Flag(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transient[name]
}

func (m *Manager) SetFlag(name string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		m.transient[name] = true
		return
	}
	delete(m.transient, name)
}

// Forget drops every job record and transient flag, keeping preferences.
func (m *Manager) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Jobs = make(map[string]JobState)
	m.session.LastJobID = ""
	m.transient = make(map[string]bool)
	m.dirty = true
}

func (m *Manager) autosaveLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = m.Save()
		case <-m.stopChan:
			return
		}
	}
}

// Stop stops the autosave loop and saves final state
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		_ = m.ForceSave()
	})
}
