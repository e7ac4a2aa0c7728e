// Package index provides the durable sandbox index: a JSON file mapping
// agent IDs to their sandbox metadata. Every mutation is written through to
// disk atomically so the broker can rehydrate sessions after a restart.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// Sandbox lifecycle states recorded in the index.
const (
	StateCreating = "CREATING"
	StateRunning  = "RUNNING"
	StateStopping = "STOPPING"
	StateStopped  = "STOPPED"
	StateError    = "ERROR"
)

// Binding declares who owns a sandbox's lifetime.
type Binding string

const (
	// BindingPersistent pins the sandbox to an agent ID across transport
	// sessions. Transport teardown must not destroy it.
	BindingPersistent Binding = "persistent"
	// BindingEphemeral ties the sandbox to a single transport session.
	BindingEphemeral Binding = "ephemeral"
)

// SandboxRecord is one agent's entry in the index.
type SandboxRecord struct {
	AgentID             string  `json:"agent_id"`
	SandboxID           string  `json:"sandbox_id"`
	SandboxName         string  `json:"sandbox_name"`
	WorkspacePath       string  `json:"workspace_path"`
	ConfigPath          string  `json:"config_path"`
	Model               string  `json:"model"`
	Provider            string  `json:"provider"`
	ApprovalMode        string  `json:"approval_mode"`
	ReasoningLevel      string  `json:"reasoning_level"`
	State               string  `json:"state"`
	Binding             Binding `json:"binding"`
	PersistentSessionID string  `json:"persistent_session_id,omitempty"`
	CreatedAt           int64   `json:"created_at"`
	LastActive          int64   `json:"last_active"`
	TurnCount           int     `json:"turn_count"`
}

// indexFile is the on-disk document.
type indexFile struct {
	Version int                       `json:"version"`
	Agents  map[string]*SandboxRecord `json:"agents"`
}

// Index is the in-memory view with write-through persistence. All methods
// are safe for concurrent use.
type Index struct {
	mu     sync.Mutex
	path   string
	agents map[string]*SandboxRecord
	logger *logger.Logger
}

// Load opens the index at path, creating an empty one if the file does not
// exist. A corrupted file is moved aside rather than silently overwritten.
func Load(path string, log *logger.Logger) (*Index, error) {
	idx := &Index{
		path:   path,
		agents: make(map[string]*SandboxRecord),
		logger: log.WithFields(zap.String("component", "sandbox-index")),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		backup := path + ".corrupt." + time.Now().Format("20060102T150405")
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return nil, fmt.Errorf("%w: index file unreadable and could not be moved aside: %v",
				apperrors.ErrCorrupted, renameErr)
		}
		idx.logger.Warn("index file corrupted, moved aside and starting fresh",
			zap.String("backup", backup), zap.Error(err))
		return idx, nil
	}

	if file.Agents != nil {
		idx.agents = file.Agents
	}
	idx.logger.Info("index loaded", zap.Int("agents", len(idx.agents)))
	return idx, nil
}

// persist writes the full document atomically. Caller holds the lock.
func (i *Index) persist() error {
	file := indexFile{Version: 1, Agents: i.agents}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}

	dir := filepath.Dir(i.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp index file: %w", err)
	}
	if err := os.Rename(tmpPath, i.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to save index: %w", err)
	}
	return nil
}

// Register adds or replaces an agent's record and persists immediately.
func (i *Index) Register(rec *SandboxRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	if rec.LastActive == 0 {
		rec.LastActive = now
	}
	if rec.Binding == "" {
		rec.Binding = BindingEphemeral
	}

	i.agents[rec.AgentID] = rec
	if err := i.persist(); err != nil {
		return err
	}
	i.logger.Debug("agent registered",
		zap.String("agent_id", rec.AgentID),
		zap.String("sandbox_id", rec.SandboxID),
	)
	return nil
}

// Get returns a copy of the agent's record.
func (i *Index) Get(agentID string) (*SandboxRecord, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec, ok := i.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", apperrors.ErrSessionNotFound, agentID)
	}
	cp := *rec
	return &cp, nil
}

// UpdateState moves the agent's record into a new lifecycle state.
func (i *Index) UpdateState(agentID, state string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec, ok := i.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", apperrors.ErrSessionNotFound, agentID)
	}
	rec.State = state
	return i.persist()
}

// Touch updates the agent's last-active timestamp and bumps the turn count
// when turnCompleted is set.
func (i *Index) Touch(agentID string, turnCompleted bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec, ok := i.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", apperrors.ErrSessionNotFound, agentID)
	}
	rec.LastActive = time.Now().Unix()
	if turnCompleted {
		rec.TurnCount++
	}
	return i.persist()
}

// BindSession records the transport session currently bound to a persistent
// agent. An empty sessionID clears the binding.
func (i *Index) BindSession(agentID, sessionID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	rec, ok := i.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", apperrors.ErrSessionNotFound, agentID)
	}
	rec.PersistentSessionID = sessionID
	return i.persist()
}

// Remove deletes the agent's record. Removing an absent agent is a no-op.
func (i *Index) Remove(agentID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.agents[agentID]; !ok {
		return nil
	}
	delete(i.agents, agentID)
	return i.persist()
}

// List returns copies of all records.
func (i *Index) List() []*SandboxRecord {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]*SandboxRecord, 0, len(i.agents))
	for _, rec := range i.agents {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// ListByState returns copies of records in the given state.
func (i *Index) ListByState(state string) []*SandboxRecord {
	i.mu.Lock()
	defer i.mu.Unlock()

	var out []*SandboxRecord
	for _, rec := range i.agents {
		if rec.State == state {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

// ListIdle returns running agents whose last activity is older than the
// cutoff.
func (i *Index) ListIdle(idleTimeout time.Duration) []*SandboxRecord {
	i.mu.Lock()
	defer i.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout).Unix()
	var out []*SandboxRecord
	for _, rec := range i.agents {
		if rec.State == StateRunning && rec.LastActive < cutoff {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out
}

// Count returns the number of records in the given states, or all records
// when no states are given.
func (i *Index) Count(states ...string) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(states) == 0 {
		return len(i.agents)
	}
	n := 0
	for _, rec := range i.agents {
		for _, s := range states {
			if rec.State == s {
				n++
				break
			}
		}
	}
	return n
}
