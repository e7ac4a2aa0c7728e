// Package registry maps transport session identifiers to stable agent
// identifiers and owns the disconnect hook.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/appctx"
	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
)

// detachTimeout bounds the teardown triggered by a swept mapping.
const detachTimeout = 2 * time.Minute

// agentNamespace seeds deterministic agent-id derivation so the same
// session key always maps to the same agent id, across restarts included.
var agentNamespace = uuid.MustParse("8f3c1d6e-5a24-4b8b-9f30-c4b1d2a7e9aa")

// Evictor is notified when a mapping is dropped so the orchestrator can
// decide whether the agent's sandbox goes with it.
type Evictor interface {
	Detach(ctx context.Context, agentID string) error
}

type mapping struct {
	agentID    string
	lastActive time.Time
}

// Registry maps transport session keys to agent ids. Safe for concurrent
// use.
type Registry struct {
	mu       sync.Mutex
	byKey    map[string]*mapping
	cfg      config.RegistryConfig
	evictor  Evictor
	logger   *logger.Logger
	sweepCtx context.CancelFunc
	done     chan struct{}
}

// New creates a registry. The evictor may be nil in tests.
func New(cfg config.RegistryConfig, evictor Evictor, log *logger.Logger) *Registry {
	return &Registry{
		byKey:   make(map[string]*mapping),
		cfg:     cfg,
		evictor: evictor,
		logger:  log.WithFields(zap.String("component", "session-registry")),
	}
}

// DeriveAgentID deterministically derives an agent id from a session key.
func DeriveAgentID(sessionKey string) string {
	return uuid.NewSHA1(agentNamespace, []byte(sessionKey)).String()
}

// ResolveOrCreate returns the stable agent id for a session key, recording
// the mapping on first sight.
func (r *Registry) ResolveOrCreate(sessionKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.byKey[sessionKey]; ok {
		m.lastActive = time.Now()
		return m.agentID
	}

	agentID := DeriveAgentID(sessionKey)
	r.byKey[sessionKey] = &mapping{agentID: agentID, lastActive: time.Now()}
	r.logger.Debug("session mapped",
		zap.String("agent_id", agentID))
	return agentID
}

// Touch refreshes a mapping's activity clock.
func (r *Registry) Touch(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byKey[sessionKey]; ok {
		m.lastActive = time.Now()
	}
}

// End drops the mapping for a finished transport session and returns the
// agent id that was bound to it, or "" if the key was unknown.
func (r *Registry) End(sessionKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byKey[sessionKey]
	if !ok {
		return ""
	}
	delete(r.byKey, sessionKey)
	return m.agentID
}

// Len returns the number of live mappings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

// StartSweeper launches the periodic eviction of stale mappings.
func (r *Registry) StartSweeper(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.sweepCtx = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.SweepIntervalDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
}

// StopSweeper stops the background sweep. Safe to call without a prior
// StartSweeper.
func (r *Registry) StopSweeper() {
	if r.sweepCtx != nil {
		r.sweepCtx()
		<-r.done
	}
}

// Sweep drops mappings idle past the registry timeout and signals the
// evictor for each dropped agent.
func (r *Registry) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.MappingTimeoutDuration())

	r.mu.Lock()
	var evicted []string
	for key, m := range r.byKey {
		if m.lastActive.Before(cutoff) {
			delete(r.byKey, key)
			evicted = append(evicted, m.agentID)
		}
	}
	r.mu.Unlock()

	for _, agentID := range evicted {
		r.logger.Info("stale session mapping evicted", zap.String("agent_id", agentID))
		if r.evictor != nil {
			// Detach must not be aborted by sweeper shutdown mid-teardown.
			dctx, cancel := appctx.Detached(ctx, detachTimeout)
			if err := r.evictor.Detach(dctx, agentID); err != nil {
				r.logger.Warn("evictor detach failed",
					zap.String("agent_id", agentID), zap.Error(err))
			}
			cancel()
		}
	}
}
