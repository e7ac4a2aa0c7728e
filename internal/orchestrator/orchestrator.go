// Package orchestrator coordinates sandbox provisioning, turns, and
// teardown across all agents.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coderelay/coderelay/internal/auth"
	"github.com/coderelay/coderelay/internal/bridge"
	"github.com/coderelay/coderelay/internal/common/config"
	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/events/bus"
	"github.com/coderelay/coderelay/internal/index"
	"github.com/coderelay/coderelay/internal/sandbox"
	"github.com/coderelay/coderelay/internal/session"
)

// Driver is the slice of the sandbox driver the orchestrator uses. It is an
// interface so tests can run against a fake engine.
type Driver interface {
	EnsureImage(ctx context.Context, ref string) error
	Create(ctx context.Context, spec sandbox.CreateSpec) (string, error)
	Start(ctx context.Context, sandboxID string) error
	Stop(ctx context.Context, sandboxID string) error
	Remove(ctx context.Context, sandboxID string) error
	Inspect(ctx context.Context, sandboxID string) (*sandbox.ContainerInfo, error)
	Exec(ctx context.Context, sandboxID string, cmd []string, stdin []byte) (*sandbox.ExecResult, error)
	CopyToContainer(ctx context.Context, sandboxID, destDir string, content io.Reader) error
	WaitReady(ctx context.Context, sandboxID string, timeout time.Duration) error
	ListManaged(ctx context.Context) ([]sandbox.ContainerInfo, error)
	Logs(ctx context.Context, sandboxID string, tail string) (string, error)
	Stats(ctx context.Context, sandboxID string) (*sandbox.Stats, error)
	Ping(ctx context.Context) error
}

// AuthProvider materializes credential bundles at provisioning time.
type AuthProvider interface {
	Bundle(ctx context.Context) (*auth.Bundle, error)
}

// SessionConfig carries per-agent overrides for provisioning.
type SessionConfig struct {
	Model          string
	ApprovalMode   string
	ReasoningLevel string
	Profile        string
	Binding        index.Binding
}

// SessionStatus is the read-through view returned by Status.
type SessionStatus struct {
	Record       *index.SandboxRecord
	EngineState  string
	BridgeStatus bridge.Status
	Stats        *sandbox.Stats
}

// Orchestrator owns the agent-to-sandbox lifecycle.
type Orchestrator struct {
	cfg      *config.Config
	driver   Driver
	idx      *index.Index
	auth     AuthProvider
	bus      bus.EventBus
	profiles map[string]sandbox.Profile
	logger   *logger.Logger

	mu         sync.Mutex
	sessions   map[string]*session.Session
	agentLocks map[string]*sync.Mutex // serializes resolve-or-provision per agent
	closed     bool

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
	shutdownOnce sync.Once
}

// New creates the orchestrator.
func New(cfg *config.Config, driver Driver, idx *index.Index, authp AuthProvider, eventBus bus.EventBus, log *logger.Logger) (*Orchestrator, error) {
	profiles, err := sandbox.LoadProfiles(nil)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:        cfg,
		driver:     driver,
		idx:        idx,
		auth:       authp,
		bus:        eventBus,
		profiles:   profiles,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		sessions:   make(map[string]*session.Session),
		agentLocks: make(map[string]*sync.Mutex),
	}, nil
}

// publish emits a lifecycle event, logging rather than failing on bus errors.
func (o *Orchestrator) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		o.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// agentLock returns the mutex serializing resolve-or-provision for one
// agent. Entries are never deleted so concurrent callers always contend on
// the same mutex.
func (o *Orchestrator) agentLock(agentID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.agentLocks[agentID]
	if !ok {
		l = &sync.Mutex{}
		o.agentLocks[agentID] = l
	}
	return l
}

// GetOrCreate returns the agent's live session, rehydrating or provisioning
// a sandbox as needed. At most one sandbox per agent: concurrent calls for
// the same agent serialize on a per-agent lock, so the loser sees the
// winner's session instead of provisioning a duplicate.
func (o *Orchestrator) GetOrCreate(ctx context.Context, agentID string, sc SessionConfig) (*session.Session, error) {
	l := o.agentLock(agentID)
	l.Lock()
	defer l.Unlock()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator is shut down")
	}
	if s, ok := o.sessions[agentID]; ok {
		o.mu.Unlock()
		if err := o.ensureRunning(ctx, agentID, s.SandboxID); err != nil {
			return nil, err
		}
		return s, nil
	}
	o.mu.Unlock()

	rec, err := o.idx.Get(agentID)
	if err == nil {
		s, rehydrateErr := o.rehydrate(ctx, rec)
		if rehydrateErr == nil {
			return s, nil
		}
		if !sandbox.IsNotFound(rehydrateErr) {
			return nil, rehydrateErr
		}
		// Sandbox is gone from the engine, evict the stale record
		o.logger.Warn("sandbox vanished, evicting stale record",
			zap.String("agent_id", agentID),
			zap.String("sandbox_id", rec.SandboxID),
		)
		if err := o.idx.Remove(agentID); err != nil {
			return nil, err
		}
	}

	return o.provision(ctx, agentID, sc)
}

// ensureRunning verifies an in-memory session's sandbox is still running,
// restarting it when stopped.
func (o *Orchestrator) ensureRunning(ctx context.Context, agentID, sandboxID string) error {
	info, err := o.driver.Inspect(ctx, sandboxID)
	if err != nil {
		return err
	}
	if info.Running {
		return o.idx.Touch(agentID, false)
	}
	if err := o.driver.Start(ctx, sandboxID); err != nil {
		return err
	}
	if err := o.waitBridgeReady(ctx, agentID, sandboxID); err != nil {
		return err
	}
	return o.idx.UpdateState(agentID, index.StateRunning)
}

// Turn sends one submission to the agent's live session. After a broker
// restart there is no in-memory session but the index may still know the
// agent, so an index hit rehydrates before failing.
func (o *Orchestrator) Turn(ctx context.Context, agentID, text string, timeout time.Duration) (string, error) {
	o.mu.Lock()
	s, ok := o.sessions[agentID]
	o.mu.Unlock()
	if !ok {
		if _, err := o.idx.Get(agentID); err != nil {
			return "", fmt.Errorf("%w: agent %s has no live session", apperrors.ErrSessionNotFound, agentID)
		}
		var err error
		s, err = o.GetOrCreate(ctx, agentID, SessionConfig{})
		if err != nil {
			return "", err
		}
	}

	if timeout <= 0 {
		timeout = o.cfg.Sessions.TurnTimeoutDuration()
	}

	o.publish(ctx, events.SessionTurnStarted, map[string]interface{}{"agent_id": agentID})
	reply, err := s.SendTurn(ctx, text, timeout)
	if err != nil {
		o.publish(ctx, events.SessionTurnFailed, map[string]interface{}{
			"agent_id": agentID,
			"error":    err.Error(),
		})
		return "", err
	}
	o.publish(ctx, events.SessionTurnCompleted, map[string]interface{}{"agent_id": agentID})
	return reply, nil
}

// List returns the index view of all agents.
func (o *Orchestrator) List() []*index.SandboxRecord {
	return o.idx.List()
}

// Status returns a read-through status for one agent, including engine state
// and resource stats when the sandbox is reachable.
func (o *Orchestrator) Status(ctx context.Context, agentID string) (*SessionStatus, error) {
	rec, err := o.idx.Get(agentID)
	if err != nil {
		return nil, err
	}

	st := &SessionStatus{Record: rec}
	info, err := o.driver.Inspect(ctx, rec.SandboxID)
	if err != nil {
		if sandbox.IsNotFound(err) {
			st.EngineState = "missing"
			return st, nil
		}
		return nil, err
	}
	st.EngineState = info.State

	if info.Running {
		o.mu.Lock()
		s, ok := o.sessions[agentID]
		o.mu.Unlock()
		if ok {
			if bs, err := s.ReadStatus(ctx); err == nil {
				st.BridgeStatus = bs
			}
		}
		if stats, err := o.driver.Stats(ctx, rec.SandboxID); err == nil {
			st.Stats = stats
		}
	}
	return st, nil
}

// Logs returns the tail of the agent's sandbox output, bridge included.
func (o *Orchestrator) Logs(ctx context.Context, agentID string, tail string) (string, error) {
	rec, err := o.idx.Get(agentID)
	if err != nil {
		return "", err
	}
	if tail == "" {
		tail = "200"
	}
	return o.driver.Logs(ctx, rec.SandboxID, tail)
}

// Stop stops the agent's sandbox without removing it.
func (o *Orchestrator) Stop(ctx context.Context, agentID string) error {
	rec, err := o.idx.Get(agentID)
	if err != nil {
		return err
	}
	if err := o.idx.UpdateState(agentID, index.StateStopping); err != nil {
		return err
	}
	if err := o.driver.Stop(ctx, rec.SandboxID); err != nil {
		_ = o.idx.UpdateState(agentID, index.StateError)
		return err
	}
	if err := o.idx.UpdateState(agentID, index.StateStopped); err != nil {
		return err
	}
	o.publish(ctx, events.SessionStopped, map[string]interface{}{"agent_id": agentID})
	return nil
}

// Restart starts a stopped sandbox and waits for the bridge.
func (o *Orchestrator) Restart(ctx context.Context, agentID string) error {
	rec, err := o.idx.Get(agentID)
	if err != nil {
		return err
	}
	if err := o.driver.Start(ctx, rec.SandboxID); err != nil {
		return err
	}
	if err := o.waitBridgeReady(ctx, agentID, rec.SandboxID); err != nil {
		return err
	}
	if err := o.idx.UpdateState(agentID, index.StateRunning); err != nil {
		return err
	}
	return o.idx.Touch(agentID, false)
}

// Remove tears the agent's sandbox down and deletes its record and data.
// Explicit removal overrides a persistent binding.
func (o *Orchestrator) Remove(ctx context.Context, agentID string) error {
	return o.teardown(ctx, agentID, teardownExplicit)
}

// Detach is called when a transport session ends. Persistent agents keep
// their sandbox; ephemeral ones are torn down.
func (o *Orchestrator) Detach(ctx context.Context, agentID string) error {
	return o.teardown(ctx, agentID, teardownDetach)
}

// Shutdown drains all sessions and stops the reaper. Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var firstErr error
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		agents := make([]string, 0, len(o.sessions))
		for id := range o.sessions {
			agents = append(agents, id)
		}
		o.mu.Unlock()

		o.stopReaper()

		g, ctx := errgroup.WithContext(ctx)
		for _, agentID := range agents {
			agentID := agentID
			g.Go(func() error {
				if err := o.teardown(ctx, agentID, teardownDetach); err != nil {
					o.logger.Error("shutdown teardown failed",
						zap.String("agent_id", agentID), zap.Error(err))
					return err
				}
				return nil
			})
		}
		firstErr = g.Wait()
		o.logger.Info("orchestrator shut down", zap.Int("sessions_drained", len(agents)))
	})
	return firstErr
}
