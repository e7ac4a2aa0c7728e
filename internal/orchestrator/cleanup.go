package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/index"
)

// teardownMode says why a session is being torn down.
type teardownMode int

const (
	// teardownDetach: the transport session ended or the broker is
	// draining. Persistent agents keep their sandbox.
	teardownDetach teardownMode = iota
	// teardownExplicit: an operator asked for removal. Overrides a
	// persistent binding and deletes the agent's data.
	teardownExplicit
	// teardownReap: idle eviction. Persistent agents are stopped but kept.
	teardownReap
)

// teardown drives one agent through the race-safe cleanup sequence. The
// session's cleanup lock guarantees a single teardown actor; late callers
// return immediately.
func (o *Orchestrator) teardown(ctx context.Context, agentID string, mode teardownMode) error {
	rec, err := o.idx.Get(agentID)
	if err != nil {
		return nil // nothing to tear down
	}

	o.mu.Lock()
	s, hasSession := o.sessions[agentID]
	o.mu.Unlock()

	if hasSession {
		if !s.BeginCleanup() {
			return nil
		}
	}
	finish := func(err error) error {
		if hasSession {
			s.FinishCleanup(err)
		}
		return err
	}

	// Persistent agents survive everything short of explicit removal,
	// including idle reaping. The cleanup claim is released, not completed,
	// so a later explicit removal can still tear the sandbox down.
	if rec.Binding == index.BindingPersistent && mode != teardownExplicit {
		if hasSession {
			defer s.CancelCleanup()
		}
		if err := o.idx.BindSession(agentID, ""); err != nil {
			return err
		}
		if err := o.idx.Touch(agentID, false); err != nil {
			return err
		}
		o.logger.Info("persistent agent detached, sandbox preserved",
			zap.String("agent_id", agentID))
		return nil
	}

	// Ask the Assistant to exit cleanly, then force the engine's hand.
	if hasSession {
		if err := s.RequestExit(ctx); err != nil {
			o.logger.Debug("assistant exit request failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	if err := o.driver.Stop(ctx, rec.SandboxID); err != nil {
		o.logger.Warn("stop during teardown failed, forcing removal",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	// Not-found and removal-in-progress both count as success inside Remove.
	if err := o.driver.Remove(ctx, rec.SandboxID); err != nil {
		_ = o.idx.UpdateState(agentID, index.StateError)
		return finish(fmt.Errorf("failed to remove sandbox for %s: %w", agentID, err))
	}

	if err := o.idx.Remove(agentID); err != nil {
		return finish(err)
	}
	// Data directories go last so a crash leaves the record gone before
	// the workspace.
	if mode == teardownExplicit {
		base := filepath.Join(o.cfg.Sessions.DataDir, "agents", agentID)
		if err := os.RemoveAll(base); err != nil {
			o.logger.Warn("failed to delete agent data",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	o.mu.Lock()
	delete(o.sessions, agentID)
	o.mu.Unlock()

	subject := events.SessionRemoved
	if mode == teardownReap {
		subject = events.SessionReaped
	}
	o.publish(ctx, subject, map[string]interface{}{
		"agent_id":   agentID,
		"sandbox_id": rec.SandboxID,
	})
	o.logger.Info("session torn down",
		zap.String("agent_id", agentID),
		zap.String("sandbox_id", rec.SandboxID),
	)
	return finish(nil)
}
