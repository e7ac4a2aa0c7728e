// Package session provides the broker's in-memory handle to one live
// sandbox and bridge pair.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/bridge"
	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/index"
	"github.com/coderelay/coderelay/internal/sandbox"
)

// Executor is the slice of the sandbox driver a session needs.
type Executor interface {
	Exec(ctx context.Context, sandboxID string, cmd []string, stdin []byte) (*sandbox.ExecResult, error)
}

// CleanupState tracks teardown progress on a session.
type CleanupState string

const (
	CleanupNone       CleanupState = ""
	CleanupInProgress CleanupState = "in_progress"
	CleanupCompleted  CleanupState = "completed"
	CleanupError      CleanupState = "cleanup_error"
)

// Session wraps a live (sandbox, bridge) pair for one agent. At most one
// turn is in flight at a time; a second concurrent turn fails fast with a
// busy error rather than queueing into the FIFO.
type Session struct {
	AgentID   string
	SandboxID string

	exec         Executor
	idx          *index.Index
	paths        bridge.Paths
	pollInterval time.Duration
	logger       *logger.Logger

	turnMu sync.Mutex // held for the duration of a turn

	cleanupMu    sync.Mutex
	cleanupState CleanupState
}

// New creates a session handle for an already-running sandbox.
func New(agentID, sandboxID string, exec Executor, idx *index.Index, pollInterval time.Duration, log *logger.Logger) *Session {
	return &Session{
		AgentID:      agentID,
		SandboxID:    sandboxID,
		exec:         exec,
		idx:          idx,
		paths:        bridge.ControlPaths(),
		pollInterval: pollInterval,
		logger: log.WithFields(
			zap.String("agent_id", agentID),
			zap.String("sandbox_id", sandboxID),
		),
	}
}

// SendTurn writes one submission to the bridge and waits for the aggregated
// reply. On timeout it returns a timeout error annotated with the last
// observed bridge status; the Assistant keeps running and a later turn may
// pick up where it left off.
func (s *Session) SendTurn(ctx context.Context, text string, timeout time.Duration) (string, error) {
	if !s.turnMu.TryLock() {
		return "", fmt.Errorf("%w: turn already in flight on agent %s", apperrors.ErrBusy, s.AgentID)
	}
	defer s.turnMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.clearResponse(ctx); err != nil {
		return "", fmt.Errorf("failed to clear previous response: %w", err)
	}
	if err := s.writeFIFO(ctx, text); err != nil {
		return "", err
	}

	reply, err := s.awaitResponse(ctx)
	if err != nil {
		return "", err
	}

	if touchErr := s.idx.Touch(s.AgentID, true); touchErr != nil {
		s.logger.Warn("failed to record turn in index", zap.Error(touchErr))
	}
	return reply, nil
}

// clearResponse truncates the response file so a stale reply cannot be
// mistaken for the new turn's.
func (s *Session) clearResponse(ctx context.Context) error {
	res, err := s.exec.Exec(ctx, s.SandboxID, []string{"sh", "-c", ": > " + s.paths.Response}, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("truncate exited %d: %s", res.ExitCode, res.Stderr)
	}
	return nil
}

// writeFIFO delivers the submission text as one FIFO record. The payload
// goes through the exec's stdin and a cat into the FIFO, so shell
// metacharacters and quotes in the text never touch a command line.
func (s *Session) writeFIFO(ctx context.Context, text string) error {
	payload := []byte(text)
	if len(payload) == 0 || payload[len(payload)-1] != '\n' {
		payload = append(payload, '\n')
	}

	res, err := s.exec.Exec(ctx, s.SandboxID, []string{"sh", "-c", "cat > " + s.paths.Incoming}, payload)
	if err != nil {
		return fmt.Errorf("%w: fifo write: %v", apperrors.ErrAssistantFailed, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: fifo write exited %d: %s", apperrors.ErrAssistantFailed, res.ExitCode, res.Stderr)
	}
	return nil
}

// awaitResponse polls the response and status files until a reply is final,
// the bridge fails, or the deadline passes.
func (s *Session) awaitResponse(ctx context.Context) (string, error) {
	lastStatus := bridge.Status("")
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: last status %q", apperrors.ErrTurnTimeout, lastStatus)
		case <-ticker.C:
		}

		st, err := s.ReadStatus(ctx)
		if err == nil && st != "" {
			lastStatus = st
			if st == bridge.StatusFailed {
				body, _ := s.readFile(ctx, s.paths.Response)
				return "", fmt.Errorf("%w: %s", apperrors.ErrAssistantFailed, strings.TrimSpace(body))
			}
		}
		if err != nil && sandbox.IsNotFound(err) {
			return "", fmt.Errorf("%w: sandbox %s removed mid-turn", apperrors.ErrSessionNotFound, s.SandboxID)
		}

		body, err := s.readFile(ctx, s.paths.Response)
		if err != nil {
			if sandbox.IsNotFound(err) {
				return "", fmt.Errorf("%w: sandbox %s removed mid-turn", apperrors.ErrSessionNotFound, s.SandboxID)
			}
			s.logger.Debug("response poll failed", zap.Error(err))
			continue
		}
		trimmed := strings.TrimSpace(body)
		if trimmed == "" || trimmed == bridge.ProcessingSentinel {
			continue
		}
		return body, nil
	}
}

// ReadStatus returns the bridge's current status.
func (s *Session) ReadStatus(ctx context.Context) (bridge.Status, error) {
	body, err := s.readFile(ctx, s.paths.Status)
	if err != nil {
		return "", err
	}
	return bridge.ParseStatus(strings.TrimSpace(body)), nil
}

func (s *Session) readFile(ctx context.Context, path string) (string, error) {
	res, err := s.exec.Exec(ctx, s.SandboxID, []string{"cat", path}, nil)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("cat %s exited %d", path, res.ExitCode)
	}
	return res.Stdout, nil
}

// RequestExit asks the bridge to shut the Assistant down cleanly. Best
// effort: errors are returned for logging but teardown proceeds regardless.
func (s *Session) RequestExit(ctx context.Context) error {
	res, err := s.exec.Exec(ctx, s.SandboxID,
		[]string{"sh", "-c", "cat > " + s.paths.Incoming}, []byte("/exit\n"))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit request exited %d", res.ExitCode)
	}
	return nil
}

// BeginCleanup claims the cleanup lock. The second and later callers get
// false and must not tear the sandbox down themselves.
func (s *Session) BeginCleanup() bool {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if s.cleanupState == CleanupInProgress || s.cleanupState == CleanupCompleted {
		return false
	}
	s.cleanupState = CleanupInProgress
	return true
}

// CancelCleanup releases a claimed cleanup without recording an outcome.
// Used when the teardown decides to keep the sandbox alive, so a later
// explicit removal can claim the lock again.
func (s *Session) CancelCleanup() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if s.cleanupState == CleanupInProgress {
		s.cleanupState = CleanupNone
	}
}

// FinishCleanup records the outcome of a teardown this caller claimed.
func (s *Session) FinishCleanup(err error) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	if err != nil {
		s.cleanupState = CleanupError
		return
	}
	s.cleanupState = CleanupCompleted
}

// CleanupStatus returns the current teardown state.
func (s *Session) CleanupStatus() CleanupState {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	return s.cleanupState
}
