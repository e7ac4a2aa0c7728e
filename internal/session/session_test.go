package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/errdefs"

	"github.com/coderelay/coderelay/internal/bridge"
	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/index"
	"github.com/coderelay/coderelay/internal/sandbox"
)

// fakeExec simulates the in-sandbox message files behind the driver's Exec.
type fakeExec struct {
	mu          sync.Mutex
	files       map[string]string
	submissions [][]byte
	onSubmit    func(f *fakeExec, payload []byte)
	execErr     error // returned from every Exec once set
}

func (f *fakeExec) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execErr = err
}

func newFakeExec() *fakeExec {
	return &fakeExec{files: map[string]string{}}
}

func (f *fakeExec) set(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
}

func (f *fakeExec) Exec(ctx context.Context, sandboxID string, cmd []string, stdin []byte) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.execErr != nil {
		return nil, f.execErr
	}

	joined := strings.Join(cmd, " ")
	paths := bridge.ControlPaths()

	switch {
	case strings.Contains(joined, ": > "+paths.Response):
		f.files[paths.Response] = ""
		return &sandbox.ExecResult{ExitCode: 0}, nil
	case strings.Contains(joined, "cat > "+paths.Incoming):
		f.submissions = append(f.submissions, stdin)
		if f.onSubmit != nil {
			hook := f.onSubmit
			f.mu.Unlock()
			hook(f, stdin)
			f.mu.Lock()
		}
		return &sandbox.ExecResult{ExitCode: 0}, nil
	case cmd[0] == "cat":
		content, ok := f.files[cmd[1]]
		if !ok {
			return &sandbox.ExecResult{ExitCode: 1, Stderr: "No such file"}, nil
		}
		return &sandbox.ExecResult{ExitCode: 0, Stdout: content}, nil
	}
	return &sandbox.ExecResult{ExitCode: 127, Stderr: "unknown command"}, nil
}

func newTestSession(t *testing.T, f *fakeExec) *Session {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	idx, err := index.Load(filepath.Join(t.TempDir(), "index.json"), log)
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	if err := idx.Register(&index.SandboxRecord{AgentID: "agent-1", SandboxID: "sb-1", State: index.StateRunning}); err != nil {
		t.Fatalf("failed to register agent: %v", err)
	}
	return New("agent-1", "sb-1", f, idx, 10*time.Millisecond, log)
}

func TestSendTurn_ReturnsAggregatedReply(t *testing.T) {
	f := newFakeExec()
	paths := bridge.ControlPaths()
	f.set(paths.Status, string(bridge.StatusAgentReady))
	f.onSubmit = func(f *fakeExec, payload []byte) {
		f.set(paths.Response, bridge.ProcessingSentinel)
		f.set(paths.Status, string(bridge.StatusProcessing))
		go func() {
			time.Sleep(30 * time.Millisecond)
			f.set(paths.Response, "print(\"hello world\")\n")
			f.set(paths.Status, string(bridge.StatusWaiting))
		}()
	}

	s := newTestSession(t, f)
	reply, err := s.SendTurn(context.Background(), "write a hello world in python", 2*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(reply, "hello world") {
		t.Errorf("unexpected reply: %q", reply)
	}
}

func TestSendTurn_PayloadPassesThroughStdinVerbatim(t *testing.T) {
	f := newFakeExec()
	paths := bridge.ControlPaths()
	hostile := "echo 'a'; $(reboot) \"quoted\" `backtick`"
	f.onSubmit = func(f *fakeExec, payload []byte) {
		f.set(paths.Response, "ok\n")
	}

	s := newTestSession(t, f)
	if _, err := s.SendTurn(context.Background(), hostile, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submissions) != 1 {
		t.Fatalf("expected one submission, got %d", len(f.submissions))
	}
	if got := string(f.submissions[0]); got != hostile+"\n" {
		t.Errorf("payload was altered: %q", got)
	}
}

func TestSendTurn_SecondTurnFailsBusy(t *testing.T) {
	f := newFakeExec()
	paths := bridge.ControlPaths()
	release := make(chan struct{})
	f.onSubmit = func(f *fakeExec, payload []byte) {
		go func() {
			<-release
			f.set(paths.Response, "done\n")
		}()
	}

	s := newTestSession(t, f)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendTurn(context.Background(), "first", 5*time.Second)
		errCh <- err
	}()

	// Wait until the first turn holds the lock
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.submissions)
		f.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first turn never submitted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := s.SendTurn(context.Background(), "second", time.Second); !errors.Is(err, apperrors.ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
}

func TestSendTurn_TimeoutKeepsAssistantAlive(t *testing.T) {
	f := newFakeExec()
	paths := bridge.ControlPaths()
	f.set(paths.Status, string(bridge.StatusProcessing))
	// Response never arrives

	s := newTestSession(t, f)
	_, err := s.SendTurn(context.Background(), "slow task", 100*time.Millisecond)
	if !errors.Is(err, apperrors.ErrTurnTimeout) {
		t.Fatalf("expected ErrTurnTimeout, got %v", err)
	}
	// The error carries the last observed bridge status
	if !strings.Contains(err.Error(), string(bridge.StatusProcessing)) {
		t.Errorf("expected last status in error, got %q", err.Error())
	}
	// And the session is usable again
	f.onSubmit = func(f *fakeExec, payload []byte) {
		f.set(paths.Response, "late reply\n")
	}
	if _, err := s.SendTurn(context.Background(), "next", time.Second); err != nil {
		t.Errorf("expected session to accept the next turn, got %v", err)
	}
}

func TestSendTurn_SandboxRemovedMidTurn(t *testing.T) {
	f := newFakeExec()
	paths := bridge.ControlPaths()
	f.set(paths.Status, string(bridge.StatusProcessing))
	f.onSubmit = func(f *fakeExec, payload []byte) {
		go func() {
			time.Sleep(30 * time.Millisecond)
			f.fail(errdefs.NotFound(errors.New("no such container")))
		}()
	}

	s := newTestSession(t, f)
	start := time.Now()
	_, err := s.SendTurn(context.Background(), "hi", 30*time.Second)
	if !errors.Is(err, apperrors.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	// Must fail on the next poll, not spin until the turn deadline.
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("took %s to notice the sandbox was gone", elapsed)
	}
}

func TestSendTurn_FailedStatusSurfaces(t *testing.T) {
	f := newFakeExec()
	paths := bridge.ControlPaths()
	f.onSubmit = func(f *fakeExec, payload []byte) {
		f.set(paths.Response, "model quota exhausted")
		f.set(paths.Status, string(bridge.StatusFailed))
	}

	s := newTestSession(t, f)
	_, err := s.SendTurn(context.Background(), "hi", time.Second)
	if !errors.Is(err, apperrors.ErrAssistantFailed) {
		t.Fatalf("expected ErrAssistantFailed, got %v", err)
	}
}

func TestSendTurn_UpdatesIndex(t *testing.T) {
	f := newFakeExec()
	paths := bridge.ControlPaths()
	f.onSubmit = func(f *fakeExec, payload []byte) {
		f.set(paths.Response, "ok\n")
	}

	s := newTestSession(t, f)
	if _, err := s.SendTurn(context.Background(), "hi", time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := s.idx.Get("agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.TurnCount != 1 {
		t.Errorf("expected turn count 1, got %d", rec.TurnCount)
	}
}

func TestCleanupLock(t *testing.T) {
	s := newTestSession(t, newFakeExec())

	if !s.BeginCleanup() {
		t.Fatal("first claim must succeed")
	}
	if s.BeginCleanup() {
		t.Error("second claim during teardown must fail")
	}
	if s.CleanupStatus() != CleanupInProgress {
		t.Errorf("unexpected state: %q", s.CleanupStatus())
	}

	s.FinishCleanup(errors.New("engine unavailable"))
	if s.CleanupStatus() != CleanupError {
		t.Errorf("unexpected state: %q", s.CleanupStatus())
	}
	// A failed teardown may be retried
	if !s.BeginCleanup() {
		t.Error("claim after cleanup_error must succeed")
	}
	s.FinishCleanup(nil)
	if s.CleanupStatus() != CleanupCompleted {
		t.Errorf("unexpected state: %q", s.CleanupStatus())
	}
	if s.BeginCleanup() {
		t.Error("claim after completion must fail")
	}
}

func TestCancelCleanup_ReleasesClaim(t *testing.T) {
	s := newTestSession(t, newFakeExec())

	if !s.BeginCleanup() {
		t.Fatal("first claim must succeed")
	}
	s.CancelCleanup()
	if s.CleanupStatus() != CleanupNone {
		t.Errorf("unexpected state after cancel: %q", s.CleanupStatus())
	}
	// A cancelled claim leaves the session eligible for a later teardown.
	if !s.BeginCleanup() {
		t.Error("claim after cancel must succeed")
	}
	s.FinishCleanup(nil)
	// Cancel after completion must not reopen the lock.
	s.CancelCleanup()
	if s.CleanupStatus() != CleanupCompleted {
		t.Errorf("cancel must not undo a completed teardown, got %q", s.CleanupStatus())
	}
}
