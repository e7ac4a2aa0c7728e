package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/bridge"
	apperrors "github.com/coderelay/coderelay/internal/common/errors"
	"github.com/coderelay/coderelay/internal/events"
	"github.com/coderelay/coderelay/internal/index"
	"github.com/coderelay/coderelay/internal/sandbox"
	"github.com/coderelay/coderelay/internal/session"
)

// In-sandbox mount targets.
const (
	workspaceMount = "/workspace"
	configMount    = "/config"
)

// agentDirs returns the durable host directories for one agent.
func (o *Orchestrator) agentDirs(agentID string) (workspace, configDir string) {
	base := filepath.Join(o.cfg.Sessions.DataDir, "agents", agentID)
	return filepath.Join(base, "workspace"), filepath.Join(base, "config")
}

// provision builds a fresh sandbox for an agent with no usable record.
func (o *Orchestrator) provision(ctx context.Context, agentID string, sc SessionConfig) (*session.Session, error) {
	if active := o.idx.Count(index.StateCreating, index.StateRunning); active >= o.cfg.Sessions.MaxConcurrent {
		return nil, fmt.Errorf("%w: %d active sessions (cap %d)",
			apperrors.ErrCapExceeded, active, o.cfg.Sessions.MaxConcurrent)
	}

	model := sc.Model
	if model == "" {
		model = o.cfg.Sessions.Model
	}
	approval := sc.ApprovalMode
	if approval == "" {
		approval = o.cfg.Sessions.ApprovalMode
	}
	reasoning := sc.ReasoningLevel
	if reasoning == "" {
		reasoning = o.cfg.Sessions.ReasoningLevel
	}
	binding := sc.Binding
	if binding == "" {
		binding = index.BindingEphemeral
	}

	workspace, configDir := o.agentDirs(agentID)
	for _, dir := range []string{workspace, configDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create agent directory: %w", err)
		}
	}

	bundle, err := o.auth.Bundle(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(configDir, "auth.json"), bundle.AuthFile, 0600); err != nil {
		return nil, fmt.Errorf("failed to write auth file: %w", err)
	}
	assistantCfg := renderAssistantConfig(model, o.cfg.Sessions.Provider, approval, reasoning)
	if err := os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(assistantCfg), 0644); err != nil {
		return nil, fmt.Errorf("failed to write assistant config: %w", err)
	}

	if err := o.driver.EnsureImage(ctx, o.cfg.Docker.Image); err != nil {
		return nil, err
	}

	name := sandboxName(agentID)
	rec := &index.SandboxRecord{
		AgentID:        agentID,
		SandboxName:    name,
		WorkspacePath:  workspace,
		ConfigPath:     configDir,
		Model:          model,
		Provider:       o.cfg.Sessions.Provider,
		ApprovalMode:   approval,
		ReasoningLevel: reasoning,
		State:          index.StateCreating,
		Binding:        binding,
	}
	if err := o.idx.Register(rec); err != nil {
		return nil, err
	}

	spec := sandbox.CreateSpec{
		Name:       name,
		AgentID:    agentID,
		Image:      o.cfg.Docker.Image,
		Cmd:        []string{"python3", bridge.ScriptPath},
		WorkingDir: workspaceMount,
		Env:        o.sandboxEnv(bundle.Env),
		Mounts: []sandbox.Mount{
			{Source: workspace, Target: workspaceMount},
			{Source: configDir, Target: configMount, ReadOnly: true},
		},
		MemoryBytes: o.cfg.Docker.MemoryLimitMB * 1024 * 1024,
		CPUQuota:    o.cfg.Docker.CPUQuota,
	}
	if p, ok := o.profiles[sc.Profile]; ok {
		p.Apply(&spec)
	}

	sandboxID, err := o.driver.Create(ctx, spec)
	if err != nil {
		_ = o.idx.Remove(agentID)
		return nil, err
	}
	rec.SandboxID = sandboxID
	if err := o.idx.Register(rec); err != nil {
		o.rollback(ctx, agentID, sandboxID)
		return nil, err
	}
	o.publish(ctx, events.SessionCreated, map[string]interface{}{
		"agent_id":   agentID,
		"sandbox_id": sandboxID,
	})

	if err := o.installBridge(ctx, sandboxID); err != nil {
		o.rollback(ctx, agentID, sandboxID)
		return nil, err
	}
	if err := o.driver.Start(ctx, sandboxID); err != nil {
		o.rollback(ctx, agentID, sandboxID)
		return nil, err
	}
	if err := o.driver.WaitReady(ctx, sandboxID, o.cfg.Sessions.ReadyTimeoutDuration()); err != nil {
		o.rollback(ctx, agentID, sandboxID)
		return nil, err
	}
	if err := o.waitBridgeReady(ctx, agentID, sandboxID); err != nil {
		o.rollback(ctx, agentID, sandboxID)
		return nil, err
	}

	if err := o.idx.UpdateState(agentID, index.StateRunning); err != nil {
		o.rollback(ctx, agentID, sandboxID)
		return nil, err
	}

	s := o.trackSession(agentID, sandboxID)

	o.publish(ctx, events.SessionReady, map[string]interface{}{
		"agent_id":   agentID,
		"sandbox_id": sandboxID,
	})
	o.logger.Info("session provisioned",
		zap.String("agent_id", agentID),
		zap.String("sandbox_id", sandboxID),
		zap.String("binding", string(binding)),
	)
	return s, nil
}

// trackSession creates and records the in-memory session handle.
func (o *Orchestrator) trackSession(agentID, sandboxID string) *session.Session {
	s := session.New(agentID, sandboxID, o.driver, o.idx, o.cfg.Sessions.PollIntervalDuration(), o.logger)
	o.mu.Lock()
	o.sessions[agentID] = s
	o.mu.Unlock()
	return s
}

// rehydrate rebuilds a session handle from a persisted record.
func (o *Orchestrator) rehydrate(ctx context.Context, rec *index.SandboxRecord) (*session.Session, error) {
	info, err := o.driver.Inspect(ctx, rec.SandboxID)
	if err != nil {
		return nil, err
	}

	if !info.Running {
		if err := o.driver.Start(ctx, rec.SandboxID); err != nil {
			return nil, err
		}
		if err := o.waitBridgeReady(ctx, rec.AgentID, rec.SandboxID); err != nil {
			return nil, err
		}
	}

	if err := o.idx.UpdateState(rec.AgentID, index.StateRunning); err != nil {
		return nil, err
	}
	if err := o.idx.Touch(rec.AgentID, false); err != nil {
		return nil, err
	}

	s := o.trackSession(rec.AgentID, rec.SandboxID)
	o.publish(ctx, events.SessionRehydrated, map[string]interface{}{
		"agent_id":   rec.AgentID,
		"sandbox_id": rec.SandboxID,
	})
	o.logger.Info("session rehydrated",
		zap.String("agent_id", rec.AgentID),
		zap.String("sandbox_id", rec.SandboxID),
	)
	return s, nil
}

// rollback undoes a half-built sandbox after a provisioning failure.
func (o *Orchestrator) rollback(ctx context.Context, agentID, sandboxID string) {
	o.logger.Warn("rolling back failed provisioning",
		zap.String("agent_id", agentID),
		zap.String("sandbox_id", sandboxID),
	)
	if err := o.driver.Remove(ctx, sandboxID); err != nil {
		o.logger.Error("rollback: failed to remove sandbox", zap.Error(err))
	}
	if err := o.idx.Remove(agentID); err != nil {
		o.logger.Error("rollback: failed to remove index record", zap.Error(err))
	}
}

// installBridge copies the embedded bridge script into the created (not yet
// started) container.
func (o *Orchestrator) installBridge(ctx context.Context, sandboxID string) error {
	content, err := tarSingleFile(path.Base(bridge.ScriptPath), []byte(bridge.Script), 0755)
	if err != nil {
		return err
	}
	if err := o.driver.CopyToContainer(ctx, sandboxID, path.Dir(bridge.ScriptPath), content); err != nil {
		return fmt.Errorf("%w: installing bridge script: %v", apperrors.ErrBridgeNotReady, err)
	}
	return nil
}

// waitBridgeReady polls the bridge status file until AGENT_READY.
func (o *Orchestrator) waitBridgeReady(ctx context.Context, agentID, sandboxID string) error {
	paths := bridge.ControlPaths()
	deadline := time.Now().Add(o.cfg.Sessions.ReadyTimeoutDuration())

	for {
		res, err := o.driver.Exec(ctx, sandboxID, []string{"cat", paths.Status}, nil)
		if err == nil && res.ExitCode == 0 {
			switch bridge.ParseStatus(strings.TrimSpace(res.Stdout)) {
			case bridge.StatusAgentReady, bridge.StatusWaiting:
				return nil
			case bridge.StatusFailed:
				return fmt.Errorf("%w: bridge reported FAILED during startup", apperrors.ErrBridgeNotReady)
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: agent %s not ready after %s",
				apperrors.ErrBridgeNotReady, agentID, o.cfg.Sessions.ReadyTimeoutDuration())
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", apperrors.ErrBridgeNotReady, ctx.Err())
		case <-time.After(o.cfg.Sessions.PollIntervalDuration()):
		}
	}
}

// sandboxEnv builds the container environment from the credential bundle and
// the bridge's knobs.
func (o *Orchestrator) sandboxEnv(credEnv map[string]string) []string {
	env := make([]string, 0, len(credEnv)+8)
	for k, v := range credEnv {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"CODERELAY_CONFIG_DIR="+configMount,
		"WORKSPACE_DIR="+workspaceMount,
		"CODEX_CONFIG_PATH="+path.Join(configMount, "config.toml"),
		"HOME=/root",
		"TERM=xterm-256color",
		"PYTHONUNBUFFERED=1",
	)
	if o.cfg.Sessions.IncludeReasoning {
		env = append(env, "CODERELAY_INCLUDE_REASONING=1")
	}
	return env
}

// renderAssistantConfig produces the Assistant's config file contents.
func renderAssistantConfig(model, provider, approvalMode, reasoningLevel string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "model = %q\n", model)
	fmt.Fprintf(&b, "model_provider = %q\n", provider)
	fmt.Fprintf(&b, "approval_policy = %q\n", approvalMode)
	fmt.Fprintf(&b, "model_reasoning_effort = %q\n", reasoningLevel)
	fmt.Fprintf(&b, "sandbox_mode = %q\n", "workspace-write")
	return b.String()
}

// sandboxNamespace salts the name-derivation hash so different deployments
// sharing an engine do not collide on short agent ids.
var sandboxNamespace = uuid.MustParse("8f9d2c44-1b6a-4c7e-9f3e-0d5a7b1c2e90")

// sandboxName derives a stable, engine-safe container name for an agent. The
// same agent id always maps to the same name.
func sandboxName(agentID string) string {
	suffix := uuid.NewSHA1(sandboxNamespace, []byte(agentID)).String()[:8]
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, agentID)
	return "coderelay-" + safe + "-" + suffix
}

// tarSingleFile packs one file into an in-memory tar stream for
// CopyToContainer.
func tarSingleFile(name string, data []byte, mode int64) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    mode,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish tar stream: %w", err)
	}
	return &buf, nil
}
