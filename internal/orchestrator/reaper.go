package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/sandbox"
)

// StartReaper launches the background task that evicts idle sessions and
// records whose engine object vanished. One reaper per orchestrator.
func (o *Orchestrator) StartReaper(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.reaperCancel = cancel
	o.reaperDone = make(chan struct{})

	go func() {
		defer close(o.reaperDone)
		ticker := time.NewTicker(o.cfg.Sessions.ReaperIntervalDuration())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.ReapInactive(ctx)
			}
		}
	}()
	o.logger.Info("reaper started",
		zap.Duration("interval", o.cfg.Sessions.ReaperIntervalDuration()))
}

func (o *Orchestrator) stopReaper() {
	if o.reaperCancel != nil {
		o.reaperCancel()
		<-o.reaperDone
	}
}

// ReapInactive runs one eviction pass. Exposed so tests and operators can
// trigger it without waiting for the cadence.
func (o *Orchestrator) ReapInactive(ctx context.Context) {
	// Idle sessions first
	for _, rec := range o.idx.ListIdle(o.cfg.Sessions.IdleTimeoutDuration()) {
		o.logger.Info("reaping idle session",
			zap.String("agent_id", rec.AgentID),
			zap.Int64("last_active", rec.LastActive),
		)
		if err := o.teardown(ctx, rec.AgentID, teardownReap); err != nil {
			o.logger.Error("failed to reap idle session",
				zap.String("agent_id", rec.AgentID), zap.Error(err))
		}
	}

	// Then records whose engine object vanished
	for _, rec := range o.idx.List() {
		if rec.SandboxID == "" {
			continue
		}
		_, err := o.driver.Inspect(ctx, rec.SandboxID)
		if err == nil {
			continue
		}
		if !sandbox.IsNotFound(err) {
			o.logger.Debug("inspect failed during reap",
				zap.String("agent_id", rec.AgentID), zap.Error(err))
			continue
		}
		o.logger.Warn("reaping record with vanished sandbox",
			zap.String("agent_id", rec.AgentID),
			zap.String("sandbox_id", rec.SandboxID),
		)
		o.mu.Lock()
		delete(o.sessions, rec.AgentID)
		o.mu.Unlock()
		if err := o.idx.Remove(rec.AgentID); err != nil {
			o.logger.Error("failed to evict vanished record",
				zap.String("agent_id", rec.AgentID), zap.Error(err))
		}
	}

	// Finally, managed containers the index knows nothing about. These are
	// left over from crashes between engine create and record persist, or
	// from a manually deleted index file.
	containers, err := o.driver.ListManaged(ctx)
	if err != nil {
		o.logger.Debug("list managed failed during reap", zap.Error(err))
		return
	}
	for _, info := range containers {
		agentID := info.Labels[sandbox.LabelAgentID]
		if agentID == "" {
			continue
		}
		if _, err := o.idx.Get(agentID); err == nil {
			continue
		}
		o.logger.Warn("removing orphaned sandbox",
			zap.String("sandbox_id", info.ID),
			zap.String("agent_id", agentID),
		)
		if err := o.driver.Remove(ctx, info.ID); err != nil {
			o.logger.Error("failed to remove orphaned sandbox",
				zap.String("sandbox_id", info.ID), zap.Error(err))
		}
	}
}
