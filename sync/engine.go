package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Engine runs the orchestrator behind the run guard and reports the result.
type Engine struct {
	*SyncContext
	Guard        RunGuard
	Orchestrator *Orchestrator
	Reporter     Reporter
	Metrics      *Metrics
}

// NewEngine wires the configured run guard, the HTTP adapters, metrics and reporter.
func NewEngine(sc *SyncContext) (*Engine, error) {
	mustBeInitialised()

	if err := sc.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %w", err)
	}
	policy, err := ParseExitPolicy(string(sc.Config.Run.ExitPolicy))
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics(sc.Config.Metrics.Namespace)
	onReclaim := func(previous RunLock) { metrics.LockReclaimed.Set(1) }

	var guard RunGuard
	switch sc.Config.Lock.Backend {
	case LockBackendSQLite:
		g, err := OpenSQLiteRunGuard(sc.Config.Lock.Path, sc.Config.Lock.Name, sc.Config.Lock.MaxRunDuration, sc.logger())
		if err != nil {
			return nil, err
		}
		g.Clock = sc.Clock
		g.OnReclaim = onReclaim
		guard = g
	default:
		g := NewFileRunGuard(sc.Config.Lock.Path, sc.Config.Lock.MaxRunDuration, sc.logger())
		g.Clock = sc.Clock
		g.OnReclaim = onReclaim
		guard = g
	}

	return &Engine{
		SyncContext:  sc,
		Guard:        guard,
		Orchestrator: NewOrchestrator(sc),
		Reporter:     Reporter{Logger: sc.logger(), Policy: policy, Metrics: metrics},
		Metrics:      metrics,
	}, nil
}

// RunOnce performs one guarded run and returns the process exit code.
// A denied lock is a clean exit with no side effects on either system.
func (e *Engine) RunOnce(ctx context.Context) int {
	runID := uuid.NewString()
	logger := e.logger().With("run_id", runID)

	if e.Metrics != nil {
		e.Metrics.LockReclaimed.Set(0)
	}
	granted, err := e.Guard.TryAcquire(ctx)
	if err != nil {
		logger.Error("failed to acquire run lock", "error", err)
		return ExitFailed
	}
	if !granted {
		logger.Info("skipped: previous run still active")
		if e.Metrics != nil {
			e.Metrics.ObserveDenied()
			if err := e.Metrics.PublishLock(e.Config.Metrics); err != nil {
				logger.Warn("failed to publish lock metrics", "error", err)
			}
		}
		return ExitOK
	}
	defer func() {
		// released even when ctx is cancelled or the run panics
		if err := e.Guard.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to release run lock", "error", err)
		}
	}()

	summary := e.Orchestrator.Run(ctx, runID)
	code := e.Reporter.Report(summary)
	e.publishMetrics(logger)
	return code
}

func (e *Engine) publishMetrics(logger *slog.Logger) {
	if e.Metrics == nil {
		return
	}
	if err := e.Metrics.Publish(e.Config.Metrics); err != nil {
		logger.Warn("failed to publish metrics", "error", err)
	}
}

// Schedule runs immediately and then on every tick of interval until ctx is done.
// Each tick goes through the run guard, so overlapping ticks from other hosts are skipped.
func (e *Engine) Schedule(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("schedule interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		code := e.RunOnce(ctx)
		e.logger().Debug("scheduled run finished", "exit_code", code)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases resources held by the run guard.
func (e *Engine) Close() error {
	if c, ok := e.Guard.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
