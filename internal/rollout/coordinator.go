package rollout

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/safety"
)

// RunRecord, StageRecord, and TargetRecord are the persisted snapshots of
// a Run/Stage/Target. Separate from the in-memory types because the
// in-memory state fields are mutex-guarded and unexported.
type RunRecord struct {
	ID           string
	InitiatedBy  string
	StrategyName string
	CreatedAt    time.Time
	State        RunState
}

type StageRecord struct {
	ID          string
	RunID       string
	Ordinal     int
	Concurrency int
	State       StageState
}

type TargetRecord struct {
	ID              string
	StageID         string
	Hostname        string
	PolicyBundleRef string
	State           TargetState
	AttemptCount    int
	LastError       string
}

func (r *Run) Record() RunRecord {
	return RunRecord{ID: r.ID, InitiatedBy: r.InitiatedBy, StrategyName: r.StrategyName, CreatedAt: r.CreatedAt, State: r.State()}
}

func (s *Stage) Record() StageRecord {
	return StageRecord{ID: s.ID, RunID: s.RunID, Ordinal: s.Ordinal, Concurrency: s.Concurrency, State: s.State()}
}

func (t *Target) Record() TargetRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TargetRecord{ID: t.ID, StageID: t.StageID, Hostname: t.Hostname, PolicyBundleRef: t.PolicyBundleRef,
		State: t.state, AttemptCount: t.AttemptCount, LastError: t.LastError}
}

// Store persists Run/Stage/Target snapshots and Rollout Events. Satisfied
// by internal/eventstore; also satisfies safety.EventRecorder so the same
// store backs both the coordinator and the Unified Safety Manager.
type Store interface {
	SaveRun(rec RunRecord) error
	SaveStage(rec StageRecord) error
	SaveTarget(rec TargetRecord) error
	RecordEvent(ctx context.Context, runID, eventType string, payload map[string]any) error
}

// Coordinator plans and drives staged, multi-router policy rollout.
type Coordinator struct {
	cfg       config.RolloutConfig
	mode      config.Mode
	safetyMgr *safety.Manager
	store     Store
	logger    *zap.Logger

	mu   sync.Mutex
	runs map[string]*Run
	seq  int64
}

// NewCoordinator builds a Coordinator. store may be nil for tests that
// don't need durability.
func NewCoordinator(cfg config.RolloutConfig, mode config.Mode, safetyMgr *safety.Manager, store Store, logger *zap.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, mode: mode, safetyMgr: safetyMgr, store: store, logger: logger, runs: map[string]*Run{}}
}

func (c *Coordinator) nextID(prefix string) string {
	n := atomic.AddInt64(&c.seq, 1)
	return fmt.Sprintf("%s-%d", prefix, n)
}

// PlanRun computes stages and targets via the configured strategy and
// persists the run in the planned state.
func (c *Coordinator) PlanRun(ctx context.Context, devices []Device, policiesByHostname map[string][]guardrail.PolicyPrefix, initiatedBy string) (string, error) {
	strategy := StrategyFor(c.cfg, c.logger)
	refs := map[string]string{}
	for h := range policiesByHostname {
		refs[h] = h + ":policy-bundle"
	}

	stages := strategy.Plan(devices, refs, c.cfg.Concurrency)
	runID := c.nextID("run")
	for _, st := range stages {
		st.RunID = runID
		for _, t := range st.Targets {
			t.StageID = st.ID
		}
	}

	run := NewRun(runID, initiatedBy, strategy.Name(), stages)
	c.mu.Lock()
	c.runs[runID] = run
	c.mu.Unlock()

	c.persistRun(run)
	for _, st := range stages {
		c.persistStage(st)
		for _, t := range st.Targets {
			c.persistTarget(t)
		}
	}
	c.recordEvent(ctx, runID, "run_planned", map[string]any{"strategy": strategy.Name(), "stage_count": len(stages)})
	return runID, nil
}

// FindTarget scans every tracked run for a target by ID, for the operator
// control surface's confirm/reject commands, which address a target
// rather than a run.
func (c *Coordinator) FindTarget(targetID string) (*Target, *Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, run := range c.runs {
		for _, stage := range run.Stages {
			for _, target := range stage.Targets {
				if target.ID == targetID {
					return target, run, nil
				}
			}
		}
	}
	return nil, nil, fmt.Errorf("rollout: target %q not found", targetID)
}

// GetRun returns the in-memory Run tree for status inspection.
func (c *Coordinator) GetRun(runID string) (*Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	if !ok {
		return nil, fmt.Errorf("rollout: run %q not found", runID)
	}
	return run, nil
}

// StartRun transitions the run to running and dispatches its stages in
// order. Stage N+1 never starts until every target in stage N has
// reached a terminal state.
func (c *Coordinator) StartRun(ctx context.Context, runID string, policiesByHostname map[string][]guardrail.PolicyPrefix) error {
	run, err := c.GetRun(runID)
	if err != nil {
		return err
	}

	run.setState(RunRunning)
	c.persistRun(run)
	c.recordEvent(ctx, runID, "run_started", nil)

	for _, stage := range run.Stages {
		if run.State() == RunCancelled {
			c.skipStage(ctx, run, stage)
			continue
		}
		if !c.DispatchStage(ctx, run, stage, policiesByHostname) {
			run.setState(RunFailed)
			c.persistRun(run)
			c.recordEvent(ctx, runID, "run_failed", map[string]any{"stage_id": stage.ID})
			c.skipRemaining(ctx, run, stage)
			return nil
		}
	}

	if run.State() == RunRunning {
		run.setState(RunSucceeded)
		c.persistRun(run)
		c.recordEvent(ctx, runID, "run_succeeded", nil)
	}
	return nil
}

// DispatchStage runs up to stage.Concurrency targets concurrently and
// blocks until every target in the stage reaches a terminal state.
// Returns false if any target in the stage failed.
func (c *Coordinator) DispatchStage(ctx context.Context, run *Run, stage *Stage, policiesByHostname map[string][]guardrail.PolicyPrefix) bool {
	stage.setState(StageRunning)
	c.persistStage(stage)
	c.recordEvent(ctx, run.ID, "stage_start", map[string]any{"stage_id": stage.ID, "ordinal": stage.Ordinal})

	sem := make(chan struct{}, stage.Concurrency)
	var wg sync.WaitGroup
	var failed int32

	for _, target := range stage.Targets {
		if run.State() == RunCancelled {
			_ = target.Transition(TargetCancelled, "")
			c.persistTarget(target)
			continue
		}
		target := target
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if !c.runTarget(ctx, run, stage, target, policiesByHostname[target.Hostname]) {
				atomic.AddInt32(&failed, 1)
			}
		}()
	}
	wg.Wait()

	stageFailed := atomic.LoadInt32(&failed) > 0
	if stageFailed {
		stage.setState(StageFailed)
	} else {
		stage.setState(StageSucceeded)
	}
	c.persistStage(stage)
	c.recordEvent(ctx, run.ID, "stage_complete", map[string]any{"stage_id": stage.ID, "failed": stageFailed})
	return !stageFailed
}

func (c *Coordinator) runTarget(ctx context.Context, run *Run, stage *Stage, target *Target, policies []guardrail.PolicyPrefix) bool {
	if err := target.Transition(TargetRunning, ""); err != nil {
		c.logger.Error("rollout: target transition rejected", zap.String("target_id", target.ID), zap.Error(err))
		return false
	}
	c.persistTarget(target)
	c.recordEvent(ctx, run.ID, "target_start", map[string]any{"target_id": target.ID, "hostname": target.Hostname})

	result, err := c.safetyMgr.ExecutePipeline(ctx, policies, target.Hostname, c.mode,
		&safety.RolloutContext{RunID: run.ID, StageID: stage.ID, TargetID: target.ID})

	if err != nil || !result.Success {
		msg := result.ErrorMessage
		if msg == "" && err != nil {
			msg = err.Error()
		}
		_ = target.Transition(TargetFailed, msg)
		c.persistTarget(target)
		return false
	}
	_ = target.Transition(TargetSucceeded, "")
	c.persistTarget(target)
	return true
}

// CancelRun sets the run to cancelled. In-flight targets are allowed to
// finish their current commit; not-yet-started targets are cancelled
// without dispatch. The coordinator never issues router-side
// cancellation.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	run, err := c.GetRun(runID)
	if err != nil {
		return err
	}
	if run.State() == RunSucceeded || run.State() == RunFailed {
		return fmt.Errorf("rollout: run %q already terminal at %s", runID, run.State())
	}
	run.setState(RunCancelled)
	c.persistRun(run)
	c.recordEvent(ctx, runID, "run_cancelled", nil)

	for _, stage := range run.Stages {
		for _, target := range stage.Targets {
			if target.State() == TargetPending {
				_ = target.Transition(TargetCancelled, "")
				c.persistTarget(target)
			}
		}
	}
	return nil
}

func (c *Coordinator) skipStage(ctx context.Context, run *Run, stage *Stage) {
	stage.setState(StageCancelled)
	c.persistStage(stage)
	for _, t := range stage.Targets {
		_ = t.Transition(TargetCancelled, "")
		c.persistTarget(t)
	}
	c.recordEvent(ctx, run.ID, "stage_complete", map[string]any{"stage_id": stage.ID, "skipped": true})
}

// skipRemaining marks every stage after failedStage as skipped (§4.6:
// a canary failure skips subsequent stages; the same handling applies
// whenever any stage fails, since the run is already doomed to fail).
func (c *Coordinator) skipRemaining(ctx context.Context, run *Run, failedStage *Stage) {
	skip := false
	for _, stage := range run.Stages {
		if stage == failedStage {
			skip = true
			continue
		}
		if !skip {
			continue
		}
		for _, t := range stage.Targets {
			if t.State() == TargetPending {
				_ = t.Transition(TargetSkipped, "")
				c.persistTarget(t)
			}
		}
		stage.setState(StageCancelled)
		c.persistStage(stage)
	}
}

func (c *Coordinator) persistRun(r *Run) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveRun(r.Record()); err != nil {
		c.logger.Error("rollout: persist run failed", zap.String("run_id", r.ID), zap.Error(err))
	}
}

func (c *Coordinator) persistStage(s *Stage) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveStage(s.Record()); err != nil {
		c.logger.Error("rollout: persist stage failed", zap.String("stage_id", s.ID), zap.Error(err))
	}
}

func (c *Coordinator) persistTarget(t *Target) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveTarget(t.Record()); err != nil {
		c.logger.Error("rollout: persist target failed", zap.String("target_id", t.ID), zap.Error(err))
	}
}

func (c *Coordinator) recordEvent(ctx context.Context, runID, eventType string, payload map[string]any) {
	if c.store == nil {
		return
	}
	if err := c.store.RecordEvent(ctx, runID, eventType, payload); err != nil {
		c.logger.Error("rollout: record event failed", zap.String("run_id", runID), zap.String("event_type", eventType), zap.Error(err))
	}
}
