package safety

import (
	"context"
	"errors"
	"testing"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/observability"
	"go.uber.org/zap/zaptest"
)

type fakeApplier struct {
	result ApplicationResult
	err    error
	calls  int
}

func (f *fakeApplier) Apply(_ context.Context, _ ApplyRequest) (ApplicationResult, error) {
	f.calls++
	return f.result, f.err
}

type fakeEventRecorder struct {
	events []string
}

func (f *fakeEventRecorder) RecordEvent(_ context.Context, _, eventType string, _ map[string]any) error {
	f.events = append(f.events, eventType)
	return nil
}

func newTestManager(t *testing.T, applier Applier, events EventRecorder) (*Manager, *guardrail.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.Defaults().Guardrail
	reg := guardrail.NewRegistry(cfg, nil, logger, nil)
	notifier := observability.NewNotifier(config.NotificationConfig{Enabled: false})
	return NewManager(reg, applier, notifier, events, logger), reg
}

func TestExecutePipelineSuccessCreatesCheckpointAndRecordsEvent(t *testing.T) {
	applier := &fakeApplier{result: ApplicationResult{Success: true, CommitID: "c1", Health: HealthResult{Success: true}}}
	events := &fakeEventRecorder{}
	mgr, _ := newTestManager(t, applier, events)

	result, err := mgr.ExecutePipeline(context.Background(), nil, "router1", config.ModeSystem, &RolloutContext{RunID: "run1"})
	if err != nil {
		t.Fatalf("ExecutePipeline() error = %v", err)
	}
	if !result.Success || result.CommitID != "c1" {
		t.Fatalf("ExecutePipeline() = %+v, want success with commit_id=c1", result)
	}
	if applier.calls != 1 {
		t.Fatalf("applier.calls = %d, want 1", applier.calls)
	}
	if len(mgr.Checkpoints()) != 1 {
		t.Fatalf("len(Checkpoints()) = %d, want 1", len(mgr.Checkpoints()))
	}
	if len(events.events) != 1 || events.events[0] != "pipeline_success" {
		t.Fatalf("events = %+v, want [pipeline_success]", events.events)
	}
}

func TestExecutePipelineApplierErrorMapsToNetconfCommitFailed(t *testing.T) {
	applier := &fakeApplier{err: errors.New("commit rejected by router")}
	mgr, _ := newTestManager(t, applier, nil)

	result, err := mgr.ExecutePipeline(context.Background(), nil, "router1", config.ModeSystem, nil)
	if err == nil {
		t.Fatal("ExecutePipeline() error = nil, want propagated applier error")
	}
	if result.Success || result.ErrorCode != "NETCONF_COMMIT_FAILED" {
		t.Fatalf("ExecutePipeline() = %+v, want NETCONF_COMMIT_FAILED", result)
	}
}

func TestExecutePipelineHealthCheckFailureDowngradesSuccess(t *testing.T) {
	applier := &fakeApplier{result: ApplicationResult{
		Success:  true,
		CommitID: "c1",
		Health:   HealthResult{Success: false, Error: "bgp peer down"},
	}}
	events := &fakeEventRecorder{}
	mgr, _ := newTestManager(t, applier, events)

	result, err := mgr.ExecutePipeline(context.Background(), nil, "router1", config.ModeAutonomous, &RolloutContext{RunID: "run1"})
	if err != nil {
		t.Fatalf("ExecutePipeline() error = %v", err)
	}
	if result.Success || result.ErrorCode != "HEALTH_CHECK_FAILED" {
		t.Fatalf("ExecutePipeline() = %+v, want downgraded HEALTH_CHECK_FAILED", result)
	}
	if result.CommitID != "c1" {
		t.Fatalf("ExecutePipeline() CommitID = %q, want c1 preserved despite downgrade", result.CommitID)
	}
	if len(events.events) != 1 || events.events[0] != "pipeline_failed" {
		t.Fatalf("events = %+v, want [pipeline_failed]", events.events)
	}
}

func TestExecutePipelineGuardrailFailureSkipsApplier(t *testing.T) {
	applier := &fakeApplier{result: ApplicationResult{Success: true}}
	logger := zaptest.NewLogger(t)
	cfg := config.Defaults().Guardrail
	cfg.MaxPrefixesPerAS = 1
	reg := guardrail.NewRegistry(cfg, nil, logger, nil)
	notifier := observability.NewNotifier(config.NotificationConfig{Enabled: false})
	mgr := NewManager(reg, applier, notifier, nil, logger)

	policies := []guardrail.PolicyPrefix{{ASN: 1, Prefixes: []string{"1.1.1.0/24", "2.2.2.0/24"}}}
	result, err := mgr.ExecutePipeline(context.Background(), policies, "router1", config.ModeSystem, nil)
	if err != nil {
		t.Fatalf("ExecutePipeline() error = %v", err)
	}
	if result.Success || result.ErrorCode != "VALIDATION_FAILED" {
		t.Fatalf("ExecutePipeline() = %+v, want VALIDATION_FAILED", result)
	}
	if applier.calls != 0 {
		t.Fatal("applier should not be invoked when guardrails fail")
	}
}

func TestCheckpointsChainHashes(t *testing.T) {
	applier := &fakeApplier{result: ApplicationResult{Success: true}}
	mgr, _ := newTestManager(t, applier, nil)

	if _, err := mgr.ExecutePipeline(context.Background(), nil, "r1", config.ModeSystem, nil); err != nil {
		t.Fatalf("ExecutePipeline() error = %v", err)
	}
	if _, err := mgr.ExecutePipeline(context.Background(), nil, "r2", config.ModeSystem, nil); err != nil {
		t.Fatalf("ExecutePipeline() error = %v", err)
	}

	cps := mgr.Checkpoints()
	if len(cps) != 2 {
		t.Fatalf("len(Checkpoints()) = %d, want 2", len(cps))
	}
	if cps[1].PrevHash != cps[0].Hash {
		t.Fatalf("second checkpoint PrevHash = %q, want %q (chained to first)", cps[1].PrevHash, cps[0].Hash)
	}
	if cps[0].Hash == "" || cps[1].Hash == "" {
		t.Fatal("checkpoint hashes must not be empty")
	}
}

func TestRunRollbackCallbacksExecutesAllOutsideLock(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeApplier{}, nil)

	var ran []string
	mgr.AddRollbackCallback(func(ctx context.Context) error {
		ran = append(ran, "first")
		return nil
	})
	mgr.AddRollbackCallback(func(ctx context.Context) error {
		ran = append(ran, "second")
		return errors.New("rollback step failed")
	})

	errs := mgr.RunRollbackCallbacks(context.Background())
	if len(errs) != 1 {
		t.Fatalf("len(errs) = %d, want 1", len(errs))
	}
	if len(ran) != 2 {
		t.Fatalf("ran = %v, want both callbacks invoked", ran)
	}
}
