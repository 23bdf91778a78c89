package operator

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/netconf"
	"github.com/networksandchill/otto-bgp/internal/observability"
	"github.com/networksandchill/otto-bgp/internal/rollout"
	"github.com/networksandchill/otto-bgp/internal/safety"
)

type fakeApplier struct{}

func (fakeApplier) Apply(_ context.Context, req safety.ApplyRequest) (safety.ApplicationResult, error) {
	return safety.ApplicationResult{Success: true, CommitID: "c-" + req.Hostname}, nil
}

type fakeStore struct{}

func (fakeStore) SaveRun(rollout.RunRecord) error       { return nil }
func (fakeStore) SaveStage(rollout.StageRecord) error   { return nil }
func (fakeStore) SaveTarget(rollout.TargetRecord) error { return nil }
func (fakeStore) RecordEvent(context.Context, string, string, map[string]any) error {
	return nil
}

func newTestServer(t *testing.T, pending PendingLister, finalizer Finalizer) (*Server, *rollout.Coordinator) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := guardrail.NewRegistry(config.Defaults().Guardrail, nil, logger, nil)
	notifier := observability.NewNotifier(config.NotificationConfig{Enabled: false})
	mgr := safety.NewManager(reg, fakeApplier{}, notifier, fakeStore{}, logger)
	coord := rollout.NewCoordinator(config.RolloutConfig{Strategy: "blast", Concurrency: 2}, config.ModeSystem, mgr, fakeStore{}, logger)
	return NewServer("", coord, pending, finalizer, logger), coord
}

func planTestRun(t *testing.T, coord *rollout.Coordinator) string {
	t.Helper()
	devices := []rollout.Device{{Hostname: "r1.example.net"}}
	policies := map[string][]guardrail.PolicyPrefix{"r1.example.net": {{ASN: 65000, Prefixes: []string{"8.8.8.0/24"}}}}
	runID, err := coord.PlanRun(context.Background(), devices, policies, "operator")
	if err != nil {
		t.Fatalf("PlanRun() error = %v", err)
	}
	return runID
}

func TestCmdStatusReturnsRunTree(t *testing.T) {
	srv, coord := newTestServer(t, nil, nil)
	runID := planTestRun(t, coord)

	resp := srv.dispatch(context.Background(), Request{Cmd: "status", RunID: runID})
	if !resp.OK {
		t.Fatalf("status dispatch failed: %s", resp.Error)
	}
	if resp.Run == nil || len(resp.Run.Stages) == 0 {
		t.Fatalf("status response missing stages: %+v", resp)
	}
	if resp.Run.Stages[0].Targets[0].Hostname != "r1.example.net" {
		t.Fatalf("unexpected target hostname: %+v", resp.Run.Stages[0].Targets[0])
	}
}

func TestCmdStatusUnknownRunErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil, nil)
	resp := srv.dispatch(context.Background(), Request{Cmd: "status", RunID: "nope"})
	if resp.OK {
		t.Fatal("status dispatch for unknown run should fail")
	}
}

type fakePendingLister struct {
	items map[string]netconf.PendingConfirmation
}

func (f *fakePendingLister) List() []netconf.PendingConfirmation {
	var out []netconf.PendingConfirmation
	for _, pc := range f.items {
		out = append(out, pc)
	}
	return out
}

func (f *fakePendingLister) Take(hostname string) (netconf.PendingConfirmation, bool) {
	pc, ok := f.items[hostname]
	if ok {
		delete(f.items, hostname)
	}
	return pc, ok
}

type fakeFinalizer struct {
	finalized []string
	err       error
}

func (f *fakeFinalizer) Finalize(_ context.Context, hostname, commitID string) error {
	if f.err != nil {
		return f.err
	}
	f.finalized = append(f.finalized, hostname+":"+commitID)
	return nil
}

func TestCmdConfirmResolvesTargetAndFinalizes(t *testing.T) {
	pending := &fakePendingLister{items: map[string]netconf.PendingConfirmation{
		"r1.example.net": {Hostname: "r1.example.net", CommitID: "c-r1.example.net", HoldMinutes: 5},
	}}
	finalizer := &fakeFinalizer{}
	srv, coord := newTestServer(t, pending, finalizer)
	runID := planTestRun(t, coord)

	run, err := coord.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	targetID := run.Stages[0].Targets[0].ID

	resp := srv.dispatch(context.Background(), Request{Cmd: "confirm", TargetID: targetID})
	if !resp.OK {
		t.Fatalf("confirm dispatch failed: %s", resp.Error)
	}
	if resp.Hostname != "r1.example.net" {
		t.Fatalf("confirm response hostname = %q, want r1.example.net", resp.Hostname)
	}
	if len(finalizer.finalized) != 1 {
		t.Fatalf("expected one finalize call, got %v", finalizer.finalized)
	}
	if _, ok := pending.items["r1.example.net"]; ok {
		t.Fatal("confirm should remove the pending confirmation")
	}
}

func TestCmdRejectDropsPendingWithoutFinalizing(t *testing.T) {
	pending := &fakePendingLister{items: map[string]netconf.PendingConfirmation{
		"r1.example.net": {Hostname: "r1.example.net", CommitID: "c-r1.example.net", HoldMinutes: 5},
	}}
	finalizer := &fakeFinalizer{}
	srv, coord := newTestServer(t, pending, finalizer)
	runID := planTestRun(t, coord)

	run, _ := coord.GetRun(runID)
	targetID := run.Stages[0].Targets[0].ID

	resp := srv.dispatch(context.Background(), Request{Cmd: "reject", TargetID: targetID})
	if !resp.OK {
		t.Fatalf("reject dispatch failed: %s", resp.Error)
	}
	if len(finalizer.finalized) != 0 {
		t.Fatalf("reject should never finalize, got %v", finalizer.finalized)
	}
	if _, ok := pending.items["r1.example.net"]; ok {
		t.Fatal("reject should remove the pending confirmation")
	}
}

func TestCmdConfirmUnknownTargetErrors(t *testing.T) {
	srv, _ := newTestServer(t, &fakePendingLister{items: map[string]netconf.PendingConfirmation{}}, &fakeFinalizer{})
	resp := srv.dispatch(context.Background(), Request{Cmd: "confirm", TargetID: "nope"})
	if resp.OK {
		t.Fatal("confirm dispatch for unknown target should fail")
	}
}
