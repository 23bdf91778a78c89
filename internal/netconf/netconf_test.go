package netconf

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/safety"
)

type fakeSession struct {
	diff           string
	commitCheckErr error
	commitErr      error
	health         safety.HealthResult
	commitCount    int
	rollbackCount  int
	unlockCount    int
	closeCount     int
}

func (f *fakeSession) Lock() error   { return nil }
func (f *fakeSession) Unlock() error { f.unlockCount++; return nil }
func (f *fakeSession) LoadMerge(string) error { return nil }
func (f *fakeSession) Diff() (string, error)  { return f.diff, nil }
func (f *fakeSession) CommitCheck() error     { return f.commitCheckErr }
func (f *fakeSession) Commit(comment string, confirmMinutes int) (string, error) {
	f.commitCount++
	if f.commitErr != nil {
		return "", f.commitErr
	}
	return "commit-1", nil
}
func (f *fakeSession) Rollback() error { f.rollbackCount++; return nil }
func (f *fakeSession) HealthCheck(context.Context, int) safety.HealthResult { return f.health }
func (f *fakeSession) Close() error                                        { f.closeCount++; return nil }

func testNetconfConfig() config.NetconfConfig {
	return config.Defaults().Netconf
}

func TestApplyNoChangesRollsBackAndReportsSuccess(t *testing.T) {
	s := &fakeSession{diff: ""}
	a := NewApplierWithDialer(testNetconfConfig(), zaptest.NewLogger(t), func(context.Context, string) (Session, error) { return s, nil })

	result, err := a.Apply(context.Background(), safety.ApplyRequest{Hostname: "r1", Mode: config.ModeSystem})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success no-op", result)
	}
	if s.commitCount != 0 || s.rollbackCount != 1 {
		t.Fatalf("commitCount=%d rollbackCount=%d, want 0/1", s.commitCount, s.rollbackCount)
	}
}

func TestApplyCommitCheckFailureRollsBack(t *testing.T) {
	s := &fakeSession{diff: "+set policy-options prefix-list AS1 1.1.1.0/24", commitCheckErr: errors.New("syntax error")}
	a := NewApplierWithDialer(testNetconfConfig(), zaptest.NewLogger(t), func(context.Context, string) (Session, error) { return s, nil })

	result, err := a.Apply(context.Background(), safety.ApplyRequest{Hostname: "r1", Mode: config.ModeSystem})
	if err == nil {
		t.Fatal("Apply() error = nil, want commit-check failure")
	}
	if result.Success || result.ErrorCode != "COMMIT_CHECK_FAILED" {
		t.Fatalf("result = %+v, want COMMIT_CHECK_FAILED", result)
	}
	if s.rollbackCount != 1 {
		t.Fatalf("rollbackCount = %d, want 1", s.rollbackCount)
	}
}

func TestApplyCommitFailureRollsBack(t *testing.T) {
	s := &fakeSession{diff: "+set policy-options prefix-list AS1 1.1.1.0/24", commitErr: errors.New("commit rejected")}
	a := NewApplierWithDialer(testNetconfConfig(), zaptest.NewLogger(t), func(context.Context, string) (Session, error) { return s, nil })

	result, err := a.Apply(context.Background(), safety.ApplyRequest{Hostname: "r1", Mode: config.ModeSystem})
	if err == nil {
		t.Fatal("Apply() error = nil, want commit failure")
	}
	if result.Success || result.ErrorCode != "NETCONF_COMMIT_FAILED" {
		t.Fatalf("result = %+v, want NETCONF_COMMIT_FAILED", result)
	}
	if s.rollbackCount != 1 {
		t.Fatalf("rollbackCount = %d, want 1", s.rollbackCount)
	}
}

func TestApplySuccessManualModeDoesNotIssueSecondCommit(t *testing.T) {
	s := &fakeSession{diff: "+set policy-options prefix-list AS1 1.1.1.0/24", health: safety.HealthResult{Success: true}}
	a := NewApplierWithDialer(testNetconfConfig(), zaptest.NewLogger(t), func(context.Context, string) (Session, error) { return s, nil })

	result, err := a.Apply(context.Background(), safety.ApplyRequest{Hostname: "r1", Mode: config.ModeSystem})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !result.Success || result.CommitID != "commit-1" {
		t.Fatalf("result = %+v, want success with commit-1", result)
	}
	if s.commitCount != 1 {
		t.Fatalf("commitCount = %d, want 1 (no second commit under manual mode)", s.commitCount)
	}
}

func TestApplySuccessAutonomousModeHealthyIssuesSecondCommit(t *testing.T) {
	s := &fakeSession{diff: "+set policy-options prefix-list AS1 1.1.1.0/24", health: safety.HealthResult{Success: true}}
	a := NewApplierWithDialer(testNetconfConfig(), zaptest.NewLogger(t), func(context.Context, string) (Session, error) { return s, nil })

	result, err := a.Apply(context.Background(), safety.ApplyRequest{Hostname: "r1", Mode: config.ModeAutonomous})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if s.commitCount != 2 {
		t.Fatalf("commitCount = %d, want 2 (confirmed + auto-finalize)", s.commitCount)
	}
}

func TestApplySuccessAutonomousModeUnhealthyLeavesTimerToExpire(t *testing.T) {
	// The applier itself still reports the confirmed commit as having
	// landed (CommitID set, no rollback) — it never forces a rollback on a
	// failed health check, leaving the router's own hold timer to revert
	// it. Whether that counts as an overall pipeline success is
	// safety.Manager.ExecutePipeline's call, one layer up, which downgrades
	// on Health.Success == false.
	s := &fakeSession{diff: "+set policy-options prefix-list AS1 1.1.1.0/24", health: safety.HealthResult{Success: false, Error: "bgp peer down"}}
	a := NewApplierWithDialer(testNetconfConfig(), zaptest.NewLogger(t), func(context.Context, string) (Session, error) { return s, nil })

	result, err := a.Apply(context.Background(), safety.ApplyRequest{Hostname: "r1", Mode: config.ModeAutonomous})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !result.Success || result.CommitID != "commit-1" {
		t.Fatalf("result = %+v, want applier-level success with commit-1 (commit landed)", result)
	}
	if result.Health.Success {
		t.Fatalf("result.Health = %+v, want unhealthy", result.Health)
	}
	if s.commitCount != 1 {
		t.Fatalf("commitCount = %d, want 1 (no second commit, no rollback, timer expires)", s.commitCount)
	}
	if s.rollbackCount != 0 {
		t.Fatalf("rollbackCount = %d, want 0", s.rollbackCount)
	}
}

func TestApplyPreviewModeNeverCommits(t *testing.T) {
	s := &fakeSession{diff: "+set policy-options prefix-list AS1 1.1.1.0/24"}
	a := NewApplierWithDialer(testNetconfConfig(), zaptest.NewLogger(t), func(context.Context, string) (Session, error) { return s, nil })
	a.Preview = true

	result, err := a.Apply(context.Background(), safety.ApplyRequest{Hostname: "r1", Mode: config.ModeSystem})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !result.Success || s.commitCount != 0 || s.rollbackCount != 1 {
		t.Fatalf("result=%+v commitCount=%d rollbackCount=%d, want preview no-commit", result, s.commitCount, s.rollbackCount)
	}
}

func TestRenderPolicyBundleProducesMergeModePrefixLists(t *testing.T) {
	text := renderPolicyBundle([]guardrail.PolicyPrefix{{ASN: 65000, Prefixes: []string{"1.1.1.0/24", "2.2.2.0/23"}}})
	if !strings.Contains(text, "replace: prefix-list AS65000") || !strings.Contains(text, "1.1.1.0/24;") {
		t.Fatalf("renderPolicyBundle() = %q, missing expected prefix-list content", text)
	}
}
