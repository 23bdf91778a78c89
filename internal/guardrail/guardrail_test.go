package guardrail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/networksandchill/otto-bgp/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

func testGuardrailConfig() config.GuardrailConfig {
	return config.Defaults().Guardrail
}

func TestPrefixCountGuardrailPassesUnderThreshold(t *testing.T) {
	g := NewPrefixCountGuardrail(testGuardrailConfig(), true)
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: []string{"1.1.1.0/24"}}}}
	r, err := g.Check(context.Background(), gctx)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !r.Passed || r.RiskLevel != RiskLow {
		t.Fatalf("Check() = %+v, want passed/low", r)
	}
}

func TestPrefixCountGuardrailFailsOverPerASMax(t *testing.T) {
	cfg := testGuardrailConfig()
	cfg.MaxPrefixesPerAS = 1
	g := NewPrefixCountGuardrail(cfg, true)
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: []string{"1.1.1.0/24", "2.2.2.0/24"}}}}
	r, _ := g.Check(context.Background(), gctx)
	if r.Passed || r.RiskLevel != RiskCritical {
		t.Fatalf("Check() = %+v, want failed/critical", r)
	}
}

func TestPrefixCountGuardrailFailsOnWarningThresholdCrossingByDefault(t *testing.T) {
	cfg := testGuardrailConfig()
	cfg.MaxTotalPrefixes = 100
	cfg.WarningThreshold = 0.5
	cfg.CriticalThreshold = 0.9
	cfg.PrefixCountStrictness = "high"
	g := NewPrefixCountGuardrail(cfg, true)
	prefixes := make([]string, 60)
	for i := range prefixes {
		prefixes[i] = fmt.Sprintf("10.0.%d.0/24", i)
	}
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: prefixes}}}
	r, _ := g.Check(context.Background(), gctx)
	if r.Passed || r.RiskLevel != RiskMedium {
		t.Fatalf("Check() = %+v, want failed/medium on warning-threshold crossing at non-low strictness", r)
	}
}

func TestPrefixCountGuardrailLowStrictnessToleratesWarningCrossing(t *testing.T) {
	cfg := testGuardrailConfig()
	cfg.MaxTotalPrefixes = 100
	cfg.WarningThreshold = 0.5
	cfg.CriticalThreshold = 0.9
	cfg.PrefixCountStrictness = "low"
	g := NewPrefixCountGuardrail(cfg, true)
	prefixes := make([]string, 60)
	for i := range prefixes {
		prefixes[i] = fmt.Sprintf("10.0.%d.0/24", i)
	}
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: prefixes}}}
	r, _ := g.Check(context.Background(), gctx)
	if !r.Passed || r.RiskLevel != RiskMedium {
		t.Fatalf("Check() = %+v, want passed/medium under low strictness", r)
	}
}

func TestBogonGuardrailStrictFailsOnPrivate(t *testing.T) {
	g := NewBogonGuardrail("strict", true)
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: []string{"10.0.0.0/24"}}}}
	r, _ := g.Check(context.Background(), gctx)
	if r.Passed {
		t.Fatal("strict bogon guardrail should fail on RFC 1918 private range")
	}
}

func TestBogonGuardrailMediumToleratesPrivate(t *testing.T) {
	// Medium strictness tolerates an RFC 1918 private hit: the check passes
	// with a medium-risk warning rather than failing.
	g := NewBogonGuardrail("medium", true)
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: []string{"10.0.0.0/24"}}}}
	r, _ := g.Check(context.Background(), gctx)
	if !r.Passed || r.RiskLevel != RiskMedium {
		t.Fatalf("Check() = %+v, want passed/medium under medium strictness", r)
	}
}

func TestBogonGuardrailLowToleratesPrivate(t *testing.T) {
	g := NewBogonGuardrail("low", true)
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: []string{"10.0.0.0/24"}}}}
	r, _ := g.Check(context.Background(), gctx)
	if !r.Passed || r.RiskLevel != RiskMedium {
		t.Fatalf("Check() = %+v, want passed/medium under low strictness", r)
	}
}

func TestBogonGuardrailMediumFailsCriticalOnMulticast(t *testing.T) {
	g := NewBogonGuardrail("medium", true)
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: []string{"224.0.0.0/24"}}}}
	r, _ := g.Check(context.Background(), gctx)
	if r.Passed || r.RiskLevel != RiskCritical {
		t.Fatalf("Check() = %+v, want failed/critical on multicast under medium strictness", r)
	}
}

func TestBogonGuardrailPassesOnRoutablePrefix(t *testing.T) {
	g := NewBogonGuardrail("strict", true)
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: []string{"8.8.8.0/24"}}}}
	r, _ := g.Check(context.Background(), gctx)
	if !r.Passed {
		t.Fatalf("Check() = %+v, want passed for routable prefix", r)
	}
}

func TestConcurrentOperationGuardrailAcquiresAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otto-bgp.lock")
	g := NewConcurrentOperationGuardrail(path, testLogger(t))

	r, err := g.Check(context.Background(), CheckContext{})
	if err != nil || !r.Passed {
		t.Fatalf("Check() = %+v, err=%v, want passed", r, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}
	if err := g.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("lock file still present after Release()")
	}
}

func TestConcurrentOperationGuardrailFailsWhenLiveOwnerHoldsLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otto-bgp.lock")
	if err := os.WriteFile(path, []byte("1"), 0o644); err != nil { // PID 1 is always alive
		t.Fatalf("WriteFile: %v", err)
	}
	g := NewConcurrentOperationGuardrail(path, testLogger(t))
	r, err := g.Check(context.Background(), CheckContext{})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if r.Passed {
		t.Fatal("Check() should fail when lock is held by a live PID")
	}
}

func TestConcurrentOperationGuardrailReapsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otto-bgp.lock")
	// PID 999999 is extremely unlikely to be alive.
	if err := os.WriteFile(path, []byte("999999"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	g := NewConcurrentOperationGuardrail(path, testLogger(t))
	r, err := g.Check(context.Background(), CheckContext{})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !r.Passed {
		t.Fatalf("Check() = %+v, want passed after reaping stale lock", r)
	}
}

func TestRunAllAggregatesOverallRisk(t *testing.T) {
	cfg := testGuardrailConfig()
	cfg.MaxPrefixesPerAS = 1
	guardrails := []Guardrail{
		NewPrefixCountGuardrail(cfg, true),
		NewBogonGuardrail("strict", true),
	}
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: []string{"1.1.1.0/24", "2.2.2.0/24"}}}}
	result := RunAll(context.Background(), guardrails, gctx, testLogger(t))
	if result.SafeToProceed {
		t.Fatal("SafeToProceed should be false when a guardrail fails critically")
	}
	if result.OverallRiskLevel != RiskCritical {
		t.Fatalf("OverallRiskLevel = %v, want critical", result.OverallRiskLevel)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("len(Errors) = %d, want 1", len(result.Errors))
	}
}

func TestNewRegistryEmergencyOverrideExcludesGuardrailAndAudits(t *testing.T) {
	cfg := testGuardrailConfig()
	cfg.EmergencyOverride = map[string]config.EmergencyOverrideEntry{
		"bogon": {Operator: "oncall", Reason: "known false positive during migration"},
	}
	reg := NewRegistry(cfg, nil, testLogger(t), nil)

	for _, g := range reg.Guardrails() {
		if g.Name() == "bogon" {
			t.Fatal("bogon guardrail should be excluded under emergency_override")
		}
	}
	if len(reg.AuditEvents) != 1 || reg.AuditEvents[0].GuardrailName != "bogon" {
		t.Fatalf("AuditEvents = %+v, want one entry for bogon", reg.AuditEvents)
	}
}

func TestRunAllSafeToProceedWhenAllPass(t *testing.T) {
	guardrails := []Guardrail{
		NewPrefixCountGuardrail(testGuardrailConfig(), true),
		NewBogonGuardrail("strict", true),
	}
	gctx := CheckContext{Policies: []PolicyPrefix{{ASN: 1, Prefixes: []string{"8.8.8.0/24"}}}}
	result := RunAll(context.Background(), guardrails, gctx, testLogger(t))
	if !result.SafeToProceed {
		t.Fatalf("SafeToProceed = false, want true: %+v", result)
	}
}

