package pipeline

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestRunCoordinatedErrorsWithoutCoordinator(t *testing.T) {
	p := New(nil, nil, nil, "", zaptest.NewLogger(t))
	_, err := p.RunCoordinated(context.Background(), nil, "operator")
	if err == nil {
		t.Fatal("RunCoordinated() with nil coordinator should error")
	}
}

func TestGeneratePoliciesSkipsRoutersWithNoASNumbers(t *testing.T) {
	p := New(nil, nil, nil, "", zaptest.NewLogger(t))
	profiles := []RouterProfile{
		{Hostname: "r1.example.net"},
		{Hostname: "r2.example.net"},
	}

	byHostname, generated, errs := p.generatePolicies(context.Background(), profiles)
	if len(byHostname) != 0 {
		t.Fatalf("generatePolicies() byHostname = %v, want empty", byHostname)
	}
	if generated != 0 {
		t.Fatalf("generatePolicies() generated = %d, want 0", generated)
	}
	if len(errs) != 0 {
		t.Fatalf("generatePolicies() errs = %v, want empty (routers with no AS numbers are skipped, not errored)", errs)
	}
}

func TestRunDirectReturnsZeroApplicationsWithNoProfiles(t *testing.T) {
	p := New(nil, nil, nil, "", zaptest.NewLogger(t))
	result := p.RunDirect(context.Background(), nil)
	if result.RoutersProcessed != 0 {
		t.Fatalf("RunDirect() RoutersProcessed = %d, want 0", result.RoutersProcessed)
	}
	if len(result.Applications) != 0 {
		t.Fatalf("RunDirect() Applications = %v, want empty", result.Applications)
	}
}
