package exitcode

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestExitReturnsCodeUnchanged(t *testing.T) {
	c := New(zap.NewNop(), nil)
	got := c.Exit(context.Background(), HealthCheckFailed, "health probe timed out")
	if got != HealthCheckFailed {
		t.Errorf("Exit() = %d, want %d", got, HealthCheckFailed)
	}
}

func TestCodeStringKnownValues(t *testing.T) {
	cases := map[Code]string{
		Success:                     "success",
		ConcurrentOperationConflict: "concurrent_operation_conflict",
		HealthCheckFailed:           "health_check_failed",
		SIGINTReceived:              "sigint",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("Code(%d).String() = %q, want %q", code, got, want)
		}
	}
}

func TestCodeStringUnknown(t *testing.T) {
	if got := Code(99).String(); got != "unknown" {
		t.Errorf("Code(99).String() = %q, want %q", got, "unknown")
	}
}
