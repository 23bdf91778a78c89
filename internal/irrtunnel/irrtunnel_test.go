package irrtunnel

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/networksandchill/otto-bgp/internal/config"
)

func TestAllocatePortStaysWithinConfiguredRange(t *testing.T) {
	cfg := config.IRRTunnelConfig{LocalPortMin: 43001, LocalPortMax: 43003}
	m := New(cfg, zaptest.NewLogger(t))

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		port, err := m.allocatePort()
		if err != nil {
			t.Fatalf("allocatePort() error = %v", err)
		}
		if port < cfg.LocalPortMin || port > cfg.LocalPortMax {
			t.Fatalf("allocatePort() = %d, want in [%d, %d]", port, cfg.LocalPortMin, cfg.LocalPortMax)
		}
		m.allocatedPorts[port] = true
		seen[port] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct ports, got %v", seen)
	}
	if _, err := m.allocatePort(); err == nil {
		t.Fatal("allocatePort() should error once the range is exhausted")
	}
}

func TestMappingEmptyWhenNoTunnelsEstablished(t *testing.T) {
	m := New(config.IRRTunnelConfig{}, zaptest.NewLogger(t))
	if got := m.Mapping(); len(got) != 0 {
		t.Fatalf("Mapping() = %v, want empty", got)
	}
}
