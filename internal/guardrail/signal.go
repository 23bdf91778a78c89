package guardrail

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// SignalGuardrail (G4) installs handlers for SIGINT, SIGTERM, and SIGUSR1
// (reload). The signal handler itself does no work beyond forwarding the
// received value onto a buffered channel; a dedicated goroutine drains it
// and drives shutdown, never running application logic in signal context.
type SignalGuardrail struct {
	logger     *zap.Logger
	onShutdown func(ctx context.Context)

	mu      sync.Mutex
	started bool
	sigCh   chan os.Signal
}

func NewSignalGuardrail(logger *zap.Logger, onShutdown func(ctx context.Context)) *SignalGuardrail {
	return &SignalGuardrail{logger: logger, onShutdown: onShutdown, sigCh: make(chan os.Signal, 4)}
}

func (g *SignalGuardrail) Name() string    { return "signal_handling" }
func (g *SignalGuardrail) IsEnabled() bool { return true } // mandatory, cannot be disabled

// Check installs the handlers on first invocation (idempotent) and always
// reports pass — the guardrail's safety value is the installed handler,
// not a per-run verdict.
func (g *SignalGuardrail) Check(_ context.Context, _ CheckContext) (GuardrailResult, error) {
	g.Start()
	return GuardrailResult{
		Name: g.Name(), Passed: true, RiskLevel: RiskLow,
		Message:   "signal handlers installed",
		Timestamp: time.Now().UTC(),
	}, nil
}

// Start installs the OS signal handlers and begins the draining goroutine.
// Safe to call multiple times; only the first call takes effect.
func (g *SignalGuardrail) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true

	signal.Notify(g.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go g.drain()
}

func (g *SignalGuardrail) drain() {
	terminating := false
	for sig := range g.sigCh {
		s, ok := sig.(syscall.Signal)
		if !ok {
			continue
		}
		switch s {
		case syscall.SIGUSR1:
			g.logger.Info("SIGUSR1 received — reload requested")
			continue
		case syscall.SIGINT, syscall.SIGTERM:
			if terminating {
				g.logger.Warn("second termination signal received — forcing immediate exit", zap.String("signal", s.String()))
				os.Exit(128 + int(s))
			}
			terminating = true
			g.logger.Info("shutdown signal received", zap.String("signal", s.String()))
			g.runShutdown(s)
		}
	}
}

func (g *SignalGuardrail) runShutdown(s syscall.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if g.onShutdown != nil {
			g.onShutdown(ctx)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("rollback callback budget exceeded", zap.Duration("budget", 30*time.Second))
	}

	os.Exit(128 + int(s))
}
