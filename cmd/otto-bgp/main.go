// Package main — cmd/otto-bgp/main.go
//
// Otto BGP entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/otto-bgp/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the rollout event store (BoltDB).
//  4. Prune stale events past the retention window.
//  5. Load the VRP dataset and (optional) allowlist; build the RPKI validator.
//  6. Build the guardrail registry (G1, G1.5, G2-G4).
//  7. Build the Unified Safety Manager, NETCONF applier, and rollout coordinator.
//  8. Build the bgpq4 generator and (optional) IRR tunnel manager.
//  9. Start the operator control surface (if enabled).
// 10. Register SIGINT/SIGTERM for graceful shutdown.
// 11. Run the pipeline for the router profiles given on the command line.
//
// On config validation failure: exit 1 immediately.
// Process exit codes for pipeline outcomes are mapped by internal/exitcode.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/bgpq4"
	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/eventstore"
	"github.com/networksandchill/otto-bgp/internal/exitcode"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/irrtunnel"
	"github.com/networksandchill/otto-bgp/internal/netconf"
	"github.com/networksandchill/otto-bgp/internal/observability"
	"github.com/networksandchill/otto-bgp/internal/operator"
	"github.com/networksandchill/otto-bgp/internal/pipeline"
	"github.com/networksandchill/otto-bgp/internal/ratelimit"
	"github.com/networksandchill/otto-bgp/internal/rollout"
	"github.com/networksandchill/otto-bgp/internal/rpki"
	"github.com/networksandchill/otto-bgp/internal/safety"
	"github.com/networksandchill/otto-bgp/internal/vrpstore"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/otto-bgp/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	coordinated := flag.Bool("coordinated", false, "Run a staged multi-router rollout instead of per-router direct apply")
	flag.Parse()

	if *version {
		fmt.Printf("otto-bgp %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(int(exitcode.GeneralError))
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(int(exitcode.GeneralError))
	}
	defer log.Sync() //nolint:errcheck

	log.Info("otto-bgp starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("mode", string(cfg.Mode)),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := observability.NewNotifier(cfg.Notification)
	coder := exitcode.New(log, notifier)

	// ── Step 3: Open event store ──────────────────────────────────────────────
	store, err := eventstore.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("event store open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer store.Close() //nolint:errcheck
	log.Info("event store opened", zap.String("path", cfg.Storage.DBPath))

	// ── Step 4: Prune stale events ─────────────────────────────────────────────
	if pruned, err := store.PruneOldEvents(); err != nil {
		log.Warn("event pruning failed", zap.Error(err))
	} else {
		log.Info("stale events pruned", zap.Int("deleted", pruned))
	}

	// ── Step 5: RPKI validator ─────────────────────────────────────────────────
	var validator *rpki.Validator
	if cfg.RPKI.Enabled {
		dataset, err := vrpstore.LoadFrom(cfg.RPKI.VRPCachePath, vrpstore.FormatAuto)
		if err != nil {
			log.Error("VRP dataset load failed — validator will fail closed/open per config", zap.Error(err))
		}
		var allowlist *rpki.Allowlist
		if cfg.RPKI.AllowlistPath != "" {
			allowlist, err = rpki.LoadAllowlist(cfg.RPKI.AllowlistPath)
			if err != nil {
				log.Warn("allowlist load failed — continuing without overlay", zap.Error(err))
			}
		}
		validator = rpki.New(dataset, cfg.RPKI.MaxAge, cfg.RPKI.FailClosed, allowlist)
		log.Info("RPKI validator ready", zap.String("vrp_cache", cfg.RPKI.VRPCachePath))
	}

	// ── Step 6: Guardrail registry ─────────────────────────────────────────────
	registry := guardrail.NewRegistry(cfg.Guardrail, validator, log, func(context.Context) {
		log.Info("guardrail-triggered shutdown callback invoked")
	})

	// ── Step 7: Safety manager, NETCONF applier, rollout coordinator ──────────
	pendingRegistry := netconf.NewRegistry()
	applier := netconf.NewApplier(cfg.Netconf, log)
	applier.Registry = pendingRegistry

	safetyMgr := safety.NewManager(registry, applier, notifier, store, log)
	coord := rollout.NewCoordinator(cfg.Rollout, cfg.Mode, safetyMgr, store, log)

	// ── Step 8: bgpq4 generator, IRR tunnel ───────────────────────────────────
	bucket := ratelimit.New(cfg.BGPQ4.MaxWorkers*2, time.Second)
	generator := bgpq4.New(cfg.BGPQ4, bucket, log)

	if cfg.IRRTunnel.Enabled {
		tunnelMgr := irrtunnel.New(cfg.IRRTunnel, log)
		defer tunnelMgr.CleanupAll()
		specs := []irrtunnel.TunnelSpec{{Name: "irr", RemoteHost: cfg.IRRTunnel.RemoteHost, RemotePort: cfg.IRRTunnel.RemotePort}}
		if n, err := tunnelMgr.EstablishAll(ctx, specs); err != nil {
			log.Error("IRR tunnel establishment failed", zap.Error(err))
		} else {
			log.Info("IRR tunnels established", zap.Int("count", n))
		}
	}

	pipe := pipeline.New(generator, safetyMgr, coord, cfg.Mode, log)

	// ── Step 9: Operator control surface ──────────────────────────────────────
	if cfg.Operator.Enabled {
		opServer := operator.NewServer(cfg.Operator.SocketPath, coord, pendingRegistry, applier, log)
		go func() {
			if err := opServer.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator control surface started", zap.String("socket", cfg.Operator.SocketPath))
	}

	// ── Step 10: Signal handling ───────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ── Step 11: Run the pipeline ──────────────────────────────────────────────
	// Router profiles (hostname + discovered AS numbers) arrive from an
	// external collaborator this binary doesn't implement (see SPEC_FULL.md's
	// Non-goals on SSH collection/AS discovery). This reads them from the
	// remaining command-line arguments as hostname:AS,AS,... arguments for the
	// smallest possible wiring surface.
	profiles, err := parseProfiles(flag.Args())
	if err != nil {
		log.Error("invalid router profile arguments", zap.Error(err))
		os.Exit(int(coder.Exit(ctx, exitcode.InvalidUsage, err.Error())))
	}
	if len(profiles) == 0 {
		log.Info("no router profiles given — nothing to do")
		return
	}

	if *coordinated {
		runID, err := pipe.RunCoordinated(ctx, profiles, "cli")
		if err != nil {
			os.Exit(int(coder.Exit(ctx, exitcode.SafetyCheckFailed, err.Error())))
		}
		log.Info("coordinated rollout started", zap.String("run_id", runID))
		coder.Exit(ctx, exitcode.Success, "coordinated rollout started")
		return
	}

	result := pipe.RunDirect(ctx, profiles)
	log.Info("direct pipeline complete",
		zap.Int("routers_processed", result.RoutersProcessed),
		zap.Int("policies_generated", result.PoliciesGenerated),
		zap.Int("errors", len(result.Errors)))

	code, reason := mapDirectOutcome(result)
	os.Exit(int(coder.Exit(ctx, code, reason)))
}

// parseProfiles turns "hostname:AS,AS,..." CLI arguments into
// pipeline.RouterProfile values.
func parseProfiles(args []string) ([]pipeline.RouterProfile, error) {
	profiles := make([]pipeline.RouterProfile, 0, len(args))
	for _, arg := range args {
		hostname, asList, found := strings.Cut(arg, ":")
		if !found || hostname == "" {
			return nil, fmt.Errorf("malformed router profile %q, want hostname:AS,AS,...", arg)
		}
		var asns []uint32
		for _, part := range strings.Split(asList, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			n, err := strconv.ParseUint(part, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("router profile %q: invalid AS number %q: %w", arg, part, err)
			}
			asns = append(asns, uint32(n))
		}
		profiles = append(profiles, pipeline.RouterProfile{Hostname: hostname, ASNumbers: asns})
	}
	return profiles, nil
}

// mapDirectOutcome reduces a RunResult to a single process exit code by
// mapping the error code of the first failed application result it meets
// (the S3-S5 error-code-to-exit-code mapping). Applications is a map, so
// when several routers failed, which router's code decides is not defined.
func mapDirectOutcome(result pipeline.RunResult) (exitcode.Code, string) {
	for _, app := range result.Applications {
		if app.Success {
			continue
		}
		switch app.ErrorCode {
		case "VALIDATION_FAILED":
			return exitcode.ValidationFailed, app.ErrorMessage
		case "HEALTH_CHECK_FAILED":
			return exitcode.HealthCheckFailed, app.ErrorMessage
		case "NETCONF_CONNECT_FAILED", "HOST_KEY_MISMATCH":
			return exitcode.NetconfConnectionFailed, app.ErrorMessage
		case "ROLLBACK_FAILED":
			return exitcode.RollbackFailed, app.ErrorMessage
		case "COMMIT_CHECK_FAILED", "NETCONF_COMMIT_FAILED":
			return exitcode.PolicyValidationFailed, app.ErrorMessage
		default:
			return exitcode.SafetyCheckFailed, app.ErrorMessage
		}
	}
	if len(result.Errors) > 0 {
		return exitcode.BGPQ4ExecutionFailed, strings.Join(result.Errors, "; ")
	}
	return exitcode.Success, "direct pipeline complete"
}
