package netconf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/safety"
)

// Dialer opens a Session to one router. Production code uses dialJunos;
// tests substitute a fake that never touches the network.
type Dialer func(ctx context.Context, hostname string) (Session, error)

// Applier drives the per-router apply pipeline (§4.5) and implements
// safety.Applier so the Unified Safety Manager can invoke it without
// importing this package.
type Applier struct {
	cfg    config.NetconfConfig
	dial   Dialer
	logger *zap.Logger

	// Preview, when true, performs steps 1 and 3 up to the diff, then
	// always rolls back without committing.
	Preview bool

	// Registry tracks commits left pending manual finalization in system
	// mode, for the operator control surface (C15). Nil disables tracking.
	Registry *Registry
}

// NewApplier builds an Applier that opens real NETCONF-over-SSH sessions.
func NewApplier(cfg config.NetconfConfig, logger *zap.Logger) *Applier {
	return &Applier{
		cfg:    cfg,
		logger: logger,
		dial: func(ctx context.Context, hostname string) (Session, error) {
			t, err := dialTransport(ctx, hostname, cfg.Port, cfg.Username, cfg.PrivateKeyFile, cfg.KnownHostsFile, cfg.SessionTimeout)
			if err != nil {
				return nil, err
			}
			return newJunosSession(t), nil
		},
	}
}

// NewApplierWithDialer builds an Applier against an injected Dialer, for
// tests that never touch the network.
func NewApplierWithDialer(cfg config.NetconfConfig, logger *zap.Logger, dial Dialer) *Applier {
	return &Applier{cfg: cfg, logger: logger, dial: dial}
}

// Apply implements safety.Applier. Guardrail validation (G1-G4) has
// already run by the time this is called — this method owns only the
// NETCONF-specific steps of §4.5: lock, load, diff, commit-check,
// confirmed commit, health check, finalization.
func (a *Applier) Apply(ctx context.Context, req safety.ApplyRequest) (safety.ApplicationResult, error) {
	session, err := a.dial(ctx, req.Hostname)
	if err != nil {
		return safety.ApplicationResult{Success: false, ErrorCode: errCode(err), ErrorMessage: err.Error()}, err
	}
	defer session.Close()

	if err := session.Lock(); err != nil {
		return safety.ApplicationResult{Success: false, ErrorCode: errCode(err), ErrorMessage: err.Error()}, err
	}
	defer session.Unlock()

	configText := renderPolicyBundle(req.Policies)
	if err := session.LoadMerge(configText); err != nil {
		session.Rollback()
		return safety.ApplicationResult{Success: false, ErrorCode: errCode(err), ErrorMessage: err.Error()}, err
	}

	diff, err := session.Diff()
	if err != nil {
		session.Rollback()
		return safety.ApplicationResult{Success: false, ErrorCode: errCode(err), ErrorMessage: err.Error()}, err
	}
	if strings.TrimSpace(diff) == "" {
		session.Rollback()
		a.logger.Info("no configuration changes required", zap.String("hostname", req.Hostname))
		return safety.ApplicationResult{Success: true}, nil
	}

	if a.Preview {
		session.Rollback()
		return safety.ApplicationResult{Success: true, ErrorMessage: diff}, nil
	}

	if err := session.CommitCheck(); err != nil {
		session.Rollback()
		if !errors.Is(err, ErrCommitCheckFailed) {
			err = fmt.Errorf("%w: %v", ErrCommitCheckFailed, err)
		}
		return safety.ApplicationResult{Success: false, ErrorCode: errCode(err), ErrorMessage: err.Error()}, err
	}

	holdMinutes := a.cfg.HoldMinutes
	if holdMinutes <= 0 {
		holdMinutes = 5
	}
	comment := fmt.Sprintf("otto-bgp: applied %d AS polic(ies)", len(req.Policies))
	commitID, err := session.Commit(comment, holdMinutes)
	if err != nil {
		session.Rollback()
		return safety.ApplicationResult{Success: false, ErrorCode: errCode(err), ErrorMessage: err.Error()}, err
	}
	a.logger.Info("confirmed commit issued", zap.String("hostname", req.Hostname), zap.String("commit_id", commitID), zap.Int("hold_minutes", holdMinutes))

	healthCtx, cancel := context.WithTimeout(ctx, a.cfg.HealthCheckTimeout)
	health := session.HealthCheck(healthCtx, a.cfg.MinEstablishedPeers)
	cancel()

	strategy := StrategyFor(req.Mode, holdMinutes, req.Hostname, a.logger, a.Registry)
	info := CommitInfo{CommitID: commitID, Timestamp: time.Now().UTC(), Success: true}
	if err := strategy.Execute(session, info, health); err != nil {
		a.logger.Error("finalization strategy error", zap.String("hostname", req.Hostname), zap.Error(err))
	}

	return safety.ApplicationResult{
		Success:  true,
		CommitID: commitID,
		Health:   safety.HealthResult{Success: health.Success, Details: health.Details, Error: health.Error},
	}, nil
}

// Finalize issues the second, unconfirmed commit an operator chose to
// send manually after reviewing a pending confirmation (C15's confirm
// command). It opens a fresh session — the one the original commit used
// is long closed by the time an operator acts.
func (a *Applier) Finalize(ctx context.Context, hostname, commitID string) error {
	session, err := a.dial(ctx, hostname)
	if err != nil {
		return fmt.Errorf("netconf: dial %s to finalize %s: %w", hostname, commitID, err)
	}
	defer session.Close()

	comment := fmt.Sprintf("otto-bgp operator-confirmed: %s", commitID)
	if _, err := session.Commit(comment, 0); err != nil {
		return fmt.Errorf("netconf: finalize commit on %s: %w", hostname, err)
	}
	a.logger.Info("commit manually confirmed by operator", zap.String("hostname", hostname), zap.String("commit_id", commitID))
	return nil
}

func errCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrHostKeyMismatch):
		return "HOST_KEY_MISMATCH"
	case errors.Is(err, ErrNetconfConnectFailed):
		return "NETCONF_CONNECT_FAILED"
	case errors.Is(err, ErrCommitCheckFailed):
		return "COMMIT_CHECK_FAILED"
	case errors.Is(err, ErrNetconfCommitFailed):
		return "NETCONF_COMMIT_FAILED"
	case errors.Is(err, ErrRollbackFailed):
		return "ROLLBACK_FAILED"
	case errors.Is(err, ErrHealthCheckFailed):
		return "HEALTH_CHECK_FAILED"
	default:
		return "NETCONF_COMMIT_FAILED"
	}
}

// renderPolicyBundle combines every AS's prefix list into a single
// merge-mode policy-options load, matching the teacher's
// combine-then-load pattern for prefix-list policies.
func renderPolicyBundle(policies []guardrail.PolicyPrefix) string {
	var b strings.Builder
	b.WriteString("policy-options {\n")
	for _, p := range policies {
		fmt.Fprintf(&b, "    replace: prefix-list AS%d {\n", p.ASN)
		for _, prefix := range p.Prefixes {
			fmt.Fprintf(&b, "        %s;\n", prefix)
		}
		b.WriteString("    }\n")
	}
	b.WriteString("}\n")
	return b.String()
}
