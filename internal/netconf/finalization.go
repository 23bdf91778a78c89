package netconf

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/safety"
)

// CommitInfo describes a confirmed commit awaiting finalization.
type CommitInfo struct {
	CommitID  string
	Timestamp time.Time
	Success   bool
}

// FinalizationStrategy decides what happens after a confirmed commit and
// its post-commit health probe. Auto-finalize and manual-confirm differ
// only in whether a second, unconfirmed commit is issued — neither ever
// calls rollback directly; a failed health probe under auto-finalize is
// handled by letting the router's own confirm timer expire.
type FinalizationStrategy interface {
	Execute(session Session, info CommitInfo, health safety.HealthResult) error
}

// AutoFinalize issues a second, unconfirmed commit when health passes. A
// failing or erroring health probe is logged only — the confirm timer is
// left to auto-revert the router, since a commit issued from an unhealthy
// session cannot be trusted to behave as expected either.
type AutoFinalize struct {
	Logger *zap.Logger
}

func (a AutoFinalize) Execute(session Session, info CommitInfo, health safety.HealthResult) error {
	if !health.Success {
		a.Logger.Warn("health check failed after confirmed commit — letting hold timer expire",
			zap.String("commit_id", info.CommitID), zap.String("health_error", health.Error))
		return nil
	}
	comment := fmt.Sprintf("otto-bgp auto-confirmed: %s", info.CommitID)
	if _, err := session.Commit(comment, 0); err != nil {
		a.Logger.Error("auto-finalize second commit failed — hold timer remains the fallback",
			zap.String("commit_id", info.CommitID), zap.Error(err))
		return nil
	}
	a.Logger.Info("commit auto-confirmed", zap.String("commit_id", info.CommitID))
	return nil
}

// ManualConfirm never issues a second commit. It surfaces the commit ID
// and hold window so an operator can run `otto-bgp confirm` (or let the
// hold timer revert it) before it expires. When Registry is set, it also
// records the pending confirmation so the operator control surface (C15)
// can list and act on it out of band.
type ManualConfirm struct {
	Logger      *zap.Logger
	HoldMinutes int
	Hostname    string
	Registry    *Registry
}

func (m ManualConfirm) Execute(_ Session, info CommitInfo, health safety.HealthResult) error {
	m.Logger.Info("confirmed commit pending manual finalization",
		zap.String("commit_id", info.CommitID), zap.Int("hold_minutes", m.HoldMinutes))
	if !health.Success {
		m.Logger.Warn("health check failed — review before confirming",
			zap.String("commit_id", info.CommitID), zap.String("health_error", health.Error), zap.Strings("health_details", health.Details))
	}
	if m.Registry != nil {
		m.Registry.record(PendingConfirmation{
			Hostname: m.Hostname, CommitID: info.CommitID, HoldMinutes: m.HoldMinutes,
			HealthOK: health.Success, CreatedAt: info.Timestamp,
		})
	}
	return nil
}

// StrategyFor selects the FinalizationStrategy for the configured mode.
// registry may be nil — AutoFinalize never uses it, and ManualConfirm
// degrades to log-only finalization without one.
func StrategyFor(mode config.Mode, holdMinutes int, hostname string, logger *zap.Logger, registry *Registry) FinalizationStrategy {
	if mode == config.ModeAutonomous {
		return AutoFinalize{Logger: logger}
	}
	return ManualConfirm{Logger: logger, HoldMinutes: holdMinutes, Hostname: hostname, Registry: registry}
}
