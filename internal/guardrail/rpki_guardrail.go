package guardrail

import (
	"context"
	"fmt"
	"time"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/rpki"
)

// RPKIGuardrail (G1.5) delegates origin validation to internal/rpki and
// fails the bundle when invalid or (non-allowlisted) notfound percentages
// exceed configured limits, or the dataset itself is unusable.
type RPKIGuardrail struct {
	enabled            bool
	validator          *rpki.Validator
	maxInvalidPercent  float64
	maxNotfoundPercent float64
	requireVRPData     bool
}

func NewRPKIGuardrail(cfg config.GuardrailConfig, validator *rpki.Validator, enabled bool) *RPKIGuardrail {
	return &RPKIGuardrail{
		enabled:            enabled,
		validator:          validator,
		maxInvalidPercent:  cfg.MaxInvalidPercent,
		maxNotfoundPercent: cfg.MaxNotfoundPercent,
		requireVRPData:     cfg.RequireVRPData,
	}
}

func (g *RPKIGuardrail) Name() string    { return "rpki" }
func (g *RPKIGuardrail) IsEnabled() bool { return g.enabled }

func (g *RPKIGuardrail) Check(ctx context.Context, gctx CheckContext) (GuardrailResult, error) {
	var total, invalid, notfoundNotAllowlisted, errored int

	for _, p := range gctx.Policies {
		results := g.validator.ValidatePrefixesParallel(ctx, p.Prefixes, p.ASN, 0, 0)
		for _, r := range results {
			total++
			switch r.State {
			case rpki.Invalid:
				invalid++
			case rpki.NotFound:
				if !r.Allowlisted {
					notfoundNotAllowlisted++
				}
			case rpki.Error:
				errored++
			}
		}
	}

	if total == 0 {
		return GuardrailResult{
			Name:      g.Name(),
			Passed:    true,
			RiskLevel: RiskLow,
			Message:   "no prefixes to validate",
			Timestamp: time.Now().UTC(),
		}, nil
	}

	invalidPct := 100 * float64(invalid) / float64(total)
	notfoundPct := 100 * float64(notfoundNotAllowlisted) / float64(total)

	details := map[string]any{
		"total": total, "invalid": invalid, "notfound": notfoundNotAllowlisted, "errored": errored,
		"invalid_percent": invalidPct, "notfound_percent": notfoundPct,
	}

	if errored > 0 {
		return GuardrailResult{
			Name: g.Name(), Passed: false, RiskLevel: RiskCritical,
			Message: fmt.Sprintf("%d validation(s) returned ERROR", errored),
			Details: details, Timestamp: time.Now().UTC(),
		}, nil
	}
	if g.requireVRPData && total > 0 && invalid == 0 && notfoundNotAllowlisted == total {
		return GuardrailResult{
			Name: g.Name(), Passed: false, RiskLevel: RiskCritical,
			Message: "VRP dataset empty or stale under require_vrp_data",
			Details: details, Timestamp: time.Now().UTC(),
		}, nil
	}
	if invalidPct > g.maxInvalidPercent {
		return GuardrailResult{
			Name: g.Name(), Passed: false, RiskLevel: RiskCritical,
			Message: fmt.Sprintf("invalid_percent %.2f%% exceeds max %.2f%%", invalidPct, g.maxInvalidPercent),
			Details: details, Timestamp: time.Now().UTC(),
		}, nil
	}
	if notfoundPct > g.maxNotfoundPercent {
		return GuardrailResult{
			Name: g.Name(), Passed: false, RiskLevel: RiskHigh,
			Message: fmt.Sprintf("notfound_percent %.2f%% exceeds max %.2f%%", notfoundPct, g.maxNotfoundPercent),
			Details: details, Timestamp: time.Now().UTC(),
		}, nil
	}

	return GuardrailResult{
		Name: g.Name(), Passed: true, RiskLevel: RiskLow,
		Message: fmt.Sprintf("%d prefixes validated, %.2f%% invalid, %.2f%% notfound", total, invalidPct, notfoundPct),
		Details: details, Timestamp: time.Now().UTC(),
	}, nil
}
