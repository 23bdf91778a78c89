package guardrail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/networksandchill/otto-bgp/internal/config"
)

// PrefixCountGuardrail (G1) counts prefixes per-AS and across all policies
// in the bundle, escalating risk as configured thresholds are crossed.
// Passing is not just "no threshold crossed" — under any strictness other
// than low, crossing even the warning threshold already fails the check;
// strictness=low tolerates a low/medium-risk crossing as a warning only.
type PrefixCountGuardrail struct {
	enabled           bool
	maxPerAS          int
	maxTotal          int
	warningThreshold  float64
	criticalThreshold float64
	strictness        string
}

func NewPrefixCountGuardrail(cfg config.GuardrailConfig, enabled bool) *PrefixCountGuardrail {
	strictness := cfg.PrefixCountStrictness
	if strictness == "" {
		strictness = "high"
	}
	return &PrefixCountGuardrail{
		enabled:           enabled,
		maxPerAS:          cfg.MaxPrefixesPerAS,
		maxTotal:          cfg.MaxTotalPrefixes,
		warningThreshold:  cfg.WarningThreshold,
		criticalThreshold: cfg.CriticalThreshold,
		strictness:        strictness,
	}
}

func (g *PrefixCountGuardrail) Name() string    { return "prefix_count" }
func (g *PrefixCountGuardrail) IsEnabled() bool { return g.enabled }

func (g *PrefixCountGuardrail) Check(_ context.Context, gctx CheckContext) (GuardrailResult, error) {
	total := 0
	perAS := map[uint32]int{}
	for _, p := range gctx.Policies {
		perAS[p.ASN] += len(p.Prefixes)
		total += len(p.Prefixes)
	}

	var issues []string
	risk := RiskLow

	for asn, count := range perAS {
		if count > g.maxPerAS {
			issues = append(issues, fmt.Sprintf("AS%d has %d prefixes (exceeds limit of %d)", asn, count, g.maxPerAS))
			risk = RiskCritical
		}
	}

	if g.maxTotal > 0 {
		warningLevel := int(float64(g.maxTotal) * g.warningThreshold)
		criticalLevel := int(float64(g.maxTotal) * g.criticalThreshold)
		switch {
		case total > g.maxTotal:
			issues = append(issues, fmt.Sprintf("total prefix count %d exceeds router limit of %d", total, g.maxTotal))
			risk = RiskCritical
		case total > criticalLevel:
			issues = append(issues, fmt.Sprintf("total prefix count %d exceeds critical threshold of %d", total, criticalLevel))
			risk = RiskHigh
		case total > warningLevel:
			issues = append(issues, fmt.Sprintf("total prefix count %d exceeds warning threshold of %d", total, warningLevel))
			if risk == RiskLow {
				risk = RiskMedium
			}
		}
	}

	passed := len(issues) == 0 || ((risk == RiskLow || risk == RiskMedium) && g.strictness == "low")

	message := "prefix count validation passed"
	if !passed {
		message = fmt.Sprintf("prefix count issues: %s", strings.Join(issues, "; "))
	}

	return GuardrailResult{
		Name:      g.Name(),
		Passed:    passed,
		RiskLevel: risk,
		Message:   message,
		Details:   map[string]any{"total_prefixes": total, "per_as": perAS, "issues": issues},
		Timestamp: time.Now().UTC(),
	}, nil
}
