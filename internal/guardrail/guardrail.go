// Package guardrail implements the always-active safety checks run before
// any policy bundle is applied to a router: prefix-count limits, RPKI
// validation, bogon-prefix detection, concurrent-operation exclusion, and
// signal-driven shutdown.
package guardrail

import (
	"context"
	"time"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/rpki"
	"go.uber.org/zap"
)

// RiskLevel is the severity a guardrail attaches to a non-passing result.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func maxRisk(a, b RiskLevel) RiskLevel {
	order := map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}
	if order[b] > order[a] {
		return b
	}
	return a
}

// PolicyPrefix is the minimal shape of a generated policy a guardrail
// inspects: one BGP AS's prefix list.
type PolicyPrefix struct {
	ASN      uint32
	Prefixes []string
}

// CheckContext carries everything a guardrail needs to evaluate one
// applicable set of policies.
type CheckContext struct {
	Policies []PolicyPrefix
	Hostname string
}

// GuardrailResult is the outcome of one guardrail invocation.
type GuardrailResult struct {
	Name              string
	Passed            bool
	RiskLevel         RiskLevel
	Message           string
	Details           map[string]any
	RecommendedAction string
	Timestamp         time.Time
}

// Guardrail is one always-active safety check.
type Guardrail interface {
	Name() string
	IsEnabled() bool
	Check(ctx context.Context, gctx CheckContext) (GuardrailResult, error)
}

// AuditEvent records an emergency-override or critical guardrail bypass.
type AuditEvent struct {
	GuardrailName string
	Operator      string
	Reason        string
	Timestamp     time.Time
}

// SafetyCheckResult aggregates every enabled guardrail's result over one
// applicable set of policies.
type SafetyCheckResult struct {
	SafeToProceed            bool
	OverallRiskLevel         RiskLevel
	Warnings                 []string
	Errors                   []string
	BGPImpact                map[string]string
	GuardrailResults         []GuardrailResult
	RollbackCheckpointID     string
	EmergencyContactNotified bool
}

// Registry is a config-driven, fixed list of enabled guardrails built once
// at construction time — no reflection, no runtime registration map.
type Registry struct {
	guardrails  []Guardrail
	logger      *zap.Logger
	AuditEvents []AuditEvent
}

// NewRegistry builds the mandatory guardrail set from config. validator may
// be nil when RPKI is disabled; g3/g4 are always present since they cannot
// be disabled regardless of the enabled list or any emergency_override
// entry naming them.
//
// A guardrail named in cfg.EmergencyOverride is excluded from the
// constructed list (g3/g4 excepted), and its bypass is recorded as a
// CRITICAL-level AuditEvent via logger and appended to r.AuditEvents.
func NewRegistry(cfg config.GuardrailConfig, validator *rpki.Validator, logger *zap.Logger, onShutdown func(ctx context.Context)) *Registry {
	enabled := map[string]bool{}
	for _, name := range cfg.Enabled {
		enabled[name] = true
	}

	r := &Registry{logger: logger}
	override := func(name string) bool {
		entry, ok := cfg.EmergencyOverride[name]
		if !ok {
			return false
		}
		ev := AuditEvent{GuardrailName: name, Operator: entry.Operator, Reason: entry.Reason, Timestamp: time.Now().UTC()}
		r.AuditEvents = append(r.AuditEvents, ev)
		logger.Error("guardrail emergency override in effect — check bypassed",
			zap.String("guardrail", name), zap.String("operator", entry.Operator), zap.String("reason", entry.Reason))
		return true
	}

	if !override("prefix_count") {
		r.guardrails = append(r.guardrails, NewPrefixCountGuardrail(cfg, enabled["prefix_count"]))
	}
	if validator != nil && !override("rpki") {
		r.guardrails = append(r.guardrails, NewRPKIGuardrail(cfg, validator, enabled["rpki"]))
	}
	if !override("bogon") {
		r.guardrails = append(r.guardrails, NewBogonGuardrail(cfg.BogonStrictness, enabled["bogon"]))
	}
	r.guardrails = append(r.guardrails, NewConcurrentOperationGuardrail(cfg.LockFilePath, logger))
	r.guardrails = append(r.guardrails, NewSignalGuardrail(logger, onShutdown))

	return r
}

// Guardrails exposes the constructed list for iteration by a safety manager.
func (r *Registry) Guardrails() []Guardrail { return r.guardrails }

// RunAll invokes every enabled guardrail and aggregates results per the
// aggregation rule: overall_risk is the max across per-guardrail risks
// (escalated further by warning volume); only a critical-risk failure is
// blocking and lands in Errors, a non-critical failure or an elevated risk
// level lands in Warnings; safe_to_proceed requires no errors and a
// non-critical overall risk. Guardrails under emergency override are never
// passed to RunAll in the first place — NewRegistry excludes them and
// records the bypass as an AuditEvent instead.
func RunAll(ctx context.Context, guardrails []Guardrail, gctx CheckContext, logger *zap.Logger) SafetyCheckResult {
	result := SafetyCheckResult{
		SafeToProceed:    true,
		OverallRiskLevel: RiskLow,
		BGPImpact:        map[string]string{},
	}

	for _, g := range guardrails {
		if !g.IsEnabled() {
			continue
		}
		gr, err := g.Check(ctx, gctx)
		if err != nil {
			result.Errors = append(result.Errors, g.Name()+": "+err.Error())
			result.OverallRiskLevel = maxRisk(result.OverallRiskLevel, RiskCritical)
			continue
		}
		result.GuardrailResults = append(result.GuardrailResults, gr)
		result.OverallRiskLevel = maxRisk(result.OverallRiskLevel, gr.RiskLevel)
		if !gr.Passed && gr.RiskLevel == RiskCritical {
			result.Errors = append(result.Errors, gr.Name+": "+gr.Message)
		} else if !gr.Passed || gr.RiskLevel == RiskMedium || gr.RiskLevel == RiskHigh {
			result.Warnings = append(result.Warnings, gr.Name+": "+gr.Message)
		}
	}

	if len(result.Warnings) > 10 {
		result.OverallRiskLevel = maxRisk(result.OverallRiskLevel, RiskHigh)
	} else if len(result.Warnings) > 5 {
		result.OverallRiskLevel = maxRisk(result.OverallRiskLevel, RiskMedium)
	}

	result.SafeToProceed = len(result.Errors) == 0 && result.OverallRiskLevel != RiskCritical
	return result
}
