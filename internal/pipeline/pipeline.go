// Package pipeline is the thin wiring layer between external
// collaborators — fleet inventory, SSH BGP-config collection, AS-number
// discovery (all out of scope; see the module's Non-goals) — and the
// core safety-controlled apply pipeline. It takes already-discovered
// RouterProfile values, generates per-AS policies via internal/bgpq4,
// and drives either a direct per-router apply (internal/safety) or a
// staged multi-router rollout (internal/rollout).
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/bgpq4"
	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/rollout"
	"github.com/networksandchill/otto-bgp/internal/safety"
)

// RouterProfile is one router's fleet-inventory entry, already carrying
// its discovered peer AS numbers — produced upstream by collection and
// discovery collaborators this module doesn't implement.
type RouterProfile struct {
	Hostname    string
	IPAddress   string
	Region      string
	Role        string
	ASNumbers   []uint32
}

// Policy is a generated per-AS prefix-list policy, as produced by
// internal/bgpq4's Generator.
type Policy = bgpq4.Result

// RunResult summarizes one Direct-mode pipeline execution.
type RunResult struct {
	RoutersProcessed int
	PoliciesGenerated int
	Applications      map[string]safety.ApplicationResult
	Errors            []string
}

// Pipeline wires policy generation into either a direct per-router apply
// or a staged rollout, selected per §4.7 by whether a rollout.Coordinator
// is configured.
type Pipeline struct {
	generator *bgpq4.Generator
	safetyMgr *safety.Manager
	coord     *rollout.Coordinator
	mode      config.Mode
	logger    *zap.Logger
}

// New builds a Pipeline. coord may be nil — Direct mode is then the only
// option RunDirect supports (RunCoordinated will error without one).
func New(generator *bgpq4.Generator, safetyMgr *safety.Manager, coord *rollout.Coordinator, mode config.Mode, logger *zap.Logger) *Pipeline {
	return &Pipeline{generator: generator, safetyMgr: safetyMgr, coord: coord, mode: mode, logger: logger}
}

// generatePolicies runs bgpq4 for every AS number across every profile,
// returning (a) a hostname -> []guardrail.PolicyPrefix map for applying
// and (b) the total count of policies successfully generated.
func (p *Pipeline) generatePolicies(ctx context.Context, profiles []RouterProfile) (map[string][]guardrail.PolicyPrefix, int, []string) {
	byHostname := map[string][]guardrail.PolicyPrefix{}
	var errs []string
	generated := 0

	for _, profile := range profiles {
		if len(profile.ASNumbers) == 0 {
			p.logger.Warn("pipeline: skipping router with no discovered AS numbers", zap.String("hostname", profile.Hostname))
			continue
		}

		results := p.generator.GenerateBatch(ctx, profile.ASNumbers)
		var policies []guardrail.PolicyPrefix
		for _, r := range results {
			if !r.Success {
				errs = append(errs, fmt.Sprintf("%s: AS%d: %s", profile.Hostname, r.ASN, r.ErrorMessage))
				continue
			}
			policies = append(policies, bgpq4.ToPolicyPrefix(r))
			generated++
		}
		if len(policies) > 0 {
			byHostname[profile.Hostname] = policies
		}
	}
	return byHostname, generated, errs
}

// RunDirect executes Direct mode (§4.7): generate policies, then call
// the Unified Safety Manager once per router with no rollout plan.
func (p *Pipeline) RunDirect(ctx context.Context, profiles []RouterProfile) RunResult {
	byHostname, generated, errs := p.generatePolicies(ctx, profiles)

	applications := map[string]safety.ApplicationResult{}
	for hostname, policies := range byHostname {
		result, err := p.safetyMgr.ExecutePipeline(ctx, policies, hostname, p.mode, nil)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", hostname, err))
		}
		applications[hostname] = result
	}

	return RunResult{
		RoutersProcessed:  len(profiles),
		PoliciesGenerated: generated,
		Applications:      applications,
		Errors:            errs,
	}
}

// RunCoordinated executes Coordinator mode (§4.7): generate policies,
// build the device list, plan a staged rollout, and start it — returning
// the run ID immediately so callers (e.g. the operator control surface)
// can inspect progress out of band.
func (p *Pipeline) RunCoordinated(ctx context.Context, profiles []RouterProfile, initiatedBy string) (string, error) {
	if p.coord == nil {
		return "", fmt.Errorf("pipeline: coordinator mode requested but no rollout.Coordinator configured")
	}

	byHostname, _, errs := p.generatePolicies(ctx, profiles)
	if len(byHostname) == 0 {
		return "", fmt.Errorf("pipeline: no policies generated for any router: %v", errs)
	}

	devices := make([]rollout.Device, 0, len(byHostname))
	for _, profile := range profiles {
		if _, ok := byHostname[profile.Hostname]; !ok {
			continue
		}
		devices = append(devices, rollout.Device{Hostname: profile.Hostname, Region: profile.Region, Role: profile.Role})
	}

	runID, err := p.coord.PlanRun(ctx, devices, byHostname, initiatedBy)
	if err != nil {
		return "", fmt.Errorf("pipeline: plan rollout: %w", err)
	}

	if err := p.coord.StartRun(ctx, runID, byHostname); err != nil {
		return runID, fmt.Errorf("pipeline: start rollout %s: %w", runID, err)
	}
	return runID, nil
}
