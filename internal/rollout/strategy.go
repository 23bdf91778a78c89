package rollout

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/config"
)

// Device is one router eligible for a rollout run.
type Device struct {
	Hostname string
	Region   string
	Role     string
}

func (d Device) phaseKey(key string) string {
	if key == "role" {
		return d.Role
	}
	return d.Region
}

// Strategy computes the ordered Stages for a set of devices.
type Strategy interface {
	Name() string
	Plan(devices []Device, policyBundleRefs map[string]string, concurrency int) []*Stage
}

// Blast is a single stage containing every device.
type Blast struct{}

func (Blast) Name() string { return "blast" }

func (Blast) Plan(devices []Device, refs map[string]string, concurrency int) []*Stage {
	targets := make([]*Target, 0, len(devices))
	for i, d := range devices {
		targets = append(targets, NewTarget(fmt.Sprintf("target-%d", i), "stage-0", d.Hostname, refs[d.Hostname]))
	}
	return []*Stage{NewStage("stage-0", "", 0, concurrency, targets)}
}

// Phased groups devices by a key (region or role); one stage per group,
// groups ordered by sorted key, each stage's concurrency = cfg.concurrency.
type Phased struct {
	Key string
}

func (Phased) Name() string { return "phased" }

func (p Phased) Plan(devices []Device, refs map[string]string, concurrency int) []*Stage {
	groups := map[string][]Device{}
	for _, d := range devices {
		k := d.phaseKey(p.Key)
		groups[k] = append(groups[k], d)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stages := make([]*Stage, 0, len(keys))
	targetSeq := 0
	for ordinal, k := range keys {
		var targets []*Target
		for _, d := range groups[k] {
			targets = append(targets, NewTarget(fmt.Sprintf("target-%d", targetSeq), fmt.Sprintf("stage-%d", ordinal), d.Hostname, refs[d.Hostname]))
			targetSeq++
		}
		stages = append(stages, NewStage(fmt.Sprintf("stage-%d", ordinal), "", ordinal, concurrency, targets))
	}
	return stages
}

// Canary runs one named device alone in stage 0 with concurrency 1, then
// everything else in stage 1. If the canary target fails, the coordinator
// fails the run and skips stage 1 (enforced by the coordinator, not here).
type Canary struct {
	Hostname string
}

func (Canary) Name() string { return "canary" }

func (c Canary) Plan(devices []Device, refs map[string]string, concurrency int) []*Stage {
	var canary *Device
	var rest []Device
	for i := range devices {
		if devices[i].Hostname == c.Hostname {
			d := devices[i]
			canary = &d
			continue
		}
		rest = append(rest, devices[i])
	}
	if canary == nil {
		// Fall back to Blast when the configured canary hostname is
		// absent from the device set.
		return Blast{}.Plan(devices, refs, concurrency)
	}

	canaryStage := NewStage("stage-0", "", 0, 1, []*Target{NewTarget("target-0", "stage-0", canary.Hostname, refs[canary.Hostname])})
	restTargets := make([]*Target, 0, len(rest))
	for i, d := range rest {
		restTargets = append(restTargets, NewTarget(fmt.Sprintf("target-%d", i+1), "stage-1", d.Hostname, refs[d.Hostname]))
	}
	restStage := NewStage("stage-1", "", 1, concurrency, restTargets)
	return []*Stage{canaryStage, restStage}
}

// StrategyFor selects a Strategy from rollout configuration. Selecting
// canary without a configured canary hostname logs a warning and falls
// back to Blast, per §4.6.
func StrategyFor(cfg config.RolloutConfig, logger *zap.Logger) Strategy {
	switch cfg.Strategy {
	case "phased":
		key := cfg.PhaseKey
		if key == "" {
			key = "region"
		}
		return Phased{Key: key}
	case "canary":
		if cfg.CanaryHostname == "" {
			logger.Warn("rollout.strategy=canary but no canary_hostname configured, falling back to blast")
			return Blast{}
		}
		return Canary{Hostname: cfg.CanaryHostname}
	default:
		return Blast{}
	}
}
