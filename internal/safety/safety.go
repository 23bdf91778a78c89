// Package safety implements the Unified Safety Manager: guardrail
// orchestration, rollback callback bookkeeping, hash-chained checkpoints,
// and best-effort operator notification around a single router's apply
// pipeline.
package safety

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/observability"
	"go.uber.org/zap"
)

// RollbackCallback is invoked, outside any manager lock, when a shutdown
// or rollback is triggered.
type RollbackCallback func(ctx context.Context) error

// Checkpoint is an append-only record created just before commit.
// PrevHash/Hash chain each checkpoint to the one before it (SHA256 over a
// canonical JSON encoding of the prior fields) so a tampered or reordered
// checkpoint log is detectable.
type Checkpoint struct {
	ID                    string
	Operation             string
	ActiveGuardrailsCount int
	Timestamp             time.Time
	PrevHash              string
	Hash                  string
}

// RolloutContext identifies the coordinator-owned Run/Stage/Target this
// pipeline execution belongs to, when invoked by the rollout coordinator
// rather than directly.
type RolloutContext struct {
	RunID    string
	StageID  string
	TargetID string
}

// EventRecorder is implemented by the rollout coordinator's durable event
// log; the manager records pipeline events through it when a
// RolloutContext is present. Optional — nil when run outside a rollout.
type EventRecorder interface {
	RecordEvent(ctx context.Context, runID, eventType string, payload map[string]any) error
}

// Applier performs the NETCONF apply sequence for one router (§4.5: lock,
// commit, health checks, finalization); the Manager runs the guardrails
// before calling it. Implemented by
// internal/netconf; kept as an interface here so internal/safety never
// imports internal/netconf.
type Applier interface {
	Apply(ctx context.Context, req ApplyRequest) (ApplicationResult, error)
}

// ApplyRequest bundles everything the Applier needs for one router.
type ApplyRequest struct {
	Policies       []guardrail.PolicyPrefix
	Hostname       string
	Mode           config.Mode
	RolloutContext *RolloutContext
}

// HealthResult is the outcome of post-commit probing.
type HealthResult struct {
	Success bool
	Details []string
	Error   string
}

// ApplicationResult is the outcome of one ExecutePipeline invocation.
type ApplicationResult struct {
	Success      bool
	CommitID     string
	ErrorCode    string // e.g. VALIDATION_FAILED, NETCONF_COMMIT_FAILED
	ErrorMessage string
	Health       HealthResult
	SafetyResult guardrail.SafetyCheckResult
}

// Manager is the Unified Safety Manager. rollbackCallbacks, checkpoints,
// and currentOperation are synchronized by mu; callback execution always
// happens after mu is released, per §4.4's no-reentrant-lock discipline.
type Manager struct {
	mu                 sync.Mutex
	rollbackCallbacks  []RollbackCallback
	checkpoints        []Checkpoint
	currentOperation   string
	lastCheckpointHash string

	registry *guardrail.Registry
	applier  Applier
	notifier observability.Notifier
	events   EventRecorder
	logger   *zap.Logger
}

// NewManager constructs a Manager. events may be nil when not running
// under a rollout coordinator.
func NewManager(registry *guardrail.Registry, applier Applier, notifier observability.Notifier, events EventRecorder, logger *zap.Logger) *Manager {
	return &Manager{registry: registry, applier: applier, notifier: notifier, events: events, logger: logger}
}

// AddRollbackCallback registers fn to run on shutdown-triggered rollback.
func (m *Manager) AddRollbackCallback(fn RollbackCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackCallbacks = append(m.rollbackCallbacks, fn)
}

// RunRollbackCallbacks copies the registered callbacks under lock, then
// invokes each outside the lock so a callback may safely re-enter the
// manager (e.g. to add a checkpoint) without deadlocking.
func (m *Manager) RunRollbackCallbacks(ctx context.Context) []error {
	m.mu.Lock()
	callbacks := make([]RollbackCallback, len(m.rollbackCallbacks))
	copy(callbacks, m.rollbackCallbacks)
	m.mu.Unlock()

	var errs []error
	for _, cb := range callbacks {
		if err := cb(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// ValidatePoliciesBeforeApply runs every enabled guardrail against the
// given policy bundle and returns the aggregated safety check result.
func (m *Manager) ValidatePoliciesBeforeApply(ctx context.Context, policies []guardrail.PolicyPrefix) guardrail.SafetyCheckResult {
	gctx := guardrail.CheckContext{Policies: policies}
	return guardrail.RunAll(ctx, m.registry.Guardrails(), gctx, m.logger)
}

// ExecutePipeline validates policies, creates a checkpoint, then delegates
// to the configured Applier. Guardrail failure short-circuits before any
// NETCONF interaction.
func (m *Manager) ExecutePipeline(ctx context.Context, policies []guardrail.PolicyPrefix, hostname string, mode config.Mode, rolloutCtx *RolloutContext) (ApplicationResult, error) {
	m.setCurrentOperation(hostname)
	defer m.setCurrentOperation("")

	safetyResult := m.ValidatePoliciesBeforeApply(ctx, policies)
	if !safetyResult.SafeToProceed {
		result := ApplicationResult{
			Success:      false,
			ErrorCode:    "VALIDATION_FAILED",
			ErrorMessage: fmt.Sprintf("safety validation failed: %d error(s), overall_risk=%s", len(safetyResult.Errors), safetyResult.OverallRiskLevel),
			SafetyResult: safetyResult,
		}
		m.SendNetconfEventNotification(ctx, "safety_critical", hostname, false, result.ErrorMessage)
		m.recordEvent(ctx, rolloutCtx, "pipeline_failed", map[string]any{"hostname": hostname, "reason": result.ErrorMessage})
		return result, nil
	}

	cp := m.createCheckpoint(fmt.Sprintf("apply:%s", hostname), len(m.registry.Guardrails()))
	m.logger.Info("rollback checkpoint created", zap.String("checkpoint_id", cp.ID), zap.String("hostname", hostname))

	req := ApplyRequest{Policies: policies, Hostname: hostname, Mode: mode, RolloutContext: rolloutCtx}
	result, err := m.applier.Apply(ctx, req)
	if err != nil {
		result = ApplicationResult{Success: false, ErrorCode: "NETCONF_COMMIT_FAILED", ErrorMessage: err.Error()}
	} else if result.Success && result.CommitID != "" && !result.Health.Success {
		// Commit already landed with its own hold timer running — let that
		// timer handle reverting it. Still report failure so the caller's
		// exit code and the target's rollout state reflect the bad health
		// check instead of masking it as a success.
		result.Success = false
		result.ErrorCode = "HEALTH_CHECK_FAILED"
		result.ErrorMessage = result.Health.Error
	}
	result.SafetyResult = safetyResult
	result.SafetyResult.RollbackCheckpointID = cp.ID

	eventType := "pipeline_success"
	if !result.Success {
		eventType = "pipeline_failed"
	}
	m.SendNetconfEventNotification(ctx, "commit", hostname, result.Success, result.ErrorMessage)
	m.recordEvent(ctx, rolloutCtx, eventType, map[string]any{
		"hostname": hostname, "commit_id": result.CommitID, "error_code": result.ErrorCode,
	})

	return result, err
}

// SendNetconfEventNotification emits a best-effort notification for a
// NETCONF lifecycle event. Failure to send never masks the underlying
// operation outcome — errors are logged only.
func (m *Manager) SendNetconfEventNotification(ctx context.Context, eventType, hostname string, success bool, details string) {
	ev := observability.Event{Type: eventType, Hostname: hostname, Success: success, Details: details}
	if err := m.notifier.Send(ctx, ev); err != nil {
		m.logger.Warn("notification delivery failed", zap.String("event_type", eventType), zap.String("hostname", hostname), zap.Error(err))
	}
}

func (m *Manager) recordEvent(ctx context.Context, rolloutCtx *RolloutContext, eventType string, payload map[string]any) {
	if m.events == nil || rolloutCtx == nil {
		return
	}
	if err := m.events.RecordEvent(ctx, rolloutCtx.RunID, eventType, payload); err != nil {
		m.logger.Error("rollout event record failed", zap.String("run_id", rolloutCtx.RunID), zap.String("event_type", eventType), zap.Error(err))
	}
}

func (m *Manager) setCurrentOperation(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentOperation = op
}

// CurrentOperation reports the hostname of the in-flight apply, or "" when
// idle.
func (m *Manager) CurrentOperation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentOperation
}

// Checkpoints returns a copy of the checkpoint chain recorded so far.
func (m *Manager) Checkpoints() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, len(m.checkpoints))
	copy(out, m.checkpoints)
	return out
}

func (m *Manager) createCheckpoint(operation string, activeGuardrails int) Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := Checkpoint{
		ID:                    "unified_safety_" + time.Now().UTC().Format("20060102_150405"),
		Operation:             operation,
		ActiveGuardrailsCount: activeGuardrails,
		Timestamp:             time.Now().UTC(),
		PrevHash:              m.lastCheckpointHash,
	}
	cp.Hash = hashCheckpoint(cp)
	m.lastCheckpointHash = cp.Hash
	m.checkpoints = append(m.checkpoints, cp)
	return cp
}

// hashCheckpoint computes a canonical SHA256 over the checkpoint's fields
// excluding Hash itself, chaining it to PrevHash. Adapted from the
// teacher's constitutional-decision hash-chaining discipline (canonical
// JSON marshal then SHA256, parent hash carried forward).
func hashCheckpoint(cp Checkpoint) string {
	canonical := struct {
		ID                    string    `json:"id"`
		Operation             string    `json:"operation"`
		ActiveGuardrailsCount int       `json:"active_guardrails_count"`
		Timestamp             time.Time `json:"timestamp"`
		PrevHash              string    `json:"prev_hash"`
	}{cp.ID, cp.Operation, cp.ActiveGuardrailsCount, cp.Timestamp, cp.PrevHash}

	data, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
