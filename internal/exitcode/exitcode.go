// Package exitcode defines the stable process exit-code enumeration for
// otto-bgp, shared by the CLI entrypoint and any monitoring integration.
//
// This replaces the ExitCodeManager global singleton pattern: the registry
// is an injected value (*Coder), never a package-level mutable variable.
// Components never call os.Exit directly — they return a Code (or an error
// mapped to one at the single cmd/otto-bgp/main.go boundary), and main()
// is the only caller of os.Exit.
package exitcode

import (
	"context"

	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/observability"
)

// Code is a stable process exit code.
type Code int

const (
	Success                   Code = 0
	GeneralError              Code = 1
	InvalidUsage              Code = 2
	SafetyCheckFailed         Code = 3
	NetconfConnectionFailed   Code = 4
	PolicyValidationFailed    Code = 5
	BGPSessionImpactCritical  Code = 6
	RollbackFailed            Code = 7
	AutonomousModeBlocked     Code = 8
	CommandInjectionDetected  Code = 13
	ASNumberValidationFailed  Code = 14
	GuardrailViolation        Code = 16
	BGPQ4ExecutionFailed      Code = 17
	ConcurrentOperationConflict Code = 20
	ValidationFailed          Code = 21
	HealthCheckFailed         Code = 22
	SIGINTReceived            Code = 130
	SIGTERMReceived           Code = 143
)

// String returns a short human-readable name for the code, used in log
// lines and notification subjects.
func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case GeneralError:
		return "general_error"
	case InvalidUsage:
		return "invalid_usage"
	case SafetyCheckFailed:
		return "safety_check_failed"
	case NetconfConnectionFailed:
		return "netconf_connection_failed"
	case PolicyValidationFailed:
		return "policy_validation_failed"
	case BGPSessionImpactCritical:
		return "bgp_session_impact_critical"
	case RollbackFailed:
		return "rollback_failed"
	case AutonomousModeBlocked:
		return "autonomous_mode_blocked"
	case CommandInjectionDetected:
		return "command_injection_detected"
	case ASNumberValidationFailed:
		return "as_number_validation_failed"
	case GuardrailViolation:
		return "guardrail_violation"
	case BGPQ4ExecutionFailed:
		return "bgpq4_execution_failed"
	case ConcurrentOperationConflict:
		return "concurrent_operation_conflict"
	case ValidationFailed:
		return "validation_failed"
	case HealthCheckFailed:
		return "health_check_failed"
	case SIGINTReceived:
		return "sigint"
	case SIGTERMReceived:
		return "sigterm"
	default:
		return "unknown"
	}
}

// Coder logs and best-effort notifies on process termination, then returns
// the code for the caller's os.Exit. It never calls os.Exit itself, which
// keeps it fully testable.
type Coder struct {
	logger   *zap.Logger
	notifier observability.Notifier
}

// New constructs a Coder with an injected logger and notifier.
func New(logger *zap.Logger, notifier observability.Notifier) *Coder {
	if notifier == nil {
		notifier = observability.NewNotifier(config.NotificationConfig{Enabled: false})
	}
	return &Coder{logger: logger, notifier: notifier}
}

// Exit logs the termination at a severity tier keyed to the code, sends a
// best-effort notification, and returns the code unchanged for os.Exit.
func (c *Coder) Exit(ctx context.Context, code Code, reason string) Code {
	fields := []zap.Field{zap.Int("exit_code", int(code)), zap.String("exit_name", code.String())}
	if code == Success {
		c.logger.Info(reason, fields...)
	} else if code >= SIGINTReceived {
		c.logger.Warn(reason, fields...)
	} else {
		c.logger.Error(reason, fields...)
	}

	if code != Success {
		_ = c.notifier.Send(ctx, observability.Event{
			Type:    "process_exit",
			Success: false,
			Details: reason,
		})
	}
	return code
}
