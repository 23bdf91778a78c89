package netconf

import "errors"

// Error taxonomy surfaced by the applier pipeline. Each maps to a stable
// process exit code at the cmd/otto-bgp/main.go boundary.
var (
	ErrNetconfConnectFailed = errors.New("NETCONF_CONNECT_FAILED")
	ErrHostKeyMismatch      = errors.New("HOST_KEY_MISMATCH")
	ErrCommitCheckFailed    = errors.New("COMMIT_CHECK_FAILED")
	ErrNetconfCommitFailed  = errors.New("NETCONF_COMMIT_FAILED")
	ErrHealthCheckFailed    = errors.New("HEALTH_CHECK_FAILED")
	ErrRollbackFailed       = errors.New("ROLLBACK_FAILED")
	ErrValidationFailed     = errors.New("VALIDATION_FAILED")
)
