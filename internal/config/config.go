// Package config provides configuration loading, validation, and defaults
// for otto-bgp.
//
// Configuration file: /etc/otto-bgp/config.yaml (default)
// Schema version: 1
//
// There is no package-level mutable config. Load returns a *Config that the
// caller threads explicitly through every component constructor.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (worker counts, hold minutes, thresholds).
//   - File paths must be non-empty where the filesystem is involved; they
//     are not checked for being absolute.
//   - Invalid config on startup: caller refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// structValidator runs the field-level tag checks below before the
// hand-rolled cross-field rules in Validate. Tags catch the mechanical
// "is this a well-formed value" cases (required, ranges, enum membership);
// Validate keeps the rules that compare one field against another
// (warning_threshold < critical_threshold, canary strategy needs a
// hostname, and so on), which struct tags can't express.
var structValidator = validator.New()

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Mode selects the Finalization Strategy used by the NETCONF applier.
type Mode string

const (
	ModeSystem     Mode = "system"
	ModeAutonomous Mode = "autonomous"
)

// Config is the root configuration structure for otto-bgp.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version" validate:"required,eq=1"`

	// Mode selects the finalization strategy (system or autonomous).
	Mode Mode `yaml:"mode" validate:"required,oneof=system autonomous"`

	RPKI          RPKIConfig          `yaml:"rpki"`
	Guardrail     GuardrailConfig     `yaml:"guardrail"`
	Safety        SafetyConfig        `yaml:"safety"`
	Netconf       NetconfConfig       `yaml:"netconf"`
	Rollout       RolloutConfig       `yaml:"rollout"`
	Notification  NotificationConfig  `yaml:"notification"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
	BGPQ4         BGPQ4Config         `yaml:"bgpq4"`
	IRRTunnel     IRRTunnelConfig     `yaml:"irr_tunnel"`
}

// RPKIConfig controls VRP loading and validation behavior.
type RPKIConfig struct {
	Enabled bool `yaml:"enabled"`

	// VRPCachePath is the canonical VRP cache file location.
	VRPCachePath string `yaml:"vrp_cache_path"`

	// MaxAge is how old generated_time may be before the dataset is stale.
	MaxAge time.Duration `yaml:"max_age"`

	// FailClosed: when true, a missing/stale VRP dataset yields ERROR
	// results; when false, it yields NOTFOUND with a warning.
	FailClosed bool `yaml:"fail_closed"`

	// AllowlistPath is the (prefix, asn) allowlist overlay file.
	AllowlistPath string `yaml:"allowlist_path"`

	// ChunkSize and MaxWorkers bound parallel validation.
	ChunkSize  int `yaml:"chunk_size" validate:"gte=1"`
	MaxWorkers int `yaml:"max_workers" validate:"gte=1"`
}

// GuardrailConfig controls which always-active safety checks are enabled.
type GuardrailConfig struct {
	// Enabled lists guardrail names active for this process. Critical
	// guardrails (g3, g4) cannot be disabled regardless of this list.
	Enabled []string `yaml:"enabled"`

	MaxPrefixesPerAS  int     `yaml:"max_prefixes_per_as" validate:"gte=1"`
	MaxTotalPrefixes  int     `yaml:"max_total_prefixes" validate:"gte=1"`
	WarningThreshold  float64 `yaml:"warning_threshold" validate:"gt=0,lt=1"`
	CriticalThreshold float64 `yaml:"critical_threshold" validate:"gt=0,lt=1"`

	MaxInvalidPercent  float64 `yaml:"max_invalid_percent" validate:"gte=0,lte=100"`
	MaxNotfoundPercent float64 `yaml:"max_notfound_percent" validate:"gte=0,lte=100"`
	RequireVRPData     bool    `yaml:"require_vrp_data"`

	BogonStrictness string `yaml:"bogon_strictness" validate:"required,oneof=low medium high strict"`

	// PrefixCountStrictness gates whether crossing warning_threshold alone
	// (as opposed to the hard max) already fails the prefix-count
	// guardrail. "low" tolerates threshold crossings as a warning only.
	PrefixCountStrictness string `yaml:"prefix_count_strictness" validate:"required,oneof=low medium high strict"`

	LockFilePath string `yaml:"lock_file_path" validate:"required"`

	// EmergencyOverride disables individually named guardrails (g3/g4
	// excepted — they ignore this regardless of entry) while still
	// requiring a CRITICAL-level audit log of the bypass. Keyed by
	// guardrail name with the operator/reason recorded for the audit trail.
	EmergencyOverride map[string]EmergencyOverrideEntry `yaml:"emergency_override"`
}

// EmergencyOverrideEntry records who authorized bypassing a guardrail and
// why, so the bypass can be logged as an AuditEvent instead of silently
// skipping the check.
type EmergencyOverrideEntry struct {
	Operator string `yaml:"operator"`
	Reason   string `yaml:"reason"`
}

// SafetyConfig controls the Unified Safety Manager.
type SafetyConfig struct {
	EmergencyOverride bool `yaml:"emergency_override"`

	// RollbackCallbackBudget is the total time allotted to run all
	// registered rollback callbacks on signal-driven shutdown.
	RollbackCallbackBudget time.Duration `yaml:"rollback_callback_budget"`
}

// NetconfConfig controls the NETCONF applier.
type NetconfConfig struct {
	Port                int           `yaml:"port" validate:"gte=1,lte=65535"`
	KnownHostsFile      string        `yaml:"known_hosts_file"`
	Username            string        `yaml:"username"`
	PrivateKeyFile      string        `yaml:"private_key_file"`
	SessionTimeout      time.Duration `yaml:"session_timeout" validate:"gt=0"`
	RPCTimeout          time.Duration `yaml:"rpc_timeout"`
	HoldMinutes         int           `yaml:"hold_minutes" validate:"gte=1,lte=60"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	MinEstablishedPeers int           `yaml:"min_established_peers" validate:"gte=0"`
}

// RolloutConfig controls the multi-router rollout coordinator.
type RolloutConfig struct {
	// Strategy is one of "blast", "phased", "canary".
	Strategy       string `yaml:"strategy" validate:"required,oneof=blast phased canary"`
	Concurrency    int    `yaml:"concurrency" validate:"gte=1"`
	CanaryHostname string `yaml:"canary_hostname"`
	PhaseKey       string `yaml:"phase_key"`
}

// NotificationConfig controls best-effort operator notification delivery.
type NotificationConfig struct {
	Enabled        bool     `yaml:"enabled"`
	DeliveryMethod string   `yaml:"delivery_method"` // sendmail | smtp
	From           string   `yaml:"from"`
	To             []string `yaml:"to"`
	CC             []string `yaml:"cc"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
	SMTPServer     string   `yaml:"smtp_server"`
	SMTPPort       int      `yaml:"smtp_port"`
	SMTPUseTLS     bool     `yaml:"smtp_use_tls"`
	SMTPUsername   string   `yaml:"smtp_username"`
	SMTPPassword   string   `yaml:"smtp_password"`
	SendmailPath   string   `yaml:"sendmail_path"`
	Timeout        time.Duration `yaml:"timeout"`
}

// StorageConfig holds BoltDB parameters for the durable event store.
type StorageConfig struct {
	DBPath        string `yaml:"db_path" validate:"required"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=1"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// OperatorConfig holds the operator control-surface Unix socket parameters.
type OperatorConfig struct {
	SocketPath string `yaml:"socket_path"`
	Enabled    bool   `yaml:"enabled"`
}

// BGPQ4Config controls the bgpq4 policy generator.
type BGPQ4Config struct {
	BinaryPath      string        `yaml:"binary_path" validate:"required"`
	MaxWorkers      int           `yaml:"max_workers" validate:"gte=1"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	DisableParallel bool          `yaml:"disable_parallel"`
}

// IRRTunnelConfig controls the SSH tunnel fronting bgpq4 IRR queries.
type IRRTunnelConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ProxyHost      string `yaml:"proxy_host"`
	ProxyPort      int    `yaml:"proxy_port"`
	ProxyUser      string `yaml:"proxy_user"`
	PrivateKeyFile string `yaml:"private_key_file"`
	KnownHostsFile string `yaml:"known_hosts_file"`
	RemoteHost     string `yaml:"remote_host"`
	RemotePort     int    `yaml:"remote_port"`
	LocalPortMin   int    `yaml:"local_port_min"`
	LocalPortMax   int    `yaml:"local_port_max"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	_ = hostname

	return Config{
		SchemaVersion: "1",
		Mode:          ModeSystem,
		RPKI: RPKIConfig{
			Enabled:      false,
			VRPCachePath: "/var/lib/otto-bgp/vrp_cache.json",
			MaxAge:       24 * time.Hour,
			FailClosed:   true,
			ChunkSize:    50,
			MaxWorkers:   8,
		},
		Guardrail: GuardrailConfig{
			Enabled:               []string{"prefix_count", "rpki", "bogon", "concurrent_operation", "signal_handling"},
			MaxPrefixesPerAS:      100_000,
			MaxTotalPrefixes:      500_000,
			WarningThreshold:      0.8,
			CriticalThreshold:     0.95,
			MaxInvalidPercent:     0,
			MaxNotfoundPercent:    25,
			RequireVRPData:        false,
			BogonStrictness:       "high",
			PrefixCountStrictness: "high",
			LockFilePath:          "/tmp/otto-bgp.lock",
		},
		Safety: SafetyConfig{
			EmergencyOverride:      false,
			RollbackCallbackBudget: 30 * time.Second,
		},
		Netconf: NetconfConfig{
			Port:                830,
			KnownHostsFile:      "/etc/otto-bgp/known_hosts",
			SessionTimeout:      60 * time.Second,
			RPCTimeout:          30 * time.Second,
			HoldMinutes:         5,
			HealthCheckTimeout:  30 * time.Second,
			MinEstablishedPeers: 0,
		},
		Rollout: RolloutConfig{
			Strategy:    "blast",
			Concurrency: 5,
		},
		Notification: NotificationConfig{
			Enabled:        false,
			DeliveryMethod: "sendmail",
			SubjectPrefix:  "[otto-bgp]",
			SendmailPath:   "/usr/sbin/sendmail",
			Timeout:        10 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:        "/var/lib/otto-bgp/events.db",
			RetentionDays: 90,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/otto-bgp/operator.sock",
		},
		BGPQ4: BGPQ4Config{
			BinaryPath: "bgpq4",
			MaxWorkers: 4,
			Timeout:    30 * time.Second,
			CacheTTL:   10 * time.Minute,
		},
		IRRTunnel: IRRTunnelConfig{
			Enabled:        false,
			ProxyPort:      22,
			KnownHostsFile: "/etc/otto-bgp/known_hosts",
			RemotePort:     43,
			LocalPortMin:   43001,
			LocalPortMax:   43100,
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness and returns a single
// aggregated error describing every violation found.
func Validate(cfg *Config) error {
	var errs []string

	if err := structValidator.Struct(cfg); err != nil {
		for _, fe := range err.(validator.ValidationErrors) {
			errs = append(errs, fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()))
		}
	}

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Mode != ModeSystem && cfg.Mode != ModeAutonomous {
		errs = append(errs, fmt.Sprintf("mode must be %q or %q, got %q", ModeSystem, ModeAutonomous, cfg.Mode))
	}

	if cfg.RPKI.Enabled {
		if cfg.RPKI.VRPCachePath == "" {
			errs = append(errs, "rpki.vrp_cache_path must not be empty when rpki.enabled=true")
		}
		if cfg.RPKI.MaxAge <= 0 {
			errs = append(errs, "rpki.max_age must be > 0")
		}
	}
	if cfg.RPKI.ChunkSize < 1 {
		errs = append(errs, fmt.Sprintf("rpki.chunk_size must be >= 1, got %d", cfg.RPKI.ChunkSize))
	}
	if cfg.RPKI.MaxWorkers < 1 {
		errs = append(errs, fmt.Sprintf("rpki.max_workers must be >= 1, got %d", cfg.RPKI.MaxWorkers))
	}

	if cfg.Guardrail.MaxPrefixesPerAS < 1 {
		errs = append(errs, "guardrail.max_prefixes_per_as must be >= 1")
	}
	if cfg.Guardrail.MaxTotalPrefixes < 1 {
		errs = append(errs, "guardrail.max_total_prefixes must be >= 1")
	}
	if cfg.Guardrail.WarningThreshold <= 0 || cfg.Guardrail.WarningThreshold >= 1 {
		errs = append(errs, "guardrail.warning_threshold must be in (0, 1)")
	}
	if cfg.Guardrail.CriticalThreshold <= cfg.Guardrail.WarningThreshold || cfg.Guardrail.CriticalThreshold >= 1 {
		errs = append(errs, "guardrail.critical_threshold must be in (warning_threshold, 1)")
	}
	switch cfg.Guardrail.BogonStrictness {
	case "low", "medium", "high", "strict":
	default:
		errs = append(errs, fmt.Sprintf("guardrail.bogon_strictness must be one of low/medium/high/strict, got %q", cfg.Guardrail.BogonStrictness))
	}
	switch cfg.Guardrail.PrefixCountStrictness {
	case "low", "medium", "high", "strict":
	default:
		errs = append(errs, fmt.Sprintf("guardrail.prefix_count_strictness must be one of low/medium/high/strict, got %q", cfg.Guardrail.PrefixCountStrictness))
	}
	if cfg.Guardrail.LockFilePath == "" {
		errs = append(errs, "guardrail.lock_file_path must not be empty")
	}

	if cfg.Netconf.Port < 1 || cfg.Netconf.Port > 65535 {
		errs = append(errs, "netconf.port must be in [1, 65535]")
	}
	if cfg.Netconf.HoldMinutes < 1 || cfg.Netconf.HoldMinutes > 60 {
		errs = append(errs, fmt.Sprintf("netconf.hold_minutes must be in [1, 60], got %d", cfg.Netconf.HoldMinutes))
	}
	if cfg.Netconf.SessionTimeout <= 0 {
		errs = append(errs, "netconf.session_timeout must be > 0")
	}

	switch cfg.Rollout.Strategy {
	case "blast", "phased", "canary":
	default:
		errs = append(errs, fmt.Sprintf("rollout.strategy must be blast/phased/canary, got %q", cfg.Rollout.Strategy))
	}
	if cfg.Rollout.Concurrency < 1 {
		errs = append(errs, "rollout.concurrency must be >= 1")
	}
	if cfg.Rollout.Strategy == "canary" && cfg.Rollout.CanaryHostname == "" {
		// Not fatal: §9 supplement says this falls back to blast with a
		// warning at construction time, not a validation error.
		_ = cfg.Rollout.CanaryHostname
	}

	if cfg.Notification.Enabled {
		switch cfg.Notification.DeliveryMethod {
		case "sendmail", "smtp":
		default:
			errs = append(errs, fmt.Sprintf("notification.delivery_method must be sendmail/smtp, got %q", cfg.Notification.DeliveryMethod))
		}
		if len(cfg.Notification.To) == 0 {
			errs = append(errs, "notification.to must not be empty when notification.enabled=true")
		}
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, "storage.retention_days must be >= 1")
	}

	if cfg.BGPQ4.MaxWorkers < 1 {
		errs = append(errs, "bgpq4.max_workers must be >= 1")
	}
	if cfg.BGPQ4.Timeout <= 0 {
		errs = append(errs, "bgpq4.timeout must be > 0")
	}

	if cfg.IRRTunnel.Enabled {
		if cfg.IRRTunnel.ProxyHost == "" {
			errs = append(errs, "irr_tunnel.proxy_host must not be empty when irr_tunnel.enabled=true")
		}
		if cfg.IRRTunnel.LocalPortMin < 1 || cfg.IRRTunnel.LocalPortMax > 65535 || cfg.IRRTunnel.LocalPortMin > cfg.IRRTunnel.LocalPortMax {
			errs = append(errs, "irr_tunnel.local_port_min/max must be a valid ascending port range")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
