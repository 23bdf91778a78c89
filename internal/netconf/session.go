package netconf

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/networksandchill/otto-bgp/internal/safety"
)

// Session is the NETCONF surface the applier pipeline drives. Defined as
// an interface so FinalizationStrategy and the applier's tests can run
// against a fake without an SSH connection.
type Session interface {
	Lock() error
	Unlock() error
	LoadMerge(configText string) error
	Diff() (string, error)
	CommitCheck() error
	Commit(comment string, confirmMinutes int) (commitID string, err error)
	Rollback() error
	HealthCheck(ctx context.Context, minEstablishedPeers int) safety.HealthResult
	Close() error
}

// junosSession drives a single router over the hand-rolled NETCONF-over-SSH
// transport, issuing Junos-specific RPCs (load-configuration,
// commit-configuration, get-configuration compare, rollback-configuration).
type junosSession struct {
	t *transport
}

func newJunosSession(t *transport) *junosSession {
	return &junosSession{t: t}
}

var rpcErrorPattern = regexp.MustCompile(`<rpc-error>`)

func checkRPCError(reply string) error {
	if rpcErrorPattern.MatchString(reply) {
		msg := reply
		if m := regexp.MustCompile(`<error-message>(.*?)</error-message>`).FindStringSubmatch(reply); len(m) == 2 {
			msg = m[1]
		}
		return fmt.Errorf("rpc-error: %s", strings.TrimSpace(msg))
	}
	return nil
}

func (s *junosSession) Lock() error {
	reply, err := s.t.rpc(`<lock><target><candidate/></target></lock>`)
	if err != nil {
		return fmt.Errorf("%w: lock: %v", ErrNetconfConnectFailed, err)
	}
	if err := checkRPCError(reply); err != nil {
		return fmt.Errorf("%w: lock: %v", ErrNetconfConnectFailed, err)
	}
	return nil
}

func (s *junosSession) Unlock() error {
	reply, err := s.t.rpc(`<unlock><target><candidate/></target></unlock>`)
	if err != nil {
		return err
	}
	return checkRPCError(reply)
}

// LoadMerge loads configText into the candidate configuration in merge
// mode (never replace), matching the teacher's combine-then-load pattern
// for prefix-list policy bundles.
func (s *junosSession) LoadMerge(configText string) error {
	body := fmt.Sprintf(`<load-configuration action="merge" format="text">
<configuration-text>%s</configuration-text>
</load-configuration>`, escapeXML(configText))
	reply, err := s.t.rpc(body)
	if err != nil {
		return fmt.Errorf("%w: load-configuration: %v", ErrCommitCheckFailed, err)
	}
	return checkRPCError(reply)
}

// Diff returns the candidate-vs-running text diff. Empty string means no
// changes are pending.
func (s *junosSession) Diff() (string, error) {
	reply, err := s.t.rpc(`<get-configuration compare="rollback" rollback="0" format="text"/>`)
	if err != nil {
		return "", fmt.Errorf("%w: diff: %v", ErrCommitCheckFailed, err)
	}
	if err := checkRPCError(reply); err != nil {
		return "", fmt.Errorf("%w: diff: %v", ErrCommitCheckFailed, err)
	}
	return strings.TrimSpace(reply), nil
}

func (s *junosSession) CommitCheck() error {
	reply, err := s.t.rpc(`<commit-configuration><check/></commit-configuration>`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommitCheckFailed, err)
	}
	return checkIfErr(reply, ErrCommitCheckFailed)
}

// Commit issues a confirmed commit when confirmMinutes > 0, or a plain,
// permanent commit (the auto-finalize second commit) when it is 0.
func (s *junosSession) Commit(comment string, confirmMinutes int) (string, error) {
	var body string
	if confirmMinutes > 0 {
		body = fmt.Sprintf(`<commit-configuration><confirmed/><confirm-timeout>%d</confirm-timeout><log>%s</log></commit-configuration>`,
			confirmMinutes*60, escapeXML(comment))
	} else {
		body = fmt.Sprintf(`<commit-configuration><log>%s</log></commit-configuration>`, escapeXML(comment))
	}
	reply, err := s.t.rpc(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetconfCommitFailed, err)
	}
	if err := checkRPCError(reply); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetconfCommitFailed, err)
	}
	return extractCommitID(reply), nil
}

func (s *junosSession) Rollback() error {
	reply, err := s.t.rpc(`<load-configuration rollback="0"/>`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	if err := checkRPCError(reply); err != nil {
		return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}
	return nil
}

// HealthCheck probes the management interface and counts established BGP
// neighbors, per the teacher's _run_health_checks.
func (s *junosSession) HealthCheck(_ context.Context, minEstablishedPeers int) safety.HealthResult {
	var details []string

	mgmtReply, err := s.t.rpc(`<get-interface-information><interface-name>fxp0</interface-name></get-interface-information>`)
	if err != nil || checkRPCError(mgmtReply) != nil {
		return safety.HealthResult{Success: false, Error: fmt.Sprintf("management interface check failed: %v", err)}
	}
	details = append(details, "management interface: ok")

	bgpReply, err := s.t.rpc(`<get-bgp-neighbor-information/>`)
	if err != nil {
		return safety.HealthResult{Success: false, Error: fmt.Sprintf("bgp neighbor check failed: %v", err)}
	}
	if err := checkRPCError(bgpReply); err != nil {
		return safety.HealthResult{Success: false, Error: err.Error()}
	}
	established := strings.Count(bgpReply, "<peer-state>Established</peer-state>")
	details = append(details, fmt.Sprintf("bgp neighbors established: %d", established))

	if established < minEstablishedPeers {
		return safety.HealthResult{Success: false, Details: details,
			Error: fmt.Sprintf("established peers %d below minimum %d", established, minEstablishedPeers)}
	}
	return safety.HealthResult{Success: true, Details: details}
}

func (s *junosSession) Close() error {
	return s.t.Close()
}

func checkIfErr(reply string, wrap error) error {
	if err := checkRPCError(reply); err != nil {
		return fmt.Errorf("%w: %v", wrap, err)
	}
	return nil
}

var commitIDPattern = regexp.MustCompile(`<commit-id>(.*?)</commit-id>`)

func extractCommitID(reply string) string {
	if m := commitIDPattern.FindStringSubmatch(reply); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
