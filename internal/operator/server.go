// Package operator — server.go
//
// Unix domain socket control surface for Otto BGP rollouts.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/otto-bgp/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request -> JSON response):
//
//	{"cmd":"status","run_id":"run-1"}
//	  -> Returns the full run/stage/target tree for run-1.
//	  -> Response: {"ok":true,"run":{...}}
//
//	{"cmd":"pending_confirmations"}
//	  -> Returns every confirmed commit still awaiting manual finalization
//	     in system mode.
//	  -> Response: {"ok":true,"pending":[{"hostname":"r1","commit_id":"...","hold_minutes":5,...}]}
//
//	{"cmd":"confirm","target_id":"run-1/stage-0/r1"}
//	  -> Resolves target_id to its hostname, then issues the second,
//	     unconfirmed commit for its pending confirmation, finalizing it.
//	  -> Response: {"ok":true,"hostname":"r1"}
//
//	{"cmd":"reject","target_id":"run-1/stage-0/r1"}
//	  -> Drops the pending confirmation without a second commit. The
//	     router's own hold timer reverts the change; Otto never issues a
//	     rollback itself.
//	  -> Response: {"ok":true,"hostname":"r1"}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/netconf"
	"github.com/networksandchill/otto-bgp/internal/rollout"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// RunStatus is a JSON-friendly snapshot of one Run's full tree.
type RunStatus struct {
	Run    rollout.RunRecord `json:"run"`
	Stages []StageStatus     `json:"stages"`
}

// StageStatus is a JSON-friendly snapshot of one Stage and its targets.
type StageStatus struct {
	Stage   rollout.StageRecord    `json:"stage"`
	Targets []rollout.TargetRecord `json:"targets"`
}

// PendingConfirmationView is the JSON shape returned by
// pending_confirmations.
type PendingConfirmationView struct {
	Hostname    string    `json:"hostname"`
	CommitID    string    `json:"commit_id"`
	HoldMinutes int       `json:"hold_minutes"`
	HealthOK    bool      `json:"health_ok"`
	CreatedAt   time.Time `json:"created_at"`
}

// Finalizer issues the second commit for a pending manual
// confirmation. Implemented by internal/netconf's Applier.
type Finalizer interface {
	Finalize(ctx context.Context, hostname, commitID string) error
}

// PendingLister reads and drains the pending-confirmation registry.
// Implemented by internal/netconf's Registry.
type PendingLister interface {
	List() []netconf.PendingConfirmation
	Take(hostname string) (netconf.PendingConfirmation, bool)
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd      string `json:"cmd"`                 // status | pending_confirmations | confirm | reject
	RunID    string `json:"run_id,omitempty"`    // target run for status
	TargetID string `json:"target_id,omitempty"` // target rollout target for confirm/reject
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK       bool                      `json:"ok"`
	Error    string                    `json:"error,omitempty"`
	Run      *RunStatus                `json:"run,omitempty"`
	Pending  []PendingConfirmationView `json:"pending,omitempty"`
	Hostname string                    `json:"hostname,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	coord      *rollout.Coordinator
	pending    PendingLister
	finalizer  Finalizer
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server. pending and finalizer may be the
// same *netconf.Registry / *netconf.Applier value in production.
func NewServer(socketPath string, coord *rollout.Coordinator, pending PendingLister, finalizer Finalizer, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		coord:      coord,
		pending:    pending,
		finalizer:  finalizer,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus(req)
	case "pending_confirmations":
		return s.cmdPendingConfirmations()
	case "confirm":
		return s.cmdConfirm(ctx, req)
	case "reject":
		return s.cmdReject(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus(req Request) Response {
	if req.RunID == "" {
		return Response{OK: false, Error: "run_id required for status"}
	}
	run, err := s.coord.GetRun(req.RunID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	status := RunStatus{Run: run.Record()}
	for _, stage := range run.Stages {
		ss := StageStatus{Stage: stage.Record()}
		for _, target := range stage.Targets {
			ss.Targets = append(ss.Targets, target.Record())
		}
		status.Stages = append(status.Stages, ss)
	}
	return Response{OK: true, Run: &status}
}

func (s *Server) cmdPendingConfirmations() Response {
	if s.pending == nil {
		return Response{OK: true, Pending: []PendingConfirmationView{}}
	}
	var out []PendingConfirmationView
	for _, pc := range s.pending.List() {
		out = append(out, PendingConfirmationView{
			Hostname: pc.Hostname, CommitID: pc.CommitID, HoldMinutes: pc.HoldMinutes,
			HealthOK: pc.HealthOK, CreatedAt: pc.CreatedAt,
		})
	}
	return Response{OK: true, Pending: out}
}

// resolveHostname turns a target_id into its router hostname via the
// coordinator's tracked runs.
func (s *Server) resolveHostname(targetID string) (string, error) {
	target, _, err := s.coord.FindTarget(targetID)
	if err != nil {
		return "", err
	}
	return target.Hostname, nil
}

func (s *Server) cmdConfirm(ctx context.Context, req Request) Response {
	if req.TargetID == "" {
		return Response{OK: false, Error: "target_id required for confirm"}
	}
	if s.pending == nil || s.finalizer == nil {
		return Response{OK: false, Error: "manual confirmation is not configured"}
	}
	hostname, err := s.resolveHostname(req.TargetID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	pc, ok := s.pending.Take(hostname)
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("no pending confirmation for %q", hostname)}
	}
	if err := s.finalizer.Finalize(ctx, hostname, pc.CommitID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: commit confirmed", zap.String("hostname", hostname), zap.String("commit_id", pc.CommitID))
	return Response{OK: true, Hostname: hostname}
}

func (s *Server) cmdReject(req Request) Response {
	if req.TargetID == "" {
		return Response{OK: false, Error: "target_id required for reject"}
	}
	if s.pending == nil {
		return Response{OK: false, Error: "manual confirmation is not configured"}
	}
	hostname, err := s.resolveHostname(req.TargetID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	pc, ok := s.pending.Take(hostname)
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("no pending confirmation for %q", hostname)}
	}
	s.log.Info("operator: commit rejected, leaving hold timer to revert it",
		zap.String("hostname", hostname), zap.String("commit_id", pc.CommitID))
	return Response{OK: true, Hostname: hostname}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
