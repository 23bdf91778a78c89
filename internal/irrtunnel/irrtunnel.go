// Package irrtunnel manages SSH local port-forward tunnels fronting IRR
// (Internet Routing Registry) lookups performed by bgpq4 from restricted
// network environments. Unlike the original, which shells out to the
// system ssh(1) binary, this tunnel is a real golang.org/x/crypto/ssh
// client: one TCP connection to the jump host carries every forwarded
// stream as an SSH channel, with no subprocess to supervise or reap.
package irrtunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/networksandchill/otto-bgp/internal/config"
)

// State mirrors the original's TunnelState lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
)

// Status is a point-in-time snapshot of one tunnel.
type Status struct {
	Name         string
	State        State
	LocalPort    int
	RemoteHost   string
	RemotePort   int
	ErrorMessage string
	RetryCount   int
}

type tunnel struct {
	mu       sync.Mutex
	status   Status
	listener net.Listener
	cancel   context.CancelFunc
}

// Manager establishes and monitors SSH tunnels for IRR access.
type Manager struct {
	cfg    config.IRRTunnelConfig
	logger *zap.Logger

	mu             sync.Mutex
	client         *ssh.Client
	tunnels        map[string]*tunnel
	allocatedPorts map[int]bool
}

// TunnelSpec describes one forwarded port, analogous to the original's
// per-tunnel dict entries in ProxyConfig.tunnels.
type TunnelSpec struct {
	Name       string
	RemoteHost string
	RemotePort int
	LocalPort  int // 0 = auto-allocate from cfg.LocalPortMin..LocalPortMax
}

// New builds a Manager. It does not dial until EstablishAll is called.
func New(cfg config.IRRTunnelConfig, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger, tunnels: map[string]*tunnel{}, allocatedPorts: map[int]bool{}}
}

func (m *Manager) dialJumpHost(ctx context.Context) (*ssh.Client, error) {
	if m.client != nil {
		return m.client, nil
	}

	auth, err := privateKeyAuth(m.cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("irrtunnel: load private key: %w", err)
	}

	if m.cfg.ProxyHost == "" {
		return nil, fmt.Errorf("irrtunnel: proxy_host not configured")
	}

	knownHosts := m.cfg.KnownHostsFile
	if knownHosts == "" {
		knownHosts = "/etc/otto-bgp/known_hosts"
	}
	hostKeyCB, err := knownhosts.New(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("irrtunnel: host key verification unavailable (%q): %w", knownHosts, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            m.cfg.ProxyUser,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCB,
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.ProxyHost, m.cfg.ProxyPort)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("irrtunnel: dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("irrtunnel: ssh handshake with %s: %w", addr, err)
	}
	m.client = ssh.NewClient(sshConn, chans, reqs)
	return m.client, nil
}

func privateKeyAuth(path string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %q: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse private key %q: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}

// EstablishAll sets up every tunnel in specs, returning the count
// successfully connected. Matches the original's "≥1 connected is
// success" semantics — a single failed tunnel among several doesn't
// abort the rest.
func (m *Manager) EstablishAll(ctx context.Context, specs []TunnelSpec) (int, error) {
	if !m.cfg.Enabled {
		return 0, nil
	}
	client, err := m.dialJumpHost(ctx)
	if err != nil {
		return 0, err
	}

	connected := 0
	for _, spec := range specs {
		if err := m.setupTunnel(ctx, client, spec); err != nil {
			m.logger.Warn("irrtunnel: tunnel setup failed", zap.String("name", spec.Name), zap.Error(err))
			continue
		}
		connected++
	}
	if connected == 0 {
		return 0, fmt.Errorf("irrtunnel: no tunnels established out of %d configured", len(specs))
	}
	return connected, nil
}

func (m *Manager) setupTunnel(ctx context.Context, client *ssh.Client, spec TunnelSpec) error {
	localPort := spec.LocalPort
	if localPort == 0 {
		allocated, err := m.allocatePort()
		if err != nil {
			return err
		}
		localPort = allocated
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return fmt.Errorf("listen on 127.0.0.1:%d: %w", localPort, err)
	}

	tunCtx, cancel := context.WithCancel(ctx)
	t := &tunnel{
		status:   Status{Name: spec.Name, State: StateConnected, LocalPort: localPort, RemoteHost: spec.RemoteHost, RemotePort: spec.RemotePort},
		listener: ln,
		cancel:   cancel,
	}

	m.mu.Lock()
	m.tunnels[spec.Name] = t
	m.allocatedPorts[localPort] = true
	m.mu.Unlock()

	go m.acceptLoop(tunCtx, client, t, spec.RemoteHost, spec.RemotePort)
	m.logger.Info("irrtunnel: tunnel established", zap.String("name", spec.Name), zap.Int("local_port", localPort),
		zap.String("remote_host", spec.RemoteHost), zap.Int("remote_port", spec.RemotePort))
	return nil
}

func (m *Manager) acceptLoop(ctx context.Context, client *ssh.Client, t *tunnel, remoteHost string, remotePort int) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.mu.Lock()
			t.status.State = StateFailed
			t.status.ErrorMessage = err.Error()
			t.mu.Unlock()
			return
		}
		go m.bridge(client, conn, remoteHost, remotePort)
	}
}

func (m *Manager) bridge(client *ssh.Client, local net.Conn, remoteHost string, remotePort int) {
	defer local.Close()
	remote, err := client.Dial("tcp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		m.logger.Warn("irrtunnel: remote dial failed", zap.String("remote", remoteHost), zap.Error(err))
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(remote, local) }()
	go func() { defer wg.Done(); _, _ = io.Copy(local, remote) }()
	wg.Wait()
}

func (m *Manager) allocatePort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	min, max := m.cfg.LocalPortMin, m.cfg.LocalPortMax
	if min == 0 {
		min = 43001
	}
	if max == 0 {
		max = 43100
	}
	for port := min; port <= max; port++ {
		if m.allocatedPorts[port] {
			continue
		}
		if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port)); err == nil {
			_ = ln.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("irrtunnel: no available local port in range %d-%d", min, max)
}

// Mapping returns {name: local port} for every currently connected tunnel.
func (m *Manager) Mapping() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]int{}
	for name, t := range m.tunnels {
		t.mu.Lock()
		if t.status.State == StateConnected {
			out[name] = t.status.LocalPort
		}
		t.mu.Unlock()
	}
	return out
}

// Statuses returns a snapshot of every tunnel's current status.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		t.mu.Lock()
		out = append(out, t.status)
		t.mu.Unlock()
	}
	return out
}

// CleanupAll tears down every tunnel listener and closes the jump-host
// connection. Safe to call multiple times.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, t := range m.tunnels {
		t.cancel()
		_ = t.listener.Close()
		delete(m.tunnels, name)
	}
	if m.client != nil {
		_ = m.client.Close()
		m.client = nil
	}
}
