// Package netconf implements the NETCONF applier: hand-rolled
// NETCONF-over-SSH transport, confirmed-commit sequencing, post-commit
// health probing, and mode-dependent finalization.
package netconf

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// delimiter terminates every NETCONF 1.0 RPC message per RFC 6241 §8.1.
const delimiter = "]]>]]>"

const helloMessage = `<?xml version="1.0" encoding="UTF-8"?>
<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">
  <capabilities>
    <capability>urn:ietf:params:netconf:base:1.0</capability>
  </capabilities>
</hello>
` + delimiter

// transport is one NETCONF-over-SSH connection: a single SSH session with
// stdin/stdout wired to the `netconf` subsystem, framed by the ]]>]]>
// delimiter.
type transport struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	reader  *bufio.Reader
	seq     int64
}

// dialTransport opens an SSH connection with strict host-key verification
// against knownHostsFile, starts the `netconf` subsystem, and exchanges
// <hello> messages. timeout bounds the whole handshake.
func dialTransport(ctx context.Context, hostname string, port int, username, privateKeyFile, knownHostsFile string, timeout time.Duration) (*transport, error) {
	hostKeyCallback, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("%w: loading known_hosts %q: %v", ErrNetconfConnectFailed, knownHostsFile, err)
	}

	auth, err := privateKeyAuth(privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetconfConnectFailed, err)
	}

	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: wrapHostKeyCallback(hostKeyCallback),
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", hostname, port)
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNetconfConnectFailed, addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if isHostKeyError(err) {
			return nil, fmt.Errorf("%w: %v", ErrHostKeyMismatch, err)
		}
		return nil, fmt.Errorf("%w: handshake: %v", ErrNetconfConnectFailed, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: session: %v", ErrNetconfConnectFailed, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrNetconfConnectFailed, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrNetconfConnectFailed, err)
	}

	if err := session.RequestSubsystem("netconf"); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("%w: netconf subsystem: %v", ErrNetconfConnectFailed, err)
	}

	t := &transport{client: client, session: session, stdin: stdin, reader: bufio.NewReaderSize(stdout, 64*1024)}

	if _, err := stdin.Write([]byte(helloMessage)); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: sending hello: %v", ErrNetconfConnectFailed, err)
	}
	if _, err := t.readFrame(); err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: reading server hello: %v", ErrNetconfConnectFailed, err)
	}

	return t, nil
}

// send writes body followed by the ]]>]]> delimiter.
func (t *transport) send(body string) error {
	_, err := t.stdin.Write([]byte(body + "\n" + delimiter))
	return err
}

// readFrame reads up to the next ]]>]]> delimiter and returns the message
// body (delimiter stripped).
func (t *transport) readFrame() (string, error) {
	var b strings.Builder
	for {
		line, err := t.reader.ReadString('\n')
		b.WriteString(line)
		if err != nil {
			return "", err
		}
		if idx := strings.Index(b.String(), delimiter); idx >= 0 {
			return strings.TrimSpace(b.String()[:idx]), nil
		}
	}
}

func (t *transport) nextMessageID() int64 {
	return atomic.AddInt64(&t.seq, 1)
}

// rpc sends an rpc envelope wrapping body and returns the raw rpc-reply
// payload.
func (t *transport) rpc(body string) (string, error) {
	id := t.nextMessageID()
	msg := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<rpc message-id="%d" xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">
%s
</rpc>`, id, body)
	if err := t.send(msg); err != nil {
		return "", err
	}
	return t.readFrame()
}

func (t *transport) Close() error {
	var err error
	if t.session != nil {
		err = t.session.Close()
	}
	if t.client != nil {
		if cerr := t.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func privateKeyAuth(path string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key %q: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %q: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}

func wrapHostKeyCallback(cb ssh.HostKeyCallback) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := cb(hostname, remote, key); err != nil {
			return fmt.Errorf("%w: %v", ErrHostKeyMismatch, err)
		}
		return nil
	}
}

func isHostKeyError(err error) bool {
	var keyErr *knownhosts.KeyError
	if err == nil {
		return false
	}
	if strings.Contains(err.Error(), "host key mismatch") {
		return true
	}
	return asKeyError(err, &keyErr)
}

func asKeyError(err error, target **knownhosts.KeyError) bool {
	for err != nil {
		if ke, ok := err.(*knownhosts.KeyError); ok {
			*target = ke
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
