package device

import (
	"fmt"
	"io"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/conduit-network/conduit/pkg/config"
)

// Transport is the bidirectional byte channel to a device. Reads are
// driven by the controller's per-device reader; writes happen on the
// reactor.
type Transport interface {
	io.Reader
	io.Writer
	Close() error
}

// Dialer opens transports for inventory entries. The controller uses
// the SSH dialer; tests substitute their own.
type Dialer interface {
	Dial(conf *config.DeviceConfig) (Transport, error)
}

// SSHTransport runs the NETCONF subsystem over an SSH session.
type SSHTransport struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// SSHDialer dials devices with password authentication from the
// inventory.
type SSHDialer struct{}

// Dial connects to addr:830 (unless the address carries a port) and
// requests the netconf subsystem.
func (SSHDialer) Dial(conf *config.DeviceConfig) (Transport, error) {
	sshConf := &ssh.ClientConfig{
		User: conf.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(conf.Password),
		},
		// Device host keys are provisioned out of band.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	addr := conf.Addr
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "830")
	}
	client, err := ssh.Dial("tcp", addr, sshConf)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("SSH session %s: %w", addr, err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, err
	}
	if err := session.RequestSubsystem("netconf"); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("netconf subsystem %s: %w", addr, err)
	}
	return &SSHTransport{
		client:  client,
		session: session,
		stdin:   stdin,
		stdout:  stdout,
	}, nil
}

func (t *SSHTransport) Read(p []byte) (int, error) {
	return t.stdout.Read(p)
}

func (t *SSHTransport) Write(p []byte) (int, error) {
	return t.stdin.Write(p)
}

// Close tears down the session and connection.
func (t *SSHTransport) Close() error {
	t.stdin.Close()
	t.session.Close()
	return t.client.Close()
}
