// Package sshconn implements the transport capability over SSH and SFTP.
package sshconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/webconsole-io/gateway/internal/transport"
)

const defaultDialTimeout = 30 * time.Second

// Dialer dials SSH connections with password authentication.
type Dialer struct {
	Timeout time.Duration
}

func NewDialer(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &Dialer{Timeout: timeout}
}

// Dial connects to the target. The context can cancel a slow dial; the
// configured timeout bounds it regardless.
func (d *Dialer) Dial(ctx context.Context, tgt transport.Target) (transport.Conn, error) {
	if tgt.Host == "" {
		return nil, fmt.Errorf("dial: host is empty")
	}
	port := tgt.Port
	if port == 0 {
		port = 22
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("dial: invalid port %d", port)
	}

	cfg := &ssh.ClientConfig{
		User: tgt.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(tgt.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.Timeout,
	}
	addr := net.JoinHostPort(tgt.Host, strconv.Itoa(port))

	var (
		client  *ssh.Client
		dialErr error
	)
	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		client, dialErr = ssh.Dial("tcp", addr, cfg)
	}()

	select {
	case <-ctx.Done():
		go func() {
			<-dialDone
			if client != nil {
				client.Close()
			}
		}()
		return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
	case <-dialDone:
		if dialErr != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, dialErr)
		}
	}

	c := &conn{client: client}
	go func() {
		client.Wait()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	}()
	return c, nil
}

type conn struct {
	client *ssh.Client
	mu     sync.Mutex
	closed bool
}

func (c *conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.client.Close()
}

var ptyModes = ssh.TerminalModes{
	ssh.ECHO:          1,
	ssh.TTY_OP_ISPEED: 14400,
	ssh.TTY_OP_OSPEED: 14400,
}

func (c *conn) OpenShell(ctx context.Context) (transport.Channel, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open shell session: %w", err)
	}
	if err := sess.RequestPty("xterm-256color", 24, 80, ptyModes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	// Many sshd configs reject Setenv; the PTY type already carries TERM.
	_ = sess.Setenv("TERM", "xterm-256color")
	ch, err := newChannel(sess)
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	ch.watch()
	return ch, nil
}

func (c *conn) OpenExec(ctx context.Context, command string, tty bool) (transport.Channel, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open exec session: %w", err)
	}
	if tty {
		if err := sess.RequestPty("xterm-256color", 24, 80, ptyModes); err != nil {
			sess.Close()
			return nil, fmt.Errorf("request pty: %w", err)
		}
	}
	ch, err := newChannel(sess)
	if err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}
	ch.watch()
	return ch, nil
}

func (c *conn) OpenFile() (transport.FileConn, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}
	return &fileConn{client: client}, nil
}

// channel adapts an *ssh.Session to transport.Channel.
type channel struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	done   chan struct{}

	mu   sync.Mutex
	exit int
}

func newChannel(sess *ssh.Session) (*channel, error) {
	stdin, err := sess.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return &channel{
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
		exit:   -1,
	}, nil
}

// watch waits for the remote side to finish and records the exit status.
// Must be called exactly once, after Shell/Start succeeded.
func (ch *channel) watch() {
	go func() {
		err := ch.sess.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				code = exitErr.ExitStatus()
			} else {
				code = -1
			}
		}
		ch.mu.Lock()
		ch.exit = code
		ch.mu.Unlock()
		close(ch.done)
	}()
}

func (ch *channel) Read(p []byte) (int, error)  { return ch.stdout.Read(p) }
func (ch *channel) Write(p []byte) (int, error) { return ch.stdin.Write(p) }
func (ch *channel) Stderr() io.Reader           { return ch.stderr }
func (ch *channel) Done() <-chan struct{}       { return ch.done }

func (ch *channel) ExitStatus() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.exit
}

func (ch *channel) Close() error {
	return ch.sess.Close()
}

type fileConn struct {
	client *sftp.Client
}

func (f *fileConn) Open(path string) (io.ReadCloser, error) {
	return f.client.Open(path)
}

func (f *fileConn) Create(path string) (io.WriteCloser, error) {
	return f.client.Create(path)
}

func (f *fileConn) Size(path string) (int64, error) {
	fi, err := f.client.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return fi.Size(), nil
}

func (f *fileConn) Close() error {
	return f.client.Close()
}
