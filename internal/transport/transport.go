// Package transport defines the capability boundary to the remote shell and
// file-transfer protocol. The gateway core is written against these
// interfaces; the sshconn subpackage implements them over SSH/SFTP and the
// transporttest subpackage provides an in-memory fake for tests.
package transport

import (
	"context"
	"io"
)

// Target identifies one remote host and the credentials to reach it.
type Target struct {
	ID       string
	Host     string
	Port     int
	User     string
	Password string
}

// Dialer establishes physical connections to targets.
type Dialer interface {
	Dial(ctx context.Context, tgt Target) (Conn, error)
}

// Conn is one authenticated physical connection. Multiple channels are
// multiplexed over it; closing the Conn tears all of them down.
type Conn interface {
	// OpenShell starts an interactive login shell with a PTY.
	OpenShell(ctx context.Context) (Channel, error)
	// OpenExec runs a single command; tty requests a PTY for interactive
	// commands (e.g. "docker exec -it ...").
	OpenExec(ctx context.Context, command string, tty bool) (Channel, error)
	// OpenFile opens a file-transfer channel.
	OpenFile() (FileConn, error)
	// Connected reports whether the connection is still usable.
	Connected() bool
	Close() error
}

// Channel is one logical byte stream over a Conn. Read yields remote output,
// Write feeds remote input. Done is closed when the remote side closes the
// channel, after which ExitStatus is meaningful.
type Channel interface {
	io.Reader
	io.Writer
	// Stderr returns the command's error stream. For PTY channels it is
	// empty (the PTY merges output).
	Stderr() io.Reader
	// Done is closed once the remote channel has closed.
	Done() <-chan struct{}
	// ExitStatus returns the remote exit code, or -1 when unknown.
	ExitStatus() int
	Close() error
}

// FileConn is an SFTP-style channel for streaming file content.
type FileConn interface {
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	// Size returns the size of the remote file, or an error when it cannot
	// be determined (callers treat that as "unknown", not fatal).
	Size(path string) (int64, error)
	Close() error
}
