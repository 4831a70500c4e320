// Package transporttest provides an in-memory transport implementation for
// tests: scripted exec results, pipe-backed interactive channels, and a
// map-backed remote filesystem for file channels.
package transporttest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/webconsole-io/gateway/internal/transport"
)

// Result scripts the outcome of a one-shot exec command.
type Result struct {
	Stdout string
	Stderr string
	Exit   int
	Err    error // returned from OpenExec itself
}

// Dialer hands out fake connections. Script and Files are shared across all
// connections it creates, so a test can pre-load remote behavior once.
type Dialer struct {
	mu      sync.Mutex
	DialErr error
	Script  map[string]Result
	// Handle, when set, takes precedence over Script. It may block to let
	// tests exercise request collapsing.
	Handle func(command string) (Result, bool)
	Files  map[string][]byte
	conns  []*Conn
}

func NewDialer() *Dialer {
	return &Dialer{
		Script: make(map[string]Result),
		Files:  make(map[string][]byte),
	}
}

func (d *Dialer) Dial(ctx context.Context, tgt transport.Target) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c := &Conn{Target: tgt, dialer: d}
	d.conns = append(d.conns, c)
	return c, nil
}

// Dialed returns how many connections were established.
func (d *Dialer) Dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Conns returns all connections created so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// ExecCount returns how many recorded exec commands, across all
// connections, contain the given substring.
func (d *Dialer) ExecCount(substr string) int {
	n := 0
	for _, c := range d.Conns() {
		for _, cmd := range c.Execs() {
			if strings.Contains(cmd, substr) {
				n++
			}
		}
	}
	return n
}

// Conn is a fake physical connection.
type Conn struct {
	Target transport.Target

	dialer *Dialer
	mu     sync.Mutex
	closed bool
	execs  []string
	shells []*Channel
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	shells := append([]*Channel(nil), c.shells...)
	c.mu.Unlock()
	for _, sh := range shells {
		sh.CloseRemote(-1)
	}
	return nil
}

// Execs returns the commands run on this connection.
func (c *Conn) Execs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.execs))
	copy(out, c.execs)
	return out
}

// Shells returns the interactive channels opened on this connection.
func (c *Conn) Shells() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, len(c.shells))
	copy(out, c.shells)
	return out
}

func (c *Conn) OpenShell(ctx context.Context) (transport.Channel, error) {
	return c.openInteractive("")
}

func (c *Conn) OpenExec(ctx context.Context, command string, tty bool) (transport.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.execs = append(c.execs, command)
	c.mu.Unlock()

	if tty {
		return c.openInteractive(command)
	}

	res, ok := c.lookup(command)
	if !ok {
		res = Result{}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	// The channel starts finished: done is closed and closed is set so a
	// later Close cannot re-close done or overwrite the scripted exit.
	ch := &Channel{
		Command: command,
		stdout:  io.NopCloser(strings.NewReader(res.Stdout)),
		stderr:  strings.NewReader(res.Stderr),
		done:    make(chan struct{}),
		exit:    res.Exit,
		closed:  true,
	}
	close(ch.done)
	return ch, nil
}

func (c *Conn) lookup(command string) (Result, bool) {
	d := c.dialer
	if d == nil {
		return Result{}, false
	}
	if d.Handle != nil {
		if res, ok := d.Handle(command); ok {
			return res, true
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, ok := d.Script[command]
	return res, ok
}

func (c *Conn) openInteractive(command string) (transport.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("connection closed")
	}
	pr, pw := io.Pipe()
	ch := &Channel{
		Command: command,
		stdout:  pr,
		feed:    pw,
		stderr:  strings.NewReader(""),
		done:    make(chan struct{}),
		exit:    -1,
	}
	c.shells = append(c.shells, ch)
	return ch, nil
}

func (c *Conn) OpenFile() (transport.FileConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("connection closed")
	}
	return &FileConn{dialer: c.dialer}, nil
}

// Channel is a fake transport channel. For interactive channels, tests
// inject remote output with Feed and end the stream with CloseRemote;
// Written returns everything the gateway wrote to remote stdin.
type Channel struct {
	Command string

	stdout io.ReadCloser
	feed   *io.PipeWriter
	stderr io.Reader
	done   chan struct{}

	mu      sync.Mutex
	exit    int
	closed  bool
	written bytes.Buffer
}

func (ch *Channel) Read(p []byte) (int, error) { return ch.stdout.Read(p) }

func (ch *Channel) Write(p []byte) (int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.written.Write(p)
}

func (ch *Channel) Stderr() io.Reader     { return ch.stderr }
func (ch *Channel) Done() <-chan struct{} { return ch.done }

func (ch *Channel) ExitStatus() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.exit
}

func (ch *Channel) Close() error {
	ch.CloseRemote(-1)
	return nil
}

// Feed injects remote output into the channel.
func (ch *Channel) Feed(p []byte) {
	if ch.feed != nil {
		ch.feed.Write(p)
	}
}

// CloseRemote simulates the remote side closing the channel with the given
// exit status.
func (ch *Channel) CloseRemote(exit int) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.exit = exit
	ch.mu.Unlock()
	if ch.feed != nil {
		ch.feed.Close()
	}
	close(ch.done)
}

// Written returns the bytes the gateway wrote to this channel.
func (ch *Channel) Written() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.written.String()
}

// FileConn is a fake SFTP channel over the dialer's shared Files map.
type FileConn struct {
	dialer *Dialer
	mu     sync.Mutex
	closed bool
}

func (f *FileConn) Open(path string) (io.ReadCloser, error) {
	f.dialer.mu.Lock()
	data, ok := f.dialer.Files[path]
	f.dialer.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *FileConn) Create(path string) (io.WriteCloser, error) {
	return &fileWriter{dialer: f.dialer, path: path}, nil
}

func (f *FileConn) Size(path string) (int64, error) {
	f.dialer.mu.Lock()
	data, ok := f.dialer.Files[path]
	f.dialer.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("stat %s: no such file", path)
	}
	return int64(len(data)), nil
}

func (f *FileConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called, for release-path assertions.
func (f *FileConn) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fileWriter struct {
	dialer *Dialer
	path   string
	buf    bytes.Buffer
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fileWriter) Close() error {
	w.dialer.mu.Lock()
	w.dialer.Files[w.path] = append([]byte(nil), w.buf.Bytes()...)
	w.dialer.mu.Unlock()
	return nil
}
