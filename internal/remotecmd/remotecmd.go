// Package remotecmd runs one-shot commands over a transport connection.
package remotecmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/webconsole-io/gateway/internal/errs"
	"github.com/webconsole-io/gateway/internal/transport"
)

// DefaultSettleWait bounds how long Run waits for the channel to report its
// exit status after output has been read.
const DefaultSettleWait = 5 * time.Second

// Executor runs commands on already-established connections.
type Executor struct {
	SettleWait time.Duration
}

// Run executes command on conn and returns its stdout. A non-zero exit
// status yields ErrCommandFailed carrying stderr when available. An exit
// status that never arrives within SettleWait is treated as success, since
// some servers close the channel without sending one.
func (e Executor) Run(ctx context.Context, conn transport.Conn, command string) (string, error) {
	ch, err := conn.OpenExec(ctx, command, false)
	if err != nil {
		return "", fmt.Errorf("%w: open channel: %v", errs.ErrConnection, err)
	}
	defer ch.Close()

	errOut := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(ch.Stderr())
		errOut <- string(b)
	}()

	out, readErr := io.ReadAll(ch)
	if readErr != nil {
		return "", fmt.Errorf("%w: read output: %v", errs.ErrConnection, readErr)
	}

	wait := e.SettleWait
	if wait <= 0 {
		wait = DefaultSettleWait
	}
	select {
	case <-ch.Done():
	case <-time.After(wait):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	var stderr string
	select {
	case stderr = <-errOut:
	case <-time.After(wait):
	}

	status := ch.ExitStatus()
	if status != 0 && status != -1 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", status)
		}
		return string(out), fmt.Errorf("%w: %s", errs.ErrCommandFailed, msg)
	}
	return string(out), nil
}

// Quote wraps arg in single quotes for safe interpolation into a remote
// shell command line.
func Quote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
