// Package filerelay copies files between targets. It first tries a direct
// host-to-host scp launched on the source machine; when that path is
// unavailable (no sshpass, blocked network) it falls back to streaming the
// content through the gateway over two file channels.
package filerelay

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/webconsole-io/gateway/internal/bus"
	"github.com/webconsole-io/gateway/internal/errs"
	"github.com/webconsole-io/gateway/internal/remotecmd"
	"github.com/webconsole-io/gateway/internal/target"
	"github.com/webconsole-io/gateway/internal/transport"
)

// ConnSource yields a live connection to a target.
type ConnSource interface {
	AnyActive(targetID string) (transport.Conn, bool)
}

// CopyRequest describes one copy task. TaskID keys the progress events; an
// empty TaskID suppresses them.
type CopyRequest struct {
	SrcTargetID string
	SrcPath     string
	DstTargetID string
	DstPath     string
	UserID      string
	TaskID      string
}

// ProgressEvent reports copy progress to the owning user.
type ProgressEvent struct {
	TaskID  string `json:"taskId"`
	Stage   string `json:"stage"` // "copying", "fallback", "done", "error"
	Percent int    `json:"percent"`
	Reason  string `json:"reason,omitempty"`
}

// Relay performs copies between targets.
type Relay struct {
	conns         ConnSource
	targets       *target.Registry
	exec          remotecmd.Executor
	bus           *bus.Bus
	directTimeout time.Duration
}

func New(conns ConnSource, targets *target.Registry, exec remotecmd.Executor, b *bus.Bus, directTimeout time.Duration) *Relay {
	if directTimeout <= 0 {
		directTimeout = time.Minute
	}
	return &Relay{
		conns:         conns,
		targets:       targets,
		exec:          exec,
		bus:           b,
		directTimeout: directTimeout,
	}
}

// Copy moves SrcPath on the source target to DstPath on the destination.
// A copy within one target is a plain remote cp. Across targets the direct
// scp path is tried first and the streaming fallback covers the rest.
func (r *Relay) Copy(ctx context.Context, req CopyRequest) error {
	if req.SrcTargetID == req.DstTargetID {
		conn, ok := r.conns.AnyActive(req.SrcTargetID)
		if !ok {
			return fmt.Errorf("%w: no active session on %s", errs.ErrConnection, req.SrcTargetID)
		}
		cmd := fmt.Sprintf("cp -r %s %s", remotecmd.Quote(req.SrcPath), remotecmd.Quote(req.DstPath))
		if _, err := r.exec.Run(ctx, conn, cmd); err != nil {
			r.progress(req, "error", 0, err.Error())
			return err
		}
		r.progress(req, "done", 100, "")
		return nil
	}

	err := r.direct(ctx, req)
	if err == nil {
		r.progress(req, "done", 100, "")
		return nil
	}
	log.Printf("[filerelay] direct copy %s -> %s failed: %v", req.SrcTargetID, req.DstTargetID, err)
	r.progress(req, "fallback", 0, err.Error())

	if err := r.stream(ctx, req); err != nil {
		r.progress(req, "error", 0, err.Error())
		return err
	}
	r.progress(req, "done", 100, "")
	return nil
}

// direct runs scp on the source host, pushing straight to the destination.
func (r *Relay) direct(ctx context.Context, req CopyRequest) error {
	conn, ok := r.conns.AnyActive(req.SrcTargetID)
	if !ok {
		return fmt.Errorf("%w: no active session on %s", errs.ErrConnection, req.SrcTargetID)
	}
	dst, ok := r.targets.Get(req.DstTargetID)
	if !ok {
		return fmt.Errorf("%w: target %s", errs.ErrNotFound, req.DstTargetID)
	}
	port := dst.Port
	if port == 0 {
		port = 22
	}

	cmd := fmt.Sprintf(
		"sshpass -p %s scp -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null -P %d -r %s %s",
		remotecmd.Quote(dst.Password), port, remotecmd.Quote(req.SrcPath),
		remotecmd.Quote(dst.User+"@"+dst.Host+":"+req.DstPath))

	ctx, cancel := context.WithTimeout(ctx, r.directTimeout)
	defer cancel()
	_, err := r.exec.Run(ctx, conn, cmd)
	return err
}

// stream pipes the file through the gateway over two file channels.
func (r *Relay) stream(ctx context.Context, req CopyRequest) error {
	srcConn, ok := r.conns.AnyActive(req.SrcTargetID)
	if !ok {
		return fmt.Errorf("%w: no active session on %s", errs.ErrConnection, req.SrcTargetID)
	}
	dstConn, ok := r.conns.AnyActive(req.DstTargetID)
	if !ok {
		return fmt.Errorf("%w: no active session on %s", errs.ErrConnection, req.DstTargetID)
	}

	srcFiles, err := srcConn.OpenFile()
	if err != nil {
		return fmt.Errorf("%w: open source file channel: %v", errs.ErrConnection, err)
	}
	defer srcFiles.Close()
	dstFiles, err := dstConn.OpenFile()
	if err != nil {
		return fmt.Errorf("%w: open destination file channel: %v", errs.ErrConnection, err)
	}
	defer dstFiles.Close()

	// Size is best effort; without it progress stays at zero until done.
	var total int64
	if size, err := srcFiles.Size(req.SrcPath); err == nil {
		total = size
	}

	src, err := srcFiles.Open(req.SrcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", req.SrcPath, err)
	}
	defer src.Close()
	dst, err := dstFiles.Create(req.DstPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", req.DstPath, err)
	}

	pw := &progressWriter{relay: r, req: req, total: total}
	if _, err := io.Copy(io.MultiWriter(dst, pw), src); err != nil {
		dst.Close()
		return fmt.Errorf("stream copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("finish copy: %w", err)
	}
	return nil
}

func (r *Relay) progress(req CopyRequest, stage string, percent int, reason string) {
	if req.TaskID == "" {
		return
	}
	r.bus.Publish(bus.UserTopic(req.UserID, bus.TopicCopyProgress), ProgressEvent{
		TaskID:  req.TaskID,
		Stage:   stage,
		Percent: percent,
		Reason:  reason,
	})
}

// progressWriter publishes throttled, monotonic percent updates as bytes
// flow through it.
type progressWriter struct {
	relay *Relay
	req   CopyRequest
	total int64

	written     int64
	lastPercent int
	lastEmit    time.Time
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.total <= 0 {
		return len(p), nil
	}
	percent := int(w.written * 100 / w.total)
	if percent > 99 {
		percent = 99 // 100 is reserved for the final done event
	}
	now := time.Now()
	if percent > w.lastPercent && now.Sub(w.lastEmit) >= 500*time.Millisecond {
		w.lastPercent = percent
		w.lastEmit = now
		w.relay.progress(w.req, "copying", percent, "")
	}
	return len(p), nil
}
