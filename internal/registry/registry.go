// Package registry is the session core: it owns the lifecycle of terminal
// sessions, their pooled SSH channels, scrollback history, per-user quotas
// and ordering, and the restorable records that survive a restart.
package registry

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webconsole-io/gateway/internal/bus"
	"github.com/webconsole-io/gateway/internal/errs"
	"github.com/webconsole-io/gateway/internal/logutil"
	"github.com/webconsole-io/gateway/internal/sshpool"
	"github.com/webconsole-io/gateway/internal/store"
	"github.com/webconsole-io/gateway/internal/target"
	"github.com/webconsole-io/gateway/internal/termcodec"
	"github.com/webconsole-io/gateway/internal/transport"
)

// Session status values reported to clients.
const (
	StatusConnected        = "connected"
	StatusRestorable       = "restorable"
	StatusAlreadyConnected = "already_connected"
)

// View modes a session can hold. Docker and files are "primary" views: at
// most one session per user shows each, and leaving one tears down the
// helper sessions it spawned.
const (
	ViewTerminal = "terminal"
	ViewDocker   = "docker"
	ViewFiles    = "files"
)

// Info is the client-visible snapshot of a session.
type Info struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	TargetID  string `json:"targetId"`
	Name      string `json:"name"`
	Command   string `json:"command,omitempty"`
	ViewMode  string `json:"viewMode"`
	Docker    bool   `json:"docker"`
	Status    string `json:"status"`
}

// CreateRequest describes a session to open. SessionID may be supplied by
// the client for idempotent retries; when empty one is generated.
type CreateRequest struct {
	SessionID string
	UserID    string
	TargetID  string
	Command   string
	Name      string
	ViewMode  string
}

// TerminatedEvent is published when a session ends.
type TerminatedEvent struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	ByUser    bool   `json:"byUser"`
	Reason    string `json:"reason,omitempty"`
}

// ProgressEvent reports connect progress to the owning user.
type ProgressEvent struct {
	SessionID string `json:"sessionId"`
	Stage     string `json:"stage"`
}

// OutputEvent carries decoded terminal output.
type OutputEvent struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// ViewModeEvent announces a view mode change.
type ViewModeEvent struct {
	SessionID string `json:"sessionId"`
	ViewMode  string `json:"viewMode"`
}

// Options tunes the registry.
type Options struct {
	IdleTimeout          time.Duration
	MaxSessionsPerTarget int
	HistoryLimit         int
}

// Registry tracks every live and restorable session.
type Registry struct {
	pool    *sshpool.Pool
	store   *store.Store
	targets *target.Registry
	bus     *bus.Bus
	opts    Options

	mu         sync.Mutex
	active     map[string]*session
	connecting map[string]struct{}
	restorable map[string]store.SessionRecord
}

func New(pool *sshpool.Pool, st *store.Store, targets *target.Registry, b *bus.Bus, opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 3 * time.Minute
	}
	if opts.MaxSessionsPerTarget <= 0 {
		opts.MaxSessionsPerTarget = 100
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = termcodec.DefaultHistoryLimit
	}
	return &Registry{
		pool:       pool,
		store:      st,
		targets:    targets,
		bus:        b,
		opts:       opts,
		active:     make(map[string]*session),
		connecting: make(map[string]struct{}),
		restorable: make(map[string]store.SessionRecord),
	}
}

// LoadRestorable pulls persisted records into the restorable set. Called
// once at startup; a storage failure degrades to an empty set rather than
// blocking the gateway.
func (r *Registry) LoadRestorable() {
	recs, err := r.store.LoadRecords()
	if err != nil {
		log.Printf("[registry] load restorable sessions: %v", err)
		return
	}
	r.mu.Lock()
	for _, rec := range recs {
		r.restorable[rec.SessionID] = rec
	}
	r.mu.Unlock()
	if len(recs) > 0 {
		log.Printf("[registry] loaded %d restorable session(s)", len(recs))
	}
}

// IsDockerCommand reports whether a command spawns a docker helper session.
func IsDockerCommand(command string) bool {
	return strings.HasPrefix(command, "docker exec")
}

// Create opens a new session. Re-creating an id that is already live
// returns the existing session with StatusAlreadyConnected instead of a
// duplicate. Docker helper sessions whose owner no longer has a docker view
// open on the target are discarded right after connecting.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (Info, error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if req.ViewMode == "" {
		req.ViewMode = ViewTerminal
	}
	if req.ViewMode != ViewTerminal && req.ViewMode != ViewDocker && req.ViewMode != ViewFiles {
		return Info{}, fmt.Errorf("%w: view mode %q", errs.ErrInvalidArgument, req.ViewMode)
	}
	isDocker := IsDockerCommand(req.Command)

	r.mu.Lock()
	if s, ok := r.active[req.SessionID]; ok {
		info := s.snapshot()
		info.Status = StatusAlreadyConnected
		r.mu.Unlock()
		return info, nil
	}
	if _, ok := r.connecting[req.SessionID]; ok {
		r.mu.Unlock()
		return Info{SessionID: req.SessionID, Status: StatusAlreadyConnected}, nil
	}
	if err := r.checkQuotaLocked(req.UserID, req.TargetID, isDocker); err != nil {
		r.mu.Unlock()
		return Info{}, err
	}
	r.connecting[req.SessionID] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.connecting, req.SessionID)
		r.mu.Unlock()
	}()

	info := Info{
		SessionID: req.SessionID,
		UserID:    req.UserID,
		TargetID:  req.TargetID,
		Name:      req.Name,
		Command:   req.Command,
		ViewMode:  req.ViewMode,
		Docker:    isDocker,
		Status:    StatusConnected,
	}
	if info.Name == "" {
		info.Name = r.targets.Name(req.TargetID)
	}

	s, err := r.connect(ctx, info)
	if err != nil {
		return Info{}, err
	}

	// A docker helper only makes sense while its parent docker view is
	// open; the view may have been closed during the connect.
	if isDocker && !r.hasPrimaryView(req.UserID, req.TargetID, ViewDocker) {
		s.close(false)
		log.Printf("[registry] discarding orphaned docker session %s", logutil.Sanitize(req.SessionID))
		return Info{}, fmt.Errorf("%w: docker view closed for %s", errs.ErrViewClosed, req.TargetID)
	}

	r.mu.Lock()
	r.active[req.SessionID] = s
	r.mu.Unlock()

	// Creating straight into a primary view takes it over like a view
	// switch does.
	if req.ViewMode == ViewDocker || req.ViewMode == ViewFiles {
		r.demoteSiblings(req.UserID, req.TargetID, req.ViewMode, req.SessionID)
	}

	if err := r.store.SaveRecord(recordOf(info)); err != nil {
		log.Printf("[registry] persist session %s: %v", logutil.Sanitize(req.SessionID), err)
	}
	if err := r.store.AppendOrder(req.UserID, req.SessionID); err != nil {
		log.Printf("[registry] append order %s: %v", logutil.Sanitize(req.SessionID), err)
	}

	go r.pump(s)
	r.bus.Publish(bus.UserTopic(req.UserID, bus.TopicSessionCreated), info)
	log.Printf("[registry] session %s connected to %s (user %s)", logutil.Sanitize(req.SessionID), req.TargetID, req.UserID)
	return info, nil
}

// Restore reconnects a restorable session under its original id. Only the
// owner may restore; the persisted record stays in place as the mirror of
// the live session.
func (r *Registry) Restore(ctx context.Context, sessionID, userID string) (Info, error) {
	r.mu.Lock()
	if s, ok := r.active[sessionID]; ok {
		info := s.snapshot()
		r.mu.Unlock()
		if info.UserID != userID {
			return Info{}, fmt.Errorf("%w: session %s", errs.ErrUnauthorized, sessionID)
		}
		info.Status = StatusAlreadyConnected
		return info, nil
	}
	rec, ok := r.restorable[sessionID]
	r.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
	}
	if rec.UserID != userID {
		return Info{}, fmt.Errorf("%w: session %s", errs.ErrUnauthorized, sessionID)
	}

	info := Info{
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		TargetID:  rec.TargetID,
		Name:      rec.Name,
		Command:   rec.Command,
		ViewMode:  rec.ViewMode,
		Docker:    rec.Docker,
		Status:    StatusConnected,
	}
	if info.ViewMode == "" {
		info.ViewMode = ViewTerminal
	}

	s, err := r.connect(ctx, info)
	if err != nil {
		return Info{}, err
	}

	r.mu.Lock()
	r.active[sessionID] = s
	r.mu.Unlock()

	// Refresh the record's TTL now that the session is live again.
	if err := r.store.SaveRecord(recordOf(info)); err != nil {
		log.Printf("[registry] refresh record %s: %v", sessionID, err)
	}

	go r.pump(s)
	r.bus.Publish(bus.UserTopic(userID, bus.TopicSessionCreated), info)
	log.Printf("[registry] session %s restored (user %s)", sessionID, userID)
	return info, nil
}

// connect dials (or reuses) a pooled connection and opens the session's
// channel, reporting progress to the owner.
func (r *Registry) connect(ctx context.Context, info Info) (*session, error) {
	progress := func(stage string) {
		r.bus.Publish(bus.UserTopic(info.UserID, bus.TopicSessionProgress),
			ProgressEvent{SessionID: info.SessionID, Stage: stage})
	}

	tgt, ok := r.targets.Get(info.TargetID)
	if !ok {
		return nil, fmt.Errorf("%w: target %s", errs.ErrNotFound, info.TargetID)
	}

	progress("connecting")
	lease, err := r.pool.Acquire(ctx, tgt.Transport())
	if err != nil {
		progress("failed")
		return nil, err
	}

	progress("opening_channel")
	var ch transport.Channel
	if info.Command == "" {
		ch, err = lease.Conn.OpenShell(ctx)
	} else {
		ch, err = lease.Conn.OpenExec(ctx, info.Command, true)
	}
	if err != nil {
		lease.Release()
		progress("failed")
		return nil, fmt.Errorf("%w: open channel: %v", errs.ErrConnection, err)
	}

	progress("connected")
	return &session{
		info:       info,
		lease:      lease,
		ch:         ch,
		codec:      termcodec.New(r.opts.HistoryLimit),
		lastActive: time.Now(),
	}, nil
}

// checkQuotaLocked enforces the per-(user, target, kind) session cap,
// counting live sessions and restorable records that are not live.
func (r *Registry) checkQuotaLocked(userID, targetID string, isDocker bool) error {
	limit := r.targets.MaxSessions(userID, r.opts.MaxSessionsPerTarget)
	n := 0
	for _, s := range r.active {
		in := s.snapshot()
		if in.UserID == userID && in.TargetID == targetID && in.Docker == isDocker {
			n++
		}
	}
	for id, rec := range r.restorable {
		if _, live := r.active[id]; live {
			continue
		}
		if rec.UserID == userID && rec.TargetID == targetID && rec.Docker == isDocker {
			n++
		}
	}
	if n >= limit {
		return fmt.Errorf("%w: %d session(s) on %s", errs.ErrQuotaExceeded, n, targetID)
	}
	return nil
}

// hasPrimaryView reports whether the user still has a session in the given
// primary view mode on the target, live or restorable.
func (r *Registry) hasPrimaryView(userID, targetID, mode string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.active {
		in := s.snapshot()
		if in.UserID == userID && in.TargetID == targetID && in.ViewMode == mode {
			return true
		}
	}
	for id, rec := range r.restorable {
		if _, live := r.active[id]; live {
			continue
		}
		if rec.UserID == userID && rec.TargetID == targetID && rec.ViewMode == mode {
			return true
		}
	}
	return false
}

func recordOf(info Info) store.SessionRecord {
	return store.SessionRecord{
		SessionID: info.SessionID,
		UserID:    info.UserID,
		TargetID:  info.TargetID,
		Command:   info.Command,
		ViewMode:  info.ViewMode,
		Name:      info.Name,
		Docker:    info.Docker,
	}
}
