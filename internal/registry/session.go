package registry

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/webconsole-io/gateway/internal/bus"
	"github.com/webconsole-io/gateway/internal/errs"
	"github.com/webconsole-io/gateway/internal/sshpool"
	"github.com/webconsole-io/gateway/internal/termcodec"
	"github.com/webconsole-io/gateway/internal/transport"
)

// session is one live terminal session bound to a pooled channel.
type session struct {
	mu         sync.Mutex
	info       Info
	lease      *sshpool.Lease
	ch         transport.Channel
	codec      *termcodec.Codec
	lastActive time.Time
	closed     bool
	byUser     bool
}

func (s *session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) setViewMode(mode string) {
	s.mu.Lock()
	s.info.ViewMode = mode
	s.mu.Unlock()
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// close tears down the channel and releases the pool lease. byUser marks a
// deliberate termination so the pump does not record it as a disconnect.
func (s *session) close(byUser bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if byUser {
		s.byUser = true
	}
	ch, lease := s.ch, s.lease
	s.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	if lease != nil {
		lease.Release()
	}
}

func (s *session) closedByUser() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byUser
}

// pump copies remote output into the event bus until the channel closes,
// then parks the session as restorable.
func (r *Registry) pump(s *session) {
	info := s.snapshot()
	topic := bus.UserTopic(info.UserID, bus.TopicCommandOut)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ch.Read(buf)
		if n > 0 {
			if out := s.codec.Write(buf[:n]); out != "" {
				r.bus.Publish(topic, OutputEvent{SessionID: info.SessionID, Data: out})
			}
		}
		if err != nil {
			break
		}
	}
	if s.closedByUser() {
		return
	}
	s.close(false)
	r.park(info, "channel closed")
}

// park moves a live session to the restorable set, keeping its persisted
// record so the owner can reconnect later.
func (r *Registry) park(info Info, reason string) {
	r.mu.Lock()
	if _, ok := r.active[info.SessionID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, info.SessionID)
	r.restorable[info.SessionID] = recordOf(info)
	r.mu.Unlock()

	r.bus.Publish(bus.UserTopic(info.UserID, bus.TopicSessionTerminated), TerminatedEvent{
		SessionID: info.SessionID,
		TargetID:  info.TargetID,
		ByUser:    false,
		Reason:    reason,
	})
	log.Printf("[registry] session %s parked (%s)", info.SessionID, reason)
}

// Terminate ends a session for good: channel, pool lease, persisted record
// and order entry. When the session held a docker or files view, the docker
// helper sessions it spawned on the same target go with it.
func (r *Registry) Terminate(sessionID, userID string) error {
	r.mu.Lock()
	s, live := r.active[sessionID]
	rec, parked := r.restorable[sessionID]
	r.mu.Unlock()

	switch {
	case live:
		info := s.snapshot()
		if info.UserID != userID {
			return fmt.Errorf("%w: session %s", errs.ErrUnauthorized, sessionID)
		}
		if info.ViewMode == ViewDocker || info.ViewMode == ViewFiles {
			r.terminateHelpers(userID, info.TargetID)
		}
		s.close(true)
		r.drop(info, true, "")
	case parked:
		if rec.UserID != userID {
			return fmt.Errorf("%w: session %s", errs.ErrUnauthorized, sessionID)
		}
		if rec.ViewMode == ViewDocker || rec.ViewMode == ViewFiles {
			r.terminateHelpers(userID, rec.TargetID)
		}
		r.mu.Lock()
		delete(r.restorable, sessionID)
		r.mu.Unlock()
		r.dropRecord(rec.SessionID)
		r.bus.Publish(bus.UserTopic(userID, bus.TopicSessionTerminated), TerminatedEvent{
			SessionID: sessionID, TargetID: rec.TargetID, ByUser: true,
		})
	default:
		return fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
	}
	return nil
}

// terminateHelpers ends every docker helper session the user has on the
// target. The candidate set is snapshotted first so helper teardown cannot
// race new arrivals under the registry lock.
func (r *Registry) terminateHelpers(userID, targetID string) {
	r.mu.Lock()
	var victims []*session
	for _, s := range r.active {
		in := s.snapshot()
		if in.UserID == userID && in.TargetID == targetID && in.Docker {
			victims = append(victims, s)
		}
	}
	var parked []string
	for id, rec := range r.restorable {
		if _, live := r.active[id]; live {
			continue
		}
		if rec.UserID == userID && rec.TargetID == targetID && rec.Docker {
			parked = append(parked, id)
		}
	}
	for _, id := range parked {
		delete(r.restorable, id)
	}
	r.mu.Unlock()

	for _, s := range victims {
		info := s.snapshot()
		s.close(true)
		r.drop(info, true, "docker view closed")
	}
	for _, id := range parked {
		r.dropRecord(id)
		r.bus.Publish(bus.UserTopic(userID, bus.TopicSessionTerminated), TerminatedEvent{
			SessionID: id, TargetID: targetID, ByUser: true, Reason: "docker view closed",
		})
	}
}

// drop removes a live session from every registry structure and announces
// the termination.
func (r *Registry) drop(info Info, byUser bool, reason string) {
	r.mu.Lock()
	delete(r.active, info.SessionID)
	delete(r.restorable, info.SessionID)
	r.mu.Unlock()
	r.dropRecord(info.SessionID)
	r.bus.Publish(bus.UserTopic(info.UserID, bus.TopicSessionTerminated), TerminatedEvent{
		SessionID: info.SessionID,
		TargetID:  info.TargetID,
		ByUser:    byUser,
		Reason:    reason,
	})
	log.Printf("[registry] session %s terminated", info.SessionID)
}

func (r *Registry) dropRecord(sessionID string) {
	if err := r.store.DeleteRecord(sessionID); err != nil {
		log.Printf("[registry] delete record %s: %v", sessionID, err)
	}
}

// SetViewMode switches a session's view. Valid for live and restorable
// sessions alike. Entering docker or files demotes any other session of the
// user holding that view on the same target back to terminal; leaving docker
// or files tears down the user's docker helper sessions on the target.
func (r *Registry) SetViewMode(sessionID, userID, mode string) error {
	if mode != ViewTerminal && mode != ViewDocker && mode != ViewFiles {
		return fmt.Errorf("%w: view mode %q", errs.ErrInvalidArgument, mode)
	}
	r.mu.Lock()
	s, live := r.active[sessionID]
	rec, parked := r.restorable[sessionID]
	r.mu.Unlock()

	var info Info
	switch {
	case live:
		info = s.snapshot()
	case parked:
		info = Info{SessionID: rec.SessionID, UserID: rec.UserID,
			TargetID: rec.TargetID, ViewMode: rec.ViewMode}
	default:
		return fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
	}
	if info.UserID != userID {
		return fmt.Errorf("%w: session %s", errs.ErrUnauthorized, sessionID)
	}
	if info.ViewMode == mode {
		return nil
	}

	if mode == ViewDocker || mode == ViewFiles {
		r.demoteSiblings(userID, info.TargetID, mode, sessionID)
	}

	if live {
		s.setViewMode(mode)
	} else {
		r.mu.Lock()
		rec.ViewMode = mode
		r.restorable[sessionID] = rec
		r.mu.Unlock()
	}
	if err := r.store.SetViewMode(sessionID, mode); err != nil {
		log.Printf("[registry] persist view mode %s: %v", sessionID, err)
	}
	r.bus.Publish(bus.UserTopic(userID, bus.TopicSessionViewMode),
		ViewModeEvent{SessionID: sessionID, ViewMode: mode})

	if info.ViewMode == ViewDocker || info.ViewMode == ViewFiles {
		r.terminateHelpers(userID, info.TargetID)
	}
	return nil
}

// demoteSiblings resets other holders of a primary view, live or restorable,
// to terminal.
func (r *Registry) demoteSiblings(userID, targetID, mode, except string) {
	r.mu.Lock()
	var demoted []*session
	for id, s := range r.active {
		if id == except {
			continue
		}
		in := s.snapshot()
		if in.UserID == userID && in.TargetID == targetID && in.ViewMode == mode {
			demoted = append(demoted, s)
		}
	}
	var parked []string
	for id, rec := range r.restorable {
		if id == except {
			continue
		}
		if _, live := r.active[id]; live {
			continue
		}
		if rec.UserID == userID && rec.TargetID == targetID && rec.ViewMode == mode {
			rec.ViewMode = ViewTerminal
			r.restorable[id] = rec
			parked = append(parked, id)
		}
	}
	r.mu.Unlock()

	for _, s := range demoted {
		s.setViewMode(ViewTerminal)
		in := s.snapshot()
		r.announceDemotion(userID, in.SessionID)
	}
	for _, id := range parked {
		r.announceDemotion(userID, id)
	}
}

func (r *Registry) announceDemotion(userID, sessionID string) {
	if err := r.store.SetViewMode(sessionID, ViewTerminal); err != nil {
		log.Printf("[registry] persist view mode %s: %v", sessionID, err)
	}
	r.bus.Publish(bus.UserTopic(userID, bus.TopicSessionViewMode),
		ViewModeEvent{SessionID: sessionID, ViewMode: ViewTerminal})
}

// KeepAlive marks the session as recently used.
func (r *Registry) KeepAlive(sessionID, userID string) error {
	s, err := r.owned(sessionID, userID)
	if err != nil {
		return err
	}
	s.touch()
	return nil
}

// Write feeds input to the session's remote stdin and counts as activity.
func (r *Registry) Write(sessionID, userID string, data []byte) error {
	s, err := r.owned(sessionID, userID)
	if err != nil {
		return err
	}
	s.touch()
	if _, err := s.ch.Write(data); err != nil {
		return fmt.Errorf("%w: write input: %v", errs.ErrConnection, err)
	}
	return nil
}

// History returns the session's decoded scrollback.
func (r *Registry) History(sessionID, userID string) (string, error) {
	s, err := r.owned(sessionID, userID)
	if err != nil {
		return "", err
	}
	return s.codec.History(), nil
}

func (r *Registry) owned(sessionID, userID string) (*session, error) {
	r.mu.Lock()
	s, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
	}
	if s.snapshot().UserID != userID {
		return nil, fmt.Errorf("%w: session %s", errs.ErrUnauthorized, sessionID)
	}
	return s, nil
}

// GetTargetID resolves a session (live or restorable) to its target,
// enforcing ownership. Used by the docker and file endpoints.
func (r *Registry) GetTargetID(sessionID, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.active[sessionID]; ok {
		in := s.snapshot()
		if in.UserID != userID {
			return "", fmt.Errorf("%w: session %s", errs.ErrUnauthorized, sessionID)
		}
		return in.TargetID, nil
	}
	if rec, ok := r.restorable[sessionID]; ok {
		if rec.UserID != userID {
			return "", fmt.Errorf("%w: session %s", errs.ErrUnauthorized, sessionID)
		}
		return rec.TargetID, nil
	}
	return "", fmt.Errorf("%w: session %s", errs.ErrNotFound, sessionID)
}

// List returns the user's sessions, live ones first as connected and parked
// ones as restorable, in the user's stored order with unknown ids appended.
func (r *Registry) List(userID string) []Info {
	r.mu.Lock()
	byID := make(map[string]Info)
	for id, s := range r.active {
		in := s.snapshot()
		if in.UserID == userID {
			in.Status = StatusConnected
			byID[id] = in
		}
	}
	for id, rec := range r.restorable {
		if _, live := byID[id]; live {
			continue
		}
		if _, live := r.active[id]; live {
			continue
		}
		if rec.UserID != userID {
			continue
		}
		mode := rec.ViewMode
		if mode == "" {
			mode = ViewTerminal
		}
		byID[id] = Info{
			SessionID: rec.SessionID,
			UserID:    rec.UserID,
			TargetID:  rec.TargetID,
			Name:      rec.Name,
			Command:   rec.Command,
			ViewMode:  mode,
			Docker:    rec.Docker,
			Status:    StatusRestorable,
		}
	}
	r.mu.Unlock()

	order, err := r.store.Order(userID)
	if err != nil {
		log.Printf("[registry] load order for %s: %v", userID, err)
	}
	out := make([]Info, 0, len(byID))
	for _, id := range order {
		if in, ok := byID[id]; ok {
			out = append(out, in)
			delete(byID, id)
		}
	}
	for _, in := range byID {
		out = append(out, in)
	}
	return out
}

// Reorder replaces the user's session ordering.
func (r *Registry) Reorder(userID string, sessionIDs []string) error {
	if err := r.store.SetOrder(userID, sessionIDs); err != nil {
		return err
	}
	r.bus.Publish(bus.UserTopic(userID, bus.TopicSessionReordered), sessionIDs)
	return nil
}

// ReapIdle parks sessions that have seen no input or keepalive within the
// idle timeout. The persisted record stays so the owner can restore.
func (r *Registry) ReapIdle() int {
	cutoff := time.Now().Add(-r.opts.IdleTimeout)
	r.mu.Lock()
	var idle []*session
	for _, s := range r.active {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		info := s.snapshot()
		s.close(true)
		r.mu.Lock()
		delete(r.active, info.SessionID)
		r.restorable[info.SessionID] = recordOf(info)
		r.mu.Unlock()
		r.bus.Publish(bus.UserTopic(info.UserID, bus.TopicSessionTerminated), TerminatedEvent{
			SessionID: info.SessionID,
			TargetID:  info.TargetID,
			ByUser:    false,
			Reason:    "idle timeout",
		})
		log.Printf("[registry] session %s reaped after idle timeout", info.SessionID)
	}
	return len(idle)
}

// CloseAll tears down every live session at shutdown without touching the
// persisted records, so everything comes back restorable.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	r.active = make(map[string]*session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.close(true)
	}
}

// HistoryLimit exposes the configured scrollback cap.
func (r *Registry) HistoryLimit() int { return r.opts.HistoryLimit }
