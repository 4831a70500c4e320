// Package sshpool multiplexes sessions over shared SSH connections.
//
// Connections are tracked per target in numbered slots. Each connection
// carries at most maxChannels concurrent channels; a new session reuses the
// first connected slot with spare capacity and otherwise dials a fresh slot.
// Leases refcount the slot and tear the connection down when the last one
// is released.
package sshpool

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/webconsole-io/gateway/internal/errs"
	"github.com/webconsole-io/gateway/internal/transport"
)

const maxSlots = 100

// Pool manages pooled connections across all targets.
type Pool struct {
	dialer      transport.Dialer
	maxChannels int

	mu      sync.Mutex
	targets map[string]*targetPool
}

// targetPool serializes slot selection and dialing for one target so that
// unrelated targets never contend.
type targetPool struct {
	mu    sync.Mutex
	conns map[int]transport.Conn
	refs  map[int]int
}

// Lease is one session's claim on a pooled connection.
type Lease struct {
	Conn transport.Conn
	Key  string

	pool     *Pool
	targetID string
	slot     int
	once     sync.Once
}

// New builds a pool. maxChannels is the channel cap per connection.
func New(dialer transport.Dialer, maxChannels int) *Pool {
	if maxChannels <= 0 {
		maxChannels = 10
	}
	return &Pool{
		dialer:      dialer,
		maxChannels: maxChannels,
		targets:     make(map[string]*targetPool),
	}
}

func (p *Pool) forTarget(id string) *targetPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	tp, ok := p.targets[id]
	if !ok {
		tp = &targetPool{
			conns: make(map[int]transport.Conn),
			refs:  make(map[int]int),
		}
		p.targets[id] = tp
	}
	return tp
}

// Acquire returns a lease on a connection to the target, reusing an existing
// connection when one has spare channel capacity. A failed dial leaves no
// trace in the pool.
func (p *Pool) Acquire(ctx context.Context, tgt transport.Target) (*Lease, error) {
	tp := p.forTarget(tgt.ID)
	tp.mu.Lock()
	defer tp.mu.Unlock()

	slot := -1
	for i := 0; i < maxSlots; i++ {
		conn, ok := tp.conns[i]
		if !ok {
			if slot == -1 {
				slot = i
			}
			continue
		}
		if !conn.Connected() {
			// Dead connection: drop it and let the slot be redialed.
			conn.Close()
			delete(tp.conns, i)
			delete(tp.refs, i)
			if slot == -1 {
				slot = i
			}
			continue
		}
		if tp.refs[i] < p.maxChannels {
			tp.refs[i]++
			return p.lease(tgt.ID, i, conn), nil
		}
	}
	if slot == -1 {
		return nil, fmt.Errorf("%w: no free connection slot for %s", errs.ErrConnection, tgt.ID)
	}

	conn, err := p.dialer.Dial(ctx, tgt)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrConnection, tgt.ID, err)
	}
	tp.conns[slot] = conn
	tp.refs[slot] = 1
	log.Printf("[sshpool] opened connection %s:%d", tgt.ID, slot)
	return p.lease(tgt.ID, slot, conn), nil
}

func (p *Pool) lease(targetID string, slot int, conn transport.Conn) *Lease {
	return &Lease{
		Conn:     conn,
		Key:      fmt.Sprintf("%s:%d", targetID, slot),
		pool:     p,
		targetID: targetID,
		slot:     slot,
	}
}

// Release drops the lease's reference. The underlying connection closes when
// the last lease on its slot is released. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		tp := l.pool.forTarget(l.targetID)
		tp.mu.Lock()
		defer tp.mu.Unlock()
		if tp.refs[l.slot] > 0 {
			tp.refs[l.slot]--
		}
		if tp.refs[l.slot] == 0 {
			if conn, ok := tp.conns[l.slot]; ok {
				conn.Close()
				delete(tp.conns, l.slot)
				delete(tp.refs, l.slot)
				log.Printf("[sshpool] closed connection %s:%d", l.targetID, l.slot)
			}
		}
	})
}

// AnyActive returns a live connection to the target without taking a
// reference. Used for short-lived command channels that piggyback on an
// existing session's connection.
func (p *Pool) AnyActive(targetID string) (transport.Conn, bool) {
	tp := p.forTarget(targetID)
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for i := 0; i < maxSlots; i++ {
		if conn, ok := tp.conns[i]; ok && conn.Connected() {
			return conn, true
		}
	}
	return nil, false
}

// Refs reports the current refcount for a slot key ("target:slot").
func (p *Pool) Refs(targetID string, slot int) int {
	tp := p.forTarget(targetID)
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.refs[slot]
}

// SlotCount reports how many connections are open for a target.
func (p *Pool) SlotCount(targetID string) int {
	tp := p.forTarget(targetID)
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.conns)
}

// CloseAll tears down every pooled connection. Used at shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	targets := make([]*targetPool, 0, len(p.targets))
	for _, tp := range p.targets {
		targets = append(targets, tp)
	}
	p.mu.Unlock()

	for _, tp := range targets {
		tp.mu.Lock()
		for i, conn := range tp.conns {
			conn.Close()
			delete(tp.conns, i)
			delete(tp.refs, i)
		}
		tp.mu.Unlock()
	}
}
