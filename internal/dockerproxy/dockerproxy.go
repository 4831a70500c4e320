// Package dockerproxy serves docker introspection requests by shelling out
// to the docker unix socket over an existing SSH connection. Identical
// in-flight requests are collapsed into one remote call, GET responses are
// cached briefly, and a semaphore bounds concurrent remote calls.
package dockerproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/webconsole-io/gateway/internal/errs"
	"github.com/webconsole-io/gateway/internal/expiry"
	"github.com/webconsole-io/gateway/internal/remotecmd"
	"github.com/webconsole-io/gateway/internal/transport"
)

const socketPath = "/var/run/docker.sock"

var containerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ConnSource yields a live connection to a target, typically the pool.
type ConnSource interface {
	AnyActive(targetID string) (transport.Conn, bool)
}

// Options tunes the proxy.
type Options struct {
	CacheTTL    time.Duration
	Concurrency int64
	PermitWait  time.Duration
	Exec        remotecmd.Executor
}

// call is one in-flight remote request shared by collapsed waiters.
type call struct {
	done   chan struct{}
	result string
	err    error
}

// Proxy is the docker introspection front end for all targets.
type Proxy struct {
	conns ConnSource
	opts  Options
	cache *expiry.Map[string, string]
	sem   *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]*call
}

func New(conns ConnSource, opts Options) *Proxy {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 3 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 15
	}
	if opts.PermitWait <= 0 {
		opts.PermitWait = 15 * time.Second
	}
	return &Proxy{
		conns:    conns,
		opts:     opts,
		cache:    expiry.NewMap[string, string](opts.CacheTTL),
		sem:      semaphore.NewWeighted(opts.Concurrency),
		inflight: make(map[string]*call),
	}
}

// ListContainers returns all containers on the target, running or not.
func (p *Proxy) ListContainers(ctx context.Context, targetID string) (any, error) {
	raw, err := p.Request(ctx, targetID, "GET", "/containers/json?all=true", "")
	if err != nil {
		return nil, err
	}
	return parseBody(raw), nil
}

// ContainerStats returns a one-shot stats sample for the container.
func (p *Proxy) ContainerStats(ctx context.Context, targetID, containerID string) (any, error) {
	if err := validateContainerID(containerID); err != nil {
		return nil, err
	}
	raw, err := p.Request(ctx, targetID, "GET",
		"/containers/"+containerID+"/stats?stream=false", "")
	if err != nil {
		return nil, err
	}
	return parseBody(raw), nil
}

// RestartContainer restarts the container.
func (p *Proxy) RestartContainer(ctx context.Context, targetID, containerID string) error {
	if err := validateContainerID(containerID); err != nil {
		return err
	}
	_, err := p.Request(ctx, targetID, "POST", "/containers/"+containerID+"/restart", "")
	return err
}

// ContainerLogs returns the container's recent log output, demultiplexed
// when docker's stream framing is present. Log responses are never cached:
// a stale tail defeats the point of asking for one.
func (p *Proxy) ContainerLogs(ctx context.Context, targetID, containerID string, tail int) (string, error) {
	if err := validateContainerID(containerID); err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = 200
	}
	path := fmt.Sprintf("/containers/%s/logs?stdout=true&stderr=true&tail=%d", containerID, tail)
	raw, err := p.Request(ctx, targetID, "GET", path, "")
	if err != nil {
		return "", err
	}
	return string(Demux([]byte(raw))), nil
}

// Request performs one docker API call on the target. Cacheable requests
// (GET, except log reads) are served from cache when fresh; identical
// concurrent requests share a single remote call.
func (p *Proxy) Request(ctx context.Context, targetID, method, path, body string) (string, error) {
	isLog := strings.Contains(path, "/logs")
	cacheable := method == "GET" && !isLog

	key := targetID + ":" + method + ":" + path
	if body != "" {
		key += ":" + body
	}

	if cacheable {
		if cached, ok := p.cache.Get(key); ok {
			return cached, nil
		}
	}

	p.mu.Lock()
	if c, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		select {
		case <-c.done:
			return c.result, c.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	p.inflight[key] = c
	p.mu.Unlock()

	c.result, c.err = p.fetch(ctx, targetID, method, path, body)
	if c.err == nil && cacheable {
		p.cache.Put(key, c.result)
	}

	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
	close(c.done)

	return c.result, c.err
}

func (p *Proxy) fetch(ctx context.Context, targetID, method, path, body string) (string, error) {
	permitCtx, cancel := context.WithTimeout(ctx, p.opts.PermitWait)
	defer cancel()
	if err := p.sem.Acquire(permitCtx, 1); err != nil {
		log.Printf("[dockerproxy] no permit for %s %s on %s", method, path, targetID)
		return "", fmt.Errorf("%w: docker proxy at capacity", errs.ErrOverloaded)
	}
	defer p.sem.Release(1)

	conn, ok := p.conns.AnyActive(targetID)
	if !ok {
		return "", fmt.Errorf("%w: no active session on %s", errs.ErrConnection, targetID)
	}

	out, err := p.opts.Exec.Run(ctx, conn, curlCommand(method, path, body))
	if err != nil {
		return "", err
	}
	return out, nil
}

func curlCommand(method, path, body string) string {
	cmd := fmt.Sprintf("curl -s --max-time 15 -X %s --unix-socket %s %s",
		method, socketPath, remotecmd.Quote("http://localhost"+path))
	if body != "" {
		cmd += " -H 'Content-Type: application/json' -d " + remotecmd.Quote(body)
	}
	return cmd
}

func validateContainerID(id string) error {
	if !containerIDPattern.MatchString(id) {
		return fmt.Errorf("%w: container id %q", errs.ErrInvalidArgument, id)
	}
	return nil
}

// Sweep drops expired cache entries. Run periodically.
func (p *Proxy) Sweep() int { return p.cache.Sweep() }

// parseBody decodes a docker API response, degrading to the raw string for
// anything that is not JSON.
func parseBody(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return raw
}
