// Package files implements remote file browsing and manipulation over the
// pooled SSH connections, using plain coreutils on the remote side.
package files

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/webconsole-io/gateway/internal/bus"
	"github.com/webconsole-io/gateway/internal/errs"
	"github.com/webconsole-io/gateway/internal/remotecmd"
	"github.com/webconsole-io/gateway/internal/transport"
)

// Markers separating the sections of the combined listing command output.
const (
	lsMarker = "---LS---"
	dfMarker = "---DF---"
)

// ConnSource yields a live connection to a target.
type ConnSource interface {
	AnyActive(targetID string) (transport.Conn, bool)
}

// Entry is one directory entry.
type Entry struct {
	Name       string `json:"name"`
	Type       string `json:"type"` // "file", "dir" or "link"
	Size       string `json:"size"`
	Perms      string `json:"perms"`
	Owner      string `json:"owner"`
	Group      string `json:"group"`
	Modified   string `json:"modified"`
	LinkTarget string `json:"linkTarget,omitempty"`
}

// Listing is the result of listing one directory.
type Listing struct {
	Path        string  `json:"path"`
	Entries     []Entry `json:"entries"`
	DiskUsed    string  `json:"diskUsed"`
	DiskSize    string  `json:"diskSize"`
	DiskPercent string  `json:"diskPercent"`
}

// ChangedEvent is published after a mutating operation so open file views
// can refresh.
type ChangedEvent struct {
	TargetID string `json:"targetId"`
	Path     string `json:"path"`
}

// Service runs file operations against targets.
type Service struct {
	conns ConnSource
	exec  remotecmd.Executor
	bus   *bus.Bus
}

func New(conns ConnSource, exec remotecmd.Executor, b *bus.Bus) *Service {
	return &Service{conns: conns, exec: exec, bus: b}
}

func (s *Service) run(ctx context.Context, targetID, command string) (string, error) {
	conn, ok := s.conns.AnyActive(targetID)
	if !ok {
		return "", fmt.Errorf("%w: no active session on %s", errs.ErrConnection, targetID)
	}
	return s.exec.Run(ctx, conn, command)
}

// List resolves the path (following symlinks) and returns its entries plus
// disk usage of the containing filesystem.
func (s *Service) List(ctx context.Context, targetID, dir string) (Listing, error) {
	q := remotecmd.Quote(dir)
	cmd := fmt.Sprintf(
		`p=$(readlink -f %s) && echo "$p" && echo %s && ls -la --time-style=long-iso "$p" && echo %s && df -h "$p"`,
		q, lsMarker, dfMarker)
	out, err := s.run(ctx, targetID, cmd)
	if err != nil {
		return Listing{}, err
	}
	return parseListing(out)
}

// Sizes returns the recursive size of each named entry under dir, as
// reported by du. Entries du cannot size (vanished files, empty dirs on
// some filesystems) are simply absent from the result.
func (s *Service) Sizes(ctx context.Context, targetID, dir string, names []string) (map[string]string, error) {
	if len(names) == 0 {
		return map[string]string{}, nil
	}
	quoted := make([]string, 0, len(names))
	for _, n := range names {
		quoted = append(quoted, remotecmd.Quote(n))
	}
	cmd := fmt.Sprintf("cd %s && du -sh %s 2>/dev/null || true",
		remotecmd.Quote(dir), strings.Join(quoted, " "))
	out, err := s.run(ctx, targetID, cmd)
	if err != nil {
		return nil, err
	}

	sizes := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), "\t", 2)
		if len(fields) != 2 {
			fields = strings.SplitN(strings.TrimSpace(line), " ", 2)
		}
		if len(fields) == 2 && fields[0] != "" {
			sizes[strings.TrimSpace(fields[1])] = fields[0]
		}
	}
	return sizes, nil
}

// Mkdir creates the directory, parents included.
func (s *Service) Mkdir(ctx context.Context, targetID, userID, dir string) error {
	if _, err := s.run(ctx, targetID, "mkdir -p "+remotecmd.Quote(dir)); err != nil {
		return err
	}
	s.changed(userID, targetID, path.Dir(dir))
	return nil
}

// Delete removes the path recursively.
func (s *Service) Delete(ctx context.Context, targetID, userID, p string) error {
	if _, err := s.run(ctx, targetID, "rm -rf "+remotecmd.Quote(p)); err != nil {
		return err
	}
	s.changed(userID, targetID, path.Dir(p))
	return nil
}

// Chmod applies the mode to the path, recursively if asked.
func (s *Service) Chmod(ctx context.Context, targetID, userID, p, mode string, recursive bool) error {
	if mode == "" || len(mode) > 4 {
		return fmt.Errorf("%w: mode %q", errs.ErrInvalidArgument, mode)
	}
	for _, r := range mode {
		if r < '0' || r > '7' {
			return fmt.Errorf("%w: mode %q", errs.ErrInvalidArgument, mode)
		}
	}
	cmd := "chmod "
	if recursive {
		cmd += "-R "
	}
	cmd += mode + " " + remotecmd.Quote(p)
	if _, err := s.run(ctx, targetID, cmd); err != nil {
		return err
	}
	s.changed(userID, targetID, path.Dir(p))
	return nil
}

// Archive packs the path into a sibling .tar.gz and returns the archive
// path.
func (s *Service) Archive(ctx context.Context, targetID, userID, p string) (string, error) {
	dir, base := path.Split(strings.TrimRight(p, "/"))
	if base == "" {
		return "", fmt.Errorf("%w: cannot archive %q", errs.ErrInvalidArgument, p)
	}
	archive := path.Join(dir, base+".tar.gz")
	cmd := fmt.Sprintf("tar -czf %s -C %s %s",
		remotecmd.Quote(archive), remotecmd.Quote(dir), remotecmd.Quote(base))
	if _, err := s.run(ctx, targetID, cmd); err != nil {
		return "", err
	}
	s.changed(userID, targetID, strings.TrimRight(dir, "/"))
	return archive, nil
}

func (s *Service) changed(userID, targetID, dir string) {
	if dir == "" {
		dir = "/"
	}
	s.bus.Publish(bus.UserTopic(userID, bus.TopicFilesChanged),
		ChangedEvent{TargetID: targetID, Path: dir})
}

// relayTools are the remote binaries the direct copy path needs.
var relayTools = []string{"scp", "sshpass"}

// installCommand tries each package manager in order and installs the
// relay helpers with whichever is present.
const installCommand = "(command -v apt-get >/dev/null && apt-get update && apt-get install -y openssh-client sshpass) || " +
	"(command -v yum >/dev/null && yum install -y openssh-clients sshpass) || " +
	"(command -v apk >/dev/null && apk add openssh-client sshpass) || " +
	"{ echo 'no supported package manager' >&2; exit 1; }"

// CheckTools reports which of the relay helper tools are present on the
// target.
func (s *Service) CheckTools(ctx context.Context, targetID string) (map[string]bool, error) {
	var b strings.Builder
	for _, tool := range relayTools {
		fmt.Fprintf(&b, "command -v %s >/dev/null 2>&1 && echo %s:ok || echo %s:missing; ", tool, tool, tool)
	}
	out, err := s.run(ctx, targetID, b.String())
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(relayTools))
	for _, line := range strings.Split(out, "\n") {
		name, state, ok := strings.Cut(strings.TrimSpace(line), ":")
		if ok {
			result[name] = state == "ok"
		}
	}
	return result, nil
}

// InstallTools installs the missing relay helpers, streaming installer
// output lines to progress.
func (s *Service) InstallTools(ctx context.Context, targetID string, progress func(line string)) error {
	conn, ok := s.conns.AnyActive(targetID)
	if !ok {
		return fmt.Errorf("%w: no active session on %s", errs.ErrConnection, targetID)
	}
	ch, err := conn.OpenExec(ctx, installCommand, false)
	if err != nil {
		return fmt.Errorf("%w: open channel: %v", errs.ErrConnection, err)
	}
	defer ch.Close()

	buf := make([]byte, 4096)
	var pending string
	for {
		n, err := ch.Read(buf)
		if n > 0 && progress != nil {
			pending += string(buf[:n])
			for {
				line, rest, ok := strings.Cut(pending, "\n")
				if !ok {
					break
				}
				progress(strings.TrimRight(line, "\r"))
				pending = rest
			}
		}
		if err != nil {
			break
		}
	}
	if pending != "" && progress != nil {
		progress(pending)
	}

	<-ch.Done()
	if status := ch.ExitStatus(); status != 0 && status != -1 {
		return fmt.Errorf("%w: install exited with status %d", errs.ErrCommandFailed, status)
	}
	return nil
}
