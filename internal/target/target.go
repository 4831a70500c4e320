// Package target holds the static configuration of remote hosts and users.
//
// Targets are loaded once at startup from a YAML file. Passwords may be
// stored as fernet tokens ("fernet:<token>"); they are decrypted with a key
// kept next to the data files and generated on first run.
package target

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"gopkg.in/yaml.v3"

	"github.com/webconsole-io/gateway/internal/transport"
)

const encPrefix = "fernet:"

// Target is one configured remote host.
type Target struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Transport converts the configured target to its transport form.
func (t Target) Transport() transport.Target {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return transport.Target{
		ID:       t.ID,
		Host:     t.Host,
		Port:     port,
		User:     t.User,
		Password: t.Password,
	}
}

// UserConfig carries per-user overrides.
type UserConfig struct {
	ID                   string `yaml:"id"`
	MaxSessionsPerTarget int    `yaml:"max_sessions_per_target"`
}

// Registry is the loaded, immutable target and user configuration.
type Registry struct {
	targets map[string]Target
	order   []string
	users   map[string]UserConfig
}

// NewStatic builds a registry from in-memory configuration, used by tests
// and by Load.
func NewStatic(targets []Target, users []UserConfig) *Registry {
	r := &Registry{
		targets: make(map[string]Target, len(targets)),
		users:   make(map[string]UserConfig, len(users)),
	}
	for _, t := range targets {
		if t.ID == "" {
			continue
		}
		if _, dup := r.targets[t.ID]; !dup {
			r.order = append(r.order, t.ID)
		}
		r.targets[t.ID] = t
	}
	for _, u := range users {
		if u.ID != "" {
			r.users[u.ID] = u
		}
	}
	return r
}

// Load reads targets and users from YAML files. A missing users file is not
// an error (all users get defaults); a missing targets file is.
func Load(targetsPath, usersPath string, key *fernet.Key) (*Registry, error) {
	data, err := os.ReadFile(targetsPath)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	var targets []Target
	if err := yaml.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	for i := range targets {
		pw, err := decryptPassword(targets[i].Password, key)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", targets[i].ID, err)
		}
		targets[i].Password = pw
	}

	var users []UserConfig
	if usersPath != "" {
		udata, err := os.ReadFile(usersPath)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(udata, &users); err != nil {
				return nil, fmt.Errorf("parse users: %w", err)
			}
		case os.IsNotExist(err):
			log.Printf("[target] users file %s not found, using defaults", usersPath)
		default:
			return nil, fmt.Errorf("read users: %w", err)
		}
	}

	r := NewStatic(targets, users)
	log.Printf("[target] loaded %d target(s), %d user override(s)", len(r.targets), len(r.users))
	return r, nil
}

// Get returns the target with the given id.
func (r *Registry) Get(id string) (Target, bool) {
	t, ok := r.targets[id]
	return t, ok
}

// List returns all targets in file order.
func (r *Registry) List() []Target {
	out := make([]Target, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.targets[id])
	}
	return out
}

// Name returns the display name for a target id, falling back to the id
// itself for unknown targets.
func (r *Registry) Name(id string) string {
	if t, ok := r.targets[id]; ok && t.Name != "" {
		return t.Name
	}
	return id
}

// MaxSessions returns the user's per-target session quota, or fallback when
// the user has no override.
func (r *Registry) MaxSessions(userID string, fallback int) int {
	if u, ok := r.users[userID]; ok && u.MaxSessionsPerTarget > 0 {
		return u.MaxSessionsPerTarget
	}
	return fallback
}

// LoadOrCreateKey returns the fernet key stored at path, generating and
// persisting a fresh one when the file does not exist.
func LoadOrCreateKey(path string) (*fernet.Key, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := fernet.DecodeKey(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", path, err)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}

	var key fernet.Key
	if err := key.Generate(); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(path, []byte(key.Encode()), 0600); err != nil {
		return nil, fmt.Errorf("write key %s: %w", path, err)
	}
	log.Printf("[target] generated new credential key at %s", path)
	return &key, nil
}

// EncryptPassword produces the storable form of a plaintext password.
func EncryptPassword(plaintext string, key *fernet.Key) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt password: %w", err)
	}
	return encPrefix + string(tok), nil
}

func decryptPassword(stored string, key *fernet.Key) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if key == nil {
		return "", fmt.Errorf("encrypted password but no key configured")
	}
	msg := fernet.VerifyAndDecrypt([]byte(strings.TrimPrefix(stored, encPrefix)), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt password: invalid token")
	}
	return string(msg), nil
}
