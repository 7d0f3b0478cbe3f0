// Package cookies holds the process-wide session cookie set used to
// authorize calls against the private backend.
package cookies

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// The two cookie names every authenticated call requires.
const (
	CookiePSID   = "__Secure-1PSID"
	CookiePSIDTS = "__Secure-1PSIDTS"
)

// RequiredPrefix matches the family of session cookies worth harvesting
// from observed traffic.
const RequiredPrefix = "__Secure-1PSID"

// Env keys recognized by Load / LoadFromEnv. BARDGEN_COOKIES carries a full
// combined cookie header; the two individual keys are an alternative form.
const (
	EnvCookies = "BARDGEN_COOKIES"
	EnvPSID    = "BARDGEN_PSID"
	EnvPSIDTS  = "BARDGEN_PSIDTS"
)

// Store is the single mutable cookie set shared by all concurrent
// operations. Merges overwrite, never delete; rendering preserves
// insertion order. Reads racing a refresh are accepted: callers simply
// re-extract tokens on the next call.
type Store struct {
	mu     sync.RWMutex
	order  []string
	values map[string]string
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{values: make(map[string]string)}
}

// Merge overwrites or adds the given cookies. Idempotent; existing names
// keep their original position in the rendering order.
func (s *Store) Merge(updates map[string]string) {
	if len(updates) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range updates {
		if name == "" {
			continue
		}
		if _, ok := s.values[name]; !ok {
			s.order = append(s.order, name)
		}
		s.values[name] = value
	}
}

// Get returns the value for name, or "".
func (s *Store) Get(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[name]
}

// HeaderString renders "name=value; ..." in insertion order for outbound
// Cookie headers.
func (s *Store) HeaderString() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	parts := make([]string, 0, len(s.order))
	for _, name := range s.order {
		parts = append(parts, name+"="+s.values[name])
	}
	return strings.Join(parts, "; ")
}

// HasRequired reports whether both mandatory session cookies are present.
func (s *Store) HasRequired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, a := s.values[CookiePSID]
	_, b := s.values[CookiePSIDTS]
	return a && b
}

// Snapshot returns a copy of the current cookie set.
func (s *Store) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// MergeHeader parses a combined "name=value; name2=value2" cookie string
// and merges it.
func (s *Store) MergeHeader(header string) {
	s.Merge(ParseHeader(header))
}

// ParseHeader splits a combined cookie header into a name→value map.
func ParseHeader(header string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if name, value, ok := strings.Cut(part, "="); ok {
			out[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
	return out
}

// LoadFromEnv seeds the store once at boot from the process environment,
// accepting either the combined form or the two individual values.
func (s *Store) LoadFromEnv() {
	if combined := os.Getenv(EnvCookies); combined != "" {
		s.MergeHeader(combined)
	}
	updates := make(map[string]string)
	if v := os.Getenv(EnvPSID); v != "" {
		updates[CookiePSID] = v
	}
	if v := os.Getenv(EnvPSIDTS); v != "" {
		updates[CookiePSIDTS] = v
	}
	s.Merge(updates)
}

// DefaultEnvPath returns the durable credential file, ~/.bardgen/env.
func DefaultEnvPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bardgen", "env"), nil
}

// Load seeds the store from a key=value env file, if it exists.
func (s *Store) Load(path string) error {
	vals, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read env file: %w", err)
	}
	if combined := vals[EnvCookies]; combined != "" {
		s.MergeHeader(combined)
	}
	updates := make(map[string]string)
	if v := vals[EnvPSID]; v != "" {
		updates[CookiePSID] = v
	}
	if v := vals[EnvPSIDTS]; v != "" {
		updates[CookiePSIDTS] = v
	}
	s.Merge(updates)
	return nil
}

// Persist writes the current cookie set back to the env file so the next
// process start resumes authenticated. Failures are logged and non-fatal:
// the in-memory set is still valid for this process.
func (s *Store) Persist(path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		slog.Warn("cookie persist skipped", "err", err)
		return
	}
	vals := map[string]string{
		EnvCookies: s.HeaderString(),
		EnvPSID:    s.Get(CookiePSID),
		EnvPSIDTS:  s.Get(CookiePSIDTS),
	}
	if err := godotenv.Write(vals, path); err != nil {
		slog.Warn("cookie persist failed", "path", path, "err", err)
	}
}
