// Package secrets keeps user-provided environment secrets in a JSON file
// under the data directory and mirrors them into the daemon's process
// environment so spawned agents inherit them.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/logger"
)

var envKeyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Store is a file-backed secret store. Values live in secrets.json as a
// flat {ENV_KEY: value} object; every mutation rewrites the file via a
// temp file and rename.
type Store struct {
	mu     sync.Mutex
	path   string
	values map[string]string

	// originals remembers the pre-daemon value of any env var a secret
	// overrode, keyed by env key. Presence with ok=false means the var
	// did not exist before and must be unset on delete.
	originals map[string]original

	logger *logger.Logger
}

type original struct {
	value  string
	wasSet bool
}

// NewStore loads (or creates) the secret file at path and hydrates every
// stored secret into the process environment.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	s := &Store{
		path:      path,
		values:    make(map[string]string),
		originals: make(map[string]original),
		logger:    log.WithFields(zap.String("component", "secrets")),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read secrets file: %w", err)
		}
	} else if len(data) > 0 {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, fmt.Errorf("failed to parse secrets file %s: %w", path, err)
		}
	}

	for key, value := range s.values {
		s.captureOriginal(key)
		if err := os.Setenv(key, value); err != nil {
			return nil, fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	if len(s.values) > 0 {
		s.logger.Info("hydrated secrets into environment", zap.Int("count", len(s.values)))
	}
	return s, nil
}

func (s *Store) captureOriginal(key string) {
	if _, seen := s.originals[key]; seen {
		return
	}
	value, wasSet := os.LookupEnv(key)
	s.originals[key] = original{value: value, wasSet: wasSet}
}

// Set stores a secret and exports it into the process environment. The
// first override of an inherited env var records its original value so
// Delete can restore it.
func (s *Store) Set(key, value string) error {
	key = strings.TrimSpace(key)
	if !envKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid env key %q: must be uppercase letters, digits, and underscores", key)
	}
	if value == "" || len(value) > 10000 {
		return fmt.Errorf("value must be 1-10000 characters")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.captureOriginal(key)
	s.values[key] = value
	if err := s.saveLocked(); err != nil {
		return err
	}
	if err := os.Setenv(key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	s.logger.Info("secret set", zap.String("key", key))
	return nil
}

// Delete removes a secret and restores the env var to the value the
// daemon started with (or unsets it if it had none).
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return fmt.Errorf("secret %s not found", key)
	}
	delete(s.values, key)
	if err := s.saveLocked(); err != nil {
		return err
	}

	if orig, ok := s.originals[key]; ok && orig.wasSet {
		if err := os.Setenv(key, orig.value); err != nil {
			return fmt.Errorf("failed to restore %s: %w", key, err)
		}
	} else {
		if err := os.Unsetenv(key); err != nil {
			return fmt.Errorf("failed to unset %s: %w", key, err)
		}
	}
	delete(s.originals, key)
	s.logger.Info("secret deleted", zap.String("key", key))
	return nil
}

// Keys returns the stored secret names, sorted. Values are never listed.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether a secret is stored under key.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create secrets dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".secrets-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp secrets file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write secrets: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close secrets file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to chmod secrets file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}
	return nil
}
