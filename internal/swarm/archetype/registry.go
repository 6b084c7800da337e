// Package archetype manages the system prompt presets agents are spawned
// with. Archetypes ship embedded as markdown files with a YAML front
// matter header; operators can override or extend them by dropping files
// into {dataDir}/archetypes/.
package archetype

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/swarmdev/swarmd/internal/common/logger"
)

//go:embed prompts/*.md
var promptsFS embed.FS

// Well-known archetype ids.
const (
	ManagerID = "manager"
	WorkerID  = "worker"
)

// Archetype is a named system prompt preset.
type Archetype struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Model optionally pins a model preset ("provider/modelId/thinkingLevel").
	Model string `yaml:"model"`

	Prompt string `yaml:"-"`
}

// Registry holds the loaded archetypes.
type Registry struct {
	archetypes map[string]*Archetype
	mu         sync.RWMutex
	logger     *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		archetypes: make(map[string]*Archetype),
		logger:     log.WithFields(zap.String("component", "archetype-registry")),
	}
}

// LoadDefaults loads the embedded archetypes. The manager and worker
// archetypes must be present; the swarm cannot run without them.
func (r *Registry) LoadDefaults() error {
	entries, err := promptsFS.ReadDir("prompts")
	if err != nil {
		return fmt.Errorf("failed to read embedded prompts: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		data, err := promptsFS.ReadFile(filepath.Join("prompts", entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read embedded prompt %s: %w", entry.Name(), err)
		}
		arch, err := parseArchetype(entry.Name(), data)
		if err != nil {
			return fmt.Errorf("failed to parse embedded prompt %s: %w", entry.Name(), err)
		}
		r.archetypes[arch.ID] = arch
		r.logger.Debug("loaded archetype", zap.String("id", arch.ID))
	}

	for _, required := range []string{ManagerID, WorkerID} {
		if _, ok := r.archetypes[required]; !ok {
			return fmt.Errorf("embedded archetype %q is missing", required)
		}
	}
	return nil
}

// LoadOverrides loads operator-provided archetypes from dir, replacing
// embedded ones with the same id. A missing directory is fine.
func (r *Registry) LoadOverrides(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read archetype directory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read archetype %s: %w", entry.Name(), err)
		}
		arch, err := parseArchetype(entry.Name(), data)
		if err != nil {
			r.logger.Warn("skipping invalid archetype override",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		r.archetypes[arch.ID] = arch
		r.logger.Info("loaded archetype override", zap.String("id", arch.ID))
	}
	return nil
}

// Get returns an archetype by id.
func (r *Registry) Get(id string) (*Archetype, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	arch, ok := r.archetypes[id]
	if !ok {
		return nil, fmt.Errorf("unknown archetype %q", id)
	}
	return arch, nil
}

// Prompt returns the system prompt for an archetype id.
func (r *Registry) Prompt(id string) (string, error) {
	arch, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return arch.Prompt, nil
}

// Exists reports whether an archetype id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.archetypes[id]
	return ok
}

// List returns all archetypes sorted by id.
func (r *Registry) List() []*Archetype {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Archetype, 0, len(r.archetypes))
	for _, arch := range r.archetypes {
		out = append(out, arch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// parseArchetype splits a prompt file into YAML front matter and body.
// Files without front matter become an archetype named after the file.
func parseArchetype(filename string, data []byte) (*Archetype, error) {
	content := string(data)
	arch := &Archetype{}

	if rest, ok := strings.CutPrefix(content, "---\n"); ok {
		idx := strings.Index(rest, "\n---\n")
		if idx < 0 {
			return nil, fmt.Errorf("unterminated front matter")
		}
		if err := yaml.Unmarshal([]byte(rest[:idx]), arch); err != nil {
			return nil, fmt.Errorf("invalid front matter: %w", err)
		}
		arch.Prompt = strings.TrimSpace(rest[idx+len("\n---\n"):])
	} else {
		arch.Prompt = strings.TrimSpace(content)
	}

	if arch.ID == "" {
		arch.ID = strings.TrimSuffix(filepath.Base(filename), ".md")
	}
	if arch.Prompt == "" {
		return nil, fmt.Errorf("empty prompt body")
	}
	return arch, nil
}
