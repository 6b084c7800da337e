package swarm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/logger"
)

// agentsFile is the on-disk shape of agents.json.
type agentsFile struct {
	Agents []*AgentDescriptor `json:"agents"`
}

// Store persists the agent descriptor list as a single pretty-printed
// JSON file. The swarm manager is its only writer; every save replaces
// the file via write-tmp-then-rename.
type Store struct {
	path   string
	logger *logger.Logger
}

// NewStore creates a descriptor store at {dataDir}/agents.json.
func NewStore(dataDir string, log *logger.Logger) *Store {
	return &Store{
		path:   filepath.Join(dataDir, "agents.json"),
		logger: log.WithFields(zap.String("component", "agent-store")),
	}
}

// Path returns the store file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the persisted descriptors. A missing file yields an empty
// list.
func (s *Store) Load() ([]*AgentDescriptor, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read agent store: %w", err)
	}
	var f agentsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse agent store: %w", err)
	}
	return f.Agents, nil
}

// Save atomically replaces the store with the given descriptors. Callers
// pass the list already sorted; the file mirrors it exactly.
func (s *Store) Save(agents []*AgentDescriptor) error {
	if agents == nil {
		agents = []*AgentDescriptor{}
	}
	data, err := json.MarshalIndent(agentsFile{Agents: agents}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write agent store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace agent store: %w", err)
	}

	s.logger.Debug("saved agent store", zap.Int("agents", len(agents)))
	return nil
}
