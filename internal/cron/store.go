package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/logger"
)

// Schedule is one timed prompt targeting a manager agent.
type Schedule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Cron        string     `json:"cron"`
	Message     string     `json:"message"`
	OneShot     bool       `json:"oneShot"`
	Timezone    string     `json:"timezone"`
	CreatedAt   time.Time  `json:"createdAt"`
	NextFireAt  time.Time  `json:"nextFireAt"`
	LastFiredAt *time.Time `json:"lastFiredAt,omitempty"`
}

type scheduleFile struct {
	Schedules []Schedule `json:"schedules"`
}

// Store persists schedules as one JSON file per manager under a base
// directory. The file on disk is the source of truth; the scheduler
// re-reads it on every tick so external edits take effect without a
// restart. All writes go through write-tmp-then-rename so concurrent
// readers never observe a partial payload.
type Store struct {
	dir    string
	logger *logger.Logger
	mu     sync.Mutex
}

// NewStore creates a schedule store rooted at dir, creating it if needed.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("schedule directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create schedule directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "schedule-store")),
	}, nil
}

func (s *Store) filePath(managerID string) string {
	safe := strings.ReplaceAll(managerID, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	return filepath.Join(s.dir, safe+".json")
}

// Load reads all schedules for a manager. A missing file yields an empty
// list.
func (s *Store) Load(managerID string) ([]Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(managerID)
}

func (s *Store) load(managerID string) ([]Schedule, error) {
	data, err := os.ReadFile(s.filePath(managerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read schedules for %s: %w", managerID, err)
	}
	var f scheduleFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse schedules for %s: %w", managerID, err)
	}
	return f.Schedules, nil
}

// Save replaces the schedule list for a manager atomically.
func (s *Store) Save(managerID string, schedules []Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(managerID, schedules)
}

func (s *Store) save(managerID string, schedules []Schedule) error {
	if schedules == nil {
		schedules = []Schedule{}
	}
	data, err := json.MarshalIndent(scheduleFile{Schedules: schedules}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schedules: %w", err)
	}

	target := s.filePath(managerID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write schedules: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace schedules file: %w", err)
	}

	s.logger.Debug("saved schedules",
		zap.String("manager_id", managerID),
		zap.Int("count", len(schedules)))
	return nil
}

// Append adds one schedule to a manager's file.
func (s *Store) Append(managerID string, sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load(managerID)
	if err != nil {
		return err
	}
	return s.save(managerID, append(schedules, sched))
}

// Remove deletes one schedule by id. Removing an unknown id is an error.
func (s *Store) Remove(managerID, scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedules, err := s.load(managerID)
	if err != nil {
		return err
	}
	kept := schedules[:0]
	found := false
	for _, sched := range schedules {
		if sched.ID == scheduleID {
			found = true
			continue
		}
		kept = append(kept, sched)
	}
	if !found {
		return fmt.Errorf("schedule %q not found for manager %s", scheduleID, managerID)
	}
	return s.save(managerID, kept)
}

// Managers lists every manager id that has a schedules file.
func (s *Store) Managers() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}
