// Package session persists per-agent conversation logs as JSONL files.
// Each agent owns one append-only file; one JSON record per line.
//
// Two record kinds exist: "message" records carry chat history for the
// agent library, "custom" records are the durable side-channel the runtime
// and swarm use for thread ids, context-window state and the conversation
// projection. Consumers validate custom payload shapes themselves.
package session

import (
	"bufio"
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

// Record kinds.
const (
	RecordTypeMessage = "message"
	RecordTypeCustom  = "custom"
)

// Custom record types written by the swarm.
const (
	// CustomRuntimeState persists the Codex thread id across restarts.
	CustomRuntimeState = "swarm_codex_runtime_state"
	// CustomContextWindow persists the latest token usage snapshot.
	CustomContextWindow = "swarm_context_window"
	// CustomConversationEntry persists one projected conversation entry.
	CustomConversationEntry = "swarm_conversation_entry"
)

// Record is a single line in a session file.
type Record struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// For message records
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// For custom records
	CustomType string          `json:"customType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// RuntimeState is the payload of CustomRuntimeState records.
type RuntimeState struct {
	ThreadID string `json:"threadId"`
}

// ContextWindow is the payload of CustomContextWindow records.
type ContextWindow struct {
	Tokens        int64 `json:"tokens"`
	ContextWindow int64 `json:"contextWindow"`
}

// Store reads and writes session files under a base directory. Callers
// address files by path (agent descriptors carry their session file path);
// FilePath derives the canonical location for an agent id.
type Store struct {
	baseDir string
	logger  *logger.Logger
	mu      sync.RWMutex
}

// NewStore creates a session store rooted at baseDir, creating the
// directory if needed.
func NewStore(baseDir string, log *logger.Logger) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("session base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		logger:  log.WithFields(zap.String("component", "session-store")),
	}, nil
}

// BaseDir returns the directory session files live in.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// FilePath returns the canonical session file path for an agent id.
func (s *Store) FilePath(agentID string) string {
	return filepath.Join(s.baseDir, SanitizeID(agentID)+".jsonl")
}

// SanitizeID makes an agent id safe for use as a path segment.
func SanitizeID(agentID string) string {
	safe := strings.ReplaceAll(agentID, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	return safe
}

// AppendMessage appends a chat message record.
func (s *Store) AppendMessage(path, role, content string) error {
	return s.append(path, Record{
		Type:    RecordTypeMessage,
		Role:    role,
		Content: content,
	})
}

// AppendCustom appends a custom record, marshaling data as its payload.
func (s *Store) AppendCustom(path, customType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal custom payload: %w", err)
	}
	return s.append(path, Record{
		Type:       RecordTypeCustom,
		CustomType: customType,
		Data:       payload,
	})
}

// append writes one record as a single line. Each record is written with
// its own open/write/close so a crash loses at most the trailing line.
func (s *Store) append(path string, rec Record) error {
	if path == "" {
		return fmt.Errorf("session file path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}

	s.logger.Debug("appended session record",
		zap.String("path", filepath.Base(path)),
		zap.String("type", rec.Type),
		zap.String("custom_type", rec.CustomType))

	return nil
}

// ReadAll reads every record in the file, in order. A missing file yields
// no records. Unparseable lines (including a truncated trailing line from
// an interrupted write) are skipped.
func (s *Store) ReadAll(path string) ([]Record, error) {
	if path == "" {
		return nil, fmt.Errorf("session file path is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	scanner := bufio.NewScanner(f)
	// Conversation entries can be large
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping unparseable session record",
				zap.String("path", filepath.Base(path)),
				zap.Error(err))
			continue
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	return records, nil
}

// Delete removes the session file. Missing files are not an error.
func (s *Store) Delete(path string) error {
	if path == "" {
		return fmt.Errorf("session file path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}

	s.logger.Debug("deleted session file", zap.String("path", filepath.Base(path)))
	return nil
}

// LastCustom returns the payload of the most recent custom record with the
// given type.
func LastCustom(records []Record, customType string) (json.RawMessage, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Type == RecordTypeCustom && records[i].CustomType == customType {
			return records[i].Data, true
		}
	}
	return nil, false
}

// CustomsOf returns the payloads of every custom record with the given
// type, in file order.
func CustomsOf(records []Record, customType string) []json.RawMessage {
	var out []json.RawMessage
	for _, rec := range records {
		if rec.Type == RecordTypeCustom && rec.CustomType == customType {
			out = append(out, rec.Data)
		}
	}
	return out
}
