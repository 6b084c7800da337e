// Package archive mirrors conversation entries into SQLite so the full
// transcript survives the in-memory ring and stays searchable.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/internal/swarm"
)

// Archive is a write-behind SQLite index over conversation entries.
type Archive struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Entry is one archived conversation row.
type Entry struct {
	ID        string    `db:"id" json:"id"`
	AgentID   string    `db:"agent_id" json:"agentId"`
	Type      string    `db:"entry_type" json:"type"`
	Role      string    `db:"role" json:"role,omitempty"`
	Source    string    `db:"source" json:"source,omitempty"`
	Kind      string    `db:"kind" json:"kind,omitempty"`
	ToolName  string    `db:"tool_name" json:"toolName,omitempty"`
	Text      string    `db:"text" json:"text,omitempty"`
	IsError   bool      `db:"is_error" json:"isError,omitempty"`
	Context   string    `db:"source_context" json:"-"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
}

// Open opens (or creates) the archive database at path.
func Open(path string, log *logger.Logger) (*Archive, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	a := &Archive{
		db:     db,
		logger: log.WithFields(zap.String("component", "archive")),
	}
	if err := a.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversation_entries (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		is_error INTEGER NOT NULL DEFAULT 0,
		source_context TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_agent_ts ON conversation_entries(agent_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_entries_ts ON conversation_entries(timestamp);
	`
	_, err := a.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Index stores one conversation entry. Duplicate IDs are ignored so
// history replay after a restart does not double-write.
func (a *Archive) Index(entry swarm.ConversationEntry) error {
	var sourceCtx string
	if entry.SourceContext != nil {
		if data, err := json.Marshal(entry.SourceContext); err == nil {
			sourceCtx = string(data)
		}
	}

	_, err := a.db.Exec(`
		INSERT OR IGNORE INTO conversation_entries
		(id, agent_id, entry_type, role, source, kind, tool_name, text, is_error, source_context, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.AgentID, entry.Type, entry.Role, entry.Source, entry.Kind,
		entry.ToolName, entry.Text, entry.IsError, sourceCtx, entry.Timestamp.UTC())
	if err != nil {
		a.logger.Error("failed to index conversation entry",
			zap.String("entry_id", entry.ID),
			zap.Error(err))
		return fmt.Errorf("failed to index entry: %w", err)
	}
	return nil
}

// Search returns entries whose text matches the query, newest first.
// An empty agentID searches across all agents.
func (a *Archive) Search(ctx context.Context, query, agentID string, limit int) ([]Entry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	pattern := "%" + escapeLike(query) + "%"
	var rows *sqlx.Rows
	var err error
	if agentID != "" {
		rows, err = a.db.QueryxContext(ctx, `
			SELECT id, agent_id, entry_type, role, source, kind, tool_name, text, is_error, source_context, timestamp
			FROM conversation_entries
			WHERE agent_id = ? AND text LIKE ? ESCAPE '\'
			ORDER BY timestamp DESC
			LIMIT ?
		`, agentID, pattern, limit)
	} else {
		rows, err = a.db.QueryxContext(ctx, `
			SELECT id, agent_id, entry_type, role, source, kind, tool_name, text, is_error, source_context, timestamp
			FROM conversation_entries
			WHERE text LIKE ? ESCAPE '\'
			ORDER BY timestamp DESC
			LIMIT ?
		`, pattern, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.StructScan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// History returns the archived transcript for one agent in timestamp
// order, capped to limit.
func (a *Archive) History(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 2000
	}
	rows, err := a.db.QueryxContext(ctx, `
		SELECT id, agent_id, entry_type, role, source, kind, tool_name, text, is_error, source_context, timestamp
		FROM conversation_entries
		WHERE agent_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.StructScan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Flip to chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Purge removes all archived rows for an agent. Used when a manager
// session is reset.
func (a *Archive) Purge(ctx context.Context, agentID string) error {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM conversation_entries WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to purge archive for %s: %w", agentID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		a.logger.Debug("purged archived entries",
			zap.String("agent_id", agentID),
			zap.Int64("rows", n))
	}
	return nil
}

// Count returns the number of archived rows for an agent, or all rows
// when agentID is empty.
func (a *Archive) Count(ctx context.Context, agentID string) (int64, error) {
	var n int64
	var err error
	if agentID != "" {
		err = a.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM conversation_entries WHERE agent_id = ?`, agentID)
	} else {
		err = a.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM conversation_entries`)
	}
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return n, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
