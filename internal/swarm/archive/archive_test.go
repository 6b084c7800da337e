package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/internal/swarm"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	a, err := Open(filepath.Join(t.TempDir(), "archive.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func entry(id, agentID, text string, ts time.Time) swarm.ConversationEntry {
	return swarm.ConversationEntry{
		Type:      swarm.EntryTypeMessage,
		ID:        id,
		AgentID:   agentID,
		Role:      "user",
		Source:    swarm.SourceUserInput,
		Text:      text,
		Timestamp: ts,
	}
}

func TestIndexAndHistory(t *testing.T) {
	a := newTestArchive(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, a.Index(entry("e1", "main", "first message", base)))
	require.NoError(t, a.Index(entry("e2", "main", "second message", base.Add(time.Minute))))
	require.NoError(t, a.Index(entry("e3", "worker", "unrelated", base.Add(2*time.Minute))))

	got, err := a.History(context.Background(), "main", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e2", got[1].ID)
	assert.Equal(t, "first message", got[0].Text)
}

func TestIndexIgnoresDuplicates(t *testing.T) {
	a := newTestArchive(t)
	ts := time.Now().UTC()

	require.NoError(t, a.Index(entry("dup", "main", "original", ts)))
	require.NoError(t, a.Index(entry("dup", "main", "replayed", ts)))

	n, err := a.Count(context.Background(), "main")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := a.History(context.Background(), "main", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "original", got[0].Text)
}

func TestSearch(t *testing.T) {
	a := newTestArchive(t)
	base := time.Now().UTC()

	require.NoError(t, a.Index(entry("s1", "main", "deploy the staging cluster", base)))
	require.NoError(t, a.Index(entry("s2", "main", "deploy production", base.Add(time.Second))))
	require.NoError(t, a.Index(entry("s3", "aux", "deploy docs site", base.Add(2*time.Second))))

	all, err := a.Search(context.Background(), "deploy", "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "s3", all[0].ID)

	scoped, err := a.Search(context.Background(), "deploy", "main", 10)
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	_, err = a.Search(context.Background(), "   ", "", 10)
	assert.Error(t, err)
}

func TestSearchEscapesLikeWildcards(t *testing.T) {
	a := newTestArchive(t)
	ts := time.Now().UTC()

	require.NoError(t, a.Index(entry("w1", "main", "progress at 100%", ts)))
	require.NoError(t, a.Index(entry("w2", "main", "plain text", ts.Add(time.Second))))

	got, err := a.Search(context.Background(), "100%", "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "w1", got[0].ID)
}

func TestPurge(t *testing.T) {
	a := newTestArchive(t)
	ts := time.Now().UTC()

	require.NoError(t, a.Index(entry("p1", "main", "kept elsewhere", ts)))
	require.NoError(t, a.Index(entry("p2", "aux", "survives", ts)))

	require.NoError(t, a.Purge(context.Background(), "main"))

	n, err := a.Count(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
