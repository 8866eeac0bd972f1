package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudeproxy/internal/domain"
)

func openTestLog(t *testing.T) *AuditLog {
	t.Helper()
	log, err := OpenAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func entryFixture(id string, created time.Time) domain.AuditEntry {
	return domain.AuditEntry{
		ID:               id,
		Model:            "claude-code",
		FinishReason:     domain.FinishStop,
		PromptTokens:     10,
		CompletionTokens: 20,
		LatencyMS:        1500,
		ExitCode:         0,
		Stream:           true,
		ToolCalls:        2,
		CreatedAt:        created,
	}
}

func TestAuditRecordAndRecent(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, log.Record(ctx, entryFixture("chatcmpl-1", now.Add(-2*time.Second))))
	require.NoError(t, log.Record(ctx, entryFixture("chatcmpl-2", now.Add(-time.Second))))
	require.NoError(t, log.Record(ctx, entryFixture("chatcmpl-3", now)))

	entries, err := log.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "chatcmpl-3", entries[0].ID, "newest first")
	assert.Equal(t, "chatcmpl-2", entries[1].ID)

	e := entries[0]
	assert.Equal(t, "claude-code", e.Model)
	assert.Equal(t, domain.FinishStop, e.FinishReason)
	assert.Equal(t, 10, e.PromptTokens)
	assert.Equal(t, 20, e.CompletionTokens)
	assert.EqualValues(t, 1500, e.LatencyMS)
	assert.True(t, e.Stream)
	assert.Equal(t, 2, e.ToolCalls)
	assert.True(t, e.CreatedAt.Equal(now))
}

func TestAuditRecentEmpty(t *testing.T) {
	log := openTestLog(t)
	entries, err := log.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAuditDuplicateIDRejected(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()
	e := entryFixture("chatcmpl-dup", time.Now())
	require.NoError(t, log.Record(ctx, e))
	require.Error(t, log.Record(ctx, e), "primary key must reject duplicate ids")
}

func TestAuditReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	log, err := OpenAuditLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Record(ctx, entryFixture("chatcmpl-persist", time.Now())))
	require.NoError(t, log.Close())

	log, err = OpenAuditLog(path)
	require.NoError(t, err)
	defer log.Close()

	entries, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chatcmpl-persist", entries[0].ID)
}
