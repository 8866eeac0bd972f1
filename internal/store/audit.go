package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"claudeproxy/internal/domain"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS completions (
	id                TEXT PRIMARY KEY,
	model             TEXT NOT NULL,
	finish_reason     TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	latency_ms        INTEGER NOT NULL,
	exit_code         INTEGER NOT NULL,
	stream            INTEGER NOT NULL,
	tool_calls        INTEGER NOT NULL,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_completions_created_at ON completions (created_at);
`

// AuditLog persists completed-request records in a local sqlite file.
type AuditLog struct {
	db *sql.DB
}

// OpenAuditLog opens (creating if needed) the audit database at path.
func OpenAuditLog(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open audit db %s: %w", path, err)
	}
	// sqlite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// Record inserts one audit entry.
func (a *AuditLog) Record(ctx context.Context, e domain.AuditEntry) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO completions
			(id, model, finish_reason, prompt_tokens, completion_tokens,
			 latency_ms, exit_code, stream, tool_calls, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Model, e.FinishReason, e.PromptTokens, e.CompletionTokens,
		e.LatencyMS, e.ExitCode, boolInt(e.Stream), e.ToolCalls,
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert audit entry %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, model, finish_reason, prompt_tokens, completion_tokens,
			latency_ms, exit_code, stream, tool_calls, created_at
		 FROM completions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var stream int
		var created string
		if err := rows.Scan(&e.ID, &e.Model, &e.FinishReason, &e.PromptTokens,
			&e.CompletionTokens, &e.LatencyMS, &e.ExitCode, &stream,
			&e.ToolCalls, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Stream = stream != 0
		if t, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (a *AuditLog) Close() error { return a.db.Close() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
