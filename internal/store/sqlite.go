// ABOUTME: SQLite implementation of HistoryStore using modernc.org/sqlite
// ABOUTME: Stores the execution history in one table with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements HistoryStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tool_executions (
			position    INTEGER PRIMARY KEY,
			id          TEXT NOT NULL UNIQUE,
			tool_name   TEXT NOT NULL,
			args_json   TEXT NOT NULL,
			status      TEXT NOT NULL,
			start_time  TEXT NOT NULL,
			end_time    TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			result_json TEXT,
			error       TEXT NOT NULL DEFAULT '',

			CHECK (status IN ('success', 'error'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// ReplaceHistory deletes the stored history and inserts records in order,
// all inside one transaction.
func (s *SQLiteStore) ReplaceHistory(ctx context.Context, records []ExecutionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_executions`); err != nil {
		return fmt.Errorf("deleting history: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tool_executions
			(position, id, tool_name, args_json, status, start_time, end_time, duration_ms, result_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		args, err := json.Marshal(rec.Args)
		if err != nil {
			return fmt.Errorf("encoding args for %s: %w", rec.ID, err)
		}

		var result sql.NullString
		if rec.Result != nil {
			result = sql.NullString{String: string(rec.Result), Valid: true}
		}

		_, err = stmt.ExecContext(ctx,
			i,
			rec.ID,
			rec.ToolName,
			string(args),
			rec.Status,
			rec.StartTime.UTC().Format(time.RFC3339Nano),
			rec.EndTime.UTC().Format(time.RFC3339Nano),
			rec.DurationMs,
			result,
			rec.Error,
		)
		if err != nil {
			return fmt.Errorf("inserting execution %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history: %w", err)
	}

	s.logger.Debug("history persisted", "count", len(records))
	return nil
}

// LoadHistory returns the persisted history ordered newest first.
func (s *SQLiteStore) LoadHistory(ctx context.Context) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool_name, args_json, status, start_time, end_time, duration_ms, result_json, error
		FROM tool_executions
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		var (
			rec              ExecutionRecord
			argsJSON         string
			startRaw, endRaw string
			result           sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.ToolName, &argsJSON, &rec.Status, &startRaw, &endRaw, &rec.DurationMs, &result, &rec.Error); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}

		if err := json.Unmarshal([]byte(argsJSON), &rec.Args); err != nil {
			return nil, fmt.Errorf("decoding args for %s: %w", rec.ID, err)
		}
		if rec.StartTime, err = time.Parse(time.RFC3339Nano, startRaw); err != nil {
			return nil, fmt.Errorf("parsing start_time for %s: %w", rec.ID, err)
		}
		if rec.EndTime, err = time.Parse(time.RFC3339Nano, endRaw); err != nil {
			return nil, fmt.Errorf("parsing end_time for %s: %w", rec.ID, err)
		}
		if result.Valid {
			rec.Result = json.RawMessage(result.String)
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}

	return records, nil
}

// ClearHistory deletes every stored execution.
func (s *SQLiteStore) ClearHistory(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `DELETE FROM tool_executions`)
	if err != nil {
		return fmt.Errorf("deleting history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing clear: %w", err)
	}

	n, _ := res.RowsAffected()
	s.logger.Info("history cleared", "deleted", n)
	return nil
}
