package brainy

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver, registered as "sqlite"

	"github.com/brainydb/brainy/pkg/pipeline"
)

// sqliteAuditSink persists audit-log augmentation entries to a small
// SQLite table. SQLite is never the canonical noun/verb store; it is
// an optional side-channel sink for the audit log only.
type sqliteAuditSink struct {
	db *sql.DB
}

// openAuditSink opens (creating if necessary) a SQLite database at dsn
// and ensures its audit_log table exists.
func openAuditSink(dsn string) (*sqliteAuditSink, error) {
	full := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dsn)
	db, err := sql.Open("sqlite", full)
	if err != nil {
		return nil, fmt.Errorf("brainy: open audit sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	const createTableSQL = `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recorded_at DATETIME NOT NULL,
		op TEXT NOT NULL,
		params_digest TEXT,
		result_digest TEXT,
		error TEXT,
		duration_ms INTEGER NOT NULL,
		session_id TEXT
	);`
	if _, err := db.ExecContext(context.Background(), createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("brainy: create audit_log table: %w", err)
	}
	return &sqliteAuditSink{db: db}, nil
}

// sink matches pipeline.AuditLog's optional persistence callback.
func (s *sqliteAuditSink) sink(entry pipeline.AuditEntry) error {
	errMsg := ""
	if entry.Err != nil {
		errMsg = entry.Err.Error()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log (recorded_at, op, params_digest, result_digest, error, duration_ms, session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, string(entry.Op), entry.ParamsDigest, entry.ResultDigest, errMsg,
		entry.Duration/time.Millisecond, entry.SessionID,
	)
	return err
}

func (s *sqliteAuditSink) Close() error {
	return s.db.Close()
}
