package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// JournalPathEnv enables the alert journal when set to a SQLite file path.
const JournalPathEnv = "XBP_JOURNAL_PATH"

// Journal is an append-only SQLite log of dispatched alerts. It records
// delivery history, not run results; entries hold the already-redacted
// failure summary.
type Journal struct {
	db *sqlx.DB
}

// Entry is one journaled alert dispatch.
type Entry struct {
	ID          int64     `db:"id" json:"id"`
	MonitorKind string    `db:"monitor_kind" json:"monitor_kind"`
	MonitorName string    `db:"monitor_name" json:"monitor_name"`
	TargetURL   string    `db:"target_url" json:"target_url"`
	Outcome     string    `db:"outcome" json:"outcome"`
	Detail      string    `db:"detail" json:"detail"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS alert_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	monitor_kind TEXT NOT NULL,
	monitor_name TEXT NOT NULL,
	target_url TEXT NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_log_created_at ON alert_log(created_at);
`

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert journal %s: %w", path, err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize alert journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record appends one dispatch entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO alert_log (monitor_kind, monitor_name, target_url, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.MonitorKind, e.MonitorName, e.TargetURL, e.Outcome, e.Detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record alert: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	entries := []Entry{}
	err := j.db.SelectContext(ctx, &entries,
		`SELECT id, monitor_kind, monitor_name, target_url, outcome, detail, created_at
		 FROM alert_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read alert journal: %w", err)
	}
	return entries, nil
}

// Close releases the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}
