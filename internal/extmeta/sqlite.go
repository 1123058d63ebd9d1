package extmeta

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteBusyTimeout = 5 * time.Second

// SQLiteStore implements Store on a local SQLite database. Selected by
// configuration; the file store remains the default backend.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}
	return store, nil
}

// openSQLite configures a single-writer connection with WAL journaling,
// which serializes writes and avoids transient SQLITE_BUSY errors.
func openSQLite(dbPath string) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		dbPath,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspace_metadata (
		workspace_id TEXT PRIMARY KEY,
		recency INTEGER NOT NULL DEFAULT 0,
		streaming INTEGER NOT NULL DEFAULT 0,
		last_model TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_workspace_metadata_recency ON workspace_metadata(recency DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

type metadataRow struct {
	WorkspaceID string         `db:"workspace_id"`
	Recency     int64          `db:"recency"`
	Streaming   int            `db:"streaming"`
	LastModel   sql.NullString `db:"last_model"`
}

func (r metadataRow) toEntry() Entry {
	return Entry{
		Recency:   r.Recency,
		Streaming: r.Streaming != 0,
		LastModel: r.LastModel.String,
	}
}

func (s *SQLiteStore) UpdateRecency(ctx context.Context, workspaceID string, ts int64) error {
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workspace_metadata (workspace_id, recency) VALUES (?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET recency = excluded.recency
	`), workspaceID, ts)
	return err
}

func (s *SQLiteStore) SetStreaming(ctx context.Context, workspaceID string, streaming bool, lastModel string) error {
	streamingInt := 0
	if streaming {
		streamingInt = 1
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workspace_metadata (workspace_id, streaming, last_model) VALUES (?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			streaming = excluded.streaming,
			last_model = CASE
				WHEN excluded.last_model IS NOT NULL AND excluded.last_model != ''
				THEN excluded.last_model
				ELSE workspace_metadata.last_model
			END
	`), workspaceID, streamingInt, lastModel)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, workspaceID string) (*Entry, error) {
	var row metadataRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT workspace_id, recency, streaming, last_model
		FROM workspace_metadata WHERE workspace_id = ?
	`), workspaceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	entry := row.toEntry()
	return &entry, nil
}

func (s *SQLiteStore) AllOrdered(ctx context.Context) ([]WorkspaceEntry, error) {
	var rows []metadataRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT workspace_id, recency, streaming, last_model
		FROM workspace_metadata ORDER BY recency DESC
	`)
	if err != nil {
		return nil, err
	}
	entries := make([]WorkspaceEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, WorkspaceEntry{
			WorkspaceID: row.WorkspaceID,
			Entry:       row.toEntry(),
		})
	}
	return entries, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM workspace_metadata WHERE workspace_id = ?
	`), workspaceID)
	return err
}

func (s *SQLiteStore) ClearStaleStreaming(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE workspace_metadata SET streaming = 0 WHERE streaming = 1
	`)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
