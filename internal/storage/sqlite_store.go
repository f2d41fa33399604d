// internal/storage/sqlite_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	session_id TEXT    NOT NULL,
	t          INTEGER NOT NULL,
	payload    TEXT    NOT NULL,
	UNIQUE (session_id, t)
);
CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS memories (
	session_id TEXT PRIMARY KEY,
	note       TEXT NOT NULL
);`

// SQLiteStore persists events and snapshots in one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path. ":memory:" is allowed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, apperrors.NewStorageError("create sqlite directory", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.NewStorageError("open sqlite", err)
	}
	// 单连接串行写
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError("configure sqlite", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError("migrate sqlite schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, ev models.TurnEvent) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return apperrors.NewStorageError("encode turn event", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStorageError("begin append", err)
	}
	defer tx.Rollback()

	var latest int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(t), 0) FROM events WHERE session_id = ?`, sessionID).Scan(&latest); err != nil {
		return apperrors.NewStorageError("read latest turn", err)
	}
	if err := checkNextTurn(sessionID, latest, ev); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (session_id, t, payload) VALUES (?, ?, ?)`, sessionID, ev.T, string(payload)); err != nil {
		return apperrors.NewStorageError("insert turn event", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewStorageError("commit turn event", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, sessionID string, fromTurn int) ([]models.TurnEvent, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE session_id = ? AND t >= ? ORDER BY t`, sessionID, fromTurn)
	if err != nil {
		return nil, apperrors.NewStorageError("query events", err)
	}
	defer rows.Close()

	events := []models.TurnEvent{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, apperrors.NewStorageError("scan event", err)
		}
		ev, err := models.DecodeTurnEvent([]byte(payload))
		if err != nil {
			return nil, apperrors.NewStorageError("decode event of "+sessionID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("iterate events", err)
	}
	return events, nil
}

func (s *SQLiteStore) LatestTurn(ctx context.Context, sessionID string) (int, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	var latest int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(t), 0) FROM events WHERE session_id = ?`, sessionID).Scan(&latest); err != nil {
		return 0, apperrors.NewStorageError("read latest turn", err)
	}
	return latest, nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM snapshots WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("load snapshot", err)
	}
	snap, err := models.DecodeSnapshot([]byte(payload))
	if err != nil {
		return nil, apperrors.NewStorageError("decode snapshot of "+sessionID, err)
	}
	return snap, nil
}

func (s *SQLiteStore) CreateInitial(ctx context.Context, sessionID, protagonist string) (*models.Snapshot, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	snap := models.NewSnapshot(sessionID, protagonist)
	if err := s.Save(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap *models.Snapshot) error {
	if err := ValidateSessionID(snap.SessionID); err != nil {
		return err
	}
	snap.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(snap)
	if err != nil {
		return apperrors.NewStorageError("encode snapshot", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (session_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		snap.SessionID, string(payload), snap.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperrors.NewStorageError("save snapshot of "+snap.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) Size(ctx context.Context, sessionID string) (int, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	var size sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT LENGTH(payload) FROM snapshots WHERE session_id = ?`, sessionID).Scan(&size); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, apperrors.NewStorageError("snapshot size", err)
	}
	return int(size.Int64), nil
}

func (s *SQLiteStore) SaveMemory(ctx context.Context, sessionID, note string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (session_id, note) VALUES (?, ?)
		ON CONFLICT(session_id) DO UPDATE SET note = excluded.note`, sessionID, note)
	if err != nil {
		return apperrors.NewStorageError("save memory of "+sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) LoadMemory(ctx context.Context, sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	var note string
	err := s.db.QueryRowContext(ctx, `SELECT note FROM memories WHERE session_id = ?`, sessionID).Scan(&note)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.NewStorageError("load memory of "+sessionID, err)
	}
	return note, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM snapshots ORDER BY session_id`)
	if err != nil {
		return nil, apperrors.NewStorageError("list sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.NewStorageError("scan session id", err)
		}
		ids = append(ids, strings.TrimSpace(id))
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
