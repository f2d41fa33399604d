// internal/storage/store.go
package storage

import (
	"context"
	"fmt"
	"regexp"

	"github.com/Corphon/NovelIntruder/internal/config"
	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
)

// EventLog is the append-only per-session turn record.
type EventLog interface {
	// Append stores ev durably. ev.T must be greater than the latest stored turn.
	Append(ctx context.Context, sessionID string, ev models.TurnEvent) error
	// Read returns events with T >= fromTurn in order.
	Read(ctx context.Context, sessionID string, fromTurn int) ([]models.TurnEvent, error)
	// LatestTurn returns 0 when the session has no events.
	LatestTurn(ctx context.Context, sessionID string) (int, error)
}

// SnapshotStore keeps one compacted snapshot per session.
type SnapshotStore interface {
	// Load returns nil, nil when no snapshot exists.
	Load(ctx context.Context, sessionID string) (*models.Snapshot, error)
	CreateInitial(ctx context.Context, sessionID, protagonist string) (*models.Snapshot, error)
	// Save stamps UpdatedAt and persists the snapshot.
	Save(ctx context.Context, snap *models.Snapshot) error
	// Size is the stored byte size of the snapshot, 0 when absent.
	Size(ctx context.Context, sessionID string) (int, error)
}

// MemoryStore holds the background "story memory" note of a session.
type MemoryStore interface {
	SaveMemory(ctx context.Context, sessionID, note string) error
	// LoadMemory returns "" when no note exists.
	LoadMemory(ctx context.Context, sessionID string) (string, error)
}

// Store is what a persistence backend provides.
type Store interface {
	EventLog
	SnapshotStore
	MemoryStore
	// ListSessions returns ids of sessions that have a snapshot.
	ListSessions(ctx context.Context) ([]string, error)
	Close() error
}

// Open builds the backend selected by cfg.Backend.
func Open(cfg config.StorageConfig, sessionsDir string) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(sessionsDir)
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "badger":
		return NewBadgerStore(cfg.BadgerPath, false)
	default:
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown storage backend %q", cfg.Backend), nil)
	}
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateSessionID rejects ids that are unsafe as file names or keys.
func ValidateSessionID(sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) || sessionID == "." || sessionID == ".." {
		return apperrors.NewValidationError(fmt.Sprintf("invalid session id %q", sessionID), nil)
	}
	return nil
}

func checkNextTurn(sessionID string, latest int, ev models.TurnEvent) error {
	if !ev.Role.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("invalid role %q", ev.Role), nil)
	}
	if ev.T <= latest {
		return apperrors.NewConflictError(
			fmt.Sprintf("session %s: turn %d is not after latest turn %d", sessionID, ev.T, latest), nil)
	}
	return nil
}
