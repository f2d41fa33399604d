// internal/storage/file_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"time"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
	pkgerrors "github.com/pkg/errors"
)

const (
	eventLogSuffix = ".jsonl"
	snapshotSuffix = "_snapshot.json"
	memorySuffix   = "_memory.txt"
)

// FileStore keeps one JSONL event log and one snapshot file per session.
type FileStore struct {
	files *FileStorage
}

// NewFileStore 创建基于文件的会话存储
func NewFileStore(dir string) (*FileStore, error) {
	files, err := NewFileStorage(dir)
	if err != nil {
		return nil, apperrors.NewStorageError("open session directory", err)
	}
	return &FileStore{files: files}, nil
}

func (s *FileStore) Append(ctx context.Context, sessionID string, ev models.TurnEvent) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return apperrors.NewStorageError("encode turn event", err)
	}

	err = s.files.AppendLine("", sessionID+eventLogSuffix, line, func(last []byte) error {
		latest := 0
		if last != nil {
			prev, err := models.DecodeTurnEvent(last)
			if err != nil {
				return apperrors.NewStorageError("decode last event of "+sessionID, err)
			}
			latest = prev.T
		}
		return checkNextTurn(sessionID, latest, ev)
	})
	if err != nil {
		if apperrors.TypeOf(err) != "" {
			return err
		}
		return apperrors.NewStorageError("append turn event", err)
	}
	return nil
}

func (s *FileStore) Read(ctx context.Context, sessionID string, fromTurn int) ([]models.TurnEvent, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	var events []models.TurnEvent
	lineNo := 0
	err := s.files.ReadLines("", sessionID+eventLogSuffix, func(line []byte) error {
		lineNo++
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := models.DecodeTurnEvent(line)
		if err != nil {
			return pkgerrors.Wrapf(err, "corrupt event record at line %d", lineNo)
		}
		if ev.T >= fromTurn {
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.TurnEvent{}, nil
		}
		return nil, apperrors.NewStorageError("read event log of "+sessionID, err)
	}
	if events == nil {
		events = []models.TurnEvent{}
	}
	return events, nil
}

func (s *FileStore) LatestTurn(ctx context.Context, sessionID string) (int, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	last, err := s.files.LastLine("", sessionID+eventLogSuffix)
	if err != nil {
		return 0, apperrors.NewStorageError("read latest turn of "+sessionID, err)
	}
	if last == nil {
		return 0, nil
	}
	ev, err := models.DecodeTurnEvent(last)
	if err != nil {
		return 0, apperrors.NewStorageError("decode last event of "+sessionID, err)
	}
	return ev.T, nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	data, err := s.files.LoadTextFile("", sessionID+snapshotSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, apperrors.NewStorageError("load snapshot of "+sessionID, err)
	}
	snap, err := models.DecodeSnapshot(data)
	if err != nil {
		return nil, apperrors.NewStorageError("decode snapshot of "+sessionID, err)
	}
	return snap, nil
}

func (s *FileStore) CreateInitial(ctx context.Context, sessionID, protagonist string) (*models.Snapshot, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	snap := models.NewSnapshot(sessionID, protagonist)
	if err := s.Save(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *FileStore) Save(ctx context.Context, snap *models.Snapshot) error {
	if err := ValidateSessionID(snap.SessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snap.UpdatedAt = time.Now().UTC()
	if err := s.files.SaveJSONFile("", snap.SessionID+snapshotSuffix, snap); err != nil {
		return apperrors.NewStorageError("save snapshot of "+snap.SessionID, err)
	}
	return nil
}

func (s *FileStore) Size(ctx context.Context, sessionID string) (int, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	data, err := s.files.LoadTextFile("", sessionID+snapshotSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, apperrors.NewStorageError("stat snapshot of "+sessionID, err)
	}
	return len(data), nil
}

func (s *FileStore) SaveMemory(ctx context.Context, sessionID, note string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := s.files.SaveTextFile("", sessionID+memorySuffix, []byte(note)); err != nil {
		return apperrors.NewStorageError("save memory of "+sessionID, err)
	}
	return nil
}

func (s *FileStore) LoadMemory(ctx context.Context, sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	data, err := s.files.LoadTextFile("", sessionID+memorySuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", apperrors.NewStorageError("load memory of "+sessionID, err)
	}
	return string(data), nil
}

func (s *FileStore) ListSessions(ctx context.Context) ([]string, error) {
	names, err := s.files.ListFiles("", snapshotSuffix)
	if err != nil {
		return nil, apperrors.NewStorageError("list sessions", err)
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		ids = append(ids, strings.TrimSuffix(name, snapshotSuffix))
	}
	return ids, nil
}

func (s *FileStore) Close() error {
	return s.files.Close()
}
