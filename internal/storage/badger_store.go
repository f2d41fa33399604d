// internal/storage/badger_store.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
)

// Key layout:
//
//	ev/<session>/<turn, zero padded>  -> TurnEvent JSON
//	snap/<session>                    -> Snapshot JSON
//	mem/<session>                     -> memory note
const (
	badgerEventPrefix    = "ev/"
	badgerSnapshotPrefix = "snap/"
	badgerMemoryPrefix   = "mem/"
)

// BadgerStore persists sessions in an embedded badger database.
type BadgerStore struct {
	db *badger.DB

	// badger transactions are optimistic; appends to one session are serialised
	// here so the latest-turn check and the write see the same state.
	appendLocks sync.Map
}

// NewBadgerStore opens the database at dir, or an in-memory one when inMemory is set.
func NewBadgerStore(dir string, inMemory bool) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperrors.NewStorageError("open badger", err)
	}
	return &BadgerStore{db: db}, nil
}

func eventKey(sessionID string, t int) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d", badgerEventPrefix, sessionID, t))
}

func eventPrefix(sessionID string) []byte {
	return []byte(badgerEventPrefix + sessionID + "/")
}

func (s *BadgerStore) lockFor(sessionID string) *sync.Mutex {
	v, _ := s.appendLocks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *BadgerStore) Append(ctx context.Context, sessionID string, ev models.TurnEvent) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return apperrors.NewStorageError("encode turn event", err)
	}

	mu := s.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		latest, err := latestTurnTxn(txn, sessionID)
		if err != nil {
			return err
		}
		if err := checkNextTurn(sessionID, latest, ev); err != nil {
			return err
		}
		return txn.Set(eventKey(sessionID, ev.T), payload)
	})
	if err != nil {
		if apperrors.TypeOf(err) != "" {
			return err
		}
		return apperrors.NewStorageError("append turn event", err)
	}
	return nil
}

func latestTurnTxn(txn *badger.Txn, sessionID string) (int, error) {
	prefix := eventPrefix(sessionID)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := append(append([]byte{}, prefix...), 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return 0, nil
	}
	key := string(it.Item().Key())
	t, err := strconv.Atoi(strings.TrimPrefix(key, string(prefix)))
	if err != nil {
		return 0, fmt.Errorf("malformed event key %q", key)
	}
	return t, nil
}

func (s *BadgerStore) Read(ctx context.Context, sessionID string, fromTurn int) ([]models.TurnEvent, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if fromTurn < 1 {
		fromTurn = 1
	}

	events := []models.TurnEvent{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := eventPrefix(sessionID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(eventKey(sessionID, fromTurn)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			payload, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ev, err := models.DecodeTurnEvent(payload)
			if err != nil {
				return fmt.Errorf("corrupt event %s: %w", it.Item().Key(), err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewStorageError("read event log of "+sessionID, err)
	}
	return events, nil
}

func (s *BadgerStore) LatestTurn(ctx context.Context, sessionID string) (int, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	var latest int
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		latest, err = latestTurnTxn(txn, sessionID)
		return err
	})
	if err != nil {
		return 0, apperrors.NewStorageError("read latest turn of "+sessionID, err)
	}
	return latest, nil
}

func (s *BadgerStore) get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *BadgerStore) Load(ctx context.Context, sessionID string) (*models.Snapshot, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	data, err := s.get(badgerSnapshotPrefix + sessionID)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewStorageError("load snapshot of "+sessionID, err)
	}
	snap, err := models.DecodeSnapshot(data)
	if err != nil {
		return nil, apperrors.NewStorageError("decode snapshot of "+sessionID, err)
	}
	return snap, nil
}

func (s *BadgerStore) CreateInitial(ctx context.Context, sessionID, protagonist string) (*models.Snapshot, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	snap := models.NewSnapshot(sessionID, protagonist)
	if err := s.Save(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BadgerStore) Save(ctx context.Context, snap *models.Snapshot) error {
	if err := ValidateSessionID(snap.SessionID); err != nil {
		return err
	}
	snap.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(snap)
	if err != nil {
		return apperrors.NewStorageError("encode snapshot", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerSnapshotPrefix+snap.SessionID), payload)
	})
	if err != nil {
		return apperrors.NewStorageError("save snapshot of "+snap.SessionID, err)
	}
	return nil
}

func (s *BadgerStore) Size(ctx context.Context, sessionID string) (int, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	data, err := s.get(badgerSnapshotPrefix + sessionID)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.NewStorageError("snapshot size", err)
	}
	return len(data), nil
}

func (s *BadgerStore) SaveMemory(ctx context.Context, sessionID, note string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerMemoryPrefix+sessionID), []byte(note))
	})
	if err != nil {
		return apperrors.NewStorageError("save memory of "+sessionID, err)
	}
	return nil
}

func (s *BadgerStore) LoadMemory(ctx context.Context, sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	data, err := s.get(badgerMemoryPrefix + sessionID)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.NewStorageError("load memory of "+sessionID, err)
	}
	return string(data), nil
}

func (s *BadgerStore) ListSessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(badgerSnapshotPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), badgerSnapshotPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewStorageError("list sessions", err)
	}
	return ids, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
