package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Corphon/NovelIntruder/internal/config"
	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	fileStore, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)

	badgerStore, err := NewBadgerStore("", true)
	require.NoError(t, err)

	stores := map[string]Store{
		"file":   fileStore,
		"sqlite": sqliteStore,
		"badger": badgerStore,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func userEvent(turn int, choice string) models.TurnEvent {
	return models.TurnEvent{T: turn, Role: models.RoleUser, Choice: models.StringPtr(choice), Metadata: map[string]any{}}
}

func TestEventLogAppendIsGapFree(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const n = 12
			for i := 0; i < n; i++ {
				latest, err := store.LatestTurn(ctx, "s1")
				require.NoError(t, err)
				require.NoError(t, store.Append(ctx, "s1", userEvent(latest+1, "go")))
			}

			latest, err := store.LatestTurn(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, n, latest)

			events, err := store.Read(ctx, "s1", 1)
			require.NoError(t, err)
			require.Len(t, events, n)
			for i, ev := range events {
				assert.Equal(t, i+1, ev.T)
			}

			tail, err := store.Read(ctx, "s1", 10)
			require.NoError(t, err)
			assert.Len(t, tail, 3)
		})
	}
}

func TestEventLogRejectsStaleTurn(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Append(ctx, "s2", userEvent(1, "a")))
			err := store.Append(ctx, "s2", userEvent(1, "b"))
			assert.True(t, apperrors.IsConflictError(err))

			events, err := store.Read(ctx, "s2", 0)
			require.NoError(t, err)
			assert.Len(t, events, 1)
		})
	}
}

func TestEventLogEmptySession(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			latest, err := store.LatestTurn(ctx, "nobody")
			require.NoError(t, err)
			assert.Zero(t, latest)

			events, err := store.Read(ctx, "nobody", 1)
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			snap, err := store.Load(ctx, "s3")
			require.NoError(t, err)
			assert.Nil(t, snap)

			snap, err = store.CreateInitial(ctx, "s3", "hero")
			require.NoError(t, err)
			snap.Globals.Deviation = 0.25
			snap.Globals.Affinity["rival"] = -12
			snap.Summary = models.StringPtr("the story so far")
			snap.Recent = append(snap.Recent, userEvent(1, "wait"))
			require.NoError(t, store.Save(ctx, snap))

			loaded, err := store.Load(ctx, "s3")
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, "hero", loaded.Protagonist)
			assert.InDelta(t, 0.25, loaded.Globals.Deviation, 1e-9)
			assert.Equal(t, -12.0, loaded.Globals.Affinity["rival"])
			assert.Equal(t, "the story so far", loaded.SummaryText())
			assert.Len(t, loaded.Recent, 1)
			assert.Equal(t, models.SnapshotVersion, loaded.Version)

			size, err := store.Size(ctx, "s3")
			require.NoError(t, err)
			assert.Positive(t, size)

			ids, err := store.ListSessions(ctx)
			require.NoError(t, err)
			assert.Contains(t, ids, "s3")
		})
	}
}

func TestMemoryNotes(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			note, err := store.LoadMemory(ctx, "s4")
			require.NoError(t, err)
			assert.Empty(t, note)

			require.NoError(t, store.SaveMemory(ctx, "s4", "met the rival"))
			require.NoError(t, store.SaveMemory(ctx, "s4", "defeated the rival"))
			note, err = store.LoadMemory(ctx, "s4")
			require.NoError(t, err)
			assert.Equal(t, "defeated the rival", note)
		})
	}
}

func TestValidateSessionID(t *testing.T) {
	assert.NoError(t, ValidateSessionID("session-01_a.b"))
	for _, bad := range []string{"", "..", "../etc", "a/b", " lead"} {
		assert.Error(t, ValidateSessionID(bad), bad)
	}
}

func TestFileStoreCorruptLineFailsLoud(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "s5", userEvent(1, "a")))

	f, err := os.OpenFile(filepath.Join(dir, "s5.jsonl"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"t":2,"role":"narrator"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = store.Read(ctx, "s5", 1)
	assert.Equal(t, apperrors.ErrorTypeStorage, apperrors.TypeOf(err))
}

func TestOpenSelectsBackend(t *testing.T) {
	_, err := Open(configFor("mongo", t), t.TempDir())
	assert.True(t, apperrors.IsValidationError(err))

	store, err := Open(configFor("sqlite", t), t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	_, ok := store.(*SQLiteStore)
	assert.True(t, ok)
}

func configFor(backend string, t *testing.T) config.StorageConfig {
	return config.StorageConfig{
		Backend:    backend,
		SQLitePath: filepath.Join(t.TempDir(), "s.db"),
		BadgerPath: filepath.Join(t.TempDir(), "badger"),
	}
}
