package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/models"
)

func newAction(actionType models.ActionType, ts int64) *models.Action {
	return &models.Action{
		Type:       actionType,
		Payload:    json.RawMessage(`{"k":"v"}`),
		Priority:   2,
		TimeoutMs:  20000,
		Timestamp:  ts,
		UserID:     "anonymous",
		MaxRetries: 3,
	}
}

// backends runs fn against the memory and SQLite backends.
func backends(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewStore(NewMemoryBackend(), false))
	})
	t.Run("sqlite", func(t *testing.T) {
		s := Open(t.TempDir())
		require.True(t, s.Durable())
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

// =====================================================
// Insert / Update Tests
// =====================================================

func TestStore_InsertAssignsID(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a := newAction(models.ActionMessageSend, 100)

		id, err := s.Insert(ctx, a)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, id, a.ID)
		assert.Equal(t, models.StatusPending, a.Status)

		got, ok := s.Get(id)
		require.True(t, ok)
		assert.Equal(t, models.ActionMessageSend, got.Type)

		// returned copies are detached from the mirror
		got.Status = models.StatusFailed
		again, _ := s.Get(id)
		assert.Equal(t, models.StatusPending, again.Status)

		stored, err := s.GetByStatus(ctx, models.StatusPending)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, id, stored[0].ID)
	})
}

func TestStore_UpdateTerminalLeavesMirror(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a := newAction(models.ActionBookmark, 100)
		id, err := s.Insert(ctx, a)
		require.NoError(t, err)

		a.Status = models.StatusCompleted
		a.CompletedAt = 200
		require.NoError(t, s.Update(ctx, a))
		require.NoError(t, s.Update(ctx, a), "update must be idempotent")

		_, ok := s.Get(id)
		assert.False(t, ok)

		got, err := s.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Equal(t, int64(200), got.CompletedAt)
	})
}

func TestStore_UpdateRequiresID(t *testing.T) {
	s := NewStore(NewMemoryBackend(), false)
	err := s.Update(context.Background(), &models.Action{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// =====================================================
// Claim / Cancel Tests
// =====================================================

func TestStore_Claim(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		id, err := s.Insert(ctx, newAction(models.ActionPayment, 100))
		require.NoError(t, err)

		claimed, err := s.Claim(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSyncing, claimed.Status)

		_, err = s.Claim(ctx, id)
		assert.True(t, apperrors.Is(err, apperrors.ErrActionSyncing))

		_, err = s.Claim(ctx, "missing")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

		syncing, err := s.GetByStatus(ctx, models.StatusSyncing)
		require.NoError(t, err)
		assert.Len(t, syncing, 1)
	})
}

// failingBackend rejects every save while broken is set.
type failingBackend struct {
	*MemoryBackend
	broken atomic.Bool
}

func (f *failingBackend) SaveAction(ctx context.Context, a *models.Action) error {
	if f.broken.Load() {
		return errors.New("disk I/O error")
	}
	return f.MemoryBackend.SaveAction(ctx, a)
}

func TestStore_Release(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		id, err := s.Insert(ctx, newAction(models.ActionPayment, 100))
		require.NoError(t, err)
		_, err = s.Claim(ctx, id)
		require.NoError(t, err)

		s.Release(ctx, id)
		a, ok := s.Get(id)
		require.True(t, ok)
		assert.Equal(t, models.StatusPending, a.Status)

		stored, err := s.backend.GetAction(ctx, string(id))
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, stored.Status)

		s.Release(ctx, id)
		s.Release(ctx, "missing")
		assert.Len(t, s.Pending(), 1)
	})
}

func TestStore_ReleaseWhenBackendFails(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{MemoryBackend: NewMemoryBackend()}
	s := NewStore(backend, false)

	id, err := s.Insert(ctx, newAction(models.ActionMessageSend, 100))
	require.NoError(t, err)
	_, err = s.Claim(ctx, id)
	require.NoError(t, err)

	backend.broken.Store(true)
	s.Release(ctx, id)

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	backend.broken.Store(false)
	_, err = s.Cancel(ctx, id)
	assert.NoError(t, err)
}

func TestStore_ClaimHasOneWinner(t *testing.T) {
	s := NewStore(NewMemoryBackend(), false)
	ctx := context.Background()
	id, err := s.Insert(ctx, newAction(models.ActionPayment, 100))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Claim(ctx, id); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStore_Cancel(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		pendingID, err := s.Insert(ctx, newAction(models.ActionReviewSubmit, 100))
		require.NoError(t, err)
		syncingID, err := s.Insert(ctx, newAction(models.ActionReviewSubmit, 101))
		require.NoError(t, err)
		_, err = s.Claim(ctx, syncingID)
		require.NoError(t, err)

		cancelled, err := s.Cancel(ctx, pendingID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCancelled, cancelled.Status)
		_, ok := s.Get(pendingID)
		assert.False(t, ok)

		_, err = s.Cancel(ctx, syncingID)
		assert.True(t, apperrors.Is(err, apperrors.ErrActionSyncing))

		_, err = s.Cancel(ctx, pendingID)
		assert.True(t, apperrors.Is(err, apperrors.ErrInvalidTransition))

		_, err = s.Cancel(ctx, "missing")
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})
}

// =====================================================
// Load / Purge / Stats Tests
// =====================================================

func TestStore_LoadResetsInterrupted(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := Open(dir)
	pendingID, err := first.Insert(ctx, newAction(models.ActionJobApplication, 100))
	require.NoError(t, err)
	syncingID, err := first.Insert(ctx, newAction(models.ActionJobApplication, 200))
	require.NoError(t, err)
	_, err = first.Claim(ctx, syncingID)
	require.NoError(t, err)
	doneID, err := first.Insert(ctx, newAction(models.ActionJobApplication, 300))
	require.NoError(t, err)
	done, _ := first.Get(doneID)
	done.Status = models.StatusCompleted
	require.NoError(t, first.Update(ctx, done))
	require.NoError(t, first.Close())

	second := Open(dir)
	defer second.Close()
	n, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending := second.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, pendingID, pending[0].ID)
	assert.Equal(t, syncingID, pending[1].ID)

	stored, err := second.GetByStatus(ctx, models.StatusSyncing)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestStore_PurgeTerminal(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		now := time.Now()
		old := now.Add(-25 * time.Hour).UnixMilli()

		oldPending := newAction(models.ActionAnalyticsTrack, old)
		_, err := s.Insert(ctx, oldPending)
		require.NoError(t, err)

		for _, st := range []models.Status{models.StatusCompleted, models.StatusFailed, models.StatusCancelled} {
			a := newAction(models.ActionAnalyticsTrack, old)
			a.Status = st
			_, err := s.Insert(ctx, a)
			require.NoError(t, err)
		}
		recent := newAction(models.ActionAnalyticsTrack, now.UnixMilli())
		recent.Status = models.StatusCompleted
		_, err = s.Insert(ctx, recent)
		require.NoError(t, err)

		n, err := s.PurgeTerminal(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		all, err := s.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		_, ok := s.Get(oldPending.ID)
		assert.True(t, ok, "active actions are never purged")
	})
}

func TestStore_StatsAndDelete(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a, err := s.Insert(ctx, newAction(models.ActionMessageSend, 1))
		require.NoError(t, err)
		b, err := s.Insert(ctx, newAction(models.ActionMessageSend, 2))
		require.NoError(t, err)
		_, err = s.Claim(ctx, b)
		require.NoError(t, err)
		failed := newAction(models.ActionMessageSend, 3)
		failed.Status = models.StatusFailed
		_, err = s.Insert(ctx, failed)
		require.NoError(t, err)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Pending: 1, Syncing: 1, Failed: 1, QueueSize: 2}, st)

		require.NoError(t, s.Delete(ctx, a))
		_, ok := s.Get(a)
		assert.False(t, ok)
		_, err = s.Lookup(ctx, a)
		assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	})
}

// =====================================================
// Open Tests
// =====================================================

func TestOpen_DegradesToMemory(t *testing.T) {
	// a regular file where the data directory should be
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s := Open(blocker)
	defer s.Close()
	assert.False(t, s.Durable())

	id, err := s.Insert(context.Background(), newAction(models.ActionMessageSend, 1))
	require.NoError(t, err)
	_, ok := s.Get(id)
	assert.True(t, ok)

	assert.False(t, Open("").Durable())
}

func TestStore_SettingsAndSearches(t *testing.T) {
	backends(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		require.NoError(t, s.Settings().SetSetting(ctx, "device_id", "device_x"))
		v, ok, err := s.Settings().GetSetting(ctx, "device_id")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "device_x", v)

		require.NoError(t, s.Searches().SaveSearch(ctx, &models.SavedSearch{
			ID: "s1", UserID: "u1", Query: json.RawMessage(`{"q":"tiler"}`), CreatedAt: 1,
		}))
		got, err := s.Searches().ListSavedSearches(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}
