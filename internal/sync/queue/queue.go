// Package queue holds the durable queue of actions awaiting delivery.
//
// The Store keeps an in-memory mirror of every active (pending or syncing)
// action in front of a durable Backend. Every mutation is written to the
// backend first and only then applied to the mirror, both under the store
// mutex, so the mirror never shows a state the backend does not hold. The
// one exception is Release, which frees a claimed action even when the
// backend write fails; Load repairs the backend side on the next start.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kelmah/offlinesync/internal/db"
	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/logging"
	"github.com/kelmah/offlinesync/internal/models"
	"github.com/kelmah/offlinesync/internal/uuid"
)

// Backend is the durable side of the store.
type Backend interface {
	db.ActionRepository
	db.SettingsRepository
	db.SearchRepository
	Close() error
}

// Stats summarises the queue.
type Stats struct {
	Pending   int
	Syncing   int
	Failed    int
	QueueSize int
}

// Store manages queued actions.
type Store struct {
	mu      sync.Mutex
	backend Backend
	active  map[models.UUID]*models.Action
	durable bool
	log     *logging.Logger
}

// NewStore creates a Store over backend. durable reports whether backend
// survives a restart.
func NewStore(backend Backend, durable bool) *Store {
	return &Store{
		backend: backend,
		active:  make(map[models.UUID]*models.Action),
		durable: durable,
		log:     logging.Component("queue"),
	}
}

// Durable reports whether actions survive a restart.
func (s *Store) Durable() bool {
	return s.durable
}

// Settings exposes the backend's key/value settings.
func (s *Store) Settings() db.SettingsRepository {
	return s.backend
}

// Searches exposes the backend's saved-search table.
func (s *Store) Searches() db.SearchRepository {
	return s.backend
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Load fills the mirror from the backend. Actions left in syncing by an
// interrupted process are returned to pending. Returns the number loaded.
func (s *Store) Load(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.backend.ListActionsByStatus(ctx, models.StatusPending)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to load pending actions", err)
	}
	syncing, err := s.backend.ListActionsByStatus(ctx, models.StatusSyncing)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to load syncing actions", err)
	}

	for _, a := range syncing {
		a.Status = models.StatusPending
		if err := s.backend.SaveAction(ctx, a); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to reset interrupted action", err)
		}
	}
	if len(syncing) > 0 {
		s.log.Info("Reset interrupted actions to pending", map[string]interface{}{"count": len(syncing)})
	}

	for _, a := range append(pending, syncing...) {
		s.active[a.ID] = a
	}
	return len(pending) + len(syncing), nil
}

// Insert persists a new action and returns its id. An id is assigned when
// the action has none; the status defaults to pending.
func (s *Store) Insert(ctx context.Context, a *models.Action) (models.UUID, error) {
	if a == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "action is required")
	}
	rec := a.Clone()
	if rec.ID == "" {
		rec.ID = models.UUID(uuid.New())
	}
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.InsertAction(ctx, rec); err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "failed to insert action", err)
	}
	if !rec.Status.IsTerminal() {
		s.active[rec.ID] = rec
	}
	a.ID = rec.ID
	a.Status = rec.Status
	return rec.ID, nil
}

// Update overwrites the full record. Terminal records leave the mirror.
func (s *Store) Update(ctx context.Context, a *models.Action) error {
	if a == nil || a.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "action id is required")
	}
	rec := a.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, rec)
}

// save must be called with s.mu held.
func (s *Store) save(ctx context.Context, rec *models.Action) error {
	if err := s.backend.SaveAction(ctx, rec); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update action", err)
	}
	if rec.Status.IsTerminal() {
		delete(s.active, rec.ID)
	} else {
		s.active[rec.ID] = rec
	}
	return nil
}

// Get returns a copy of an active action.
func (s *Store) Get(id models.UUID) (*models.Action, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Lookup returns a copy of any stored action, active or not.
func (s *Store) Lookup(ctx context.Context, id models.UUID) (*models.Action, error) {
	if a, ok := s.Get(id); ok {
		return a, nil
	}
	return s.backend.GetAction(ctx, string(id))
}

// Claim moves a pending action to syncing and returns a copy. It is the
// only way an action enters syncing, so each in-flight action has exactly
// one owner.
func (s *Store) Claim(ctx context.Context, id models.UUID) (*models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "action %s is not active", id)
	}
	if a.Status == models.StatusSyncing {
		return nil, apperrors.Newf(apperrors.ErrActionSyncing, "action %s is already syncing", id)
	}
	if a.Status != models.StatusPending {
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "action %s is %s", id, a.Status)
	}

	rec := a.Clone()
	rec.Status = models.StatusSyncing
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Release returns a syncing action to pending after its outcome could not
// be recorded. The mirror is reset even if the backend write fails, so the
// action stays deliverable for the rest of the session. Releasing an action
// that is not syncing is a no-op.
func (s *Store) Release(ctx context.Context, id models.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[id]
	if !ok || a.Status != models.StatusSyncing {
		return
	}
	rec := a.Clone()
	rec.Status = models.StatusPending
	if err := s.backend.SaveAction(ctx, rec); err != nil {
		s.log.Warn("Released action in memory only", map[string]interface{}{
			"action_id": id,
			"error":     err.Error(),
		})
	}
	s.active[id] = rec
}

// Cancel moves a pending action to cancelled.
func (s *Store) Cancel(ctx context.Context, id models.UUID) (*models.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.active[id]
	if !ok {
		stored, err := s.backend.GetAction(ctx, string(id))
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				return nil, err
			}
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read action", err)
		}
		return nil, apperrors.Newf(apperrors.ErrInvalidTransition, "action %s is already %s", id, stored.Status)
	}
	if a.Status == models.StatusSyncing {
		return nil, apperrors.Newf(apperrors.ErrActionSyncing, "action %s is syncing and cannot be cancelled", id)
	}

	rec := a.Clone()
	rec.Status = models.StatusCancelled
	if err := s.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Len returns the number of active (pending or syncing) actions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Pending returns copies of the pending actions in the mirror, oldest first.
func (s *Store) Pending() []*models.Action {
	s.mu.Lock()
	out := make([]*models.Action, 0, len(s.active))
	for _, a := range s.active {
		if a.Status == models.StatusPending {
			out = append(out, a.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetByStatus returns stored actions in status, oldest first.
func (s *Store) GetByStatus(ctx context.Context, status models.Status) ([]*models.Action, error) {
	actions, err := s.backend.ListActionsByStatus(ctx, status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list actions", err)
	}
	return actions, nil
}

// GetAll returns every stored action, oldest first.
func (s *Store) GetAll(ctx context.Context) ([]*models.Action, error) {
	actions, err := s.backend.ListActions(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list actions", err)
	}
	return actions, nil
}

// Delete removes an action from the backend and the mirror.
func (s *Store) Delete(ctx context.Context, id models.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.DeleteAction(ctx, string(id)); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete action", err)
	}
	delete(s.active, id)
	return nil
}

// PurgeTerminal deletes completed, failed and cancelled actions created
// before cutoff. Active actions are never touched.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.backend.DeleteTerminalBefore(ctx, cutoff.UnixMilli())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to purge actions", err)
	}
	if n > 0 {
		s.log.Info("Purged terminal actions", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Stats counts active actions from the mirror and failed ones from the backend.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	st := Stats{QueueSize: len(s.active)}
	for _, a := range s.active {
		switch a.Status {
		case models.StatusPending:
			st.Pending++
		case models.StatusSyncing:
			st.Syncing++
		}
	}
	s.mu.Unlock()

	failed, err := s.backend.ListActionsByStatus(ctx, models.StatusFailed)
	if err != nil {
		return st, apperrors.Wrap(apperrors.ErrDatabase, "failed to count failed actions", err)
	}
	st.Failed = len(failed)
	return st, nil
}
