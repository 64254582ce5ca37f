package queue

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/models"
)

// MemoryBackend is a process-lifetime Backend used when durable storage is
// unavailable and in tests.
type MemoryBackend struct {
	mu       sync.RWMutex
	actions  map[models.UUID]*models.Action
	settings map[string]string
	searches []*models.SavedSearch
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		actions:  make(map[models.UUID]*models.Action),
		settings: make(map[string]string),
	}
}

// InsertAction implements db.ActionRepository.
func (m *MemoryBackend) InsertAction(_ context.Context, a *models.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; ok {
		return apperrors.Newf(apperrors.ErrInvalid, "action %s already exists", a.ID)
	}
	m.actions[a.ID] = a.Clone()
	return nil
}

// SaveAction implements db.ActionRepository.
func (m *MemoryBackend) SaveAction(_ context.Context, a *models.Action) error {
	m.mu.Lock()
	m.actions[a.ID] = a.Clone()
	m.mu.Unlock()
	return nil
}

// GetAction implements db.ActionRepository.
func (m *MemoryBackend) GetAction(_ context.Context, id string) (*models.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actions[models.UUID(id)]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "action %s not found", id)
	}
	return a.Clone(), nil
}

// ListActionsByStatus implements db.ActionRepository.
func (m *MemoryBackend) ListActionsByStatus(_ context.Context, status models.Status) ([]*models.Action, error) {
	return m.list(func(a *models.Action) bool { return a.Status == status }), nil
}

// ListActions implements db.ActionRepository.
func (m *MemoryBackend) ListActions(_ context.Context) ([]*models.Action, error) {
	return m.list(func(*models.Action) bool { return true }), nil
}

func (m *MemoryBackend) list(keep func(*models.Action) bool) []*models.Action {
	m.mu.RLock()
	var out []*models.Action
	for _, a := range m.actions {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// DeleteAction implements db.ActionRepository.
func (m *MemoryBackend) DeleteAction(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.actions, models.UUID(id))
	m.mu.Unlock()
	return nil
}

// DeleteTerminalBefore implements db.ActionRepository.
func (m *MemoryBackend) DeleteTerminalBefore(_ context.Context, cutoff int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, a := range m.actions {
		if a.Status.IsTerminal() && a.Timestamp < cutoff {
			delete(m.actions, id)
			n++
		}
	}
	return n, nil
}

// GetSetting implements db.SettingsRepository.
func (m *MemoryBackend) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

// SetSetting implements db.SettingsRepository.
func (m *MemoryBackend) SetSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.settings[key] = value
	m.mu.Unlock()
	return nil
}

// SaveSearch implements db.SearchRepository.
func (m *MemoryBackend) SaveSearch(_ context.Context, s *models.SavedSearch) error {
	c := *s
	m.mu.Lock()
	m.searches = append(m.searches, &c)
	m.mu.Unlock()
	return nil
}

// ListSavedSearches implements db.SearchRepository.
func (m *MemoryBackend) ListSavedSearches(_ context.Context, userID string) ([]*models.SavedSearch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SavedSearch
	for _, s := range m.searches {
		if s.UserID == userID {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error { return nil }
