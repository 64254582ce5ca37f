// Package db provides repository interfaces for the queue's persisted records.
package db

import (
	"context"

	"github.com/kelmah/offlinesync/internal/models"
)

// ActionRepository defines durable operations on queued actions.
// This interface allows swapping SQLite for an in-memory store in tests
// and when the database cannot be opened.
type ActionRepository interface {
	// InsertAction persists a new action with an assigned id.
	InsertAction(ctx context.Context, a *models.Action) error

	// SaveAction overwrites the full record.
	SaveAction(ctx context.Context, a *models.Action) error

	// GetAction returns one action; a missing id yields a NOT_FOUND error.
	GetAction(ctx context.Context, id string) (*models.Action, error)

	// ListActionsByStatus returns actions in the given status, oldest first.
	ListActionsByStatus(ctx context.Context, status models.Status) ([]*models.Action, error)

	// ListActions returns every action, oldest first.
	ListActions(ctx context.Context) ([]*models.Action, error)

	// DeleteAction removes an action by id.
	DeleteAction(ctx context.Context, id string) error

	// DeleteTerminalBefore purges terminal actions created before cutoff (unix millis).
	DeleteTerminalBefore(ctx context.Context, cutoff int64) (int, error)
}

// SettingsRepository stores small device-local key/value settings.
type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// SearchRepository stores searches saved while offline.
type SearchRepository interface {
	SaveSearch(ctx context.Context, s *models.SavedSearch) error
	ListSavedSearches(ctx context.Context, userID string) ([]*models.SavedSearch, error)
}

var (
	_ ActionRepository   = (*Repository)(nil)
	_ SettingsRepository = (*Repository)(nil)
	_ SearchRepository   = (*Repository)(nil)
)
