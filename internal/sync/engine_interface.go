package sync

import (
	"context"
	"encoding/json"

	"github.com/kelmah/offlinesync/internal/models"
	"github.com/kelmah/offlinesync/internal/sync/events"
	"github.com/kelmah/offlinesync/internal/sync/network"
)

// Engine defines the host-facing operations of the sync service.
// This interface allows handlers to be tested against a fake.
type Engine interface {
	// Enqueue stores a new action and returns its id.
	Enqueue(ctx context.Context, actionType models.ActionType, payload json.RawMessage, opts *EnqueueOptions) (models.UUID, error)

	// GetStatus returns connectivity and queue counts.
	GetStatus(ctx context.Context) (Status, error)

	// ForceSyncNow runs a sync cycle; it fails when offline.
	ForceSyncNow(ctx context.Context) error

	// Cancel cancels a pending action.
	Cancel(ctx context.Context, id models.UUID) error

	// Action returns one stored action.
	Action(ctx context.Context, id models.UUID) (*models.Action, error)

	// Actions lists stored actions; an empty status lists all.
	Actions(ctx context.Context, status models.Status) ([]*models.Action, error)

	// Cleanup purges expired terminal actions.
	Cleanup(ctx context.Context) (int, error)

	// SetAPIToken persists the backend bearer token.
	SetAPIToken(ctx context.Context, token string) error

	// Subscribe receives outcome events.
	Subscribe(kind events.Kind, fn events.Handler) func()

	// Monitor exposes platform connectivity signal entry points.
	Monitor() *network.Monitor
}
