// Package executor delivers a single action to its destination.
package executor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"time"

	"github.com/kelmah/offlinesync/internal/db"
	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/logging"
	"github.com/kelmah/offlinesync/internal/models"
	"github.com/kelmah/offlinesync/internal/uuid"
)

// Endpoint is the remote route for an action type.
type Endpoint struct {
	Method string
	Path   string
}

// Endpoints maps remote action types to their routes. search_save is local
// and notification_read builds its path from the payload.
var Endpoints = map[models.ActionType]Endpoint{
	models.ActionJobApplication:    {http.MethodPost, "/jobs/apply"},
	models.ActionEmergencyRequest:  {http.MethodPost, "/emergency/request"},
	models.ActionPayment:           {http.MethodPost, "/payments/process"},
	models.ActionContractSignature: {http.MethodPost, "/contracts/sign"},
	models.ActionMessageSend:       {http.MethodPost, "/messages/send"},
	models.ActionProfileUpdate:     {http.MethodPut, "/profile/update"},
	models.ActionReviewSubmit:      {http.MethodPost, "/reviews/submit"},
	models.ActionMilestoneUpdate:   {http.MethodPut, "/milestones/update"},
	models.ActionBookmark:          {http.MethodPost, "/bookmarks/toggle"},
	models.ActionAnalyticsTrack:    {http.MethodPost, "/analytics/track"},
}

const notificationReadAllPath = "/notifications/read/all"

// Executor dispatches actions by type.
type Executor struct {
	remote   Remote
	searches db.SearchRepository
	log      *logging.Logger
}

// New creates an Executor. searches receives search_save actions.
func New(remote Remote, searches db.SearchRepository) *Executor {
	return &Executor{
		remote:   remote,
		searches: searches,
		log:      logging.Component("executor"),
	}
}

// Execute performs the action's operation and returns its result payload.
// An unknown type yields a permanent UNKNOWN_ACTION_TYPE error.
func (e *Executor) Execute(ctx context.Context, a *models.Action) (json.RawMessage, error) {
	switch a.Type {
	case models.ActionJobApplication,
		models.ActionEmergencyRequest,
		models.ActionPayment,
		models.ActionContractSignature,
		models.ActionMessageSend,
		models.ActionProfileUpdate,
		models.ActionReviewSubmit,
		models.ActionMilestoneUpdate,
		models.ActionBookmark:
		ep := Endpoints[a.Type]
		return e.remote.Do(ctx, ep.Method, ep.Path, payloadOrEmpty(a.Payload))
	case models.ActionSearchSave:
		return e.saveSearch(ctx, a)
	case models.ActionNotificationRead:
		return e.notificationRead(ctx, a), nil
	case models.ActionAnalyticsTrack:
		return e.analyticsTrack(ctx, a)
	default:
		return nil, apperrors.Newf(apperrors.ErrUnknownActionType, "unknown action type %q", a.Type)
	}
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}

func (e *Executor) saveSearch(ctx context.Context, a *models.Action) (json.RawMessage, error) {
	if e.searches == nil {
		return nil, apperrors.New(apperrors.ErrStorageUnavailable, "no saved-search storage configured")
	}
	s := &models.SavedSearch{
		ID:        models.UUID(uuid.New()),
		UserID:    a.UserID,
		Query:     payloadOrEmpty(a.Payload),
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := e.searches.SaveSearch(ctx, s); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to save search", err)
	}
	return models.SoftResult{Success: true, Local: true}.Raw(), nil
}

type notificationPayload struct {
	ID             string   `json:"id"`
	NotificationID string   `json:"notificationId"`
	IDs            []string `json:"ids"`
}

// notificationRead never fails; problems are reported as a deferred result
// so they do not hold up other actions.
func (e *Executor) notificationRead(ctx context.Context, a *models.Action) json.RawMessage {
	var p notificationPayload
	if len(a.Payload) > 0 {
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			e.log.Warn("Notification read payload unreadable, deferring", map[string]interface{}{
				"action_id": a.ID,
				"error":     err.Error(),
			})
			return models.SoftResult{Reason: models.ReasonDeferred}.Raw()
		}
	}

	var path string
	switch {
	case len(p.IDs) > 0:
		path = notificationReadAllPath
	case p.ID != "":
		path = "/notifications/" + url.PathEscape(p.ID) + "/read"
	case p.NotificationID != "":
		path = "/notifications/" + url.PathEscape(p.NotificationID) + "/read"
	default:
		return models.SoftResult{Success: true, Skipped: true}.Raw()
	}

	result, err := e.remote.Do(ctx, http.MethodPatch, path, nil)
	if err != nil {
		e.log.Warn("Notification read soft-failed", map[string]interface{}{
			"action_id": a.ID,
			"error":     err.Error(),
		})
		return models.SoftResult{Reason: models.ReasonDeferred}.Raw()
	}
	return result
}

// analyticsTrack reports a rejected request as a non-critical result.
// Transport errors still fail so the event is retried.
func (e *Executor) analyticsTrack(ctx context.Context, a *models.Action) (json.RawMessage, error) {
	ep := Endpoints[models.ActionAnalyticsTrack]
	result, err := e.remote.Do(ctx, ep.Method, ep.Path, payloadOrEmpty(a.Payload))
	var remoteErr *RemoteError
	if stderrors.As(err, &remoteErr) {
		e.log.Warn("Analytics sync failed, continuing", map[string]interface{}{
			"action_id": a.ID,
			"status":    remoteErr.StatusCode,
		})
		return models.SoftResult{Reason: models.ReasonNonCritical}.Raw(), nil
	}
	return result, err
}
