// Package models provides data model definitions for the offline sync engine.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
// modernc.org/sqlite hands TEXT columns back as string, other drivers as []byte.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// ActionType identifies the remote operation an action performs.
type ActionType string

const (
	ActionJobApplication    ActionType = "job_application"
	ActionEmergencyRequest  ActionType = "emergency_request"
	ActionPayment           ActionType = "payment_action"
	ActionContractSignature ActionType = "contract_signature"
	ActionMessageSend       ActionType = "message_send"
	ActionProfileUpdate     ActionType = "profile_update"
	ActionReviewSubmit      ActionType = "review_submit"
	ActionMilestoneUpdate   ActionType = "milestone_update"
	ActionSearchSave        ActionType = "search_save"
	ActionBookmark          ActionType = "bookmark_action"
	ActionNotificationRead  ActionType = "notification_read"
	ActionAnalyticsTrack    ActionType = "analytics_track"
)

// ActionTypes lists every known action type.
var ActionTypes = []ActionType{
	ActionJobApplication,
	ActionEmergencyRequest,
	ActionPayment,
	ActionContractSignature,
	ActionMessageSend,
	ActionProfileUpdate,
	ActionReviewSubmit,
	ActionMilestoneUpdate,
	ActionSearchSave,
	ActionBookmark,
	ActionNotificationRead,
	ActionAnalyticsTrack,
}

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a queued action.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Location is the optional device position captured at enqueue time.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Action is a queued unit of user intent awaiting delivery.
// Priority, Critical and TimeoutMs are classified once at enqueue and never change.
type Action struct {
	ID          UUID            `db:"id" json:"id"`
	Type        ActionType      `db:"action_type" json:"action_type"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Priority    int             `db:"priority" json:"priority"`
	Critical    bool            `db:"critical" json:"critical"`
	TimeoutMs   int64           `db:"timeout_ms" json:"timeout_ms"`
	Timestamp   int64           `db:"timestamp" json:"timestamp"` // unix millis
	UserID      string          `db:"user_id" json:"user_id"`
	DeviceID    string          `db:"device_id" json:"device_id"`
	NetworkType string          `db:"network_type" json:"network_type"`
	UserAgent   string          `db:"user_agent" json:"user_agent,omitempty"`
	Location    *Location       `db:"location" json:"location,omitempty"`
	Status      Status          `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	LastRetryAt int64           `db:"last_retry_at" json:"last_retry_at,omitempty"`
	CompletedAt int64           `db:"completed_at" json:"completed_at,omitempty"`
	Result      json.RawMessage `db:"result" json:"result,omitempty"`
}

// TableName returns the table name for Action.
func (Action) TableName() string {
	return "pending_actions"
}

// Clone returns a deep copy so callers never share mutable slices with the queue.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	if a.Payload != nil {
		c.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.Result != nil {
		c.Result = append(json.RawMessage(nil), a.Result...)
	}
	if a.Location != nil {
		loc := *a.Location
		c.Location = &loc
	}
	return &c
}

// Timeout returns the per-attempt deadline.
func (a *Action) Timeout() time.Duration {
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// CreatedAt returns Timestamp as a time.Time.
func (a *Action) CreatedAt() time.Time {
	return time.UnixMilli(a.Timestamp)
}
