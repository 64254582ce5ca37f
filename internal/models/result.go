package models

import "encoding/json"

// SoftResult is the structured outcome returned by best-effort handlers
// instead of an error.
type SoftResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Local   bool   `json:"local,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

const (
	ReasonDeferred    = "deferred"
	ReasonNonCritical = "non-critical"
)

// Raw encodes r for storage in Action.Result.
func (r SoftResult) Raw() json.RawMessage {
	data, _ := json.Marshal(r)
	return data
}

// SavedSearch is a search persisted locally by the search_save action.
type SavedSearch struct {
	ID        UUID            `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	Query     json.RawMessage `db:"query" json:"query"`
	CreatedAt int64           `db:"created_at" json:"created_at"`
}

// TableName returns the table name for SavedSearch.
func (SavedSearch) TableName() string {
	return "saved_searches"
}
