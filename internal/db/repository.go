// Package db provides CRUD repository operations for queued actions.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kelmah/offlinesync/internal/errors"
	"github.com/kelmah/offlinesync/internal/models"
)

// Repository provides durable storage for actions, settings and saved searches.
// Prepared statements are cached per query string.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Store in cache (if already stored by another goroutine, use existing)
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// Action Operations
// =====================================================

const actionColumns = `id, action_type, payload, priority, critical, timeout_ms, timestamp,
	user_id, device_id, network_type, user_agent, location, status,
	retry_count, max_retries, last_error, last_retry_at, completed_at, result`

const insertActionSQL = `INSERT INTO pending_actions (` + actionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const upsertActionSQL = insertActionSQL + `
	ON CONFLICT(id) DO UPDATE SET
		action_type = excluded.action_type,
		payload = excluded.payload,
		priority = excluded.priority,
		critical = excluded.critical,
		timeout_ms = excluded.timeout_ms,
		timestamp = excluded.timestamp,
		user_id = excluded.user_id,
		device_id = excluded.device_id,
		network_type = excluded.network_type,
		user_agent = excluded.user_agent,
		location = excluded.location,
		status = excluded.status,
		retry_count = excluded.retry_count,
		max_retries = excluded.max_retries,
		last_error = excluded.last_error,
		last_retry_at = excluded.last_retry_at,
		completed_at = excluded.completed_at,
		result = excluded.result`

func actionArgs(a *models.Action) ([]interface{}, error) {
	var location interface{}
	if a.Location != nil {
		data, err := json.Marshal(a.Location)
		if err != nil {
			return nil, fmt.Errorf("failed to encode location: %w", err)
		}
		location = string(data)
	}
	payload := "null"
	if len(a.Payload) > 0 {
		payload = string(a.Payload)
	}
	var result interface{}
	if len(a.Result) > 0 {
		result = string(a.Result)
	}
	return []interface{}{
		a.ID, string(a.Type), payload, a.Priority, a.Critical, a.TimeoutMs, a.Timestamp,
		a.UserID, a.DeviceID, a.NetworkType, a.UserAgent, location, string(a.Status),
		a.RetryCount, a.MaxRetries, a.LastError, a.LastRetryAt, a.CompletedAt, result,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*models.Action, error) {
	var (
		a          models.Action
		actionType string
		status     string
		payload    string
		location   sql.NullString
		result     sql.NullString
	)
	err := row.Scan(&a.ID, &actionType, &payload, &a.Priority, &a.Critical, &a.TimeoutMs, &a.Timestamp,
		&a.UserID, &a.DeviceID, &a.NetworkType, &a.UserAgent, &location, &status,
		&a.RetryCount, &a.MaxRetries, &a.LastError, &a.LastRetryAt, &a.CompletedAt, &result)
	if err != nil {
		return nil, err
	}
	a.Type = models.ActionType(actionType)
	a.Status = models.Status(status)
	a.Payload = json.RawMessage(payload)
	if location.Valid && location.String != "" {
		var loc models.Location
		if err := json.Unmarshal([]byte(location.String), &loc); err != nil {
			return nil, fmt.Errorf("failed to decode location for %s: %w", a.ID, err)
		}
		a.Location = &loc
	}
	if result.Valid {
		a.Result = json.RawMessage(result.String)
	}
	return &a, nil
}

// InsertAction persists a new action. The id must already be assigned.
func (r *Repository) InsertAction(ctx context.Context, a *models.Action) error {
	args, err := actionArgs(a)
	if err != nil {
		return err
	}
	stmt, err := r.PrepareStmt(ctx, insertActionSQL)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

// SaveAction overwrites the full record, inserting it if missing.
func (r *Repository) SaveAction(ctx context.Context, a *models.Action) error {
	args, err := actionArgs(a)
	if err != nil {
		return err
	}
	stmt, err := r.PrepareStmt(ctx, upsertActionSQL)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("failed to save action %s: %w", a.ID, err)
	}
	return nil
}

// GetAction retrieves an action by id.
func (r *Repository) GetAction(ctx context.Context, id string) (*models.Action, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+actionColumns+` FROM pending_actions WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	a, err := scanAction(stmt.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "action %s not found", id)
	}
	return a, err
}

// ListActionsByStatus returns actions with the given status, oldest first.
func (r *Repository) ListActionsByStatus(ctx context.Context, status models.Status) ([]*models.Action, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+actionColumns+` FROM pending_actions
		WHERE status = ? ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return collectActions(stmt.QueryContext(ctx, string(status)))
}

// ListActions returns every stored action, oldest first.
func (r *Repository) ListActions(ctx context.Context) ([]*models.Action, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+actionColumns+` FROM pending_actions ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return collectActions(stmt.QueryContext(ctx))
}

func collectActions(rows *sql.Rows, err error) ([]*models.Action, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// DeleteAction removes an action by id. Deleting a missing id is not an error.
func (r *Repository) DeleteAction(ctx context.Context, id string) error {
	stmt, err := r.PrepareStmt(ctx, `DELETE FROM pending_actions WHERE id = ?`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("failed to delete action %s: %w", id, err)
	}
	return nil
}

// DeleteTerminalBefore removes completed, failed and cancelled actions
// created before cutoff (unix millis). Returns the number removed.
func (r *Repository) DeleteTerminalBefore(ctx context.Context, cutoff int64) (int, error) {
	stmt, err := r.PrepareStmt(ctx, `DELETE FROM pending_actions
		WHERE status IN ('completed', 'failed', 'cancelled') AND timestamp < ?`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// =====================================================
// Settings Operations
// =====================================================

// GetSetting returns the stored value for key, or "" and false.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT value FROM settings WHERE key = ?`)
	if err != nil {
		return "", false, err
	}
	var value string
	err = stmt.QueryRowContext(ctx, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores value under key.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	stmt, err := r.PrepareStmt(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// =====================================================
// Saved Search Operations
// =====================================================

// SaveSearch stores a search locally.
func (r *Repository) SaveSearch(ctx context.Context, s *models.SavedSearch) error {
	stmt, err := r.PrepareStmt(ctx, `INSERT INTO saved_searches (id, user_id, query, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, s.ID, s.UserID, string(s.Query), s.CreatedAt); err != nil {
		return fmt.Errorf("failed to save search: %w", err)
	}
	return nil
}

// ListSavedSearches returns saved searches for a user, oldest first.
func (r *Repository) ListSavedSearches(ctx context.Context, userID string) ([]*models.SavedSearch, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT id, user_id, query, created_at FROM saved_searches
		WHERE user_id = ? ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query saved searches: %w", err)
	}
	defer rows.Close()

	var out []*models.SavedSearch
	for rows.Next() {
		var s models.SavedSearch
		var query string
		if err := rows.Scan(&s.ID, &s.UserID, &query, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Query = json.RawMessage(query)
		out = append(out, &s)
	}
	return out, rows.Err()
}
