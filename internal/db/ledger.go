package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrwolf/anchor-server/internal/models"
)

const notificationColumns = `id, category, day_bucket, source_id, payload, priority, status,
	requested_at, dispatch_at, attempts, reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*models.ScheduledNotification, error) {
	var n models.ScheduledNotification
	var payload, requestedStr, dispatchStr, createdStr, updatedStr string
	var reason sql.NullString
	if err := row.Scan(&n.ID, &n.Category, &n.DayBucket, &n.SourceID, &payload, &n.Priority, &n.Status,
		&requestedStr, &dispatchStr, &n.Attempts, &reason, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
		return nil, fmt.Errorf("decoding payload of %s: %w", n.ID, err)
	}
	n.Reason = reason.String
	n.RequestedAt = parseTime(requestedStr)
	n.DispatchAt = parseTime(dispatchStr)
	n.CreatedAt = parseTime(createdStr)
	n.UpdatedAt = parseTime(updatedStr)
	return &n, nil
}

func scanNotifications(rows *sql.Rows) ([]models.ScheduledNotification, error) {
	defer rows.Close()
	var out []models.ScheduledNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// PlaceResult describes what PlacePending did with an entry
type PlaceResult struct {
	// Placed is the entry now pending in the bucket: either the new one or
	// an identical entry that was already there.
	Placed models.ScheduledNotification
	// Created is false when an identical pending entry already existed
	Created bool
	// Superseded lists older pending entries that were cancelled and replaced
	Superseded []models.ScheduledNotification
}

// PlacePending inserts a pending entry while keeping at most one pending entry
// per (category, day_bucket). The check and insert run in one transaction:
//   - same bucket, same source: the existing entry is kept and nothing is written
//   - same bucket, different source: the existing entry is cancelled, the new one inserted
func (db *DB) PlacePending(ctx context.Context, n models.ScheduledNotification, now time.Time) (*PlaceResult, error) {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE category = ? AND day_bucket = ? AND status = 'pending'
	`, n.Category, n.DayBucket)
	if err != nil {
		return nil, err
	}
	existing, err := scanNotifications(rows)
	if err != nil {
		return nil, err
	}

	result := &PlaceResult{}
	for _, e := range existing {
		if e.SourceID == n.SourceID {
			result.Placed = e
			return result, tx.Commit()
		}
	}

	for _, e := range existing {
		reason := fmt.Sprintf("superseded by %s", n.ID)
		if _, err := tx.ExecContext(ctx, `
			UPDATE notifications SET status = 'cancelled', reason = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
		`, reason, formatTime(now), e.ID); err != nil {
			return nil, fmt.Errorf("cancelling %s: %w", e.ID, err)
		}
		e.Status = models.StatusCancelled
		e.Reason = reason
		e.UpdatedAt = now
		result.Superseded = append(result.Superseded, e)
	}

	var recID sql.NullString
	if n.Payload.Recommendation != nil {
		recID = sql.NullString{String: n.Payload.Recommendation.ID, Valid: true}
	}
	n.Status = models.StatusPending
	n.CreatedAt = now
	n.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (id, category, day_bucket, source_id, recommendation_id, payload, priority, status,
			requested_at, dispatch_at, attempts, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Category, n.DayBucket, n.SourceID, recID, string(payload), n.Priority, n.Status,
		formatTime(n.RequestedAt), formatTime(n.DispatchAt), n.Attempts, n.Reason, formatTime(now), formatTime(now)); err != nil {
		return nil, fmt.Errorf("inserting %s: %w", n.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	result.Placed = n
	result.Created = true
	return result, nil
}

// UpdateIfPending writes status, dispatch time, attempts and reason for an
// entry that is still pending. It returns false if another writer already
// moved the entry out of pending.
func (db *DB) UpdateIfPending(ctx context.Context, n models.ScheduledNotification, now time.Time) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE notifications
		SET status = ?, dispatch_at = ?, attempts = ?, reason = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, n.Status, formatTime(n.DispatchAt), n.Attempts, n.Reason, formatTime(now), n.ID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	return affected > 0, err
}

// GetNotification returns a ledger entry by id
func (db *DB) GetNotification(ctx context.Context, id string) (*models.ScheduledNotification, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return n, err
}

// FindByRecommendation returns the most recent entry carrying a recommendation
func (db *DB) FindByRecommendation(ctx context.Context, recommendationID string) (*models.ScheduledNotification, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE recommendation_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, recommendationID)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return n, err
}

// ListNotifications returns entries optionally filtered by status, newest first
func (db *DB) ListNotifications(ctx context.Context, status models.NotificationStatus, limit int) ([]models.ScheduledNotification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE 1=1`
	var args []interface{}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY dispatch_at DESC`
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// PendingNotifications returns every pending entry ordered by dispatch time
func (db *DB) PendingNotifications(ctx context.Context) ([]models.ScheduledNotification, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = 'pending'
		ORDER BY dispatch_at ASC
	`)
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// DueNotifications returns pending entries whose dispatch time has passed
func (db *DB) DueNotifications(ctx context.Context, now time.Time) ([]models.ScheduledNotification, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = 'pending' AND dispatch_at <= ?
		ORDER BY dispatch_at ASC
	`, formatTime(now))
	if err != nil {
		return nil, err
	}
	return scanNotifications(rows)
}

// LatestActivity returns the latest dispatch time among pending or dispatched
// entries outside the given bucket. With criticalOnly set only critical
// entries count. Zero time means there are none.
func (db *DB) LatestActivity(ctx context.Context, category, dayBucket string, criticalOnly bool) (time.Time, error) {
	query := `
		SELECT MAX(dispatch_at)
		FROM notifications
		WHERE status IN ('pending', 'dispatched')
		  AND NOT (category = ? AND day_bucket = ?)`
	if criticalOnly {
		query += ` AND priority = 'critical'`
	}

	var latest sql.NullString
	if err := db.conn.QueryRowContext(ctx, query, category, dayBucket).Scan(&latest); err != nil {
		return time.Time{}, err
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return parseTime(latest.String), nil
}
