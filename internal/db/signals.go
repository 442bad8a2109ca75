package db

import (
	"context"
	"time"

	"github.com/mrwolf/anchor-server/internal/models"
)

// AppendSignal stores a validated snapshot. Snapshots are never updated.
func (db *DB) AppendSignal(ctx context.Context, s models.SignalSnapshot) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO signals (mood, stress, sleep_quality, craving_level, social_support, recorded_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.Mood, s.Stress, s.SleepQuality, s.CravingLevel, s.SocialSupport, formatTime(s.Timestamp), formatTime(time.Now()))
	return err
}

// QueryRange returns snapshots recorded in [from, to), oldest first
func (db *DB) QueryRange(ctx context.Context, from, to time.Time) ([]models.SignalSnapshot, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT mood, stress, sleep_quality, craving_level, social_support, recorded_at
		FROM signals
		WHERE recorded_at >= ? AND recorded_at < ?
		ORDER BY recorded_at ASC, id ASC
	`, formatTime(from), formatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []models.SignalSnapshot
	for rows.Next() {
		var s models.SignalSnapshot
		var recordedStr string
		if err := rows.Scan(&s.Mood, &s.Stress, &s.SleepQuality, &s.CravingLevel, &s.SocialSupport, &recordedStr); err != nil {
			return nil, err
		}
		s.Timestamp = parseTime(recordedStr)
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// LatestSignal returns the most recent snapshot, or nil if none exist
func (db *DB) LatestSignal(ctx context.Context) (*models.SignalSnapshot, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT mood, stress, sleep_quality, craving_level, social_support, recorded_at
		FROM signals
		ORDER BY recorded_at DESC, id DESC
		LIMIT 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var s models.SignalSnapshot
	var recordedStr string
	if err := rows.Scan(&s.Mood, &s.Stress, &s.SleepQuality, &s.CravingLevel, &s.SocialSupport, &recordedStr); err != nil {
		return nil, err
	}
	s.Timestamp = parseTime(recordedStr)
	return &s, nil
}
