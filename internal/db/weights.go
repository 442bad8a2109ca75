package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrwolf/anchor-server/internal/models"
)

// CategoryWeight is a learned effectiveness weight for one category
type CategoryWeight struct {
	Category  string
	Weight    float64
	Samples   int
	UpdatedAt time.Time
}

// GetCategoryWeights returns the whole weight table
func (db *DB) GetCategoryWeights(ctx context.Context) ([]CategoryWeight, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT category, weight, samples, updated_at FROM category_weights ORDER BY category
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var weights []CategoryWeight
	for rows.Next() {
		var w CategoryWeight
		var updatedStr string
		if err := rows.Scan(&w.Category, &w.Weight, &w.Samples, &updatedStr); err != nil {
			return nil, err
		}
		w.UpdatedAt = parseTime(updatedStr)
		weights = append(weights, w)
	}
	return weights, rows.Err()
}

// UpsertCategoryWeight stores a weight and bumps its sample count.
// The caller computes the moving average before writing.
func (db *DB) UpsertCategoryWeight(ctx context.Context, category string, weight float64, now time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO category_weights (category, weight, samples, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(category) DO UPDATE SET
			weight = excluded.weight,
			samples = samples + 1,
			updated_at = excluded.updated_at
	`, category, weight, formatTime(now))
	return err
}

// ActivityDifficulty is the adaptive difficulty parameter of one activity
type ActivityDifficulty struct {
	ActivityID string
	Difficulty float64
	UpdatedAt  time.Time
}

// GetDifficulties returns the whole difficulty table
func (db *DB) GetDifficulties(ctx context.Context) ([]ActivityDifficulty, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT activity_id, difficulty, updated_at FROM activity_difficulty ORDER BY activity_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityDifficulty
	for rows.Next() {
		var d ActivityDifficulty
		var updatedStr string
		if err := rows.Scan(&d.ActivityID, &d.Difficulty, &updatedStr); err != nil {
			return nil, err
		}
		d.UpdatedAt = parseTime(updatedStr)
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDifficulty stores the difficulty parameter of an activity
func (db *DB) UpsertDifficulty(ctx context.Context, activityID string, difficulty float64, now time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO activity_difficulty (activity_id, difficulty, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(activity_id) DO UPDATE SET
			difficulty = excluded.difficulty,
			updated_at = excluded.updated_at
	`, activityID, difficulty, formatTime(now))
	return err
}

// AppendOutcome adds an outcome to the append-only log
func (db *DB) AppendOutcome(ctx context.Context, category string, o models.OutcomeRecord) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO outcomes (recommendation_id, category, delivered, accepted, effectiveness_delta, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, o.RecommendationID, category, boolToInt(o.Delivered), boolToInt(o.Accepted), o.EffectivenessDelta, formatTime(o.RecordedAt))
	return err
}

// CountOutcomes returns how many outcomes were recorded for a recommendation
func (db *DB) CountOutcomes(ctx context.Context, recommendationID string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outcomes WHERE recommendation_id = ?
	`, recommendationID).Scan(&count)
	return count, err
}

// GetPreferences returns stored preferences, or the defaults if none were saved
func (db *DB) GetPreferences(ctx context.Context) (models.Preferences, error) {
	var data string
	err := db.conn.QueryRowContext(ctx, `SELECT data FROM preferences WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return models.DefaultPreferences(), nil
	}
	if err != nil {
		return models.Preferences{}, err
	}

	prefs := models.DefaultPreferences()
	if err := json.Unmarshal([]byte(data), &prefs); err != nil {
		return models.Preferences{}, fmt.Errorf("decoding preferences: %w", err)
	}
	if prefs.CategoryToggles == nil {
		prefs.CategoryToggles = map[string]bool{}
	}
	return prefs, nil
}

// SavePreferences replaces the stored preferences
func (db *DB) SavePreferences(ctx context.Context, prefs models.Preferences, now time.Time) error {
	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO preferences (id, data, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, string(data), formatTime(now))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
