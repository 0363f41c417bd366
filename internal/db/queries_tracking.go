package db

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lbeckman/mailrun/internal/model"
)

// GetOrCreateTrackedURL pins (run, url, position) to a stable row so every
// recipient of a run shares one tracking identity per link occurrence.
func GetOrCreateTrackedURL(database *sql.DB, runID, url string, position int) (*model.TrackedURL, error) {
	tu := &model.TrackedURL{}
	var createdAt SQLiteTime
	err := database.QueryRow(
		`SELECT id, run_id, url, position, created_at
		 FROM tracked_urls WHERE run_id = ? AND url = ? AND position = ?`,
		runID, url, position,
	).Scan(&tu.ID, &tu.RunID, &tu.URL, &tu.Position, &createdAt)
	if err == nil {
		tu.CreatedAt = createdAt.Time
		return tu, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	tu = &model.TrackedURL{
		ID:       uuid.New().String(),
		RunID:    runID,
		URL:      url,
		Position: position,
	}
	_, err = database.Exec(
		`INSERT INTO tracked_urls (id, run_id, url, position) VALUES (?, ?, ?, ?)`,
		tu.ID, tu.RunID, tu.URL, tu.Position)
	if err != nil {
		return nil, fmt.Errorf("create tracked url: %w", err)
	}
	return tu, nil
}

func InsertURLClick(database *sql.DB, c *model.URLClick) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := database.Exec(
		`INSERT INTO url_clicks (id, tracked_url_id, recipient_id) VALUES (?, ?, ?)`,
		c.ID, c.TrackedURLID, c.RecipientID)
	return err
}

func InsertOpenEvent(database *sql.DB, e *model.OpenEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := database.Exec(
		`INSERT INTO open_events (id, run_id, recipient_id) VALUES (?, ?, ?)`,
		e.ID, e.RunID, e.RecipientID)
	return err
}

func CountURLClicks(database *sql.DB, trackedURLID string) (int, error) {
	var count int
	err := database.QueryRow(
		`SELECT COUNT(*) FROM url_clicks WHERE tracked_url_id = ?`, trackedURLID).Scan(&count)
	return count, err
}
