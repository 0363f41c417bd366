package db

import (
	"database/sql"
	"time"

	"github.com/lbeckman/mailrun/internal/model"
)

func CreateRun(database *sql.DB, r *model.Run) error {
	_, err := database.Exec(
		`INSERT INTO runs (id, campaign_id, sent_html, requested_start, opens_tracked, urls_tracked)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.CampaignID, r.SentHTML, fmtTime(r.RequestedStart),
		boolToInt(r.OpensTracked), boolToInt(r.URLsTracked))
	return err
}

func scanRun(row interface{ Scan(...interface{}) error }) (*model.Run, error) {
	r := &model.Run{}
	var requestedStart, startedAt SQLiteTime
	var endedAt *string
	var success *int
	var opensTracked, urlsTracked int
	err := row.Scan(&r.ID, &r.CampaignID, &r.SentHTML, &requestedStart,
		&startedAt, &endedAt, &success, &opensTracked, &urlsTracked)
	if err != nil {
		return nil, err
	}
	r.RequestedStart = requestedStart.Time
	r.Start = startedAt.Time
	r.End = timePtr(endedAt)
	if success != nil {
		ok := *success != 0
		r.Success = &ok
	}
	r.OpensTracked = opensTracked != 0
	r.URLsTracked = urlsTracked != 0
	return r, nil
}

const runCols = `id, campaign_id, sent_html, requested_start, started_at, ended_at, success, opens_tracked, urls_tracked`

func GetRun(database *sql.DB, id string) (*model.Run, error) {
	r, err := scanRun(database.QueryRow(
		`SELECT `+runCols+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetRunForStart finds the run a campaign already has for a requested
// start, if any. Used both for idempotent due-detection and for resuming
// an interrupted run.
func GetRunForStart(database *sql.DB, campaignID string, requestedStart time.Time) (*model.Run, error) {
	r, err := scanRun(database.QueryRow(
		`SELECT `+runCols+` FROM runs WHERE campaign_id = ? AND requested_start = ?`,
		campaignID, fmtTime(requestedStart)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func RunExistsForStart(database *sql.DB, campaignID string, requestedStart time.Time) (bool, error) {
	var count int
	err := database.QueryRow(
		`SELECT COUNT(*) FROM runs WHERE campaign_id = ? AND requested_start = ?`,
		campaignID, fmtTime(requestedStart)).Scan(&count)
	return count > 0, err
}

// FinalizeRun stamps the end time and the success flag. The run is
// immutable afterwards.
func FinalizeRun(database *sql.DB, id string, end time.Time, success bool) error {
	_, err := database.Exec(
		`UPDATE runs SET ended_at = ?, success = ? WHERE id = ?`,
		fmtTime(end), boolToInt(success), id)
	return err
}

func CreatePreviewRun(database *sql.DB, p *model.PreviewRun) error {
	_, err := database.Exec(
		`INSERT INTO preview_runs (id, campaign_id, recipients, requested_start)
		 VALUES (?, ?, ?, ?)`,
		p.ID, p.CampaignID, p.Recipients, fmtTime(p.RequestedStart))
	return err
}

func PreviewExistsForStart(database *sql.DB, campaignID string, requestedStart time.Time) (bool, error) {
	var count int
	err := database.QueryRow(
		`SELECT COUNT(*) FROM preview_runs WHERE campaign_id = ? AND requested_start = ?`,
		campaignID, fmtTime(requestedStart)).Scan(&count)
	return count > 0, err
}

func CreateDeliveryRecord(database *sql.DB, d *model.DeliveryRecord) error {
	_, err := database.Exec(
		`INSERT INTO delivery_records (id, run_id, recipient_id) VALUES (?, ?, ?)`,
		d.ID, d.RunID, d.RecipientID)
	return err
}

// PendingDeliveryRecords returns the records of a run that have neither a
// successful send nor a terminal failure. On a fresh run that is every
// record; on a resumed run it is the unfinished remainder.
func PendingDeliveryRecords(database *sql.DB, runID string) ([]model.DeliveryRecord, error) {
	rows, err := database.Query(
		`SELECT id, run_id, recipient_id, sent_at, failure, created_at
		 FROM delivery_records
		 WHERE run_id = ? AND sent_at IS NULL AND failure IS NULL
		 ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.DeliveryRecord
	for rows.Next() {
		var d model.DeliveryRecord
		var sentAt *string
		var failure sql.NullString
		var createdAt SQLiteTime
		if err := rows.Scan(&d.ID, &d.RunID, &d.RecipientID, &sentAt, &failure, &createdAt); err != nil {
			return nil, err
		}
		d.SentAt = timePtr(sentAt)
		d.Failure = failure.String
		d.CreatedAt = createdAt.Time
		records = append(records, d)
	}
	return records, rows.Err()
}

func GetDeliveryRecord(database *sql.DB, id string) (*model.DeliveryRecord, error) {
	var d model.DeliveryRecord
	var sentAt *string
	var failure sql.NullString
	var createdAt SQLiteTime
	err := database.QueryRow(
		`SELECT id, run_id, recipient_id, sent_at, failure, created_at
		 FROM delivery_records WHERE id = ?`, id,
	).Scan(&d.ID, &d.RunID, &d.RecipientID, &sentAt, &failure, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.SentAt = timePtr(sentAt)
	d.Failure = failure.String
	d.CreatedAt = createdAt.Time
	return &d, nil
}

func MarkDeliverySent(database *sql.DB, id string, when time.Time) error {
	_, err := database.Exec(
		`UPDATE delivery_records SET sent_at = ?, failure = NULL WHERE id = ?`,
		fmtTime(when), id)
	return err
}

func MarkDeliveryFailed(database *sql.DB, id, message string) error {
	_, err := database.Exec(
		`UPDATE delivery_records SET failure = ? WHERE id = ?`, message, id)
	return err
}

// RunReport aggregates delivery and engagement counts for one run.
func GetRunReport(database *sql.DB, runID string) (*model.RunReport, error) {
	run, err := GetRun(database, runID)
	if err != nil || run == nil {
		return nil, err
	}
	report := &model.RunReport{Run: *run}

	err = database.QueryRow(`
		SELECT COUNT(*),
		  COUNT(sent_at),
		  COUNT(failure)
		FROM delivery_records WHERE run_id = ?`, runID,
	).Scan(&report.Total, &report.Sent, &report.Failed)
	if err != nil {
		return nil, err
	}

	if err := database.QueryRow(
		`SELECT COUNT(*) FROM open_events WHERE run_id = ?`, runID,
	).Scan(&report.Opens); err != nil {
		return nil, err
	}

	err = database.QueryRow(`
		SELECT COUNT(*) FROM url_clicks uc
		JOIN tracked_urls tu ON tu.id = uc.tracked_url_id
		WHERE tu.run_id = ?`, runID,
	).Scan(&report.Clicks)
	if err != nil {
		return nil, err
	}
	return report, nil
}
