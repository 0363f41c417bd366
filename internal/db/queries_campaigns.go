package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/lbeckman/mailrun/internal/model"
)

const campaignCols = `id, title, subject, source_html_uri, source_text_uri,
  start_date, send_time, recurrence, active, from_address, from_name,
  replace_delimiter, track_urls, track_opens, preview, preview_recipients, created_at`

func CreateCampaign(database *sql.DB, c *model.Campaign) error {
	if c.ReplaceDelimiter == "" {
		c.ReplaceDelimiter = model.DefaultDelimiter
	}
	if c.Recurrence == "" {
		c.Recurrence = model.RecurNever
	}
	_, err := database.Exec(
		`INSERT INTO campaigns (id, title, subject, source_html_uri, source_text_uri,
		   start_date, send_time, recurrence, active, from_address, from_name,
		   replace_delimiter, track_urls, track_opens, preview, preview_recipients)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Subject, c.SourceHTMLURI, c.SourceTextURI,
		c.StartDate.Format("2006-01-02"), c.SendTime, string(c.Recurrence),
		boolToInt(c.Active), c.FromAddress, c.FromName,
		c.ReplaceDelimiter, boolToInt(c.TrackURLs), boolToInt(c.TrackOpens),
		boolToInt(c.Preview), c.PreviewRecipients,
	)
	return err
}

func scanCampaign(row interface{ Scan(...interface{}) error }) (*model.Campaign, error) {
	c := &model.Campaign{}
	var startDate, recurrence string
	var active, trackURLs, trackOpens, preview int
	var createdAt SQLiteTime
	err := row.Scan(&c.ID, &c.Title, &c.Subject, &c.SourceHTMLURI, &c.SourceTextURI,
		&startDate, &c.SendTime, &recurrence, &active, &c.FromAddress, &c.FromName,
		&c.ReplaceDelimiter, &trackURLs, &trackOpens, &preview, &c.PreviewRecipients, &createdAt)
	if err != nil {
		return nil, err
	}
	c.StartDate, err = time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil, err
	}
	c.Recurrence = model.Recurrence(recurrence)
	c.Active = active != 0
	c.TrackURLs = trackURLs != 0
	c.TrackOpens = trackOpens != 0
	c.Preview = preview != 0
	c.CreatedAt = createdAt.Time
	return c, nil
}

func GetCampaign(database *sql.DB, id string) (*model.Campaign, error) {
	c, err := scanCampaign(database.QueryRow(
		`SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func ListActiveCampaigns(database *sql.DB) ([]model.Campaign, error) {
	rows, err := database.Query(
		`SELECT ` + campaignCols + ` FROM campaigns WHERE active = 1 ORDER BY send_time ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

func SetCampaignGroups(database *sql.DB, campaignID string, groupIDs []string) error {
	tx, err := database.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM campaign_groups WHERE campaign_id = ?`, campaignID); err != nil {
		tx.Rollback()
		return err
	}
	for _, gid := range groupIDs {
		if _, err := tx.Exec(
			`INSERT INTO campaign_groups (campaign_id, group_id) VALUES (?, ?)`,
			campaignID, gid); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Unsubscribe adds the recipient to the campaign's unsubscribed set.
// Repeat requests are no-ops.
func Unsubscribe(database *sql.DB, campaignID, recipientID string) error {
	_, err := database.Exec(
		`INSERT OR IGNORE INTO unsubscriptions (campaign_id, recipient_id) VALUES (?, ?)`,
		campaignID, recipientID)
	return err
}

func IsUnsubscribed(database *sql.DB, campaignID, recipientID string) (bool, error) {
	var count int
	err := database.QueryRow(
		`SELECT COUNT(*) FROM unsubscriptions WHERE campaign_id = ? AND recipient_id = ?`,
		campaignID, recipientID).Scan(&count)
	return count > 0, err
}

// EligibleRecipients resolves the campaign's audience for a run at
// requestedStart: the union of its groups' members, minus unsubscribed
// recipients, minus recipients that already have a delivery record for a
// run of this campaign with the same requested start.
func EligibleRecipients(database *sql.DB, campaignID string, requestedStart time.Time) ([]model.Recipient, error) {
	rows, err := database.Query(`
		SELECT DISTINCT r.id, r.email, r.created_at
		FROM recipients r
		JOIN group_members gm ON gm.recipient_id = r.id
		JOIN campaign_groups cg ON cg.group_id = gm.group_id
		WHERE cg.campaign_id = ?
		  AND r.id NOT IN (
		    SELECT recipient_id FROM unsubscriptions WHERE campaign_id = ?
		  )
		  AND r.id NOT IN (
		    SELECT dr.recipient_id FROM delivery_records dr
		    JOIN runs ru ON ru.id = dr.run_id
		    WHERE ru.campaign_id = ? AND ru.requested_start = ?
		  )
		ORDER BY r.email ASC`,
		campaignID, campaignID, campaignID, fmtTime(requestedStart))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []model.Recipient
	for rows.Next() {
		var r model.Recipient
		var createdAt SQLiteTime
		if err := rows.Scan(&r.ID, &r.Email, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = createdAt.Time
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

// NormalizeEmail is the canonical address form used for uniqueness.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
