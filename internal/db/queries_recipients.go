package db

import (
	"database/sql"
	"fmt"

	"github.com/lbeckman/mailrun/internal/model"
)

func CreateRecipient(database *sql.DB, r *model.Recipient) error {
	r.Email = NormalizeEmail(r.Email)
	_, err := database.Exec(
		`INSERT INTO recipients (id, email) VALUES (?, ?)`, r.ID, r.Email)
	if err != nil {
		return fmt.Errorf("create recipient %s: %w", r.Email, err)
	}
	return nil
}

func GetRecipient(database *sql.DB, id string) (*model.Recipient, error) {
	r := &model.Recipient{}
	var createdAt SQLiteTime
	err := database.QueryRow(
		`SELECT id, email, created_at FROM recipients WHERE id = ?`, id,
	).Scan(&r.ID, &r.Email, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = createdAt.Time
	return r, nil
}

func GetRecipientByEmail(database *sql.DB, email string) (*model.Recipient, error) {
	r := &model.Recipient{}
	var createdAt SQLiteTime
	err := database.QueryRow(
		`SELECT id, email, created_at FROM recipients WHERE email = ?`,
		NormalizeEmail(email),
	).Scan(&r.ID, &r.Email, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.CreatedAt = createdAt.Time
	return r, nil
}

// SetRecipientAttribute upserts one named personalization attribute.
func SetRecipientAttribute(database *sql.DB, recipientID, name, value string) error {
	_, err := database.Exec(
		`INSERT INTO recipient_attributes (recipient_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT (recipient_id, name) DO UPDATE SET value = excluded.value`,
		recipientID, name, value)
	return err
}

// RecipientAttributes loads the full attribute map for one recipient.
func RecipientAttributes(database *sql.DB, recipientID string) (map[string]string, error) {
	rows, err := database.Query(
		`SELECT name, value FROM recipient_attributes WHERE recipient_id = ?`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attrs := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		attrs[name] = value
	}
	return attrs, rows.Err()
}

func CreateRecipientGroup(database *sql.DB, g *model.RecipientGroup) error {
	_, err := database.Exec(
		`INSERT INTO recipient_groups (id, name) VALUES (?, ?)`, g.ID, g.Name)
	return err
}

func AddGroupMember(database *sql.DB, groupID, recipientID string) error {
	_, err := database.Exec(
		`INSERT OR IGNORE INTO group_members (group_id, recipient_id) VALUES (?, ?)`,
		groupID, recipientID)
	return err
}

func ListGroupMembers(database *sql.DB, groupID string) ([]model.Recipient, error) {
	rows, err := database.Query(`
		SELECT r.id, r.email, r.created_at
		FROM recipients r
		JOIN group_members gm ON gm.recipient_id = r.id
		WHERE gm.group_id = ?
		ORDER BY r.email ASC`, groupID)
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
