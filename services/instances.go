package services

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/quillhealth/chartminder/db"
)

// Shared reminder_instances access used by the planner, the escalation
// manager and the dispatcher. The dedup invariant (one non-cancelled
// instance per item/kind/offset/recipient) is enforced both here and by a
// partial unique index, so a racing insert surfaces as a unique violation
// and resolves to the row that won.

const reminderInstanceColumns = `id, item_id, kind, offset_hours, recipient_id, recipient_email,
	       scheduled_for, status, retry_count, last_attempt_at, sent_at, COALESCE(last_error, ''),
	       created_at, updated_at`

func scanReminderInstance(row rowScanner) (*db.ReminderInstance, error) {
	var inst db.ReminderInstance
	var lastAttemptAt, sentAt sql.NullTime

	err := row.Scan(
		&inst.ID, &inst.ItemID, &inst.Kind, &inst.OffsetHours, &inst.RecipientID, &inst.RecipientEmail,
		&inst.ScheduledFor, &inst.Status, &inst.RetryCount, &lastAttemptAt, &sentAt, &inst.LastError,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastAttemptAt.Valid {
		inst.LastAttemptAt = &lastAttemptAt.Time
	}
	if sentAt.Valid {
		inst.SentAt = &sentAt.Time
	}
	return &inst, nil
}

// findActiveInstance returns the single non-cancelled instance for a
// (item, kind, offset, recipient) tuple, or nil if none exists.
func findActiveInstance(pg *sql.DB, itemID, kind string, offsetHours int, recipientID string) (*db.ReminderInstance, error) {
	query := `
		SELECT ` + reminderInstanceColumns + `
		FROM reminder_instances
		WHERE item_id = $1 AND kind = $2 AND offset_hours = $3 AND recipient_id = $4
		AND status <> 'cancelled'
		LIMIT 1
	`

	inst, err := scanReminderInstance(pg.QueryRow(query, itemID, kind, offsetHours, recipientID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// createInstance inserts a new pending instance. On a dedup-index collision
// (another sweep won the race) it returns the existing row instead.
func createInstance(pg *sql.DB, itemID, kind string, offsetHours int, recipientID, recipientEmail string, scheduledFor, now time.Time) (*db.ReminderInstance, error) {
	inst := db.ReminderInstance{
		ID:             uuid.New().String(),
		ItemID:         itemID,
		Kind:           kind,
		OffsetHours:    offsetHours,
		RecipientID:    recipientID,
		RecipientEmail: recipientEmail,
		ScheduledFor:   scheduledFor,
		Status:         db.ReminderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	query := `
		INSERT INTO reminder_instances (
			id, item_id, kind, offset_hours, recipient_id, recipient_email,
			scheduled_for, status, retry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := pg.Exec(query,
		inst.ID, inst.ItemID, inst.Kind, inst.OffsetHours, inst.RecipientID, inst.RecipientEmail,
		inst.ScheduledFor, inst.Status, inst.RetryCount, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return findActiveInstance(pg, itemID, kind, offsetHours, recipientID)
		}
		return nil, err
	}

	return &inst, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
