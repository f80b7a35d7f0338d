package services

import (
	"sync"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/quillhealth/chartminder/db"
)

// Shared test fixtures for the SQL-backed services.

func policyColumns() []string {
	return []string{
		"id", "scope", "scope_key", "enabled", "reminder_offsets_hours",
		"send_overdue_reminders", "overdue_reminder_frequency_hours", "max_overdue_reminders",
		"enable_lockout_warning", "lockout_warning_local_time",
		"enable_daily_digest", "digest_local_time", "digest_weekdays",
		"enable_escalation", "escalation_after_hours", "escalation_chain",
		"created_at", "updated_at", "created_by",
	}
}

func emptyPolicyRows() *sqlmock.Rows {
	return sqlmock.NewRows(policyColumns())
}

// policyRow returns a single-row result for a policy with the given scope,
// key and enabled flag and otherwise default-ish values.
func policyRow(id, scope, scopeKey string, enabled bool) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(policyColumns()).AddRow(
		id, scope, scopeKey, enabled, []byte(`[72,48,24]`),
		true, 24, 3,
		false, nil,
		false, nil, []byte(`[]`),
		false, 48, []byte(`[]`),
		now, now, nil,
	)
}

func instanceColumns() []string {
	return []string{
		"id", "item_id", "kind", "offset_hours", "recipient_id", "recipient_email",
		"scheduled_for", "status", "retry_count", "last_attempt_at", "sent_at", "last_error",
		"created_at", "updated_at",
	}
}

func emptyInstanceRows() *sqlmock.Rows {
	return sqlmock.NewRows(instanceColumns())
}

func instanceRow(inst db.ReminderInstance) *sqlmock.Rows {
	return addInstanceRow(sqlmock.NewRows(instanceColumns()), inst)
}

func addInstanceRow(rows *sqlmock.Rows, inst db.ReminderInstance) *sqlmock.Rows {
	now := time.Now().UTC()
	var lastAttempt, sentAt interface{}
	if inst.LastAttemptAt != nil {
		lastAttempt = *inst.LastAttemptAt
	}
	if inst.SentAt != nil {
		sentAt = *inst.SentAt
	}
	return rows.AddRow(
		inst.ID, inst.ItemID, inst.Kind, inst.OffsetHours, inst.RecipientID, inst.RecipientEmail,
		inst.ScheduledFor, inst.Status, inst.RetryCount, lastAttempt, sentAt, inst.LastError,
		now, now,
	)
}

func itemColumns() []string {
	return []string{"id", "title", "type_key", "status", "due_date", "assignee_id", "assignee_email", "assignee_name"}
}

func emptyItemRows() *sqlmock.Rows {
	return sqlmock.NewRows(itemColumns())
}

func itemRow(item db.DocumentItem) *sqlmock.Rows {
	return sqlmock.NewRows(itemColumns()).AddRow(
		item.ID, item.Title, item.TypeKey, item.Status,
		item.DueDate, item.AssigneeID, item.AssigneeEmail, item.AssigneeName,
	)
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

// fakeChannel is a NotificationChannel stub recording sends.
type fakeChannel struct {
	mu        sync.Mutex
	available bool
	sendErr   error
	attempts  int
	sent      []sentMail
}

func (f *fakeChannel) Send(to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (f *fakeChannel) IsAvailable() bool {
	return f.available
}
