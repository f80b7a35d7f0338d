package services

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillhealth/chartminder/db"
)

func newDispatcher(t *testing.T, channel NotificationChannel) (*DeliveryDispatcher, sqlmock.Sqlmock) {
	t.Helper()
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })

	documents := NewDocumentService(pg)
	policies := NewPolicyService(pg, nil)
	planner := NewReminderPlanner(pg, policies)
	escalations := NewEscalationManager(pg)
	return NewDeliveryDispatcher(pg, documents, policies, planner, escalations, channel), mock
}

func TestSweep_GuardSkipsConcurrent(t *testing.T) {
	dispatcher, mock := newDispatcher(t, &fakeChannel{available: true})

	dispatcher.sweeping.Store(true)
	assert.True(t, dispatcher.SweepInProgress())

	summary, err := dispatcher.Sweep(time.Now().UTC())
	assert.ErrorIs(t, err, ErrSweepInProgress)
	assert.Equal(t, 1, summary.Skipped)
	assert.NoError(t, mock.ExpectationsWereMet())

	// The overlapping request must not have cleared the running flag.
	assert.True(t, dispatcher.SweepInProgress())
}

func TestSweep_ChannelUnavailable(t *testing.T) {
	channel := &fakeChannel{available: false}
	dispatcher, mock := newDispatcher(t, channel)

	summary, err := dispatcher.Sweep(time.Now().UTC())
	assert.ErrorIs(t, err, ErrChannelUnavailable)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, channel.attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, dispatcher.SweepInProgress())
}

func TestSweep_CancelsFinalizedItem(t *testing.T) {
	channel := &fakeChannel{available: true}
	dispatcher, mock := newDispatcher(t, channel)

	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	inst := db.ReminderInstance{
		ID:             "r1",
		ItemID:         "item-1",
		Kind:           db.ReminderKindApproachingDue,
		OffsetHours:    24,
		RecipientID:    "user-1",
		RecipientEmail: "u1@clinic.test",
		ScheduledFor:   now.Add(-time.Hour),
		Status:         db.ReminderStatusPending,
	}

	mock.ExpectQuery("FROM document_items").WillReturnRows(emptyItemRows())
	mock.ExpectQuery("FROM reminder_instances").WithArgs(now).WillReturnRows(instanceRow(inst))

	// The item was signed since the instance was scheduled: cancel, not send.
	mock.ExpectQuery("FROM document_items").
		WithArgs("item-1").
		WillReturnRows(itemRow(db.DocumentItem{
			ID: "item-1", Title: "Note", TypeKey: "progress_note",
			Status: db.ItemStatusSigned, DueDate: now.Add(23 * time.Hour),
			AssigneeID: "user-1", AssigneeEmail: "u1@clinic.test",
		}))
	mock.ExpectExec("UPDATE reminder_instances").
		WithArgs("r1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	summary, err := dispatcher.Sweep(now)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Cancelled)
	assert.Zero(t, summary.Sent)
	assert.Zero(t, channel.attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_RetryBound(t *testing.T) {
	channel := &fakeChannel{available: true, sendErr: errors.New("gateway timeout")}
	dispatcher, mock := newDispatcher(t, channel)

	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	item := db.DocumentItem{
		ID: "item-1", Title: "Note", TypeKey: "progress_note",
		Status: db.ItemStatusOpen, DueDate: now.Add(24 * time.Hour),
		AssigneeID: "user-1", AssigneeEmail: "u1@clinic.test",
	}

	// Three sweeps each fail the send; the third attempt goes terminal.
	for attempt := 1; attempt <= 3; attempt++ {
		inst := db.ReminderInstance{
			ID:             "r1",
			ItemID:         "item-1",
			Kind:           db.ReminderKindApproachingDue,
			OffsetHours:    24,
			RecipientID:    "user-1",
			RecipientEmail: "u1@clinic.test",
			ScheduledFor:   now.Add(-time.Hour),
			Status:         db.ReminderStatusPending,
			RetryCount:     attempt - 1,
		}
		status := db.ReminderStatusPending
		if attempt == 3 {
			status = db.ReminderStatusFailed
		}

		mock.ExpectQuery("FROM document_items").WillReturnRows(emptyItemRows())
		mock.ExpectQuery("FROM reminder_instances").WithArgs(now).WillReturnRows(instanceRow(inst))
		mock.ExpectQuery("FROM document_items").WithArgs("item-1").WillReturnRows(itemRow(item))
		mock.ExpectQuery("UPDATE reminder_instances").
			WithArgs("r1", now, "gateway timeout", maxSendAttempts).
			WillReturnRows(sqlmock.NewRows([]string{"status", "retry_count"}).AddRow(status, attempt))

		summary, err := dispatcher.Sweep(now)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Failed)
	}

	// Once terminal the instance is no longer due: nothing left to attempt.
	mock.ExpectQuery("FROM document_items").WillReturnRows(emptyItemRows())
	mock.ExpectQuery("FROM reminder_instances").WithArgs(now).WillReturnRows(emptyInstanceRows())

	summary, err := dispatcher.Sweep(now)
	require.NoError(t, err)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 3, channel.attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_SendsInScheduledOrder(t *testing.T) {
	channel := &fakeChannel{available: true}
	dispatcher, mock := newDispatcher(t, channel)

	now := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	first := db.ReminderInstance{
		ID: "r1", ItemID: "item-1", Kind: db.ReminderKindApproachingDue, OffsetHours: 48,
		RecipientID: "user-1", RecipientEmail: "a@clinic.test",
		ScheduledFor: now.Add(-2 * time.Hour), Status: db.ReminderStatusPending,
	}
	second := db.ReminderInstance{
		ID: "r2", ItemID: "item-2", Kind: db.ReminderKindApproachingDue, OffsetHours: 24,
		RecipientID: "user-2", RecipientEmail: "b@clinic.test",
		ScheduledFor: now.Add(-time.Hour), Status: db.ReminderStatusPending,
	}

	mock.ExpectQuery("FROM document_items").WillReturnRows(emptyItemRows())
	mock.ExpectQuery("FROM reminder_instances").
		WithArgs(now).
		WillReturnRows(addInstanceRow(instanceRow(first), second))

	for i, inst := range []db.ReminderInstance{first, second} {
		mock.ExpectQuery("FROM document_items").
			WithArgs(inst.ItemID).
			WillReturnRows(itemRow(db.DocumentItem{
				ID: inst.ItemID, Title: "Note", TypeKey: "progress_note",
				Status: db.ItemStatusOpen, DueDate: now.Add(time.Duration(i+1) * 24 * time.Hour),
				AssigneeID: inst.RecipientID, AssigneeEmail: inst.RecipientEmail,
			}))
		mock.ExpectExec("UPDATE reminder_instances").
			WithArgs(inst.ID, now).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	summary, err := dispatcher.Sweep(now)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Sent)
	require.Len(t, channel.sent, 2)
	assert.Equal(t, "a@clinic.test", channel.sent[0].To)
	assert.Equal(t, "b@clinic.test", channel.sent[1].To)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelForItem(t *testing.T) {
	dispatcher, mock := newDispatcher(t, &fakeChannel{available: true})

	now := time.Now().UTC()
	mock.ExpectExec("UPDATE reminder_instances").
		WithArgs("item-1", now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	cancelled, err := dispatcher.CancelForItem("item-1", now)
	require.NoError(t, err)
	assert.Equal(t, 4, cancelled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListInstances_DefaultLimit(t *testing.T) {
	dispatcher, mock := newDispatcher(t, &fakeChannel{available: true})

	mock.ExpectQuery("FROM reminder_instances").
		WithArgs("", "", 100).
		WillReturnRows(emptyInstanceRows())

	instances, err := dispatcher.ListInstances("", "", 0)
	require.NoError(t, err)
	assert.Empty(t, instances)
	assert.NoError(t, mock.ExpectationsWereMet())
}
