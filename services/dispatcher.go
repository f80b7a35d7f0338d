package services

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/quillhealth/chartminder/db"
)

var (
	// ErrSweepInProgress is returned when a sweep is requested while the
	// previous one has not finished. The request is skipped, never queued.
	ErrSweepInProgress = errors.New("sweep already in progress")

	// ErrChannelUnavailable is returned when the notification channel fails
	// its pre-check; the sweep exits without touching any instance.
	ErrChannelUnavailable = errors.New("notification channel unavailable")
)

// maxSendAttempts caps delivery retries for kinds whose policy carries no
// retry budget of its own.
const maxSendAttempts = 3

// DeliveryDispatcher is the sweep entry point. One sweep plans missing
// instances, checks escalations, then walks every pending instance whose
// scheduled time has arrived and advances its state machine.
type DeliveryDispatcher struct {
	PG          *sql.DB
	Documents   *DocumentService
	Policies    *PolicyService
	Planner     *ReminderPlanner
	Escalations *EscalationManager
	Channel     NotificationChannel

	sweeping atomic.Bool
}

func NewDeliveryDispatcher(pg *sql.DB, documents *DocumentService, policies *PolicyService,
	planner *ReminderPlanner, escalations *EscalationManager, channel NotificationChannel) *DeliveryDispatcher {
	return &DeliveryDispatcher{
		PG:          pg,
		Documents:   documents,
		Policies:    policies,
		Planner:     planner,
		Escalations: escalations,
		Channel:     channel,
	}
}

// SweepInProgress reports whether a sweep is currently running.
func (d *DeliveryDispatcher) SweepInProgress() bool {
	return d.sweeping.Load()
}

// Sweep runs one full dispatch cycle. Sweeps are not reentrant: if the
// previous sweep has not finished, this one is skipped with
// ErrSweepInProgress. A failure on one instance never aborts the rest.
func (d *DeliveryDispatcher) Sweep(now time.Time) (db.SweepSummary, error) {
	var summary db.SweepSummary

	if !d.sweeping.CompareAndSwap(false, true) {
		log.Printf("Dispatcher: sweep requested while previous sweep still running, skipping")
		summary.Skipped++
		return summary, ErrSweepInProgress
	}
	defer d.sweeping.Store(false)

	if !d.Channel.IsAvailable() {
		log.Printf("Dispatcher: notification channel unavailable, skipping sweep")
		summary.Skipped++
		return summary, ErrChannelUnavailable
	}

	d.planReminders(now)

	due, err := d.loadDueInstances(now)
	if err != nil {
		return summary, fmt.Errorf("failed to load due instances: %w", err)
	}

	for i := range due {
		d.processInstance(&due[i], now, &summary)
	}

	log.Printf("Dispatcher: sweep complete: %d sent, %d failed, %d cancelled",
		summary.Sent, summary.Failed, summary.Cancelled)
	return summary, nil
}

// planReminders ensures instances exist for every open item and checks the
// overdue subset for escalation. Planning failures are logged per item and
// never stop the sweep.
func (d *DeliveryDispatcher) planReminders(now time.Time) {
	items, err := d.Documents.GetOpenItemsWithDueDates()
	if err != nil {
		log.Printf("Dispatcher: failed to load open items: %v", err)
		return
	}

	for _, item := range items {
		if _, err := d.Planner.EnsureScheduled(item, now); err != nil {
			log.Printf("Dispatcher: failed to plan reminders for item %s: %v", item.ID, err)
			continue
		}

		if item.DueDate.Before(now) {
			policy, err := d.Policies.Resolve(item.AssigneeID, item.TypeKey)
			if err != nil {
				log.Printf("Dispatcher: failed to resolve policy for item %s: %v", item.ID, err)
				continue
			}
			if _, err := d.Escalations.CheckEscalations(item, policy, now); err != nil {
				log.Printf("Dispatcher: failed to check escalations for item %s: %v", item.ID, err)
			}
		}
	}
}

// loadDueInstances returns all pending instances whose scheduled time has
// arrived, ordered by scheduled time ascending.
func (d *DeliveryDispatcher) loadDueInstances(now time.Time) ([]db.ReminderInstance, error) {
	query := `
		SELECT ` + reminderInstanceColumns + `
		FROM reminder_instances
		WHERE status = 'pending' AND scheduled_for <= $1
		ORDER BY scheduled_for ASC
	`

	rows, err := d.PG.Query(query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []db.ReminderInstance
	for rows.Next() {
		inst, err := scanReminderInstance(rows)
		if err != nil {
			log.Printf("Dispatcher: error scanning instance: %v", err)
			continue
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}

// processInstance advances one instance under isolated failure handling.
func (d *DeliveryDispatcher) processInstance(inst *db.ReminderInstance, now time.Time, summary *db.SweepSummary) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Dispatcher: panic processing instance %s: %v", inst.ID, r)
			d.recordFailure(inst, fmt.Sprintf("panic: %v", r), maxSendAttempts, now, summary)
		}
	}()

	// Re-check the item before sending: an item finalized since the last
	// read gets its instance cancelled, not delivered.
	item, err := d.Documents.GetItem(inst.ItemID)
	if err != nil {
		log.Printf("Dispatcher: failed to re-fetch item %s for instance %s: %v", inst.ItemID, inst.ID, err)
		d.recordFailure(inst, err.Error(), d.retryCapFor(inst, nil), now, summary)
		return
	}
	if item == nil || db.IsFinalizedStatus(item.Status) {
		if d.cancelInstance(inst.ID, now) {
			summary.Cancelled++
		}
		return
	}

	subject, body := RenderNotification(inst, item, now)

	if err := d.Channel.Send(inst.RecipientEmail, subject, body); err != nil {
		log.Printf("Dispatcher: failed to send %s reminder %s to %s: %v", inst.Kind, inst.ID, inst.RecipientEmail, err)
		d.recordFailure(inst, err.Error(), d.retryCapFor(inst, item), now, summary)
		return
	}

	if d.markSent(inst.ID, now) {
		summary.Sent++
	}
}

// retryCapFor returns the retry budget for an instance: the policy's
// MaxOverdueReminders for overdue and escalation kinds, a fixed cap
// otherwise.
func (d *DeliveryDispatcher) retryCapFor(inst *db.ReminderInstance, item *db.DocumentItem) int {
	if inst.Kind != db.ReminderKindOverdue && inst.Kind != db.ReminderKindEscalation {
		return maxSendAttempts
	}

	typeKey := ""
	if item != nil {
		typeKey = item.TypeKey
	}
	policy, err := d.Policies.Resolve(inst.RecipientID, typeKey)
	if err != nil || policy.MaxOverdueReminders <= 0 {
		return maxSendAttempts
	}
	return policy.MaxOverdueReminders
}

// markSent transitions pending -> sent. The status guard makes the update a
// compare-and-swap: a row another worker already advanced is left alone.
func (d *DeliveryDispatcher) markSent(id string, now time.Time) bool {
	query := `
		UPDATE reminder_instances
		SET status = 'sent', sent_at = $2, last_attempt_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`

	result, err := d.PG.Exec(query, id, now)
	if err != nil {
		log.Printf("Dispatcher: failed to mark instance %s sent: %v", id, err)
		return false
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0
}

// cancelInstance transitions pending -> cancelled.
func (d *DeliveryDispatcher) cancelInstance(id string, now time.Time) bool {
	query := `
		UPDATE reminder_instances
		SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`

	result, err := d.PG.Exec(query, id, now)
	if err != nil {
		log.Printf("Dispatcher: failed to cancel instance %s: %v", id, err)
		return false
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0
}

// recordFailure books one failed attempt. The instance stays pending for a
// later sweep until the retry budget is exhausted, then goes terminal failed.
func (d *DeliveryDispatcher) recordFailure(inst *db.ReminderInstance, message string, retryCap int, now time.Time, summary *db.SweepSummary) {
	query := `
		UPDATE reminder_instances
		SET retry_count = retry_count + 1,
		    last_attempt_at = $2,
		    last_error = $3,
		    status = CASE WHEN retry_count + 1 >= $4 THEN 'failed' ELSE 'pending' END,
		    updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING status, retry_count
	`

	var status string
	var retryCount int
	err := d.PG.QueryRow(query, inst.ID, now, message, retryCap).Scan(&status, &retryCount)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("Dispatcher: failed to record failure on instance %s: %v", inst.ID, err)
		}
		return
	}

	summary.Failed++
	if status == db.ReminderStatusFailed {
		log.Printf("Dispatcher: instance %s failed terminally after %d attempts: %s", inst.ID, retryCount, message)
	}
}

// CancelForItem atomically cancels every non-terminal instance of an item.
// Used when an item is voided or unlocked.
func (d *DeliveryDispatcher) CancelForItem(itemID string, now time.Time) (int, error) {
	query := `
		UPDATE reminder_instances
		SET status = 'cancelled', updated_at = $2
		WHERE item_id = $1 AND status = 'pending'
	`

	result, err := d.PG.Exec(query, itemID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel reminders for item %s: %w", itemID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rowsAffected), nil
}

// ListInstances returns instances for the audit API, newest first, optionally
// filtered by item and status.
func (d *DeliveryDispatcher) ListInstances(itemID, status string, limit int) ([]db.ReminderInstance, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT ` + reminderInstanceColumns + `
		FROM reminder_instances
		WHERE ($1 = '' OR item_id = $1)
		AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := d.PG.Query(query, itemID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []db.ReminderInstance
	for rows.Next() {
		inst, err := scanReminderInstance(rows)
		if err != nil {
			log.Printf("Dispatcher: error scanning instance: %v", err)
			continue
		}
		instances = append(instances, *inst)
	}
	return instances, rows.Err()
}
