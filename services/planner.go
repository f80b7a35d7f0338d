package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quillhealth/chartminder/db"
)

// ReminderPlanner materializes the reminder instances an open item should
// have under its effective policy. EnsureScheduled is idempotent: calling it
// on every sweep never produces a second non-cancelled instance for the same
// (item, kind, offset, recipient) tuple.
type ReminderPlanner struct {
	PG       *sql.DB
	Policies *PolicyService
}

func NewReminderPlanner(pg *sql.DB, policies *PolicyService) *ReminderPlanner {
	return &ReminderPlanner{
		PG:       pg,
		Policies: policies,
	}
}

// EnsureScheduled computes and ensures the set of reminder instances for one
// open item at time now. Returns the ensured instances (existing or created).
//
// A pre-due offset whose trigger time has already passed when the item is
// first seen is treated as missed, not backfilled. This keeps a recovery
// after an outage from bursting stale notifications.
func (s *ReminderPlanner) EnsureScheduled(item db.DocumentItem, now time.Time) ([]db.ReminderInstance, error) {
	policy, err := s.Policies.Resolve(item.AssigneeID, item.TypeKey)
	if err != nil {
		return nil, err
	}
	if !policy.Enabled {
		return nil, nil
	}

	var ensured []db.ReminderInstance

	for _, offset := range policy.ReminderOffsetsHours {
		candidate := item.DueDate.Add(-time.Duration(offset) * time.Hour)

		existing, err := findActiveInstance(s.PG, item.ID, db.ReminderKindApproachingDue, offset, item.AssigneeID)
		if err != nil {
			return ensured, fmt.Errorf("failed to look up reminder for offset %dh: %w", offset, err)
		}
		if existing != nil {
			ensured = append(ensured, *existing)
			continue
		}
		if candidate.Before(now) {
			// Missed offset, never created.
			continue
		}

		inst, err := createInstance(s.PG, item.ID, db.ReminderKindApproachingDue, offset,
			item.AssigneeID, item.AssigneeEmail, candidate, now)
		if err != nil {
			return ensured, fmt.Errorf("failed to create reminder for offset %dh: %w", offset, err)
		}
		if inst != nil {
			ensured = append(ensured, *inst)
		}
	}

	if policy.SendOverdueReminders && item.DueDate.Before(now) {
		inst, err := s.ensureOverdueReminder(item, policy, now)
		if err != nil {
			return ensured, err
		}
		if inst != nil {
			ensured = append(ensured, *inst)
		}
	}

	return ensured, nil
}

// ensureOverdueReminder maintains the single rolling overdue instance for an
// item: scheduled at the next multiple of the overdue frequency after the due
// date that has not passed yet, recomputed each sweep, capped at
// MaxOverdueReminders sent instances per item.
func (s *ReminderPlanner) ensureOverdueReminder(item db.DocumentItem, policy db.ReminderPolicy, now time.Time) (*db.ReminderInstance, error) {
	freq := policy.OverdueReminderFrequencyHours
	if freq <= 0 {
		freq = 24
	}

	if policy.MaxOverdueReminders > 0 {
		sentCount, err := s.countSentOverdue(item.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count sent overdue reminders: %w", err)
		}
		if sentCount >= policy.MaxOverdueReminders {
			return nil, nil
		}
	}

	elapsed := now.Sub(item.DueDate)
	period := int(elapsed / (time.Duration(freq) * time.Hour))
	if item.DueDate.Add(time.Duration(period*freq) * time.Hour).Before(now) {
		period++
	}
	if period < 1 {
		period = 1
	}

	offset := period * freq
	scheduledFor := item.DueDate.Add(time.Duration(offset) * time.Hour)

	existing, err := findActiveInstance(s.PG, item.ID, db.ReminderKindOverdue, offset, item.AssigneeID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up overdue reminder: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	return createInstance(s.PG, item.ID, db.ReminderKindOverdue, offset,
		item.AssigneeID, item.AssigneeEmail, scheduledFor, now)
}

func (s *ReminderPlanner) countSentOverdue(itemID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM reminder_instances WHERE item_id = $1 AND kind = 'overdue' AND status = 'sent'`
	err := s.PG.QueryRow(query, itemID).Scan(&count)
	return count, err
}
