package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quillhealth/chartminder/db"
)

// EscalationManager raises unresolved overdue items to the policy's
// supervisory chain. The chain arrives pre-resolved in the policy; this
// manager only decides whether and when to notify, never who.
type EscalationManager struct {
	PG *sql.DB
}

func NewEscalationManager(pg *sql.DB) *EscalationManager {
	return &EscalationManager{PG: pg}
}

// CheckEscalations ensures one escalation instance per chain recipient once
// the item has been overdue for at least the policy threshold. Repeated
// threshold crossings on later sweeps find the existing instance and create
// nothing: the dedup key is (item, escalation, threshold, recipient).
// Escalation instances ride the ordinary dispatcher state machine.
func (s *EscalationManager) CheckEscalations(item db.DocumentItem, policy db.ReminderPolicy, now time.Time) ([]db.ReminderInstance, error) {
	if !policy.EnableEscalation || len(policy.EscalationChain) == 0 {
		return nil, nil
	}
	if item.HoursOverdue(now) < policy.EscalationAfterHours {
		return nil, nil
	}

	scheduledFor := item.DueDate.Add(time.Duration(policy.EscalationAfterHours) * time.Hour)

	var ensured []db.ReminderInstance
	for _, recipient := range policy.EscalationChain {
		existing, err := findActiveInstance(s.PG, item.ID, db.ReminderKindEscalation,
			policy.EscalationAfterHours, recipient.ID)
		if err != nil {
			return ensured, fmt.Errorf("failed to look up escalation for %s: %w", recipient.ID, err)
		}
		if existing != nil {
			ensured = append(ensured, *existing)
			continue
		}

		inst, err := createInstance(s.PG, item.ID, db.ReminderKindEscalation,
			policy.EscalationAfterHours, recipient.ID, recipient.Email, scheduledFor, now)
		if err != nil {
			return ensured, fmt.Errorf("failed to create escalation for %s: %w", recipient.ID, err)
		}
		if inst != nil {
			ensured = append(ensured, *inst)
		}
	}

	return ensured, nil
}
