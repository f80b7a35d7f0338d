package db

import (
	"fmt"
	"time"
)

// ===========================
// REMINDER POLICY MODELS
// ===========================

// Policy scopes. Exactly one of the three applies to a policy record:
// practice-wide default (no key), per note type (type key), per user (user id).
const (
	PolicyScopePractice = "practice"
	PolicyScopeNoteType = "note_type"
	PolicyScopeUser     = "user"
)

// EscalationRecipient is a pre-resolved member of an escalation chain.
// Chain resolution (who supervises whom) is a directory concern and happens
// before the policy is stored; the engine never walks an org hierarchy.
type EscalationRecipient struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// ReminderPolicy controls when reminders, escalations and digests are sent
// for the documents it covers.
type ReminderPolicy struct {
	ID       string `json:"id"`
	Scope    string `json:"scope"`     // practice, note_type, user
	ScopeKey string `json:"scope_key"` // empty for practice scope
	Enabled  bool   `json:"enabled"`

	// Pre-due reminders, hours before the due date, descending (e.g. [72,48,24]).
	ReminderOffsetsHours []int `json:"reminder_offsets_hours"`

	// Overdue reminders
	SendOverdueReminders          bool `json:"send_overdue_reminders"`
	OverdueReminderFrequencyHours int  `json:"overdue_reminder_frequency_hours"`
	MaxOverdueReminders           int  `json:"max_overdue_reminders"`

	// Lockout warning
	EnableLockoutWarning    bool   `json:"enable_lockout_warning"`
	LockoutWarningLocalTime string `json:"lockout_warning_local_time"` // "HH:MM"

	// Daily digest
	EnableDailyDigest bool           `json:"enable_daily_digest"`
	DigestLocalTime   string         `json:"digest_local_time"` // "HH:MM"
	DigestWeekdays    []time.Weekday `json:"digest_weekdays"`

	// Escalation
	EnableEscalation     bool                  `json:"enable_escalation"`
	EscalationAfterHours int                   `json:"escalation_after_hours"`
	EscalationChain      []EscalationRecipient `json:"escalation_chain"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// Validate enforces the scope invariant: practice policies carry no key,
// note_type and user policies require one. Malformed policies are rejected
// at write time and never reach the sweep.
func (p *ReminderPolicy) Validate() error {
	switch p.Scope {
	case PolicyScopePractice:
		if p.ScopeKey != "" {
			return fmt.Errorf("practice-scoped policy must not have a scope key (got %q)", p.ScopeKey)
		}
	case PolicyScopeNoteType:
		if p.ScopeKey == "" {
			return fmt.Errorf("note_type-scoped policy requires a note type key")
		}
	case PolicyScopeUser:
		if p.ScopeKey == "" {
			return fmt.Errorf("user-scoped policy requires a user id")
		}
	default:
		return fmt.Errorf("invalid policy scope %q, must be one of: practice, note_type, user", p.Scope)
	}

	for _, off := range p.ReminderOffsetsHours {
		if off < 0 {
			return fmt.Errorf("reminder offset must be >= 0 hours, got %d", off)
		}
	}
	if p.SendOverdueReminders && p.OverdueReminderFrequencyHours <= 0 {
		return fmt.Errorf("overdue_reminder_frequency_hours must be > 0 when overdue reminders are enabled")
	}
	if p.EnableEscalation && p.EscalationAfterHours <= 0 {
		return fmt.Errorf("escalation_after_hours must be > 0 when escalation is enabled")
	}
	return nil
}

// ===========================
// REMINDER INSTANCE MODELS
// ===========================

// Reminder kinds
const (
	ReminderKindApproachingDue = "approaching_due"
	ReminderKindOverdue        = "overdue"
	ReminderKindEscalation     = "escalation"
	ReminderKindLockoutWarning = "lockout_warning"
)

// Reminder instance states. sent, failed and cancelled are terminal.
const (
	ReminderStatusPending   = "pending"
	ReminderStatusSent      = "sent"
	ReminderStatusFailed    = "failed"
	ReminderStatusCancelled = "cancelled"
)

// ReminderInstance is one scheduled, individually tracked notification.
// At most one non-cancelled instance exists per
// (item_id, kind, offset_hours, recipient_id) tuple.
type ReminderInstance struct {
	ID             string     `json:"id"`
	ItemID         string     `json:"item_id"`
	Kind           string     `json:"kind"`
	OffsetHours    int        `json:"offset_hours"` // hours before due, or hours after due for overdue/escalation kinds
	RecipientID    string     `json:"recipient_id"`
	RecipientEmail string     `json:"recipient_email"`
	ScheduledFor   time.Time  `json:"scheduled_for"` // immutable after creation
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the instance has reached a terminal state.
func (r *ReminderInstance) IsTerminal() bool {
	return r.Status == ReminderStatusSent || r.Status == ReminderStatusFailed || r.Status == ReminderStatusCancelled
}

// ===========================
// DOCUMENT ITEM MODELS
// ===========================

// Document item states. The engine only ever reads these; documents are
// owned by the records system.
const (
	ItemStatusDraft     = "draft"
	ItemStatusOpen      = "open"
	ItemStatusSigned    = "signed"
	ItemStatusLocked    = "locked"
	ItemStatusCompleted = "completed"
	ItemStatusWithdrawn = "withdrawn"
)

// IsFinalizedStatus reports whether a document status means no further
// reminders should be sent for it.
func IsFinalizedStatus(status string) bool {
	switch status {
	case ItemStatusSigned, ItemStatusLocked, ItemStatusCompleted, ItemStatusWithdrawn:
		return true
	}
	return false
}

// DocumentItem is the read-only projection of a trackable documentation item.
type DocumentItem struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	TypeKey       string    `json:"type_key"` // progress_note, treatment_plan, ...
	Status        string    `json:"status"`
	DueDate       time.Time `json:"due_date"`
	AssigneeID    string    `json:"assignee_id"`
	AssigneeEmail string    `json:"assignee_email"`
	AssigneeName  string    `json:"assignee_name,omitempty"`
}

// HoursOverdue returns how many whole hours the item is past due at now,
// or 0 if it is not overdue.
func (d *DocumentItem) HoursOverdue(now time.Time) int {
	if !d.DueDate.Before(now) {
		return 0
	}
	return int(now.Sub(d.DueDate).Hours())
}

// ===========================
// SWEEP MODELS
// ===========================

// SweepSummary is the synchronous result of one dispatcher sweep.
type SweepSummary struct {
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"` // guard-skipped or channel unavailable
}

// Policy request models
type CreatePolicyRequest struct {
	Scope                         string                `json:"scope" binding:"required"`
	ScopeKey                      string                `json:"scope_key"`
	Enabled                       bool                  `json:"enabled"`
	ReminderOffsetsHours          []int                 `json:"reminder_offsets_hours"`
	SendOverdueReminders          bool                  `json:"send_overdue_reminders"`
	OverdueReminderFrequencyHours int                   `json:"overdue_reminder_frequency_hours"`
	MaxOverdueReminders           int                   `json:"max_overdue_reminders"`
	EnableLockoutWarning          bool                  `json:"enable_lockout_warning"`
	LockoutWarningLocalTime       string                `json:"lockout_warning_local_time"`
	EnableDailyDigest             bool                  `json:"enable_daily_digest"`
	DigestLocalTime               string                `json:"digest_local_time"`
	DigestWeekdays                []time.Weekday        `json:"digest_weekdays"`
	EnableEscalation              bool                  `json:"enable_escalation"`
	EscalationAfterHours          int                   `json:"escalation_after_hours"`
	EscalationChain               []EscalationRecipient `json:"escalation_chain"`
}
