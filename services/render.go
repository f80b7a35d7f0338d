package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/quillhealth/chartminder/db"
)

// Message rendering. Pure functions of the instance, item and clock; no
// styling, just plain-text bodies for the mail gateway.

// RenderNotification produces the subject and body for one reminder instance.
func RenderNotification(inst *db.ReminderInstance, item *db.DocumentItem, now time.Time) (string, string) {
	name := item.AssigneeName
	if name == "" {
		name = "there"
	}
	due := item.DueDate.Format("Mon Jan 2 15:04 MST")

	switch inst.Kind {
	case db.ReminderKindOverdue:
		hours := item.HoursOverdue(now)
		subject := fmt.Sprintf("Overdue: %s (%dh past due)", item.Title, hours)
		body := fmt.Sprintf("Hi %s,\n\n%q (%s) was due %s and is now %d hours overdue. Please complete it as soon as possible.\n",
			name, item.Title, item.TypeKey, due, hours)
		return subject, body

	case db.ReminderKindEscalation:
		hours := item.HoursOverdue(now)
		subject := fmt.Sprintf("Escalation: %s is %dh overdue", item.Title, hours)
		body := fmt.Sprintf("A documentation item assigned to %s requires attention.\n\n%q (%s) was due %s and has been overdue for %d hours without being completed.\n",
			item.AssigneeName, item.Title, item.TypeKey, due, hours)
		return subject, body

	case db.ReminderKindLockoutWarning:
		subject := fmt.Sprintf("Lockout warning: %s", item.Title)
		body := fmt.Sprintf("Hi %s,\n\n%q (%s) is due %s and will become inaccessible after the cutoff. Please complete it before then.\n",
			name, item.Title, item.TypeKey, due)
		return subject, body

	default: // approaching_due
		hoursUntil := int(item.DueDate.Sub(now).Hours())
		if hoursUntil < 0 {
			hoursUntil = 0
		}
		subject := fmt.Sprintf("Due soon: %s (%dh remaining)", item.Title, hoursUntil)
		body := fmt.Sprintf("Hi %s,\n\n%q (%s) is due %s, %d hours from now.\n",
			name, item.Title, item.TypeKey, due, hoursUntil)
		return subject, body
	}
}

// RenderDigest produces the subject and body for a consolidated digest batch.
func RenderDigest(batch *DigestBatch, now time.Time) (string, string) {
	var b strings.Builder

	subject := fmt.Sprintf("Documentation digest: %d overdue, %d due soon", len(batch.Overdue), len(batch.Upcoming))
	if batch.Kind == DigestKindLockoutWarning {
		subject = fmt.Sprintf("Lockout warning: %d items need attention before the cutoff", len(batch.Overdue)+len(batch.Upcoming))
	}

	if len(batch.Overdue) > 0 {
		b.WriteString("Overdue items:\n")
		for _, item := range batch.Overdue {
			b.WriteString(fmt.Sprintf("  - %s (%s), due %s, %dh overdue\n",
				item.Title, item.TypeKey, item.DueDate.Format("Mon Jan 2 15:04"), item.HoursOverdue(now)))
		}
		b.WriteString("\n")
	}

	if len(batch.Upcoming) > 0 {
		b.WriteString("Due soon:\n")
		for _, item := range batch.Upcoming {
			b.WriteString(fmt.Sprintf("  - %s (%s), due %s\n",
				item.Title, item.TypeKey, item.DueDate.Format("Mon Jan 2 15:04")))
		}
	}

	return subject, b.String()
}
