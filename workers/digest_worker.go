package workers

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quillhealth/chartminder/services"
)

// DigestWorker sends the daily digest and the pre-cutoff lockout warning.
// Both are recomputed from current state each cycle, so the only bookkeeping
// is an in-memory "fired today" map; after a restart a duplicate digest is
// acceptable because it still summarizes current state.
type DigestWorker struct {
	Documents      *services.DocumentService
	Policies       *services.PolicyService
	Digest         *services.DigestAggregator
	Channel        services.NotificationChannel
	Location       *time.Location
	LockoutWeekday time.Weekday

	mu        sync.Mutex
	lastFired map[string]string // "<recipient>:<kind>" -> local date
}

func NewDigestWorker(documents *services.DocumentService, policies *services.PolicyService,
	digest *services.DigestAggregator, channel services.NotificationChannel,
	location *time.Location, lockoutWeekday time.Weekday) *DigestWorker {
	if location == nil {
		location = time.UTC
	}
	return &DigestWorker{
		Documents:      documents,
		Policies:       policies,
		Digest:         digest,
		Channel:        channel,
		Location:       location,
		LockoutWeekday: lockoutWeekday,
		lastFired:      make(map[string]string),
	}
}

// StartDigestWorker runs the digest loop until the process exits.
func (w *DigestWorker) StartDigestWorker() {
	log.Println("Digest worker started...")

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		w.runCycle(time.Now().UTC())
	}
}

// runCycle checks every recipient with open items against their digest
// cadence and sends whatever is due at this local time.
func (w *DigestWorker) runCycle(now time.Time) {
	items, err := w.Documents.GetOpenItemsWithDueDates()
	if err != nil {
		log.Printf("Digest worker: failed to load open items: %v", err)
		return
	}

	recipients := make(map[string]bool)
	for _, item := range items {
		recipients[item.AssigneeID] = true
	}

	local := now.In(w.Location)

	for recipientID := range recipients {
		policy, err := w.Policies.Resolve(recipientID, "")
		if err != nil {
			log.Printf("Digest worker: failed to resolve policy for %s: %v", recipientID, err)
			continue
		}

		if policy.EnableDailyDigest &&
			weekdayAllowed(policy.DigestWeekdays, local.Weekday()) &&
			pastLocalTime(local, policy.DigestLocalTime, "07:00") &&
			!w.firedToday(recipientID, services.DigestKindDaily, local) {
			w.sendDigest(recipientID, services.DigestKindDaily, now)
			w.markFired(recipientID, services.DigestKindDaily, local)
		}

		if policy.EnableLockoutWarning &&
			local.Weekday() == w.LockoutWeekday &&
			pastLocalTime(local, policy.LockoutWarningLocalTime, "12:00") &&
			!w.firedToday(recipientID, services.DigestKindLockoutWarning, local) {
			w.sendDigest(recipientID, services.DigestKindLockoutWarning, now)
			w.markFired(recipientID, services.DigestKindLockoutWarning, local)
		}
	}
}

func (w *DigestWorker) sendDigest(recipientID, kind string, now time.Time) {
	var batch *services.DigestBatch
	var err error
	if kind == services.DigestKindLockoutWarning {
		batch, err = w.Digest.BuildLockoutWarning(recipientID, now)
	} else {
		batch, err = w.Digest.BuildDigest(recipientID, now)
	}
	if err != nil {
		log.Printf("Digest worker: failed to build %s for %s: %v", kind, recipientID, err)
		return
	}
	if batch == nil {
		// Nothing overdue or upcoming, nothing to send.
		return
	}

	subject, body := services.RenderDigest(batch, now)
	if err := w.Channel.Send(batch.RecipientEmail, subject, body); err != nil {
		// No retry bookkeeping on this path: the next cycle recomputes.
		log.Printf("Digest worker: failed to send %s to %s: %v", kind, batch.RecipientEmail, err)
		return
	}
	log.Printf("Digest worker: sent %s to %s (%d overdue, %d upcoming)",
		kind, batch.RecipientEmail, len(batch.Overdue), len(batch.Upcoming))
}

func (w *DigestWorker) firedToday(recipientID, kind string, local time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFired[recipientID+":"+kind] == local.Format("2006-01-02")
}

func (w *DigestWorker) markFired(recipientID, kind string, local time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFired[recipientID+":"+kind] = local.Format("2006-01-02")
}

// weekdayAllowed treats an empty weekday list as "every day".
func weekdayAllowed(weekdays []time.Weekday, day time.Weekday) bool {
	if len(weekdays) == 0 {
		return true
	}
	for _, d := range weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// pastLocalTime reports whether the local clock has passed an "HH:MM" time.
func pastLocalTime(local time.Time, hhmm, fallback string) bool {
	if hhmm == "" {
		hhmm = fallback
	}
	var hour, minute int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hour, &minute); err != nil {
		log.Printf("Digest worker: invalid local time %q, using %s", hhmm, fallback)
		fmt.Sscanf(fallback, "%d:%d", &hour, &minute)
	}
	trigger := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, local.Location())
	return !local.Before(trigger)
}

// ParseWeekday maps a config weekday name to time.Weekday, defaulting to
// Friday for the lockout warning.
func ParseWeekday(name string) time.Weekday {
	switch name {
	case "Sunday":
		return time.Sunday
	case "Monday":
		return time.Monday
	case "Tuesday":
		return time.Tuesday
	case "Wednesday":
		return time.Wednesday
	case "Thursday":
		return time.Thursday
	case "Saturday":
		return time.Saturday
	default:
		return time.Friday
	}
}
