package services

import (
	"time"

	"github.com/quillhealth/chartminder/db"
)

// Digest kinds
const (
	DigestKindDaily          = "daily_digest"
	DigestKindLockoutWarning = "lockout_warning"
)

// DigestBatch is a per-recipient, per-run aggregation of overdue and upcoming
// items. It is rebuilt from current state on every digest cycle and never
// persisted, so no dedup bookkeeping exists on this path.
type DigestBatch struct {
	RecipientID    string            `json:"recipient_id"`
	RecipientEmail string            `json:"recipient_email"`
	Kind           string            `json:"kind"`
	Overdue        []db.DocumentItem `json:"overdue"`
	Upcoming       []db.DocumentItem `json:"upcoming"`
}

// DigestAggregator batches a recipient's open items into one consolidated
// message.
type DigestAggregator struct {
	Documents      *DocumentService
	LookaheadHours int
}

func NewDigestAggregator(documents *DocumentService, lookaheadHours int) *DigestAggregator {
	if lookaheadHours <= 0 {
		lookaheadHours = 72
	}
	return &DigestAggregator{
		Documents:      documents,
		LookaheadHours: lookaheadHours,
	}
}

// BuildDigest partitions a recipient's open items into overdue and upcoming.
// Returns nil when both partitions are empty: nothing to say, nothing sent.
func (s *DigestAggregator) BuildDigest(recipientID string, now time.Time) (*DigestBatch, error) {
	return s.build(recipientID, DigestKindDaily, now)
}

// BuildLockoutWarning is the pre-cutoff variant of the digest, sent on the
// configured weekday ahead of the hard deadline.
func (s *DigestAggregator) BuildLockoutWarning(recipientID string, now time.Time) (*DigestBatch, error) {
	return s.build(recipientID, DigestKindLockoutWarning, now)
}

func (s *DigestAggregator) build(recipientID, kind string, now time.Time) (*DigestBatch, error) {
	items, err := s.Documents.GetOpenItemsForRecipient(recipientID)
	if err != nil {
		return nil, err
	}

	horizon := now.Add(time.Duration(s.LookaheadHours) * time.Hour)

	batch := &DigestBatch{
		RecipientID: recipientID,
		Kind:        kind,
	}
	for _, item := range items {
		if batch.RecipientEmail == "" {
			batch.RecipientEmail = item.AssigneeEmail
		}
		switch {
		case item.DueDate.Before(now):
			batch.Overdue = append(batch.Overdue, item)
		case !item.DueDate.After(horizon):
			batch.Upcoming = append(batch.Upcoming, item)
		}
	}

	if len(batch.Overdue) == 0 && len(batch.Upcoming) == 0 {
		return nil, nil
	}
	return batch, nil
}
