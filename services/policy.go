package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/quillhealth/chartminder/db"
)

// PolicyService owns reminder policy storage and effective-policy resolution.
// Resolution walks the scope hierarchy: user -> note type -> practice ->
// built-in default. A policy that exists but is disabled at a level is a
// terminal match at that level; it does not fall through, so an explicit
// opt-out cannot be rescued by a broader policy.
type PolicyService struct {
	PG    *sql.DB
	Redis *redis.Client
}

const policyCacheTTL = 60 * time.Second

func NewPolicyService(pg *sql.DB, redis *redis.Client) *PolicyService {
	return &PolicyService{
		PG:    pg,
		Redis: redis,
	}
}

// DefaultPolicy is the hard-coded fallback used when no scoped policy exists
// at any level.
func DefaultPolicy() db.ReminderPolicy {
	return db.ReminderPolicy{
		Scope:                         db.PolicyScopePractice,
		Enabled:                       true,
		ReminderOffsetsHours:          []int{72, 48, 24},
		SendOverdueReminders:          true,
		OverdueReminderFrequencyHours: 24,
		MaxOverdueReminders:           3,
		EnableEscalation:              true,
		EscalationAfterHours:          48,
		EnableDailyDigest:             false,
		EnableLockoutWarning:          false,
	}
}

// Resolve returns the effective policy for a (recipient, item type) pair.
func (s *PolicyService) Resolve(recipientID, typeKey string) (db.ReminderPolicy, error) {
	cacheKey := fmt.Sprintf("policy:eff:%s:%s", recipientID, typeKey)
	if cached := s.cacheGet(cacheKey); cached != nil {
		return *cached, nil
	}

	probes := []struct {
		scope string
		key   string
	}{
		{db.PolicyScopeUser, recipientID},
		{db.PolicyScopeNoteType, typeKey},
		{db.PolicyScopePractice, ""},
	}

	for _, probe := range probes {
		if probe.scope != db.PolicyScopePractice && probe.key == "" {
			continue
		}
		policy, err := s.GetPolicy(probe.scope, probe.key)
		if err != nil {
			return db.ReminderPolicy{}, fmt.Errorf("failed to resolve %s policy: %w", probe.scope, err)
		}
		if policy != nil {
			s.cacheSet(cacheKey, *policy)
			return *policy, nil
		}
	}

	def := DefaultPolicy()
	s.cacheSet(cacheKey, def)
	return def, nil
}

// GetPolicy fetches the policy record for a (scope, key) pair, or nil if none.
func (s *PolicyService) GetPolicy(scope, scopeKey string) (*db.ReminderPolicy, error) {
	query := `
		SELECT id, scope, scope_key, enabled, reminder_offsets_hours,
		       send_overdue_reminders, overdue_reminder_frequency_hours, max_overdue_reminders,
		       enable_lockout_warning, lockout_warning_local_time,
		       enable_daily_digest, digest_local_time, digest_weekdays,
		       enable_escalation, escalation_after_hours, escalation_chain,
		       created_at, updated_at, created_by
		FROM reminder_policies
		WHERE scope = $1 AND scope_key = $2
	`

	policy, err := scanPolicy(s.PG.QueryRow(query, scope, scopeKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return policy, nil
}

// ListPolicies returns all policy records.
func (s *PolicyService) ListPolicies() ([]db.ReminderPolicy, error) {
	query := `
		SELECT id, scope, scope_key, enabled, reminder_offsets_hours,
		       send_overdue_reminders, overdue_reminder_frequency_hours, max_overdue_reminders,
		       enable_lockout_warning, lockout_warning_local_time,
		       enable_daily_digest, digest_local_time, digest_weekdays,
		       enable_escalation, escalation_after_hours, escalation_chain,
		       created_at, updated_at, created_by
		FROM reminder_policies
		ORDER BY scope, scope_key
	`

	rows, err := s.PG.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []db.ReminderPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			log.Printf("PolicyService: error scanning policy: %v", err)
			continue
		}
		policies = append(policies, *policy)
	}
	return policies, rows.Err()
}

// CreatePolicy validates and inserts a new policy record. The partial unique
// index on (scope, scope_key) rejects a second record for the same pair.
func (s *PolicyService) CreatePolicy(req db.CreatePolicyRequest, createdBy string) (db.ReminderPolicy, error) {
	now := time.Now().UTC()
	policy := db.ReminderPolicy{
		ID:                            uuid.New().String(),
		Scope:                         req.Scope,
		ScopeKey:                      req.ScopeKey,
		Enabled:                       req.Enabled,
		ReminderOffsetsHours:          req.ReminderOffsetsHours,
		SendOverdueReminders:          req.SendOverdueReminders,
		OverdueReminderFrequencyHours: req.OverdueReminderFrequencyHours,
		MaxOverdueReminders:           req.MaxOverdueReminders,
		EnableLockoutWarning:          req.EnableLockoutWarning,
		LockoutWarningLocalTime:       req.LockoutWarningLocalTime,
		EnableDailyDigest:             req.EnableDailyDigest,
		DigestLocalTime:               req.DigestLocalTime,
		DigestWeekdays:                req.DigestWeekdays,
		EnableEscalation:              req.EnableEscalation,
		EscalationAfterHours:          req.EscalationAfterHours,
		EscalationChain:               req.EscalationChain,
		CreatedAt:                     now,
		UpdatedAt:                     now,
		CreatedBy:                     createdBy,
	}

	if err := policy.Validate(); err != nil {
		return policy, err
	}

	offsetsJSON, weekdaysJSON, chainJSON, err := marshalPolicyColumns(&policy)
	if err != nil {
		return policy, err
	}

	query := `
		INSERT INTO reminder_policies (
			id, scope, scope_key, enabled, reminder_offsets_hours,
			send_overdue_reminders, overdue_reminder_frequency_hours, max_overdue_reminders,
			enable_lockout_warning, lockout_warning_local_time,
			enable_daily_digest, digest_local_time, digest_weekdays,
			enable_escalation, escalation_after_hours, escalation_chain,
			created_at, updated_at, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = s.PG.Exec(query,
		policy.ID, policy.Scope, policy.ScopeKey, policy.Enabled, offsetsJSON,
		policy.SendOverdueReminders, policy.OverdueReminderFrequencyHours, policy.MaxOverdueReminders,
		policy.EnableLockoutWarning, policy.LockoutWarningLocalTime,
		policy.EnableDailyDigest, policy.DigestLocalTime, weekdaysJSON,
		policy.EnableEscalation, policy.EscalationAfterHours, chainJSON,
		policy.CreatedAt, policy.UpdatedAt, policy.CreatedBy)
	if err != nil {
		return policy, fmt.Errorf("failed to insert reminder policy: %w", err)
	}

	s.invalidateCache()
	return policy, nil
}

// UpdatePolicy validates and rewrites an existing policy record. Scope and
// scope key are immutable; changing coverage means a new record.
func (s *PolicyService) UpdatePolicy(id string, req db.CreatePolicyRequest) (db.ReminderPolicy, error) {
	policy := db.ReminderPolicy{
		ID:                            id,
		Scope:                         req.Scope,
		ScopeKey:                      req.ScopeKey,
		Enabled:                       req.Enabled,
		ReminderOffsetsHours:          req.ReminderOffsetsHours,
		SendOverdueReminders:          req.SendOverdueReminders,
		OverdueReminderFrequencyHours: req.OverdueReminderFrequencyHours,
		MaxOverdueReminders:           req.MaxOverdueReminders,
		EnableLockoutWarning:          req.EnableLockoutWarning,
		LockoutWarningLocalTime:       req.LockoutWarningLocalTime,
		EnableDailyDigest:             req.EnableDailyDigest,
		DigestLocalTime:               req.DigestLocalTime,
		DigestWeekdays:                req.DigestWeekdays,
		EnableEscalation:              req.EnableEscalation,
		EscalationAfterHours:          req.EscalationAfterHours,
		EscalationChain:               req.EscalationChain,
		UpdatedAt:                     time.Now().UTC(),
	}

	if err := policy.Validate(); err != nil {
		return policy, err
	}

	offsetsJSON, weekdaysJSON, chainJSON, err := marshalPolicyColumns(&policy)
	if err != nil {
		return policy, err
	}

	query := `
		UPDATE reminder_policies
		SET enabled = $2, reminder_offsets_hours = $3,
		    send_overdue_reminders = $4, overdue_reminder_frequency_hours = $5, max_overdue_reminders = $6,
		    enable_lockout_warning = $7, lockout_warning_local_time = $8,
		    enable_daily_digest = $9, digest_local_time = $10, digest_weekdays = $11,
		    enable_escalation = $12, escalation_after_hours = $13, escalation_chain = $14,
		    updated_at = $15
		WHERE id = $1 AND scope = $16 AND scope_key = $17`

	result, err := s.PG.Exec(query,
		policy.ID, policy.Enabled, offsetsJSON,
		policy.SendOverdueReminders, policy.OverdueReminderFrequencyHours, policy.MaxOverdueReminders,
		policy.EnableLockoutWarning, policy.LockoutWarningLocalTime,
		policy.EnableDailyDigest, policy.DigestLocalTime, weekdaysJSON,
		policy.EnableEscalation, policy.EscalationAfterHours, chainJSON,
		policy.UpdatedAt, policy.Scope, policy.ScopeKey)
	if err != nil {
		return policy, fmt.Errorf("failed to update reminder policy: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return policy, fmt.Errorf("policy %s not found for scope %s/%s", id, policy.Scope, policy.ScopeKey)
	}

	s.invalidateCache()
	return policy, nil
}

// DeletePolicy removes a policy record.
func (s *PolicyService) DeletePolicy(id string) error {
	result, err := s.PG.Exec(`DELETE FROM reminder_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reminder policy: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err == nil && rowsAffected == 0 {
		return fmt.Errorf("policy %s not found", id)
	}

	s.invalidateCache()
	return nil
}

// ==========================================
// CACHE
// ==========================================

func (s *PolicyService) cacheGet(key string) *db.ReminderPolicy {
	if s.Redis == nil {
		return nil
	}
	data, err := s.Redis.Get(context.Background(), key).Result()
	if err != nil {
		return nil
	}
	var policy db.ReminderPolicy
	if err := json.Unmarshal([]byte(data), &policy); err != nil {
		return nil
	}
	return &policy
}

func (s *PolicyService) cacheSet(key string, policy db.ReminderPolicy) {
	if s.Redis == nil {
		return
	}
	data, err := json.Marshal(policy)
	if err != nil {
		return
	}
	if err := s.Redis.Set(context.Background(), key, data, policyCacheTTL).Err(); err != nil {
		log.Printf("PolicyService: failed to cache %s: %v", key, err)
	}
}

// invalidateCache drops all resolved-policy cache entries after a write.
func (s *PolicyService) invalidateCache() {
	if s.Redis == nil {
		return
	}
	ctx := context.Background()
	var cursor uint64
	for {
		keys, next, err := s.Redis.Scan(ctx, cursor, "policy:eff:*", 100).Result()
		if err != nil {
			log.Printf("PolicyService: cache invalidation scan failed: %v", err)
			return
		}
		if len(keys) > 0 {
			if err := s.Redis.Del(ctx, keys...).Err(); err != nil {
				log.Printf("PolicyService: cache invalidation delete failed: %v", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// ==========================================
// SCANNING
// ==========================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*db.ReminderPolicy, error) {
	var policy db.ReminderPolicy
	var offsetsJSON, weekdaysJSON, chainJSON []byte
	var lockoutTime, digestTime, createdBy sql.NullString

	err := row.Scan(
		&policy.ID, &policy.Scope, &policy.ScopeKey, &policy.Enabled, &offsetsJSON,
		&policy.SendOverdueReminders, &policy.OverdueReminderFrequencyHours, &policy.MaxOverdueReminders,
		&policy.EnableLockoutWarning, &lockoutTime,
		&policy.EnableDailyDigest, &digestTime, &weekdaysJSON,
		&policy.EnableEscalation, &policy.EscalationAfterHours, &chainJSON,
		&policy.CreatedAt, &policy.UpdatedAt, &createdBy,
	)
	if err != nil {
		return nil, err
	}

	if lockoutTime.Valid {
		policy.LockoutWarningLocalTime = lockoutTime.String
	}
	if digestTime.Valid {
		policy.DigestLocalTime = digestTime.String
	}
	if createdBy.Valid {
		policy.CreatedBy = createdBy.String
	}

	if len(offsetsJSON) > 0 {
		if err := json.Unmarshal(offsetsJSON, &policy.ReminderOffsetsHours); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reminder offsets: %w", err)
		}
	}
	if len(weekdaysJSON) > 0 {
		if err := json.Unmarshal(weekdaysJSON, &policy.DigestWeekdays); err != nil {
			return nil, fmt.Errorf("failed to unmarshal digest weekdays: %w", err)
		}
	}
	if len(chainJSON) > 0 {
		if err := json.Unmarshal(chainJSON, &policy.EscalationChain); err != nil {
			return nil, fmt.Errorf("failed to unmarshal escalation chain: %w", err)
		}
	}

	return &policy, nil
}

func marshalPolicyColumns(policy *db.ReminderPolicy) (offsets, weekdays, chain []byte, err error) {
	offsets, err = json.Marshal(policy.ReminderOffsetsHours)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal reminder offsets: %w", err)
	}
	weekdays, err = json.Marshal(policy.DigestWeekdays)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal digest weekdays: %w", err)
	}
	chain, err = json.Marshal(policy.EscalationChain)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal escalation chain: %w", err)
	}
	return offsets, weekdays, chain, nil
}
