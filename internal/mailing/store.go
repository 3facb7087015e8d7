package mailing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/primehaul/mailflow/internal/pkg/logger"
)

// Store handles persistence for sequences, templates, enrollments, the send
// queue, bounces, and preferences. All selects used by the periodic jobs go
// through a claim step (conditional update over FOR UPDATE SKIP LOCKED) so
// that horizontally scaled workers never process the same row twice.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// lockTimeout is how long a claimed row stays invisible to other workers.
// Rows claimed by a crashed worker become eligible again after this window.
const lockTimeout = 5 * time.Minute

// =============================================================================
// Sequences and templates
// =============================================================================

// ActiveSequenceByTrigger returns the single active sequence for a trigger
// event with its steps (ordered, templates attached), or nil when no active
// sequence is configured. Absence is a valid operating state, not an error.
func (s *Store) ActiveSequenceByTrigger(ctx context.Context, triggerEvent string) (*Sequence, error) {
	var seq Sequence
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, trigger_event, is_active, created_at, updated_at
		FROM email_sequences WHERE trigger_event = $1 AND is_active = TRUE
		LIMIT 1`, triggerEvent,
	).Scan(&seq.ID, &seq.Slug, &seq.Name, &seq.TriggerEvent, &seq.IsActive, &seq.CreatedAt, &seq.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sequence for trigger %q: %w", triggerEvent, err)
	}

	steps, err := s.SequenceSteps(ctx, seq.ID)
	if err != nil {
		return nil, err
	}
	seq.Steps = steps
	return &seq, nil
}

// SequenceSteps loads the ordered steps of a sequence with their templates.
func (s *Store) SequenceSteps(ctx context.Context, sequenceID uuid.UUID) ([]SequenceStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.id, st.sequence_id, st.template_id, st.step_order, st.delay_minutes,
			t.id, t.slug, t.name, t.subject, t.body_html, t.category, t.is_active, t.created_at
		FROM email_sequence_steps st
		JOIN email_templates t ON t.id = st.template_id
		WHERE st.sequence_id = $1
		ORDER BY st.step_order ASC`, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("load steps for sequence %s: %w", sequenceID, err)
	}
	defer rows.Close()

	var steps []SequenceStep
	for rows.Next() {
		var st SequenceStep
		var t Template
		if err := rows.Scan(
			&st.ID, &st.SequenceID, &st.TemplateID, &st.StepOrder, &st.DelayMinutes,
			&t.ID, &t.Slug, &t.Name, &t.Subject, &t.BodyHTML, &t.Category, &t.IsActive, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		st.Template = &t
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// CountSequences returns the number of sequences, used by idempotent seeding.
func (s *Store) CountSequences(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_sequences`).Scan(&n)
	return n, err
}

// CreateSequence inserts a sequence row (seeding only).
func (s *Store) CreateSequence(ctx context.Context, seq *Sequence) error {
	if seq.ID == uuid.Nil {
		seq.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_sequences (id, slug, name, trigger_event, is_active)
		VALUES ($1, $2, $3, $4, $5)`,
		seq.ID, seq.Slug, seq.Name, seq.TriggerEvent, seq.IsActive)
	return err
}

// CreateTemplate inserts a template row (seeding only).
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_templates (id, slug, name, subject, body_html, category, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Slug, t.Name, t.Subject, t.BodyHTML, t.Category, t.IsActive)
	return err
}

// CreateSequenceStep inserts a step row (seeding only).
func (s *Store) CreateSequenceStep(ctx context.Context, st *SequenceStep) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_sequence_steps (id, sequence_id, template_id, step_order, delay_minutes)
		VALUES ($1, $2, $3, $4, $5)`,
		st.ID, st.SequenceID, st.TemplateID, st.StepOrder, st.DelayMinutes)
	return err
}

// =============================================================================
// Enrollments
// =============================================================================

// ActiveEnrollmentExists reports whether the recipient already has an active
// enrollment in the given sequence.
func (s *Store) ActiveEnrollmentExists(ctx context.Context, recipient string, sequenceID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM email_enrollments
			WHERE recipient = $1 AND sequence_id = $2 AND status = 'active'
		)`, recipient, sequenceID).Scan(&exists)
	return exists, err
}

// CreateEnrollment inserts a new enrollment row.
func (s *Store) CreateEnrollment(ctx context.Context, e *Enrollment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal enrollment context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO email_enrollments
			(id, sequence_id, recipient, tenant_id, related_entity_id, context, current_step, status, next_send_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.SequenceID, e.Recipient, e.TenantID, e.RelatedEntityID, ctxJSON,
		e.CurrentStep, e.Status, e.NextSendAt)
	return err
}

// CancelEnrollmentsByTrigger cancels all active enrollments of the recipient
// whose sequence matches the trigger event. Idempotent; already-cancelled or
// completed enrollments are untouched. Returns the number of rows cancelled.
func (s *Store) CancelEnrollmentsByTrigger(ctx context.Context, recipient, triggerEvent string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_enrollments e
		SET status = 'cancelled', updated_at = NOW()
		FROM email_sequences seq
		WHERE e.sequence_id = seq.id
		  AND e.recipient = $1
		  AND e.status = 'active'
		  AND seq.trigger_event = $2`,
		recipient, triggerEvent)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CancelAllEnrollments cancels every active enrollment for the recipient
// across all sequences. Invoked by unsubscribe/compliance events.
func (s *Store) CancelAllEnrollments(ctx context.Context, recipient string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_enrollments
		SET status = 'cancelled', updated_at = NOW()
		WHERE recipient = $1 AND status = 'active'`,
		recipient)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClaimDueEnrollments atomically claims up to limit active enrollments whose
// next_send_at has passed. Claimed rows are stamped with the worker ID and
// skipped by other workers until the lock times out.
func (s *Store) ClaimDueEnrollments(ctx context.Context, workerID string, limit int) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE email_enrollments
		SET locked_by = $1, locked_at = NOW()
		WHERE id IN (
			SELECT id FROM email_enrollments
			WHERE status = 'active'
			  AND next_send_at <= NOW()
			  AND (locked_at IS NULL OR locked_at < NOW() - $2::interval)
			ORDER BY next_send_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, sequence_id, recipient, tenant_id, related_entity_id, context,
			current_step, status, next_send_at, created_at, updated_at
	`, workerID, lockTimeout.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []Enrollment
	for rows.Next() {
		var e Enrollment
		var ctxJSON []byte
		if err := rows.Scan(
			&e.ID, &e.SequenceID, &e.Recipient, &e.TenantID, &e.RelatedEntityID, &ctxJSON,
			&e.CurrentStep, &e.Status, &e.NextSendAt, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
				// A corrupt context blob needs operator repair; skip the row
				// instead of poisoning the whole batch. The claim expires and
				// the row surfaces again on a later pass.
				logger.Error("enrollment context undecodable, skipping",
					"enrollment_id", e.ID.String(), "error", err.Error())
				continue
			}
		}
		if e.Context == nil {
			e.Context = make(map[string]interface{})
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

const updateEnrollmentProgressSQL = `UPDATE email_enrollments
		SET current_step = $1, status = $2, next_send_at = $3,
			locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $4`

// UpdateEnrollmentProgress persists the cursor/status/next_send_at of an
// enrollment and releases its claim. Each enrollment commits independently.
func (s *Store) UpdateEnrollmentProgress(ctx context.Context, e *Enrollment) error {
	_, err := s.db.ExecContext(ctx, updateEnrollmentProgressSQL,
		e.CurrentStep, e.Status, e.NextSendAt, e.ID)
	return err
}

// EnqueueStepAndAdvance inserts a rendered step message and moves the
// enrollment cursor in a single transaction. Committing both together means a
// crash between them can never leave a queue entry behind with the cursor
// unmoved, which would replay the step after the lock reclaim.
func (s *Store) EnqueueStepAndAdvance(ctx context.Context, entry *QueueEntry, e *Enrollment) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance of enrollment %s: %w", e.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertQueueEntrySQL,
		entry.ID, entry.Recipient, entry.Subject, entry.BodyHTML, entry.Category,
		entry.TenantID, entry.EnrollmentID, entry.Status, entry.SendAt,
		entry.Attempts, entry.MaxAttempts); err != nil {
		return fmt.Errorf("enqueue step for enrollment %s: %w", e.ID, err)
	}
	if _, err := tx.ExecContext(ctx, updateEnrollmentProgressSQL,
		e.CurrentStep, e.Status, e.NextSendAt, e.ID); err != nil {
		return fmt.Errorf("advance enrollment %s: %w", e.ID, err)
	}
	return tx.Commit()
}

// ListEnrollments returns enrollments filtered by status (empty = all),
// newest first. Read-only view for operators.
func (s *Store) ListEnrollments(ctx context.Context, status string, limit int) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sequence_id, recipient, tenant_id, related_entity_id, context,
			current_step, status, next_send_at, created_at, updated_at
		FROM email_enrollments
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []Enrollment
	for rows.Next() {
		var e Enrollment
		var ctxJSON []byte
		if err := rows.Scan(
			&e.ID, &e.SequenceID, &e.Recipient, &e.TenantID, &e.RelatedEntityID, &ctxJSON,
			&e.CurrentStep, &e.Status, &e.NextSendAt, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
				logger.Error("enrollment context undecodable, skipping",
					"enrollment_id", e.ID.String(), "error", err.Error())
				continue
			}
		}
		enrollments = append(enrollments, e)
	}
	return enrollments, rows.Err()
}

// =============================================================================
// Send queue
// =============================================================================

const insertQueueEntrySQL = `INSERT INTO email_queue
			(id, recipient, subject, body_html, category, tenant_id, enrollment_id,
			 status, send_at, attempts, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// ClaimDueQueueEntries atomically claims up to limit pending entries whose
// send_at has passed, in ascending send_at order.
func (s *Store) ClaimDueQueueEntries(ctx context.Context, workerID string, limit int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE email_queue
		SET locked_by = $1, locked_at = NOW()
		WHERE id IN (
			SELECT id FROM email_queue
			WHERE status = 'pending'
			  AND send_at <= NOW()
			  AND (locked_at IS NULL OR locked_at < NOW() - $2::interval)
			ORDER BY send_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient, subject, body_html, category, tenant_id, enrollment_id,
			status, send_at, attempts, max_attempts, COALESCE(last_error, ''), created_at, updated_at
	`, workerID, lockTimeout.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due queue entries: %w", err)
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var q QueueEntry
		if err := rows.Scan(
			&q.ID, &q.Recipient, &q.Subject, &q.BodyHTML, &q.Category, &q.TenantID, &q.EnrollmentID,
			&q.Status, &q.SendAt, &q.Attempts, &q.MaxAttempts, &q.LastError, &q.CreatedAt, &q.UpdatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, q)
	}
	return entries, rows.Err()
}

// MarkQueueSent transitions an entry to the terminal sent state.
func (s *Store) MarkQueueSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_queue
		SET status = 'sent', attempts = attempts + 1,
			locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

// MarkQueueSuppressed transitions an entry to the terminal suppressed state.
// Suppression is an intentional skip, not an attempt.
func (s *Store) MarkQueueSuppressed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_queue
		SET status = 'suppressed', locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1`, id)
	return err
}

// MarkQueueFailed transitions an entry to the terminal failed state with a
// truncated error message.
func (s *Store) MarkQueueFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_queue
		SET status = 'failed', attempts = attempts + 1, last_error = $2,
			locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1`, id, truncateError(lastError))
	return err
}

// RescheduleQueueEntry counts a failed attempt and pushes send_at forward by
// the backoff delay. The entry stays pending.
func (s *Store) RescheduleQueueEntry(ctx context.Context, id uuid.UUID, sendAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_queue
		SET attempts = attempts + 1, send_at = $2, last_error = $3,
			locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1`, id, sendAt, truncateError(lastError))
	return err
}

// ListQueueEntries returns queue entries filtered by status (empty = all),
// newest first. Read-only view for operators.
func (s *Store) ListQueueEntries(ctx context.Context, status string, limit int) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient, subject, body_html, category, tenant_id, enrollment_id,
			status, send_at, attempts, max_attempts, COALESCE(last_error, ''), created_at, updated_at
		FROM email_queue
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []QueueEntry
	for rows.Next() {
		var q QueueEntry
		if err := rows.Scan(
			&q.ID, &q.Recipient, &q.Subject, &q.BodyHTML, &q.Category, &q.TenantID, &q.EnrollmentID,
			&q.Status, &q.SendAt, &q.Attempts, &q.MaxAttempts, &q.LastError, &q.CreatedAt, &q.UpdatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, q)
	}
	return entries, rows.Err()
}

// maxErrorLen bounds last_error so transport stack traces cannot bloat rows.
const maxErrorLen = 500

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// =============================================================================
// Bounces and preferences
// =============================================================================

// GetBounce returns the bounce record for a recipient, or nil when none exists.
func (s *Store) GetBounce(ctx context.Context, recipient string) (*Bounce, error) {
	var b Bounce
	err := s.db.QueryRowContext(ctx,
		`SELECT id, recipient, suppressed, COALESCE(reason, ''), created_at
		FROM email_bounces WHERE recipient = $1`, recipient,
	).Scan(&b.ID, &b.Recipient, &b.Suppressed, &b.Reason, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// RecordBounce upserts a bounce record for a recipient.
func (s *Store) RecordBounce(ctx context.Context, recipient, reason string, suppressed bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_bounces (id, recipient, suppressed, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (recipient) DO UPDATE SET suppressed = $3, reason = $4`,
		uuid.New(), recipient, suppressed, reason)
	return err
}

// GetPreference returns the opt-out record for a recipient, or nil when none exists.
func (s *Store) GetPreference(ctx context.Context, recipient string) (*Preference, error) {
	var p Preference
	var catsJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, recipient, unsubscribed_all, unsubscribed_categories, updated_at
		FROM email_preferences WHERE recipient = $1`, recipient,
	).Scan(&p.ID, &p.Recipient, &p.UnsubscribedAll, &catsJSON, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(catsJSON) > 0 {
		if err := json.Unmarshal(catsJSON, &p.UnsubscribedCategories); err != nil {
			// Failing open here would mail an opted-out recipient. Callers
			// treat this like any other store error.
			return nil, fmt.Errorf("decode opt-out categories for preference %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// UpsertPreference writes a recipient's opt-out state.
func (s *Store) UpsertPreference(ctx context.Context, p *Preference) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	catsJSON, err := json.Marshal(p.UnsubscribedCategories)
	if err != nil {
		return fmt.Errorf("marshal unsubscribed categories: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO email_preferences (id, recipient, unsubscribed_all, unsubscribed_categories)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (recipient) DO UPDATE SET
			unsubscribed_all = $3,
			unsubscribed_categories = $4,
			updated_at = NOW()`,
		p.ID, p.Recipient, p.UnsubscribedAll, catsJSON)
	return err
}

// =============================================================================
// Tenants
// =============================================================================

// TenantDeliveryConfig loads a tenant's delivery override. Returns nil when
// the tenant is unknown or its override is not fully specified; the caller
// then falls back to the process-wide default.
func (s *Store) TenantDeliveryConfig(ctx context.Context, tenantID uuid.UUID) (*DeliveryConfig, error) {
	var cfg DeliveryConfig
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(from_name, ''), COALESCE(from_email, ''),
			COALESCE(ses_region, ''), COALESCE(ses_access_key, ''), COALESCE(ses_secret_key, '')
		FROM tenants WHERE id = $1`, tenantID,
	).Scan(&cfg.FromName, &cfg.FromEmail, &cfg.Region, &cfg.AccessKey, &cfg.SecretKey)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Complete() {
		return nil, nil
	}
	return &cfg, nil
}
