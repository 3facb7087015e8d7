// Package automation manages enrollment lifecycle: trigger events enroll
// recipients into sequences, compliance events cancel them, and the seed
// catalog installs the default sequences.
package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/primehaul/mailflow/internal/mailing"
	"github.com/primehaul/mailflow/internal/pkg/logger"
)

// TriggerEvent carries everything an enrollment needs from the business event
// that caused it. Context keys feed placeholder rendering for every step.
type TriggerEvent struct {
	Event           string
	Recipient       string
	Context         map[string]interface{}
	TenantID        *uuid.UUID
	RelatedEntityID *uuid.UUID
}

// Manager enrolls recipients into sequences and cancels enrollments.
// All outcomes that leave no enrollment behind are silent no-ops; a trigger
// with no configured sequence is a valid state, not an error.
type Manager struct {
	store       *mailing.Store
	suppression *mailing.SuppressionChecker
}

// NewManager creates an enrollment manager.
func NewManager(store *mailing.Store, suppression *mailing.SuppressionChecker) *Manager {
	return &Manager{store: store, suppression: suppression}
}

// Enroll starts the recipient on the active sequence bound to the event's
// trigger, scheduling the first step after its delay. It no-ops when no
// active sequence exists, the sequence has no steps, the recipient already
// has an active enrollment in it, or the recipient is suppressed for the
// first step's category. Returns the enrollment, or nil on a no-op.
func (m *Manager) Enroll(ctx context.Context, ev TriggerEvent) (*mailing.Enrollment, error) {
	seq, err := m.store.ActiveSequenceByTrigger(ctx, ev.Event)
	if err != nil {
		return nil, fmt.Errorf("enroll %s: %w", ev.Event, err)
	}
	if seq == nil {
		logger.Debug("no active sequence for trigger", "event", ev.Event)
		return nil, nil
	}
	if len(seq.Steps) == 0 {
		logger.Warn("sequence has no steps, skipping enrollment",
			"sequence", seq.Slug, "event", ev.Event)
		return nil, nil
	}

	exists, err := m.store.ActiveEnrollmentExists(ctx, ev.Recipient, seq.ID)
	if err != nil {
		return nil, fmt.Errorf("enroll %s: %w", ev.Event, err)
	}
	if exists {
		logger.Debug("recipient already enrolled",
			"recipient", ev.Recipient, "sequence", seq.Slug)
		return nil, nil
	}

	first := seq.Steps[0]
	res, err := m.suppression.Check(ctx, ev.Recipient, first.Template.Category)
	if err != nil {
		return nil, fmt.Errorf("enroll %s: %w", ev.Event, err)
	}
	if res.Suppressed {
		logger.Info("enrollment suppressed",
			"recipient", ev.Recipient, "sequence", seq.Slug, "reason", res.Reason)
		return nil, nil
	}

	enrollCtx := ev.Context
	if enrollCtx == nil {
		enrollCtx = make(map[string]interface{})
	}
	nextSendAt := time.Now().Add(time.Duration(first.DelayMinutes) * time.Minute)
	enrollment := &mailing.Enrollment{
		ID:              uuid.New(),
		SequenceID:      seq.ID,
		Recipient:       ev.Recipient,
		TenantID:        ev.TenantID,
		RelatedEntityID: ev.RelatedEntityID,
		Context:         enrollCtx,
		CurrentStep:     0,
		Status:          mailing.EnrollmentActive,
		NextSendAt:      &nextSendAt,
	}
	if err := m.store.CreateEnrollment(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("enroll %s: %w", ev.Event, err)
	}

	logger.Info("enrolled recipient",
		"recipient", ev.Recipient, "sequence", seq.Slug,
		"first_send_at", nextSendAt.Format(time.RFC3339))
	return enrollment, nil
}

// Cancel stops the recipient's active enrollments in sequences bound to the
// trigger event. Used when the business reason for the drip disappears, e.g.
// the quote was accepted. Idempotent.
func (m *Manager) Cancel(ctx context.Context, recipient, triggerEvent string) error {
	n, err := m.store.CancelEnrollmentsByTrigger(ctx, recipient, triggerEvent)
	if err != nil {
		return fmt.Errorf("cancel enrollments for %s: %w", triggerEvent, err)
	}
	if n > 0 {
		logger.Info("cancelled enrollments",
			"recipient", recipient, "event", triggerEvent, "count", n)
	}
	return nil
}

// CancelAll stops every active enrollment for the recipient, across all
// sequences. Invoked on unsubscribe-all and hard bounces.
func (m *Manager) CancelAll(ctx context.Context, recipient string) error {
	n, err := m.store.CancelAllEnrollments(ctx, recipient)
	if err != nil {
		return fmt.Errorf("cancel all enrollments: %w", err)
	}
	if n > 0 {
		logger.Info("cancelled all enrollments", "recipient", recipient, "count", n)
	}
	return nil
}

// RecordBounce stores a bounce and, for permanent failures, cancels every
// active enrollment so no further steps are scheduled.
func (m *Manager) RecordBounce(ctx context.Context, recipient, reason string, permanent bool) error {
	if err := m.store.RecordBounce(ctx, recipient, reason, permanent); err != nil {
		return fmt.Errorf("record bounce: %w", err)
	}
	if permanent {
		return m.CancelAll(ctx, recipient)
	}
	return nil
}
