package worker

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/primehaul/mailflow/internal/mailing"
)

func newScheduler(db *sql.DB) *SequenceScheduler {
	store := mailing.NewStore(db)
	return NewSequenceScheduler(db, store, mailing.NewSuppressionChecker(store),
		time.Minute, 100, 5)
}

func expectSteps(mock sqlmock.Sqlmock, seqID uuid.UUID, delays ...int) {
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "sequence_id", "template_id", "step_order", "delay_minutes",
		"t_id", "slug", "name", "subject", "body_html", "category", "is_active", "created_at",
	})
	for i, d := range delays {
		tmplID := uuid.New()
		rows.AddRow(uuid.New(), seqID, tmplID, i, d,
			tmplID, "tmpl", "Template", "Hi {{ name }}", "<p>Hello {{ name }}</p>", "follow_up", true, now)
	}
	mock.ExpectQuery(regexp.QuoteMeta(`JOIN email_templates t ON t.id = st.template_id`)).
		WithArgs(seqID).
		WillReturnRows(rows)
}

func dueEnrollment(seqID uuid.UUID, step int) *mailing.Enrollment {
	now := time.Now()
	return &mailing.Enrollment{
		ID:          uuid.New(),
		SequenceID:  seqID,
		Recipient:   "sam@example.com",
		Context:     map[string]interface{}{"name": "Sam"},
		CurrentStep: step,
		Status:      mailing.EnrollmentActive,
		NextSendAt:  &now,
	}
}

func TestSequenceScheduler_AdvancesEnrollment(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	e := dueEnrollment(seqID, 0)

	expectSteps(mock, seqID, 120, 1440, 4320)
	expectNotSuppressed(mock, e.Recipient)
	// The queued message carries the rendered subject and body; it commits
	// in the same transaction as the cursor advance.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO email_queue`)).
		WithArgs(sqlmock.AnyArg(), e.Recipient, "Hi Sam", "<p>Hello Sam</p>", "follow_up",
			nil, sqlmock.AnyArg(), mailing.QueuePending, sqlmock.AnyArg(), 0, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_enrollments`)).
		WithArgs(1, mailing.EnrollmentActive, sqlmock.AnyArg(), e.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := newScheduler(db)
	if err := s.ProcessEnrollment(context.Background(), e); err != nil {
		t.Fatalf("ProcessEnrollment: %v", err)
	}
	if e.CurrentStep != 1 || e.Status != mailing.EnrollmentActive {
		t.Errorf("got step=%d status=%q, want step=1 active", e.CurrentStep, e.Status)
	}
	if e.NextSendAt == nil {
		t.Fatal("NextSendAt cleared on an active enrollment")
	}
	// Second step has a 1440 minute delay.
	wantAt := time.Now().Add(1440 * time.Minute)
	if e.NextSendAt.Before(wantAt.Add(-time.Minute)) || e.NextSendAt.After(wantAt.Add(time.Minute)) {
		t.Errorf("NextSendAt = %v, want ~%v", e.NextSendAt, wantAt)
	}
}

func TestSequenceScheduler_CompletesAfterLastStep(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	e := dueEnrollment(seqID, 2)

	expectSteps(mock, seqID, 120, 1440, 4320)
	expectNotSuppressed(mock, e.Recipient)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO email_queue`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_enrollments`)).
		WithArgs(3, mailing.EnrollmentCompleted, nil, e.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := newScheduler(db).ProcessEnrollment(context.Background(), e); err != nil {
		t.Fatalf("ProcessEnrollment: %v", err)
	}
	if e.Status != mailing.EnrollmentCompleted {
		t.Errorf("Status = %q, want completed", e.Status)
	}
	if e.NextSendAt != nil {
		t.Errorf("NextSendAt = %v, want nil after completion", e.NextSendAt)
	}
}

func TestSequenceScheduler_CursorPastEndCompletesWithoutSend(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	e := dueEnrollment(seqID, 3)

	// Steps shrank after enrollment: no message, just completion.
	expectSteps(mock, seqID, 120, 1440, 4320)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_enrollments`)).
		WithArgs(3, mailing.EnrollmentCompleted, nil, e.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := newScheduler(db).ProcessEnrollment(context.Background(), e); err != nil {
		t.Fatalf("ProcessEnrollment: %v", err)
	}
	if e.Status != mailing.EnrollmentCompleted {
		t.Errorf("Status = %q, want completed", e.Status)
	}
}

func TestSequenceScheduler_SuppressionCancelsMidSequence(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	seqID := uuid.New()
	e := dueEnrollment(seqID, 1)

	expectSteps(mock, seqID, 120, 1440, 4320)
	// Recipient unsubscribed between step 1 and step 2.
	mock.ExpectQuery(regexp.QuoteMeta(`FROM email_bounces WHERE recipient = $1`)).
		WithArgs(e.Recipient).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM email_preferences WHERE recipient = $1`)).
		WithArgs(e.Recipient).
		WillReturnRows(sqlmock.NewRows([]string{"id", "recipient", "unsubscribed_all", "unsubscribed_categories", "updated_at"}).
			AddRow(uuid.New(), e.Recipient, true, []byte(`[]`), time.Now()))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE email_enrollments`)).
		WithArgs(1, mailing.EnrollmentCancelled, nil, e.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := newScheduler(db).ProcessEnrollment(context.Background(), e); err != nil {
		t.Fatalf("ProcessEnrollment: %v", err)
	}
	if e.Status != mailing.EnrollmentCancelled {
		t.Errorf("Status = %q, want cancelled", e.Status)
	}
}
