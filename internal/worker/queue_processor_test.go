package worker

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/primehaul/mailflow/internal/mailing"
	"github.com/primehaul/mailflow/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cleanup := func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet sqlmock expectations: %v", err)
		}
		db.Close()
	}
	return db, mock, cleanup
}

// fakeSender records messages and fails on demand.
type fakeSender struct {
	sent []*Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &SendResult{MessageID: "msg-1", SentAt: time.Now()}, nil
}

func newProcessor(db *sql.DB, sender Sender) *QueueProcessor {
	store := mailing.NewStore(db)
	return NewQueueProcessor(db, store, mailing.NewSuppressionChecker(store),
		sender, mailing.NewSigner("test-secret"),
		mailing.DeliveryConfig{FromName: "PrimeHaul", FromEmail: "hello@primehaul.test", AccessKey: "AKIA", SecretKey: "s3"},
		"https://primehaul.test/email/unsubscribe",
		30*time.Second, 50)
}

func expectNotSuppressed(mock sqlmock.Sqlmock, recipient string) {
	mock.ExpectQuery(regexp.QuoteMeta(`FROM email_bounces WHERE recipient = $1`)).
		WithArgs(recipient).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM email_preferences WHERE recipient = $1`)).
		WithArgs(recipient).
		WillReturnError(sql.ErrNoRows)
}

func pendingEntry(category mailing.Category) *mailing.QueueEntry {
	return &mailing.QueueEntry{
		ID:          uuid.New(),
		Recipient:   "sam@example.com",
		Subject:     "Your quote",
		BodyHTML:    "<p>hi</p>",
		Category:    category,
		Status:      mailing.QueuePending,
		SendAt:      time.Now(),
		Attempts:    0,
		MaxAttempts: 5,
	}
}

func TestQueueProcessor_SendsAndMarksSent(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	entry := pendingEntry(mailing.CategoryMarketing)
	expectNotSuppressed(mock, entry.Recipient)
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'sent'`)).
		WithArgs(entry.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sender := &fakeSender{}
	p := newProcessor(db, sender)
	if err := p.ProcessEntry(context.Background(), entry); err != nil {
		t.Fatalf("ProcessEntry: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}

	msg := sender.sent[0]
	if msg.To != entry.Recipient || msg.Subject != entry.Subject {
		t.Errorf("message = %+v", msg)
	}
	if msg.Config.FromEmail != "hello@primehaul.test" {
		t.Errorf("FromEmail = %q, want process default", msg.Config.FromEmail)
	}
	// Marketing mail carries the signed unsubscribe footer.
	if !strings.Contains(msg.HTMLBody, "Unsubscribe") || !strings.Contains(msg.HTMLBody, "sig=") {
		t.Errorf("body missing unsubscribe footer: %q", msg.HTMLBody)
	}
}

func TestQueueProcessor_TransactionalSkipsFooter(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	entry := pendingEntry(mailing.CategoryTransactional)
	expectNotSuppressed(mock, entry.Recipient)
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'sent'`)).
		WithArgs(entry.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sender := &fakeSender{}
	if err := newProcessor(db, sender).ProcessEntry(context.Background(), entry); err != nil {
		t.Fatalf("ProcessEntry: %v", err)
	}
	if strings.Contains(sender.sent[0].HTMLBody, "Unsubscribe") {
		t.Errorf("transactional body has footer: %q", sender.sent[0].HTMLBody)
	}
}

func TestQueueProcessor_SuppressedBeforeSend(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	entry := pendingEntry(mailing.CategoryFollowUp)
	// Hard bounce recorded after enqueue: the entry is skipped, not sent.
	mock.ExpectQuery(regexp.QuoteMeta(`FROM email_bounces WHERE recipient = $1`)).
		WithArgs(entry.Recipient).
		WillReturnRows(sqlmock.NewRows([]string{"id", "recipient", "suppressed", "reason", "created_at"}).
			AddRow(uuid.New(), entry.Recipient, true, "smtp 550", time.Now()))
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'suppressed'`)).
		WithArgs(entry.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sender := &fakeSender{}
	if err := newProcessor(db, sender).ProcessEntry(context.Background(), entry); err != nil {
		t.Fatalf("ProcessEntry: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(sender.sent))
	}
}

func TestQueueProcessor_FailureReschedulesWithBackoff(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	entry := pendingEntry(mailing.CategoryFollowUp)
	expectNotSuppressed(mock, entry.Recipient)
	mock.ExpectExec(regexp.QuoteMeta(`SET attempts = attempts + 1, send_at = $2, last_error = $3`)).
		WithArgs(entry.ID, sqlmock.AnyArg(), "smtp timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sender := &fakeSender{err: errors.New("smtp timeout")}
	if err := newProcessor(db, sender).ProcessEntry(context.Background(), entry); err != nil {
		t.Fatalf("ProcessEntry: %v", err)
	}
}

func TestQueueProcessor_FinalAttemptMarksFailed(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	entry := pendingEntry(mailing.CategoryFollowUp)
	entry.Attempts = 4 // next failure is the fifth and last attempt

	expectNotSuppressed(mock, entry.Recipient)
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'failed'`)).
		WithArgs(entry.ID, "smtp timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sender := &fakeSender{err: errors.New("smtp timeout")}
	if err := newProcessor(db, sender).ProcessEntry(context.Background(), entry); err != nil {
		t.Fatalf("ProcessEntry: %v", err)
	}
}

func TestQueueProcessor_TenantOverride(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := uuid.New()
	entry := pendingEntry(mailing.CategoryTransactional)
	entry.TenantID = &tenantID

	expectNotSuppressed(mock, entry.Recipient)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM tenants WHERE id = $1`)).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{
			"from_name", "from_email", "ses_region", "ses_access_key", "ses_secret_key",
		}).AddRow("Acme Movers", "mail@acme.test", "us-west-2", "AKIA2", "s4"))
	mock.ExpectExec(regexp.QuoteMeta(`SET status = 'sent'`)).
		WithArgs(entry.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sender := &fakeSender{}
	if err := newProcessor(db, sender).ProcessEntry(context.Background(), entry); err != nil {
		t.Fatalf("ProcessEntry: %v", err)
	}
	if got := sender.sent[0].Config.FromEmail; got != "mail@acme.test" {
		t.Errorf("FromEmail = %q, want tenant override", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Minute},
		{2, 4 * time.Minute},
		{3, 8 * time.Minute},
		{4, 16 * time.Minute},
		{5, 32 * time.Minute},
		{6, 60 * time.Minute},
		{10, 60 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.attempts); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}
