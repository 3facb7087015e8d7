package worker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/primehaul/mailflow/internal/mailing"
	"github.com/primehaul/mailflow/internal/pkg/distlock"
	"github.com/primehaul/mailflow/internal/pkg/logger"
)

// SequenceScheduler advances due enrollments. Each pass claims a batch of
// active enrollments whose next_send_at has arrived, and for each one:
// checks suppression for the current step, enqueues the rendered message,
// and moves the cursor (or completes the enrollment). Enrollments are
// processed independently; one failure never blocks the rest of the batch.
type SequenceScheduler struct {
	db          *sql.DB
	store       *mailing.Store
	suppression *mailing.SuppressionChecker
	redisClient *redis.Client // optional; nil falls back to PG advisory locks

	workerID     string
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int

	enrollmentsAdvanced int64
	errors              int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewSequenceScheduler creates a sequence scheduler. maxAttempts is stamped
// onto every queue entry it creates.
func NewSequenceScheduler(db *sql.DB, store *mailing.Store, suppression *mailing.SuppressionChecker,
	pollInterval time.Duration, batchSize, maxAttempts int) *SequenceScheduler {
	return &SequenceScheduler{
		db:           db,
		store:        store,
		suppression:  suppression,
		workerID:     fmt.Sprintf("scheduler-%s-%d", getHostname(), time.Now().UnixNano()%10000),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
	}
}

// SetRedisClient enables Redis-based distributed locking for the per-pass
// lock; without it the scheduler uses PostgreSQL advisory locks.
func (s *SequenceScheduler) SetRedisClient(client *redis.Client) {
	s.redisClient = client
}

// Start begins the polling loop.
func (s *SequenceScheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sequence scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	logger.Info("sequence scheduler starting",
		"worker_id", s.workerID, "poll_interval", s.pollInterval.String())

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (s *SequenceScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	logger.Info("sequence scheduler stopped",
		"advanced", atomic.LoadInt64(&s.enrollmentsAdvanced),
		"errors", atomic.LoadInt64(&s.errors))
}

func (s *SequenceScheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runPass()
		}
	}
}

// runPass claims and processes one batch of due enrollments under a
// distributed lock, so overlapping passes from multiple replicas are
// serialized even before the row-level claim kicks in.
func (s *SequenceScheduler) runPass() {
	ctx, cancel := context.WithTimeout(s.ctx, 60*time.Second)
	defer cancel()

	lock := distlock.NewLock(s.redisClient, s.db, "sequences:advance", 2*time.Minute)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		logger.Error("sequence pass lock error", "error", err.Error())
		return
	}
	if !acquired {
		return
	}
	defer lock.Release(ctx)

	enrollments, err := s.store.ClaimDueEnrollments(ctx, s.workerID, s.batchSize)
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		logger.Error("claim due enrollments failed", "error", err.Error())
		return
	}

	for i := range enrollments {
		if err := s.ProcessEnrollment(ctx, &enrollments[i]); err != nil {
			atomic.AddInt64(&s.errors, 1)
			logger.Error("enrollment processing failed",
				"enrollment_id", enrollments[i].ID.String(), "error", err.Error())
			continue
		}
		atomic.AddInt64(&s.enrollmentsAdvanced, 1)
	}
}

// ProcessEnrollment executes one due step of one enrollment: suppression
// check, enqueue, cursor advance. Exported for direct use in tests and
// one-shot tooling.
func (s *SequenceScheduler) ProcessEnrollment(ctx context.Context, e *mailing.Enrollment) error {
	steps, err := s.store.SequenceSteps(ctx, e.SequenceID)
	if err != nil {
		return err
	}

	// The cursor can point past the end if steps were removed after
	// enrollment. Complete rather than error.
	if e.CurrentStep >= len(steps) {
		e.Status = mailing.EnrollmentCompleted
		e.NextSendAt = nil
		return s.store.UpdateEnrollmentProgress(ctx, e)
	}

	step := steps[e.CurrentStep]
	res, err := s.suppression.Check(ctx, e.Recipient, step.Template.Category)
	if err != nil {
		return err
	}
	if res.Suppressed {
		logger.Info("enrollment cancelled by suppression",
			"enrollment_id", e.ID.String(), "recipient", e.Recipient, "reason", res.Reason)
		e.Status = mailing.EnrollmentCancelled
		e.NextSendAt = nil
		return s.store.UpdateEnrollmentProgress(ctx, e)
	}

	entry := &mailing.QueueEntry{
		Recipient:    e.Recipient,
		Subject:      mailing.Render(step.Template.Subject, e.Context),
		BodyHTML:     mailing.Render(step.Template.BodyHTML, e.Context),
		Category:     step.Template.Category,
		TenantID:     e.TenantID,
		EnrollmentID: &e.ID,
		Status:       mailing.QueuePending,
		SendAt:       time.Now(),
		MaxAttempts:  s.maxAttempts,
	}
	sentStep := e.CurrentStep
	e.CurrentStep++
	if e.CurrentStep >= len(steps) {
		e.Status = mailing.EnrollmentCompleted
		e.NextSendAt = nil
	} else {
		next := time.Now().Add(time.Duration(steps[e.CurrentStep].DelayMinutes) * time.Minute)
		e.NextSendAt = &next
	}

	// Enqueue and cursor advance commit together. If they were separate
	// statements, a crash between them would leave the cursor behind and the
	// lock reclaim would enqueue the same step twice.
	if err := s.store.EnqueueStepAndAdvance(ctx, entry, e); err != nil {
		return fmt.Errorf("enqueue step %d: %w", sentStep, err)
	}
	return nil
}
