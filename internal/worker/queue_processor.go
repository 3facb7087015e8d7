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

// QueueProcessor drains the send queue. Each pass claims due pending entries
// in send_at order, re-checks suppression immediately before delivery,
// resolves the tenant's delivery override, appends the unsubscribe footer to
// non-transactional mail, and sends. Failed attempts reschedule with
// exponential backoff until max_attempts is exhausted.
type QueueProcessor struct {
	db          *sql.DB
	store       *mailing.Store
	suppression *mailing.SuppressionChecker
	sender      Sender
	signer      *mailing.Signer
	redisClient *redis.Client // optional; nil falls back to PG advisory locks

	defaultConfig mailing.DeliveryConfig
	unsubBaseURL  string

	workerID     string
	pollInterval time.Duration
	batchSize    int

	sent       int64
	suppressed int64
	failed     int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewQueueProcessor creates a queue processor. defaultConfig is used when a
// queue entry has no tenant or the tenant carries no complete override.
func NewQueueProcessor(db *sql.DB, store *mailing.Store, suppression *mailing.SuppressionChecker,
	sender Sender, signer *mailing.Signer, defaultConfig mailing.DeliveryConfig, unsubBaseURL string,
	pollInterval time.Duration, batchSize int) *QueueProcessor {
	return &QueueProcessor{
		db:            db,
		store:         store,
		suppression:   suppression,
		sender:        sender,
		signer:        signer,
		defaultConfig: defaultConfig,
		unsubBaseURL:  unsubBaseURL,
		workerID:      fmt.Sprintf("sender-%s-%d", getHostname(), time.Now().UnixNano()%10000),
		pollInterval:  pollInterval,
		batchSize:     batchSize,
	}
}

// SetRedisClient enables Redis-based distributed locking for the per-pass
// lock; without it the processor uses PostgreSQL advisory locks.
func (p *QueueProcessor) SetRedisClient(client *redis.Client) {
	p.redisClient = client
}

// Start begins the polling loop.
func (p *QueueProcessor) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("queue processor already running")
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	logger.Info("queue processor starting",
		"worker_id", p.workerID, "poll_interval", p.pollInterval.String())

	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (p *QueueProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	logger.Info("queue processor stopped",
		"sent", atomic.LoadInt64(&p.sent),
		"suppressed", atomic.LoadInt64(&p.suppressed),
		"failed", atomic.LoadInt64(&p.failed))
}

func (p *QueueProcessor) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runPass()
		}
	}
}

func (p *QueueProcessor) runPass() {
	ctx, cancel := context.WithTimeout(p.ctx, 60*time.Second)
	defer cancel()

	lock := distlock.NewLock(p.redisClient, p.db, "queue:send", 2*time.Minute)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		logger.Error("queue pass lock error", "error", err.Error())
		return
	}
	if !acquired {
		return
	}
	defer lock.Release(ctx)

	entries, err := p.store.ClaimDueQueueEntries(ctx, p.workerID, p.batchSize)
	if err != nil {
		logger.Error("claim due queue entries failed", "error", err.Error())
		return
	}

	for i := range entries {
		if err := p.ProcessEntry(ctx, &entries[i]); err != nil {
			logger.Error("queue entry processing failed",
				"queue_id", entries[i].ID.String(), "error", err.Error())
		}
	}
}

// ProcessEntry handles one claimed queue entry end to end. Exported for
// direct use in tests and one-shot tooling.
func (p *QueueProcessor) ProcessEntry(ctx context.Context, entry *mailing.QueueEntry) error {
	// Suppression is re-checked at the last moment: an opt-out recorded
	// after enqueue must still block delivery. An unexpected failure here
	// counts as an attempt like any other, so a broken row cannot spin
	// forever without leaving a trace in last_error.
	res, err := p.suppression.Check(ctx, entry.Recipient, entry.Category)
	if err != nil {
		return p.handleFailure(ctx, entry, err)
	}
	if res.Suppressed {
		atomic.AddInt64(&p.suppressed, 1)
		logger.Info("queue entry suppressed",
			"queue_id", entry.ID.String(), "recipient", entry.Recipient, "reason", res.Reason)
		return p.store.MarkQueueSuppressed(ctx, entry.ID)
	}

	cfg, err := p.resolveConfig(ctx, entry)
	if err != nil {
		return p.handleFailure(ctx, entry, err)
	}

	body := entry.BodyHTML
	if entry.Category != mailing.CategoryTransactional {
		body += p.unsubscribeFooter(entry.Recipient, entry.Category)
	}

	msg := &Message{
		To:       entry.Recipient,
		Subject:  entry.Subject,
		HTMLBody: body,
		Config:   cfg,
	}

	result, sendErr := p.sender.Send(ctx, msg)
	if sendErr != nil {
		return p.handleFailure(ctx, entry, sendErr)
	}

	atomic.AddInt64(&p.sent, 1)
	logger.Info("queue entry sent",
		"queue_id", entry.ID.String(), "recipient", entry.Recipient,
		"message_id", result.MessageID)
	return p.store.MarkQueueSent(ctx, entry.ID)
}

// resolveConfig returns the tenant's delivery override when the entry belongs
// to a tenant with a complete one, otherwise the process-wide default.
func (p *QueueProcessor) resolveConfig(ctx context.Context, entry *mailing.QueueEntry) (mailing.DeliveryConfig, error) {
	if entry.TenantID == nil {
		return p.defaultConfig, nil
	}
	override, err := p.store.TenantDeliveryConfig(ctx, *entry.TenantID)
	if err != nil {
		return mailing.DeliveryConfig{}, fmt.Errorf("resolve tenant config: %w", err)
	}
	if override == nil {
		return p.defaultConfig, nil
	}
	return *override, nil
}

// handleFailure counts the attempt and either reschedules with backoff or
// marks the entry failed once attempts are exhausted.
func (p *QueueProcessor) handleFailure(ctx context.Context, entry *mailing.QueueEntry, sendErr error) error {
	attempts := entry.Attempts + 1
	if attempts >= entry.MaxAttempts {
		atomic.AddInt64(&p.failed, 1)
		logger.Warn("queue entry failed permanently",
			"queue_id", entry.ID.String(), "recipient", entry.Recipient,
			"attempts", attempts, "error", sendErr.Error())
		return p.store.MarkQueueFailed(ctx, entry.ID, sendErr.Error())
	}

	delay := backoffDelay(attempts)
	logger.Warn("queue entry rescheduled",
		"queue_id", entry.ID.String(), "recipient", entry.Recipient,
		"attempts", attempts, "retry_in", delay.String(), "error", sendErr.Error())
	return p.store.RescheduleQueueEntry(ctx, entry.ID, time.Now().Add(delay), sendErr.Error())
}

// backoffDelay returns min(2^attempts, 60) minutes: 2m, 4m, 8m, 16m, 32m,
// then capped at an hour.
func backoffDelay(attempts int) time.Duration {
	minutes := 1
	for i := 0; i < attempts && minutes < 60; i++ {
		minutes *= 2
	}
	if minutes > 60 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// unsubscribeFooter renders the compliance footer appended to every
// non-transactional message.
func (p *QueueProcessor) unsubscribeFooter(recipient string, category mailing.Category) string {
	link := p.signer.UnsubscribeURL(p.unsubBaseURL, recipient, category)
	return fmt.Sprintf(
		`<hr style="border:none;border-top:1px solid #ddd;margin-top:24px">`+
			`<p style="font-size:12px;color:#888">You are receiving this email because of your `+
			`relationship with us. <a href="%s">Unsubscribe</a></p>`, link)
}
