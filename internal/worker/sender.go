// Package worker contains the periodic jobs that move enrollments forward and
// drain the send queue, plus the SES delivery adapter they share.
package worker

import (
	"context"
	"os"
	"time"

	"github.com/primehaul/mailflow/internal/mailing"
	"github.com/primehaul/mailflow/internal/pkg/logger"
)

// Message is one email handed to a Sender, already rendered and footered.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	Config   mailing.DeliveryConfig
}

// SendResult reports a successful delivery.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Sender delivers a single message. A returned error counts as a failed
// attempt and feeds the retry backoff; it must not be terminal unless the
// message truly cannot be delivered by retrying.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)
}

// LogSender is the development transport: it logs instead of delivering.
// Used when SES is disabled so the full pipeline can run locally.
type LogSender struct{}

// Send logs the message and reports success.
func (LogSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	logger.Info("delivery skipped (log-only transport)",
		"recipient", msg.To, "subject", msg.Subject, "from", msg.Config.FromEmail)
	return &SendResult{MessageID: "log-" + time.Now().Format("20060102150405"), SentAt: time.Now()}, nil
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
