package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/primehaul/mailflow/internal/mailing"
	"github.com/primehaul/mailflow/internal/pkg/logger"
)

// SESSender delivers messages through AWS SES (SDK v2). Each message carries
// its own DeliveryConfig; clients are built per credential set and cached so
// tenant overrides do not rebuild the SDK client on every send.
type SESSender struct {
	defaultRegion string

	mu      sync.Mutex
	clients map[string]*sesv2.Client
}

// NewSESSender creates an SES sender. defaultRegion applies when a message's
// config does not name one.
func NewSESSender(defaultRegion string) *SESSender {
	if defaultRegion == "" {
		defaultRegion = "us-east-1"
	}
	return &SESSender{
		defaultRegion: defaultRegion,
		clients:       make(map[string]*sesv2.Client),
	}
}

// clientFor returns a cached SES client for the message's credentials.
func (s *SESSender) clientFor(ctx context.Context, cfg mailing.DeliveryConfig) (*sesv2.Client, error) {
	region := cfg.Region
	if region == "" {
		region = s.defaultRegion
	}
	key := region + "/" + cfg.AccessKey

	s.mu.Lock()
	defer s.mu.Unlock()
	if client, ok := s.clients[key]; ok {
		return client, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := sesv2.NewFromConfig(awsCfg)
	s.clients[key] = client
	return client, nil
}

// Send delivers a single email through AWS SES.
func (s *SESSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if msg.Config.AccessKey == "" || msg.Config.SecretKey == "" {
		return nil, fmt.Errorf("ses: missing credentials for sender %s", msg.Config.FromEmail)
	}

	client, err := s.clientFor(ctx, msg.Config)
	if err != nil {
		return nil, err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.Config.FromName, msg.Config.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	result, err := client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses: send to %s: %w", logger.RedactEmail(msg.To), err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	logger.Debug("ses delivery accepted", "recipient", msg.To, "message_id", messageID)

	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}
