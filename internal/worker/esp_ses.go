package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// EmailMessage is one fully-rendered email ready for the transport.
type EmailMessage struct {
	CampaignID  string
	ContactID   string
	Email       string
	FromName    string
	FromEmail   string
	ReplyTo     string
	Subject     string
	HTMLContent string
	TextContent string
}

// SendResult is what the transport reports back for one message.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// MailTransport delivers a rendered message to a provider. A failed
// delivery returns an error; the worker decides retry policy.
type MailTransport interface {
	Send(ctx context.Context, msg *EmailMessage) (*SendResult, error)
}

// SESSender delivers mail through AWS SES using the SDK v2.
type SESSender struct {
	client  *sesv2.Client
	timeout time.Duration
}

// NewSESSender creates an SES transport from static credentials. Returns
// an error when credentials are missing or the SDK config cannot load.
func NewSESSender(accessKey, secretKey, region string, timeout time.Duration) (*SESSender, error) {
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("ses credentials not configured")
	}
	if region == "" {
		region = "us-east-1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SESSender{
		client:  sesv2.NewFromConfig(cfg),
		timeout: timeout,
	}, nil
}

// Send delivers a single email through SES.
func (s *SESSender) Send(ctx context.Context, msg *EmailMessage) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("contact_id"), Value: aws.String(msg.ContactID)},
		},
	}
	if msg.TextContent != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, err
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	logger.Debug("ses delivery accepted", "recipient", msg.Email, "message_id", messageID)

	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}
