package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/email-outbox/internal/config"
	"github.com/ignite/email-outbox/internal/pkg/logger"
)

// SESSender sends through AWS SES using the SDK v2. SES feeds delivery
// events back through SNS, so entries sent this way are trackable.
type SESSender struct {
	client      *sesv2.Client
	senderEmail string
	senderName  string
}

// NewSESSender creates an SES transport from static credentials.
func NewSESSender(cfg config.SESConfig) (*SESSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("init AWS config: %w", err)
	}
	return &SESSender{
		client:      sesv2.NewFromConfig(awsCfg),
		senderEmail: cfg.SenderEmail,
		senderName:  cfg.SenderName,
	}, nil
}

func (s *SESSender) CanHaveDeliveryInfo() bool { return true }

func (s *SESSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	from := s.senderEmail
	if s.senderName != "" {
		from = fmt.Sprintf("%s <%s>", s.senderName, s.senderEmail)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("outbox_entry_id"), Value: aws.String(msg.EntryID)},
			{Name: aws.String("project_id"), Value: aws.String(msg.ProjectID)},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifySESError(err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	for _, to := range msg.To {
		logger.Info("ses send",
			"to", to,
			"message_id", messageID)
	}
	return &SendResult{MessageID: messageID, SentAt: time.Now()}, nil
}

// classifySESError separates account/content rejections (permanent) from
// throttling and transient service errors (retryable).
func classifySESError(err error) error {
	msg := strings.ToLower(err.Error())
	permanent := strings.Contains(msg, "messagerejected") ||
		strings.Contains(msg, "mailfromdomainnotverified") ||
		strings.Contains(msg, "accountsuspended") ||
		strings.Contains(msg, "badrequest")
	return &SendError{Err: err, Permanent: permanent}
}
