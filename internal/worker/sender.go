package worker

import (
	"context"
	"time"

	"github.com/ignite/email-outbox/internal/pkg/logger"
)

// Message is one fully rendered email ready for transport.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string

	// Tags travel with the message for webhook correlation.
	EntryID   string
	ProjectID string
}

// SendResult reports the transport outcome for one message.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Sender is a mail transport. Send errors are classified by Permanent: a
// permanent failure is recorded immediately, anything else is retried with
// backoff.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*SendResult, error)

	// CanHaveDeliveryInfo reports whether this transport emits delivery
	// events (bounces, opens, clicks) that will flow back into tracking.
	CanHaveDeliveryInfo() bool
}

// SendError wraps a transport failure with its retry classification.
type SendError struct {
	Err       error
	Permanent bool
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a non-retryable transport failure.
func IsPermanent(err error) bool {
	se, ok := err.(*SendError)
	return ok && se.Permanent
}

// DevSender is the development transport: it logs instead of delivering.
// Used whenever SES credentials are absent.
type DevSender struct{}

func (DevSender) Send(_ context.Context, msg *Message) (*SendResult, error) {
	for _, to := range msg.To {
		logger.Info("dev transport send",
			"to", to,
			"subject", msg.Subject,
			"entry_id", msg.EntryID)
	}
	return &SendResult{MessageID: "dev-" + msg.EntryID, SentAt: time.Now()}, nil
}

func (DevSender) CanHaveDeliveryInfo() bool { return false }
