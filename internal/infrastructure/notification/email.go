package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// EmailChannel delivers security notifications to the affected identity via
// AWS SES. Recipients are assumed to be email addresses; anything else is
// skipped silently since other channels still carry the notification.
type EmailChannel struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *zap.Logger
}

// NewEmailChannel creates an SES-backed email channel.
func NewEmailChannel(region, fromAddress string, logger *zap.Logger) (*EmailChannel, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &EmailChannel{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, n Notification) error {
	if !strings.Contains(n.Recipient, "@") {
		return nil
	}

	subject := fmt.Sprintf("Security notice: %s", strings.ReplaceAll(n.Reason, "_", " "))
	textBody := e.renderText(n)

	input := &ses.SendEmailInput{
		Source: aws.String(e.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{n.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := e.sesClient.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Info("security email sent",
		zap.String("recipient", n.Recipient),
		zap.String("reason", n.Reason),
		zap.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

func (e *EmailChannel) renderText(n Notification) string {
	var b strings.Builder

	fmt.Fprintf(&b, "We detected security-relevant activity on your account.\n\n")
	fmt.Fprintf(&b, "Event: %s\nSeverity: %s\nTime: %s\n",
		strings.ReplaceAll(n.Reason, "_", " "), n.Severity, n.CreatedAt.Format("2006-01-02 15:04 MST"))

	if len(n.Metadata) > 0 {
		b.WriteString("\nDetails:\n")
		for k, v := range n.Metadata {
			fmt.Fprintf(&b, "  %s: %v\n", k, v)
		}
	}

	b.WriteString("\nIf this wasn't you, please reset your password and contact support.\n")
	b.WriteString("This is an automated message. Please do not reply to this email.\n")

	return b.String()
}
