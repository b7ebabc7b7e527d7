package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// EmailService defines the interface for sending emails
type EmailService interface {
	SendSecurityNotification(ctx context.Context, email, event string) error
}

// AWSSESEmailService sends emails using AWS SES
type AWSSESEmailService struct {
	sesClient   *ses.Client
	fromAddress string
	logger      *slog.Logger
}

// NewAWSSESEmailService creates a new AWS SES email service
func NewAWSSESEmailService(region, fromAddress string, logger *slog.Logger) (*AWSSESEmailService, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESEmailService{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

var securityNotifications = map[string]struct {
	subject string
	body    string
}{
	"two_factor_enabled": {
		subject: "Two-factor authentication enabled",
		body:    "Two-factor authentication was just enabled on your account. From now on, signing in requires a code from your authenticator app or one of your backup tokens.",
	},
	"two_factor_disabled": {
		subject: "Two-factor authentication disabled",
		body:    "Two-factor authentication was just removed from your account. Signing in no longer requires a verification code.",
	},
	"backup_tokens_regenerated": {
		subject: "Backup tokens regenerated",
		body:    "A new set of backup tokens was just generated for your account. All previous backup tokens are no longer valid.",
	},
}

// SendSecurityNotification emails the user about a security-relevant change
// to their account. Unknown events are logged and dropped rather than sent.
func (s *AWSSESEmailService) SendSecurityNotification(ctx context.Context, email, event string) error {
	notification, ok := securityNotifications[event]
	if !ok {
		s.logger.Warn("unknown security notification event", slog.String("event", event))
		return nil
	}

	textBody := fmt.Sprintf(`%s

If you made this change, no action is needed.

If you did not make this change, your password may be compromised. Reset your password immediately and contact our support team.

This is an automated message. Please do not reply to this email.
`, notification.body)

	htmlBody := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f8f9fa; padding: 20px; text-align: center; border-radius: 4px; }
        .content { padding: 20px 0; }
        .footer { color: #666; font-size: 12px; margin-top: 20px; padding-top: 20px; border-top: 1px solid #eee; }
        .warning { background-color: #fff3cd; padding: 10px; border-left: 4px solid #ffc107; margin: 10px 0; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>%s</h1>
        </div>
        <div class="content">
            <p>%s</p>
            <p>If you made this change, no action is needed.</p>
            <div class="warning">
                <strong>Didn't make this change?</strong> Your password may be compromised. Reset your password immediately and contact our support team.
            </div>
        </div>
        <div class="footer">
            <p>This is an automated message. Please do not reply to this email.</p>
        </div>
    </div>
</body>
</html>
`, notification.subject, notification.body)

	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(notification.subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send security notification via SES",
			slog.String("event", event),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("security notification sent",
		slog.String("event", event),
		slog.String("message_id", *result.MessageId))

	return nil
}

// NoopEmailService discards all emails. Used in development when SES is not
// configured.
type NoopEmailService struct {
	logger *slog.Logger
}

// NewNoopEmailService creates an email service that logs instead of sending
func NewNoopEmailService(logger *slog.Logger) *NoopEmailService {
	return &NoopEmailService{logger: logger}
}

func (s *NoopEmailService) SendSecurityNotification(_ context.Context, email, event string) error {
	s.logger.Info("email sending disabled, dropping security notification",
		slog.String("event", event))
	return nil
}
