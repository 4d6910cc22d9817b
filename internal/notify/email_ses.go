package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"

	"github.com/drfirst/go-medremind/internal/domain/reminder"
)

// SESAPI is the subset of the SES client the sender uses
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig holds configuration for AWS SES
type SESConfig struct {
	FromEmail string
	FromName  string
}

// SESSender sends emails via AWS SES
type SESSender struct {
	client    SESAPI
	fromEmail string
	fromName  string
	logger    *zap.Logger
}

// NewSESSender returns nil without a client
func NewSESSender(client SESAPI, cfg SESConfig, logger *zap.Logger) *SESSender {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FromName == "" {
		cfg.FromName = "Medication Reminders"
	}
	return &SESSender{client: client, fromEmail: cfg.FromEmail, fromName: cfg.FromName, logger: logger}
}

func (s *SESSender) Send(ctx context.Context, msg EmailMessage) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", s.fromName, s.fromEmail)),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	output, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		var badRequest *types.BadRequestException
		if errors.As(err, &rejected) || errors.As(err, &badRequest) {
			return fmt.Errorf("%w: ses: %v", reminder.ErrRejected, err)
		}
		return fmt.Errorf("%w: ses: %v", reminder.ErrTransportFailure, err)
	}

	s.logger.Debug("email accepted by ses", zap.String("message_id", aws.ToString(output.MessageId)))
	return nil
}

var _ EmailSender = (*SESSender)(nil)
