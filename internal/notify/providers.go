package notify

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"go.uber.org/zap"
)

// ProviderConfig selects and configures the email and SMS providers
type ProviderConfig struct {
	// EmailProvider is "sendgrid", "ses" or "stub"
	EmailProvider string
	SendGrid      SendGridConfig
	SES           SESConfig
	AWSRegion     string
	// SMSProvider is "twilio" or "stub"
	SMSProvider string
	Twilio      TwilioConfig
}

// NewEmailSender builds the configured email provider. SES credentials come
// from the default AWS chain.
func NewEmailSender(ctx context.Context, cfg ProviderConfig, logger *zap.Logger) (EmailSender, error) {
	switch cfg.EmailProvider {
	case "sendgrid":
		s := NewSendGridSender(cfg.SendGrid, logger)
		if s == nil {
			return nil, fmt.Errorf("sendgrid email provider needs an API key")
		}
		return s, nil
	case "ses":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewSESSender(sesv2.NewFromConfig(awsCfg), cfg.SES, logger), nil
	case "", "stub":
		return NewStubEmailSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.EmailProvider)
	}
}

// NewSMSSender builds the configured SMS provider
func NewSMSSender(cfg ProviderConfig, logger *zap.Logger) (SMSSender, error) {
	switch cfg.SMSProvider {
	case "twilio":
		s := NewTwilioSender(cfg.Twilio, logger)
		if s == nil {
			return nil, fmt.Errorf("twilio sms provider needs account credentials")
		}
		return s, nil
	case "", "stub":
		return NewStubSMSSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown sms provider %q", cfg.SMSProvider)
	}
}
