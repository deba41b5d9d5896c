package sms

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

const snsSendTimeout = 10 * time.Second

// SNSSender delivers codes through AWS SNS direct-to-phone publish.
type SNSSender struct {
	client *sns.Client
}

// NewSNSSender creates an SNS-backed sender using the default AWS credential
// chain for the given region.
func NewSNSSender(ctx context.Context, region string) (*SNSSender, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SNSSender{client: sns.NewFromConfig(cfg)}, nil
}

func (s *SNSSender) SendVerificationCode(ctx context.Context, phoneE164, code string) (string, error) {
	message := fmt.Sprintf("Your verification code is %s. It expires in 10 minutes. | 您的验证码是 %s，10分钟内有效。", code, code)

	ctx, cancel := context.WithTimeout(ctx, snsSendTimeout)
	defer cancel()

	out, err := s.client.Publish(ctx, &sns.PublishInput{
		Message:     aws.String(message),
		PhoneNumber: aws.String(phoneE164),
	})
	if err != nil {
		return "", fmt.Errorf("sns publish: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

func (s *SNSSender) IsValidPhoneNumber(phoneE164 string) bool {
	return basicE164(phoneE164)
}
