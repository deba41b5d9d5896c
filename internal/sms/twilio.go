package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioSendTimeout = 10 * time.Second

// TwilioSender delivers codes through the Twilio Messages REST API.
type TwilioSender struct {
	accountSID string
	authToken  string
	fromNumber string
	client     *http.Client
}

type twilioResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// NewTwilioSender creates a Twilio-backed sender.
func NewTwilioSender(accountSID, authToken, fromNumber string) *TwilioSender {
	return &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		client:     &http.Client{Timeout: twilioSendTimeout},
	}
}

func (t *TwilioSender) SendVerificationCode(ctx context.Context, phoneE164, code string) (string, error) {
	body := fmt.Sprintf("Your verification code is %s. It expires in 10 minutes. | 您的验证码是 %s，10分钟内有效。", code, code)

	form := url.Values{}
	form.Set("To", phoneE164)
	form.Set("From", t.fromNumber)
	form.Set("Body", body)

	apiURL := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", t.accountSID)

	ctx, cancel := context.WithTimeout(ctx, twilioSendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("twilio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio send: %w", err)
	}
	defer resp.Body.Close()

	var tr twilioResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("twilio response decode: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		if tr.ErrorMessage != "" {
			return "", fmt.Errorf("twilio API status %d: %s", resp.StatusCode, tr.ErrorMessage)
		}
		return "", fmt.Errorf("twilio API status %d", resp.StatusCode)
	}

	return tr.SID, nil
}

func (t *TwilioSender) IsValidPhoneNumber(phoneE164 string) bool {
	return basicE164(phoneE164)
}
