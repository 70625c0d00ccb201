package otp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/civickiosk/server/internal/mask"
	"github.com/go-resty/resty/v2"
)

// Delivery is one out-of-band OTP message
type Delivery struct {
	Phone      string
	Department string
	Code       string
	ExpiresAt  time.Time
}

// Sender delivers OTP codes to the citizen's registered mobile number
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

const defaultSMSBaseURL = "https://www.smslocal.com/dev/bulkV2"

// SMSSender sends OTP SMS through an HTTP bulk-SMS provider (route=otp)
type SMSSender struct {
	client   *resty.Client
	senderID string
}

// NewSMSSender returns a sender using the given API key and optional base URL/sender id
func NewSMSSender(apiKey, baseURL, senderID string, timeout time.Duration) *SMSSender {
	if baseURL == "" {
		baseURL = defaultSMSBaseURL
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Authorization", apiKey).
		SetHeader("Content-Type", "application/json")
	return &SMSSender{client: client, senderID: senderID}
}

// Send posts the code to the provider. The code is never logged.
func (s *SMSSender) Send(ctx context.Context, d Delivery) error {
	body := map[string]string{
		"route":     "otp",
		"numbers":   d.Phone,
		"variables": d.Code,
	}
	if s.senderID != "" {
		body["sender_id"] = s.senderID
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("")
	if err != nil {
		return fmt.Errorf("sms: send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms: request failed status=%d", resp.StatusCode())
	}
	return nil
}

// LogSender is the development sender: it records that a code was sent, with
// the destination masked, and drops the code itself.
type LogSender struct {
	log *slog.Logger
}

// NewLogSender creates a LogSender writing to log
func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(ctx context.Context, d Delivery) error {
	s.log.InfoContext(ctx, "otp delivery skipped (log sender)",
		slog.String("phone", mask.Phone(d.Phone)),
		slog.String("department", d.Department),
		slog.Time("expires_at", d.ExpiresAt),
	)
	return nil
}
