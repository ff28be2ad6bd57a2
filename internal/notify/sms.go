package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"portal-billing/internal/util"

	"go.uber.org/zap"
)

const (
	smsMaxRetries   = 3
	smsInitialDelay = 500 * time.Millisecond
	smsMaxBody      = 1 << 16
)

// SMSSender delivers text messages through an HTTP SMS gateway. With no
// endpoint configured messages are only logged.
type SMSSender struct {
	endpoint string
	apiKey   string
	sender   string
	client   *http.Client
	logger   *zap.Logger
}

type smsRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

// NewSMSSender creates a new SMS sender
func NewSMSSender(endpoint, apiKey, sender string) *SMSSender {
	return &SMSSender{
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   apiKey,
		sender:   sender,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   util.GetLogger(),
	}
}

// Enabled reports whether messages leave the process
func (s *SMSSender) Enabled() bool {
	return s.endpoint != ""
}

// Send delivers message to the phone number. Rate limits and server errors
// are retried with backoff.
func (s *SMSSender) Send(ctx context.Context, to, message string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("no phone number")
	}
	if !s.Enabled() {
		s.logger.Info("SMS gateway not configured, message logged only",
			zap.String("to", maskPhone(to)),
			zap.String("message", message))
		return nil
	}

	body, err := json.Marshal(smsRequest{To: to, From: s.sender, Message: message})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < smsMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(smsInitialDelay << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("sms request failed: %w", err)
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, smsMaxBody))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			s.logger.Info("SMS sent", zap.String("to", maskPhone(to)))
			return nil
		}

		lastErr = fmt.Errorf("sms gateway error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			continue
		}
		return lastErr
	}
	return fmt.Errorf("sms failed after %d attempts: %w", smsMaxRetries, lastErr)
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
