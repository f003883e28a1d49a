package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrAuthorizationDenied means the credits backend refused the spend. The
// wrapped message carries the backend's reason.
var ErrAuthorizationDenied = errors.New("authorization denied")

const (
	creditsMaxRetries = 3
	creditsBaseDelay  = 500 * time.Millisecond
)

// CreditsService asks the external credits backend to authorize a batch
// spend before any generation jobs are submitted.
type CreditsService struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCreditsService(baseURL, apiKey string) *CreditsService {
	return &CreditsService{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type authorizeRequest struct {
	Units int `json:"units"`
}

type authorizeResponse struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason,omitempty"`
}

// Authorize requests approval to spend the given number of asset units.
// Transient failures (network, 5xx) are retried with backoff; an explicit
// denial is returned immediately as ErrAuthorizationDenied.
func (s *CreditsService) Authorize(ctx context.Context, units int) error {
	body, err := json.Marshal(authorizeRequest{Units: units})
	if err != nil {
		return fmt.Errorf("failed to marshal authorize request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= creditsMaxRetries; attempt++ {
		if attempt > 1 {
			delay := creditsBaseDelay * time.Duration(1<<(attempt-2))
			log.Printf("[Credits] retrying authorization in %v (attempt %d/%d)", delay, attempt, creditsMaxRetries)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := s.doAuthorize(ctx, body)
		if err == nil || errors.Is(err, ErrAuthorizationDenied) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("authorization failed after %d attempts: %w", creditsMaxRetries, lastErr)
}

func (s *CreditsService) doAuthorize(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/v1/credits/authorize", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var ar authorizeResponse
		if err := json.Unmarshal(respBody, &ar); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if !ar.Authorized {
			return fmt.Errorf("%w: %s", ErrAuthorizationDenied, denialReason(ar.Reason))
		}
		return nil
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusForbidden:
		var ar authorizeResponse
		reason := ""
		if json.Unmarshal(respBody, &ar) == nil {
			reason = ar.Reason
		}
		return fmt.Errorf("%w: %s", ErrAuthorizationDenied, denialReason(reason))
	default:
		return fmt.Errorf("credits backend returned status %d: %s", resp.StatusCode, string(respBody))
	}
}

func denialReason(reason string) string {
	if reason == "" {
		return "insufficient credits"
	}
	return reason
}
