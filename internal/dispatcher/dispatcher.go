// Package dispatcher delivers signed event envelopes to webhook endpoints.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	v1 "integrahub/pkg/api/v1"
	"integrahub/pkg/constraints"
	"integrahub/pkg/signature"
)

const maxErrorBody = 512

// Sender POSTs envelopes over HTTP.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender with standard transport settings.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// NewSenderWithClient is used by tests and callers that bring their own transport.
func NewSenderWithClient(client *http.Client) *Sender {
	return &Sender{client: client}
}

// Request is one delivery attempt.
type Request struct {
	URL      string
	Secret   string
	Envelope *v1.Envelope
	Attempt  int
}

// Result describes a completed HTTP exchange, successful or not.
type Result struct {
	StatusCode int
	Duration   time.Duration
}

// Send delivers the envelope. A non-2xx answer is returned as *HTTPError
// together with the Result.
func (s *Sender) Send(ctx context.Context, r Request) (*Result, error) {
	body, err := r.Envelope.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "integrahub/1")
	req.Header.Set(constraints.HeaderEventID, r.Envelope.ID)
	req.Header.Set(constraints.HeaderEventType, r.Envelope.EventType)
	req.Header.Set(constraints.HeaderSourceSystem, r.Envelope.SourceSystem)
	req.Header.Set(constraints.HeaderAttempt, strconv.Itoa(r.Attempt))
	if r.Secret != "" {
		req.Header.Set(constraints.HeaderSignature, signature.Sign(body, r.Secret))
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return &Result{Duration: elapsed}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	res := &Result{StatusCode: resp.StatusCode, Duration: elapsed}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return res, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return res, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

// HTTPError represents a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsClientError returns true for 4xx answers other than 408 and 429.
// These will not succeed on retry.
func IsClientError(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	if he.StatusCode == http.StatusRequestTimeout || he.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}

// IsRetryable reports whether err is transient: transport errors, timeouts,
// 5xx, 408 and 429.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return !IsClientError(err)
	}
	return true
}
