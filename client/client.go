// Package client is the producer SDK: it publishes events to the hub and
// verifies the signature of webhooks the hub delivers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	v1 "integrahub/pkg/api/v1"
	"integrahub/pkg/constraints"
	"integrahub/pkg/logger"
	"integrahub/pkg/signature"

	"go.uber.org/zap"
)

// APIError is a non-2xx answer from the hub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("integrahub: status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Option func(*Client)

// WithMaxRetries bounds how often a publish is retried after 429, 5xx or a network error.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseBackoff = base
		c.maxBackoff = max
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

type Client struct {
	addr       string
	apiKey     string
	httpClient *http.Client

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func New(addr, apiKey string, opts ...Option) *Client {
	c := &Client{
		addr:        addr,
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		baseBackoff: 200 * time.Millisecond,
		maxBackoff:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish sends one event and returns its id. The hub answers before any
// delivery happens, so a nil error only means the event was persisted.
func (c *Client) Publish(ctx context.Context, eventType, sourceSystem string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	body, err := json.Marshal(v1.PublishRequest{
		EventType:    eventType,
		SourceSystem: sourceSystem,
		Payload:      raw,
	})
	if err != nil {
		return "", err
	}

	backoff := c.baseBackoff
	for attempt := 0; ; attempt++ {
		id, wait, err := c.publishOnce(ctx, body)
		if err == nil {
			return id, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return "", err
		}
		if ctx.Err() != nil || attempt >= c.maxRetries {
			return "", err
		}

		if wait <= 0 {
			wait = backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}
		logger.Warn("publish failed, retrying",
			zap.String("event_type", eventType),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
}

// publishOnce returns the Retry-After hint of a 429 as wait.
func (c *Client) publishOnce(ctx context.Context, body []byte) (id string, wait time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+"/v1/events", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(constraints.HeaderAPIKey, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			wait = time.Duration(secs) * time.Second
			if wait > c.maxBackoff {
				wait = c.maxBackoff
			}
		}
		return "", wait, &APIError{StatusCode: resp.StatusCode, Message: string(msg)}
	}

	var out v1.PublishResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decode publish response: %w", err)
	}
	return out.ID, 0, nil
}

// VerifyRequest checks the hub's signature on a delivered webhook and returns
// the decoded envelope. The request body is consumed.
func VerifyRequest(r *http.Request, secret string) (*v1.Envelope, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if !signature.Verify(body, secret, r.Header.Get(constraints.HeaderSignature)) {
		return nil, ErrBadSignature
	}
	var env v1.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

var ErrBadSignature = errors.New("integrahub: invalid webhook signature")
