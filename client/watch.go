package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	v1 "integrahub/pkg/api/v1"
	"integrahub/pkg/constraints"
	"integrahub/pkg/logger"

	"go.uber.org/zap"
)

// FeedWatcher follows the admin delivery feed, reconnecting with the last
// seen sequence so no notice is lost across short disconnects.
type FeedWatcher struct {
	addr       string
	adminKey   string
	systems    []string
	httpClient *http.Client

	// OnNotice receives every delivery notice in sequence order.
	OnNotice func(v1.DeliveryNotice)
	// OnReset is called when the hub no longer holds the missed notices.
	OnReset func()

	lastSeq atomic.Int64
}

func NewFeedWatcher(addr, adminKey string, systems []string) *FeedWatcher {
	return &FeedWatcher{
		addr:       addr,
		adminKey:   adminKey,
		systems:    systems,
		httpClient: &http.Client{Timeout: 0},
	}
}

func (w *FeedWatcher) LastSeq() int64 {
	return w.lastSeq.Load()
}

// Run blocks until ctx is done.
func (w *FeedWatcher) Run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.stream(ctx); err != nil && ctx.Err() == nil {
			jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
			logger.Warn("feed disconnected", zap.Error(err), zap.Int64("last_seq", w.lastSeq.Load()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff + jitter):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (w *FeedWatcher) stream(ctx context.Context) error {
	q := url.Values{}
	q.Set("last_seq", fmt.Sprint(w.lastSeq.Load()))
	if len(w.systems) > 0 {
		q.Set("systems", strings.Join(w.systems, ","))
	}

	reqCtx, reqCancel := context.WithCancel(ctx)
	defer reqCancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, w.addr+"/v1/admin/stream?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set(constraints.HeaderAdminKey, w.adminKey)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: "feed rejected"}
	}

	// heartbeats arrive well within this window
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().Unix())
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				if time.Now().Unix()-lastActivity.Load() > 45 {
					logger.Warn("feed heartbeat timeout, reconnecting")
					reqCancel()
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	var data bytes.Buffer

	for scanner.Scan() {
		lastActivity.Store(time.Now().Unix())
		line := scanner.Text()
		if line != "" {
			switch {
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteString("\n")
				}
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
			continue
		}

		switch eventType {
		case "reset":
			logger.Warn("feed gap too large, resetting", zap.Int64("last_seq", w.lastSeq.Load()))
			w.lastSeq.Store(0)
			if w.OnReset != nil {
				w.OnReset()
			}
		case "message":
			var n v1.DeliveryNotice
			if err := json.Unmarshal(data.Bytes(), &n); err != nil {
				logger.Error("failed to decode delivery notice", zap.Error(err))
			} else {
				w.handle(n)
			}
		}
		eventType = ""
		data.Reset()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("feed closed by server")
}

func (w *FeedWatcher) handle(n v1.DeliveryNotice) {
	if n.Seq <= w.lastSeq.Load() {
		return
	}
	w.lastSeq.Store(n.Seq)
	if w.OnNotice != nil {
		w.OnNotice(n)
	}
}
