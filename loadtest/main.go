package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	v1 "integrahub/pkg/api/v1"
	"integrahub/pkg/constraints"

	"golang.org/x/time/rate"
)

var (
	targetURL = flag.String("url", "http://localhost:8080/v1/events", "Publish endpoint")
	apiKeys   = flag.String("keys", "loadtest-key", "Comma separated producer API keys, one per VU round-robin")
	totalVUs  = flag.Int("c", 50, "Concurrent publishers")
	perVU     = flag.Float64("rps", 2, "Requests per second per publisher")
	duration  = flag.Duration("d", time.Minute, "Test duration")
	rampUp    = flag.Duration("ramp", 5*time.Second, "Ramp up duration")
	eventType = flag.String("type", "loadtest.ping", "Event type to publish")
)

var (
	accepted    int64
	rateLimited int64
	rejected    int64
	netErrors   int64
	latencySum  int64 // microseconds
	latencyCnt  int64
)

func main() {
	flag.Parse()
	keys := splitKeys(*apiKeys)

	fmt.Printf("🚀 Starting Load Test\n")
	fmt.Printf("   Target: %s\n", *targetURL)
	fmt.Printf("   VUs: %d x %.1f rps for %v\n", *totalVUs, *perVU, *duration)

	http.DefaultTransport.(*http.Transport).MaxIdleConns = *totalVUs
	http.DefaultTransport.(*http.Transport).MaxIdleConnsPerHost = *totalVUs

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go report(ctx)

	var wg sync.WaitGroup
	interval := *rampUp / time.Duration(max(*totalVUs, 1))
	for i := 0; i < *totalVUs; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runPublisher(ctx, id, keys[id%len(keys)])
		}(i)
		time.Sleep(interval)
	}

	fmt.Println("✅ All VUs launched. Waiting...")
	wg.Wait()
	fmt.Printf("done: accepted=%d rate_limited=%d rejected=%d errors=%d\n",
		atomic.LoadInt64(&accepted), atomic.LoadInt64(&rateLimited),
		atomic.LoadInt64(&rejected), atomic.LoadInt64(&netErrors))
}

func report(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastOK, last429 int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok := atomic.LoadInt64(&accepted)
			limited := atomic.LoadInt64(&rateLimited)
			sum := atomic.SwapInt64(&latencySum, 0)
			cnt := atomic.SwapInt64(&latencyCnt, 0)

			avg := float64(0)
			if cnt > 0 {
				avg = float64(sum) / float64(cnt) / 1000
			}
			fmt.Printf("[%s] Accepted/s: %d | 429/s: %d | Rejected: %d | Errors: %d | Avg Latency: %.2f ms\n",
				time.Now().Format("15:04:05"), ok-lastOK, limited-last429,
				atomic.LoadInt64(&rejected), atomic.LoadInt64(&netErrors), avg)
			lastOK, last429 = ok, limited
		}
	}
}

func runPublisher(ctx context.Context, id int, key string) {
	limiter := rate.NewLimiter(rate.Limit(*perVU), 1)
	client := &http.Client{Timeout: 10 * time.Second}

	for seq := 0; ; seq++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		payload, _ := json.Marshal(map[string]any{"vu": id, "seq": seq, "sent_at": time.Now().UnixMilli()})
		body, _ := json.Marshal(v1.PublishRequest{
			EventType:    *eventType,
			SourceSystem: "loadtest",
			Payload:      payload,
		})

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(constraints.HeaderAPIKey, key)

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if atomic.AddInt64(&netErrors, 1) == 1 {
				fmt.Printf("Error publishing: %v\n", err)
			}
			continue
		}
		resp.Body.Close()
		atomic.AddInt64(&latencySum, time.Since(start).Microseconds())
		atomic.AddInt64(&latencyCnt, 1)

		switch {
		case resp.StatusCode == http.StatusAccepted:
			atomic.AddInt64(&accepted, 1)
		case resp.StatusCode == http.StatusTooManyRequests:
			atomic.AddInt64(&rateLimited, 1)
		default:
			if atomic.AddInt64(&rejected, 1) == 1 {
				fmt.Printf("Unexpected status code: %d\n", resp.StatusCode)
			}
		}
	}
}

func splitKeys(s string) []string {
	var out []string
	for k := range strings.SplitSeq(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}
