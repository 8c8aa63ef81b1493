// Command loadtest drives the ingestion API with a ramping number of
// concurrent clients mixing post creation with likes and unlikes, then
// prints per-endpoint throughput, status codes and latency percentiles.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:8081 -concurrency 200 -ramp 1m -duration 5m
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/gateway/middleware"
	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/ingestion"
)

const (
	endpointPost   = "POST /api/v1/posts"
	endpointLike   = "POST /api/v1/posts/{id}/like"
	endpointUnlike = "POST /api/v1/posts/{id}/unlike"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Ramp        time.Duration
	Duration    time.Duration
	Actors      int
	Posts       int
	LikeRatio   float64
	Think       time.Duration
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "url", "http://localhost:8081", "base URL of the ingestion service")
	flag.IntVar(&cfg.Concurrency, "concurrency", 50, "peak number of concurrent clients")
	flag.DurationVar(&cfg.Ramp, "ramp", 10*time.Second, "time to ramp from 0 to peak clients")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "total test duration")
	flag.IntVar(&cfg.Actors, "actors", 100, "number of distinct user IDs to send as")
	flag.IntVar(&cfg.Posts, "posts", 1000, "number of distinct post IDs to like and unlike")
	flag.Float64Var(&cfg.LikeRatio, "likes", 0.5, "fraction of requests that are likes/unlikes instead of new posts")
	flag.DurationVar(&cfg.Think, "think", 0, "pause between requests of one client")
	flag.Parse()
	cfg.Actors = max(cfg.Actors, 1)
	cfg.Posts = max(cfg.Posts, 1)

	fmt.Printf("target %s, %d clients (ramp %s) for %s, %d actors, like ratio %.2f\n",
		cfg.BaseURL, cfg.Concurrency, cfg.Ramp, cfg.Duration, cfg.Actors, cfg.LikeRatio)

	start := time.Now()
	stats := runLoadTest(cfg)
	fmt.Println()
	if !stats.Report(os.Stdout, time.Since(start)) {
		os.Exit(1)
	}
}

func runLoadTest(cfg Config) *Stats {
	stats := NewStats()
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for w := range cfg.Concurrency {
		wg.Go(func() {
			if !sleep(ctx, rampDelay(w, cfg.Concurrency, cfg.Ramp)) {
				return
			}
			rng := rand.New(rand.NewPCG(uint64(w), uint64(time.Now().UnixNano())))
			for ctx.Err() == nil {
				endpoint, req := nextRequest(ctx, cfg, rng)
				began := time.Now()
				resp, err := client.Do(req)
				elapsed := time.Since(began)
				switch {
				case err != nil && ctx.Err() != nil:
					return
				case err != nil:
					stats.Record(endpoint, elapsed, 0, err)
				default:
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
					stats.Record(endpoint, elapsed, resp.StatusCode, nil)
				}
				sleep(ctx, cfg.Think)
			}
		})
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				requests, accepted := stats.Totals()
				fmt.Printf("  %d requests, %d accepted\n", requests, accepted)
			}
		}
	}()

	wg.Wait()
	return stats
}

// sleep waits d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// rampDelay spreads client start times evenly across the ramp.
func rampDelay(worker, total int, ramp time.Duration) time.Duration {
	if total <= 1 || ramp <= 0 {
		return 0
	}
	return time.Duration(int64(ramp) * int64(worker) / int64(total))
}

func nextRequest(ctx context.Context, cfg Config, rng *rand.Rand) (string, *http.Request) {
	var (
		endpoint = endpointPost
		req      *http.Request
	)
	if rng.Float64() < cfg.LikeRatio {
		action := "like"
		endpoint = endpointLike
		if rng.IntN(2) == 0 {
			action, endpoint = "unlike", endpointUnlike
		}
		url := fmt.Sprintf("%s/api/v1/posts/loadtest-post-%d/%s", cfg.BaseURL, rng.IntN(cfg.Posts), action)
		req = mustNewRequest(ctx, url, nil)
	} else {
		body, _ := json.Marshal(ingestion.CreatePostRequest{
			Content: "load test post " + strconv.FormatUint(rng.Uint64(), 36),
		})
		req = mustNewRequest(ctx, cfg.BaseURL+"/api/v1/posts", body)
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.ActorHeader, actor(rng, cfg.Actors))
	return endpoint, req
}

func actor(rng *rand.Rand, n int) string {
	return "loadtest-user-" + strconv.Itoa(rng.IntN(n))
}

func mustNewRequest(ctx context.Context, rawURL string, body []byte) *http.Request {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}
	return req
}
