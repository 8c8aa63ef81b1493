package main

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/post-ingestion-pipeline/internal/gateway/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentileNearestRank(t *testing.T) {
	var ls []time.Duration
	for i := 1; i <= 100; i++ {
		ls = append(ls, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 50*time.Millisecond, percentile(ls, 50))
	assert.Equal(t, 99*time.Millisecond, percentile(ls, 99))
	assert.Equal(t, 100*time.Millisecond, percentile(ls, 100))
	assert.Equal(t, time.Millisecond, percentile(ls, 0))
	assert.Zero(t, percentile(nil, 50))
}

func TestRecordPerEndpoint(t *testing.T) {
	s := NewStats()
	s.Record(endpointPost, 3*time.Millisecond, http.StatusCreated, nil)
	s.Record(endpointLike, time.Millisecond, http.StatusServiceUnavailable, nil)
	s.Record(endpointLike, 2*time.Millisecond, http.StatusOK, nil)
	s.Record(endpointPost, time.Second, 0, errors.New("dial tcp: refused"))

	requests, accepted := s.Totals()
	assert.EqualValues(t, 4, requests)
	assert.EqualValues(t, 2, accepted)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, s.sortedLatencies(endpointLike))
	assert.Len(t, s.sortedLatencies(""), 3, "transport errors carry no latency")

	all := s.row("")
	assert.EqualValues(t, 1, all.transport)
	assert.EqualValues(t, 1, all.codes[http.StatusServiceUnavailable])

	var out bytes.Buffer
	assert.True(t, s.Report(&out, time.Second))
	assert.Contains(t, out.String(), "all")
}

func TestReportWithoutResponses(t *testing.T) {
	s := NewStats()
	s.Record(endpointPost, time.Second, 0, errors.New("refused"))
	var out bytes.Buffer
	assert.False(t, s.Report(&out, time.Second))
	assert.Contains(t, out.String(), "no request got a response")
}

func TestRampDelay(t *testing.T) {
	assert.Zero(t, rampDelay(0, 10, time.Second))
	assert.Equal(t, 500*time.Millisecond, rampDelay(5, 10, time.Second))
	assert.Zero(t, rampDelay(3, 1, time.Second))
	assert.Zero(t, rampDelay(3, 10, 0))
}

func TestNextRequestCarriesActor(t *testing.T) {
	cfg := Config{BaseURL: "http://ingest", Actors: 3, Posts: 5, LikeRatio: 0.5}
	rng := rand.New(rand.NewPCG(1, 2))
	seen := map[string]bool{}
	for range 200 {
		endpoint, req := nextRequest(context.Background(), cfg, rng)
		require.Equal(t, http.MethodPost, req.Method)
		assert.Regexp(t, `^loadtest-user-[0-2]$`, req.Header.Get(middleware.ActorHeader))
		seen[endpoint] = true
	}
	assert.Len(t, seen, 3)
}
