package main

import (
	"fmt"
	"io"
	"maps"
	"math"
	"net/http"
	"slices"
	"sync"
	"text/tabwriter"
	"time"
)

// Stats aggregates results per endpoint. It is safe for concurrent use.
type Stats struct {
	mu        sync.Mutex
	endpoints map[string]*endpointStats
}

type endpointStats struct {
	requests  int64
	accepted  int64
	transport int64
	codes     map[int]int64
	latencies []time.Duration
}

func NewStats() *Stats {
	return &Stats{endpoints: make(map[string]*endpointStats)}
}

// Record adds one request outcome. A non-nil err means no response arrived
// and code is ignored.
func (s *Stats) Record(endpoint string, d time.Duration, code int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[endpoint]
	if !ok {
		e = &endpointStats{codes: make(map[int]int64)}
		s.endpoints[endpoint] = e
	}
	e.requests++
	if err != nil {
		e.transport++
		return
	}
	e.codes[code]++
	e.latencies = append(e.latencies, d)
	if code >= 200 && code < 300 {
		e.accepted++
	}
}

// Totals sums every endpoint.
func (s *Stats) Totals() (requests, accepted int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.endpoints {
		requests += e.requests
		accepted += e.accepted
	}
	return requests, accepted
}

// sortedLatencies returns an ascending copy of one endpoint's latencies, or
// of all endpoints when endpoint is empty.
func (s *Stats) sortedLatencies(endpoint string) []time.Duration {
	s.mu.Lock()
	var out []time.Duration
	for name, e := range s.endpoints {
		if endpoint == "" || endpoint == name {
			out = append(out, e.latencies...)
		}
	}
	s.mu.Unlock()
	slices.Sort(out)
	return out
}

// Report writes a per-endpoint table and reports whether any request got a
// response.
func (s *Stats) Report(out io.Writer, elapsed time.Duration) bool {
	requests, accepted := s.Totals()
	fmt.Fprintf(out, "requests %d, accepted %d (%.1f%%), %.1f req/s\n\n",
		requests, accepted, pct(accepted, requests), float64(requests)/max(elapsed.Seconds(), 1e-9))

	s.mu.Lock()
	names := slices.Sorted(maps.Keys(s.endpoints))
	s.mu.Unlock()

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "endpoint\treqs\t2xx\t429\t503\tother\tneterr\tmean\tp50\tp95\tp99\tmax\t")
	for _, name := range append(names, "") {
		row := s.row(name)
		label := name
		if label == "" {
			label = "all"
		}
		lat := s.sortedLatencies(name)
		mean, _ := meanStdDev(lat)
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t\n",
			label, row.requests, row.accepted,
			row.codes[http.StatusTooManyRequests], row.codes[http.StatusServiceUnavailable],
			row.requests-row.accepted-row.transport-row.codes[http.StatusTooManyRequests]-row.codes[http.StatusServiceUnavailable],
			row.transport,
			round(mean), round(percentile(lat, 50)), round(percentile(lat, 95)), round(percentile(lat, 99)), round(percentile(lat, 100)),
		)
	}
	tw.Flush()

	if requests-s.row("").transport == 0 {
		fmt.Fprintln(out, "\nno request got a response; is the ingestion service running?")
		return false
	}
	return true
}

// row copies the counters of one endpoint, or their sum for "".
func (s *Stats) row(endpoint string) endpointStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := endpointStats{codes: make(map[int]int64)}
	for name, e := range s.endpoints {
		if endpoint != "" && endpoint != name {
			continue
		}
		sum.requests += e.requests
		sum.accepted += e.accepted
		sum.transport += e.transport
		for code, n := range e.codes {
			sum.codes[code] += n
		}
	}
	return sum
}

func pct(n, of int64) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of) * 100
}

func round(d time.Duration) time.Duration {
	return d.Round(10 * time.Microsecond)
}

func meanStdDev(latencies []time.Duration) (time.Duration, time.Duration) {
	if len(latencies) == 0 {
		return 0, 0
	}
	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	mean := sum / time.Duration(len(latencies))
	var sq float64
	for _, l := range latencies {
		diff := float64(l - mean)
		sq += diff * diff
	}
	return mean, time.Duration(math.Sqrt(sq / float64(len(latencies))))
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}
