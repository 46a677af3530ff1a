// Package metrics keeps in-process counters for the gateway. The snapshot is
// exposed as JSON on /metrics.
package metrics

import (
	"sync"
	"time"
)

type Collector struct {
	mu        sync.Mutex
	startTime time.Time

	requestsTotal   int64
	requestsOK      int64
	requestsFailed  int64
	byEndpoint      map[string]int64
	sessionsCreated int64
	sessionsEnded   int64
	byProfile       map[string]int64
	errorsByType    map[string]int64

	provisionCount int64
	provisionAvgMs float64
}

func NewCollector() *Collector {
	return &Collector{
		startTime:    time.Now(),
		byEndpoint:   make(map[string]int64),
		byProfile:    make(map[string]int64),
		errorsByType: make(map[string]int64),
	}
}

func (c *Collector) IncRequest(endpoint string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestsTotal++
	if ok {
		c.requestsOK++
	} else {
		c.requestsFailed++
	}
	c.byEndpoint[endpoint]++
}

func (c *Collector) SessionCreated(profile string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsCreated++
	c.byProfile[profile]++
}

func (c *Collector) SessionEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionsEnded++
}

func (c *Collector) RecordProvisionTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provisionCount++
	ms := float64(d.Milliseconds())
	c.provisionAvgMs += (ms - c.provisionAvgMs) / float64(c.provisionCount)
}

func (c *Collector) RecordError(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorsByType[kind]++
}

// Snapshot is a point-in-time copy of all counters, shaped for the /metrics
// endpoint.
type Snapshot struct {
	UptimeSeconds  int64            `json:"uptime_seconds"`
	Requests       RequestStats     `json:"requests"`
	Sessions       SessionStats     `json:"sessions"`
	ProvisionAvgMs float64          `json:"avg_provision_ms"`
	Errors         map[string]int64 `json:"errors_by_type"`
}

type RequestStats struct {
	Total      int64            `json:"total"`
	Successful int64            `json:"successful"`
	Failed     int64            `json:"failed"`
	ByEndpoint map[string]int64 `json:"by_endpoint"`
}

type SessionStats struct {
	Created   int64            `json:"created"`
	Ended     int64            `json:"ended"`
	ByProfile map[string]int64 `json:"by_profile"`
}

func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	copyMap := func(m map[string]int64) map[string]int64 {
		out := make(map[string]int64, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}

	return Snapshot{
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
		Requests: RequestStats{
			Total:      c.requestsTotal,
			Successful: c.requestsOK,
			Failed:     c.requestsFailed,
			ByEndpoint: copyMap(c.byEndpoint),
		},
		Sessions: SessionStats{
			Created:   c.sessionsCreated,
			Ended:     c.sessionsEnded,
			ByProfile: copyMap(c.byProfile),
		},
		ProvisionAvgMs: c.provisionAvgMs,
		Errors:         copyMap(c.errorsByType),
	}
}
