// Package metrics tracks counters for the credit daemon and renders them in
// the Prometheus text exposition format. Manual tracking keeps the daemon
// free of a metrics client dependency; the output is scrape-compatible.
package metrics

import (
	"sync"
)

// Collector accumulates credit system counters.
type Collector struct {
	mu sync.RWMutex

	// HTTP metrics by route pattern
	requests map[string]int64
	errors   map[string]int64

	// Domain counters
	deductions            int64
	totalPromptTokens     int64
	totalCompletionTokens int64
	tokensByModel         map[string]int64
	resetsCompleted       int64
	resetsFailed          int64
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		requests:      map[string]int64{},
		errors:        map[string]int64{},
		tokensByModel: map[string]int64{},
	}
}

// RecordRequest counts one HTTP request against a route pattern; statuses of
// 500 and above count as errors.
func (c *Collector) RecordRequest(route string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests[route]++
	if status >= 500 {
		c.errors[route]++
	}
}

// RecordDeduction counts one priced usage event.
func (c *Collector) RecordDeduction(modelID string, promptTokens, completionTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deductions++
	c.totalPromptTokens += promptTokens
	c.totalCompletionTokens += completionTokens
	c.tokensByModel[modelID] += promptTokens + completionTokens
}

// RecordReset counts one finished reset run.
func (c *Collector) RecordReset(succeeded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if succeeded {
		c.resetsCompleted++
	} else {
		c.resetsFailed++
	}
}

// snapshot copies the counters out under the read lock.
type snapshot struct {
	requests              map[string]int64
	errors                map[string]int64
	deductions            int64
	totalPromptTokens     int64
	totalCompletionTokens int64
	tokensByModel         map[string]int64
	resetsCompleted       int64
	resetsFailed          int64
}

func (c *Collector) snapshot() snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := snapshot{
		requests:              make(map[string]int64, len(c.requests)),
		errors:                make(map[string]int64, len(c.errors)),
		tokensByModel:         make(map[string]int64, len(c.tokensByModel)),
		deductions:            c.deductions,
		totalPromptTokens:     c.totalPromptTokens,
		totalCompletionTokens: c.totalCompletionTokens,
		resetsCompleted:       c.resetsCompleted,
		resetsFailed:          c.resetsFailed,
	}
	for k, v := range c.requests {
		s.requests[k] = v
	}
	for k, v := range c.errors {
		s.errors[k] = v
	}
	for k, v := range c.tokensByModel {
		s.tokensByModel[k] = v
	}
	return s
}
