// Package metrics holds the per-request outcome records of a load test run,
// the thread-safe collection they are appended to, and the aggregation of
// that collection into summary statistics.
package metrics

import (
	"sync"
	"time"
)

// OutcomeRecord is the result of a single request attempt.
//
// A StatusCode of 0 means the attempt never got an HTTP response; in that
// case ResponseTime and Size are zero and Error describes the failure.
type OutcomeRecord struct {
	Timestamp    time.Time     `json:"timestamp" yaml:"timestamp"`
	ResponseTime time.Duration `json:"responseTime" yaml:"responseTime"`
	StatusCode   int           `json:"statusCode" yaml:"statusCode"`
	Size         int64         `json:"size" yaml:"size"`
	Error        string        `json:"error,omitempty" yaml:"error,omitempty"`
	Category     string        `json:"category,omitempty" yaml:"category,omitempty"`
	UserID       int           `json:"userId" yaml:"userId"`
}

// Outcome is the coarse classification of a record.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeError   Outcome = "error"
)

// IsSuccess reports whether the record carries a non-error response below 400.
func (r OutcomeRecord) IsSuccess() bool {
	return r.StatusCode > 0 && r.StatusCode < 400 && r.Error == ""
}

// IsFailed reports whether the server answered with a status of 400 or more.
func (r OutcomeRecord) IsFailed() bool {
	return r.StatusCode >= 400
}

// HasError reports whether an error description is attached.
func (r OutcomeRecord) HasError() bool {
	return r.Error != ""
}

// Outcome classifies the record, preferring the error path over the status path.
func (r OutcomeRecord) Outcome() Outcome {
	switch {
	case r.HasError():
		return OutcomeError
	case r.IsFailed():
		return OutcomeFailed
	case r.IsSuccess():
		return OutcomeSuccess
	default:
		return OutcomeError
	}
}

// Collector is the append-only record collection shared by all virtual
// users of a run.
//
// Once sealed, further appends are dropped. This is how results of
// stragglers that outlive the join grace period are discarded.
type Collector struct {
	mu      sync.Mutex
	records []OutcomeRecord
	sealed  bool
	dropped int
}

// NewCollector creates an empty collector.
func NewCollector(capacityHint int) *Collector {
	if capacityHint < 0 {
		capacityHint = 0
	}
	return &Collector{records: make([]OutcomeRecord, 0, capacityHint)}
}

// Append adds a record. It returns false if the collector was already sealed.
func (c *Collector) Append(r OutcomeRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		c.dropped++
		return false
	}
	c.records = append(c.records, r)
	return true
}

// Len returns the number of records collected so far.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Dropped returns the number of appends rejected after sealing.
func (c *Collector) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Seal stops accepting records and returns the collected set.
// Calling Seal again returns the same records.
func (c *Collector) Seal() []OutcomeRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sealed = true
	return c.records
}
