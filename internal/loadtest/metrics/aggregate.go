package metrics

import (
	"sort"
	"strconv"
	"time"
)

// minPercentileSamples is the smallest latency sample for which p95/p99 are
// reported. Smaller samples leave them at zero.
const minPercentileSamples = 20

const bytesPerMB = 1024 * 1024

// TestResults is the summary of a completed run.
type TestResults struct {
	RunID string `json:"runId,omitempty" yaml:"runId,omitempty"`

	TotalRequests      int     `json:"totalRequests" yaml:"totalRequests"`
	SuccessfulRequests int     `json:"successfulRequests" yaml:"successfulRequests"`
	FailedRequests     int     `json:"failedRequests" yaml:"failedRequests"`
	RequestsPerSecond  float64 `json:"requestsPerSecond" yaml:"requestsPerSecond"`

	AvgResponseTime    time.Duration `json:"avgResponseTime" yaml:"avgResponseTime"`
	MedianResponseTime time.Duration `json:"medianResponseTime" yaml:"medianResponseTime"`
	MinResponseTime    time.Duration `json:"minResponseTime" yaml:"minResponseTime"`
	MaxResponseTime    time.Duration `json:"maxResponseTime" yaml:"maxResponseTime"`
	P95ResponseTime    time.Duration `json:"p95ResponseTime" yaml:"p95ResponseTime"`
	P99ResponseTime    time.Duration `json:"p99ResponseTime" yaml:"p99ResponseTime"`

	// ErrorRate is a percentage in [0, 100] when records are not double
	// counted; records both failed and carrying an error count twice.
	ErrorRate float64        `json:"errorRate" yaml:"errorRate"`
	Errors    map[string]int `json:"errors" yaml:"errors"`

	DataSentMB     float64 `json:"dataSentMb" yaml:"dataSentMb"`
	DataReceivedMB float64 `json:"dataReceivedMb" yaml:"dataReceivedMb"`

	Duration time.Duration `json:"duration" yaml:"duration"`
	Elapsed  time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Aggregate computes summary statistics over a completed record set.
//
// elapsed is the measured wall-clock length of the run and is the only
// denominator used for throughput. configured is copied to the result as-is.
// records is not modified.
func Aggregate(records []OutcomeRecord, elapsed, configured time.Duration) TestResults {
	results := TestResults{
		Errors:   make(map[string]int),
		Duration: configured,
		Elapsed:  elapsed,
	}

	total := len(records)
	if total == 0 {
		return results
	}
	results.TotalRequests = total

	var (
		withError int
		totalSize int64
		times     = make([]time.Duration, 0, total)
	)

	for _, r := range records {
		if r.IsSuccess() {
			results.SuccessfulRequests++
		}
		if r.IsFailed() {
			results.FailedRequests++
		}
		if r.HasError() {
			withError++
		}
		if r.ResponseTime > 0 {
			times = append(times, r.ResponseTime)
		}
		totalSize += r.Size

		if label, ok := errorLabel(r); ok {
			results.Errors[label]++
		}
	}

	results.ErrorRate = float64(results.FailedRequests+withError) / float64(total) * 100

	if secs := elapsed.Seconds(); secs > 0 {
		results.RequestsPerSecond = float64(total) / secs
	}

	results.DataSentMB = 0
	results.DataReceivedMB = float64(totalSize) / bytesPerMB

	applyLatency(&results, times)
	return results
}

// applyLatency fills the response time fields. times is sorted in place.
func applyLatency(results *TestResults, times []time.Duration) {
	n := len(times)
	if n == 0 {
		return
	}

	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	var sum time.Duration
	for _, t := range times {
		sum += t
	}
	results.AvgResponseTime = sum / time.Duration(n)
	results.MedianResponseTime = times[n/2]
	results.MinResponseTime = times[0]
	results.MaxResponseTime = times[n-1]

	if n >= minPercentileSamples {
		results.P95ResponseTime = Percentile(times, 0.95)
		results.P99ResponseTime = Percentile(times, 0.99)
	}
}

// Percentile returns sorted[floor(p*n)], or zero when that index is out of
// range. sorted must be in ascending order.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(p * float64(len(sorted)))
	if idx < 0 || idx >= len(sorted) {
		return 0
	}
	return sorted[idx]
}

// errorLabel returns the category a record is counted under. Each record is
// counted at most once and the error path wins over the status path.
func errorLabel(r OutcomeRecord) (string, bool) {
	if r.HasError() {
		if r.Category != "" {
			return r.Category, true
		}
		return r.Error, true
	}
	if r.IsFailed() {
		return strconv.Itoa(r.StatusCode), true
	}
	return "", false
}
