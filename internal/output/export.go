package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/chakload/chakload/internal/loadtest/metrics"
)

// Format represents the available output formats
type Format string

const (
	// FormatText is the default human-readable text format
	FormatText Format = "text"
	// FormatJSON outputs in JSON format
	FormatJSON Format = "json"
	// FormatYAML outputs in YAML format
	FormatYAML Format = "yaml"
)

// ParseFormat converts a name into a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
	}
}

// ResultsDocument is the exported form of TestResults. Times are in
// milliseconds and durations in seconds so the document reads without
// knowing Go's duration encoding.
type ResultsDocument struct {
	RunID              string         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	TotalRequests      int            `json:"total_requests" yaml:"total_requests"`
	SuccessfulRequests int            `json:"successful_requests" yaml:"successful_requests"`
	FailedRequests     int            `json:"failed_requests" yaml:"failed_requests"`
	RequestsPerSecond  float64        `json:"requests_per_second" yaml:"requests_per_second"`
	AvgResponseTime    float64        `json:"avg_response_time_ms" yaml:"avg_response_time_ms"`
	MedianResponseTime float64        `json:"median_response_time_ms" yaml:"median_response_time_ms"`
	MinResponseTime    float64        `json:"min_response_time_ms" yaml:"min_response_time_ms"`
	MaxResponseTime    float64        `json:"max_response_time_ms" yaml:"max_response_time_ms"`
	P95ResponseTime    float64        `json:"p95_response_time_ms" yaml:"p95_response_time_ms"`
	P99ResponseTime    float64        `json:"p99_response_time_ms" yaml:"p99_response_time_ms"`
	ErrorRate          float64        `json:"error_rate" yaml:"error_rate"`
	Errors             map[string]int `json:"errors" yaml:"errors"`
	DataSentMB         float64        `json:"data_sent_mb" yaml:"data_sent_mb"`
	DataReceivedMB     float64        `json:"data_received_mb" yaml:"data_received_mb"`
	Duration           float64        `json:"duration_seconds" yaml:"duration_seconds"`
	Elapsed            float64        `json:"elapsed_seconds" yaml:"elapsed_seconds"`
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// NewResultsDocument converts results into their exported form.
func NewResultsDocument(r *metrics.TestResults) ResultsDocument {
	errs := r.Errors
	if errs == nil {
		errs = map[string]int{}
	}
	return ResultsDocument{
		RunID:              r.RunID,
		TotalRequests:      r.TotalRequests,
		SuccessfulRequests: r.SuccessfulRequests,
		FailedRequests:     r.FailedRequests,
		RequestsPerSecond:  r.RequestsPerSecond,
		AvgResponseTime:    millis(r.AvgResponseTime),
		MedianResponseTime: millis(r.MedianResponseTime),
		MinResponseTime:    millis(r.MinResponseTime),
		MaxResponseTime:    millis(r.MaxResponseTime),
		P95ResponseTime:    millis(r.P95ResponseTime),
		P99ResponseTime:    millis(r.P99ResponseTime),
		ErrorRate:          r.ErrorRate,
		Errors:             errs,
		DataSentMB:         r.DataSentMB,
		DataReceivedMB:     r.DataReceivedMB,
		Duration:           r.Duration.Seconds(),
		Elapsed:            r.Elapsed.Seconds(),
	}
}

// Export writes r to w in the given machine-readable format.
func Export(w io.Writer, r *metrics.TestResults, format Format) error {
	doc := NewResultsDocument(r)

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(doc), "encode results as json")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return errors.Wrap(err, "encode results as yaml")
		}
		return errors.Wrap(enc.Close(), "encode results as yaml")
	default:
		return fmt.Errorf("format %q cannot be exported", format)
	}
}
