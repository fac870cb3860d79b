package loadtest

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/chakload/chakload/internal/loadtest/metrics"
)

// Error categories attached to transport failures.
const (
	CategoryTimeout           = "timeout"
	CategoryCanceled          = "canceled"
	CategoryConnectionRefused = "connection_refused"
	CategoryConnectionReset   = "connection_reset"
	CategoryDNS               = "dns_error"
	CategoryTLS               = "tls_error"
	CategoryEOF               = "eof"
	CategoryRequest           = "request_error"
	CategoryTransport         = "transport_error"
)

const userAgent = "chakload/1.0"

// requestBuilder creates the HTTP request for one attempt.
type requestBuilder func(ctx context.Context, e *RequestExecutor) (*http.Request, error)

var requestBuilders = map[TestType]requestBuilder{
	TestTypeWebSite:         buildGet,
	TestTypeOther:           buildGet,
	TestTypeAPIEndpoint:     buildAPIRequest,
	TestTypeTelegramWebhook: buildWebhookRequest,
}

// RequestExecutor performs one timed HTTP call per Execute, shaped by the
// test type of its configuration. It is safe for concurrent use.
type RequestExecutor struct {
	cfg     *TestConfig
	build   requestBuilder
	method  string
	payload []byte
	headers map[string]string
	message string
}

// NewRequestExecutor prepares an executor for cfg. Method, payload and
// headers are resolved once here instead of on every request.
func NewRequestExecutor(cfg *TestConfig) (*RequestExecutor, error) {
	build, ok := requestBuilders[cfg.TestType]
	if !ok {
		return nil, &ValidationError{Field: "testType", Message: "unknown test type: " + string(cfg.TestType)}
	}

	e := &RequestExecutor{
		cfg:     cfg,
		build:   build,
		method:  cfg.Method(),
		headers: cfg.Headers(),
		message: cfg.Message(),
	}

	if cfg.TestType == TestTypeAPIEndpoint && (e.method == http.MethodPost || e.method == http.MethodPut) {
		payload, err := cfg.Payload()
		if err != nil {
			return nil, err
		}
		e.payload = payload
	}

	return e, nil
}

// Execute sends one request through session and describes the outcome.
// Failures are reported in the record, never returned.
func (e *RequestExecutor) Execute(ctx context.Context, session Session, userID int) metrics.OutcomeRecord {
	start := time.Now()

	req, err := e.build(ctx, e)
	if err != nil {
		return failure(userID, errors.Wrap(err, "build request"), CategoryRequest)
	}

	resp, err := session.Do(req)
	if err != nil {
		return failure(userID, err, classifyError(err))
	}
	defer resp.Body.Close()

	size, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return failure(userID, errors.Wrap(err, "read response body"), classifyError(err))
	}
	end := time.Now()

	return metrics.OutcomeRecord{
		Timestamp:    end,
		ResponseTime: end.Sub(start),
		StatusCode:   resp.StatusCode,
		Size:         size,
		UserID:       userID,
	}
}

func failure(userID int, err error, category string) metrics.OutcomeRecord {
	return metrics.OutcomeRecord{
		Timestamp: time.Now(),
		Error:     err.Error(),
		Category:  category,
		UserID:    userID,
	}
}

func (e *RequestExecutor) newRequest(ctx context.Context, method string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.cfg.TargetURL, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func buildGet(ctx context.Context, e *RequestExecutor) (*http.Request, error) {
	return e.newRequest(ctx, http.MethodGet, nil)
}

func buildAPIRequest(ctx context.Context, e *RequestExecutor) (*http.Request, error) {
	return e.newRequest(ctx, e.method, e.payload)
}

func buildWebhookRequest(ctx context.Context, e *RequestExecutor) (*http.Request, error) {
	body, err := json.Marshal(NewWebhookUpdate(e.message, time.Now()))
	if err != nil {
		return nil, errors.Wrap(err, "encode webhook update")
	}
	return e.newRequest(ctx, http.MethodPost, body)
}

// classifyError maps a transport error onto a short category label.
func classifyError(err error) string {
	var (
		dnsErr     *net.DNSError
		netErr     net.Error
		certErr    *tls.CertificateVerificationError
		recordErr  tls.RecordHeaderError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		invalidErr x509.CertificateInvalidError
	)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.As(err, &dnsErr):
		return CategoryDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return CategoryConnectionRefused
	case errors.Is(err, syscall.ECONNRESET):
		return CategoryConnectionReset
	case errors.As(err, &certErr), errors.As(err, &recordErr), errors.As(err, &unknownCA),
		errors.As(err, &hostErr), errors.As(err, &invalidErr):
		return CategoryTLS
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return CategoryEOF
	case errors.As(err, &netErr) && netErr.Timeout():
		return CategoryTimeout
	default:
		return CategoryTransport
	}
}
