package loadtest

import (
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Session is one virtual user's connection state. Sessions are never shared
// between users and need no locking.
type Session interface {
	Do(req *http.Request) (*http.Response, error)
	Close() error
}

// SessionFactory creates the session for a user. It is called once per user
// before any request is sent.
type SessionFactory func(userID int) (Session, error)

// retryStatuses are the statuses that trigger a retry of an idempotent request.
var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

type httpSession struct {
	client    *http.Client
	transport *http.Transport
}

func (s *httpSession) Do(req *http.Request) (*http.Response, error) {
	return s.client.Do(req)
}

func (s *httpSession) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

// NewHTTPSessionFactory returns a factory creating one HTTP client per user,
// each with its own connection pool and retry policy.
func NewHTTPSessionFactory(settings Settings, logger logrus.FieldLogger) SessionFactory {
	return func(userID int) (Session, error) {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: settings.MaxIdleConnsPerHost,
			IdleConnTimeout:     settings.IdleConnTimeout,
		}
		if settings.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}

		client := &http.Client{
			Transport: &retryTransport{
				next:        transport,
				maxRetries:  settings.RetryMax,
				initial:     settings.RetryBackoff,
				maxInterval: settings.RetryMaxBackoff,
				logger:      logger.WithField("user", userID),
			},
			Timeout: settings.RequestTimeout,
		}

		return &httpSession{client: client, transport: transport}, nil
	}
}

// retryTransport retries a request with exponential backoff.
//
// Connection failures before the request was sent are retried for every
// method. Retryable statuses and failures after the request may have reached
// the server are only retried for idempotent methods. The response to the
// last attempt is returned as-is, so a persistent 503 is still reported as 503.
type retryTransport struct {
	next        http.RoundTripper
	maxRetries  int
	initial     time.Duration
	maxInterval time.Duration
	logger      logrus.FieldLogger
}

func (t *retryTransport) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.initial
	eb.MaxInterval = t.maxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.maxRetries <= 0 {
		return t.next.RoundTrip(req)
	}

	idempotent := idempotentMethods[req.Method]
	policy := backoff.WithContext(backoff.WithMaxRetries(t.newBackOff(), uint64(t.maxRetries)), req.Context())

	var (
		resp    *http.Response
		attempt int
	)

	operation := func() error {
		attemptReq := req
		if attempt > 0 {
			rewound, err := rewind(req)
			if err != nil {
				return backoff.Permanent(err)
			}
			attemptReq = rewound
		}
		attempt++
		last := attempt > t.maxRetries

		r, err := t.next.RoundTrip(attemptReq)
		if err != nil {
			if last || !retryableError(err, idempotent) {
				return backoff.Permanent(err)
			}
			t.logger.WithError(err).WithField("attempt", attempt).Debug("retrying request")
			return err
		}

		if !last && idempotent && retryStatuses[r.StatusCode] {
			_, _ = io.Copy(io.Discard, r.Body)
			r.Body.Close()
			t.logger.WithField("status", r.StatusCode).WithField("attempt", attempt).Debug("retrying request")
			return fmt.Errorf("retryable status %d", r.StatusCode)
		}

		resp = r
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

// rewind returns a copy of req with a fresh body for another attempt.
func rewind(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, errors.Wrap(err, "replay request body")
	}
	clone := req.Clone(req.Context())
	clone.Body = body
	return clone, nil
}

// retryableError reports whether a transport error is worth another attempt.
// A refused connection never reached the server; a reset one may have.
func retryableError(err error, idempotent bool) bool {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return true
	case errors.Is(err, syscall.ECONNRESET):
		return idempotent
	default:
		return false
	}
}
