package loadtest

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chakload/chakload/internal/logging"
)

func retrySettings() Settings {
	s := testSettings()
	s.RetryMax = 3
	s.RetryBackoff = time.Millisecond
	s.RetryMaxBackoff = 5 * time.Millisecond
	return s
}

func flakyServer(t *testing.T, failures int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if hits.Add(1) <= failures {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func doRequest(t *testing.T, settings Settings, method, url string, body []byte) *http.Response {
	t.Helper()
	session, err := NewHTTPSessionFactory(settings, logging.Discard())(0)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	require.NoError(t, err)

	resp, err := session.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRetryTransport_RetriesIdempotentOnRetryableStatus(t *testing.T) {
	for _, status := range []int{429, 500, 502, 503, 504} {
		server, hits := flakyServer(t, 2, status)

		resp := doRequest(t, retrySettings(), http.MethodGet, server.URL, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "status %d", status)
		assert.Equal(t, int32(3), hits.Load(), "status %d", status)
	}
}

func TestRetryTransport_ReturnsLastResponseWhenRetriesExhausted(t *testing.T) {
	server, hits := flakyServer(t, 100, http.StatusServiceUnavailable)

	resp := doRequest(t, retrySettings(), http.MethodGet, server.URL, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(4), hits.Load())
}

func TestRetryTransport_DoesNotRetryPostOnStatus(t *testing.T) {
	server, hits := flakyServer(t, 1, http.StatusServiceUnavailable)

	resp := doRequest(t, retrySettings(), http.MethodPost, server.URL, []byte(`{"a":1}`))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetryTransport_ReplaysBody(t *testing.T) {
	server, hits := flakyServer(t, 1, http.StatusBadGateway)

	resp := doRequest(t, retrySettings(), http.MethodPut, server.URL, []byte(`{"a":1}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())

	echoed, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(echoed))
}

func TestRetryTransport_NoRetryOnClientError(t *testing.T) {
	server, hits := flakyServer(t, 1, http.StatusBadRequest)

	resp := doRequest(t, retrySettings(), http.MethodGet, server.URL, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRetryTransport_RetriesRefusedConnection(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	session, err := NewHTTPSessionFactory(retrySettings(), logging.Discard())(0)
	require.NoError(t, err)
	defer session.Close()

	var attempts atomic.Int32
	rt := session.(*httpSession).client.Transport.(*retryTransport)
	next := rt.next
	rt.next = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		attempts.Add(1)
		return next.RoundTrip(req)
	})

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte("{}")))
	require.NoError(t, err)

	_, err = session.Do(req)
	require.Error(t, err)
	assert.Equal(t, int32(4), attempts.Load())
	assert.Equal(t, CategoryConnectionRefused, classifyError(err))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestRetryableError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	reset := &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}

	assert.True(t, retryableError(refused, false))
	assert.True(t, retryableError(refused, true))
	assert.True(t, retryableError(reset, true))
	assert.False(t, retryableError(reset, false))
	assert.False(t, retryableError(io.EOF, true))
}

func TestRewind(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "http://localhost", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	_, _ = io.ReadAll(req.Body)

	again, err := rewind(req)
	require.NoError(t, err)
	body, err := io.ReadAll(again.Body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	req.GetBody = nil
	_, err = rewind(req)
	assert.Error(t, err)

	get, err := http.NewRequest(http.MethodGet, "http://localhost", nil)
	require.NoError(t, err)
	same, err := rewind(get)
	require.NoError(t, err)
	assert.Same(t, get, same)
}

func TestHTTPSession_CloseNeverFails(t *testing.T) {
	factory := NewHTTPSessionFactory(DefaultSettings(), logging.Discard())
	a, err := factory(0)
	require.NoError(t, err)
	b, err := factory(1)
	require.NoError(t, err)

	assert.NotSame(t, a.(*httpSession).transport, b.(*httpSession).transport)
	assert.NoError(t, a.Close())
	assert.NoError(t, b.Close())
}
