package loadtest

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// testSettings returns settings with short timeouts and no retries.
func testSettings() Settings {
	s := DefaultSettings()
	s.RequestTimeout = 2 * time.Second
	s.RetryMax = 0
	s.RetryBackoff = time.Millisecond
	s.RetryMaxBackoff = 5 * time.Millisecond
	s.JoinGrace = 2 * time.Second
	s.FinalizeGrace = time.Second
	return s
}

func webSiteConfig(url string, users int, duration time.Duration) *TestConfig {
	return &TestConfig{
		TargetURL: url,
		Users:     users,
		Duration:  duration,
		TestType:  TestTypeWebSite,
	}
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}
}

// fakeSession serves requests from a function and records call times.
type fakeSession struct {
	do       func(req *http.Request) (*http.Response, error)
	closeErr error

	calls  atomic.Int32
	closed atomic.Bool

	mu    sync.Mutex
	times []time.Time
}

func newFakeSession(do func(req *http.Request) (*http.Response, error)) *fakeSession {
	if do == nil {
		do = func(*http.Request) (*http.Response, error) { return okResponse(), nil }
	}
	return &fakeSession{do: do}
}

func (f *fakeSession) Do(req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.times = append(f.times, time.Now())
	f.mu.Unlock()
	return f.do(req)
}

func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return f.closeErr
}

func (f *fakeSession) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times...)
}

// fakeFactory hands out fakeSessions and keeps them for inspection.
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	do       func(req *http.Request) (*http.Response, error)
	closeErr error
	failAt   int
}

func (f *fakeFactory) New(userID int) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && userID == f.failAt {
		return nil, io.ErrClosedPipe
	}
	s := newFakeSession(f.do)
	s.closeErr = f.closeErr
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) all() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions...)
}
