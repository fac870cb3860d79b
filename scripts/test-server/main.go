// Command test-server is a local target for chakload runs. It answers with
// fixed statuses, configurable delays, random failures and a webhook endpoint
// that accepts the updates sent by telegram-webhook tests.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/chakload/chakload/internal/logging"
	"github.com/chakload/chakload/pkg/jsonschema"
)

const maxDelay = 30 * time.Second

const updateSchema = `{
  "type": "object",
  "required": ["update_id", "message"],
  "properties": {
    "update_id": {"type": "integer"},
    "message": {
      "type": "object",
      "required": ["message_id", "chat", "text"],
      "properties": {
        "message_id": {"type": "integer"},
        "chat": {
          "type": "object",
          "required": ["id"],
          "properties": {"id": {"type": "integer"}}
        },
        "text": {"type": "string"}
      }
    }
  }
}`

var updates = jsonschema.MustCompile("update.json", updateSchema)

type server struct {
	logger   logrus.FieldLogger
	requests atomic.Int64
	webhooks atomic.Int64
}

func newServer(logger logrus.FieldLogger) *server {
	return &server{logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "healthy")
	})
	mux.HandleFunc("/status/{code}", s.handleStatus)
	mux.HandleFunc("/delay/{ms}", s.handleDelay)
	mux.HandleFunc("/flaky", s.handleFlaky)
	mux.HandleFunc("/api", s.handleEcho)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /stats", s.handleStats)
	return s.count(mux)
}

func (s *server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		next.ServeHTTP(w, r)
	})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(r.PathValue("code"))
	if err != nil || code < 100 || code > 599 {
		http.Error(w, "invalid status code", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	fmt.Fprint(w, http.StatusText(code))
}

func (s *server) handleDelay(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.Atoi(r.PathValue("ms"))
	if err != nil || ms < 0 {
		http.Error(w, "invalid delay", http.StatusBadRequest)
		return
	}
	delay := min(time.Duration(ms)*time.Millisecond, maxDelay)

	select {
	case <-r.Context().Done():
		return
	case <-time.After(delay):
	}
	fmt.Fprintf(w, "delayed %s", delay)
}

// handleFlaky fails with 503 for the share of requests given by ?rate=0..1.
func (s *server) handleFlaky(w http.ResponseWriter, r *http.Request) {
	rate := 0.5
	if raw := r.URL.Query().Get("rate"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			http.Error(w, "rate must be between 0 and 1", http.StatusBadRequest)
			return
		}
		rate = v
	}
	if rand.Float64() < rate {
		http.Error(w, "try again", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprint(w, "OK")
}

func (s *server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > 0 && !gjson.ValidBytes(body) {
		http.Error(w, "body is not JSON", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"method":  r.Method,
		"url":     r.URL.String(),
		"headers": r.Header,
		"body":    json.RawMessage(orEmptyObject(body)),
		"time":    time.Now().Format(time.RFC3339),
	})
}

func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if errs := updates.ValidateJSON(string(body)); len(errs) > 0 {
		http.Error(w, "not an update: "+errs.Error(), http.StatusBadRequest)
		return
	}
	update := gjson.ParseBytes(body)

	s.webhooks.Add(1)
	s.logger.WithFields(logrus.Fields{
		"update_id": update.Get("update_id").Int(),
		"chat_id":   update.Get("message.chat.id").Int(),
	}).Debug("webhook update")

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true}`)
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{
		"requests": s.requests.Load(),
		"webhooks": s.webhooks.Load(),
	})
}

func orEmptyObject(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func main() {
	var addr, logLevel string

	cmd := &cobra.Command{
		Use:          "test-server",
		Short:        "Local HTTP target for chakload runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(logging.Options{Level: logLevel, Format: "text"})
			s := newServer(logger)

			srv := &http.Server{
				Addr:              addr,
				Handler:           s.routes(),
				ReadTimeout:       5 * time.Second,
				WriteTimeout:      maxDelay + 5*time.Second,
				IdleTimeout:       120 * time.Second,
				MaxHeaderBytes:    1 << 20,
				ReadHeaderTimeout: 2 * time.Second,
			}

			logger.WithField("addr", addr).Info("starting test server")
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
