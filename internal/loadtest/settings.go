package loadtest

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Settings tunes the engine. They are not part of a TestConfig; they describe
// how any run is executed and are normally read from the environment.
type Settings struct {
	// PoolCeiling caps the number of virtual users running at once.
	PoolCeiling int `env:"CHAKLOAD_POOL_CEILING" envDefault:"50"`

	// RequestTimeout bounds a single HTTP attempt. It is what makes
	// cancellation effective for a worker stuck inside a request.
	RequestTimeout time.Duration `env:"CHAKLOAD_REQUEST_TIMEOUT" envDefault:"30s"`

	// JoinGrace is how long after the deadline workers may keep running.
	JoinGrace time.Duration `env:"CHAKLOAD_JOIN_GRACE" envDefault:"30s"`

	// FinalizeGrace is how long to wait for workers after in-flight
	// requests were aborted at the end of JoinGrace.
	FinalizeGrace time.Duration `env:"CHAKLOAD_FINALIZE_GRACE" envDefault:"10s"`

	// MaxRampStep caps the delay between two consecutive user starts.
	MaxRampStep time.Duration `env:"CHAKLOAD_MAX_RAMP_STEP" envDefault:"1s"`

	RetryMax        int           `env:"CHAKLOAD_RETRY_MAX" envDefault:"3"`
	RetryBackoff    time.Duration `env:"CHAKLOAD_RETRY_BACKOFF" envDefault:"1s"`
	RetryMaxBackoff time.Duration `env:"CHAKLOAD_RETRY_MAX_BACKOFF" envDefault:"10s"`

	DefaultInterval    time.Duration `env:"CHAKLOAD_DEFAULT_INTERVAL" envDefault:"100ms"`
	WebhookMinInterval time.Duration `env:"CHAKLOAD_WEBHOOK_MIN_INTERVAL" envDefault:"10ms"`

	MaxIdleConnsPerHost int           `env:"CHAKLOAD_MAX_IDLE_CONNS_PER_HOST" envDefault:"10"`
	IdleConnTimeout     time.Duration `env:"CHAKLOAD_IDLE_CONN_TIMEOUT" envDefault:"90s"`
	InsecureSkipVerify  bool          `env:"CHAKLOAD_INSECURE_SKIP_VERIFY" envDefault:"false"`
}

// DefaultSettings returns the defaults used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		PoolCeiling:         50,
		RequestTimeout:      30 * time.Second,
		JoinGrace:           30 * time.Second,
		FinalizeGrace:       10 * time.Second,
		MaxRampStep:         time.Second,
		RetryMax:            3,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     10 * time.Second,
		DefaultInterval:     100 * time.Millisecond,
		WebhookMinInterval:  10 * time.Millisecond,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

// LoadSettings reads settings from the environment, falling back to defaults.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, errors.Wrap(err, "parse settings from environment")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks that the settings are usable.
func (s Settings) Validate() error {
	errs := &ValidationErrors{}

	if s.PoolCeiling < 1 {
		errs.Add("poolCeiling", "must be >= 1")
	}
	if s.RequestTimeout < 0 {
		errs.Add("requestTimeout", "must be >= 0")
	}
	if s.JoinGrace < 0 {
		errs.Add("joinGrace", "must be >= 0")
	}
	if s.FinalizeGrace < 0 {
		errs.Add("finalizeGrace", "must be >= 0")
	}
	if s.MaxRampStep < 0 {
		errs.Add("maxRampStep", "must be >= 0")
	}
	if s.RetryMax < 0 {
		errs.Add("retryMax", "must be >= 0")
	}
	if s.DefaultInterval < 0 || s.WebhookMinInterval < 0 {
		errs.Add("interval", "pacing intervals must be >= 0")
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// PacingInterval returns the delay between two requests of one virtual user.
//
// Webhook tests approximate independent low-rate senders: each user waits
// max(WebhookMinInterval, 1s/users). Everything else waits DefaultInterval.
func (s Settings) PacingInterval(testType TestType, users int) time.Duration {
	if testType != TestTypeTelegramWebhook {
		return s.DefaultInterval
	}
	if users < 1 {
		users = 1
	}
	interval := time.Second / time.Duration(users)
	if interval < s.WebhookMinInterval {
		interval = s.WebhookMinInterval
	}
	return interval
}

// PoolSize returns the number of workers for a run with the given user count.
func (s Settings) PoolSize(users int) int {
	size := users
	if size > s.PoolCeiling {
		size = s.PoolCeiling
	}
	if size < 1 {
		size = 1
	}
	return size
}

// StartOffsets returns when each user starts, relative to the run start.
//
// User i (i >= 1) starts min(i*rampUp/users, MaxRampStep) after user i-1, so
// the offsets grow gradually and a large ramp-up cannot stall the schedule
// for more than MaxRampStep per user. A zero ramp-up starts everyone at once.
func (s Settings) StartOffsets(users int, rampUp time.Duration) []time.Duration {
	if users < 1 {
		return nil
	}
	offsets := make([]time.Duration, users)
	if rampUp <= 0 {
		return offsets
	}
	for i := 1; i < users; i++ {
		step := time.Duration(int64(rampUp) * int64(i) / int64(users))
		if step > s.MaxRampStep {
			step = s.MaxRampStep
		}
		offsets[i] = offsets[i-1] + step
	}
	return offsets
}
