package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/chakload/chakload/internal/loadtest"
	"github.com/chakload/chakload/internal/loadtest/engine"
	"github.com/chakload/chakload/internal/loadtest/metrics"
	"github.com/chakload/chakload/internal/logging"
	"github.com/chakload/chakload/internal/output"
)

type runOptions struct {
	url      string
	users    int
	duration int
	rampUp   int
	testType string

	method  string
	payload string
	headers []string
	message string

	format      string
	outputPath  string
	quiet       bool
	noColor     bool
	metricsAddr string
	envFile     string
	logLevel    string
	logFormat   string
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test against a URL",
		Example: `  chakload run --url https://example.com --users 20 --duration 60 --rampup 10
  chakload run --url https://api.example.com/items --type api-endpoint \
    --method POST --payload '{"name":"test"}' -H "Authorization: Bearer abc"
  chakload run --url https://bot.example.com/hook --type telegram-webhook --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadTest(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "Target URL")
	cmd.Flags().IntVarP(&opts.users, "users", "u", 10, "Number of virtual users")
	cmd.Flags().IntVarP(&opts.duration, "duration", "d", 30, "Test duration in seconds")
	cmd.Flags().IntVarP(&opts.rampUp, "rampup", "r", 0, "Ramp-up time in seconds")
	cmd.Flags().StringVarP(&opts.testType, "type", "t", string(loadtest.TestTypeWebSite),
		"Test type: web-site, api-endpoint, telegram-webhook, other")
	cmd.Flags().StringVarP(&opts.method, "method", "X", "", "HTTP method for api-endpoint tests (GET, POST, PUT, DELETE)")
	cmd.Flags().StringVar(&opts.payload, "payload", "", "JSON body for POST and PUT api-endpoint tests")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", []string{}, "HTTP headers to include (can be used multiple times)")
	cmd.Flags().StringVar(&opts.message, "message", "", "Message text for telegram-webhook tests")
	cmd.Flags().StringVarP(&opts.format, "format", "f", string(output.FormatText), "Result format (text, json, yaml)")
	cmd.Flags().StringVarP(&opts.outputPath, "output", "o", "", "Output file for results (default: stdout)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Disable live progress output, show only final summary")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the test runs (e.g. :9090)")
	cmd.Flags().StringVar(&opts.envFile, "env-file", ".env", "Load environment variables from this file if it exists")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error, silent); overrides LOG_LEVEL")
	cmd.Flags().StringVar(&opts.logFormat, "log-format", "", "Log format (text, json); overrides LOG_FORMAT")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func runLoadTest(cmd *cobra.Command, opts *runOptions) error {
	if _, err := logging.LoadEnvFiles(opts.envFile); err != nil {
		return errors.Wrapf(err, "load env file %s", opts.envFile)
	}

	logger, err := opts.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(opts.format)
	if err != nil {
		return err
	}

	cfg, err := opts.testConfig()
	if err != nil {
		return err
	}

	settings, err := loadtest.LoadSettings()
	if err != nil {
		return err
	}

	engineOpts := []engine.Option{engine.WithLogger(logger)}
	if opts.metricsAddr != "" {
		reg := newMetricsRegistry()
		srv, err := serveMetrics(opts.metricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer shutdownMetrics(srv, logger)
		engineOpts = append(engineOpts, engine.WithRegisterer(reg))
	}
	eng := engine.New(settings, engineOpts...)

	// Progress goes to stderr when stdout carries a machine-readable document.
	progressWriter := cmd.OutOrStdout()
	if format != output.FormatText || opts.outputPath != "" {
		progressWriter = cmd.ErrOrStderr()
	}
	console := output.NewConsole(output.ConsoleConfig{
		Writer:  progressWriter,
		Quiet:   opts.quiet,
		NoColor: opts.noColor,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console.PrintHeader(cfg)

	watchCtx, stopWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		console.Watch(watchCtx, eng, cfg.Duration, time.Second)
	}()

	results, runErr := eng.Run(ctx, cfg)
	stopWatch()
	<-watchDone

	if runErr != nil {
		return errors.Wrap(runErr, "load test failed")
	}
	if ctx.Err() != nil {
		logger.Warn("load test interrupted, results cover the requests completed so far")
	}

	return writeResults(cmd.OutOrStdout(), console, opts, format, results)
}

func writeResults(stdout io.Writer, console *output.Console, opts *runOptions, format output.Format, results *metrics.TestResults) error {
	if format == output.FormatText && opts.outputPath == "" {
		console.PrintResults(results)
		return nil
	}
	if format == output.FormatText {
		// A results file always holds a document; text goes to the console.
		console.PrintResults(results)
		format = output.FormatJSON
	}

	if opts.outputPath == "" {
		return output.Export(stdout, results, format)
	}

	f, err := os.Create(opts.outputPath)
	if err != nil {
		return errors.Wrap(err, "create results file")
	}
	if err := output.Export(f, results, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "write results file")
	}
	fmt.Fprintf(stdout, "Results written to: %s\n", opts.outputPath)
	return nil
}

func (o *runOptions) logger(w io.Writer) (*logrus.Logger, error) {
	logOpts, err := logging.OptionsFromEnv()
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		logOpts.Level = o.logLevel
	}
	if o.logFormat != "" {
		logOpts.Format = o.logFormat
	}
	logOpts.Output = w
	return logging.New(logOpts), nil
}

// testConfig turns the flags into a validated TestConfig.
func (o *runOptions) testConfig() (*loadtest.TestConfig, error) {
	testType, err := loadtest.ParseTestType(o.testType)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any)
	if o.method != "" {
		params[loadtest.ParamMethod] = o.method
	}
	if o.payload != "" {
		params[loadtest.ParamPayload] = o.payload
	}
	if o.message != "" {
		params[loadtest.ParamMessage] = o.message
	}
	if len(o.headers) > 0 {
		headers, err := parseHeaders(o.headers)
		if err != nil {
			return nil, err
		}
		params[loadtest.ParamHeaders] = headers
	}
	if len(params) == 0 {
		params = nil
	}

	cfg := &loadtest.TestConfig{
		TargetURL:    o.url,
		Users:        o.users,
		Duration:     time.Duration(o.duration) * time.Second,
		RampUp:       time.Duration(o.rampUp) * time.Second,
		TestType:     testType,
		CustomParams: params,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseHeaders parses "Name: value" pairs.
func parseHeaders(raw []string) (map[string]any, error) {
	headers := make(map[string]any, len(raw))
	for _, header := range raw {
		parts := strings.SplitN(header, ":", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, &loadtest.ValidationError{
				Field:   "headers",
				Message: fmt.Sprintf("invalid header %q, want \"Name: value\"", header),
			}
		}
		headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return headers, nil
}

func newMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// serveMetrics starts the metrics endpoint. The listener is bound before
// returning so address errors surface before the test starts.
func serveMetrics(addr string, reg *prometheus.Registry, logger logrus.FieldLogger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	srv := &http.Server{
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	logger.WithField("addr", ln.Addr().String()).Info("serving metrics on /metrics")
	return srv, nil
}

func shutdownMetrics(srv *http.Server, logger logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Debug("metrics server shutdown")
	}
}
