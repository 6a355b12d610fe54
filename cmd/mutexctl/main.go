// Command mutexctl runs commands under a distributed lock and inspects or
// resets lock records.
//
//	mutexctl [flags] run [-wait 10s] [-attempts n] [-interval 1s] -- cmd args...
//	mutexctl [flags] reset
//	mutexctl [flags] key
//	mutexctl [flags] holder
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-mutex/v1/config"
	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

// Exit codes besides the wrapped command's own.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitBusy    = 75 // EX_TEMPFAIL
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mutexctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to a YAML config file")
	name := fs.String("name", "", "Lock name (overrides config)")
	id := fs.String("id", "", "Lock instance id (overrides config)")
	timeout := fs.Duration("timeout", 0, "Lock TTL (overrides config)")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	traceSpans := fs.Bool("trace", false, "Print OpenTelemetry spans to stderr")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "usage: mutexctl [flags] run|reset|key|holder")
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	if *name != "" {
		cfg.Lock.Name = *name
	}
	if *id != "" {
		cfg.Lock.ID = *id
	}
	if *timeout > 0 {
		cfg.Lock.Timeout = *timeout
	}
	logger := config.NewLogger(cfg.Log, stderr)

	res, err := config.Open(ctx, cfg)
	if err != nil {
		logger.Error("mutexctl: open store", "error", err)
		return exitFailure
	}
	defer func() { _ = res.Close() }()

	var opts []mutex.Option
	if *traceSpans {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(stderr), stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Error("mutexctl: tracing", "error", err)
			return exitFailure
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		opts = append(opts, mutex.WithTracerProvider(tp))
	}
	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, logger)
	}

	m, err := cfg.NewMutex(res, logger, opts...)
	if err != nil {
		logger.Error("mutexctl: invalid lock", "error", err)
		return exitFailure
	}

	switch cmd := fs.Arg(0); cmd {
	case "run":
		return runLocked(ctx, m, cfg.Optimistic, fs.Args()[1:], stdout, stderr, logger)
	case "reset":
		if err := m.ForceResetLock(ctx); err != nil {
			logger.Error("mutexctl: reset", "key", m.Key(), "error", err)
			return exitFailure
		}
		return exitOK
	case "key":
		fmt.Fprintln(stdout, m.Key())
		return exitOK
	case "holder":
		tok, held, err := m.Holder(ctx)
		if err != nil {
			logger.Error("mutexctl: holder", "key", m.Key(), "error", err)
			return exitFailure
		}
		if !held {
			fmt.Fprintln(stdout, "free")
			return exitOK
		}
		fmt.Fprintln(stdout, tok)
		return exitOK
	default:
		fmt.Fprintf(stderr, "mutexctl: unknown command %q\n", cmd)
		return exitUsage
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	reg := metrics.NewRegistry()
	metrics.RegisterMutexMetrics(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("mutexctl: metrics server stopped", "addr", addr, "error", err)
		}
	}()
}

// runLocked executes the command after "--" while holding m. A zero -wait
// makes a single acquisition attempt.
func runLocked(ctx context.Context, m *mutex.Mutex, defaults config.OptimisticConfig, args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	wait := fs.Duration("wait", defaults.MaxWaitTime, "Maximum time to wait for the lock")
	attempts := fs.Int("attempts", defaults.MaxAttempts, "Maximum acquisition attempts (0 = unbounded)")
	interval := fs.Duration("interval", defaults.TimeBetweenAttempts, "Pause between attempts")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	argv := fs.Args()
	if len(argv) == 0 {
		fmt.Fprintln(stderr, "usage: mutexctl run [-wait d] [-attempts n] [-interval d] -- command [args...]")
		return exitUsage
	}

	work := func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		return cmd.Run()
	}

	var err error
	if *wait > 0 {
		err = m.WithOptimisticLock(ctx, mutex.OptimisticOptions{
			MaxWaitTime:         *wait,
			MaxAttempts:         *attempts,
			TimeBetweenAttempts: *interval,
		}, work)
	} else {
		err = m.WithLock(ctx, work)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return exitOK
	case mutex.IsAcquisitionFailed(err):
		logger.Info("mutexctl: lock busy", "key", m.Key())
		return exitBusy
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	default:
		logger.Error("mutexctl: run", "key", m.Key(), "error", err)
		return exitFailure
	}
}
