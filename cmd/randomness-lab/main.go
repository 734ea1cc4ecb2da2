package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"randomness-lab/internal/api"
	"randomness-lab/internal/config"
	labgrpc "randomness-lab/internal/grpc"
	"randomness-lab/internal/logging"
	"randomness-lab/internal/metrics"
	"randomness-lab/internal/mqtt"
	"randomness-lab/internal/source"
	"randomness-lab/internal/task"
	"randomness-lab/internal/tlsutil"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// exitTestsFailed is returned by -once when the run finished but at least
// one test did not pass.
const exitTestsFailed = 3

var (
	loadConfigFunc      = config.Load
	waitForShutdownFunc = waitForShutdown
	newSourceFactory    = sourceFactory
	newAPIServerFunc    = func(cfg api.Config, tasks *task.Manager, sources task.SourceFactory) (apiServer, error) {
		return api.NewServer(cfg, tasks, sources)
	}
	newMetricsServerFunc = func(addr string) metricsServer {
		return metrics.NewServer(addr, nil)
	}
	newHealthServerFunc = func(cfg labgrpc.Config) (healthServer, error) {
		return labgrpc.NewHealthServer(cfg)
	}
	signalNotifyFunc = signal.Notify
	logFatalfFunc    = func(format string, args ...any) { zap.S().Fatalf(format, args...) }
)

type apiServer interface {
	Start() error
	StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error
	SetReady(ready bool)
	IsReady() bool
	Shutdown(context.Context) error
}

type metricsServer interface {
	Start() error
	StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error
	Shutdown(context.Context) error
}

type healthServer interface {
	Start() error
	Follow(ctx context.Context, probe func() bool)
	Shutdown(context.Context) error
}

// services holds what a server-mode run tears down, in shutdown order.
type services struct {
	cancel  context.CancelFunc
	api     apiServer
	tasks   *task.Manager
	health  healthServer
	metrics metricsServer
}

type onceOptions struct {
	source  string
	test    string
	samples int
	upper   int64
	battery bool
	json    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if err := godotenv.Overload(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_, _ = fmt.Fprintf(stderr, "dotenv: %v\n", err)
	}

	// Parse stays silent; help goes to stdout, errors to stderr.
	flags := flag.NewFlagSet("randomness-lab", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Usage = func() {
		_, _ = fmt.Fprintf(flags.Output(), "Usage of %s:\n", flags.Name())
		flags.PrintDefaults()
	}

	var (
		once bool
		opts onceOptions
	)
	flags.BoolVar(&once, "once", false, "run a single task and exit instead of serving")
	flags.StringVar(&opts.source, "source", source.PRNG, "generator for -once")
	flags.StringVar(&opts.test, "test", "frequency", "test identifier for -once")
	flags.IntVar(&opts.samples, "samples", 0, "samples to collect for -once (0 uses TASK_DEFAULT_SAMPLES)")
	flags.Int64Var(&opts.upper, "upper", 1, "inclusive upper bound of each sample for -once")
	flags.BoolVar(&opts.battery, "battery", false, "run the full battery instead of -test")
	flags.BoolVar(&opts.json, "json", false, "print the -once status as JSON")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flags.SetOutput(stdout)
			flags.Usage()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "parse flags: %v\n", err)
		flags.SetOutput(stderr)
		flags.Usage()
		return 2
	}

	if flags.NArg() > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", flags.Args())
		flags.SetOutput(stderr)
		flags.Usage()
		return 2
	}

	cfg, err := loadConfigFunc()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	restoreLogger := logging.Install(logger)
	defer restoreLogger()

	zap.S().Infof("randomness-lab: environment %s", cfg.Environment)

	sources := newSourceFactory(cfg.Sources)
	manager := task.NewManager(taskConfig(cfg.Tasks), sources)

	if once {
		return runOnce(manager, opts, stdout, stderr)
	}
	return serve(cfg, manager, sources, stderr)
}

// serve starts the HTTP API, the optional metrics and gRPC health servers,
// then blocks until waitForShutdownFunc returns.
func serve(cfg config.Config, manager *task.Manager, sources task.SourceFactory, stderr io.Writer) int {
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	svc := services{cancel: cancelRoot, tasks: manager}

	if cfg.Metrics.Enabled {
		svc.metrics = newMetricsServerFunc(cfg.Metrics.Bind)
		go func(server metricsServer) {
			if err := startServer(server.Start, server.StartTLS, cfg.Metrics.TLS); err != nil {
				logFatalfFunc("metrics: failed to start server: %v", err)
			}
		}(svc.metrics)
	}

	apiSrv, err := newAPIServerFunc(api.Config{
		Addr:              cfg.API.Addr,
		AllowPublic:       cfg.API.AllowPublic,
		RetryAfterSeconds: cfg.API.RetryAfterSec,
		RateLimitRPS:      cfg.API.RateLimitRPS,
		RateLimitBurst:    cfg.API.RateLimitBurst,
		MaxAnalyzeBits:    cfg.API.MaxAnalyzeBits,
	}, manager, sources)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "start api server: %v\n", err)
		svc.shutdown()
		return 1
	}
	if err := startServer(apiSrv.Start, apiSrv.StartTLS, cfg.API.TLS); err != nil {
		_, _ = fmt.Fprintf(stderr, "start api server: %v\n", err)
		svc.shutdown()
		return 1
	}
	svc.api = apiSrv
	apiSrv.SetReady(true)

	if cfg.GRPC.Enabled {
		health, err := newGRPCHealthServer(cfg.GRPC)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "start grpc health server: %v\n", err)
			svc.shutdown()
			return 1
		}
		if err := health.Start(); err != nil {
			_, _ = fmt.Fprintf(stderr, "start grpc health server: %v\n", err)
			svc.shutdown()
			return 1
		}
		svc.health = health
		go health.Follow(rootCtx, apiSrv.IsReady)
	}

	zap.S().Info("randomness-lab: ready")
	waitForShutdownFunc(svc)
	return 0
}

// startServer calls startTLS when TLS is enabled, start otherwise.
func startServer(start func() error, startTLS func(string, string, string, tls.ClientAuthType) error, cfg config.TLS) error {
	if !cfg.Enabled {
		return start()
	}
	clientAuth, err := tlsutil.ParseClientAuth(cfg.ClientAuth)
	if err != nil {
		return err
	}
	return startTLS(cfg.CertFile, cfg.KeyFile, cfg.CAFile, clientAuth)
}

func newGRPCHealthServer(cfg config.GRPC) (healthServer, error) {
	healthCfg := labgrpc.Config{Addr: cfg.Bind, PollInterval: cfg.PollInterval}
	if cfg.TLS.Enabled {
		clientAuth, err := tlsutil.ParseClientAuth(cfg.TLS.ClientAuth)
		if err != nil {
			return nil, err
		}
		healthCfg.TLSCertFile = cfg.TLS.CertFile
		healthCfg.TLSKeyFile = cfg.TLS.KeyFile
		healthCfg.TLSCAFile = cfg.TLS.CAFile
		healthCfg.ClientAuth = clientAuth
	}
	return newHealthServerFunc(healthCfg)
}

// runOnce runs one task in the foreground and prints its final status.
// SIGINT or SIGTERM stops the task.
func runOnce(manager *task.Manager, opts onceOptions, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			zap.S().Warnf("task: shutdown: %v", err)
		}
	}()

	testType := opts.test
	if opts.battery {
		testType = task.BatteryTestType
	}

	started, err := manager.Start(task.Request{
		Generator:  opts.source,
		TestType:   testType,
		UpperBound: opts.upper,
		Samples:    opts.samples,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	sig := make(chan os.Signal, 1)
	signalNotifyFunc(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		select {
		case <-sig:
			_ = manager.Stop(started.ID)
		case <-ctx.Done():
		}
	}()

	status, err := manager.Wait(ctx, started.ID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	if opts.json {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(status); err != nil {
			_, _ = fmt.Fprintf(stderr, "encode status: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "%s: %s\n", status.Generator, status.Status)
		if status.Result != "" {
			_, _ = fmt.Fprintln(stdout, status.Result)
		}
	}

	switch {
	case status.State != task.StateCompleted:
		return 1
	case status.Analysis == nil || !status.Analysis.Passed():
		return exitTestsFailed
	default:
		return 0
	}
}

// sourceFactory builds generators from the configured source settings.
func sourceFactory(cfg config.Sources) task.SourceFactory {
	sourceCfg := source.Config{
		Seed:              cfg.Seed,
		Command:           cfg.Command,
		CommandDir:        cfg.CommandDir,
		CommandTimeout:    cfg.CommandTimeout,
		SerialDevice:      cfg.SerialDevice,
		SerialBaud:        cfg.SerialBaud,
		SerialReadTimeout: cfg.SerialReadTimeout,
		MQTT: mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Topics:         cfg.MQTT.Topics,
			QoS:            cfg.MQTT.QoS,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TLSCAFile:      cfg.MQTT.TLSCAFile,
			ConnectRetries: uint64(cfg.MQTT.ConnectRetries),
		},
		MQTTBufferSize: cfg.MQTT.BufferSize,
		MQTTWait:       cfg.MQTT.Wait,
	}
	return func(ctx context.Context, name string) (source.Source, error) {
		return source.New(ctx, name, sourceCfg)
	}
}

func taskConfig(cfg config.Tasks) task.Config {
	return task.Config{
		DefaultSamples:  cfg.DefaultSamples,
		MaxSamples:      cfg.MaxSamples,
		ProgressEvery:   cfg.ProgressEvery,
		MaxActive:       cfg.MaxActive,
		ResultTTL:       cfg.ResultTTL,
		CleanupInterval: cfg.CleanupInterval,
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM is received, then tears
// down every service.
func waitForShutdown(svc services) {
	sig := make(chan os.Signal, 1)
	signalNotifyFunc(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	zap.S().Info("randomness-lab: shutting down gracefully")
	svc.shutdown()
	zap.S().Info("randomness-lab: shutdown complete")
}

// shutdown stops the API first so no new tasks arrive, then running tasks,
// the gRPC health server and finally the metrics server.
func (s services) shutdown() {
	if s.cancel != nil {
		s.cancel()
	}

	if s.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.api.Shutdown(ctx); err != nil {
			zap.S().Warnf("api: shutdown error: %v", err)
		}
		cancel()
	}

	if s.tasks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.tasks.Shutdown(ctx); err != nil {
			zap.S().Warnf("task: shutdown error: %v", err)
		}
		cancel()
	}

	if s.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.health.Shutdown(ctx); err != nil {
			zap.S().Warnf("grpc: shutdown error: %v", err)
		}
		cancel()
	}

	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.metrics.Shutdown(ctx); err != nil {
			zap.S().Warnf("metrics: shutdown error: %v", err)
		}
		cancel()
	}
}
