// Command postlicyd is a Postfix policy delegation daemon answering with SPF
// verdicts.
//
//	postlicyd [-f] [-l port] [-p pidfile] config.yaml
//
// Hook it into Postfix with
//
//	smtpd_recipient_restrictions = ... check_policy_service inet:127.0.0.1:10000
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mailspire/spf"
	"github.com/mailspire/spf/dns"
	"github.com/mailspire/spf/internal/config"
	"github.com/mailspire/spf/internal/logger"
	"github.com/mailspire/spf/internal/metrics"
	"github.com/mailspire/spf/internal/policy"
)

const shutdownTimeout = 30 * time.Second

var (
	cfgPath string
	flags   *pflag.FlagSet
	cfg     *config.Config
	mainLog *zap.Logger

	server        *policy.Server
	metricsServer *http.Server
	serveErr      = make(chan error, 2)
)

func main() {
	flags = config.Flags("postlicyd")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] config\n", filepath.Base(os.Args[0]))
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}
	cfgPath = flags.Arg(0)

	var err error
	cfg, err = config.Load(cfgPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	mainLog, err = logger.Init(logConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = mainLog.Sync() }()

	if err := run(); err != nil {
		mainLog.Error("postlicyd failed", zap.Error(err))
		_ = mainLog.Sync()
		os.Exit(1)
	}
}

func logConfig(cfg *config.Config) logger.LogConfig {
	return logger.LogConfig{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogPath,
		// without a log file, or when asked to stay in foreground, log to
		// the terminal
		ConsoleOutput: cfg.LogConsole || cfg.Foreground || cfg.LogPath == "",
	}
}

func run() error {
	if !cfg.Foreground {
		mainLog.Info("not forking into the background, run postlicyd under a service manager")
	}

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			return err
		}
		defer removePidFile(cfg.PidFile)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	checker := spf.NewChecker(newResolver(cfg, m))
	checker.Logger = mainLog.Named("spf")
	checker.Receiver = cfg.Receiver
	checker.AllowPTR = cfg.AllowPTR
	checker.Timeout = cfg.SPFTimeout

	var err error
	server, err = policy.NewServer(policy.Config{
		Checker:  checker,
		Logger:   mainLog.Named("policy"),
		Metrics:  m,
		Actions:  cfg.Actions,
		AllowPTR: cfg.AllowPTR,
	})
	if err != nil {
		return err
	}

	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	go func() {
		if err := server.Serve(l); err != nil && !errors.Is(err, policy.ErrServerClosed) {
			serveErr <- fmt.Errorf("policy server: %w", err)
		}
	}()

	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			mainLog.Info("metrics server started", zap.String("addr", cfg.MetricsListen))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	mainLog.Info("postlicyd started",
		zap.String("listen", cfg.Listen),
		zap.Strings("nameservers", cfg.Nameservers),
		zap.Bool("allow_ptr", cfg.AllowPTR))

	return handleShutdown()
}

// newResolver stacks the answer cache on top of the instrumented client, so
// that only queries that reach the network are observed.
func newResolver(cfg *config.Config, m *metrics.Metrics) dns.Resolver {
	client := dns.NewClient(dns.ClientConfig{
		Nameservers: cfg.Nameservers,
		Timeout:     cfg.DNSTimeout,
		Retries:     cfg.DNSRetries,
	})
	var r dns.Resolver = dns.NewInstrumented(client, m)
	if cfg.CacheSize > 0 {
		r = dns.NewCache(r, cfg.CacheSize, cfg.CacheTTL)
	}
	return r
}

// handleShutdown waits for a signal.  SIGHUP reloads the log level and the
// policy actions; SIGINT and SIGTERM stop the servers.
func handleShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			mainLog.Info("Signal received", zap.String("signal", sig.String()))

			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				mainLog.Info("Initiating graceful shutdown")
				gracefulShutdown()
				return nil

			case syscall.SIGHUP:
				if err := reloadConfig(); err != nil {
					mainLog.Error("Failed to reload configuration", zap.Error(err))
				}
			}

		case err := <-serveErr:
			gracefulShutdown()
			return err
		}
	}
}

func gracefulShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		mainLog.Warn("Shutdown timeout exceeded, forcing exit", zap.Error(err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			mainLog.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	mainLog.Info("Graceful shutdown completed")
}

// reloadConfig applies the settings that can change without a restart.
func reloadConfig() error {
	newCfg, err := config.Load(cfgPath, flags)
	if err != nil {
		return err
	}
	if err := logger.SetLevel(newCfg.LogLevel); err != nil {
		return err
	}
	server.SetActions(newCfg.Actions)

	if newCfg.Listen != cfg.Listen || !slices.Equal(newCfg.Nameservers, cfg.Nameservers) {
		mainLog.Warn("listen address and DNS settings need a restart")
	}
	cfg = newCfg

	mainLog.Info("Configuration reloaded", zap.String("log_level", logger.Level().String()))
	return nil
}

func writePidFile(path string) error {
	data := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("writing pidfile: %w", err)
	}
	return nil
}

func removePidFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		mainLog.Warn("removing pidfile", zap.String("path", path), zap.Error(err))
	}
}
