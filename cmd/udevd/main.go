// Command udevd is the device event manager daemon. It loads a YAML
// configuration file, wires the netlink and inotify event sources, the
// worker pool, the dependency-serializing queue, the rule engine, the
// downstream sink fan-out, and the control socket, then runs the
// Supervisor's single consumer loop until SIGINT/SIGTERM or a control
// EXIT message.
//
// This binary also doubles as the worker entrypoint (SPEC_FULL §6): the
// Pool re-execs os.Args[0] with -worker-fd/-worker-completion-sock/
// -worker-rules-file set, and main detects that mode before any of the
// daemon-mode flags are parsed.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripwire/udevd/internal/auditstore"
	"github.com/tripwire/udevd/internal/config"
	"github.com/tripwire/udevd/internal/control"
	"github.com/tripwire/udevd/internal/eventsource"
	"github.com/tripwire/udevd/internal/inotifywatch"
	"github.com/tripwire/udevd/internal/manager"
	"github.com/tripwire/udevd/internal/queryapi"
	"github.com/tripwire/udevd/internal/queue"
	"github.com/tripwire/udevd/internal/ruleengine/builtin"
	"github.com/tripwire/udevd/internal/sink"
	"github.com/tripwire/udevd/internal/sink/grpcforward"
	"github.com/tripwire/udevd/internal/statestore"
	"github.com/tripwire/udevd/internal/supervisor"
	"github.com/tripwire/udevd/internal/worker"
	"github.com/tripwire/udevd/internal/wsfeed"
)

const defaultWarningFraction = 0.75

func main() {
	if workerFd, ok := workerMode(); ok {
		runWorker(workerFd)
		return
	}

	configPath := flag.String("config", "/etc/udevd/config.yaml", "path to the udevd YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udevd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("config_path", *configPath), slog.Int("children_max", cfg.ChildrenMax))

	exe, err := os.Executable()
	if err != nil {
		logger.Error("failed to resolve own executable path", slog.Any("error", err))
		os.Exit(1)
	}

	timeoutSignal, err := config.ParseSignal(cfg.TimeoutSignal)
	if err != nil {
		logger.Error("invalid timeout_signal", slog.Any("error", err))
		os.Exit(1)
	}

	rules, err := builtin.New(cfg.RulesDir)
	if err != nil {
		logger.Error("failed to load rules", slog.String("rules_dir", cfg.RulesDir), slog.Any("error", err))
		os.Exit(1)
	}

	q := queue.New(cfg.QueueMarkerPath)

	pool, err := worker.New(worker.Config{
		ExecPath:           exe,
		RulesFile:          cfg.RulesDir,
		CompletionSockPath: cfg.QueueMarkerPath + ".completion",
		BlockdevReadOnly:   cfg.BlockdevReadOnly,
		ChildrenMax:        cfg.ChildrenMax,
		EventTimeout:       cfg.EventTimeout,
		WarningFraction:    defaultWarningFraction,
		TimeoutSignal:      timeoutSignal,
		Logger:             logger,
	})
	if err != nil {
		logger.Error("failed to start worker pool", slog.Any("error", err))
		os.Exit(1)
	}

	mgr := manager.New(cfg, q, pool, rules)

	fanout, broadcaster, cleanup := buildSinks(cfg, logger)
	defer cleanup()

	netlinkSrc := eventsource.New(logger)
	inotifySrc, err := inotifywatch.New(logger)
	if err != nil {
		logger.Error("failed to start inotify watcher", slog.Any("error", err))
		os.Exit(1)
	}

	ctrl, err := control.Listen(cfg.ControlSocket, logger)
	if err != nil {
		logger.Error("failed to open control socket", slog.String("path", cfg.ControlSocket), slog.Any("error", err))
		os.Exit(1)
	}

	var queryServer *http.Server
	if cfg.Dashboard.ListenAddr != "" {
		queryServer = startQueryAPI(cfg, logger, broadcaster)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := netlinkSrc.Start(ctx); err != nil {
		logger.Error("failed to start netlink source", slog.Any("error", err))
		os.Exit(1)
	}
	if err := inotifySrc.Start(ctx); err != nil {
		logger.Error("failed to start inotify source", slog.Any("error", err))
		os.Exit(1)
	}
	go ctrl.Serve(ctx)

	sup := supervisor.New(mgr, logger, fanout, ctrl, netlinkSrc, inotifySrc)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	sup.Run(ctx)

	if queryServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := queryServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("query API shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("udevd exited cleanly")
}

// buildSinks wires the optional downstream fan-out sinks described in
// SPEC_FULL §4.9 according to cfg.Dashboard. The audit log and state
// store are always present; Postgres history, the live WebSocket feed,
// and the gRPC forwarder are added only when configured. cleanup closes
// everything that was opened, in reverse order.
func buildSinks(cfg *config.Config, logger *slog.Logger) (*sink.Fanout, *wsfeed.Broadcaster, func()) {
	var sinks []sink.Sink
	var closers []func()

	auditLog, err := openAuditLog(cfg.AuditLogPath, logger)
	if err == nil {
		sinks = append(sinks, &sink.AuditSink{Logger: auditLog})
		closers = append(closers, func() { _ = auditLog.Close() })
	}

	stateStore, err := statestore.Open(cfg.StateDBPath)
	if err == nil {
		sinks = append(sinks, &sink.StateSink{Store: stateStore})
		closers = append(closers, func() { _ = stateStore.Close() })
	} else {
		logger.Error("failed to open state store, device state will not be tracked", slog.Any("error", err))
	}

	if cfg.Dashboard.PostgresDSN != "" {
		histCtx, histCancel := context.WithTimeout(context.Background(), 10*time.Second)
		history, err := auditstore.Open(histCtx, cfg.Dashboard.PostgresDSN, auditstore.DefaultBatchSize, auditstore.DefaultFlushInterval)
		histCancel()
		if err != nil {
			logger.Error("failed to open Postgres history store, continuing without it", slog.Any("error", err))
		} else {
			sinks = append(sinks, &sink.HistorySink{Store: history})
			closers = append(closers, func() {
				closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer closeCancel()
				history.Close(closeCtx)
			})
		}
	}

	var broadcaster *wsfeed.Broadcaster
	if cfg.Dashboard.ListenAddr != "" {
		broadcaster = wsfeed.NewBroadcaster(logger, 256)
		sinks = append(sinks, &sink.LiveFeedSink{Broadcaster: broadcaster})
		closers = append(closers, broadcaster.Close)
	}

	if cfg.Dashboard.ForwardAddr != "" {
		fwd := grpcforward.New(grpcforward.Config{Addr: cfg.Dashboard.ForwardAddr, Logger: logger})
		ctx, stop := context.WithCancel(context.Background())
		fwd.Start(ctx)
		sinks = append(sinks, &sink.ForwardSink{Forwarder: fwd})
		closers = append(closers, func() { fwd.Stop(); stop() })
	}

	fanout := sink.NewFanout(logger, sinks...)
	return fanout, broadcaster, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

func startQueryAPI(cfg *config.Config, logger *slog.Logger, broadcaster *wsfeed.Broadcaster) *http.Server {
	devices, err := statestore.Open(cfg.StateDBPath)
	if err != nil {
		logger.Error("query API disabled: failed to open state store", slog.Any("error", err))
		return nil
	}

	var pubKey *rsa.PublicKey
	if cfg.Dashboard.JWTPublicKeyPath != "" {
		pubKey, err = loadRSAPublicKey(cfg.Dashboard.JWTPublicKeyPath)
		if err != nil {
			logger.Error("query API disabled: failed to load JWT public key", slog.Any("error", err))
			return nil
		}
	}

	var wsHandler http.Handler
	if broadcaster != nil {
		wsHandler = wsfeed.NewHandler(broadcaster, logger, 10*time.Second)
	}

	srv := queryapi.NewServer(devices, nil)
	httpServer := &http.Server{
		Addr:         cfg.Dashboard.ListenAddr,
		Handler:      queryapi.NewRouter(srv, pubKey, wsHandler),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("query API listening", slog.String("addr", cfg.Dashboard.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("query API server error", slog.Any("error", err))
		}
	}()
	return httpServer
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
