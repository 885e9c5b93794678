// Command scand supervises scanner subprocesses and serves their
// output over HTTP and WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scanpipe/scanpipe/internal/infrastructure/config"
	"github.com/scanpipe/scanpipe/internal/infrastructure/monitoring"
	"github.com/scanpipe/scanpipe/internal/infrastructure/resilience"
	"github.com/scanpipe/scanpipe/internal/infrastructure/server"
	"github.com/scanpipe/scanpipe/internal/logging"
	"github.com/scanpipe/scanpipe/internal/session"
	"github.com/scanpipe/scanpipe/internal/sigdb"
	"github.com/scanpipe/scanpipe/internal/watchdog"
)

// poolSlots bounds how many concurrent workers the watchdog tracks.
const poolSlots = 64

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	port := flag.String("port", "", "Override listen port")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "scand: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dev {
		cfg.Logging.Development = true
	}

	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger, err = logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: false,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "scand: init logger: %v\n", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()

	logger.Info("Starting scand",
		zap.String("port", cfg.Server.Port),
		zap.String("scanner", cfg.Scanner.Command))

	metrics := monitoring.NewMetrics()

	// The status cell coordinates shutdown with the watchdog. A
	// file-backed cell survives daemon restarts and is visible to
	// external tooling.
	var cell watchdog.Cell
	if cfg.Watchdog.StatusFile != "" {
		mc, err := watchdog.OpenMmapCell(cfg.Watchdog.StatusFile)
		if err != nil {
			logger.Fatal("Failed to open status file",
				zap.String("path", cfg.Watchdog.StatusFile),
				zap.Error(err))
		}
		defer mc.Close()
		cell = mc
	} else {
		cell = &watchdog.AtomicCell{}
	}

	wd := watchdog.New(cell, watchdog.Config{
		PoolSize: poolSlots,
		Signal:   syscall.Signal(cfg.Watchdog.Signal),
		Interval: cfg.Watchdog.Interval.Std(),
		// The session manager owns reaping, so probe liveness with a
		// null signal instead of the default non-blocking wait.
		Probe: func(pid int) (bool, error) {
			err := syscall.Kill(pid, 0)
			switch err {
			case nil:
				return true, nil
			case syscall.ESRCH:
				return false, nil
			default:
				return false, err
			}
		},
		OnSignal: metrics.SignalsSent.Inc,
		Logger:   logger,
	})

	gate := resilience.NewGate(resilience.Settings{
		OnStateChange: func(from, to resilience.State) {
			logger.Warn("Respawn gate state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	var slot atomic.Uint64
	sessions := session.NewManager(session.Options{
		Scanner: cfg.Scanner,
		Engine:  cfg.Engine,
		Capture: cfg.Capture,
		Logger:  logger,
		Metrics: metrics,
		Gate:    gate,
		OnSpawn: func(pid int) {
			i := int(slot.Add(1)-1) % poolSlots
			if err := wd.Track(i, pid); err != nil {
				logger.Warn("Failed to track worker", zap.Int("pid", pid), zap.Error(err))
			}
		},
	})

	var checker *sigdb.Checker
	var mirror *sigdb.MirrorClient
	if cfg.Scanner.DatabaseDir != "" {
		checker = sigdb.NewChecker(cfg.Scanner.DatabaseDir, 0, logger)
	}
	if cfg.Scanner.MirrorURL != "" {
		mirror = sigdb.NewMirrorClient(cfg.Scanner.MirrorURL, logger)
	}

	srv := server.NewServer(server.Options{
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
		Sessions: sessions,
		Checker:  checker,
		Mirror:   mirror,
	})

	// The watchdog sweeps worker pids until the cell reaches
	// AllTasksDone, then signals any stragglers.
	wdDone := make(chan error, 1)
	go func() {
		wdDone <- wd.MainLoop(watchdog.AllTasksDone)
	}()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errChan:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	cell.Advance(watchdog.ProducerDone)
	if err := sessions.Shutdown(ctx); err != nil {
		logger.Warn("Session drain incomplete", zap.Error(err))
	}
	cell.Advance(watchdog.AllTasksDone)

	select {
	case err := <-wdDone:
		if err != nil {
			metrics.WatchdogEscalations.Inc()
			logger.Error("Watchdog escalated", zap.Error(err))
		}
	case <-time.After(5 * time.Second):
		logger.Warn("Watchdog did not exit in time")
	}

	logger.Info("Shutdown complete")
}
