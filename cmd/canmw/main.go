package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/engine"
	"github.com/kstaniek/go-canmw/internal/metrics"
)

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("canmw %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	if err := run(cfg, l); err != nil {
		l.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig, l *slog.Logger) error {
	t, err := db.LoadFile(cfg.dbPath)
	if err != nil {
		return err
	}
	applyDefaultClock(t, uint32(cfg.clockHz))
	e, err := engine.New(t,
		engine.WithLogger(l),
		engine.WithRxFIFO(cfg.rxFIFO),
		engine.WithTxFIFO(cfg.txFIFO),
		engine.WithObserver(frameObserver(t, l)),
	)
	if err != nil {
		return err
	}
	l.Info("tables_loaded", "path", cfg.dbPath, "buses", len(t.Buses), "blocks", len(t.Blocks),
		"datapoints", len(t.Datapoints), "gateways", len(t.Gateways))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	cleanup, err := initBackends(ctx, cfg, e, l, &wg)
	if err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("backend init: %w", err)
	}
	shutdown := func() {
		cancel()
		cleanup()
		wg.Wait()
	}
	if err := e.BringUp(); err != nil {
		metrics.IncError(metrics.ErrBringUp)
		l.Error("bus_bringup_error", "error", err)
		shutdown()
		return err
	}

	// Ready once every active bus is up and until shutdown starts.
	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil && busesUp(e) })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	if cfg.mdnsEnable {
		if port, err := metricsPort(cfg.metricsAddr); err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else if cleanupMDNS, err := startMDNS(ctx, cfg, t, port); err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
			defer cleanupMDNS()
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigCh:
			l.Info("shutdown_signal", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	l.Info("engine_started", "cycle", cfg.cycle)
	runLoop(ctx, e, cfg.cycle, l)
	shutdown()
	return nil
}

// applyDefaultClock fills the controller clock of buses that leave it unset.
func applyDefaultClock(t *db.Tables, hz uint32) {
	for i := range t.Buses {
		if t.Buses[i].ClockHz == 0 {
			t.Buses[i].ClockHz = hz
		}
	}
}

func busesUp(e *engine.Engine) bool {
	t := e.Tables()
	for i := range t.Buses {
		if t.Buses[i].Active && !e.Up(db.BusID(i)) {
			return false
		}
	}
	return true
}

// runLoop calls Cycle once per period until ctx is done. A cycle that takes
// longer than the period is counted as an overrun.
func runLoop(ctx context.Context, e *engine.Engine, period time.Duration, l *slog.Logger) {
	tk := time.NewTicker(period)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
		start := time.Now()
		e.Cycle()
		if d := time.Since(start); d > period {
			metrics.IncOverrun()
			l.Debug("engine_cycle_overrun", "took", d, "period", period)
		}
	}
}
