package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-canmw/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"rx", snap.RxFrames,
					"rx_dropped", snap.RxDropped,
					"tx_queued", snap.TxQueued,
					"tx_queue_full", snap.TxQueueFull,
					"tx_sent", snap.TxSent,
					"tx_errors", snap.TxErrors,
					"gw_forwarded", snap.GwForwarded,
					"gw_dropped", snap.GwDropped,
					"scheduled", snap.Scheduled,
					"malformed", snap.Malformed,
					"overruns", snap.Overruns,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
