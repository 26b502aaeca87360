package main

import (
	"context"
	"log/slog"

	"github.com/kstaniek/go-canmw/internal/can"
	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/engine"
	"github.com/kstaniek/go-canmw/internal/logging"
	"github.com/kstaniek/go-canmw/internal/metrics"
)

// frameObserver traces every received frame at debug level and counts
// frames that fail validation.
func frameObserver(t *db.Tables, l *slog.Logger) engine.Observer {
	names := make([]string, len(t.Buses))
	for i := range t.Buses {
		names[i] = t.Buses[i].Name
	}
	return engine.ObserverFunc(func(bus db.BusID, fr can.Frame) {
		if err := fr.Validate(); err != nil {
			metrics.IncMalformed()
			l.Warn("rx_frame_invalid", "bus", names[bus], "frame", fr.String(), "error", err)
			return
		}
		if l.Enabled(context.Background(), slog.LevelDebug) {
			l.Debug("rx_frame", logging.Frame(names[bus], fr.String()))
		}
	})
}
