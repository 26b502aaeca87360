//go:build !linux

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-canmw/internal/db"
	"github.com/kstaniek/go-canmw/internal/engine"
	"github.com/kstaniek/go-canmw/internal/socketcan"
	"github.com/kstaniek/go-canmw/internal/transport"
)

func initSocketCANBackend(ctx context.Context, bus *db.Bus, rx transport.Handler, l *slog.Logger, wg *sync.WaitGroup) (engine.Driver, func(), error) {
	return nil, func() {}, fmt.Errorf("bus %s: %w", bus.Name, socketcan.ErrUnsupported)
}
