package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-canmw/internal/db"
)

const mdnsServiceType = "_canmw._tcp"

// metricsPort extracts the port of a host:port or :port listen address.
func metricsPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(p)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("invalid port in %q", addr)
	}
	return n, nil
}

// mdnsText lists the build and the active buses as TXT records.
func mdnsText(t *db.Tables) []string {
	meta := []string{
		"version=" + version,
		"commit=" + commit,
	}
	for i := range t.Buses {
		if b := &t.Buses[i]; b.Active {
			meta = append(meta, fmt.Sprintf("bus=%s/%s", b.Name, b.Driver))
		}
	}
	return meta
}

// startMDNS registers the metrics endpoint via mDNS and returns a cleanup
// function. It is a no-op when disabled.
func startMDNS(ctx context.Context, cfg *appConfig, t *db.Tables, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("canmw-%s", host)
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, mdnsText(t), nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
