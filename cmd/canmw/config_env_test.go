package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()
	t.Setenv("CANMW_DB", "/tmp/tables.yaml")
	t.Setenv("CANMW_CLOCK", "40000000")
	t.Setenv("CANMW_CYCLE", "5ms")
	t.Setenv("CANMW_RX_FIFO", "128")
	t.Setenv("CANMW_MDNS_ENABLE", "true")
	t.Setenv("CANMW_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("CANMW_METRICS", ":9100")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.dbPath != "/tmp/tables.yaml" || base.clockHz != 40_000_000 {
		t.Fatalf("db/clock not overridden: %+v", base)
	}
	if base.cycle != 5*time.Millisecond || base.rxFIFO != 128 {
		t.Fatalf("cycle/rx-fifo not overridden: %v %d", base.cycle, base.rxFIFO)
	}
	if !base.mdnsEnable || base.metricsAddr != ":9100" {
		t.Fatalf("mdns/metrics not overridden")
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := validConfig()
	t.Setenv("CANMW_CYCLE", "10ms")
	t.Setenv("CANMW_METRICS", ":9100")
	set := map[string]struct{}{"cycle": {}, "metrics-addr": {}}
	if err := applyEnvOverrides(base, set); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.cycle != time.Millisecond || base.metricsAddr != "" {
		t.Fatalf("flags must win over env: %v %q", base.cycle, base.metricsAddr)
	}
}

func TestApplyEnvOverrides_InvalidValues(t *testing.T) {
	base := validConfig()
	t.Setenv("CANMW_TX_FIFO", "many")
	t.Setenv("CANMW_CYCLE", "fast")
	t.Setenv("CANMW_LOG_LEVEL", "debug")
	err := applyEnvOverrides(base, map[string]struct{}{})
	if err == nil {
		t.Fatalf("expected parse error")
	}
	// valid variables are still applied
	if base.logLevel != "debug" {
		t.Fatalf("log level not applied after error")
	}
	if base.txFIFO != 32 || base.cycle != time.Millisecond {
		t.Fatalf("invalid values must leave defaults")
	}
}

func TestApplyEnvOverrides_EmptyMetricsDisables(t *testing.T) {
	base := validConfig()
	base.metricsAddr = ":9100"
	t.Setenv("CANMW_METRICS", "")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.metricsAddr != "" {
		t.Fatalf("expected metrics disabled, got %q", base.metricsAddr)
	}
}
