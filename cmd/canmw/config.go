package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-canmw/internal/engine"
	"github.com/kstaniek/go-canmw/internal/logging"
)

const defaultClockHz = 80_000_000

type appConfig struct {
	dbPath          string
	clockHz         uint
	cycle           time.Duration
	rxFIFO          int
	txFIFO          int
	serialReadTO    time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

// parseFlags parses args (without the program name), applies CANMW_*
// environment overrides and validates the result.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	fs := flag.NewFlagSet("canmw", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := &appConfig{}
	fs.StringVar(&cfg.dbPath, "db", "/etc/canmw/tables.yaml", "CAN database (buses, frames, datapoints, gateways) YAML file")
	fs.UintVar(&cfg.clockHz, "clock", defaultClockHz, "Controller clock in Hz for buses that do not set clock_hz")
	fs.DurationVar(&cfg.cycle, "cycle", time.Millisecond, "Main loop period (ingest, schedule, flush)")
	fs.IntVar(&cfg.rxFIFO, "rx-fifo", engine.DefaultRxFIFO, "Per-bus RX FIFO capacity (frames)")
	fs.IntVar(&cfg.txFIFO, "tx-fifo", engine.DefaultTxFIFO, "Per-bus TX FIFO capacity (frames)")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the metrics endpoint via mDNS (needs -metrics-addr)")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default canmw-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Flags set on the command line take precedence over env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration: %w", err)
	}
	return cfg, false, nil
}

// validate checks values and ranges only. It does not open the database
// or any device.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return err
	}
	if c.dbPath == "" {
		return errors.New("db path must be set")
	}
	if c.clockHz == 0 || c.clockHz > 1<<32-1 {
		return fmt.Errorf("clock out of range (got %d)", c.clockHz)
	}
	if c.cycle <= 0 {
		return fmt.Errorf("cycle must be > 0")
	}
	if c.rxFIFO <= 0 {
		return fmt.Errorf("rx-fifo must be > 0 (got %d)", c.rxFIFO)
	}
	if c.txFIFO <= 0 {
		return fmt.Errorf("tx-fifo must be > 0 (got %d)", c.txFIFO)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	if c.mdnsEnable && c.metricsAddr == "" {
		return errors.New("mdns-enable requires metrics-addr")
	}
	return nil
}

// applyEnvOverrides maps CANMW_* environment variables to config fields
// unless the corresponding flag was set. Empty values are ignored. The
// first parse error is returned after all variables were applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(k string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", k, err)
		}
	}
	env := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := env(flagName, key); ok {
			*dst = v
		}
	}
	dur := func(flagName, key string, dst *time.Duration) {
		if v, ok := env(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	num := func(flagName, key string, dst *int) {
		if v, ok := env(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}

	str("db", "CANMW_DB", &c.dbPath)
	if v, ok := env("clock", "CANMW_CLOCK"); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.clockHz = uint(n)
		} else {
			fail("CANMW_CLOCK", err)
		}
	}
	dur("cycle", "CANMW_CYCLE", &c.cycle)
	num("rx-fifo", "CANMW_RX_FIFO", &c.rxFIFO)
	num("tx-fifo", "CANMW_TX_FIFO", &c.txFIFO)
	dur("serial-read-timeout", "CANMW_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("log-format", "CANMW_LOG_FORMAT", &c.logFormat)
	str("log-level", "CANMW_LOG_LEVEL", &c.logLevel)
	dur("log-metrics-interval", "CANMW_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	str("mdns-name", "CANMW_MDNS_NAME", &c.mdnsName)
	// An explicitly empty CANMW_METRICS disables the endpoint.
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv("CANMW_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	if v, ok := env("mdns-enable", "CANMW_MDNS_ENABLE"); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.mdnsEnable = true
		case "0", "false", "no", "off":
			c.mdnsEnable = false
		default:
			fail("CANMW_MDNS_ENABLE", fmt.Errorf("not a boolean: %q", v))
		}
	}
	return firstErr
}
