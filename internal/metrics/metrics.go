package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-canmw/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters, labelled by bus name where the event belongs to one bus.
var (
	RxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rx_frames_total",
		Help: "Total CAN frames accepted into a receive FIFO.",
	}, []string{"bus"})
	RxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rx_dropped_total",
		Help: "Total received CAN frames dropped because the receive FIFO was full or busy.",
	}, []string{"bus"})
	TxQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tx_queued_total",
		Help: "Total CAN frames placed into a transmit FIFO.",
	}, []string{"bus"})
	TxQueueFull = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tx_queue_full_total",
		Help: "Total transmit FIFO puts rejected (full or busy); scheduled frames retry next tick.",
	}, []string{"bus"})
	TxSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tx_sent_total",
		Help: "Total CAN frames accepted by the bus driver.",
	}, []string{"bus"})
	TxErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tx_errors_total",
		Help: "Total driver send failures; the frame stays queued for the next cycle.",
	}, []string{"bus"})
	GatewayForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_forwarded_total",
		Help: "Total frames forwarded to another bus, by kind (known|unknown).",
	}, []string{"bus", "kind"})
	GatewayDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dropped_total",
		Help: "Total frames that could not be forwarded (destination FIFO full or busy).",
	}, []string{"bus"})
	SchedulerSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_sends_total",
		Help: "Total frames queued by the transmit scheduler, by reason (request|cycle|change).",
	}, []string{"bus", "reason"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad checksum, invalid length, truncated).",
	})
	CycleOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_cycle_overruns_total",
		Help: "Total main loop cycles that took longer than the cycle period.",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSerialRead     = "serial_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
	ErrCNLWrite       = "cannelloni_write"
	ErrCNLOverflow    = "cannelloni_tx_overflow"
	ErrCNLRead        = "cannelloni_read"
	ErrBringUp        = "bus_bringup"
)

// Scheduler reasons and gateway kinds.
const (
	ReasonRequest = "request"
	ReasonCycle   = "cycle"
	ReasonChange  = "change"

	KindKnown   = "known"
	KindUnknown = "unknown"
)

// Handler serves Prometheus metrics at /metrics and readiness at /ready.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	return mux
}

// StartHTTP serves Handler on addr in the background.
func StartHTTP(addr string) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: Handler(),
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored totals for easy logging (avoid Prometheus scraping in-process)
var (
	localRx        uint64
	localRxDrop    uint64
	localTxQueued  uint64
	localTxFull    uint64
	localTxSent    uint64
	localTxErr     uint64
	localGwFwd     uint64
	localGwDrop    uint64
	localSched     uint64
	localErrors    uint64
	localMalformed uint64
	localOverruns  uint64
)

// Snapshot is a cheap copy of local counters summed over all buses.
type Snapshot struct {
	RxFrames    uint64
	RxDropped   uint64
	TxQueued    uint64
	TxQueueFull uint64
	TxSent      uint64
	TxErrors    uint64
	GwForwarded uint64
	GwDropped   uint64
	Scheduled   uint64
	Errors      uint64 // sum across error labels
	Malformed   uint64
	Overruns    uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:    atomic.LoadUint64(&localRx),
		RxDropped:   atomic.LoadUint64(&localRxDrop),
		TxQueued:    atomic.LoadUint64(&localTxQueued),
		TxQueueFull: atomic.LoadUint64(&localTxFull),
		TxSent:      atomic.LoadUint64(&localTxSent),
		TxErrors:    atomic.LoadUint64(&localTxErr),
		GwForwarded: atomic.LoadUint64(&localGwFwd),
		GwDropped:   atomic.LoadUint64(&localGwDrop),
		Scheduled:   atomic.LoadUint64(&localSched),
		Errors:      atomic.LoadUint64(&localErrors),
		Malformed:   atomic.LoadUint64(&localMalformed),
		Overruns:    atomic.LoadUint64(&localOverruns),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRx(bus string) {
	RxFrames.WithLabelValues(bus).Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncRxDrop(bus string) {
	RxDropped.WithLabelValues(bus).Inc()
	atomic.AddUint64(&localRxDrop, 1)
}

func IncTxQueued(bus string) {
	TxQueued.WithLabelValues(bus).Inc()
	atomic.AddUint64(&localTxQueued, 1)
}

func IncTxQueueFull(bus string) {
	TxQueueFull.WithLabelValues(bus).Inc()
	atomic.AddUint64(&localTxFull, 1)
}

func IncTxSent(bus string) {
	TxSent.WithLabelValues(bus).Inc()
	atomic.AddUint64(&localTxSent, 1)
}

func IncTxError(bus string) {
	TxErrors.WithLabelValues(bus).Inc()
	atomic.AddUint64(&localTxErr, 1)
}

// IncGatewayForward counts a forward onto bus (the destination).
func IncGatewayForward(bus, kind string) {
	GatewayForwarded.WithLabelValues(bus, kind).Inc()
	atomic.AddUint64(&localGwFwd, 1)
}

func IncGatewayDrop(bus string) {
	GatewayDropped.WithLabelValues(bus).Inc()
	atomic.AddUint64(&localGwDrop, 1)
}

func IncScheduled(bus, reason string) {
	SchedulerSends.WithLabelValues(bus, reason).Inc()
	atomic.AddUint64(&localSched, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncOverrun() {
	CycleOverruns.Inc()
	atomic.AddUint64(&localOverruns, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialWrite, ErrSerialOverflow, ErrSerialRead,
		ErrSocketCANWrite, ErrSocketCANOver, ErrSocketCANRead,
		ErrCNLWrite, ErrCNLOverflow, ErrCNLRead,
		ErrBringUp,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
