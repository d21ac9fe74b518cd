package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-nuc-can/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller side
var (
	ControllerRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccan_rx_frames_total",
		Help: "Total messages read out of receive message objects.",
	})
	ControllerTxRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccan_tx_requests_total",
		Help: "Total transmit requests armed in message objects.",
	})
	ControllerTxDone = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccan_tx_completed_total",
		Help: "Total transmit-complete interrupts serviced.",
	})
	ControllerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ccan_events_total",
		Help: "Interrupt events dispatched, by kind.",
	}, []string{"kind"})
	ControllerWakeups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccan_wakeups_total",
		Help: "Total wake-up events acknowledged.",
	})
	ControllerBusyTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccan_if_busy_timeouts_total",
		Help: "Interface window transfers that never left the busy state.",
	})
	ControllerMsgLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ccan_message_lost_total",
		Help: "Receive objects found with the message-lost flag set.",
	})
	ControllerBitrate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ccan_bitrate_bps",
		Help: "Bit rate achieved by the programmed timing.",
	})
	ControllerTEC = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ccan_tx_error_counter",
		Help: "Last observed transmit error counter.",
	})
	ControllerREC = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ccan_rx_error_counter",
		Help: "Last observed receive error counter.",
	})
)

// Wire backends and monitor clients
var (
	BackendRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_rx_frames_total",
		Help: "Frames read from the wire backend.",
	}, []string{"backend"})
	BackendTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_tx_frames_total",
		Help: "Frames written to the wire backend.",
	}, []string{"backend"})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total CAN frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total CAN frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by the hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected by the kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connections rejected.",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected monitor clients.",
	})
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
		Help: "Total rejected malformed frames.",
	})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error labels. Kept as constants to bound cardinality.
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrCanbusWrite    = "canbus_write"
	ErrControllerTx   = "controller_tx"
	ErrControllerRx   = "controller_rx"
	ErrDispatch       = "dispatch"
)

// Event kind labels for ControllerEvents.
var eventKinds = []string{"message", "status", "bus_off", "error_warning", "error_passive", "wakeup"}

// StartHTTP serves /metrics and /ready on addr in a background goroutine.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrors so the periodic logger does not scrape Prometheus in-process.
var (
	localRx, localTxReq, localTxDone atomic.Uint64
	localEvents, localWakeups        atomic.Uint64
	localBusy, localLost             atomic.Uint64
	localWireRx, localWireTx         atomic.Uint64
	localTCPRx, localTCPTx           atomic.Uint64
	localHubDrop, localHubKick       atomic.Uint64
	localHubReject, localHubClients  atomic.Uint64
	localErrors, localMalformed      atomic.Uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	RxFrames     uint64
	TxRequests   uint64
	TxCompleted  uint64
	Events       uint64
	Wakeups      uint64
	BusyTimeouts uint64
	MessageLost  uint64
	WireRx       uint64
	WireTx       uint64
	TCPRx        uint64
	TCPTx        uint64
	HubDrops     uint64
	HubKicks     uint64
	HubRejects   uint64
	HubClients   uint64
	Errors       uint64 // sum across labels
	Malformed    uint64
}

func Snap() Snapshot {
	return Snapshot{
		RxFrames:     localRx.Load(),
		TxRequests:   localTxReq.Load(),
		TxCompleted:  localTxDone.Load(),
		Events:       localEvents.Load(),
		Wakeups:      localWakeups.Load(),
		BusyTimeouts: localBusy.Load(),
		MessageLost:  localLost.Load(),
		WireRx:       localWireRx.Load(),
		WireTx:       localWireTx.Load(),
		TCPRx:        localTCPRx.Load(),
		TCPTx:        localTCPTx.Load(),
		HubDrops:     localHubDrop.Load(),
		HubKicks:     localHubKick.Load(),
		HubRejects:   localHubReject.Load(),
		HubClients:   localHubClients.Load(),
		Errors:       localErrors.Load(),
		Malformed:    localMalformed.Load(),
	}
}

func IncRx() {
	ControllerRxFrames.Inc()
	localRx.Add(1)
}

func IncTxRequest() {
	ControllerTxRequests.Inc()
	localTxReq.Add(1)
}

func IncTxDone() {
	ControllerTxDone.Inc()
	localTxDone.Add(1)
}

// IncEvent counts a dispatched interrupt event by kind label.
func IncEvent(kind string) {
	ControllerEvents.WithLabelValues(kind).Inc()
	localEvents.Add(1)
}

func IncWakeup() {
	ControllerWakeups.Inc()
	localWakeups.Add(1)
}

func IncBusyTimeout() {
	ControllerBusyTimeouts.Inc()
	localBusy.Add(1)
}

func IncMessageLost() {
	ControllerMsgLost.Inc()
	localLost.Add(1)
}

func SetBitrate(bps uint32) { ControllerBitrate.Set(float64(bps)) }

// SetErrorCounters publishes the controller's TEC/REC.
func SetErrorCounters(tec, rec uint8) {
	ControllerTEC.Set(float64(tec))
	ControllerREC.Set(float64(rec))
}

func IncWireRx(backend string) {
	BackendRxFrames.WithLabelValues(backend).Inc()
	localWireRx.Add(1)
}

func IncWireTx(backend string) {
	BackendTxFrames.WithLabelValues(backend).Inc()
	localWireTx.Add(1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	localTCPRx.Add(1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	localTCPTx.Add(uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	localHubDrop.Add(1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	localHubKick.Add(1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	localHubReject.Add(1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	localHubClients.Store(uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	localErrors.Add(1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	localMalformed.Add(1)
}

// InitBuildInfo sets the build info gauge and pre-registers label series.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
		ErrSocketCANRead, ErrSocketCANWrite, ErrSocketCANOver,
		ErrCanbusWrite, ErrControllerTx, ErrControllerRx, ErrDispatch,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, k := range eventKinds {
		ControllerEvents.WithLabelValues(k).Add(0)
	}
}

// SetReadinessFunc registers the function backing /ready.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// Ready reports readiness; with no function registered it is true.
func Ready() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
