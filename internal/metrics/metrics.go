package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EntriesPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_entries_placed_total",
		Help: "Entry orders submitted, by symbol side and order type.",
	}, []string{"symbol", "side", "type"})

	ExitsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_exits_total",
		Help: "Closed trades, by exit classification and side.",
	}, []string{"result", "side"})

	SafetyInstalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_safety_installs_total",
		Help: "Safety order installation attempts, by outcome.",
	}, []string{"outcome"})

	TrailingAmendments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_trailing_amendments_total",
		Help: "Stop-loss orders replaced by the software trailing engine.",
	})

	SyncRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exec_sync_repairs_total",
		Help: "Tracker repairs made by order reconciliation, by kind.",
	}, []string{"kind"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_open_positions",
		Help: "Open positions currently held on the exchange.",
	})

	TrackedSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exec_tracked_symbols",
		Help: "Symbols with an active tracker entry.",
	})

	RealizedProfit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_realized_profit_usdt_total",
		Help: "Cumulative realized profits in USDT.",
	})

	RealizedLoss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exec_realized_loss_usdt_total",
		Help: "Cumulative realized losses in USDT, absolute value.",
	})
)

// Serve exposes /metrics on addr. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
