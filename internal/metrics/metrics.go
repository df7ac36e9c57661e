package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal counts dispatch calls by outcome: accepted, already_in_flight, failed.
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrapped_dispatch_total",
			Help: "Report generation dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wrapped_generation_duration_seconds",
			Help:    "Duration of report generation attempts by terminal status",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	GenerationsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wrapped_generations_in_flight",
			Help: "Report generations currently running in this process",
		},
	)

	TerminalWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wrapped_terminal_write_errors_total",
			Help: "Terminal job writes that could not be committed",
		},
	)

	StaleJobsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wrapped_stale_jobs_swept_total",
			Help: "Generating jobs failed by the staleness sweep",
		},
	)

	// GatewayRejections counts short-circuited requests by error code.
	GatewayRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrapped_gateway_rejections_total",
			Help: "Requests rejected by the gateway before reaching the handler",
		},
		[]string{"code"},
	)

	TautulliRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrapped_tautulli_requests_total",
			Help: "Tautulli API calls by command and result",
		},
		[]string{"cmd", "result"},
	)
)
