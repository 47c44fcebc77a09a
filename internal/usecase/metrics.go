package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Transfer attempts by outcome reason",
		},
		[]string{"outcome"},
	)

	transferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_transfer_duration_seconds",
			Help:    "Duration of transfer execution, including lock waits",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	otpVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_otp_verifications_total",
			Help: "One-time code verifications by result",
		},
		[]string{"reason"},
	)

	fanoutTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_fanout_tasks_total",
			Help: "Post-commit tasks by kind and status",
		},
		[]string{"kind", "status"},
	)

	fanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_fanout_dropped_total",
			Help: "Post-commit tasks dropped because the queue was full",
		},
	)
)
