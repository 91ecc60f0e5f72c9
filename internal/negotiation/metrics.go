package negotiation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	negotiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screenshare_negotiations_total",
		Help: "Resolved negotiations by outcome and denial reason.",
	}, []string{"outcome", "reason"})

	negotiationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screenshare_negotiations_active",
		Help: "Negotiations currently in progress.",
	})

	negotiationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "screenshare_negotiation_duration_seconds",
		Help:    "Time from request to resolution.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
	}, []string{"branch"})
)
