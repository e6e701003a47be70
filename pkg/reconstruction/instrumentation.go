package reconstruction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	iterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mlem_iterations_total",
		Help: "Total MLEM iterations executed",
	}, []string{"refined"})

	reconstructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mlem_reconstructions_total",
		Help: "Total completed MLEM reconstructions",
	}, []string{"refined"})

	reconstructionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mlem_reconstruction_duration_seconds",
		Help:    "Wall time of one MLEM reconstruction",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"refined"})

	refinementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mlem_refinement_failures_total",
		Help: "Refinement hook calls that returned an error or a mismatched shape",
	})
)
