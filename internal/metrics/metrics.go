package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridsec_events_loaded",
		Help: "Number of events in the most recently loaded history.",
	})

	EventsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsec_events_skipped_total",
		Help: "Total number of malformed event records skipped while loading.",
	})

	AnonymizationRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsec_anonymization_runs_total",
		Help: "Total number of Laplace anonymization runs.",
	})

	AnonymizationUtilityLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridsec_anonymization_utility_loss_percent",
		Help: "Average utility loss of the last anonymization run.",
	})

	TrainingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridsec_training_duration_seconds",
		Help:    "Wall time of a full training run.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	ModelAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridsec_model_test_accuracy",
		Help: "Held-out accuracy of the currently served model.",
	})

	Predictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsec_predictions_total",
		Help: "Total number of single-event predictions, labelled by outcome.",
	}, []string{"label"})

	DetectionsFlagged = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gridsec_detections_flagged",
		Help: "Users flagged by the last run of each detector.",
	}, []string{"detector"})

	DetectionCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsec_detection_cache_lookups_total",
		Help: "Detector cache lookups, labelled by detector and result.",
	}, []string{"detector", "result"})

	PseudonymsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gridsec_pseudonyms_created_total",
		Help: "Total number of pseudonyms issued.",
	})

	PseudonymReversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridsec_pseudonym_reversions_total",
		Help: "Reversal attempts, labelled by outcome.",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsec_http_request_duration_ms",
		Help:    "HTTP request latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	}, []string{"method", "route", "status"})
)
