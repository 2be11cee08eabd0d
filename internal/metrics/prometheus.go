package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trimodal_search_duration_seconds",
			Help:    "Search request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"query_type"},
	)

	SearchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_search_total",
			Help: "Total number of searches by terminal state",
		},
		[]string{"state"},
	)

	LegDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trimodal_leg_duration_seconds",
			Help:    "Search leg duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"leg"},
	)

	LegOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_leg_outcomes_total",
			Help: "Search leg outcomes",
		},
		[]string{"leg", "status"},
	)

	RelevanceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trimodal_relevance_score",
			Help:    "Estimated relevance of synthesized results",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	DeduplicatedResults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trimodal_deduplicated_results_total",
			Help: "Results merged by synthesis deduplication",
		},
	)

	ConfigResolutionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_config_resolution_failures_total",
			Help: "Searches that failed to resolve a learned configuration",
		},
		[]string{"kind"},
	)

	EnforcementViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_enforcement_violations_total",
			Help: "Provenance violations detected by config enforcement",
		},
		[]string{"mode"},
	)

	ConfigsStored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_configs_stored_total",
			Help: "Domain configurations committed to the state bridge",
		},
		[]string{"origin"},
	)

	DriftDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_drift_detected_total",
			Help: "Configuration drift detections",
		},
		[]string{"domain"},
	)

	UserSatisfaction = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_feedback_total",
			Help: "User feedback submissions",
		},
		[]string{"helpful"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_documents_processed_total",
			Help: "Corpus documents processed by the learning pipeline",
		},
		[]string{"domain"},
	)

	KGEntitiesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trimodal_kg_entities_written_total",
			Help: "Entities written to the knowledge graph",
		},
	)

	KGRelationsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trimodal_kg_relations_written_total",
			Help: "Relations written to the knowledge graph",
		},
	)

	BusMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_bus_messages_total",
			Help: "GraphComm messages by direction and type",
		},
		[]string{"direction", "type"},
	)

	TrainingJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trimodal_training_jobs_total",
			Help: "Training jobs by terminal state",
		},
		[]string{"state"},
	)
)

var initOnce sync.Once

// Init registers every collector once; later calls are no-ops.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			SearchDuration,
			SearchTotal,
			LegDuration,
			LegOutcomes,
			RelevanceScore,
			DeduplicatedResults,
			ConfigResolutionFailures,
			EnforcementViolations,
			ConfigsStored,
			DriftDetected,
			UserSatisfaction,
			CacheHits,
			CacheMisses,
			DocumentsProcessed,
			KGEntitiesWritten,
			KGRelationsWritten,
			BusMessages,
			TrainingJobs,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
