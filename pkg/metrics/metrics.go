package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EventsScored counts scored custody events by outcome (normal/anomaly).
var EventsScored = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "armorytrace_events_scored_total",
		Help: "Total number of custody events run through the anomaly pipeline",
	},
	[]string{"outcome"},
)

// AnomaliesBySeverity counts anomaly verdicts by severity label.
var AnomaliesBySeverity = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "armorytrace_anomalies_total",
		Help: "Total anomaly verdicts by severity",
	},
	[]string{"severity"},
)

// ScoringLatency records latency distribution for single-event scoring.
var ScoringLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "armorytrace_scoring_latency_seconds",
		Help:    "Latency in seconds to score one custody event",
		Buckets: prometheus.DefBuckets,
	},
)

// TrainingRuns counts model training attempts by result.
var TrainingRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "armorytrace_training_runs_total",
		Help: "Total clustering model training runs by result",
	},
	[]string{"result"},
)

// AlertsPublished counts notification attempts by result.
var AlertsPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "armorytrace_alerts_published_total",
		Help: "Total anomaly alerts published to the broker",
	},
	[]string{"result"},
)

// Database connection pool gauges.
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "armorytrace_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "armorytrace_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "armorytrace_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(EventsScored, AnomaliesBySeverity, ScoringLatency)
	prometheus.MustRegister(TrainingRuns, AlertsPublished)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
