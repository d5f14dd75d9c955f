package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastaudit_fetches_total",
			Help: "Total adapter and resolver calls by outcome",
		},
		[]string{"provider", "source", "outcome"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forecastaudit_fetch_latency_seconds",
			Help:    "Adapter and resolver call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ForecastsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastaudit_forecasts_recorded_total",
			Help: "Forecast rows appended to the ledger",
		},
		[]string{"source"},
	)

	ActualsUpdated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forecastaudit_actual_rows_updated_total",
			Help: "Ledger rows that received actual observations",
		},
	)

	UnmatchedActuals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forecastaudit_unmatched_actuals_total",
			Help: "Resolved actuals that matched no ledger row",
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastaudit_runs_total",
			Help: "Pipeline runs by result",
		},
		[]string{"result"},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forecastaudit_last_run_timestamp_seconds",
			Help: "Unix time the last pipeline run finished",
		},
	)
)

// WriteTextfile writes the default registry in the node-exporter textfile
// format. Batch runs use it in place of a scrape endpoint.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
