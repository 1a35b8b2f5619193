// Package metrics exposes Prometheus instruments for the partitioning and
// query stages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RecordsPartitioned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geopart_records_partitioned_total",
		Help: "Total number of records assigned to a partition",
	})
	DegenerateRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geopart_degenerate_records_total",
		Help: "Total number of records skipped because their geometry is degenerate",
	})
	PartitionsScanned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geopart_partitions_scanned_total",
		Help: "Partitions visited by a query stage",
	}, []string{"op"})
	PartitionsPruned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geopart_partitions_pruned_total",
		Help: "Partitions skipped by extent pruning",
	}, []string{"op"})
	OverCostPartitions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geopart_over_cost_partitions_total",
		Help: "BSP leaves kept above the max cost because they are a single cell",
	})
	IndexBuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geopart_index_builds_total",
		Help: "Per-partition R-tree builds",
	}, []string{"mode"})
	StageDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geopart_stage_duration_ms",
		Help:    "Stage duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(RecordsPartitioned)
	prometheus.MustRegister(DegenerateRecords)
	prometheus.MustRegister(PartitionsScanned)
	prometheus.MustRegister(PartitionsPruned)
	prometheus.MustRegister(OverCostPartitions)
	prometheus.MustRegister(IndexBuilds)
	prometheus.MustRegister(StageDurationMs)
}

// ObserveStage records the time since start under op.
func ObserveStage(op string, start time.Time) {
	StageDurationMs.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
}

// Handler serves the default registry for scraping.
func Handler() http.Handler { return promhttp.Handler() }
