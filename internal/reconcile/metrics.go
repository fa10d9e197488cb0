package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcdattach_sweeps_total",
			Help: "Orphan sweeps by outcome",
		},
		[]string{"result"},
	)

	sweepRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcdattach_sweep_repairs_total",
			Help: "Items repaired by orphan sweeps",
		},
		[]string{"kind"},
	)

	sweepFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pcdattach_sweep_item_failures_total",
			Help: "Items an orphan sweep could not repair",
		},
	)

	orphanFilesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pcdattach_orphan_files",
			Help: "Unreferenced files found by the last sweep",
		},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pcdattach_sweep_duration_seconds",
			Help:    "Orphan sweep wall time",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func recordReport(r Report, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case len(r.Failures) > 0:
		result = "partial"
	}
	sweepsTotal.WithLabelValues(result).Inc()
	sweepRepairsTotal.WithLabelValues("orphan_row").Add(float64(r.RowsRemoved))
	sweepRepairsTotal.WithLabelValues("blob").Add(float64(r.BlobsRemoved))
	sweepRepairsTotal.WithLabelValues("stray_reference").Add(float64(r.StrayReferencesRemoved))
	sweepRepairsTotal.WithLabelValues("missing_reference").Add(float64(r.MissingReferencesRestored))
	sweepRepairsTotal.WithLabelValues("orphan_file").Add(float64(r.OrphanFilesRemoved))
	sweepFailuresTotal.Add(float64(len(r.Failures)))
	orphanFilesGauge.Set(float64(len(r.OrphanFiles)))
	sweepDuration.Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
}
