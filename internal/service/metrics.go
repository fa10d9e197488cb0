package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcdattach_operations_total",
			Help: "Attachment service operations by outcome",
		},
		[]string{"operation", "result"},
	)

	blobDeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcdattach_blob_deletes_total",
			Help: "Physical file deletions by outcome",
		},
		[]string{"result"},
	)

	transferRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pcdattach_transfer_corrective_retries_total",
			Help: "Corrective retries issued after a failed transfer verification",
		},
	)

	transferInconsistenciesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pcdattach_transfer_inconsistencies_total",
			Help: "Transfers still inconsistent after the corrective retry",
		},
	)

	uploadBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pcdattach_upload_bytes",
			Help:    "Size of accepted uploads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)

func observeOperation(operation string, err error) {
	result := "ok"
	if err != nil {
		result = string(ErrorCategory(err))
	}
	operationsTotal.WithLabelValues(operation, result).Inc()
}
