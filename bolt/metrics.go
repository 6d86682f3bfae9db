package bolt

import (
	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

var _ prometheus.Collector = (*KernelStore)(nil)

var (
	boltWritesDesc = prometheus.NewDesc(
		"boltdb_writes_total",
		"Total number of boltdb writes",
		nil, nil)

	boltReadsDesc = prometheus.NewDesc(
		"boltdb_reads_total",
		"Total number of boltdb reads",
		nil, nil)

	kernelsDesc = prometheus.NewDesc(
		"kernelc_disk_kernels_total",
		"Number of compiled kernels stored on disk",
		nil, nil)
)

// Describe returns all descriptions of the collector.
func (s *KernelStore) Describe(ch chan<- *prometheus.Desc) {
	ch <- boltWritesDesc
	ch <- boltReadsDesc
	ch <- kernelsDesc
}

// Collect returns the current state of all metrics of the collector.
func (s *KernelStore) Collect(ch chan<- prometheus.Metric) {
	if s.db == nil {
		return
	}

	stats := s.db.Stats()
	ch <- prometheus.MustNewConstMetric(
		boltReadsDesc,
		prometheus.CounterValue,
		float64(stats.TxN),
	)
	ch <- prometheus.MustNewConstMetric(
		boltWritesDesc,
		prometheus.CounterValue,
		float64(stats.TxStats.Write),
	)

	var n int
	_ = s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(kernelsBucket).Stats().KeyN
		return nil
	})
	ch <- prometheus.MustNewConstMetric(
		kernelsDesc,
		prometheus.GaugeValue,
		float64(n),
	)
}
