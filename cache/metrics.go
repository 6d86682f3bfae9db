package cache

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the leading part of all published metrics for the kernel cache.
const namespace = "kernelc"

const cacheSubsystem = "cache" // sub-system associated with metrics for the kernel cache.

// cacheMetrics are a set of metrics concerned with tracking data about the
// kernel cache.
type cacheMetrics struct {
	labels prometheus.Labels // Read Only

	MemBytes   *prometheus.GaugeVec
	MemEntries *prometheus.GaugeVec

	// The following metrics include a `"tier" = {memory, disk}` label.
	Hits *prometheus.CounterVec

	Misses         *prometheus.CounterVec
	Compiles       *prometheus.CounterVec
	CompileErrors  *prometheus.CounterVec
	Evictions      *prometheus.CounterVec
	IOErrors       *prometheus.CounterVec
	CorruptRecords *prometheus.CounterVec
}

// newCacheMetrics initialises the prometheus metrics for the kernel cache.
func newCacheMetrics(labels prometheus.Labels) *cacheMetrics {
	var names []string
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	tierNames := append(append([]string(nil), names...), "tier")
	sort.Strings(tierNames)

	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      name,
			Help:      help,
		}, names)
	}

	return &cacheMetrics{
		labels: labels,
		MemBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      "memory_bytes",
			Help:      "Number of bytes of compiled kernels held in memory.",
		}, names),
		MemEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      "memory_entries",
			Help:      "Number of compiled kernels held in memory.",
		}, names),
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: cacheSubsystem,
			Name:      "hits_total",
			Help:      "Number of kernel lookups served from the cache.",
		}, tierNames),
		Misses:         counter("misses_total", "Number of kernel lookups that required a compile."),
		Compiles:       counter("compiles_total", "Number of kernels compiled."),
		CompileErrors:  counter("compile_errors_total", "Number of kernel compiles that failed."),
		Evictions:      counter("evictions_total", "Number of kernels removed from disk by the cleaning policy."),
		IOErrors:       counter("io_errors_total", "Number of failed disk reads and writes."),
		CorruptRecords: counter("corrupt_records_total", "Number of corrupt disk records discarded."),
	}
}

// TierLabels returns a copy of labels for use with per-tier metrics.
func (m *cacheMetrics) TierLabels(tier string) prometheus.Labels {
	l := make(map[string]string, len(m.labels)+1)
	for k, v := range m.labels {
		l[k] = v
	}
	l["tier"] = tier
	return l
}

// PrometheusCollectors returns the collectors to register.
func (m *cacheMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MemBytes,
		m.MemEntries,
		m.Hits,
		m.Misses,
		m.Compiles,
		m.CompileErrors,
		m.Evictions,
		m.IOErrors,
		m.CorruptRecords,
	}
}
