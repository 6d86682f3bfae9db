package kernelmgr

import (
	"time"

	"github.com/influxdata/kernelc"
	"github.com/prometheus/client_golang/prometheus"
)

var _ kernelc.KernelProfiler = (*Profiler)(nil)

// Profiler records kernel launch durations in a prometheus histogram.
type Profiler struct {
	LaunchDuration *prometheus.HistogramVec
}

// NewProfiler returns a profiler with the launch histogram labelled by
// kernel name.
func NewProfiler() *Profiler {
	return &Profiler{
		LaunchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kernelc",
			Subsystem: "kernel",
			Name:      "launch_duration_seconds",
			Help:      "Time taken to launch a compiled kernel.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"kernel"}),
	}
}

// Observe records a launch of kernel that took d.
func (p *Profiler) Observe(kernel string, d time.Duration) {
	p.LaunchDuration.WithLabelValues(kernel).Observe(d.Seconds())
}

// PrometheusCollectors returns the collectors to register.
func (p *Profiler) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{p.LaunchDuration}
}
