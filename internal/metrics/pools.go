package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/objectfs/blobcache/pkg/types"
)

// poolCollector reads worker pool statistics at scrape time.
type poolCollector struct {
	stats     func() []types.PoolStats
	queued    *prometheus.Desc
	running   *prometheus.Desc
	completed *prometheus.Desc
	rejected  *prometheus.Desc
	panics    *prometheus.Desc
}

func newPoolCollector(config *Config, fn func() []types.PoolStats) *poolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(config.Namespace, config.Subsystem, name),
			help, []string{"pool"}, config.Labels)
	}
	return &poolCollector{
		stats:     fn,
		queued:    desc("pool_queued_tasks", "Tasks waiting in the pool queue"),
		running:   desc("pool_running_tasks", "Tasks currently running"),
		completed: desc("pool_completed_tasks_total", "Tasks completed by the pool"),
		rejected:  desc("pool_rejected_tasks_total", "Tasks rejected because the queue was full"),
		panics:    desc("pool_panics_total", "Tasks that panicked"),
	}
}

func (p *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.queued
	ch <- p.running
	ch <- p.completed
	ch <- p.rejected
	ch <- p.panics
}

func (p *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range p.stats() {
		ch <- prometheus.MustNewConstMetric(p.queued, prometheus.GaugeValue, float64(s.Queued), s.Name)
		ch <- prometheus.MustNewConstMetric(p.running, prometheus.GaugeValue, float64(s.Running), s.Name)
		ch <- prometheus.MustNewConstMetric(p.completed, prometheus.CounterValue, float64(s.Completed), s.Name)
		ch <- prometheus.MustNewConstMetric(p.rejected, prometheus.CounterValue, float64(s.Rejected), s.Name)
		ch <- prometheus.MustNewConstMetric(p.panics, prometheus.CounterValue, float64(s.Panics), s.Name)
	}
}
