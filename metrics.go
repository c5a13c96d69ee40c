package replicants

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ServerCollector exports replication counters for one Server.
type ServerCollector struct {
	srv *Server

	acceptedChanges *prometheus.Desc
	rejectedChanges *prometheus.Desc
	acceptedSets    *prometheus.Desc
	rejectedSets    *prometheus.Desc
	multicasts      *prometheus.Desc

	replicants *prometheus.Desc
	sockets    *prometheus.Desc
}

func NewServerCollector(srv *Server) *ServerCollector {
	return &ServerCollector{
		srv: srv,

		acceptedChanges: prometheus.NewDesc(
			"replicants_changes_accepted_total",
			"Incremental edits accepted against the current revision",
			nil, nil,
		),
		rejectedChanges: prometheus.NewDesc(
			"replicants_changes_rejected_total",
			"Incremental edits rejected for a stale parent revision",
			nil, nil,
		),
		acceptedSets: prometheus.NewDesc(
			"replicants_sets_accepted_total",
			"Whole-value writes accepted",
			nil, nil,
		),
		rejectedSets: prometheus.NewDesc(
			"replicants_sets_rejected_total",
			"Whole-value writes rejected for a foreign revision chain",
			nil, nil,
		),
		multicasts: prometheus.NewDesc(
			"replicants_multicasts_total",
			"Accepted updates fanned out to rooms",
			nil, nil,
		),
		replicants: prometheus.NewDesc(
			"replicants_registered",
			"Replicants the server currently owns",
			nil, nil,
		),
		sockets: prometheus.NewDesc(
			"replicants_sockets",
			"Sockets attached to the hub",
			nil, nil,
		),
	}
}

func (c *ServerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acceptedChanges
	ch <- c.rejectedChanges
	ch <- c.acceptedSets
	ch <- c.rejectedSets
	ch <- c.multicasts
	ch <- c.replicants
	ch <- c.sockets
}

func (c *ServerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := &c.srv.stats
	ch <- prometheus.MustNewConstMetric(c.acceptedChanges, prometheus.CounterValue, float64(stats.acceptedChanges.Load()))
	ch <- prometheus.MustNewConstMetric(c.rejectedChanges, prometheus.CounterValue, float64(stats.rejectedChanges.Load()))
	ch <- prometheus.MustNewConstMetric(c.acceptedSets, prometheus.CounterValue, float64(stats.acceptedSets.Load()))
	ch <- prometheus.MustNewConstMetric(c.rejectedSets, prometheus.CounterValue, float64(stats.rejectedSets.Load()))
	ch <- prometheus.MustNewConstMetric(c.multicasts, prometheus.CounterValue, float64(stats.multicasts.Load()))
	ch <- prometheus.MustNewConstMetric(c.replicants, prometheus.GaugeValue, float64(c.srv.replicants.Size()))
	ch <- prometheus.MustNewConstMetric(c.sockets, prometheus.GaugeValue, float64(c.srv.hub.Sockets()))
}
