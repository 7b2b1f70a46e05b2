package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector bridges a Registry's Snapshot into Prometheus's pull model.
// The Snapshot/Registry pair above remains the core's own internal
// surface; Collector is purely an adapter so a production deployment can
// scrape it, and carries none of its own state.
type Collector struct {
	snapshot func() Snapshot

	lastCommitted    *prometheus.Desc
	localCommits     *prometheus.Desc
	certFailures     *prometheus.Desc
	replays          *prometheus.Desc
	bytesReplicated  *prometheus.Desc
	applyWindow      *prometheus.Desc
	commitWindow     *prometheus.Desc
	certIndexSize    *prometheus.Desc
	dependsDistance  *prometheus.Desc
	flowControlPause *prometheus.Desc
}

// NewCollector returns a Collector that calls snapshot on every scrape.
func NewCollector(snapshot func() Snapshot) *Collector {
	const ns = "wsrep"
	return &Collector{
		snapshot:         snapshot,
		lastCommitted:    prometheus.NewDesc(ns+"_last_committed_gsn", "Highest GSN committed locally.", nil, nil),
		localCommits:     prometheus.NewDesc(ns+"_local_commits_total", "Local transactions committed.", nil, nil),
		certFailures:     prometheus.NewDesc(ns+"_certification_failures_total", "Certification conflicts detected.", nil, nil),
		replays:          prometheus.NewDesc(ns+"_replays_total", "Transactions replayed after losing certification.", nil, nil),
		bytesReplicated:  prometheus.NewDesc(ns+"_bytes_replicated_total", "Bytes sent for ordering.", nil, nil),
		applyWindow:      prometheus.NewDesc(ns+"_apply_window_average", "Average apply monitor window size.", nil, nil),
		commitWindow:     prometheus.NewDesc(ns+"_commit_window_average", "Average commit monitor window size.", nil, nil),
		certIndexSize:    prometheus.NewDesc(ns+"_cert_index_size", "Current certification index key count.", nil, nil),
		dependsDistance:  prometheus.NewDesc(ns+"_cert_depends_distance_average", "Average assigned-minus-depends distance.", nil, nil),
		flowControlPause: prometheus.NewDesc(ns+"_flow_control_paused", "1 if flow control is currently pausing producers.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.lastCommitted
	ch <- c.localCommits
	ch <- c.certFailures
	ch <- c.replays
	ch <- c.bytesReplicated
	ch <- c.applyWindow
	ch <- c.commitWindow
	ch <- c.certIndexSize
	ch <- c.dependsDistance
	ch <- c.flowControlPause
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var s = c.snapshot()

	ch <- prometheus.MustNewConstMetric(c.lastCommitted, prometheus.GaugeValue, float64(s.LastCommitted))
	ch <- prometheus.MustNewConstMetric(c.localCommits, prometheus.CounterValue, float64(s.LocalCommits))
	ch <- prometheus.MustNewConstMetric(c.certFailures, prometheus.CounterValue, float64(s.CertificationFailures))
	ch <- prometheus.MustNewConstMetric(c.replays, prometheus.CounterValue, float64(s.Replays))
	ch <- prometheus.MustNewConstMetric(c.bytesReplicated, prometheus.CounterValue, float64(s.BytesReplicated))
	ch <- prometheus.MustNewConstMetric(c.applyWindow, prometheus.GaugeValue, s.ApplyWindowAverage)
	ch <- prometheus.MustNewConstMetric(c.commitWindow, prometheus.GaugeValue, s.CommitWindowAverage)
	ch <- prometheus.MustNewConstMetric(c.certIndexSize, prometheus.GaugeValue, float64(s.CertIndexSize))
	ch <- prometheus.MustNewConstMetric(c.dependsDistance, prometheus.GaugeValue, s.DependsDistance)

	var paused float64
	if s.FlowControlPaused {
		paused = 1
	}
	ch <- prometheus.MustNewConstMetric(c.flowControlPause, prometheus.GaugeValue, paused)
}

var _ prometheus.Collector = (*Collector)(nil)
