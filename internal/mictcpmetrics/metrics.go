// Package mictcpmetrics exposes a prometheus.Collector that walks the live
// socket table at scrape time, grounded on runZeroInc-sockstats's
// pkg/exporter.TCPInfoCollector: rather than pushing metrics on every state
// change, a Collect pass pulls current values straight from each connection
// record under its lock, so instrumentation never races the state machine.
package mictcpmetrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnSnapshot is the read-only view of one connection the collector needs;
// the mictcp package supplies these at scrape time without the collector
// ever touching a connection's lock directly.
type ConnSnapshot struct {
	ConnID          string
	PublicFD        int
	State           string
	CurrentSeqNum   uint32
	WindowOnesCount int
	WindowWidth     int
	Tolerance       int
	MeasuredLossPct float64
	ProbeMeasured   bool
}

// Source is implemented by the socket table: Snapshot returns one
// ConnSnapshot per live connection.
type Source interface {
	Snapshot() []ConnSnapshot
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	mu     sync.Mutex
	source Source

	currentSeqNum   *prometheus.Desc
	windowOccupancy *prometheus.Desc
	tolerance       *prometheus.Desc
	measuredLoss    *prometheus.Desc
}

// New builds a Collector over the given socket-table Source.
func New(source Source) *Collector {
	labels := []string{"conn", "fd", "state"}
	return &Collector{
		source: source,
		currentSeqNum: prometheus.NewDesc(
			"mictcp_current_seq_num", "Current sequence number of the connection.", labels, nil),
		windowOccupancy: prometheus.NewDesc(
			"mictcp_sliding_window_successes", "Set bits in the sliding-window bitmap.", labels, nil),
		tolerance: prometheus.NewDesc(
			"mictcp_tolerance", "Sliding-window loss tolerance of the connection.", labels, nil),
		measuredLoss: prometheus.NewDesc(
			"mictcp_measured_loss_percent", "Loss percentage measured by the connect-time reliability probe.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.currentSeqNum
	ch <- c.windowOccupancy
	ch <- c.tolerance
	ch <- c.measuredLoss
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, snap := range c.source.Snapshot() {
		labels := []string{snap.ConnID, strconv.Itoa(snap.PublicFD), snap.State}
		ch <- prometheus.MustNewConstMetric(c.currentSeqNum, prometheus.GaugeValue, float64(snap.CurrentSeqNum), labels...)
		ch <- prometheus.MustNewConstMetric(c.windowOccupancy, prometheus.GaugeValue, float64(snap.WindowOnesCount), labels...)
		ch <- prometheus.MustNewConstMetric(c.tolerance, prometheus.GaugeValue, float64(snap.Tolerance), labels...)
		if snap.ProbeMeasured {
			ch <- prometheus.MustNewConstMetric(c.measuredLoss, prometheus.GaugeValue, snap.MeasuredLossPct, labels...)
		}
	}
}
