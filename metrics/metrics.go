// Package metrics exposes the datapath's host/flow/ring-buffer state
// as Prometheus collectors, mirroring the exporter.Describe/Collect
// pattern used throughout the retrieved corpus's sockstats/conniver
// exporters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lqos-project/xdp-shaper/canon"
	"github.com/lqos-project/xdp-shaper/flowbee"
	"github.com/lqos-project/xdp-shaper/heimdall"
	"github.com/lqos-project/xdp-shaper/throughput"
)

// Collector implements prometheus.Collector over the datapath's
// throughput table, flow tracker, and heimdall's capture ring.
type Collector struct {
	throughputTable *throughput.Table
	flowTracker     *flowbee.Tracker
	heimdall        *heimdall.Heimdall

	hostsDesc         *prometheus.Desc
	flowsDesc         *prometheus.Desc
	bytesDesc         *prometheus.Desc
	packetsDesc       *prometheus.Desc
	retransmitsDesc   *prometheus.Desc
	flowDropsDesc     *prometheus.Desc
	heimdallDropsDesc *prometheus.Desc
}

func New(tbl *throughput.Table, tracker *flowbee.Tracker, h *heimdall.Heimdall) *Collector {
	return &Collector{
		throughputTable: tbl,
		flowTracker:     tracker,
		heimdall:        h,

		hostsDesc:         prometheus.NewDesc("xdp_shaper_hosts_total", "Number of distinct subscriber addresses tracked.", nil, nil),
		flowsDesc:         prometheus.NewDesc("xdp_shaper_flows_total", "Number of tracked flows.", nil, nil),
		bytesDesc:         prometheus.NewDesc("xdp_shaper_host_bytes_total", "Bytes observed per host and direction.", []string{"addr", "direction"}, nil),
		packetsDesc:       prometheus.NewDesc("xdp_shaper_host_packets_total", "Packets observed per host and direction.", []string{"addr", "direction"}, nil),
		retransmitsDesc:   prometheus.NewDesc("xdp_shaper_flow_retransmits_total", "Retransmits observed per flow direction.", []string{"direction"}, nil),
		flowDropsDesc:     prometheus.NewDesc("xdp_shaper_flow_events_dropped_total", "Flow events dropped because the ring buffer was full.", nil, nil),
		heimdallDropsDesc: prometheus.NewDesc("xdp_shaper_heimdall_events_dropped_total", "Heimdall capture events dropped because the ring buffer was full.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hostsDesc
	ch <- c.flowsDesc
	ch <- c.bytesDesc
	ch <- c.packetsDesc
	ch <- c.retransmitsDesc
	ch <- c.flowDropsDesc
	ch <- c.heimdallDropsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	hostCount := 0
	c.throughputTable.Each(func(addr canon.Addr, perCPU []throughput.Counter) {
		hostCount++
		var dl, ul, dlp, ulp uint64
		for _, cnt := range perCPU {
			dl += cnt.Bytes[throughput.DirDownload]
			ul += cnt.Bytes[throughput.DirUpload]
			dlp += cnt.Packets[throughput.DirDownload]
			ulp += cnt.Packets[throughput.DirUpload]
		}
		label := addr.String()
		ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(dl), label, "download")
		ch <- prometheus.MustNewConstMetric(c.bytesDesc, prometheus.CounterValue, float64(ul), label, "upload")
		ch <- prometheus.MustNewConstMetric(c.packetsDesc, prometheus.CounterValue, float64(dlp), label, "download")
		ch <- prometheus.MustNewConstMetric(c.packetsDesc, prometheus.CounterValue, float64(ulp), label, "upload")
	})
	ch <- prometheus.MustNewConstMetric(c.hostsDesc, prometheus.GaugeValue, float64(hostCount))

	flowCount := 0
	var retransDown, retransUp uint64
	c.flowTracker.Each(func(_ flowbee.FlowKey, e *flowbee.Entry) {
		flowCount++
		retransDown += uint64(e.Retransmits[flowbee.DirToLocal])
		retransUp += uint64(e.Retransmits[flowbee.DirToInternet])
	})
	ch <- prometheus.MustNewConstMetric(c.flowsDesc, prometheus.GaugeValue, float64(flowCount))
	ch <- prometheus.MustNewConstMetric(c.retransmitsDesc, prometheus.CounterValue, float64(retransDown), "download")
	ch <- prometheus.MustNewConstMetric(c.retransmitsDesc, prometheus.CounterValue, float64(retransUp), "upload")

	ch <- prometheus.MustNewConstMetric(c.flowDropsDesc, prometheus.CounterValue, float64(c.flowTracker.EventsDropped()))
	if c.heimdall != nil {
		ch <- prometheus.MustNewConstMetric(c.heimdallDropsDesc, prometheus.CounterValue, float64(c.heimdall.EventsDropped()))
	}
}
