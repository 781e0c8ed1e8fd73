package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/picoscratch/mintgate/metric"
	"github.com/picoscratch/mintgate/natsclient"
)

const natsMetricsService = "nats"

// natsSource is the part of *natsclient.Client the connection gauges read
type natsSource interface {
	Failures() int32
	RTT() (time.Duration, error)
}

var _ natsSource = (*natsclient.Client)(nil)

// registerNATSMetrics exposes the connection's failure count and round trip
// time as gauges read at scrape time. The returned func removes them.
func registerNATSMetrics(reg *metric.MetricsRegistry, src natsSource) (func(), error) {
	failures := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mintgate",
		Subsystem: "nats",
		Name:      "failures",
		Help:      "Failed NATS operations since the last success",
	}, func() float64 { return float64(src.Failures()) })

	rtt := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "mintgate",
		Subsystem: "nats",
		Name:      "rtt_seconds",
		Help:      "Round trip time to the NATS server, 0 while disconnected",
	}, func() float64 {
		d, err := src.RTT()
		if err != nil {
			return 0
		}
		return d.Seconds()
	})

	if err := reg.Register(natsMetricsService, "failures", failures); err != nil {
		return nil, err
	}
	if err := reg.Register(natsMetricsService, "rtt_seconds", rtt); err != nil {
		reg.Unregister(natsMetricsService, "failures")
		return nil, err
	}

	return func() {
		reg.Unregister(natsMetricsService, "failures")
		reg.Unregister(natsMetricsService, "rtt_seconds")
	}, nil
}
