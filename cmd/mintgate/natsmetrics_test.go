package main

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picoscratch/mintgate/metric"
)

type fakeNATS struct {
	failures int32
	rtt      time.Duration
	rttErr   error
}

func (f *fakeNATS) Failures() int32 { return f.failures }
func (f *fakeNATS) RTT() (time.Duration, error) { return f.rtt, f.rttErr }

func natsGauges(t *testing.T, reg *metric.MetricsRegistry) map[string]float64 {
	t.Helper()
	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		if len(mf.GetMetric()) == 1 && mf.GetMetric()[0].GetGauge() != nil {
			values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return values
}

func TestRegisterNATSMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	src := &fakeNATS{failures: 3, rtt: 250 * time.Millisecond}

	unregister, err := registerNATSMetrics(reg, src)
	require.NoError(t, err)

	values := natsGauges(t, reg)
	assert.Equal(t, 3.0, values["mintgate_nats_failures"])
	assert.InDelta(t, 0.25, values["mintgate_nats_rtt_seconds"], 1e-9)

	src.rttErr = errors.New("not connected")
	rtt, ok := natsGauges(t, reg)["mintgate_nats_rtt_seconds"]
	require.True(t, ok)
	assert.Zero(t, rtt)

	_, err = registerNATSMetrics(reg, src)
	assert.Error(t, err, "second registration must conflict")

	unregister()
	n, err := testutil.GatherAndCount(reg.PrometheusRegistry(), "mintgate_nats_failures", "mintgate_nats_rtt_seconds")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = registerNATSMetrics(reg, src)
	assert.NoError(t, err)
}
