package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/cubigato/gmc-geiger-mqtt/internal/ports"
)

func TestCountersAndGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := New(zap.NewNop(), reg)

	obs.IncCounter(MetricReadings, 1)
	obs.IncCounter(MetricReadings, 1)
	obs.IncCounter(MetricDeviceErrors, 1)
	obs.SetGauge(MetricWindowSize, 42)
	obs.SetGauge(MetricCurrentCPM, 31)
	obs.ObserveLatency(MetricReadLatency, 0.12)

	if got := testutil.ToFloat64(obs.counters[MetricReadings]); got != 2 {
		t.Errorf("expected 2 readings, got %f", got)
	}
	if got := testutil.ToFloat64(obs.counters[MetricDeviceErrors]); got != 1 {
		t.Errorf("expected 1 device error, got %f", got)
	}
	if got := testutil.ToFloat64(obs.gauges[MetricWindowSize]); got != 42 {
		t.Errorf("expected window gauge 42, got %f", got)
	}
	if got := testutil.ToFloat64(obs.gauges[MetricCurrentCPM]); got != 31 {
		t.Errorf("expected cpm gauge 31, got %f", got)
	}
}

func TestUnknownMetricIgnored(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := New(zap.NewNop(), reg)

	// Unknown names are dropped rather than panicking the loop.
	obs.IncCounter("no_such_metric", 1)
	obs.SetGauge("no_such_metric", 1)
	obs.ObserveLatency("no_such_metric", 1)
}

func TestLoggingDoesNotPanicWithFields(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := New(zap.NewNop(), reg)

	obs.LogInfo("hello", ports.Field{Key: "k", Value: 1})
	obs.LogDebug("debug", ports.Field{Key: "k", Value: "v"})
	obs.LogError("oops", nil, ports.Field{Key: "k", Value: 3.14})
}
