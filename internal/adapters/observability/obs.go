// Package observability backs the Observability port with zap for
// structured logging and prometheus for metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cubigato/gmc-geiger-mqtt/internal/ports"
)

// Metric names shared with the stats CLI command.
const (
	MetricReadings     = "gmc_readings_total"
	MetricDeviceErrors = "gmc_device_errors_total"
	MetricPublishErrs  = "gmc_publish_errors_total"
	MetricAggregates   = "gmc_aggregates_published_total"
	MetricWindowSize   = "gmc_window_samples"
	MetricCurrentCPM   = "gmc_cpm"
	MetricReadLatency  = "gmc_read_latency_seconds"
)

type Obs struct {
	log      *zap.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// New registers the bridge's metrics on reg and wires logging to log.
func New(log *zap.Logger, reg prometheus.Registerer) *Obs {
	readings := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricReadings,
		Help: "Total readings polled from the device.",
	})
	deviceErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricDeviceErrors,
		Help: "Failed device polls.",
	})
	publishErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricPublishErrs,
		Help: "Failed MQTT publishes, realtime and aggregate.",
	})
	aggregates := prometheus.NewCounter(prometheus.CounterOpts{
		Name: MetricAggregates,
		Help: "Aggregated readings published.",
	})
	windowSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: MetricWindowSize,
		Help: "Readings currently held in the aggregation window.",
	})
	currentCPM := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: MetricCurrentCPM,
		Help: "Most recent CPM reading.",
	})
	readLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    MetricReadLatency,
		Help:    "Serial round-trip time for one CPM poll.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	reg.MustRegister(readings, deviceErrors, publishErrors, aggregates,
		windowSize, currentCPM, readLatency)

	return &Obs{
		log: log,
		counters: map[string]prometheus.Counter{
			MetricReadings:     readings,
			MetricDeviceErrors: deviceErrors,
			MetricPublishErrs:  publishErrors,
			MetricAggregates:   aggregates,
		},
		gauges: map[string]prometheus.Gauge{
			MetricWindowSize: windowSize,
			MetricCurrentCPM: currentCPM,
		},
		histos: map[string]prometheus.Observer{
			MetricReadLatency: readLatency,
		},
	}
}

func (o *Obs) LogDebug(msg string, fields ...ports.Field) {
	o.log.Debug(msg, zapFields(fields)...)
}

func (o *Obs) LogInfo(msg string, fields ...ports.Field) {
	o.log.Info(msg, zapFields(fields)...)
}

func (o *Obs) LogError(msg string, err error, fields ...ports.Field) {
	o.log.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (o *Obs) IncCounter(name string, v float64) {
	if c, ok := o.counters[name]; ok {
		c.Add(v)
	}
}

func (o *Obs) SetGauge(name string, v float64) {
	if g, ok := o.gauges[name]; ok {
		g.Set(v)
	}
}

func (o *Obs) ObserveLatency(name string, seconds float64) {
	if h, ok := o.histos[name]; ok {
		h.Observe(seconds)
	}
}

func zapFields(fields []ports.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*Obs)(nil)
