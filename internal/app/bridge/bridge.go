// Package bridge drives the poll → convert → aggregate → publish loop.
package bridge

import (
	"context"
	"time"

	"github.com/cubigato/gmc-geiger-mqtt/internal/adapters/observability"
	"github.com/cubigato/gmc-geiger-mqtt/internal/aggregate"
	"github.com/cubigato/gmc-geiger-mqtt/internal/ports"
)

// Params paces the loop. All three must be positive; ErrorBackoff
// defaults to 5s when zero.
type Params struct {
	PollInterval        time.Duration
	AggregationInterval time.Duration
	ErrorBackoff        time.Duration
}

// Bridge owns the single logical stream of control over the engine:
// it is the only caller of Add/ShouldEmit/Aggregate/MarkEmitted, so
// the engine needs no locking.
type Bridge struct {
	dev ports.Device
	pub ports.Publisher
	agg *aggregate.Aggregator
	obs ports.Observability
	p   Params
}

func New(dev ports.Device, pub ports.Publisher, agg *aggregate.Aggregator, obs ports.Observability, p Params) *Bridge {
	if p.ErrorBackoff <= 0 {
		p.ErrorBackoff = 5 * time.Second
	}
	return &Bridge{dev: dev, pub: pub, agg: agg, obs: obs, p: p}
}

// Run polls until the context is cancelled. Device and publish
// failures are logged, counted and ridden out; none of them stops the
// loop or feeds back into engine state.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		reading, err := b.dev.ReadCPM(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.obs.LogError("device_read_failed", err)
			b.obs.IncCounter(observability.MetricDeviceErrors, 1)
			if !sleepCtx(ctx, b.p.ErrorBackoff) {
				return nil
			}
			continue
		}

		b.obs.ObserveLatency(observability.MetricReadLatency, time.Since(start).Seconds())
		b.obs.IncCounter(observability.MetricReadings, 1)
		b.obs.SetGauge(observability.MetricCurrentCPM, float64(reading.CPM))
		b.obs.LogDebug("reading",
			ports.Field{Key: "cpm", Value: reading.CPM},
			ports.Field{Key: "window_samples", Value: b.agg.SampleCount()})

		// The realtime stream is independent of the aggregation path;
		// a failed publish must not keep the reading out of the window.
		if err := b.pub.PublishRealtime(ctx, reading); err != nil {
			b.obs.LogError("realtime_publish_failed", err)
			b.obs.IncCounter(observability.MetricPublishErrs, 1)
		}

		b.agg.Add(reading)
		b.obs.SetGauge(observability.MetricWindowSize, float64(b.agg.SampleCount()))

		if b.agg.ShouldEmit(reading.Timestamp, b.p.AggregationInterval) {
			if agg, ok := b.agg.Aggregate(); ok {
				if err := b.pub.PublishAggregate(ctx, agg); err != nil {
					b.obs.LogError("aggregate_publish_failed", err)
					b.obs.IncCounter(observability.MetricPublishErrs, 1)
				} else {
					b.obs.IncCounter(observability.MetricAggregates, 1)
				}
				// The gate moves on attempt, not on success: a dead
				// broker must not turn every poll into a publish.
				b.agg.MarkEmitted(reading.Timestamp)
			}
		}

		if !sleepCtx(ctx, b.p.PollInterval) {
			return nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
