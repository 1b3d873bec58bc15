// Package aggregate maintains a sliding time window of counter
// readings and computes min/max/average statistics over it. It is pure
// in-memory state: no locks, no I/O, no clock reads. Time only enters
// through the readings themselves and through explicit arguments, so a
// single goroutine must drive it (the bridge loop does).
package aggregate

import (
	"fmt"
	"time"

	"github.com/cubigato/gmc-geiger-mqtt/internal/domain"
)

// Aggregator owns an ordered buffer of readings bounded by a trailing
// time window, plus the gate that paces aggregate emission.
type Aggregator struct {
	window time.Duration
	factor float64

	// Window buffer: readings live in buf[head:]. Eviction advances
	// head; Add appends at the tail. The slice is compacted once the
	// dead prefix outgrows the live part, keeping the amortized cost
	// of an Add at O(1).
	buf  []domain.Reading
	head int

	lastEmitted time.Time
	emitted     bool
}

// New constructs an Aggregator. The window and conversion factor are
// fixed for the lifetime of the instance and must be positive.
func New(window time.Duration, factor float64) (*Aggregator, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}
	if factor <= 0 {
		return nil, fmt.Errorf("conversion factor must be positive, got %g", factor)
	}
	return &Aggregator{window: window, factor: factor}, nil
}

// Window returns the configured window duration.
func (a *Aggregator) Window() time.Duration { return a.window }

// Add appends a reading and evicts entries that fell out of the
// window. The cutoff is computed from the appended reading's own
// timestamp, not from a wall clock: a backdated reading therefore
// prunes against its own (older) time and can drop entries that are
// not stale in wall-clock terms. Callers feeding monotonic timestamps
// never observe this.
func (a *Aggregator) Add(r domain.Reading) {
	a.buf = append(a.buf, r)

	cutoff := r.Timestamp.Add(-a.window)
	for a.head < len(a.buf) && a.buf[a.head].Timestamp.Before(cutoff) {
		a.head++
	}

	if a.head > len(a.buf)/2 {
		n := copy(a.buf, a.buf[a.head:])
		a.buf = a.buf[:n]
		a.head = 0
	}
}

// Aggregate computes statistics over the current window. The second
// return value is false when the window is empty; an empty window is a
// normal state right after startup or Reset, not an error. The buffer
// and the emission gate are left untouched.
func (a *Aggregator) Aggregate() (domain.AggregatedReading, bool) {
	live := a.buf[a.head:]
	if len(live) == 0 {
		return domain.AggregatedReading{}, false
	}

	sum := 0
	min := live[0].CPM
	max := live[0].CPM
	for _, r := range live {
		sum += r.CPM
		if r.CPM < min {
			min = r.CPM
		}
		if r.CPM > max {
			max = r.CPM
		}
	}
	avg := float64(sum) / float64(len(live))

	return domain.AggregatedReading{
		CPMAvg:      avg,
		CPMMin:      min,
		CPMMax:      max,
		USvHAvg:     avg * a.factor,
		Window:      a.window,
		SampleCount: len(live),
		Timestamp:   live[len(live)-1].Timestamp,
	}, true
}

// ShouldEmit reports whether enough time has passed since the last
// recorded emission. Always true before the first MarkEmitted. The
// boundary is inclusive: exactly minInterval elapsed qualifies.
func (a *Aggregator) ShouldEmit(now time.Time, minInterval time.Duration) bool {
	if !a.emitted {
		return true
	}
	return now.Sub(a.lastEmitted) >= minInterval
}

// MarkEmitted records an emission at the given time, unconditionally.
// Keeping "now" monotonic is the caller's responsibility.
func (a *Aggregator) MarkEmitted(now time.Time) {
	a.lastEmitted = now
	a.emitted = true
}

// SampleCount returns the number of readings currently in the window.
func (a *Aggregator) SampleCount() int {
	return len(a.buf) - a.head
}

// WindowAge returns the span between the oldest and newest readings.
// A single reading spans zero; only an empty window reports false.
func (a *Aggregator) WindowAge() (time.Duration, bool) {
	live := a.buf[a.head:]
	if len(live) == 0 {
		return 0, false
	}
	return live[len(live)-1].Timestamp.Sub(live[0].Timestamp), true
}

// Reset clears the buffer and the emission gate together, for a full
// restart after e.g. a configuration change.
func (a *Aggregator) Reset() {
	a.buf = nil
	a.head = 0
	a.lastEmitted = time.Time{}
	a.emitted = false
}
