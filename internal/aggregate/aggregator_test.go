package aggregate

import (
	"math"
	"testing"
	"time"

	"github.com/cubigato/gmc-geiger-mqtt/internal/domain"
)

func mustNew(t *testing.T, window time.Duration, factor float64) *Aggregator {
	t.Helper()
	a, err := New(window, factor)
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return a
}

func reading(t *testing.T, cpm int, ts time.Time) domain.Reading {
	t.Helper()
	r, err := domain.NewReading(cpm, ts)
	if err != nil {
		t.Fatalf("new reading: %v", err)
	}
	return r
}

func TestNewRejectsInvalidParameters(t *testing.T) {
	if _, err := New(0, 0.0065); err == nil {
		t.Fatalf("expected error for zero window")
	}
	if _, err := New(-time.Second, 0.0065); err == nil {
		t.Fatalf("expected error for negative window")
	}
	if _, err := New(10*time.Minute, 0); err == nil {
		t.Fatalf("expected error for zero factor")
	}
	if _, err := New(10*time.Minute, -0.01); err == nil {
		t.Fatalf("expected error for negative factor")
	}
}

func TestAggregateEmpty(t *testing.T) {
	a := mustNew(t, 10*time.Minute, 0.0065)
	if _, ok := a.Aggregate(); ok {
		t.Fatalf("expected no aggregate from empty window")
	}
	if a.SampleCount() != 0 {
		t.Fatalf("expected 0 samples, got %d", a.SampleCount())
	}
}

func TestAggregateSingleReading(t *testing.T) {
	a := mustNew(t, 10*time.Minute, 0.0065)
	a.Add(reading(t, 42, time.Now()))

	got, ok := a.Aggregate()
	if !ok {
		t.Fatalf("expected aggregate")
	}
	if got.CPMAvg != 42.0 || got.CPMMin != 42 || got.CPMMax != 42 || got.SampleCount != 1 {
		t.Fatalf("unexpected aggregate: %+v", got)
	}
}

func TestAggregateStatistics(t *testing.T) {
	a := mustNew(t, 10*time.Minute, 0.0065)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i, cpm := range []int{20, 22, 24, 26, 28} {
		a.Add(reading(t, cpm, base.Add(time.Duration(i)*time.Second)))
	}

	got, ok := a.Aggregate()
	if !ok {
		t.Fatalf("expected aggregate")
	}
	if got.CPMAvg != 24.0 {
		t.Errorf("expected average 24.0, got %f", got.CPMAvg)
	}
	if got.CPMMin != 20 || got.CPMMax != 28 {
		t.Errorf("expected min 20 max 28, got %d/%d", got.CPMMin, got.CPMMax)
	}
	if got.SampleCount != 5 {
		t.Errorf("expected 5 samples, got %d", got.SampleCount)
	}
	if !got.Timestamp.Equal(base.Add(4 * time.Second)) {
		t.Errorf("expected timestamp of newest reading, got %s", got.Timestamp)
	}
	if got.Window != 10*time.Minute {
		t.Errorf("expected window echoed, got %s", got.Window)
	}
}

func TestAggregateDerivedAverage(t *testing.T) {
	a := mustNew(t, 10*time.Minute, 0.01)
	base := time.Now()
	for i := 0; i < 5; i++ {
		a.Add(reading(t, 100, base.Add(time.Duration(i)*time.Second)))
	}

	got, ok := a.Aggregate()
	if !ok {
		t.Fatalf("expected aggregate")
	}
	if math.Abs(got.USvHAvg-1.0) > 1e-9 {
		t.Fatalf("expected 1.0 µSv/h average, got %f", got.USvHAvg)
	}
}

func TestAggregateDoesNotMutate(t *testing.T) {
	a := mustNew(t, 10*time.Minute, 0.0065)
	base := time.Now()
	a.Add(reading(t, 10, base))
	a.Add(reading(t, 20, base.Add(time.Second)))

	first, _ := a.Aggregate()
	second, _ := a.Aggregate()
	if first != second {
		t.Fatalf("aggregate mutated state: %+v vs %+v", first, second)
	}
	if a.SampleCount() != 2 {
		t.Fatalf("expected 2 samples after aggregation, got %d", a.SampleCount())
	}
}

func TestAddEvictsStaleReadings(t *testing.T) {
	a := mustNew(t, time.Minute, 0.0065)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 120; i++ {
		a.Add(reading(t, 25, base.Add(time.Duration(i)*time.Second)))
	}

	// 60s window at 1s spacing keeps at most 61 readings, the extra
	// one sitting exactly on the inclusive boundary.
	if n := a.SampleCount(); n > 61 {
		t.Fatalf("expected at most 61 samples, got %d", n)
	}

	// Every survivor is within the window of the newest reading.
	newest := base.Add(119 * time.Second)
	cutoff := newest.Add(-time.Minute)
	got, ok := a.Aggregate()
	if !ok {
		t.Fatalf("expected aggregate")
	}
	age, ok := a.WindowAge()
	if !ok {
		t.Fatalf("expected window age")
	}
	if oldest := got.Timestamp.Add(-age); oldest.Before(cutoff) {
		t.Fatalf("oldest retained reading %s is before cutoff %s", oldest, cutoff)
	}
}

func TestAddBoundaryReadingRetained(t *testing.T) {
	a := mustNew(t, time.Minute, 0.0065)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a.Add(reading(t, 10, base))
	a.Add(reading(t, 20, base.Add(time.Minute)))

	// The eviction comparison is strict: a reading exactly window-old
	// survives.
	if a.SampleCount() != 2 {
		t.Fatalf("expected boundary reading retained, got %d samples", a.SampleCount())
	}

	a.Add(reading(t, 30, base.Add(time.Minute+time.Second)))
	if a.SampleCount() != 2 {
		t.Fatalf("expected first reading evicted, got %d samples", a.SampleCount())
	}
}

// A backdated reading moves the cutoff backwards along with itself:
// eviction always works relative to the newest appended timestamp,
// never the wall clock. Documenting behavior, not endorsing it.
func TestAddBackdatedCutoff(t *testing.T) {
	a := mustNew(t, time.Minute, 0.0065)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a.Add(reading(t, 10, base))
	a.Add(reading(t, 20, base.Add(30*time.Second)))

	// Two minutes ahead: evicts both earlier readings.
	a.Add(reading(t, 30, base.Add(2*time.Minute)))
	if a.SampleCount() != 1 {
		t.Fatalf("expected only newest reading, got %d", a.SampleCount())
	}

	// A reading older than the current tail is appended as-is; the
	// only survivor is not stale relative to the backdated cutoff, so
	// nothing is evicted and order in the buffer is now non-monotonic.
	a.Add(reading(t, 40, base.Add(90*time.Second)))
	if a.SampleCount() != 2 {
		t.Fatalf("expected 2 samples after backdated add, got %d", a.SampleCount())
	}
}

func TestShouldEmitGate(t *testing.T) {
	a := mustNew(t, 10*time.Minute, 0.0065)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !a.ShouldEmit(t0, 600*time.Second) {
		t.Fatalf("expected true before any emission")
	}

	a.MarkEmitted(t0)
	if a.ShouldEmit(t0.Add(30*time.Second), 600*time.Second) {
		t.Fatalf("expected false 30s after emission")
	}
	if !a.ShouldEmit(t0.Add(600*time.Second), 600*time.Second) {
		t.Fatalf("expected true at exactly the interval boundary")
	}
	if !a.ShouldEmit(t0.Add(601*time.Second), 600*time.Second) {
		t.Fatalf("expected true past the interval")
	}
}

func TestMarkEmittedUnconditional(t *testing.T) {
	a := mustNew(t, 10*time.Minute, 0.0065)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	a.MarkEmitted(t0)
	a.MarkEmitted(t0.Add(-time.Hour)) // engine accepts earlier marks
	if a.ShouldEmit(t0.Add(-30*time.Minute), time.Minute) != true {
		t.Fatalf("expected gate to follow the latest mark")
	}
}

func TestWindowAge(t *testing.T) {
	a := mustNew(t, 10*time.Minute, 0.0065)

	if _, ok := a.WindowAge(); ok {
		t.Fatalf("expected no window age for empty window")
	}

	base := time.Now()
	a.Add(reading(t, 10, base))
	age, ok := a.WindowAge()
	if !ok || age != 0 {
		t.Fatalf("expected zero age for single reading, got %s ok=%v", age, ok)
	}

	a.Add(reading(t, 20, base.Add(42*time.Second)))
	age, ok = a.WindowAge()
	if !ok || age != 42*time.Second {
		t.Fatalf("expected 42s age, got %s ok=%v", age, ok)
	}
}

func TestReset(t *testing.T) {
	a := mustNew(t, 10*time.Minute, 0.0065)
	base := time.Now()
	a.Add(reading(t, 10, base))
	a.MarkEmitted(base)

	a.Reset()
	if a.SampleCount() != 0 {
		t.Fatalf("expected empty window after reset, got %d", a.SampleCount())
	}
	if _, ok := a.Aggregate(); ok {
		t.Fatalf("expected no aggregate after reset")
	}
	if !a.ShouldEmit(base, time.Hour) {
		t.Fatalf("expected emission gate cleared by reset")
	}

	// Idempotent.
	a.Reset()
	if a.SampleCount() != 0 {
		t.Fatalf("expected reset to stay empty, got %d", a.SampleCount())
	}
}

func TestCompactionPreservesOrderUnderChurn(t *testing.T) {
	a := mustNew(t, 10*time.Second, 0.0065)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Long steady stream forces repeated head compaction.
	for i := 0; i < 10_000; i++ {
		a.Add(reading(t, i%50, base.Add(time.Duration(i)*time.Second)))
	}

	if n := a.SampleCount(); n > 11 {
		t.Fatalf("expected at most 11 samples in a 10s window, got %d", n)
	}
	got, ok := a.Aggregate()
	if !ok {
		t.Fatalf("expected aggregate")
	}
	if !got.Timestamp.Equal(base.Add(9_999 * time.Second)) {
		t.Fatalf("expected newest timestamp preserved, got %s", got.Timestamp)
	}
}
