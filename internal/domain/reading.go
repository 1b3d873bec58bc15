package domain

import (
	"fmt"
	"strings"
	"time"
)

// ErrNegativeCPM is returned when a reading is constructed with a
// negative count.
var ErrNegativeCPM = fmt.Errorf("cpm must be non-negative")

// Reading is a single radiation observation from the counter: counts
// per minute plus the wall-clock time it was taken.
type Reading struct {
	CPM       int       `json:"cpm"`
	Timestamp time.Time `json:"timestamp"`
}

// NewReading validates and constructs a Reading.
func NewReading(cpm int, ts time.Time) (Reading, error) {
	if cpm < 0 {
		return Reading{}, fmt.Errorf("%w, got %d", ErrNegativeCPM, cpm)
	}
	return Reading{CPM: cpm, Timestamp: ts}, nil
}

// USvPerHour converts the raw count to microsieverts per hour. The
// factor depends on the tube; 0.0065 is typical for GMC devices.
func (r Reading) USvPerHour(factor float64) float64 {
	return float64(r.CPM) * factor
}

// AggregatedReading is the windowed summary computed over the trailing
// sample buffer. Averages are unrounded; formatting is the publisher's
// concern.
type AggregatedReading struct {
	CPMAvg      float64
	CPMMin      int
	CPMMax      int
	USvHAvg     float64
	Window      time.Duration
	SampleCount int
	Timestamp   time.Time
}

// DeviceInfo describes the connected counter as reported over serial.
type DeviceInfo struct {
	Model   string
	Version string
	Serial  string
}

// ID derives the identifier used in MQTT topics: the serial number
// when the device reports one, otherwise the sanitized model name.
func (d DeviceInfo) ID() string {
	if d.Serial != "" {
		return strings.ToLower(d.Serial)
	}
	id := strings.ToLower(d.Model)
	id = strings.ReplaceAll(id, " ", "_")
	id = strings.ReplaceAll(id, "-", "_")
	return id
}

func (d DeviceInfo) String() string {
	if d.Serial != "" {
		return fmt.Sprintf("GMC Device: %s (v%s, serial=%s)", d.Model, d.Version, d.Serial)
	}
	return fmt.Sprintf("GMC Device: %s (v%s)", d.Model, d.Version)
}
