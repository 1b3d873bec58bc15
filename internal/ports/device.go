package ports

import (
	"context"

	"github.com/cubigato/gmc-geiger-mqtt/internal/domain"
)

// Device is the transport to a radiation counter. Implementations own
// all blocking I/O; reads respect the configured timeout so a shutdown
// request cannot hang behind an unresponsive device.
type Device interface {
	Connect(ctx context.Context) error
	Close() error

	// Info returns the identity captured during Connect.
	Info() domain.DeviceInfo

	// ReadCPM polls the device once and returns a timestamped reading.
	ReadCPM(ctx context.Context) (domain.Reading, error)
}
