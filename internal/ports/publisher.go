package ports

import (
	"context"

	"github.com/cubigato/gmc-geiger-mqtt/internal/domain"
)

// Publisher pushes readings to the message bus. Errors are reported to
// the caller, which logs and drops them; a failed publish never feeds
// back into sampling or engine state.
type Publisher interface {
	// Startup announces availability and the device identity.
	Startup(ctx context.Context) error

	PublishRealtime(ctx context.Context, r domain.Reading) error
	PublishAggregate(ctx context.Context, a domain.AggregatedReading) error

	// Shutdown announces unavailability.
	Shutdown(ctx context.Context) error
}
