// Package source provides in-process frame producers used by local devices.
package source

import (
	"context"

	"github.com/babelcloud/depthstream/internal/frame"
	"github.com/babelcloud/depthstream/internal/settings"
)

// Source defines the interface for in-process depth frame producers.
type Source interface {
	// Start begins capturing
	Start(ctx context.Context) error

	// Stop stops capturing
	Stop() error

	// Subscribe returns a channel of captured frames
	Subscribe(subscriberID string, bufferSize int) <-chan *frame.Frame

	// Unsubscribe removes a frame subscriber and closes its channel
	Unsubscribe(subscriberID string)

	// ApplySettings applies a settings record synchronously
	ApplySettings(rec settings.Record) error
}
