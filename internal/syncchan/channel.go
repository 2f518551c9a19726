// Package syncchan adapts the backend relay: a row-level change feed for one ride,
// delivered at least once and not strictly ordered.
package syncchan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/ride-tracking/internal/models"
)

// ErrTransport is matched by every publish, subscribe and REST failure.
var ErrTransport = errors.New("transport error")

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// Handler receives change events. It must not block for long; implementations call it
// from their delivery goroutine.
type Handler func(models.Patch)

type Subscription interface {
	Unsubscribe() error
}

// Channel is the realtime relay seen from one client process.
type Channel interface {
	Publish(ctx context.Context, rideID string, patch models.Patch) error
	Subscribe(ctx context.Context, rideID string, onChange Handler) (Subscription, error)
}

func channelName(rideID string) string { return "ride:" + rideID + ":changes" }

func encodePatch(p models.Patch) ([]byte, error) { return json.Marshal(p) }

func decodePatch(b []byte) (models.Patch, error) {
	var p models.Patch
	err := json.Unmarshal(b, &p)
	return p, err
}
