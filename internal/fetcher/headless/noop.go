package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/changewatch/internal/watch"
)

// ErrNotConfigured is returned when no remote browser URL is set.
var ErrNotConfigured = errors.New("browser fetcher not configured")

// Noop stands in for the browser fetcher when no endpoint is configured.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails so the watch records the misconfiguration as its last error.
func (Noop) Fetch(_ context.Context, request watch.FetchRequest) (watch.FetchResponse, error) {
	return watch.FetchResponse{}, watch.NewCheckError(watch.KindFetch, request.WatchID, ErrNotConfigured)
}

// IsReady reports the missing endpoint.
func (Noop) IsReady(context.Context) error {
	return ErrNotConfigured
}
