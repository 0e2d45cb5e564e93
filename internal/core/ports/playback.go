package ports

import (
	"context"

	"meshcast/internal/core/domain"
)

type ManifestFetcher interface {
	Fetch(ctx context.Context, url string) (*domain.Manifest, error)
}

// AdaptivePlayer renders one rendition at a time. Fatal decode or
// manifest errors after Play are reported through OnFatalError.
type AdaptivePlayer interface {
	SupportsAdaptive() bool
	Play(ctx context.Context, rendition domain.Rendition) error
	Switch(ctx context.Context, rendition domain.Rendition) error
	OnFatalError(fn func(error))
	Stop() error
}

// DirectReceiver accepts the broadcaster's transport on the viewer side.
type DirectReceiver interface {
	HandleSignal(msg domain.SignalMessage) error
	// Expect discards any earlier establishment; the next Await waits for
	// a transport negotiated after the call.
	Expect()
	// Await blocks until the transport is established or ctx is done.
	Await(ctx context.Context) error
	Close() error
}
