package dfu

import "context"

// StateListener receives state events.
type StateListener func(StateEvent)

// ProgressListener receives progress events.
type ProgressListener func(ProgressEvent)

// EventSource is a transport's process-wide event bus. Listeners are invoked
// in emission order and must not block.
type EventSource interface {
	OnState(l StateListener) (remove func())
	OnProgress(l ProgressListener) (remove func())
}

// Transport drives the native DFU library. Only one update runs at a time;
// Abort is therefore global.
type Transport interface {
	EventSource

	// Start flashes firmwarePath onto target and blocks until the transport
	// is done. It returns nil when the update completed or was aborted, and
	// a native error otherwise.
	Start(ctx context.Context, target TargetID, firmwarePath string, opts Options) error

	// Abort asks the running update to stop. It is a no-op when idle.
	Abort(ctx context.Context) error
}

// Pauser is implemented by transports able to suspend an update.
type Pauser interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}
