package progress

import "context"

// Sink receives batches of job events from a Hub. Consume is called from the
// Hub's single batching goroutine, so implementations only need to guard state
// they share with other readers.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is what the coordinator reports into. A nil *Hub is a valid Emitter
// that discards everything.
type Emitter interface {
	Emit(evt Event)
}
