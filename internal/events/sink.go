package events

import "context"

// Sink consumes batches of pipeline events. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// manager, optimizer, miner and crawler can remain agnostic about how events
// are buffered or delivered.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter discards every event. Handy default for tests.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}
