package pipeline

import (
	"context"
	"sync"
)

// Streamer attaches a Registry to a streaming source: every message becomes
// an independent Run, bounded by a configurable parallelism cap. When the
// cap is saturated, the read loop blocks before consuming the next message,
// which is the back-pressure signal the spec asks the source to observe.
type Streamer struct {
	registry    *Registry
	parallelism int
}

// NewStreamer returns a Streamer bounded to parallelism concurrent runs.
func NewStreamer(registry *Registry, parallelism int) *Streamer {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Streamer{registry: registry, parallelism: parallelism}
}

// Ingest consumes messages until the channel closes or ctx is done,
// emitting one RunResult per message on the returned channel. The returned
// channel is closed once every in-flight run has finished.
func (s *Streamer) Ingest(ctx context.Context, messages <-chan any) <-chan RunResult {
	out := make(chan RunResult)
	sem := make(chan struct{}, s.parallelism)

	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(out)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				// Slot reserved; now wait for the next message or cancellation.
				select {
				case msg, ok := <-messages:
					if !ok {
						<-sem
						return
					}
					wg.Add(1)
					go func(m any) {
						defer wg.Done()
						defer func() { <-sem }()
						res := s.registry.Run(ctx, m)
						select {
						case out <- res:
						case <-ctx.Done():
						}
					}(msg)
				case <-ctx.Done():
					<-sem
					return
				}
			}
		}
	}()

	return out
}
