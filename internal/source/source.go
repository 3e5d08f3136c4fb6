// Package source implements transfer frame sources: a live TCP byte stream and
// offline replay from raw frame files, pcap captures and frame archives.
package source

import (
	"context"

	"firestige.xyz/skylink/internal/framesync"
)

// Source produces raw transfer frames in arrival order.
type Source interface {
	Name() string
	// Frames sends every frame to out until the input is exhausted or ctx is done.
	// It does not close out.
	Frames(ctx context.Context, out chan<- []byte) error
}

// SyncStatter is implemented by sources that recover frames with a Desynchronizer.
type SyncStatter interface {
	SyncStats() framesync.Stats
}

// emit sends each frame to out, stopping when ctx is done.
func emit(ctx context.Context, out chan<- []byte, frames ...[]byte) error {
	for _, f := range frames {
		select {
		case out <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
