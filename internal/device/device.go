// Package device abstracts the sound endpoints a schedule plays on: MIDI
// output ports and locally synthesized speakers.
package device

import (
	"context"

	"github.com/midifleet/midifleet/internal/batch"
)

// Device is one output endpoint. A device belongs to a single scheduler task
// once playback starts. Submit plays a whole batch and must not return
// before the batch has sounded out or ctx is canceled.
type Device interface {
	Name() string
	Connect(ctx context.Context) error
	SetIndicator(r, g, b uint8) error
	Submit(ctx context.Context, seq batch.Sequence) error
	Close() error
}
