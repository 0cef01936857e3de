package device

import (
	"context"
	"fmt"

	"github.com/midifleet/midifleet/internal/audio"
	"github.com/midifleet/midifleet/internal/batch"
	"github.com/midifleet/midifleet/internal/wave"
)

// Speaker synthesizes batches on the local audio output, one square-wave
// voice per device. All speakers in a process share the audio context and so
// must share a sample rate.
type Speaker struct {
	name  string
	rate  int
	voice *wave.Voice
	out   *audio.Output
}

// Speakers builds n speaker devices.
func Speakers(n, sampleRate int) []Device {
	devs := make([]Device, 0, n)
	for i := 0; i < n; i++ {
		devs = append(devs, &Speaker{name: fmt.Sprintf("speaker-%d", i), rate: sampleRate})
	}
	return devs
}

func (s *Speaker) Name() string { return s.name }

func (s *Speaker) Connect(ctx context.Context) error {
	s.voice = wave.NewVoice(s.rate)
	out, err := audio.NewOutput(s.rate, s.voice)
	if err != nil {
		return fmt.Errorf("audio output %s: %w", s.name, err)
	}
	s.out = out
	s.out.Play()
	return nil
}

// SetIndicator is a no-op: speakers have nothing to light.
func (s *Speaker) SetIndicator(r, g, b uint8) error { return nil }

func (s *Speaker) Submit(ctx context.Context, seq batch.Sequence) error {
	done := s.voice.Play(seq.Ops)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.voice.Cut()
		return ctx.Err()
	}
}

func (s *Speaker) Close() error {
	if s.out == nil {
		return nil
	}
	return s.out.Stop()
}
