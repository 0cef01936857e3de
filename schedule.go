package midifleet

import (
	"sort"

	"go.uber.org/zap"

	"github.com/midifleet/midifleet/internal/batch"
	"github.com/midifleet/midifleet/internal/mix"
	"github.com/midifleet/midifleet/internal/notes"
	"github.com/midifleet/midifleet/internal/timeline"
)

// Schedule is a fully transformed playback plan: for every channel that ends
// up with sound, the op batches to submit in order.
type Schedule struct {
	Channels []uint8 // ascending
	Batches  map[uint8][]batch.Sequence
}

// Schedule runs the transform stages (collapse, tempo conversion, mixing,
// batching) without touching any device.
func (p *Player) Schedule() (*Schedule, error) {
	trans := notes.Union(p.score)
	intervals, err := timeline.Convert(trans, p.score.TicksPerBeat, p.speed)
	if err != nil {
		return nil, err
	}
	if len(p.rules) > 0 {
		intervals, err = mix.Apply(intervals, p.rules, p.unit)
		if err != nil {
			return nil, err
		}
	}
	batches := batch.Build(intervals, p.limits)
	channels := make([]uint8, 0, len(batches))
	for ch := range batches {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	p.log.Debug("schedule built",
		zap.Int("transitions", len(trans)),
		zap.Int("channels", len(channels)))
	return &Schedule{Channels: channels, Batches: batches}, nil
}

// Span returns the wall-clock length of the whole schedule in milliseconds.
func (s *Schedule) Span() int {
	max := 0
	for _, seqs := range s.Batches {
		if n := len(seqs); n > 0 {
			if end := seqs[n-1].Start + seqs[n-1].Total; end > max {
				max = end
			}
		}
	}
	return max
}
