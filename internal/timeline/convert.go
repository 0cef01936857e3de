// Package timeline converts tick-based transitions into wall-clock note
// intervals by replaying the tempo curve.
package timeline

import (
	"errors"

	"github.com/midifleet/midifleet/internal/notes"
)

// DefaultTempo is the microseconds-per-beat in force before any tempo event.
const DefaultTempo = 500000

// Interval is one wall-clock sound span: Channel plays Note from Start for
// Len milliseconds. Start and Len are always multiples of 10.
type Interval struct {
	Channel uint8
	Start   int
	Len     int
	Note    uint8
}

type pending struct {
	start int
	note  uint8
}

// Convert replays tick-ordered transitions against the tempo curve and
// returns each channel's intervals in playback order. speed is a percentage;
// every tempo value, the default included, is scaled by 100/speed.
//
// Wall clock for a tick is the exact running product sum(dticks*tempo) over
// the closed tempo segments, floored to milliseconds once and then to the
// 10 ms grid. Keeping the products exact makes the result independent of how
// the curve is split: restating the current tempo mid-note cannot move a
// boundary.
func Convert(trans []notes.Transition, ticksPerBeat uint16, speed int) (map[uint8][]Interval, error) {
	if ticksPerBeat == 0 {
		return nil, errors.New("ticks per beat must be positive")
	}
	if speed <= 0 {
		return nil, errors.New("speed must be positive")
	}
	scale := func(tempo uint32) uint64 { return uint64(tempo) * 100 / uint64(speed) }

	var (
		acc      uint64 // sum of dticks*tempo over closed segments
		lastTick uint64
		tempo    = scale(DefaultTempo)
		wall     int
		out      = map[uint8][]Interval{}
		open     = map[uint8]pending{}
	)
	at := func(tick uint64) int {
		ms := (acc + (tick-lastTick)*tempo) / 1000 / uint64(ticksPerBeat)
		return int(ms) / 10 * 10
	}
	for _, tr := range trans {
		wall = at(tr.Tick)
		switch tr.Kind {
		case notes.Tempo:
			if tr.Tempo == 0 {
				continue
			}
			acc += (tr.Tick - lastTick) * tempo
			lastTick = tr.Tick
			tempo = scale(tr.Tempo)
		case notes.Start:
			open[tr.Channel] = pending{start: wall, note: tr.Note}
		case notes.Stop:
			p, ok := open[tr.Channel]
			if !ok {
				continue
			}
			delete(open, tr.Channel)
			if wall > p.start {
				out[tr.Channel] = append(out[tr.Channel], Interval{Channel: tr.Channel, Start: p.start, Len: wall - p.start, Note: p.note})
			}
		}
	}
	// Anything left open closes at the last transition's wall clock.
	for ch, p := range open {
		if wall > p.start {
			out[ch] = append(out[ch], Interval{Channel: ch, Start: p.start, Len: wall - p.start, Note: p.note})
		}
	}
	return out, nil
}
