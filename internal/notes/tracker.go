// Package notes collapses polyphonic track streams into monophonic
// channel transitions.
package notes

import (
	"sort"

	"github.com/midifleet/midifleet/internal/score"
)

type Kind uint8

const (
	Start Kind = iota
	Stop
	Tempo
)

// Transition is one channel-level change: a note starting or stopping, or a
// tempo change taking effect. Tick is absolute from the track start.
type Transition struct {
	Tick    uint64
	Channel uint8
	Kind    Kind
	Note    uint8  // Start only
	Tempo   uint32 // Tempo only, microseconds per beat
}

// tracker holds one channel's collapse state: every held note with the tick
// it was pressed at, and the note currently sounding.
type tracker struct {
	tick   uint64
	held   map[uint8]uint64
	active int // sounding note, -1 while silent
}

// Track collapses one track to transitions. When several notes are held the
// earliest-pressed one sounds; equal press ticks break to the lowest note.
// Note events sharing a tick are settled together, so simultaneous presses
// yield a single Start for the winner.
func Track(tr score.Track) []Transition {
	st := tracker{held: make(map[uint8]uint64), active: -1}
	out := []Transition{}
	dirty := false
	for _, ev := range tr.Events {
		if ev.Delta > 0 && dirty {
			out = st.settle(tr.Channel, out)
			dirty = false
		}
		st.tick += uint64(ev.Delta)
		switch ev.Kind {
		case score.EventNoteOn:
			if ev.Velocity == 0 {
				delete(st.held, ev.Note)
			} else {
				st.held[ev.Note] = st.tick
			}
			dirty = true
		case score.EventNoteOff:
			delete(st.held, ev.Note)
			dirty = true
		case score.EventTempo:
			out = append(out, Transition{Tick: st.tick, Channel: tr.Channel, Kind: Tempo, Tempo: ev.Tempo})
		case score.EventTrackEnd:
			if dirty {
				out = st.settle(tr.Channel, out)
				dirty = false
			}
			if st.active >= 0 {
				out = append(out, Transition{Tick: st.tick, Channel: tr.Channel, Kind: Stop})
			}
			st.held = make(map[uint8]uint64)
			st.active = -1
			st.tick = 0
		}
	}
	if dirty {
		out = st.settle(tr.Channel, out)
	}
	return out
}

// settle re-derives the sounding note from the held set and emits the Stop
// and/or Start the change requires. Emitting Stop before Start keeps every
// channel's stream strictly alternating.
func (st *tracker) settle(channel uint8, out []Transition) []Transition {
	next := -1
	var nextTick uint64
	for note, at := range st.held {
		if next < 0 || at < nextTick || (at == nextTick && int(note) < next) {
			next = int(note)
			nextTick = at
		}
	}
	if next == st.active {
		return out
	}
	if st.active >= 0 {
		out = append(out, Transition{Tick: st.tick, Channel: channel, Kind: Stop})
	}
	if next >= 0 {
		out = append(out, Transition{Tick: st.tick, Channel: channel, Kind: Start, Note: uint8(next)})
	}
	st.active = next
	return out
}

// Union collapses every track and merges the results, ordered by tick with
// ties ordered by channel. The sort is stable so each channel's own
// alternation survives the merge.
func Union(sc *score.Score) []Transition {
	out := []Transition{}
	for _, tr := range sc.Tracks {
		out = append(out, Track(tr)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tick != out[j].Tick {
			return out[i].Tick < out[j].Tick
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}
