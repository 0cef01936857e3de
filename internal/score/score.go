// Package score loads Standard MIDI Files and flattens them into the
// per-track symbolic event streams the rest of the pipeline consumes.
package score

import (
	"fmt"
	"math"

	"gitlab.com/gomidi/midi/v2/smf"
	"go.uber.org/zap"
)

// DefaultTicksPerBeat is assumed when a file's time division is not
// metrical (SMPTE time code).
const DefaultTicksPerBeat = 480

type EventKind uint8

const (
	EventOther EventKind = iota
	EventNoteOn
	EventNoteOff
	EventTempo
	EventTrackEnd
)

// Event is one record of a track's stream. Delta counts ticks since the
// previous event on the same track.
type Event struct {
	Delta    uint32
	Kind     EventKind
	Note     uint8
	Velocity uint8  // EventNoteOn only; zero is a release in disguise
	Tempo    uint32 // EventTempo only, microseconds per beat
}

// Track is one file track. Channel is the track's index in the file; the
// channel nibble inside the MIDI messages is ignored.
type Track struct {
	Channel uint8
	Events  []Event
}

type Score struct {
	TicksPerBeat uint16
	Tracks       []Track
}

// Load reads and decodes the SMF file at path.
func Load(path string, logger *zap.Logger) (*Score, error) {
	data, err := smf.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	sc, err := Decode(data, logger)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return sc, nil
}

// Decode flattens an in-memory SMF. Each track gets a synthetic EventTrackEnd
// appended so downstream stages see an explicit close.
func Decode(data *smf.SMF, logger *zap.Logger) (*Score, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(data.Tracks) > 256 {
		return nil, fmt.Errorf("file has %d tracks, channel ids only cover 256", len(data.Tracks))
	}
	tpb := uint16(DefaultTicksPerBeat)
	if mt, ok := data.TimeFormat.(smf.MetricTicks); ok {
		tpb = mt.Resolution()
	} else {
		logger.Warn("time division is not metrical, assuming default resolution",
			zap.String("format", fmt.Sprint(data.TimeFormat)),
			zap.Uint16("ticks_per_beat", tpb))
	}
	sc := &Score{TicksPerBeat: tpb, Tracks: make([]Track, 0, len(data.Tracks))}
	for i, tr := range data.Tracks {
		t := Track{Channel: uint8(i), Events: make([]Event, 0, len(tr)+1)}
		for _, ev := range tr {
			t.Events = append(t.Events, classify(ev))
		}
		t.Events = append(t.Events, Event{Kind: EventTrackEnd})
		sc.Tracks = append(sc.Tracks, t)
	}
	return sc, nil
}

func classify(ev smf.Event) Event {
	var (
		channel, key, velocity uint8
		bpm                    float64
	)
	out := Event{Delta: ev.Delta, Kind: EventOther}
	switch {
	case ev.Message.GetNoteOn(&channel, &key, &velocity):
		out.Kind = EventNoteOn
		out.Note = key
		out.Velocity = velocity
	case ev.Message.GetNoteOff(&channel, &key, &velocity):
		out.Kind = EventNoteOff
		out.Note = key
	case ev.Message.GetMetaTempo(&bpm):
		out.Kind = EventTempo
		out.Tempo = tempoMicros(bpm)
	}
	return out
}

// tempoMicros recovers the microseconds-per-beat value stored in the file
// from the BPM the smf package exposes (bpm == 60e6 / micros).
func tempoMicros(bpm float64) uint32 {
	if bpm <= 0 {
		return 0
	}
	return uint32(math.Round(60000000.0 / bpm))
}

// NoteChannels lists, in ascending order, the channels that carry at least
// one note-on.
func (s *Score) NoteChannels() []uint8 {
	out := []uint8{}
	for _, tr := range s.Tracks {
		for _, ev := range tr.Events {
			if ev.Kind == EventNoteOn && ev.Velocity > 0 {
				out = append(out, tr.Channel)
				break
			}
		}
	}
	return out
}
