// Package wave synthesizes op batches as a band-limited square wave.
package wave

import (
	"math"
	"sync"

	"github.com/midifleet/midifleet/internal/batch"
)

const (
	duty      = 0.5
	voiceGain = 0.25
	rampSec   = 0.002 // gain ramp at note edges, keeps the edges click-free
)

// Voice is a monophonic square-wave generator fed one op batch at a time.
// Process runs on the audio goroutine; Play and Cut may be called from any
// goroutine.
type Voice struct {
	mu         sync.Mutex
	sampleRate int
	ops        []batch.Op
	left       int     // frames left in the current op
	freq       float64 // 0 while resting
	phase      float64
	level      float64 // ramp state, 0..1
	done       chan struct{}
}

func NewVoice(sampleRate int) *Voice {
	return &Voice{sampleRate: sampleRate}
}

// Play replaces the queue with ops and returns a channel that closes once the
// final op has rendered in full. Replacing a still-playing queue releases the
// previous waiter immediately.
func (v *Voice) Play(ops []batch.Op) <-chan struct{} {
	done := make(chan struct{})
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.done != nil {
		close(v.done)
	}
	v.ops = append([]batch.Op(nil), ops...)
	v.left = 0
	v.done = done
	if len(v.ops) == 0 {
		close(done)
		v.done = nil
	}
	return done
}

// Cut drops the queue and silences the voice.
func (v *Voice) Cut() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ops = nil
	v.left = 0
	v.freq = 0
	if v.done != nil {
		close(v.done)
		v.done = nil
	}
}

// Process renders interleaved stereo frames. The queue advances by exact
// frame counts (Dur*rate/1000 per op), so offline rendering lands on the
// same boundaries as live playback.
func (v *Voice) Process(dst []float32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	frames := len(dst) / 2
	rampStep := 1 / (rampSec * float64(v.sampleRate))
	for f := 0; f < frames; f++ {
		for v.left == 0 && len(v.ops) > 0 {
			op := v.ops[0]
			v.ops = v.ops[1:]
			v.left = op.Dur * v.sampleRate / 1000
			if op.Note == batch.Rest {
				v.freq = 0
			} else {
				v.freq = midiToFreq(op.Note)
			}
		}
		if v.left == 0 && v.done != nil {
			close(v.done)
			v.done = nil
		}
		target := 0.0
		var s float64
		if v.left > 0 {
			v.left--
			if v.freq > 0 {
				target = 1
				s = v.square()
			}
		}
		if v.level < target {
			v.level = math.Min(v.level+rampStep, target)
		} else if v.level > target {
			v.level = math.Max(v.level-rampStep, 0)
		}
		out := float32(s * v.level * voiceGain)
		dst[f*2] = out
		dst[f*2+1] = out
	}
}

func (v *Voice) square() float64 {
	dt := v.freq / float64(v.sampleRate)
	v.phase += dt
	if v.phase >= 1 {
		v.phase -= 1
	}
	out := -1.0
	if v.phase < duty {
		out = 1
	}
	out += polyBLEP(v.phase, dt)
	out -= polyBLEP(math.Mod(v.phase-duty+1, 1), dt)
	return out
}

// polyBLEP smooths the step discontinuities of the naive square so the
// output stays band-limited.
func polyBLEP(t, dt float64) float64 {
	if t < dt {
		t /= dt
		return t + t - t*t - 1
	}
	if t > 1-dt {
		t = (t - 1) / dt
		return t*t + t + t + 1
	}
	return 0
}

func midiToFreq(note uint8) float64 {
	return 440 * math.Pow(2, (float64(note)-69)/12)
}
