// Package audio bridges sample sources onto the process-wide ebiten audio
// context.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

// SampleSource produces interleaved stereo float32 frames. Process is called
// from the audio driver's goroutine and must always fill dst completely,
// padding with silence when it has nothing to play.
type SampleSource interface {
	Process(dst []float32)
}

// reader adapts a SampleSource to the little-endian float32 byte stream the
// ebiten player pulls. One frame is 8 bytes: two float32 samples.
type reader struct {
	mu     sync.Mutex
	source SampleSource
	buf    []float32
}

func (r *reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	frames := len(p) / 8
	if frames == 0 {
		return 0, nil
	}
	need := frames * 2
	if cap(r.buf) < need {
		r.buf = make([]float32, need)
	}
	r.buf = r.buf[:need]
	r.source.Process(r.buf)
	for i := 0; i < need; i++ {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(r.buf[i]))
	}
	return frames * 8, nil
}

// Output streams one source through the shared audio context. Sources never
// signal an end; an Output plays silence until stopped.
type Output struct {
	player *ebitaudio.Player
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

// sharedAudioContext returns the process-wide context. ebiten allows exactly
// one, so every Output in the process must agree on the sample rate.
func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

func NewOutput(sampleRate int, source SampleSource) (*Output, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	pl, err := ctx.NewPlayerF32(&reader{source: source})
	if err != nil {
		return nil, err
	}
	return &Output{player: pl}, nil
}

func (o *Output) Play() { o.player.Play() }

func (o *Output) Stop() error {
	o.player.Pause()
	return o.player.Close()
}
