package midifleet

import (
	"encoding/binary"
	"math"

	"github.com/midifleet/midifleet/internal/wave"
)

const renderChunk = 512 // frames per offline Process call

// RenderSamples renders a schedule offline through the same square-wave
// voice the speaker device uses, one voice per channel summed into an
// interleaved stereo buffer. Frame accounting matches live playback exactly.
func RenderSamples(sched *Schedule, sampleRate int) []float32 {
	frames := msToFrames(sched.Span(), sampleRate)
	mixdown := make([]float32, frames*2)
	scratch := make([]float32, renderChunk*2)
	for _, ch := range sched.Channels {
		voice := wave.NewVoice(sampleRate)
		pos := 0
		for _, seq := range sched.Batches[ch] {
			// Render the gap too: it carries the previous batch's
			// release tail.
			if begin := msToFrames(seq.Start, sampleRate); begin > pos {
				pos = renderInto(voice, mixdown, scratch, pos, begin-pos)
			}
			voice.Play(seq.Ops)
			n := 0
			for _, op := range seq.Ops {
				n += msToFrames(op.Dur, sampleRate)
			}
			pos = renderInto(voice, mixdown, scratch, pos, n)
		}
	}
	for i, s := range mixdown {
		if s > 1 {
			mixdown[i] = 1
		} else if s < -1 {
			mixdown[i] = -1
		}
	}
	return mixdown
}

// RenderWAV renders the schedule and wraps it in a float32 WAV container.
func RenderWAV(sched *Schedule, sampleRate int) []byte {
	return EncodeWAVFloat32LE(RenderSamples(sched, sampleRate), sampleRate, 2)
}

func msToFrames(ms, sampleRate int) int {
	return ms * sampleRate / 1000
}

func renderInto(v *wave.Voice, mixdown, scratch []float32, from, frames int) int {
	for frames > 0 {
		n := len(scratch) / 2
		if n > frames {
			n = frames
		}
		buf := scratch[:n*2]
		v.Process(buf)
		base := from * 2
		for i, s := range buf {
			if base+i < len(mixdown) {
				mixdown[base+i] += s
			}
		}
		from += n
		frames -= n
	}
	return from
}

// EncodeWAVFloat32LE wraps interleaved samples in a WAV container with
// format tag 3 (IEEE float).
func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
