package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv" // autoregisters the driver
	"go.uber.org/zap"

	"github.com/midifleet/midifleet/internal/batch"
)

const noteVelocity = 100

// Port plays batches on one MIDI output port, one note at a time on channel 0.
type Port struct {
	out  drivers.Out
	send func(midi.Message) error
	log  *zap.Logger
}

// Ports wraps every available MIDI output in a Device, in driver order.
func Ports(logger *zap.Logger) []Device {
	if logger == nil {
		logger = zap.NewNop()
	}
	outs := midi.GetOutPorts()
	devs := make([]Device, 0, len(outs))
	for _, out := range outs {
		devs = append(devs, &Port{out: out, log: logger})
	}
	return devs
}

// CloseDriver releases the underlying MIDI driver. Call once, after every
// port is closed.
func CloseDriver() {
	midi.CloseDriver()
}

func (p *Port) Name() string { return p.out.String() }

func (p *Port) Connect(ctx context.Context) error {
	send, err := midi.SendTo(p.out)
	if err != nil {
		return fmt.Errorf("open midi port %s: %w", p.out.String(), err)
	}
	p.send = send
	return nil
}

// SetIndicator is a no-op: a bare MIDI port has no lamp to light.
func (p *Port) SetIndicator(r, g, b uint8) error { return nil }

// Submit walks the ops against absolute deadlines taken at entry, so sleep
// jitter does not accumulate across a long batch.
func (p *Port) Submit(ctx context.Context, seq batch.Sequence) error {
	if p.send == nil {
		return errors.New("midi port not connected")
	}
	started := time.Now()
	elapsed := 0
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for _, op := range seq.Ops {
		if op.Note != batch.Rest {
			if err := p.send(midi.NoteOn(0, op.Note, noteVelocity)); err != nil {
				return fmt.Errorf("note on %s: %w", p.out.String(), err)
			}
		}
		elapsed += op.Dur
		timer.Reset(time.Until(started.Add(time.Duration(elapsed) * time.Millisecond)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			if op.Note != batch.Rest {
				if err := p.send(midi.NoteOff(0, op.Note)); err != nil {
					p.log.Warn("silence on cancel failed", zap.String("port", p.out.String()), zap.Error(err))
				}
			}
			return ctx.Err()
		}
		if op.Note != batch.Rest {
			if err := p.send(midi.NoteOff(0, op.Note)); err != nil {
				return fmt.Errorf("note off %s: %w", p.out.String(), err)
			}
		}
	}
	return nil
}

func (p *Port) Close() error {
	p.send = nil
	return p.out.Close()
}
