package midifleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/midifleet/midifleet/internal/batch"
	"github.com/midifleet/midifleet/internal/device"
	"github.com/midifleet/midifleet/internal/mix"
	"github.com/midifleet/midifleet/internal/score"
)

type PlayerOption func(*playerConfig)

type playerConfig struct {
	logger   *zap.Logger
	rules    []mix.Rule
	unit     int
	speed    int
	limits   batch.Limits
	warmup   time.Duration
	cooldown time.Duration
}

func defaultPlayerConfig() playerConfig {
	return playerConfig{
		logger:   zap.NewNop(),
		unit:     mix.DefaultUnit,
		speed:    100,
		limits:   batch.DefaultLimits(),
		warmup:   3 * time.Second,
		cooldown: 3 * time.Second,
	}
}

func WithLogger(logger *zap.Logger) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.logger = logger
	}
}

// WithRules installs the channel mix rules, applied after tempo conversion.
func WithRules(rules ...mix.Rule) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.rules = rules
	}
}

// WithUnit sets the mixer's round-robin cycle length in milliseconds.
func WithUnit(unit int) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.unit = unit
	}
}

// WithSpeed sets the playback rate as a percentage; 200 plays twice as fast.
func WithSpeed(percent int) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.speed = percent
	}
}

func WithLimits(lim batch.Limits) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.limits = lim
	}
}

// WithWarmup sets the delay between device setup and the shared start
// instant, giving hardware time to settle.
func WithWarmup(d time.Duration) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.warmup = d
	}
}

// WithCooldown sets how long Play lingers after the last batch, letting
// devices drain before they are closed.
func WithCooldown(d time.Duration) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.cooldown = d
	}
}

// Player turns one score into a schedule and drives it onto devices.
type Player struct {
	score    *score.Score
	rules    []mix.Rule
	unit     int
	speed    int
	limits   batch.Limits
	warmup   time.Duration
	cooldown time.Duration
	log      *zap.Logger
}

func NewPlayer(sc *score.Score, opts ...PlayerOption) (*Player, error) {
	if sc == nil {
		return nil, errors.New("score must not be nil")
	}
	cfg := defaultPlayerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.speed <= 0 {
		return nil, fmt.Errorf("speed must be positive, got %d", cfg.speed)
	}
	if cfg.unit < 1 {
		return nil, fmt.Errorf("unit must be at least 1 ms, got %d", cfg.unit)
	}
	return &Player{
		score:    sc,
		rules:    cfg.rules,
		unit:     cfg.unit,
		speed:    cfg.speed,
		limits:   cfg.limits,
		warmup:   cfg.warmup,
		cooldown: cfg.cooldown,
		log:      cfg.logger,
	}, nil
}

type assignment struct {
	channel uint8
	dev     device.Device
	seqs    []batch.Sequence
}

// Play submits the schedule to the devices, channel i on device i. Every
// device connects and lights its indicator before the shared start instant;
// each batch dispatches at start+Sequence.Start on its device's own task. The
// first device error is returned once every task has joined; one failing
// device does not stop the others.
func (p *Player) Play(ctx context.Context, sched *Schedule, devices []device.Device) error {
	if sched == nil || len(sched.Channels) == 0 {
		p.log.Info("nothing to play")
		return nil
	}
	if len(devices) == 0 {
		return errors.New("no output devices")
	}

	var assigned []assignment
	for _, ch := range sched.Channels {
		if int(ch) >= len(devices) {
			p.log.Warn("channel has no device, dropping",
				zap.Uint8("channel", ch),
				zap.Int("devices", len(devices)))
			continue
		}
		assigned = append(assigned, assignment{channel: ch, dev: devices[ch], seqs: sched.Batches[ch]})
	}
	if len(assigned) == 0 {
		return fmt.Errorf("no channel fits the %d available devices", len(devices))
	}

	connected := make([]device.Device, 0, len(assigned))
	defer func() {
		for _, d := range connected {
			if err := d.Close(); err != nil {
				p.log.Warn("close device", zap.String("device", d.Name()), zap.Error(err))
			}
		}
	}()
	for _, a := range assigned {
		if err := a.dev.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", a.dev.Name(), err)
		}
		connected = append(connected, a.dev)
		r, g, b := indicatorColor(a.channel, p.rules)
		if err := a.dev.SetIndicator(r, g, b); err != nil {
			return fmt.Errorf("set indicator on %s: %w", a.dev.Name(), err)
		}
		p.log.Info("device ready",
			zap.String("device", a.dev.Name()),
			zap.Uint8("channel", a.channel),
			zap.Int("batches", len(a.seqs)),
			zap.String("indicator", fmt.Sprintf("#%02x%02x%02x", r, g, b)))
	}

	p.log.Info("starting playback",
		zap.Duration("warmup", p.warmup),
		zap.Int("span_ms", sched.Span()))
	if err := sleepCtx(ctx, p.warmup); err != nil {
		return err
	}

	start := time.Now()
	gate := make(chan struct{})
	var g errgroup.Group
	for _, a := range assigned {
		g.Go(func() error {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
			return p.runDevice(ctx, start, a)
		})
	}
	close(gate)
	err := g.Wait()
	p.log.Info("all devices finished")
	if cerr := sleepCtx(ctx, p.cooldown); err == nil {
		err = cerr
	}
	return err
}

// runDevice waits out each batch's absolute offset and submits it. Submit
// blocks for the batch duration, so the next wait is usually short.
func (p *Player) runDevice(ctx context.Context, start time.Time, a assignment) error {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for _, seq := range a.seqs {
		timer.Reset(time.Until(start.Add(time.Duration(seq.Start) * time.Millisecond)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.log.Debug("submitting batch",
			zap.String("device", a.dev.Name()),
			zap.Uint8("channel", a.channel),
			zap.Int("start_ms", seq.Start),
			zap.Int("ops", len(seq.Ops)))
		if err := a.dev.Submit(ctx, seq); err != nil {
			return fmt.Errorf("submit to %s at %d ms: %w", a.dev.Name(), seq.Start, err)
		}
	}
	p.log.Debug("device drained",
		zap.String("device", a.dev.Name()),
		zap.Uint8("channel", a.channel))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// indicatorColor derives a device lamp color from its channel. A mixed
// destination keys off the sum of its rule's sources so the lamp reflects
// what it plays; everything else keys off the channel id. The low three bits
// of p%7+1 drive red, green and blue, skipping black.
func indicatorColor(ch uint8, rules []mix.Rule) (r, g, b uint8) {
	p := int(ch)
	for _, rule := range rules {
		if rule.Dest == ch {
			p = 0
			for _, s := range rule.Sources {
				p += int(s)
			}
			break
		}
	}
	c := p%7 + 1
	return uint8(c&1) * 255, uint8(c>>1&1) * 255, uint8(c>>2&1) * 255
}
