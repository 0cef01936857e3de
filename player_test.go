package midifleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/midifleet/midifleet/internal/batch"
	"github.com/midifleet/midifleet/internal/device"
	"github.com/midifleet/midifleet/internal/mix"
	"github.com/midifleet/midifleet/internal/score"
)

// recordingDevice pretends each submitted batch takes its Total to play.
type recordingDevice struct {
	mu        sync.Mutex
	name      string
	base      time.Time
	connected bool
	indicator [3]uint8
	submits   []batch.Sequence
	times     []time.Duration
	submitErr error
	closed    bool
}

func (d *recordingDevice) Name() string { return d.name }

func (d *recordingDevice) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *recordingDevice) SetIndicator(r, g, b uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.indicator = [3]uint8{r, g, b}
	return nil
}

func (d *recordingDevice) Submit(ctx context.Context, seq batch.Sequence) error {
	d.mu.Lock()
	d.submits = append(d.submits, seq)
	d.times = append(d.times, time.Since(d.base))
	err := d.submitErr
	d.mu.Unlock()
	if err != nil {
		return err
	}
	t := time.NewTimer(time.Duration(seq.Total) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *recordingDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func emptyScore() *score.Score {
	return &score.Score{TicksPerBeat: 480}
}

func seqAt(ch uint8, start int, ops ...batch.Op) batch.Sequence {
	total := 0
	for _, op := range ops {
		total += op.Dur
	}
	return batch.Sequence{Channel: ch, Start: start, Total: total, Ops: ops}
}

func schedOf(seqs ...batch.Sequence) *Schedule {
	s := &Schedule{Batches: map[uint8][]batch.Sequence{}}
	for _, q := range seqs {
		if _, ok := s.Batches[q.Channel]; !ok {
			s.Channels = append(s.Channels, q.Channel)
		}
		s.Batches[q.Channel] = append(s.Batches[q.Channel], q)
	}
	return s
}

func TestPlayDispatchesInOrderAtOffsets(t *testing.T) {
	warmup := 30 * time.Millisecond
	pl, err := NewPlayer(emptyScore(), WithWarmup(warmup), WithCooldown(0))
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	dev := &recordingDevice{name: "fake-0", base: time.Now()}
	sched := schedOf(
		seqAt(0, 0, batch.Op{Note: 60, Dur: 20}),
		seqAt(0, 40, batch.Op{Note: 62, Dur: 10}),
	)
	if err := pl.Play(context.Background(), sched, []device.Device{dev}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if !dev.connected || !dev.closed {
		t.Fatalf("device lifecycle incomplete: connected=%v closed=%v", dev.connected, dev.closed)
	}
	if len(dev.submits) != 2 {
		t.Fatalf("expected 2 submits, got %d", len(dev.submits))
	}
	if dev.submits[0].Start != 0 || dev.submits[1].Start != 40 {
		t.Fatalf("batches out of order: %v", dev.submits)
	}
	// Dispatch can never run early: not before warm-up, not before the
	// batch offset.
	if dev.times[0] < warmup {
		t.Fatalf("first batch before warm-up: %v", dev.times[0])
	}
	if dev.times[1] < warmup+40*time.Millisecond {
		t.Fatalf("second batch before its offset: %v", dev.times[1])
	}
}

func TestPlayDeviceErrorDoesNotStopOthers(t *testing.T) {
	boom := errors.New("boom")
	pl, err := NewPlayer(emptyScore(), WithWarmup(0), WithCooldown(0))
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	bad := &recordingDevice{name: "bad", base: time.Now(), submitErr: boom}
	good := &recordingDevice{name: "good", base: time.Now()}
	sched := schedOf(
		seqAt(0, 0, batch.Op{Note: 60, Dur: 10}),
		seqAt(1, 0, batch.Op{Note: 62, Dur: 10}),
		seqAt(1, 20, batch.Op{Note: 64, Dur: 10}),
	)
	err = pl.Play(context.Background(), sched, []device.Device{bad, good})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the device error, got %v", err)
	}
	if len(good.submits) != 2 {
		t.Fatalf("healthy device should finish its schedule, got %d submits", len(good.submits))
	}
	if !bad.closed || !good.closed {
		t.Fatal("both devices must be closed after a failed run")
	}
}

func TestPlayDropsChannelsBeyondDevices(t *testing.T) {
	pl, err := NewPlayer(emptyScore(), WithWarmup(0), WithCooldown(0))
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	dev := &recordingDevice{name: "only", base: time.Now()}
	sched := schedOf(
		seqAt(0, 0, batch.Op{Note: 60, Dur: 10}),
		seqAt(3, 0, batch.Op{Note: 62, Dur: 10}),
	)
	if err := pl.Play(context.Background(), sched, []device.Device{dev}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if len(dev.submits) != 1 || dev.submits[0].Channel != 0 {
		t.Fatalf("expected only channel 0 to play, got %v", dev.submits)
	}
}

func TestPlayEmptyScheduleIsANoop(t *testing.T) {
	pl, err := NewPlayer(emptyScore())
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	dev := &recordingDevice{name: "idle", base: time.Now()}
	if err := pl.Play(context.Background(), &Schedule{}, []device.Device{dev}); err != nil {
		t.Fatalf("play: %v", err)
	}
	if dev.connected {
		t.Fatal("no device should be touched for an empty schedule")
	}
}

func TestPlayRequiresDevices(t *testing.T) {
	pl, err := NewPlayer(emptyScore(), WithWarmup(0), WithCooldown(0))
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	sched := schedOf(seqAt(0, 0, batch.Op{Note: 60, Dur: 10}))
	if err := pl.Play(context.Background(), sched, nil); err == nil {
		t.Fatal("expected an error with no devices")
	}
}

func TestPlayHonorsCancellation(t *testing.T) {
	pl, err := NewPlayer(emptyScore(), WithWarmup(0), WithCooldown(0))
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	dev := &recordingDevice{name: "slow", base: time.Now()}
	sched := schedOf(seqAt(0, 0, batch.Op{Note: 60, Dur: 60000}))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err = pl.Play(ctx, sched, []device.Device{dev})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation took too long")
	}
	if !dev.closed {
		t.Fatal("device must be closed after cancellation")
	}
}

func TestIndicatorColor(t *testing.T) {
	rules := []mix.Rule{{Dest: 0, Sources: []uint8{1, 2}}}
	cases := []struct {
		ch      uint8
		rules   []mix.Rule
		r, g, b uint8
	}{
		{0, nil, 255, 0, 0},     // c=1
		{1, nil, 0, 255, 0},     // c=2
		{6, nil, 255, 255, 255}, // c=7
		{7, nil, 255, 0, 0},     // 7%7=0, c=1
		{0, rules, 0, 0, 255},   // sources sum 3, c=4
	}
	for _, c := range cases {
		r, g, b := indicatorColor(c.ch, c.rules)
		if r != c.r || g != c.g || b != c.b {
			t.Fatalf("channel %d: expected #%02x%02x%02x, got #%02x%02x%02x", c.ch, c.r, c.g, c.b, r, g, b)
		}
	}
}

func TestNewPlayerValidation(t *testing.T) {
	if _, err := NewPlayer(nil); err == nil {
		t.Fatal("expected error for nil score")
	}
	if _, err := NewPlayer(emptyScore(), WithSpeed(0)); err == nil {
		t.Fatal("expected error for zero speed")
	}
	if _, err := NewPlayer(emptyScore(), WithUnit(0)); err == nil {
		t.Fatal("expected error for zero unit")
	}
}
