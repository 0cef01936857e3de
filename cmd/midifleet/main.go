package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/midifleet/midifleet"
	"github.com/midifleet/midifleet/internal/device"
	"github.com/midifleet/midifleet/internal/mix"
	"github.com/midifleet/midifleet/internal/score"
)

// ruleList collects repeated -rule flags.
type ruleList struct {
	rules []mix.Rule
}

func (r *ruleList) String() string {
	parts := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		srcs := make([]string, 0, len(rule.Sources))
		for _, s := range rule.Sources {
			srcs = append(srcs, strconv.Itoa(int(s)))
		}
		parts = append(parts, fmt.Sprintf("%d=%s", rule.Dest, strings.Join(srcs, ",")))
	}
	return strings.Join(parts, " ")
}

func (r *ruleList) Set(s string) error {
	rule, err := mix.ParseRule(s)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule)
	return nil
}

func main() {
	var rules ruleList
	var (
		list       = flag.Bool("list", false, "print the channels that carry notes and exit")
		unit       = flag.Int("unit", mix.DefaultUnit, "mix rule time slice in ms")
		speed      = flag.Int("speed", 100, "playback rate percent")
		speaker    = flag.Bool("speaker", false, "synthesize on the local speaker instead of MIDI ports")
		wavPath    = flag.String("wav", "", "render to a WAV file instead of playing")
		sampleRate = flag.Int("sample-rate", 48000, "speaker and WAV sample rate")
		warmup     = flag.Duration("warmup", 3*time.Second, "delay between device setup and the start instant")
		cooldown   = flag.Duration("cooldown", 3*time.Second, "delay after the last batch before exit")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Var(&rules, "rule", "mix rule dest=src1,src2,... (repeatable)")
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] file.mid\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger, err := buildLogger(*verbose)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	sc, err := score.Load(flag.Arg(0), logger)
	if err != nil {
		logger.Fatal("load score", zap.Error(err))
	}
	if *list {
		for _, ch := range sc.NoteChannels() {
			fmt.Println(ch)
		}
		return
	}

	pl, err := midifleet.NewPlayer(sc,
		midifleet.WithLogger(logger),
		midifleet.WithRules(rules.rules...),
		midifleet.WithUnit(*unit),
		midifleet.WithSpeed(*speed),
		midifleet.WithWarmup(*warmup),
		midifleet.WithCooldown(*cooldown),
	)
	if err != nil {
		logger.Fatal("configure player", zap.Error(err))
	}
	sched, err := pl.Schedule()
	if err != nil {
		logger.Fatal("build schedule", zap.Error(err))
	}

	if *wavPath != "" {
		if err := os.WriteFile(*wavPath, midifleet.RenderWAV(sched, *sampleRate), 0o644); err != nil {
			logger.Fatal("write wav", zap.Error(err))
		}
		logger.Info("rendered",
			zap.String("path", *wavPath),
			zap.Int("channels", len(sched.Channels)),
			zap.Int("span_ms", sched.Span()))
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices, err := outputs(*speaker, sched, *sampleRate, logger)
	if err != nil {
		logger.Fatal("devices", zap.Error(err))
	}
	if !*speaker {
		defer device.CloseDriver()
	}
	if err := pl.Play(ctx, sched, devices); err != nil {
		logger.Fatal("playback", zap.Error(err))
	}
}

// outputs picks the device set. Channel ids index the slice directly, so the
// speaker set is sized to the highest scheduled channel.
func outputs(speaker bool, sched *midifleet.Schedule, sampleRate int, logger *zap.Logger) ([]device.Device, error) {
	if speaker {
		n := 0
		if k := len(sched.Channels); k > 0 {
			n = int(sched.Channels[k-1]) + 1
		}
		return device.Speakers(n, sampleRate), nil
	}
	devs := device.Ports(logger)
	if len(devs) == 0 {
		return nil, errors.New("no MIDI output ports found")
	}
	return devs, nil
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}
