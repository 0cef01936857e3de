// Package batch packs note intervals into the bounded op sequences a device
// accepts in one submission.
package batch

import (
	"github.com/midifleet/midifleet/internal/timeline"
)

// Rest is the op note value meaning silence, the first value outside the
// 7-bit note range.
const Rest uint8 = 0x80

// Limits bound what one submission can carry.
type Limits struct {
	MaxOps   int // ops per sequence
	MaxOpDur int // milliseconds per op
}

// DefaultLimits matches the reference hardware.
func DefaultLimits() Limits { return Limits{MaxOps: 59, MaxOpDur: 2550} }

func (l Limits) orDefaults() Limits {
	def := DefaultLimits()
	if l.MaxOps < 1 {
		l.MaxOps = def.MaxOps
	}
	if l.MaxOpDur < 1 {
		l.MaxOpDur = def.MaxOpDur
	}
	return l
}

// Op is one hardware-executable unit: sound Note (or rest) for Dur
// milliseconds.
type Op struct {
	Note uint8
	Dur  int
}

// Sequence is the atomic batch submitted to a device. Total is the sum of
// the op durations, so Start+Total is the instant the batch falls silent.
type Sequence struct {
	Channel uint8
	Start   int
	Total   int
	Ops     []Op
}

// Build packs each channel's intervals into sequences. Intervals longer than
// MaxOpDur split into back-to-back ops; gaps up to MaxOpDur fill with a rest
// op so the batch stays contiguous; longer gaps close the open sequence. A
// sequence also closes the moment it reaches MaxOps.
func Build(in map[uint8][]timeline.Interval, lim Limits) map[uint8][]Sequence {
	lim = lim.orDefaults()
	out := map[uint8][]Sequence{}
	for ch, ivs := range in {
		if seqs := buildChannel(ch, ivs, lim); len(seqs) > 0 {
			out[ch] = seqs
		}
	}
	return out
}

type packer struct {
	lim  Limits
	seqs []Sequence
	cur  Sequence
	open bool
}

func buildChannel(ch uint8, ivs []timeline.Interval, lim Limits) []Sequence {
	p := packer{lim: lim}
	for _, iv := range ivs {
		p.place(ch, iv)
	}
	p.flush()
	return p.seqs
}

func (p *packer) place(ch uint8, iv timeline.Interval) {
	if p.open {
		gap := iv.Start - (p.cur.Start + p.cur.Total)
		if gap > p.lim.MaxOpDur {
			p.flush()
		} else if gap > 0 {
			p.push(ch, iv.Start-gap, Op{Note: Rest, Dur: gap})
		}
	}
	for rest := iv.Len; rest > 0; {
		d := rest
		if d > p.lim.MaxOpDur {
			d = p.lim.MaxOpDur
		}
		p.push(ch, iv.Start+iv.Len-rest, Op{Note: iv.Note, Dur: d})
		rest -= d
	}
}

// push appends one op, opening a sequence at start when none is open and
// flushing as soon as the batch reaches capacity.
func (p *packer) push(ch uint8, start int, op Op) {
	if !p.open {
		p.cur = Sequence{Channel: ch, Start: start}
		p.open = true
	}
	p.cur.Ops = append(p.cur.Ops, op)
	p.cur.Total += op.Dur
	if len(p.cur.Ops) == p.lim.MaxOps {
		p.flush()
	}
}

func (p *packer) flush() {
	if !p.open {
		return
	}
	p.seqs = append(p.seqs, p.cur)
	p.cur = Sequence{}
	p.open = false
}
