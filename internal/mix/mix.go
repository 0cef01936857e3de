// Package mix collapses several channels' intervals onto one destination
// channel by round-robin time slicing.
package mix

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/midifleet/midifleet/internal/timeline"
)

// DefaultUnit is the round-robin cycle length in milliseconds.
const DefaultUnit = 40

// Rule routes the Sources channels onto Dest. Dest may itself appear in
// Sources.
type Rule struct {
	Dest    uint8
	Sources []uint8
}

// ParseRule parses the textual "dest=src1,src2" form.
func ParseRule(s string) (Rule, error) {
	dest, srcs, ok := strings.Cut(s, "=")
	if !ok {
		return Rule{}, fmt.Errorf("invalid rule %q (expected dest=src1,src2,...)", s)
	}
	d, err := parseChannel(dest)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid rule %q: %w", s, err)
	}
	r := Rule{Dest: d}
	seen := map[uint8]bool{}
	for _, part := range strings.Split(srcs, ",") {
		c, err := parseChannel(part)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid rule %q: %w", s, err)
		}
		if seen[c] {
			return Rule{}, fmt.Errorf("invalid rule %q: duplicate source channel %d", s, c)
		}
		seen[c] = true
		r.Sources = append(r.Sources, c)
	}
	return r, nil
}

func parseChannel(s string) (uint8, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("bad channel %q", s)
	}
	return uint8(v), nil
}

// Apply rewrites the interval map per the rules. Channels no rule mentions
// pass through untouched; every channel a rule names, destination included,
// is consumed by that rule. unit is the slice cycle length in milliseconds.
func Apply(in map[uint8][]timeline.Interval, rules []Rule, unit int) (map[uint8][]timeline.Interval, error) {
	if unit < 1 {
		return nil, fmt.Errorf("unit must be at least 1 ms, got %d", unit)
	}
	if len(rules) == 0 {
		return in, nil
	}
	dests := map[uint8]bool{}
	for _, r := range rules {
		if dests[r.Dest] {
			return nil, fmt.Errorf("channel %d is the destination of more than one rule", r.Dest)
		}
		dests[r.Dest] = true
		if len(r.Sources) == 0 {
			return nil, fmt.Errorf("rule for channel %d has no sources", r.Dest)
		}
		for _, s := range r.Sources {
			if _, ok := in[s]; !ok {
				return nil, fmt.Errorf("rule for channel %d reads channel %d, which has no notes", r.Dest, s)
			}
		}
	}
	consumed := map[uint8]bool{}
	for _, r := range rules {
		consumed[r.Dest] = true
		for _, s := range r.Sources {
			consumed[s] = true
		}
	}
	out := map[uint8][]timeline.Interval{}
	for ch, ivs := range in {
		if !consumed[ch] {
			out[ch] = ivs
		}
	}
	for _, r := range rules {
		var mixed []timeline.Interval
		if len(r.Sources) == 1 {
			mixed = relabel(in[r.Sources[0]], r.Dest)
		} else {
			mixed = merge(in, r, unit)
		}
		if len(mixed) > 0 {
			out[r.Dest] = mixed
		}
	}
	return out, nil
}

func relabel(in []timeline.Interval, dest uint8) []timeline.Interval {
	out := make([]timeline.Interval, len(in))
	for i, iv := range in {
		iv.Channel = dest
		out[i] = iv
	}
	return out
}

type member struct {
	channel uint8
	note    uint8
	end     int
}

// merge interleaves the sources' intervals by scanning wall time in 1 ms
// steps. The on set holds the intervals sounding at the cursor, ordered by
// source channel; each step emits one slice of the member at round-robin
// index (cursor/unit) mod set size. Contiguous same-note slices coalesce.
// When the set empties the cursor jumps to the next interval start.
func merge(in map[uint8][]timeline.Interval, r Rule, unit int) []timeline.Interval {
	var pend []timeline.Interval
	for _, s := range r.Sources {
		pend = append(pend, in[s]...)
	}
	sort.SliceStable(pend, func(i, j int) bool {
		if pend[i].Start != pend[j].Start {
			return pend[i].Start < pend[j].Start
		}
		return pend[i].Channel < pend[j].Channel
	})

	var (
		out  []timeline.Interval
		on   []member
		next int // first pending interval not yet admitted
		at   int
	)
	for {
		keep := on[:0]
		for _, m := range on {
			if m.end > at {
				keep = append(keep, m)
			}
		}
		on = keep
		for next < len(pend) && pend[next].Start <= at {
			iv := pend[next]
			next++
			if iv.Start+iv.Len <= at {
				continue
			}
			on = insertByChannel(on, member{channel: iv.Channel, note: iv.Note, end: iv.Start + iv.Len})
		}
		if len(on) == 0 {
			if next >= len(pend) {
				break
			}
			at = pend[next].Start
			continue
		}
		pick := on[(at/unit)%len(on)]
		if n := len(out); n > 0 && out[n-1].Note == pick.note && out[n-1].Start+out[n-1].Len == at {
			out[n-1].Len++
		} else {
			out = append(out, timeline.Interval{Channel: r.Dest, Start: at, Len: 1, Note: pick.note})
		}
		at++
	}
	return out
}

func insertByChannel(on []member, m member) []member {
	i := len(on)
	for i > 0 && on[i-1].channel > m.channel {
		i--
	}
	on = append(on, member{})
	copy(on[i+1:], on[i:])
	on[i] = m
	return on
}
