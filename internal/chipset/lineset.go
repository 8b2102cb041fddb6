package chipset

import (
	"sort"
	"sync"
	"sync/atomic"
)

// LineSet holds the level of every allocated interrupt line. Only level
// changes reach the sink; a pulse is always delivered as a rising then a
// falling edge and leaves the line low.
type LineSet struct {
	mu     sync.Mutex
	sink   InterruptSink
	levels map[uint8]bool
}

// NewLineSet returns a LineSet forwarding to sink. A nil sink drops every
// change but levels are still tracked.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{sink: sink, levels: make(map[uint8]bool)}
}

// AllocateLine returns the handle a device drives irq through. Allocating a
// line twice returns handles onto the same level.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	if _, ok := l.levels[irq]; !ok {
		l.levels[irq] = false
	}
	l.mu.Unlock()
	return line{set: l, irq: irq}
}

// Level reports whether irq is high.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.levels[irq]
}

// Raised returns the lines currently high, lowest first.
func (l *LineSet) Raised() []uint8 {
	l.mu.Lock()
	var out []uint8
	for irq, high := range l.levels {
		if high {
			out = append(out, irq)
		}
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (l *LineSet) set(irq uint8, high bool) {
	l.mu.Lock()
	changed := l.levels[irq] != high
	l.levels[irq] = high
	l.mu.Unlock()
	if changed {
		l.sink.SetIRQ(irq, high)
	}
}

func (l *LineSet) pulse(irq uint8) {
	l.mu.Lock()
	l.levels[irq] = false
	l.mu.Unlock()
	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type line struct {
	set *LineSet
	irq uint8
}

func (h line) SetLevel(high bool) { h.set.set(h.irq, high) }
func (h line) PulseInterrupt()    { h.set.pulse(h.irq) }

// lateSink forwards to a chipset that does not exist yet. Changes before
// attach are dropped; Build replays the lines left high.
type lateSink struct {
	cs atomic.Pointer[Chipset]
}

func (s *lateSink) attach(cs *Chipset) { s.cs.Store(cs) }

func (s *lateSink) SetIRQ(irq uint8, level bool) {
	if cs := s.cs.Load(); cs != nil {
		cs.SetIRQ(irq, level)
	}
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}
