package regio

import (
	"fmt"
	"sync"
)

// Access records one bus transaction.
type Access struct {
	Region string
	Write  bool
	Offset uint32
	Value  uint32
}

func (a Access) String() string {
	op := "R"
	if a.Write {
		op = "W"
	}
	return fmt.Sprintf("%s %s[0x%04x]=0x%08x", op, a.Region, a.Offset, a.Value)
}

// Trace is an ordered log of accesses shared by several recorders, so that
// ordering across regions can be asserted.
type Trace struct {
	mu      sync.Mutex
	entries []Access
}

// Entries returns a copy of the recorded accesses.
func (t *Trace) Entries() []Access {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Access(nil), t.entries...)
}

// Reset discards all recorded accesses.
func (t *Trace) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = t.entries[:0]
}

// Len returns the number of recorded accesses.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Count returns how many accesses match the predicate.
func (t *Trace) Count(match func(Access) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, a := range t.entries {
		if match(a) {
			n++
		}
	}
	return n
}

// Index returns the position of the first access matching the predicate, or -1.
func (t *Trace) Index(match func(Access) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, a := range t.entries {
		if match(a) {
			return i
		}
	}
	return -1
}

func (t *Trace) append(a Access) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, a)
}

// Recorder wraps a Window and appends every access to a Trace.
// Failed accesses are not recorded.
type Recorder struct {
	name  string
	inner Window
	trace *Trace
}

// NewRecorder returns a recording window named name.
func NewRecorder(name string, inner Window, trace *Trace) *Recorder {
	return &Recorder{name: name, inner: inner, trace: trace}
}

// Read32 implements Window.
func (r *Recorder) Read32(offset uint32) (uint32, error) {
	v, err := r.inner.Read32(offset)
	if err != nil {
		return 0, err
	}
	r.trace.append(Access{Region: r.name, Offset: offset, Value: v})
	return v, nil
}

// Write32 implements Window.
func (r *Recorder) Write32(offset uint32, value uint32) error {
	if err := r.inner.Write32(offset, value); err != nil {
		return err
	}
	r.trace.append(Access{Region: r.name, Write: true, Offset: offset, Value: value})
	return nil
}

var (
	_ Window = (*Recorder)(nil)
)
