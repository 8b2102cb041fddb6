package chipset

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

type regFile struct {
	name     string
	base     uint64
	words    map[uint64]uint32
	polled   int
	failOn   uint64
	startErr error
	events   *[]string
}

func (r *regFile) ReadMMIO(addr uint64, data []byte) error {
	binary.LittleEndian.PutUint32(data, r.words[addr-r.base])
	return nil
}

func (r *regFile) WriteMMIO(addr uint64, data []byte) error {
	if r.failOn != 0 && addr == r.failOn {
		return errors.New("write rejected")
	}
	r.words[addr-r.base] = binary.LittleEndian.Uint32(data)
	return nil
}

func (r *regFile) Poll(ctx context.Context) error {
	r.polled++
	return nil
}

func (r *regFile) note(event string) {
	if r.events != nil {
		*r.events = append(*r.events, event+" "+r.name)
	}
}

func (r *regFile) Start() error {
	if r.startErr != nil {
		return r.startErr
	}
	r.note("start")
	return nil
}

func (r *regFile) Stop() error {
	r.note("stop")
	return nil
}

func (r *regFile) Reset() error {
	r.words = map[uint64]uint32{}
	return nil
}

func (r *regFile) SupportsMmio() *MmioIntercept {
	return &MmioIntercept{Regions: []Region{{Name: "regs", Address: r.base, Size: 0x100}}, Handler: r}
}

func (r *regFile) SupportsPollDevice() *PollDevice {
	return &PollDevice{Handler: r}
}

func newRegFile(base uint64) *regFile {
	return &regFile{base: base, words: map[uint64]uint32{}}
}

type levelSink struct {
	levels map[uint8][]bool
}

func (s *levelSink) SetIRQ(line uint8, level bool) {
	if s.levels == nil {
		s.levels = map[uint8][]bool{}
	}
	s.levels[line] = append(s.levels[line], level)
}

func TestBuilderRejectsOverlap(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("a", newRegFile(0x1000)); err != nil {
		t.Fatalf("register a: %v", err)
	}
	err := b.RegisterDevice("b", newRegFile(0x1080))
	if err == nil || !strings.Contains(err.Error(), "overlaps") || !strings.Contains(err.Error(), `"a.regs"`) {
		t.Fatalf("overlapping device = %v", err)
	}
	if err := b.RegisterDevice("a", newRegFile(0x4000)); err == nil {
		t.Fatalf("duplicate name accepted")
	}
	if err := b.MapBank(Region{Name: "empty", Address: 0x8000}, newRegFile(0x8000)); err == nil {
		t.Fatalf("zero-sized bank accepted")
	}
	if err := b.MapBank(Region{Name: "odd", Address: 0x8000, Size: 6}, newRegFile(0x8000)); err == nil {
		t.Fatalf("bank size not a multiple of 4 accepted")
	}
	if err := b.MapBank(Region{Name: "a.regs", Address: 0x9000, Size: 0x10}, newRegFile(0x9000)); err == nil {
		t.Fatalf("duplicate bank name accepted")
	}
	if err := b.MapBank(Region{Address: 0xA000, Size: 0x10}, newRegFile(0xA000)); err == nil {
		t.Fatalf("unnamed bank accepted")
	}
}

func TestWindowDispatch(t *testing.T) {
	dev := newRegFile(0x1000)
	b := NewBuilder()
	if err := b.RegisterDevice("regs", dev); err != nil {
		t.Fatal(err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	w, err := cs.Window("regs.regs")
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if err := w.Write32(0x10, 0xA5A50001); err != nil {
		t.Fatalf("write: %v", err)
	}
	if dev.words[0x10] != 0xA5A50001 {
		t.Fatalf("device saw 0x%x", dev.words[0x10])
	}
	v, err := w.Read32(0x10)
	if err != nil || v != 0xA5A50001 {
		t.Fatalf("read = 0x%x, %v", v, err)
	}

	if _, err := w.Read32(0x100); err == nil {
		t.Fatalf("read past the window succeeded")
	}
	if _, err := w.Read32(0x2); err == nil {
		t.Fatalf("unaligned read succeeded")
	}
	if _, err := cs.Window("regs.missing"); err == nil {
		t.Fatalf("window on unknown bank succeeded")
	}
	var buf [4]byte
	if err := cs.HandleMMIO(0x9000, buf[:], false); err == nil {
		t.Fatalf("read of unmapped address succeeded")
	}

	dev.failOn = 0x1020
	if err := w.Write32(0x20, 1); err == nil {
		t.Fatalf("device error not propagated")
	}

	if err := cs.Poll(context.Background()); err != nil || dev.polled != 1 {
		t.Fatalf("poll: %v, polled=%d", err, dev.polled)
	}
	if err := cs.Reset(); err != nil || len(dev.words) != 0 {
		t.Fatalf("reset: %v", err)
	}
}

func TestDispatchAcrossBanks(t *testing.T) {
	high := newRegFile(0x2000)
	low := newRegFile(0x1F00)
	b := NewBuilder()
	if err := b.RegisterDevice("high", high); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterDevice("low", low); err != nil {
		t.Fatal(err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	banks := cs.Banks()
	if len(banks) != 2 || banks[0].Name != "low.regs" || banks[1].Name != "high.regs" {
		t.Fatalf("banks = %+v", banks)
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 7)
	if err := cs.HandleMMIO(0x1FFC, buf[:], true); err != nil {
		t.Fatalf("write to last word of low: %v", err)
	}
	binary.LittleEndian.PutUint32(buf[:], 9)
	if err := cs.HandleMMIO(0x2000, buf[:], true); err != nil {
		t.Fatalf("write to first word of high: %v", err)
	}
	if low.words[0xFC] != 7 || high.words[0] != 9 || len(low.words) != 1 || len(high.words) != 1 {
		t.Fatalf("low = %v, high = %v", low.words, high.words)
	}

	wide := make([]byte, 8)
	if err := cs.HandleMMIO(0x1FFC, wide, false); err == nil {
		t.Fatalf("access straddling two banks succeeded")
	}
}

func TestLifecycleOrder(t *testing.T) {
	var events []string
	a := newRegFile(0x1000)
	a.name, a.events = "a", &events
	c := newRegFile(0x2000)
	c.name, c.events = "c", &events

	b := NewBuilder()
	if err := b.RegisterDevice("c", c); err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterDevice("a", a); err != nil {
		t.Fatal(err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := cs.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start c", "start a", "stop a", "stop c"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", events, want)
	}

	events = nil
	boom := errors.New("no clock")
	a.startErr = boom
	err = cs.Start()
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), `"a"`) {
		t.Fatalf("start = %v", err)
	}
	want = []string{"start c", "stop c"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("events after failed start = %v, want %v", events, want)
	}
}

func TestInterruptRouting(t *testing.T) {
	sink := &levelSink{}
	b := NewBuilder()
	if err := b.RouteLine(3, sink); err != nil {
		t.Fatal(err)
	}
	if err := b.RouteLine(3, sink); err == nil {
		t.Fatalf("duplicate route accepted")
	}
	line := b.Line(3)
	unrouted := b.Line(7)
	cs, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	line.SetLevel(true)
	line.SetLevel(true)
	if !cs.Level(3) {
		t.Fatalf("line not high")
	}
	line.SetLevel(false)
	if got := sink.levels[3]; len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("levels = %v, want edges only", got)
	}
	if cs.Level(3) {
		t.Fatalf("line still high")
	}

	line.PulseInterrupt()
	if got := sink.levels[3]; len(got) != 4 || !got[2] || got[3] {
		t.Fatalf("pulse levels = %v", got)
	}
	if cs.Level(3) {
		t.Fatalf("line high after pulse")
	}

	// Unrouted lines are tracked but not delivered.
	unrouted.SetLevel(true)
	if _, ok := sink.levels[7]; ok {
		t.Fatalf("unrouted line delivered")
	}
	if !cs.Level(7) {
		t.Fatalf("unrouted line level not tracked")
	}
}

func TestLineRaisedBeforeBuild(t *testing.T) {
	sink := &levelSink{}
	b := NewBuilder()
	if err := b.RouteLine(1, sink); err != nil {
		t.Fatal(err)
	}
	if err := b.RouteLine(2, sink); err != nil {
		t.Fatal(err)
	}
	b.Line(1).SetLevel(true)
	b.Line(2).SetLevel(true)
	b.Line(2).SetLevel(false)
	if len(sink.levels) != 0 {
		t.Fatalf("delivered before build: %v", sink.levels)
	}

	if _, err := b.Build(); err != nil {
		t.Fatal(err)
	}
	if got := sink.levels[1]; len(got) != 1 || !got[0] {
		t.Fatalf("line 1 = %v, want replayed high", got)
	}
	if _, ok := sink.levels[2]; ok {
		t.Fatalf("line 2 replayed after it dropped: %v", sink.levels[2])
	}
}
