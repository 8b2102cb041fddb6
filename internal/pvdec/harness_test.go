package pvdec

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/tinyrange/vxd/internal/regio"
)

// -----------------------------------------------------------------------------
// Test infrastructure
// -----------------------------------------------------------------------------

// hookWindow is a RAM-backed register bank with optional per-offset behaviour.
type hookWindow struct {
	mem *regio.Memory

	mu     sync.Mutex
	reads  map[uint32]func() uint32
	writes map[uint32]func(v uint32) bool // false drops the write
}

func (w *hookWindow) Read32(offset uint32) (uint32, error) {
	w.mu.Lock()
	fn := w.reads[offset]
	w.mu.Unlock()
	if fn != nil {
		return fn(), nil
	}
	return w.mem.Read32(offset)
}

func (w *hookWindow) Write32(offset uint32, value uint32) error {
	w.mu.Lock()
	fn := w.writes[offset]
	w.mu.Unlock()
	if fn != nil && !fn(value) {
		return nil
	}
	return w.mem.Write32(offset, value)
}

// testCore is a register-level stand-in for the hardware. Pipe banking is not
// modelled; the pipe select writes show up in the trace.
type testCore struct {
	t     *testing.T
	trace *regio.Trace
	mem   [RegionCount]*regio.Memory
	win   [RegionCount]*hookWindow

	regions RegionSet
}

const testRegionSize = 0x2000

func ramInfoWord(banks, bankSize, lastBankSize uint32) uint32 {
	v := FieldRAMBanks.Set(0, banks)
	v = FieldRAMBankSize.Set(v, bankSize)
	return FieldRAMLastBankSize.Set(v, lastBankSize)
}

func newTestCore(t *testing.T) *testCore {
	t.Helper()
	c := &testCore{t: t, trace: &regio.Trace{}}
	for r := Region(0); r < RegionCount; r++ {
		c.mem[r] = regio.NewMemory(r.String(), testRegionSize)
		c.win[r] = &hookWindow{
			mem:    c.mem[r],
			reads:  map[uint32]func() uint32{},
			writes: map[uint32]func(uint32) bool{},
		}
		c.regions[r] = regio.NewRecorder(r.String(), c.win[r], c.trace)
	}
	// Four 16 KiB banks; every RAM access completes at once.
	c.set(RegionCore, CoreProcDebug, ramInfoWord(4, 12, 12))
	c.set(RegionProc, ProcRAMAccessStatus, 1)
	return c
}

func (c *testCore) set(r Region, off, v uint32) {
	c.t.Helper()
	if err := c.mem[r].Write32(off, v); err != nil {
		c.t.Fatalf("set %s[0x%x]: %v", r, off, err)
	}
}

func (c *testCore) get(r Region, off uint32) uint32 {
	c.t.Helper()
	v, err := c.mem[r].Read32(off)
	if err != nil {
		c.t.Fatalf("get %s[0x%x]: %v", r, off, err)
	}
	return v
}

func (c *testCore) onRead(r Region, off uint32, fn func() uint32) {
	c.win[r].mu.Lock()
	defer c.win[r].mu.Unlock()
	c.win[r].reads[off] = fn
}

func (c *testCore) onWrite(r Region, off uint32, fn func(uint32) bool) {
	c.win[r].mu.Lock()
	defer c.win[r].mu.Unlock()
	c.win[r].writes[off] = fn
}

// open opens a device over the core and clears the trace.
func (c *testCore) open(opts Options) *Device {
	c.t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	d, err := Open(c.regions, opts)
	if err != nil {
		c.t.Fatalf("open: %v", err)
	}
	c.trace.Reset()
	return d
}

func (c *testCore) writesTo(r Region, off uint32) []uint32 {
	var out []uint32
	for _, a := range c.trace.Entries() {
		if a.Write && a.Region == r.String() && a.Offset == off {
			out = append(out, a.Value)
		}
	}
	return out
}

func (c *testCore) readsOf(r Region, off uint32) int {
	return c.trace.Count(func(a regio.Access) bool {
		return !a.Write && a.Region == r.String() && a.Offset == off
	})
}

func (c *testCore) dump() string {
	s := ""
	for _, a := range c.trace.Entries() {
		s += fmt.Sprintln(a)
	}
	return s
}

func isWrite(r Region, off uint32) func(regio.Access) bool {
	return func(a regio.Access) bool {
		return a.Write && a.Region == r.String() && a.Offset == off
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRAM adapts a regio.Memory to mailbox.RAM for the firmware side.
type memRAM struct {
	mem *regio.Memory
}

func (m memRAM) ReadWords(addr uint32, dst []uint32) error {
	for i := range dst {
		v, err := m.mem.Read32(addr + uint32(i)*4)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func (m memRAM) WriteWords(addr uint32, src []uint32) error {
	for i, v := range src {
		if err := m.mem.Write32(addr+uint32(i)*4, v); err != nil {
			return err
		}
	}
	return nil
}

// deviceMemory captures firmware copies.
type deviceMemory struct {
	data map[int64][]byte
}

func (m *deviceMemory) WriteAt(p []byte, off int64) (int, error) {
	if m.data == nil {
		m.data = map[int64][]byte{}
	}
	m.data[off] = append([]byte(nil), p...)
	return len(p), nil
}

func testBlob(n int) FirmwareBlob {
	words := make([]uint32, n)
	for i := range words {
		words[i] = 0xC0DE0000 | uint32(i)
	}
	return FirmwareBlob{
		DevVirtAddr: 0x1000,
		CoreWords:   uint32(n),
		Words:       words,
		Version:     "v1.0.0",
	}
}
