package chipset

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tinyrange/vxd/internal/regio"
)

// Start activates devices in registration order. If one fails, the devices
// already started are stopped again.
func (c *Chipset) Start() error {
	for i, e := range c.devices {
		if err := e.dev.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				c.devices[j].dev.Stop()
			}
			return fmt.Errorf("chipset: start device %q: %w", e.name, err)
		}
	}
	return nil
}

// Stop deactivates devices in reverse registration order. Every device is
// stopped; the first error is returned.
func (c *Chipset) Stop() error {
	var first error
	for i := len(c.devices) - 1; i >= 0; i-- {
		e := c.devices[i]
		if err := e.dev.Stop(); err != nil && first == nil {
			first = fmt.Errorf("chipset: stop device %q: %w", e.name, err)
		}
	}
	return first
}

// Reset resets devices in registration order.
func (c *Chipset) Reset() error {
	for _, e := range c.devices {
		if err := e.dev.Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", e.name, err)
		}
	}
	return nil
}

// HandleMMIO dispatches an access to the bank containing it. Accesses that
// straddle two banks are rejected.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	n := uint64(len(data))
	if addr+n < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}
	i := sort.Search(len(c.banks), func(i int) bool { return c.banks[i].region.End() > addr })
	if i == len(c.banks) || !c.banks[i].region.contains(addr, n) {
		return fmt.Errorf("chipset: no bank at MMIO address 0x%016x", addr)
	}
	if isWrite {
		return c.banks[i].handler.WriteMMIO(addr, data)
	}
	return c.banks[i].handler.ReadMMIO(addr, data)
}

// SetIRQ forwards a line change to the sink routed for line. Unrouted lines
// are dropped.
func (c *Chipset) SetIRQ(line uint8, level bool) {
	if sink, ok := c.routes[line]; ok {
		sink.SetIRQ(line, level)
	}
}

// Level reports the level last driven on a line handed out by the builder.
func (c *Chipset) Level(irq uint8) bool {
	return c.lines.Level(irq)
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

// Banks returns every mapped bank, lowest address first.
func (c *Chipset) Banks() []Region {
	out := make([]Region, len(c.banks))
	for i, b := range c.banks {
		out[i] = b.region
	}
	return out
}

// Window returns a 32-bit register window onto the named bank. Offsets are
// relative to the start of the bank.
func (c *Chipset) Window(bank string) (regio.Window, error) {
	i, ok := c.byName[bank]
	if !ok {
		return nil, fmt.Errorf("chipset: no bank named %q", bank)
	}
	r := c.banks[i].region
	return &busWindow{chipset: c, base: r.Address, size: r.Size}, nil
}

type busWindow struct {
	chipset *Chipset
	base    uint64
	size    uint64
}

func (w *busWindow) check(offset uint32) error {
	if offset&3 != 0 || uint64(offset)+4 > w.size {
		return fmt.Errorf("chipset: window access at 0x%x outside 0x%x bytes", offset, w.size)
	}
	return nil
}

func (w *busWindow) Read32(offset uint32) (uint32, error) {
	if err := w.check(offset); err != nil {
		return 0, err
	}
	var buf [4]byte
	if err := w.chipset.HandleMMIO(w.base+uint64(offset), buf[:], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (w *busWindow) Write32(offset uint32, value uint32) error {
	if err := w.check(offset); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return w.chipset.HandleMMIO(w.base+uint64(offset), buf[:], true)
}

var (
	_ InterruptSink = (*Chipset)(nil)
	_ regio.Window  = (*busWindow)(nil)
)
