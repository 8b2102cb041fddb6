// Package chipset assembles simulated devices onto a flat MMIO bus and routes
// their interrupt lines.
//
// Every mapped span is a named register bank. A device's banks are published
// as "<device>.<bank>" so a driver can open a window on a bank by name
// without knowing where the device was placed.
package chipset

import (
	"fmt"
	"sort"
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type bankBinding struct {
	region  Region
	handler MmioHandler
}

type deviceEntry struct {
	name string
	dev  ChipsetDevice
}

// Builder collects devices, banks and interrupt routes before creating a
// Chipset. Lines handed out by Line are live once Build returns.
type Builder struct {
	devices []deviceEntry
	banks   []bankBinding
	routes  map[uint8]InterruptSink
	polls   []PollHandler
	lines   *LineSet
	late    *lateSink
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	late := &lateSink{}
	return &Builder{
		routes: make(map[uint8]InterruptSink),
		lines:  NewLineSet(late),
		late:   late,
	}
}

// Line returns the device side of interrupt line irq. It may be handed to a
// device before the chipset is built; levels set in the meantime are
// delivered by Build.
func (b *Builder) Line(irq uint8) LineInterrupt {
	return b.lines.AllocateLine(irq)
}

// RegisterDevice adds a device, maps its register banks and records its poll
// handler. Devices start in registration order and stop in reverse.
func (b *Builder) RegisterDevice(name string, dev ChipsetDevice) error {
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	for _, e := range b.devices {
		if e.name == name {
			return fmt.Errorf("chipset: device %q already registered", name)
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q has banks but no MMIO handler", name)
		}
		for _, region := range intercept.Regions {
			bank := region
			bank.Name = qualify(name, region.Name)
			if err := b.MapBank(bank, intercept.Handler); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
		}
	}

	if poll := dev.SupportsPollDevice(); poll != nil {
		if poll.Handler == nil {
			return fmt.Errorf("chipset: device %q has a nil poll handler", name)
		}
		b.polls = append(b.polls, poll.Handler)
	}

	b.devices = append(b.devices, deviceEntry{name: name, dev: dev})
	return nil
}

// MapBank maps a single register bank. Bank names and spans must be unique.
func (b *Builder) MapBank(bank Region, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("bank %q has no MMIO handler", bank.Name)
	}
	if bank.Name == "" {
		return fmt.Errorf("bank at 0x%x has no name", bank.Address)
	}
	if bank.Size == 0 || bank.Size&3 != 0 {
		return fmt.Errorf("bank %q size 0x%x is not a positive multiple of 4", bank.Name, bank.Size)
	}
	if bank.End() < bank.Address {
		return fmt.Errorf("bank %q at 0x%x size 0x%x wraps the bus", bank.Name, bank.Address, bank.Size)
	}
	for _, existing := range b.banks {
		if existing.region.Name == bank.Name {
			return fmt.Errorf("bank %q mapped twice", bank.Name)
		}
		if existing.region.overlaps(bank) {
			return fmt.Errorf("bank %q 0x%x-0x%x overlaps %q 0x%x-0x%x",
				bank.Name, bank.Address, bank.End()-1,
				existing.region.Name, existing.region.Address, existing.region.End()-1)
		}
	}
	b.banks = append(b.banks, bankBinding{region: bank, handler: handler})
	return nil
}

// RouteLine delivers changes of line to sink. Each line has one sink.
func (b *Builder) RouteLine(line uint8, sink InterruptSink) error {
	if sink == nil {
		return fmt.Errorf("chipset: interrupt sink for line %d is nil", line)
	}
	if _, exists := b.routes[line]; exists {
		return fmt.Errorf("chipset: interrupt line %d already routed", line)
	}
	b.routes[line] = sink
	return nil
}

// Build freezes the layout. Banks are sorted by address for dispatch, and any
// line already raised through Line is forwarded to its route.
func (b *Builder) Build() (*Chipset, error) {
	banks := make([]bankBinding, len(b.banks))
	copy(banks, b.banks)
	sort.Slice(banks, func(i, j int) bool { return banks[i].region.Address < banks[j].region.Address })

	byName := make(map[string]int, len(banks))
	for i, bank := range banks {
		byName[bank.region.Name] = i
	}

	routes := make(map[uint8]InterruptSink, len(b.routes))
	for line, sink := range b.routes {
		routes[line] = sink
	}

	cs := &Chipset{
		devices: append([]deviceEntry(nil), b.devices...),
		banks:   banks,
		byName:  byName,
		routes:  routes,
		polls:   append([]PollHandler(nil), b.polls...),
		lines:   b.lines,
	}
	b.late.attach(cs)
	for _, irq := range b.lines.Raised() {
		cs.SetIRQ(irq, true)
	}
	return cs, nil
}

func qualify(device, bank string) string {
	if bank == "" {
		return device
	}
	return device + "." + bank
}

// Chipset is a built bus: banks sorted by address, interrupt routes and the
// lifecycle order of its devices.
type Chipset struct {
	devices []deviceEntry
	banks   []bankBinding
	byName  map[string]int
	routes  map[uint8]InterruptSink
	polls   []PollHandler
	lines   *LineSet
}
