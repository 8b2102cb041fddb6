package pvdec

import (
	"fmt"
	"strings"
)

// ClockDomain is a bitmask of core clock domains as laid out in the manual
// clock enable register.
type ClockDomain uint32

const (
	ClockRegisters       ClockDomain = 1 << 0
	ClockCore            ClockDomain = 1 << 1
	ClockMemory          ClockDomain = 1 << 2
	ClockProc            ClockDomain = 1 << 3
	ClockPixelProcessing ClockDomain = 1 << 4
)

const (
	coreClocks     = ClockRegisters | ClockCore
	coreProcClocks = coreClocks | ClockMemory | ClockProc
	loadClocks     = coreProcClocks | ClockPixelProcessing
)

func (c ClockDomain) String() string {
	if c == 0 {
		return "off"
	}
	names := []struct {
		bit  ClockDomain
		name string
	}{
		{ClockRegisters, "reg"},
		{ClockCore, "core"},
		{ClockMemory, "mem"},
		{ClockProc, "proc"},
		{ClockPixelProcessing, "pixel"},
	}
	var parts []string
	for _, n := range names {
		if c&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// EnableCoreClocks turns on the register and core domains.
func (d *Device) EnableCoreClocks() error {
	return d.enableClocks(coreClocks)
}

// EnableCoreAndProcClocks additionally turns on the memory and processor domains.
func (d *Device) EnableCoreAndProcClocks() error {
	return d.enableClocks(coreProcClocks)
}

func (d *Device) enableClocks(mask ClockDomain) error {
	if d == nil {
		return ErrInvalidParameters
	}
	if !d.initialised {
		return ErrNotInitialised
	}
	d.clocks = true
	return d.setClocks(mask)
}

// DisableClocks gates every domain and invalidates the comms area. It always
// succeeds; hardware errors are only logged.
func (d *Device) DisableClocks() error {
	if d == nil {
		return ErrInvalidParameters
	}
	d.clocks = false
	d.comms.MarkNotReady()
	if !d.initialised {
		return nil
	}
	if err := d.setClocks(0); err != nil {
		d.log.Warn("pvdec: disable clocks", "error", err)
	}
	return nil
}

// ClocksEnabled reports whether register access is currently allowed.
func (d *Device) ClocksEnabled() bool {
	return d != nil && d.clocks
}

// ClockMask returns the last clock mask requested.
func (d *Device) ClockMask() ClockDomain {
	return d.clockMask
}

// setClocks programs the clock enable register. The core domains are brought
// up on their own first and read back before the full mask is applied. The
// register sits in the always-on domain, so access is not gated.
func (d *Device) setClocks(mask ClockDomain) error {
	if d.bypass {
		return nil
	}
	d.clockMask = mask

	if err := d.rawWrite(RegionCore, CoreManClkEnable, uint32(coreClocks)); err != nil {
		return err
	}
	got, err := d.rawRead(RegionCore, CoreManClkEnable)
	if err != nil {
		return err
	}
	if mask == 0 && got != uint32(coreClocks) {
		// Gating proceeds regardless; the core is going down.
		d.log.Warn("pvdec: clock enable read back mismatch while gating",
			"got", fmt.Sprintf("0x%x", got), "want", fmt.Sprintf("0x%x", uint32(coreClocks)))
	} else if err := d.assert(got == uint32(coreClocks), "clock enable read back 0x%x, want 0x%x", got, uint32(coreClocks)); err != nil {
		return err
	}
	return d.rawWrite(RegionCore, CoreManClkEnable, uint32(mask))
}
