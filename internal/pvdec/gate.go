package pvdec

import (
	"fmt"
	"time"
)

// ReadRegister reads one register. With clocks gated it returns zero without
// touching the bus.
func (d *Device) ReadRegister(region Region, offset uint32, pipe Pipe) (uint32, error) {
	if d == nil || region >= RegionCount {
		return 0, ErrInvalidParameters
	}
	if !d.initialised {
		d.log.Error("pvdec: register read on uninitialised device", "region", region.String(), "offset", fmt.Sprintf("0x%x", offset))
		return 0, ErrNotInitialised
	}
	if !d.clocks {
		d.log.Info("pvdec: register read skipped, clocks are off", "region", region.String(), "offset", fmt.Sprintf("0x%x", offset))
		return 0, nil
	}
	if err := d.selectPipe(pipe); err != nil {
		return 0, err
	}
	return d.rawRead(region, offset)
}

// WriteRegister writes one register. A mask other than FullMask turns the
// write into a read-modify-write: (old &^ mask) | value.
func (d *Device) WriteRegister(region Region, offset, value, mask uint32, pipe Pipe) error {
	if d == nil || region >= RegionCount {
		return ErrInvalidParameters
	}
	if !d.initialised {
		d.log.Error("pvdec: register write on uninitialised device", "region", region.String(), "offset", fmt.Sprintf("0x%x", offset))
		return ErrNotInitialised
	}
	if !d.clocks {
		d.log.Info("pvdec: register write refused, clocks are off", "region", region.String(), "offset", fmt.Sprintf("0x%x", offset))
		return ErrNotInitialised
	}
	if err := d.selectPipe(pipe); err != nil {
		return err
	}

	if mask != FullMask {
		old, err := d.rawRead(region, offset)
		if err != nil {
			return err
		}
		value = (old &^ mask) | value
	}
	return d.rawWrite(region, offset, value)
}

// ReadWords bulk-reads consecutive words starting at addr.
func (d *Device) ReadWords(region Region, addr uint32, dst []uint32) error {
	if err := d.checkBulk(region, addr, len(dst)); err != nil {
		return err
	}
	for i := range dst {
		v, err := d.rawRead(region, addr+uint32(i)*4)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

// WriteWords bulk-writes consecutive words starting at addr.
func (d *Device) WriteWords(region Region, addr uint32, src []uint32) error {
	if err := d.checkBulk(region, addr, len(src)); err != nil {
		return err
	}
	for i, v := range src {
		if err := d.rawWrite(region, addr+uint32(i)*4, v); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) checkBulk(region Region, addr uint32, n int) error {
	if d == nil || region >= RegionCount || n == 0 || addr&3 != 0 {
		return ErrInvalidParameters
	}
	if !d.initialised {
		return ErrNotInitialised
	}
	if !d.clocks {
		d.log.Info("pvdec: bulk access refused, clocks are off", "region", region.String(), "addr", fmt.Sprintf("0x%x", addr))
		return ErrNotInitialised
	}
	return nil
}

// PollMode selects the comparison Poll waits for.
type PollMode int

const (
	PollEqual PollMode = iota
	PollNotEqual
)

// Poll reads a global register until (value & mask) compares to want as
// requested by mode, or the poll budget runs out.
func (d *Device) Poll(region Region, offset, want, mask uint32, mode PollMode) error {
	if d == nil {
		return ErrInvalidParameters
	}
	for i := 0; i < d.opts.PollBudget; i++ {
		v, err := d.ReadRegister(region, offset, NoPipe)
		if err != nil {
			return err
		}
		hit := v&mask == want
		if mode == PollNotEqual {
			hit = !hit
		}
		if hit {
			return nil
		}
		if d.opts.PollInterval > 0 {
			time.Sleep(d.opts.PollInterval)
		}
	}
	return fmt.Errorf("%w: %s[0x%x] mask 0x%x want 0x%x", ErrTimeout, region, offset, mask, want)
}

// selectPipe points the per-pipe banks at pipe. NoPipe leaves the selection alone.
func (d *Device) selectPipe(pipe Pipe) error {
	if pipe == NoPipe {
		return nil
	}
	if pipe >= MaxPipes {
		panic(fmt.Sprintf("pvdec: pipe %d out of range", pipe))
	}
	return d.rawWrite(RegionCore, CoreHostPipeSelect, FieldPipeSelect.Set(0, uint32(pipe)))
}

func (d *Device) rawRead(region Region, offset uint32) (uint32, error) {
	v, err := d.regions[region].Read32(offset)
	if err != nil {
		return 0, fmt.Errorf("pvdec: read %s[0x%x]: %w", region, offset, err)
	}
	return v, nil
}

func (d *Device) rawWrite(region Region, offset, value uint32) error {
	if err := d.regions[region].Write32(offset, value); err != nil {
		return fmt.Errorf("pvdec: write %s[0x%x]: %w", region, offset, err)
	}
	return nil
}
