package chipset

import "context"

// Region is a named span of the simulated bus. Name identifies the register
// bank within its device; the builder qualifies it with the device name.
type Region struct {
	Name    string
	Address uint64
	Size    uint64
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Address + r.Size
}

func (r Region) contains(addr, n uint64) bool {
	return addr >= r.Address && addr+n <= r.End()
}

func (r Region) overlaps(o Region) bool {
	return r.Address < o.End() && o.Address < r.End()
}

// MmioHandler handles reads and writes to memory-mapped regions. addr is the
// absolute bus address of the access.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []Region
	Handler MmioHandler
}

// PollHandler performs periodic maintenance for a device that requires polling.
type PollHandler interface {
	Poll(ctx context.Context) error
}

// PollDevice registers a poll-capable device with the chipset.
type PollDevice struct {
	Handler PollHandler
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all chipset devices must implement.
type ChipsetDevice interface {
	ChangeDeviceState

	SupportsMmio() *MmioIntercept
	SupportsPollDevice() *PollDevice
}
