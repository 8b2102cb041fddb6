// Package pvdec drives a PVDEC-class video decode core: gated register access,
// clock control, firmware bring-up of the embedded MTX processor, the host
// interrupt pump and diagnostic state snapshots.
//
// A Device is not safe for concurrent use. Read-modify-write sequences, pipe
// selection followed by an access, and indirect processor register reads are
// all multi-transaction; callers serialise access externally.
package pvdec

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tinyrange/vxd/internal/mailbox"
	"github.com/tinyrange/vxd/internal/regio"
)

// Strategy selects how the base firmware reaches processor memory.
type Strategy int

const (
	StrategyDMA Strategy = iota
	StrategyRegister
)

func (s Strategy) String() string {
	switch s {
	case StrategyDMA:
		return "dma"
	case StrategyRegister:
		return "register"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// UploadPolicy decides what a per-word failure during register upload does.
type UploadPolicy int

const (
	// UploadAbort stops the upload at the first fault or timeout.
	UploadAbort UploadPolicy = iota
	// UploadBestEffort logs the failure and carries on with the next word.
	UploadBestEffort
)

func (p UploadPolicy) String() string {
	switch p {
	case UploadAbort:
		return "abort"
	case UploadBestEffort:
		return "best-effort"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Options configure a Device. The zero value is usable; defaults are filled in by Open.
type Options struct {
	Logger *slog.Logger

	// IOBypass marks restricted registers as owned by an upper layer.
	IOBypass bool

	// StrictAsserts panics on hardware invariant violations instead of
	// returning ErrFatal. Intended for debug builds and tests.
	StrictAsserts bool

	Strategy     Strategy
	UploadPolicy UploadPolicy

	// WaitDMA makes the DMA strategy poll the channel count until the
	// transfer finishes.
	WaitDMA         bool
	DMAPollInterval time.Duration

	// RAMWaitBudget bounds the per-word completion poll of register upload.
	RAMWaitBudget int
	// PollBudget bounds Poll.
	PollBudget   int
	PollInterval time.Duration

	ProcClockMHz uint32
	EntryPoint   uint32

	// MinFirmwareVersion rejects older firmware in PrepareFirmware when set.
	MinFirmwareVersion string

	// FirmwareMemory receives the firmware blob at its device virtual address.
	FirmwareMemory io.WriterAt

	Mailbox mailbox.Layout

	// Progress is called with words transferred so far during firmware load.
	Progress func(done, total int)
}

const (
	defaultRAMWaitBudget = 1000
	defaultPollBudget    = 100000
	defaultProcClockMHz  = 200
)

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.RAMWaitBudget <= 0 {
		o.RAMWaitBudget = defaultRAMWaitBudget
	}
	if o.PollBudget <= 0 {
		o.PollBudget = defaultPollBudget
	}
	if o.ProcClockMHz == 0 {
		o.ProcClockMHz = defaultProcClockMHz
	}
	if o.EntryPoint == 0 {
		o.EntryPoint = DefaultEntryPoint
	}
}

// RegionSet holds one window per register bank, indexed by Region.
type RegionSet [RegionCount]regio.Window

// ramInfo describes processor RAM geometry.
type ramInfo struct {
	banks    uint32
	bankSize uint32 // log2(bytes) - 2
	size     uint32
	mask     uint32
}

// Device is an open PVDEC core.
type Device struct {
	opts Options
	log  *slog.Logger

	regions     RegionSet
	initialised bool
	bypass      bool

	clocks    bool
	clockMask ClockDomain

	ram ramInfo
	fw  firmwareInfo

	comms    *mailbox.Comms
	stateBuf stateBuffer
}

// Open takes ownership of regions, enables the core clocks, clears the comms
// header and discovers the processor RAM geometry.
func Open(regions RegionSet, opts Options) (*Device, error) {
	for r, w := range regions {
		if w == nil {
			return nil, fmt.Errorf("%w: region %s has no window", ErrInvalidParameters, Region(r))
		}
	}
	if opts.Strategy != StrategyDMA && opts.Strategy != StrategyRegister {
		return nil, fmt.Errorf("%w: unknown load strategy %v", ErrInvalidParameters, opts.Strategy)
	}
	opts.applyDefaults()

	d := &Device{
		opts:    opts,
		log:     opts.Logger,
		regions: regions,
		bypass:  opts.IOBypass,
	}
	d.comms = mailbox.New(commsRAM{d}, opts.Mailbox, d.log)
	d.initialised = true

	if err := d.EnableCoreClocks(); err != nil {
		d.initialised = false
		return nil, fmt.Errorf("pvdec: enable core clocks: %w", err)
	}

	if err := d.clearCommsHeader(); err != nil {
		d.initialised = false
		return nil, fmt.Errorf("pvdec: clear comms header: %w", err)
	}

	if !d.bypass {
		if err := d.discoverRAM(); err != nil {
			d.initialised = false
			return nil, fmt.Errorf("pvdec: get processor RAM info: %w", err)
		}
	}

	d.log.Debug("pvdec: device open", "strategy", opts.Strategy.String(), "bypass", d.bypass)
	return d, nil
}

// Close releases the region table. Later calls fail with ErrNotInitialised.
func (d *Device) Close() error {
	if d == nil {
		return ErrInvalidParameters
	}
	d.initialised = false
	d.clocks = false
	d.comms.MarkNotReady()
	d.regions = RegionSet{}
	return nil
}

// SetIOBypass hands restricted register access to (or back from) an upper layer.
func (d *Device) SetIOBypass(enabled bool) {
	d.bypass = enabled
}

// Initialised reports whether the device is open.
func (d *Device) Initialised() bool {
	return d != nil && d.initialised
}

// Mailbox returns the comms area of the device.
func (d *Device) Mailbox() *mailbox.Comms {
	return d.comms
}

// RAMSize returns the discovered processor RAM size in bytes.
func (d *Device) RAMSize() uint32 {
	return d.ram.size
}

func (d *Device) discoverRAM() error {
	info, err := d.ReadRegister(RegionCore, CoreProcDebug, NoPipe)
	if err != nil {
		return err
	}

	banks := FieldRAMBanks.Get(info)
	if banks == 0 {
		d.log.Error("pvdec: failed to get number of RAM banks", "proc_debug", fmt.Sprintf("0x%08x", info))
		return fmt.Errorf("%w: processor reports zero RAM banks", ErrFatal)
	}
	bankSize := FieldRAMBankSize.Get(info)
	lastBankSize := FieldRAMLastBankSize.Get(info)

	size := (banks-1)*(1<<(bankSize+2)) + (1 << (lastBankSize + 2))
	mask := size - 1
	mask |= mask >> 1
	mask |= mask >> 2
	mask |= mask >> 4
	mask |= mask >> 8
	mask |= mask >> 16

	d.ram = ramInfo{banks: banks, bankSize: bankSize, size: size, mask: mask}
	d.log.Info("pvdec: got processor RAM info",
		"banks", banks,
		"bank_size", fmt.Sprintf("0x%x", bankSize),
		"last_bank_size", fmt.Sprintf("0x%x", lastBankSize),
		"total", size)
	return nil
}

func (d *Device) clearCommsHeader() error {
	for i := uint32(0); i < mailbox.HeaderWords; i++ {
		if err := d.WriteRegister(RegionCommsRAM, i*4, 0, FullMask, NoPipe); err != nil {
			return err
		}
	}
	return nil
}

// assert checks a hardware invariant. Strict devices panic; others log and
// return ErrFatal.
func (d *Device) assert(ok bool, format string, args ...any) error {
	if ok {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if d.opts.StrictAsserts {
		panic("pvdec: " + msg)
	}
	d.log.Error("pvdec: hardware invariant violated", "detail", msg)
	return fmt.Errorf("%w: %s", ErrFatal, msg)
}

// commsRAM exposes the comms region to the mailbox.
type commsRAM struct {
	d *Device
}

func (c commsRAM) ReadWords(addr uint32, dst []uint32) error {
	return c.d.ReadWords(RegionCommsRAM, addr, dst)
}

func (c commsRAM) WriteWords(addr uint32, src []uint32) error {
	return c.d.WriteWords(RegionCommsRAM, addr, src)
}

var (
	_ mailbox.RAM = commsRAM{}
)
