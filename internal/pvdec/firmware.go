package pvdec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tinyrange/vxd/internal/timeslice"
	"golang.org/x/mod/semver"
)

// FirmwareBlob describes the base firmware image as loaded into device memory.
type FirmwareBlob struct {
	// DevVirtAddr is the device virtual address of the image.
	DevVirtAddr uint32
	// CoreWords is the number of words the loader transfers into processor RAM.
	CoreWords uint32
	// Words is the host copy of the image. Required for register upload and
	// for copying into FirmwareMemory.
	Words []uint32
	// Version is the semantic version of the image, e.g. "v2.3.0".
	Version string
}

type firmwareInfo struct {
	blob     FirmwareBlob
	prepared bool
}

// PrepareFirmware validates blob, copies it into device memory and resets the
// comms area ready for LoadBaseFirmware.
func (d *Device) PrepareFirmware(blob FirmwareBlob) error {
	if d == nil {
		return ErrInvalidParameters
	}
	if !d.initialised {
		return ErrNotInitialised
	}
	if err := d.validateFirmware(blob); err != nil {
		return err
	}

	if !d.bypass {
		d.fw = firmwareInfo{blob: blob, prepared: true}
		if err := d.copyFirmware(blob); err != nil {
			return err
		}
	}

	if err := d.clearCommsHeader(); err != nil {
		return fmt.Errorf("pvdec: clear comms header: %w", err)
	}
	if err := d.comms.Init(); err != nil {
		return fmt.Errorf("pvdec: init comms: %w", err)
	}

	d.log.Info("pvdec: firmware prepared",
		"addr", fmt.Sprintf("0x%08x", blob.DevVirtAddr),
		"words", blob.CoreWords,
		"version", blob.Version)
	return nil
}

func (d *Device) validateFirmware(blob FirmwareBlob) error {
	if blob.CoreWords == 0 {
		return fmt.Errorf("%w: firmware has no core words", ErrInvalidParameters)
	}
	if len(blob.Words) > 0 && int(blob.CoreWords) > len(blob.Words) {
		return fmt.Errorf("%w: core size %d exceeds image size %d", ErrInvalidParameters, blob.CoreWords, len(blob.Words))
	}
	if d.opts.Strategy == StrategyRegister && len(blob.Words) == 0 {
		return fmt.Errorf("%w: register upload needs the image words", ErrInvalidParameters)
	}
	if d.opts.Strategy == StrategyDMA {
		if n := dmaLength(blob.CoreWords); n > FieldDMACCnt.Max() || n > FieldCDMACLength.Max() {
			return fmt.Errorf("%w: DMA length of %d words exceeds the %d word transfer limit",
				ErrInvalidParameters, n, min(FieldDMACCnt.Max(), FieldCDMACLength.Max()))
		}
	}
	if d.ram.size != 0 && blob.CoreWords*4 > d.ram.size {
		return fmt.Errorf("%w: firmware core of %d bytes does not fit %d bytes of processor RAM",
			ErrInvalidParameters, blob.CoreWords*4, d.ram.size)
	}

	if want := d.opts.MinFirmwareVersion; want != "" {
		if !semver.IsValid(blob.Version) {
			return fmt.Errorf("%w: firmware version %q is not a semantic version", ErrInvalidParameters, blob.Version)
		}
		if semver.Compare(blob.Version, want) < 0 {
			return fmt.Errorf("%w: firmware %s is older than required %s", ErrInvalidParameters, blob.Version, want)
		}
	}
	return nil
}

func (d *Device) copyFirmware(blob FirmwareBlob) error {
	if d.opts.FirmwareMemory == nil || len(blob.Words) == 0 {
		return nil
	}
	defer timeslice.Since(sliceCopyFirmware, time.Now())

	buf := make([]byte, len(blob.Words)*4)
	for i, w := range blob.Words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	if _, err := d.opts.FirmwareMemory.WriteAt(buf, int64(blob.DevVirtAddr)); err != nil {
		return fmt.Errorf("pvdec: copy firmware to 0x%08x: %w", blob.DevVirtAddr, err)
	}
	return nil
}

// firmwareLoadPipe is the pixel pipe whose DMA controller feeds the processor.
const firmwareLoadPipe Pipe = 1

// LoadBaseFirmware transfers the prepared firmware into processor RAM, starts
// the processor, arms the watchdogs and enables processor interrupts.
func (d *Device) LoadBaseFirmware() error {
	if d == nil {
		return ErrInvalidParameters
	}
	if !d.initialised {
		return ErrNotInitialised
	}

	if err := d.comms.Init(); err != nil {
		return fmt.Errorf("pvdec: init comms: %w", err)
	}

	if d.bypass {
		d.log.Info("pvdec: I/O bypass active, firmware load left to the owner")
		return nil
	}
	if !d.fw.prepared {
		return fmt.Errorf("%w: no firmware prepared", ErrNotInitialised)
	}

	var err error
	switch d.opts.Strategy {
	case StrategyDMA:
		err = d.loadByDMA(firmwareLoadPipe)
	case StrategyRegister:
		err = d.loadByRegisters()
	}
	if err != nil {
		return fmt.Errorf("pvdec: load firmware (%s): %w", d.opts.Strategy, err)
	}

	if err := d.startProcessor(); err != nil {
		return fmt.Errorf("pvdec: start processor: %w", err)
	}
	if err := d.configureWatchdogs(); err != nil {
		return fmt.Errorf("pvdec: configure watchdogs: %w", err)
	}
	if err := d.enableProcInterrupts(); err != nil {
		return fmt.Errorf("pvdec: enable interrupts: %w", err)
	}

	d.log.Info("pvdec: base firmware started", "strategy", d.opts.Strategy.String(), "words", d.fw.blob.CoreWords)
	return nil
}

// startProcessor loads the program counter with the entry point through the
// indirect register interface and sets the processor running.
func (d *Device) startProcessor() error {
	defer timeslice.Since(sliceStartProcessor, time.Now())

	if err := d.WriteRegister(RegionProc, ProcRegisterData, d.opts.EntryPoint, FullMask, NoPipe); err != nil {
		return err
	}
	req := FieldRegReqRNW.Set(0, 0)
	req = FieldRegReqUSpec.Set(req, USpecPC)
	req = FieldRegReqRSpec.Set(req, RSpecPC)
	if err := d.WriteRegister(RegionProc, ProcRegisterRequest, req, FullMask, NoPipe); err != nil {
		return err
	}
	return d.WriteRegister(RegionProc, ProcEnable, 1, FullMask, NoPipe)
}

// configureWatchdogs arms the front-end, entropy and back-end watchdogs.
func (d *Device) configureWatchdogs() error {
	fe := FieldFEWDTCntCtrl.Set(0, 3)
	fe = FieldFEWDTAction0.Set(fe, 1)
	fe = FieldFEWDTClearSelect.Set(fe, 1)
	fe = FieldFEWDTClkDiv.Set(fe, 7)
	if err := d.WriteRegister(RegionPixelPipe, PixelFEWDTControl, fe, FullMask, firmwareLoadPipe); err != nil {
		return err
	}

	ent := FieldEntWDTCntCtrl.Set(0, 3)
	ent = FieldEntWDTAction1.Set(ent, 1)
	ent = FieldEntWDTAction0.Set(ent, 1)
	ent = FieldEntWDTClearSelect.Set(ent, 1)
	ent = FieldEntWDTClkDiv.Set(ent, 7)
	if err := d.WriteRegister(RegionEntropyPipe, EntropyWDTControl, ent, FullMask, NoPipe); err != nil {
		return err
	}

	be := FieldBEWDTAction0.Set(0, 1)
	be = FieldBEWDTClkDiv.Set(be, 7)
	return d.WriteRegister(RegionPixelPipe, PixelBEWDTControl, be, FullMask, firmwareLoadPipe)
}

func (d *Device) enableProcInterrupts() error {
	bits := uint32(IntProcIRQ | IntMMUFaultIRQ)
	return d.WriteRegister(RegionCore, CoreHostInterruptEnable, bits, bits, NoPipe)
}

func (d *Device) reportProgress(done, total int) {
	if d.opts.Progress != nil {
		d.opts.Progress(done, total)
	}
}
