package pvdec

import (
	"errors"
	"fmt"
	"time"

	"github.com/tinyrange/vxd/internal/timeslice"
)

// moduleLoadPipe is the pipe whose DMA channel 0 the firmware reads modules through.
const moduleLoadPipe Pipe = 0

// loadByRegisters writes the firmware into processor RAM one word at a time
// through the RAM access port, then points DMA channel 0 at the image for the
// firmware's own module loader.
func (d *Device) loadByRegisters() error {
	defer timeslice.Since(sliceLoadRegisters, time.Now())

	d.clocks = true
	if err := d.setClocks(loadClocks); err != nil {
		return err
	}

	blob := d.fw.blob
	words := blob.Words[:blob.CoreWords]
	bankBytes := uint32(1) << (d.ram.bankSize + 2)

	var (
		bank     = ^uint32(0)
		addr     uint32
		failures int
	)
	for i, w := range words {
		id := ProcCoreMemory + addr/bankBytes
		if id != bank {
			bank = id
			ctl := FieldRAMCtlMCMID.Set(0, id)
			ctl = FieldRAMCtlAddr.Set(ctl, addr>>2)
			if len(words) > 1 {
				ctl = FieldRAMCtlAutoInc.Set(ctl, 1)
			}
			if err := d.WriteRegister(RegionProc, ProcRAMAccessControl, ctl, FullMask, NoPipe); err != nil {
				return err
			}
		}

		if err := d.WriteRegister(RegionProc, ProcRAMAccessData, w, FullMask, NoPipe); err != nil {
			return err
		}
		if err := d.waitRAMWrite(i, addr); err != nil {
			if d.opts.UploadPolicy == UploadAbort || !isWordFailure(err) {
				return err
			}
			failures++
		}

		addr += 4
		d.reportProgress(i+1, len(words))
	}
	if failures > 0 {
		d.log.Warn("pvdec: register upload finished with failed words", "failed", failures, "words", len(words))
	}

	return d.WriteRegister(RegionPixelDMA, DMACRegister(DMACSetup, 0), blob.DevVirtAddr, FullMask, moduleLoadPipe)
}

// waitRAMWrite waits for the RAM access port to accept word i, watching the
// processor fault register on every iteration.
func (d *Device) waitRAMWrite(i int, addr uint32) error {
	budget := d.opts.RAMWaitBudget
	for {
		fault, err := d.ReadRegister(RegionProc, ProcFault0, NoPipe)
		if err != nil {
			return err
		}
		if fault != 0 {
			d.log.Error("pvdec: processor fault during firmware upload",
				"word", i, "addr", fmt.Sprintf("0x%x", addr), "fault0", fmt.Sprintf("0x%08x", fault))
			return fmt.Errorf("%w: processor fault 0x%08x writing word %d", ErrFatal, fault, i)
		}

		budget--
		st, err := d.ReadRegister(RegionProc, ProcRAMAccessStatus, NoPipe)
		if err != nil {
			return err
		}
		if FieldRAMStatComplete.Get(st) != 0 {
			return nil
		}
		if budget <= 0 {
			d.log.Error("pvdec: timed out writing firmware word",
				"word", i, "addr", fmt.Sprintf("0x%x", addr))
			return fmt.Errorf("%w: firmware word %d at 0x%x", ErrTimeout, i, addr)
		}
	}
}

// isWordFailure separates per-word faults and timeouts from transport errors,
// which always abort the upload.
func isWordFailure(err error) bool {
	return errors.Is(err, ErrFatal) || errors.Is(err, ErrTimeout)
}
