package pvdec

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/tinyrange/vxd/internal/timeslice"
)

// dmaLength is the transfer length in words programmed for a firmware of n
// words: rounded up to a multiple of 8 with one extra burst.
func dmaLength(n uint32) uint32 {
	return ((n + 7) &^ 7) + 8
}

// loadByDMA streams the firmware from device memory into processor RAM over
// channel 0 of the pixel pipe DMA controller.
func (d *Device) loadByDMA(pipe Pipe) error {
	defer timeslice.Since(sliceLoadDMA, time.Now())

	d.clocks = true
	if err := d.setClocks(loadClocks); err != nil {
		return err
	}

	blob := d.fw.blob
	length := dmaLength(blob.CoreWords)

	timer := FieldTimerEn.Set(0, 1)
	timer = FieldTimerDiv.Set(timer, d.opts.ProcClockMHz-1)
	if err := d.WriteRegister(RegionProc, ProcSyscTimerDiv, timer, FullMask, NoPipe); err != nil {
		return err
	}

	clk := FieldPixelDMACClk.Set(0, 1)
	clk = FieldPixelRegClk.Set(clk, 1)
	if err := d.WriteRegister(RegionPixelPipe, PixelManClkEnable, clk, FullMask, pipe); err != nil {
		return err
	}

	// Processor side: start address 0, length, enable.
	if err := d.WriteRegister(RegionProc, ProcSyscCDMAA, 0, FullMask, NoPipe); err != nil {
		return err
	}
	cdmac := FieldCDMACBurstSize.Set(0, 0)
	cdmac = FieldCDMACRNW.Set(cdmac, 0)
	cdmac = FieldCDMACEnable.Set(cdmac, 1)
	cdmac = FieldCDMACLength.Set(cdmac, length)
	if err := d.WriteRegister(RegionProc, ProcSyscCDMAC, cdmac, FullMask, NoPipe); err != nil {
		return err
	}

	if err := d.WriteRegister(RegionCore, CoreProcDMACControl, FieldBootOnDMACh0.Set(0, 1), FullMask, NoPipe); err != nil {
		return err
	}
	if err := d.WriteRegister(RegionPixelPipe, PixelControl0, FieldDMACChSelForMTX.Set(0, 0), FullMask, pipe); err != nil {
		return err
	}

	// Pixel DMA channel 0.
	const ch = 0
	writes := []struct {
		reg   uint32
		value uint32
	}{
		{DMACPerHold, FieldDMACPerHold.Set(0, 7)},
		{DMACIRQStat, 0},
		{DMACSetup, blob.DevVirtAddr},
		{DMACPeripheralAddr, FieldDMACPeriphAddr.Set(0, ProcSyscCDMAT)},
		{DMACPeripheral, FieldDMACPeriphBurst.Set(FieldDMACPeriphIncr.Set(0, dmacIncrOff), dmacBurst1)},
	}
	for _, w := range writes {
		if err := d.WriteRegister(RegionPixelDMA, DMACRegister(w.reg, ch), w.value, FullMask, pipe); err != nil {
			return err
		}
	}

	count := FieldDMACTransferIEN.Set(0, 1)
	count = FieldDMACPW.Set(count, dmacPWidth32)
	count = FieldDMACDir.Set(count, 0)
	count = FieldDMACPI.Set(count, dmacIncrOn)
	count = FieldDMACCnt.Set(count, length)
	count = FieldDMACEn.Set(count, 1)
	if err := d.WriteRegister(RegionPixelDMA, DMACRegister(DMACCount, ch), count, FullMask, pipe); err != nil {
		return err
	}

	d.log.Debug("pvdec: firmware DMA started",
		"addr", fmt.Sprintf("0x%08x", blob.DevVirtAddr), "words", blob.CoreWords, "length", length)

	if !d.opts.WaitDMA {
		return nil
	}
	return d.waitDMA(pipe, ch, length)
}

// waitDMA polls the channel count until it reaches zero. A count that does
// not fall between polls means the transfer has stalled.
func (d *Device) waitDMA(pipe Pipe, ch int, length uint32) error {
	prev := length
	for prev > 0 {
		time.Sleep(d.dmaPollDelay())

		reg, err := d.ReadRegister(RegionPixelDMA, DMACRegister(DMACCount, ch), pipe)
		if err != nil {
			return err
		}
		cnt := FieldDMACCnt.Get(reg)
		if cnt >= prev {
			return d.assert(false, "firmware DMA stalled with %d of %d words remaining", cnt, length)
		}
		d.reportProgress(int(length-cnt), int(length))
		prev = cnt
	}
	return nil
}

// dmaPollDelay returns the configured poll interval, or a jittered 300-600us.
func (d *Device) dmaPollDelay() time.Duration {
	if d.opts.DMAPollInterval > 0 {
		return d.opts.DMAPollInterval
	}
	return 300*time.Microsecond + rand.N(300*time.Microsecond)
}
