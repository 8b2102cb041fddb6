package pvdec

import (
	"fmt"
	"time"

	"github.com/tinyrange/vxd/internal/mailbox"
	"github.com/tinyrange/vxd/internal/timeslice"
)

// MMUFault is the decoded MMU fault status captured by HandleInterrupts.
type MMUFault struct {
	Addr         uint32
	PageFaultRW  bool
	Secure       bool
	Requestor    uint32
	ReadNotWrite bool
}

func (f MMUFault) String() string {
	dir := "write"
	if f.ReadNotWrite {
		dir = "read"
	}
	return fmt.Sprintf("mmu fault at 0x%08x (%s, requestor %d, secure=%v, pf_rw=%v)",
		f.Addr, dir, f.Requestor, f.Secure, f.PageFaultRW)
}

// InterruptStatus is filled in by HandleInterrupts. Queue is supplied by the
// caller and receives drained firmware messages.
type InterruptStatus struct {
	Pending  uint32
	MMUFault *MMUFault
	Queue    *mailbox.Queue
}

// HandleInterrupts services the host interrupt line: it masks and decodes MMU
// faults and drains firmware messages into status.Queue.
func (d *Device) HandleInterrupts(status *InterruptStatus) error {
	if d == nil || status == nil || status.Queue == nil {
		return ErrInvalidParameters
	}
	if !d.initialised {
		return ErrNotInitialised
	}
	defer timeslice.Since(sliceInterrupt, time.Now())
	status.MMUFault = nil

	pending, err := d.ReadRegister(RegionCore, CoreHostInterruptStatus, NoPipe)
	if err != nil {
		return err
	}
	enable, err := d.ReadRegister(RegionCore, CoreHostInterruptEnable, NoPipe)
	if err != nil {
		return err
	}
	pending &= enable
	status.Pending = pending

	if pending&IntMMUFaultIRQ != 0 {
		fault, err := d.captureMMUFault(enable)
		if err != nil {
			return err
		}
		status.MMUFault = fault
	}

	if pending&IntProcIRQ == 0 && !status.Queue.Backlog() {
		return nil
	}
	if status.Queue.FreeEmpty() {
		// Leave the cause set; the next call retries once slots are released.
		return nil
	}
	if !d.comms.Ready() {
		// Nothing can be drained from a stale ring. Clear the cause so a
		// level-triggered line does not keep re-entering the handler.
		d.log.Warn("pvdec: processor interrupt with comms area not ready, dropping")
		return d.clearMessageCause()
	}

	// Clear the cause before draining. A message posted after the drain
	// finishes raises the interrupt again; clearing afterwards could swallow
	// it and leave the message in the ring with no further wakeup.
	if err := d.clearMessageCause(); err != nil {
		return err
	}
	return d.drainMessages(status.Queue)
}

func (d *Device) clearMessageCause() error {
	return d.WriteRegister(RegionCore, CoreInterruptClear, IntProcIRQ, FullMask, NoPipe)
}

func (d *Device) drainMessages(q *mailbox.Queue) error {
	if err := d.comms.Drain(q); err != nil {
		return d.assert(false, "drain firmware messages: %v", err)
	}
	return nil
}

// captureMMUFault masks further MMU interrupts and decodes the fault status.
// The cause stays masked until the owner recovers the MMU.
func (d *Device) captureMMUFault(enable uint32) (*MMUFault, error) {
	enable &^= IntMMUFaultIRQ
	if err := d.WriteRegister(RegionCore, CoreHostInterruptEnable, enable, FullMask, NoPipe); err != nil {
		return nil, err
	}

	s0, err := d.ReadRegister(RegionMMU, MMUStatus0, NoPipe)
	if err != nil {
		return nil, err
	}
	s1, err := d.ReadRegister(RegionMMU, MMUStatus1, NoPipe)
	if err != nil {
		return nil, err
	}

	fault := &MMUFault{
		Addr:         FieldMMUFaultAddr.Get(s0) << 12,
		PageFaultRW:  FieldMMUPageFaultRW.Get(s0) != 0,
		Secure:       FieldMMUSecureFault.Get(s0) != 0,
		Requestor:    FieldMMUFaultReqID.Get(s1),
		ReadNotWrite: FieldMMUFaultRNW.Get(s1) != 0,
	}
	d.log.Warn("pvdec: "+fault.String(), "status0", fmt.Sprintf("0x%08x", s0), "status1", fmt.Sprintf("0x%08x", s1))
	return fault, nil
}

// KickMTX raises the processor's kick interrupt. The kick register is outside
// the clock-gated banks.
func (d *Device) KickMTX() error {
	if d == nil {
		return ErrInvalidParameters
	}
	if !d.initialised {
		return ErrNotInitialised
	}
	return d.rawWrite(RegionProc, ProcKickI, FieldKickI.Set(0, 1))
}

// SendFirmwareMessage posts msg to the firmware and kicks the processor.
func (d *Device) SendFirmwareMessage(msg mailbox.Message) error {
	if d == nil {
		return ErrInvalidParameters
	}
	if !d.initialised {
		return ErrNotInitialised
	}
	if err := d.comms.Send(msg); err != nil {
		return fmt.Errorf("pvdec: send firmware message 0x%04x: %w", msg.ID, err)
	}
	return d.KickMTX()
}
