package pvdec

import (
	"errors"
	"testing"

	"github.com/tinyrange/vxd/internal/mailbox"
	"github.com/tinyrange/vxd/internal/regio"
)

// openWithComms opens a device with an initialised comms area and attaches
// the firmware end to it.
func openWithComms(t *testing.T, c *testCore) (*Device, *mailbox.Peer) {
	t.Helper()
	d := c.open(Options{})
	if err := d.Mailbox().Init(); err != nil {
		t.Fatalf("init comms: %v", err)
	}
	p, err := mailbox.Attach(memRAM{mem: c.mem[RegionCommsRAM]})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	c.trace.Reset()
	return d, p
}

func TestHandleInterruptsMMUFault(t *testing.T) {
	c := newTestCore(t)
	c.set(RegionCore, CoreHostInterruptStatus, IntMMUFaultIRQ)
	c.set(RegionCore, CoreHostInterruptEnable, IntMMUFaultIRQ|IntProcIRQ)
	c.set(RegionMMU, MMUStatus0, 0x12345003)
	c.set(RegionMMU, MMUStatus1, 5<<8|1)
	d := c.open(Options{})

	status := InterruptStatus{Queue: mailbox.NewQueue(4)}
	if err := d.HandleInterrupts(&status); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if status.Pending != IntMMUFaultIRQ {
		t.Fatalf("pending = 0x%x", status.Pending)
	}
	want := MMUFault{Addr: 0x12345000, PageFaultRW: true, Secure: true, Requestor: 5, ReadNotWrite: true}
	if status.MMUFault == nil || *status.MMUFault != want {
		t.Fatalf("fault = %+v, want %+v", status.MMUFault, want)
	}
	if got := c.get(RegionCore, CoreHostInterruptEnable); got != IntProcIRQ {
		t.Fatalf("enable after fault = 0x%x, want MMU cause masked", got)
	}
	if n := len(c.writesTo(RegionCore, CoreInterruptClear)); n != 0 {
		t.Fatalf("MMU fault alone should not clear the message cause")
	}
}

func TestHandleInterruptsMasksDisabledCauses(t *testing.T) {
	c := newTestCore(t)
	c.set(RegionCore, CoreHostInterruptStatus, IntMMUFaultIRQ|IntProcIRQ)
	c.set(RegionCore, CoreHostInterruptEnable, 0)
	d, _ := openWithComms(t, c)

	status := InterruptStatus{Queue: mailbox.NewQueue(4)}
	if err := d.HandleInterrupts(&status); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if status.Pending != 0 || status.MMUFault != nil {
		t.Fatalf("disabled causes reported: %+v", status)
	}
	if c.readsOf(RegionMMU, MMUStatus0) != 0 {
		t.Fatalf("MMU status read for a disabled cause")
	}
}

func TestHandleInterruptsClearsBeforeDrain(t *testing.T) {
	c := newTestCore(t)
	c.set(RegionCore, CoreHostInterruptStatus, IntProcIRQ)
	c.set(RegionCore, CoreHostInterruptEnable, IntProcIRQ)
	d, p := openWithComms(t, c)

	if err := p.Post(mailbox.Message{ID: 0x42, Payload: []uint32{7, 8}}); err != nil {
		t.Fatalf("post: %v", err)
	}

	q := mailbox.NewQueue(4)
	status := InterruptStatus{Queue: q}
	if err := d.HandleInterrupts(&status); err != nil {
		t.Fatalf("handle: %v", err)
	}

	clearAt := c.trace.Index(isWrite(RegionCore, CoreInterruptClear))
	drainAt := c.trace.Index(func(a regio.Access) bool {
		return !a.Write && a.Region == "comms_ram" && a.Offset == mailbox.OffsetFromFwRead
	})
	if clearAt < 0 || drainAt < 0 || clearAt > drainAt {
		t.Fatalf("clear at %d, drain at %d:\n%s", clearAt, drainAt, c.dump())
	}
	if got := c.writesTo(RegionCore, CoreInterruptClear); got[0] != IntProcIRQ {
		t.Fatalf("clear value = 0x%x", got[0])
	}

	m, ok := q.Pop()
	if !ok || m.ID != 0x42 || len(m.Payload) != 2 || m.Payload[1] != 8 {
		t.Fatalf("drained %+v, %v", m, ok)
	}
}

func TestHandleInterruptsStaleCommsClearsCause(t *testing.T) {
	c := newTestCore(t)
	c.set(RegionCore, CoreHostInterruptStatus, IntProcIRQ)
	c.set(RegionCore, CoreHostInterruptEnable, IntProcIRQ)
	d := c.open(Options{})

	q := mailbox.NewQueue(4)
	status := InterruptStatus{Queue: q}
	if err := d.HandleInterrupts(&status); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := c.writesTo(RegionCore, CoreInterruptClear); len(got) != 1 || got[0] != IntProcIRQ {
		t.Fatalf("clear writes = %x, want one clear of the message cause", got)
	}
	if n := c.trace.Count(func(a regio.Access) bool { return a.Region == RegionCommsRAM.String() }); n != 0 {
		t.Fatalf("stale comms area accessed %d times:\n%s", n, c.dump())
	}
	if q.Pending() != 0 {
		t.Fatalf("queued %d messages from a stale ring", q.Pending())
	}
}

func TestHandleInterruptsBacklog(t *testing.T) {
	c := newTestCore(t)
	c.set(RegionCore, CoreHostInterruptStatus, IntProcIRQ)
	c.set(RegionCore, CoreHostInterruptEnable, IntProcIRQ)
	d, p := openWithComms(t, c)

	for i := 0; i < 2; i++ {
		if err := p.Post(mailbox.Message{ID: uint16(i + 1)}); err != nil {
			t.Fatalf("post: %v", err)
		}
	}

	q := mailbox.NewQueue(1)
	status := InterruptStatus{Queue: q}
	if err := d.HandleInterrupts(&status); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if !q.Backlog() || q.Pending() != 1 {
		t.Fatalf("after first pass backlog=%v pending=%d", q.Backlog(), q.Pending())
	}

	// With the free list still empty nothing is cleared or drained.
	c.trace.Reset()
	if err := d.HandleInterrupts(&status); err != nil {
		t.Fatalf("handle with empty free list: %v", err)
	}
	if n := len(c.writesTo(RegionCore, CoreInterruptClear)); n != 0 {
		t.Fatalf("cause cleared with no free slots")
	}

	m, _ := q.Pop()
	q.Release(m)

	// The hardware cause has gone; the backlog alone drives the drain.
	c.set(RegionCore, CoreHostInterruptStatus, 0)
	if err := d.HandleInterrupts(&status); err != nil {
		t.Fatalf("backlog handle: %v", err)
	}
	if q.Backlog() || q.Pending() != 1 {
		t.Fatalf("after backlog pass backlog=%v pending=%d", q.Backlog(), q.Pending())
	}
	if m, ok := q.Pop(); !ok || m.ID != 2 {
		t.Fatalf("second message = %+v, %v", m, ok)
	}
}

func TestHandleInterruptsCorruptRing(t *testing.T) {
	c := newTestCore(t)
	c.set(RegionCore, CoreHostInterruptStatus, IntProcIRQ)
	c.set(RegionCore, CoreHostInterruptEnable, IntProcIRQ)
	d, p := openWithComms(t, c)

	if err := p.Post(mailbox.Message{ID: 1}); err != nil {
		t.Fatalf("post: %v", err)
	}
	// Zero the header of the first from-firmware message.
	fromFw := uint32(64 + mailbox.DefaultLayout.ToFwWords*4)
	c.set(RegionCommsRAM, fromFw, 0)

	status := InterruptStatus{Queue: mailbox.NewQueue(4)}
	if err := d.HandleInterrupts(&status); !errors.Is(err, ErrFatal) {
		t.Fatalf("handle = %v, want ErrFatal", err)
	}
}

func TestHandleInterruptsWithClocksOff(t *testing.T) {
	c := newTestCore(t)
	c.set(RegionCore, CoreHostInterruptStatus, IntProcIRQ)
	c.set(RegionCore, CoreHostInterruptEnable, IntProcIRQ)
	d, _ := openWithComms(t, c)
	if err := d.DisableClocks(); err != nil {
		t.Fatal(err)
	}
	c.trace.Reset()

	status := InterruptStatus{Queue: mailbox.NewQueue(4)}
	if err := d.HandleInterrupts(&status); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if status.Pending != 0 || c.trace.Len() != 0 {
		t.Fatalf("pending=0x%x traffic:\n%s", status.Pending, c.dump())
	}

	if err := d.HandleInterrupts(nil); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("nil status = %v", err)
	}
	if err := d.HandleInterrupts(&InterruptStatus{}); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("nil queue = %v", err)
	}
}

func TestSendFirmwareMessageKicks(t *testing.T) {
	c := newTestCore(t)
	d, p := openWithComms(t, c)

	if err := d.SendFirmwareMessage(mailbox.Message{ID: 9, Payload: []uint32{1, 2, 3}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	entries := c.trace.Entries()
	last := entries[len(entries)-1]
	if !last.Write || last.Region != "proc" || last.Offset != ProcKickI || last.Value != 1 {
		t.Fatalf("last access = %v, want kick", last)
	}
	m, ok, err := p.Receive()
	if err != nil || !ok || m.ID != 9 || len(m.Payload) != 3 {
		t.Fatalf("receive = %+v, %v, %v", m, ok, err)
	}

	d.Mailbox().MarkNotReady()
	c.trace.Reset()
	if err := d.SendFirmwareMessage(mailbox.Message{ID: 10}); !errors.Is(err, mailbox.ErrNotReady) {
		t.Fatalf("send on stale comms = %v, want ErrNotReady", err)
	}
	if n := len(c.writesTo(RegionProc, ProcKickI)); n != 0 {
		t.Fatalf("kicked after failed send")
	}
}
