package mailbox

import (
	"errors"
	"testing"

	"github.com/tinyrange/vxd/internal/regio"
)

// memRAM adapts a regio.Memory to RAM.
type memRAM struct {
	mem *regio.Memory
}

func (m memRAM) ReadWords(addr uint32, dst []uint32) error {
	for i := range dst {
		v, err := m.mem.Read32(addr + uint32(i)*4)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func (m memRAM) WriteWords(addr uint32, src []uint32) error {
	for i, v := range src {
		if err := m.mem.Write32(addr+uint32(i)*4, v); err != nil {
			return err
		}
	}
	return nil
}

func newTestComms(t *testing.T, layout Layout) (*Comms, *Peer) {
	t.Helper()
	ram := memRAM{mem: regio.NewMemory("vlr", 0x1000)}
	c := New(ram, layout, nil)
	if err := c.Init(); err != nil {
		t.Fatalf("init comms: %v", err)
	}
	p, err := Attach(ram)
	if err != nil {
		t.Fatalf("attach peer: %v", err)
	}
	return c, p
}

func TestSendBeforeInit(t *testing.T) {
	c := New(memRAM{mem: regio.NewMemory("vlr", 0x400)}, Layout{}, nil)
	if err := c.Send(Message{ID: 1}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send before Init = %v, want ErrNotReady", err)
	}
	if _, err := Attach(memRAM{mem: regio.NewMemory("vlr", 0x400)}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Attach before Init = %v, want ErrNotReady", err)
	}
}

func TestSendReceiveWraps(t *testing.T) {
	c, p := newTestComms(t, Layout{ToFwWords: 8, FromFwWords: 8})

	// 3-word messages in an 8-word ring wrap on the third send.
	for i := 0; i < 5; i++ {
		msg := Message{ID: uint16(i + 1), Payload: []uint32{uint32(i), uint32(i * 10)}}
		if err := c.Send(msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		got, ok, err := p.Receive()
		if err != nil || !ok {
			t.Fatalf("receive %d: ok=%v err=%v", i, ok, err)
		}
		if got.ID != msg.ID || len(got.Payload) != 2 || got.Payload[1] != uint32(i*10) {
			t.Fatalf("receive %d = %+v, want %+v", i, got, msg)
		}
	}
	if _, ok, err := p.Receive(); ok || err != nil {
		t.Fatalf("expected empty ring, ok=%v err=%v", ok, err)
	}
}

func TestSendRingFull(t *testing.T) {
	c, _ := newTestComms(t, Layout{ToFwWords: 8, FromFwWords: 8})

	if err := c.Send(Message{ID: 1, Payload: make([]uint32, 3)}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(Message{ID: 2, Payload: make([]uint32, 3)}); !errors.Is(err, ErrRingFull) {
		t.Fatalf("second send = %v, want ErrRingFull", err)
	}
	if err := c.Send(Message{ID: 3, Payload: make([]uint32, 8)}); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("oversize send = %v, want ErrMessageTooLarge", err)
	}
}

func TestDrainStopsOnEmptyFreeList(t *testing.T) {
	c, p := newTestComms(t, Layout{})
	for i := 0; i < 3; i++ {
		if err := p.Post(Message{ID: uint16(0x10 + i), Payload: []uint32{uint32(i)}}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	q := NewQueue(2)
	if err := c.Drain(q); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if q.Pending() != 2 || !q.Backlog() || !q.FreeEmpty() {
		t.Fatalf("after first drain pending=%d backlog=%v free=%d", q.Pending(), q.Backlog(), q.Free())
	}

	m, ok := q.Pop()
	if !ok || m.ID != 0x10 {
		t.Fatalf("pop = %+v, %v", m, ok)
	}
	q.Release(m)

	if err := c.Drain(q); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if q.Backlog() {
		t.Fatalf("backlog should clear once the ring is empty")
	}
	if q.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", q.Pending())
	}
	var ids []uint16
	for {
		m, ok := q.Pop()
		if !ok {
			break
		}
		ids = append(ids, m.ID)
		q.Release(m)
	}
	if len(ids) != 2 || ids[0] != 0x11 || ids[1] != 0x12 {
		t.Fatalf("drained ids = %v", ids)
	}
}

func TestDrainDetectsCorruptHeader(t *testing.T) {
	c, p := newTestComms(t, Layout{ToFwWords: 16, FromFwWords: 16})
	if err := p.Post(Message{ID: 1}); err != nil {
		t.Fatal(err)
	}
	// Overwrite the header with a zero-length frame.
	if err := p.ram.WriteWords(p.fromFw.addr(0), []uint32{0}); err != nil {
		t.Fatal(err)
	}
	if err := c.Drain(NewQueue(4)); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("drain = %v, want ErrCorrupt", err)
	}
}

func TestHeaderCodec(t *testing.T) {
	hdr := EncodeHeader(0xBEEF, 4)
	id, n := DecodeHeader(hdr)
	if id != 0xBEEF || n != 5 {
		t.Fatalf("decode(0x%08x) = %x, %d", hdr, id, n)
	}
}
