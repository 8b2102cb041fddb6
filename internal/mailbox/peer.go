package mailbox

import "fmt"

// Peer is the firmware end of the comms area. The simulated core uses it to
// consume host messages and post replies.
type Peer struct {
	ram    RAM
	toFw   ring
	fromFw ring
}

// Attach reads the ring descriptors written by the host. It fails with
// ErrNotReady if the host has not initialised the area.
func Attach(ram RAM) (*Peer, error) {
	var hdr [3]uint32
	if err := ram.ReadWords(OffsetToFwRing, hdr[:]); err != nil {
		return nil, fmt.Errorf("mailbox: read ring descriptors: %w", err)
	}
	if hdr[2]&HostFlagReady == 0 {
		return nil, ErrNotReady
	}
	p := &Peer{
		ram: ram,
		toFw: ring{
			base:    hdr[0] & 0xFFFF,
			size:    hdr[0] >> 16,
			readAt:  OffsetToFwRead,
			writeAt: OffsetToFwWrite,
		},
		fromFw: ring{
			base:    hdr[1] & 0xFFFF,
			size:    hdr[1] >> 16,
			readAt:  OffsetFromFwRead,
			writeAt: OffsetFromFwWrite,
		},
	}
	if p.toFw.size < 2 || p.fromFw.size < 2 {
		return nil, fmt.Errorf("%w: ring sizes %d/%d", ErrCorrupt, p.toFw.size, p.fromFw.size)
	}
	return p, nil
}

func (p *Peer) word(addr uint32) (uint32, error) {
	var w [1]uint32
	err := p.ram.ReadWords(addr, w[:])
	return w[0], err
}

// Receive takes the next host message, if any.
func (p *Peer) Receive() (Message, bool, error) {
	rd, err := p.word(p.toFw.readAt)
	if err != nil {
		return Message{}, false, err
	}
	wr, err := p.word(p.toFw.writeAt)
	if err != nil {
		return Message{}, false, err
	}
	if rd == wr {
		return Message{}, false, nil
	}

	hdr, err := p.word(p.toFw.addr(rd))
	if err != nil {
		return Message{}, false, err
	}
	id, n := DecodeHeader(hdr)
	avail := (wr + p.toFw.size - rd) % p.toFw.size
	if n == 0 || n > avail {
		return Message{}, false, fmt.Errorf("%w: header 0x%08x", ErrCorrupt, hdr)
	}

	msg := Message{ID: id, Payload: make([]uint32, 0, n-1)}
	for i := uint32(1); i < n; i++ {
		w, err := p.word(p.toFw.addr(rd + i))
		if err != nil {
			return Message{}, false, err
		}
		msg.Payload = append(msg.Payload, w)
	}

	rd = (rd + n) % p.toFw.size
	if err := p.ram.WriteWords(p.toFw.readAt, []uint32{rd}); err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

// Post appends msg to the from-firmware ring.
func (p *Peer) Post(msg Message) error {
	n := msg.words()
	rd, err := p.word(p.fromFw.readAt)
	if err != nil {
		return err
	}
	wr, err := p.word(p.fromFw.writeAt)
	if err != nil {
		return err
	}
	used := (wr + p.fromFw.size - rd) % p.fromFw.size
	if n > p.fromFw.size-1-used {
		return fmt.Errorf("mailbox: from-firmware ring full")
	}

	if err := p.ram.WriteWords(p.fromFw.addr(wr), []uint32{EncodeHeader(msg.ID, len(msg.Payload))}); err != nil {
		return err
	}
	for i, w := range msg.Payload {
		if err := p.ram.WriteWords(p.fromFw.addr(wr+uint32(i)+1), []uint32{w}); err != nil {
			return err
		}
	}
	return p.ram.WriteWords(p.fromFw.writeAt, []uint32{(wr + n) % p.fromFw.size})
}
