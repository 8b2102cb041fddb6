// Package mailbox implements the host side of the firmware comms area: two word
// rings in the coprocessor's local RAM, one towards the firmware and one back.
package mailbox

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	ErrNotReady        = errors.New("mailbox: comms area not initialised")
	ErrRingFull        = errors.New("mailbox: to-firmware ring full")
	ErrMessageTooLarge = errors.New("mailbox: message too large for ring")
	ErrCorrupt         = errors.New("mailbox: corrupt message in from-firmware ring")
)

// Comms header layout, byte offsets from the start of local RAM.
const (
	OffsetToFwRead    = 0x00 // firmware-owned
	OffsetToFwWrite   = 0x04 // host-owned
	OffsetFromFwRead  = 0x08 // host-owned
	OffsetFromFwWrite = 0x0C // firmware-owned

	// OffsetStateBuffer holds the state buffer descriptor published by the
	// firmware: size in bytes in the upper half, offset in the lower half.
	OffsetStateBuffer = 0x10

	OffsetToFwRing   = 0x14 // ring descriptor: size in words (hi16), offset (lo16)
	OffsetFromFwRing = 0x18
	OffsetHostFlags  = 0x1C

	// HeaderWords is the number of header words cleared before each firmware load.
	HeaderWords = 16

	headerBytes = HeaderWords * 4
)

// HostFlagReady is set in the host flags word once the rings are laid out.
const HostFlagReady = 1 << 0

// RAM is word access to the coprocessor local RAM holding the comms area.
type RAM interface {
	ReadWords(addr uint32, dst []uint32) error
	WriteWords(addr uint32, src []uint32) error
}

// Layout sizes the two rings. Sizes are in words.
type Layout struct {
	ToFwWords   uint32
	FromFwWords uint32
}

// DefaultLayout is used when the configuration does not override ring sizes.
var DefaultLayout = Layout{ToFwWords: 256, FromFwWords: 256}

// Message is one framed mailbox message. On the ring, a message is a header
// word (size in words including the header in the low half, id in the high
// half) followed by the payload.
type Message struct {
	ID      uint16
	Payload []uint32
}

func (m Message) words() uint32 {
	return uint32(len(m.Payload)) + 1
}

// EncodeHeader builds the ring header word for a message of id carrying n payload words.
func EncodeHeader(id uint16, n int) uint32 {
	return uint32(id)<<16 | (uint32(n+1) & 0xFFFF)
}

// DecodeHeader splits a ring header word.
func DecodeHeader(hdr uint32) (id uint16, words uint32) {
	return uint16(hdr >> 16), hdr & 0xFFFF
}

type ring struct {
	base    uint32 // byte offset of the first ring word
	size    uint32 // words
	readAt  uint32 // header offset of the read index
	writeAt uint32 // header offset of the write index
}

func (r ring) addr(idx uint32) uint32 {
	return r.base + (idx%r.size)*4
}

// Comms is the host view of the comms area.
type Comms struct {
	ram    RAM
	layout Layout
	log    *slog.Logger

	toFw   ring
	fromFw ring
	ready  bool
}

// New returns an uninitialised comms area over ram.
func New(ram RAM, layout Layout, log *slog.Logger) *Comms {
	if log == nil {
		log = slog.Default()
	}
	if layout.ToFwWords == 0 {
		layout.ToFwWords = DefaultLayout.ToFwWords
	}
	if layout.FromFwWords == 0 {
		layout.FromFwWords = DefaultLayout.FromFwWords
	}
	return &Comms{ram: ram, layout: layout, log: log}
}

// Init lays out both rings after the header, resets all indices and marks
// the area ready. Any messages still in flight are discarded.
func (c *Comms) Init() error {
	c.toFw = ring{
		base:    headerBytes,
		size:    c.layout.ToFwWords,
		readAt:  OffsetToFwRead,
		writeAt: OffsetToFwWrite,
	}
	c.fromFw = ring{
		base:    headerBytes + c.layout.ToFwWords*4,
		size:    c.layout.FromFwWords,
		readAt:  OffsetFromFwRead,
		writeAt: OffsetFromFwWrite,
	}
	if c.toFw.base > 0xFFFF || c.fromFw.base > 0xFFFF || c.toFw.size > 0xFFFF || c.fromFw.size > 0xFFFF {
		return fmt.Errorf("mailbox: ring layout %+v does not fit the descriptor format", c.layout)
	}

	hdr := []uint32{
		0, 0, 0, 0,
	}
	if err := c.ram.WriteWords(OffsetToFwRead, hdr); err != nil {
		return fmt.Errorf("mailbox: reset ring indices: %w", err)
	}
	desc := []uint32{
		c.toFw.size<<16 | c.toFw.base,
		c.fromFw.size<<16 | c.fromFw.base,
		HostFlagReady,
	}
	if err := c.ram.WriteWords(OffsetToFwRing, desc); err != nil {
		return fmt.Errorf("mailbox: write ring descriptors: %w", err)
	}

	c.ready = true
	c.log.Debug("mailbox: comms initialised",
		"to_fw_base", fmt.Sprintf("0x%x", c.toFw.base), "to_fw_words", c.toFw.size,
		"from_fw_base", fmt.Sprintf("0x%x", c.fromFw.base), "from_fw_words", c.fromFw.size)
	return nil
}

// Ready reports whether Init has completed since the last MarkNotReady.
func (c *Comms) Ready() bool {
	return c.ready
}

// MarkNotReady records that firmware state has been lost; Init must run again.
func (c *Comms) MarkNotReady() {
	c.ready = false
}

func (c *Comms) indices(r ring) (rd, wr uint32, err error) {
	var idx [1]uint32
	if err := c.ram.ReadWords(r.readAt, idx[:]); err != nil {
		return 0, 0, err
	}
	rd = idx[0]
	if err := c.ram.ReadWords(r.writeAt, idx[:]); err != nil {
		return 0, 0, err
	}
	wr = idx[0]
	if rd >= r.size || wr >= r.size {
		return 0, 0, fmt.Errorf("%w: index out of range (rd=%d wr=%d size=%d)", ErrCorrupt, rd, wr, r.size)
	}
	return rd, wr, nil
}

// Send posts msg into the to-firmware ring. The caller is responsible for
// signalling the firmware afterwards.
func (c *Comms) Send(msg Message) error {
	if !c.ready {
		return ErrNotReady
	}
	n := msg.words()
	if n > 0xFFFF || n > c.toFw.size-1 {
		return fmt.Errorf("%w: %d words", ErrMessageTooLarge, n)
	}

	rd, wr, err := c.indices(c.toFw)
	if err != nil {
		return fmt.Errorf("mailbox: read to-firmware indices: %w", err)
	}
	used := (wr + c.toFw.size - rd) % c.toFw.size
	if n > c.toFw.size-1-used {
		return ErrRingFull
	}

	words := make([]uint32, 0, n)
	words = append(words, EncodeHeader(msg.ID, len(msg.Payload)))
	words = append(words, msg.Payload...)
	for i, w := range words {
		if err := c.ram.WriteWords(c.toFw.addr(wr+uint32(i)), []uint32{w}); err != nil {
			return fmt.Errorf("mailbox: write message word %d: %w", i, err)
		}
	}

	// Publish the write index last so the firmware never sees a partial message.
	wr = (wr + n) % c.toFw.size
	if err := c.ram.WriteWords(c.toFw.writeAt, []uint32{wr}); err != nil {
		return fmt.Errorf("mailbox: publish to-firmware write index: %w", err)
	}
	return nil
}

// Drain copies messages from the from-firmware ring into q while q has free
// slots. When the free list runs out first, the remaining messages stay in
// the ring and q reports a backlog until a later Drain empties the ring.
func (c *Comms) Drain(q *Queue) error {
	if !c.ready {
		return ErrNotReady
	}

	rd, wr, err := c.indices(c.fromFw)
	if err != nil {
		return fmt.Errorf("mailbox: read from-firmware indices: %w", err)
	}

	drained := 0
	for rd != wr {
		if q.FreeEmpty() {
			q.backlog = true
			c.log.Debug("mailbox: free list exhausted, leaving messages in ring", "drained", drained)
			return nil
		}

		var hdr [1]uint32
		if err := c.ram.ReadWords(c.fromFw.addr(rd), hdr[:]); err != nil {
			return fmt.Errorf("mailbox: read message header: %w", err)
		}
		id, n := DecodeHeader(hdr[0])
		avail := (wr + c.fromFw.size - rd) % c.fromFw.size
		if n == 0 || n > avail {
			return fmt.Errorf("%w: header 0x%08x with %d words available", ErrCorrupt, hdr[0], avail)
		}

		slot := q.take()
		slot.ID = id
		slot.Payload = slot.Payload[:0]
		for i := uint32(1); i < n; i++ {
			var w [1]uint32
			if err := c.ram.ReadWords(c.fromFw.addr(rd+i), w[:]); err != nil {
				q.Release(slot)
				return fmt.Errorf("mailbox: read message word %d: %w", i, err)
			}
			slot.Payload = append(slot.Payload, w[0])
		}
		q.push(slot)

		rd = (rd + n) % c.fromFw.size
		if err := c.ram.WriteWords(c.fromFw.readAt, []uint32{rd}); err != nil {
			return fmt.Errorf("mailbox: publish from-firmware read index: %w", err)
		}
		drained++
	}

	q.backlog = false
	return nil
}
