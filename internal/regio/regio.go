// Package regio provides word-addressed register windows over device register banks.
package regio

import (
	"fmt"
	"sync"
)

// Window is a single named register bank addressed by byte offset.
// All accesses are 32 bits wide and little-endian.
type Window interface {
	Read32(offset uint32) (uint32, error)
	Write32(offset uint32, value uint32) error
}

// Field describes a bit field inside a 32-bit register.
type Field struct {
	Shift uint8
	Width uint8
}

// Mask returns the in-place mask of the field.
func (f Field) Mask() uint32 {
	if f.Width >= 32 {
		return ^uint32(0)
	}
	return ((uint32(1) << f.Width) - 1) << f.Shift
}

// Max returns the largest value the field can hold.
func (f Field) Max() uint32 {
	return f.Mask() >> f.Shift
}

// Get extracts the field value from reg.
func (f Field) Get(reg uint32) uint32 {
	return (reg & f.Mask()) >> f.Shift
}

// Set returns reg with the field replaced by v. Excess bits of v are dropped.
func (f Field) Set(reg, v uint32) uint32 {
	return (reg &^ f.Mask()) | ((v << f.Shift) & f.Mask())
}

// Memory is a RAM-backed window used for local RAM regions and for tests.
type Memory struct {
	mu    sync.Mutex
	name  string
	words []uint32
}

// NewMemory allocates a window of size bytes. size is rounded up to a whole word.
func NewMemory(name string, size uint32) *Memory {
	return &Memory{
		name:  name,
		words: make([]uint32, (size+3)/4),
	}
}

// Size returns the window size in bytes.
func (m *Memory) Size() uint32 {
	return uint32(len(m.words)) * 4
}

func (m *Memory) index(offset uint32) (int, error) {
	if offset&3 != 0 {
		return 0, fmt.Errorf("regio: %s: unaligned offset 0x%x", m.name, offset)
	}
	idx := int(offset / 4)
	if idx >= len(m.words) {
		return 0, fmt.Errorf("regio: %s: offset 0x%x out of bounds", m.name, offset)
	}
	return idx, nil
}

// Read32 implements Window.
func (m *Memory) Read32(offset uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.index(offset)
	if err != nil {
		return 0, err
	}
	return m.words[idx], nil
}

// Write32 implements Window.
func (m *Memory) Write32(offset uint32, value uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.index(offset)
	if err != nil {
		return err
	}
	m.words[idx] = value
	return nil
}

var (
	_ Window = (*Memory)(nil)
)
