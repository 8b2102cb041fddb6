//go:build linux

package regio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Mapped is a window over a memory-mapped device file such as a UIO map or /dev/mem.
type Mapped struct {
	mu   sync.Mutex
	name string
	f    *os.File
	mem  []byte
}

// OpenMapped maps size bytes of path starting at offset. offset must be page aligned.
func OpenMapped(name, path string, offset int64, size int) (*Mapped, error) {
	if size <= 0 || size%4 != 0 {
		return nil, fmt.Errorf("regio: %s: invalid map size %d", name, size)
	}
	if offset%int64(os.Getpagesize()) != 0 {
		return nil, fmt.Errorf("regio: %s: map offset 0x%x is not page aligned", name, offset)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("regio: open %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("regio: mmap %s at 0x%x: %w", path, offset, err)
	}

	return &Mapped{name: name, f: f, mem: mem}, nil
}

func (m *Mapped) check(offset uint32) error {
	if m.mem == nil {
		return fmt.Errorf("regio: %s: window closed", m.name)
	}
	if offset&3 != 0 || int(offset)+4 > len(m.mem) {
		return fmt.Errorf("regio: %s: bad offset 0x%x", m.name, offset)
	}
	return nil
}

// Read32 implements Window.
func (m *Mapped) Read32(offset uint32) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.mem[offset : offset+4]), nil
}

// Write32 implements Window.
func (m *Mapped) Write32(offset uint32, value uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(offset); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.mem[offset:offset+4], value)
	return nil
}

// Close unmaps the window and closes the backing file.
func (m *Mapped) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

var (
	_ Window = (*Mapped)(nil)
)
