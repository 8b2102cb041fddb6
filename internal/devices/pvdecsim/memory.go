package pvdecsim

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// DeviceMemory is the device-visible memory the core's DMA controllers read
// from, addressed by device virtual address.
type DeviceMemory struct {
	mu   sync.Mutex
	data []byte
}

// NewDeviceMemory allocates size bytes of device memory starting at address 0.
func NewDeviceMemory(size int) *DeviceMemory {
	return &DeviceMemory{data: make([]byte, size)}
}

// ReadAt implements io.ReaderAt.
func (m *DeviceMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("pvdecsim: device memory read out of bounds: offset=0x%x len=%d size=0x%x", off, len(p), len(m.data))
	}
	copy(p, m.data[off:])
	return len(p), nil
}

// WriteAt implements io.WriterAt.
func (m *DeviceMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("pvdecsim: device memory write out of bounds: offset=0x%x len=%d size=0x%x", off, len(p), len(m.data))
	}
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *DeviceMemory) word(addr uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(addr)+4 > len(m.data) {
		return 0
	}
	return binary.LittleEndian.Uint32(m.data[addr:])
}
