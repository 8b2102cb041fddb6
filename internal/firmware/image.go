// Package firmware reads base firmware images for the decoder core.
//
// An image is a flat little-endian array of 32-bit words as produced by the
// firmware linker. The first CoreWords words are the processor core image; any
// remainder is data the register upload path also writes.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/vxd/internal/pvdec"
)

// MaxImageSize bounds the bytes accepted from a single image.
const MaxImageSize = 16 << 20

var (
	ErrEmptyImage     = errors.New("firmware: empty image")
	ErrUnalignedImage = errors.New("firmware: image size is not a multiple of 4")
	ErrImageTooLarge  = errors.New("firmware: image too large")
)

// Placement says where the image lives and how it is labelled.
type Placement struct {
	// DevVirtAddr is the device virtual address the image is copied to.
	DevVirtAddr uint32
	// CoreWords limits the DMA transfer; zero means the whole image.
	CoreWords uint32
	Version   string
}

// Decode reads an image from r.
func Decode(r io.Reader, p Placement) (pvdec.FirmwareBlob, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return pvdec.FirmwareBlob{}, fmt.Errorf("firmware: read image: %w", err)
	}
	switch {
	case len(data) == 0:
		return pvdec.FirmwareBlob{}, ErrEmptyImage
	case len(data) > MaxImageSize:
		return pvdec.FirmwareBlob{}, ErrImageTooLarge
	case len(data)%4 != 0:
		return pvdec.FirmwareBlob{}, fmt.Errorf("%w: %d bytes", ErrUnalignedImage, len(data))
	}

	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	core := p.CoreWords
	if core == 0 {
		core = uint32(len(words))
	}
	if core > uint32(len(words)) {
		return pvdec.FirmwareBlob{}, fmt.Errorf("firmware: core size %d words exceeds image of %d words", core, len(words))
	}
	return pvdec.FirmwareBlob{
		DevVirtAddr: p.DevVirtAddr,
		CoreWords:   core,
		Words:       words,
		Version:     p.Version,
	}, nil
}

// Load reads the image file at path.
func Load(path string, p Placement) (pvdec.FirmwareBlob, error) {
	f, err := os.Open(path)
	if err != nil {
		return pvdec.FirmwareBlob{}, fmt.Errorf("firmware: open image: %w", err)
	}
	defer f.Close()
	blob, err := Decode(f, p)
	if err != nil {
		return pvdec.FirmwareBlob{}, fmt.Errorf("%s: %w", path, err)
	}
	return blob, nil
}

// Encode writes blob's words as a flat image.
func Encode(w io.Writer, blob pvdec.FirmwareBlob) error {
	buf := make([]byte, 4*len(blob.Words))
	for i, v := range blob.Words {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	_, err := w.Write(buf)
	return err
}
