package pvdec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tinyrange/vxd/internal/mailbox"
	"github.com/tinyrange/vxd/internal/timeslice"
)

// Codec is the standard a firmware pipe is currently decoding.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecMPEG2
	CodecMPEG4
	CodecH264
	CodecVP8
	CodecVC1
	CodecAVS
	CodecJPEG
	CodecHEVC
	CodecVP9

	codecMax
)

var codecNames = [codecMax]string{
	"none", "mpeg2", "mpeg4", "h264", "vp8", "vc1", "avs", "jpeg", "hevc", "vp9",
}

func (c Codec) String() string {
	if c < codecMax {
		return codecNames[c]
	}
	return fmt.Sprintf("codec(%d)", uint8(c))
}

const (
	// FirmwareMaxPipes is the number of pipes the firmware state buffer describes.
	FirmwareMaxPipes = 3
	// FirmwareCheckpoints is the number of checkpoint words per pipe.
	FirmwareCheckpoints = 16
)

// FirmwareStateImage is the little-endian layout of the state buffer the
// firmware publishes in comms RAM.
type FirmwareStateImage struct {
	ControlFenceID    [4]uint8
	DecodeFenceID     [4]uint8
	CompletionFenceID [4]uint8
	Pipes             [FirmwareMaxPipes]PipeStateImage
}

// PipeStateImage is one pipe entry of FirmwareStateImage.
type PipeStateImage struct {
	Checkpoints     [FirmwareCheckpoints]uint32
	FirmwareAction  uint32
	FenceValue      uint32
	CurCodec        uint8
	_               [3]uint8
	FESlices        uint32
	BESlices        uint32
	FEErroredSlices uint32
	BEErroredSlices uint32
	BEMbsDropped    uint32
	BEMbsRecovered  uint32
}

// FirmwareStateSize is the encoded size of FirmwareStateImage in bytes.
var FirmwareStateSize = binary.Size(FirmwareStateImage{})

// MBPosition is a macroblock coordinate.
type MBPosition struct {
	X, Y uint32
}

func mbPosition(reg uint32) MBPosition {
	return MBPosition{X: FieldMBAddrX.Get(reg), Y: FieldMBAddrY.Get(reg)}
}

// PipeState is the decoded state of one pixel pipe.
type PipeState struct {
	Checkpoints     [FirmwareCheckpoints]uint32
	FirmwareAction  uint32
	FenceValue      uint32
	CurCodec        Codec
	FESlices        uint32
	BESlices        uint32
	FEErroredSlices uint32
	BEErroredSlices uint32
	BEMbsDropped    uint32
	BEMbsRecovered  uint32

	// DMACStatus holds the count registers of DMA channels 2 and 3.
	DMACStatus [2]uint32
	// FEMB and BEMB are the last front-end and back-end macroblocks.
	FEMB MBPosition
	BEMB MBPosition
}

// FirmwareState is the decoded firmware state buffer.
type FirmwareState struct {
	ControlFenceID    [4]uint8
	DecodeFenceID     [4]uint8
	CompletionFenceID [4]uint8
	Pipes             []PipeState
}

// RuntimeStatus is a snapshot of the processor's execution state.
type RuntimeStatus struct {
	PC     uint32
	PCX    uint32
	A0StP  uint32
	A0FrP  uint32
	Enable uint32
	Status uint32
	Fault0 uint32
}

// CoreState is the result of GetCoreState.
type CoreState struct {
	Firmware FirmwareState
	Runtime  RuntimeStatus
}

// stateBuffer caches the firmware state buffer descriptor. It is fixed for
// the lifetime of the firmware once published.
type stateBuffer struct {
	known  bool
	offset uint32
	size   uint32
}

// GetCoreState snapshots firmware and processor state for diagnostics. With
// clocks off it returns an empty state without touching the hardware.
func (d *Device) GetCoreState(numPixelPipes, numEntropyPipes int) (*CoreState, error) {
	if d == nil || numPixelPipes < 0 || numPixelPipes > FirmwareMaxPipes || numEntropyPipes < 0 {
		return nil, ErrInvalidParameters
	}
	if !d.initialised {
		return nil, ErrNotInitialised
	}

	state := &CoreState{}
	if !d.clocks {
		return state, nil
	}
	defer timeslice.Since(sliceCoreState, time.Now())

	if err := d.readFirmwareState(state, numPixelPipes, numEntropyPipes); err != nil {
		return nil, fmt.Errorf("pvdec: read firmware state: %w", err)
	}
	if !d.bypass {
		if err := d.readRuntimeStatus(&state.Runtime); err != nil {
			return nil, fmt.Errorf("pvdec: read runtime status: %w", err)
		}
	}
	return state, nil
}

func (d *Device) discoverStateBuffer() error {
	if d.stateBuf.known {
		return nil
	}
	var desc [1]uint32
	if err := d.ReadWords(RegionCommsRAM, mailbox.OffsetStateBuffer, desc[:]); err != nil {
		return err
	}
	size, offset := desc[0]>>16, desc[0]&0xFFFF
	if size == 0 {
		// Not published yet; look again next time.
		return nil
	}
	d.stateBuf = stateBuffer{known: true, offset: offset, size: size}
	d.log.Debug("pvdec: firmware state buffer", "offset", fmt.Sprintf("0x%x", offset), "size", size)
	return nil
}

func (d *Device) readFirmwareState(state *CoreState, numPixelPipes, numEntropyPipes int) error {
	if err := d.discoverStateBuffer(); err != nil {
		return err
	}
	if !d.stateBuf.known {
		return nil
	}

	n := int(d.stateBuf.size) / 4
	if limit := (FirmwareStateSize + 3) / 4; n > limit {
		n = limit
	}
	if n == 0 {
		return nil
	}
	words := make([]uint32, n)
	if err := d.ReadWords(RegionCommsRAM, d.stateBuf.offset, words); err != nil {
		return err
	}
	img, err := decodeFirmwareState(words)
	if err != nil {
		return err
	}

	fw := &state.Firmware
	fw.ControlFenceID = img.ControlFenceID
	fw.DecodeFenceID = img.DecodeFenceID
	fw.CompletionFenceID = img.CompletionFenceID
	fw.Pipes = make([]PipeState, numPixelPipes)

	for p := range fw.Pipes {
		src := &img.Pipes[p]
		ps := &fw.Pipes[p]
		ps.Checkpoints = src.Checkpoints
		ps.FirmwareAction = src.FirmwareAction
		ps.FenceValue = src.FenceValue
		ps.CurCodec = Codec(src.CurCodec)
		ps.FESlices = src.FESlices
		ps.BESlices = src.BESlices
		ps.FEErroredSlices = src.FEErroredSlices
		ps.BEErroredSlices = src.BEErroredSlices
		ps.BEMbsDropped = src.BEMbsDropped
		ps.BEMbsRecovered = src.BEMbsRecovered

		if d.bypass {
			continue
		}
		if err := d.readPipeHardware(ps, p, numEntropyPipes); err != nil {
			return fmt.Errorf("pipe %d: %w", p, err)
		}
	}
	return nil
}

// readPipeHardware fills in the live DMA and macroblock status of pipe index
// p, whose register bank is p+1.
func (d *Device) readPipeHardware(ps *PipeState, p, numEntropyPipes int) error {
	pipe := Pipe(p + 1)
	for i, ch := range []int{2, 3} {
		reg, err := d.ReadRegister(RegionPixelDMA, DMACRegister(DMACCount, ch), pipe)
		if err != nil {
			return err
		}
		ps.DMACStatus[i] = FieldDMACCnt.Get(reg)
	}

	switch {
	case ps.CurCodec == CodecNone:
	case ps.CurCodec == CodecHEVC:
		if p < numEntropyPipes {
			reg, err := d.ReadRegister(RegionEntropyPipe, EntropyLastMB, pipe)
			if err != nil {
				return err
			}
			ps.FEMB = mbPosition(reg)
		}
		reg, err := d.ReadRegister(RegionVecBE, VecBEStatus, pipe)
		if err != nil {
			return err
		}
		ps.BEMB = mbPosition(reg)
	case ps.CurCodec < codecMax:
		reg, err := d.ReadRegister(RegionMSVDXVec, MSVDXVecEntdecInfo, pipe)
		if err != nil {
			return err
		}
		ps.FEMB = mbPosition(reg)
		reg, err = d.ReadRegister(RegionMSVDXVDMC, MSVDXVDMCMacroblockNum, pipe)
		if err != nil {
			return err
		}
		ps.BEMB = mbPosition(reg)
	}
	return nil
}

func decodeFirmwareState(words []uint32) (*FirmwareStateImage, error) {
	buf := make([]byte, FirmwareStateSize)
	for i, w := range words {
		if (i+1)*4 > len(buf) {
			break
		}
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	var img FirmwareStateImage
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// EncodeFirmwareState serialises img into comms RAM words.
func EncodeFirmwareState(img *FirmwareStateImage) []uint32 {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer only fail on oversize, which a fixed layout cannot hit.
	_ = binary.Write(&buf, binary.LittleEndian, img)
	raw := buf.Bytes()
	words := make([]uint32, (len(raw)+3)/4)
	for i := range words {
		var w [4]byte
		copy(w[:], raw[i*4:])
		words[i] = binary.LittleEndian.Uint32(w[:])
	}
	return words
}

func (d *Device) readRuntimeStatus(rt *RuntimeStatus) error {
	indirect := []struct {
		dst          *uint32
		uspec, rspec uint32
	}{
		{&rt.PC, USpecPC, RSpecPC},
		{&rt.PCX, USpecPC, RSpecPCX},
		{&rt.A0StP, USpecA0, RSpecA0StP},
		{&rt.A0FrP, USpecA0, RSpecA0FrP},
	}
	for _, r := range indirect {
		v, err := d.readProcRegister(r.uspec, r.rspec)
		if err != nil {
			return err
		}
		*r.dst = v
	}

	direct := []struct {
		dst *uint32
		reg uint32
	}{
		{&rt.Enable, ProcEnable},
		{&rt.Status, ProcStatus},
		{&rt.Fault0, ProcFault0},
	}
	for _, r := range direct {
		v, err := d.ReadRegister(RegionProc, r.reg, NoPipe)
		if err != nil {
			return err
		}
		*r.dst = v
	}
	return nil
}

// readProcRegister reads a processor core register through the indirect
// request/data pair.
func (d *Device) readProcRegister(uspec, rspec uint32) (uint32, error) {
	req := FieldRegReqRNW.Set(0, 1)
	req = FieldRegReqUSpec.Set(req, uspec)
	req = FieldRegReqRSpec.Set(req, rspec)
	if err := d.WriteRegister(RegionProc, ProcRegisterRequest, req, FullMask, NoPipe); err != nil {
		return 0, err
	}
	return d.ReadRegister(RegionProc, ProcRegisterData, NoPipe)
}
