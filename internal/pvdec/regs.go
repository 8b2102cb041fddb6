package pvdec

import "github.com/tinyrange/vxd/internal/regio"

// Region identifies one register bank of the core.
type Region uint8

const (
	RegionCore Region = iota
	RegionMMU
	RegionPixelPipe
	RegionEntropyPipe
	RegionProc
	RegionVecBE
	RegionPixelDMA
	RegionMSVDXVec
	RegionMSVDXVDMC
	RegionCommsRAM

	RegionCount
)

var regionNames = [RegionCount]string{
	RegionCore:        "core",
	RegionMMU:         "mmu",
	RegionPixelPipe:   "pixel",
	RegionEntropyPipe: "entropy",
	RegionProc:        "proc",
	RegionVecBE:       "vec_be",
	RegionPixelDMA:    "pixel_dma",
	RegionMSVDXVec:    "msvdx_vec",
	RegionMSVDXVDMC:   "msvdx_vdmc",
	RegionCommsRAM:    "comms_ram",
}

func (r Region) String() string {
	if r < RegionCount {
		return regionNames[r]
	}
	return "invalid"
}

// ParseRegion maps a region name back to its identifier.
func ParseRegion(name string) (Region, bool) {
	for r, n := range regionNames {
		if n == name {
			return Region(r), true
		}
	}
	return RegionCount, false
}

// Pipe selects one of the repeated per-pipe register banks.
type Pipe uint8

const (
	// NoPipe addresses global registers; no pipe selection is performed.
	NoPipe Pipe = 0xFF

	// MaxPipes is the number of banks addressable through the pipe select register.
	MaxPipes = 8
)

// FullMask requests a plain write with no read-modify-write.
const FullMask = ^uint32(0)

// Core registers
const (
	CoreHostInterruptStatus = 0x0010
	CoreHostInterruptEnable = 0x0014
	CoreInterruptClear      = 0x0018
	CoreHostPipeSelect      = 0x0020
	CoreManClkEnable        = 0x0040
	CoreProcDebug           = 0x0048
	CoreProcDMACControl     = 0x0050
)

// Host interrupt causes. Status, enable and clear share this layout.
const (
	IntProcIRQ     = 1 << 0
	IntMMUFaultIRQ = 1 << 4
)

var (
	FieldPipeSelect = regio.Field{Shift: 0, Width: 4}

	FieldRAMBanks        = regio.Field{Shift: 0, Width: 4}
	FieldRAMBankSize     = regio.Field{Shift: 8, Width: 4}
	FieldRAMLastBankSize = regio.Field{Shift: 16, Width: 4}

	FieldBootOnDMACh0 = regio.Field{Shift: 0, Width: 1}
)

// MMU registers
const (
	MMUStatus0 = 0x0088
	MMUStatus1 = 0x008C
)

var (
	FieldMMUPageFaultRW = regio.Field{Shift: 0, Width: 1}
	FieldMMUSecureFault = regio.Field{Shift: 1, Width: 1}
	FieldMMUFaultAddr   = regio.Field{Shift: 12, Width: 20}

	FieldMMUFaultRNW   = regio.Field{Shift: 0, Width: 1}
	FieldMMUFaultReqID = regio.Field{Shift: 8, Width: 6}
)

// Processor (MTX) registers
const (
	ProcEnable           = 0x0000
	ProcStatus           = 0x0008
	ProcKickI            = 0x0088
	ProcFault0           = 0x0090
	ProcRegisterData     = 0x00F8
	ProcRegisterRequest  = 0x00FC
	ProcRAMAccessData    = 0x0100
	ProcRAMAccessControl = 0x0108
	ProcRAMAccessStatus  = 0x010C
	ProcSyscTimerDiv     = 0x0208
	ProcSyscCDMAC        = 0x0340
	ProcSyscCDMAA        = 0x0344
	ProcSyscCDMAT        = 0x0350
)

var (
	FieldRegReqRNW   = regio.Field{Shift: 16, Width: 1}
	FieldRegReqUSpec = regio.Field{Shift: 0, Width: 4}
	FieldRegReqRSpec = regio.Field{Shift: 4, Width: 3}

	FieldRAMCtlRead    = regio.Field{Shift: 0, Width: 1}
	FieldRAMCtlAutoInc = regio.Field{Shift: 1, Width: 1}
	FieldRAMCtlAddr    = regio.Field{Shift: 2, Width: 18}
	FieldRAMCtlMCMID   = regio.Field{Shift: 20, Width: 8}

	FieldRAMStatComplete = regio.Field{Shift: 0, Width: 1}

	FieldCDMACLength    = regio.Field{Shift: 0, Width: 16}
	FieldCDMACEnable    = regio.Field{Shift: 16, Width: 1}
	FieldCDMACRNW       = regio.Field{Shift: 17, Width: 1}
	FieldCDMACBurstSize = regio.Field{Shift: 24, Width: 3}

	FieldTimerDiv = regio.Field{Shift: 0, Width: 8}
	FieldTimerEn  = regio.Field{Shift: 16, Width: 1}

	FieldKickI = regio.Field{Shift: 0, Width: 16}
)

// Indirect processor register specifiers.
const (
	USpecA0 = 3
	USpecPC = 5

	RSpecPC    = 0
	RSpecPCX   = 1
	RSpecA0StP = 0
	RSpecA0FrP = 1
)

// ProcCoreMemory is the RAM bank id of the first processor data bank.
// Code banks start at 0x10.
const ProcCoreMemory = 0x18

// DefaultEntryPoint is the processor address the base firmware starts at.
const DefaultEntryPoint = 0x80900000

// Pixel pipe registers
const (
	PixelManClkEnable = 0x0000
	PixelControl0     = 0x0008
	PixelFEWDTControl = 0x0040
	PixelBEWDTControl = 0x0048
)

var (
	FieldPixelDMACClk = regio.Field{Shift: 0, Width: 1}
	FieldPixelRegClk  = regio.Field{Shift: 1, Width: 1}

	FieldDMACChSelForMTX = regio.Field{Shift: 0, Width: 2}

	FieldFEWDTCntCtrl     = regio.Field{Shift: 0, Width: 2}
	FieldFEWDTAction0     = regio.Field{Shift: 4, Width: 1}
	FieldFEWDTClearSelect = regio.Field{Shift: 8, Width: 1}
	FieldFEWDTClkDiv      = regio.Field{Shift: 12, Width: 3}

	FieldBEWDTAction0 = regio.Field{Shift: 4, Width: 1}
	FieldBEWDTClkDiv  = regio.Field{Shift: 12, Width: 3}
)

// Entropy pipe registers
const (
	EntropyWDTControl = 0x0020
	EntropyLastMB     = 0x0030
)

var (
	FieldEntWDTCntCtrl     = regio.Field{Shift: 0, Width: 2}
	FieldEntWDTAction0     = regio.Field{Shift: 4, Width: 1}
	FieldEntWDTAction1     = regio.Field{Shift: 5, Width: 1}
	FieldEntWDTClearSelect = regio.Field{Shift: 8, Width: 1}
	FieldEntWDTClkDiv      = regio.Field{Shift: 12, Width: 3}
)

// Back-end status registers. All of them report a macroblock position.
const (
	VecBEStatus            = 0x0018
	MSVDXVecEntdecInfo     = 0x0040
	MSVDXVDMCMacroblockNum = 0x0028
)

var (
	FieldMBAddrX = regio.Field{Shift: 0, Width: 16}
	FieldMBAddrY = regio.Field{Shift: 16, Width: 16}
)

// Pixel DMA controller channel table. Each register repeats per channel at DMACChannelStride.
const (
	DMACSetup          = 0x0000
	DMACCount          = 0x0004
	DMACPeripheral     = 0x0008
	DMACIRQStat        = 0x000C
	DMACPerHold        = 0x0014
	DMACPeripheralAddr = 0x0018
	DMACChannelStride  = 0x0020
	DMACChannels       = 4
)

var (
	FieldDMACCnt         = regio.Field{Shift: 0, Width: 16}
	FieldDMACEn          = regio.Field{Shift: 16, Width: 1}
	FieldDMACListEn      = regio.Field{Shift: 18, Width: 1}
	FieldDMACPI          = regio.Field{Shift: 20, Width: 2}
	FieldDMACDir         = regio.Field{Shift: 22, Width: 1}
	FieldDMACPW          = regio.Field{Shift: 24, Width: 2}
	FieldDMACTransferIEN = regio.Field{Shift: 29, Width: 1}

	FieldDMACPerHold = regio.Field{Shift: 0, Width: 5}

	FieldDMACPeriphAddr = regio.Field{Shift: 0, Width: 23}

	FieldDMACPeriphIncr  = regio.Field{Shift: 25, Width: 1}
	FieldDMACPeriphBurst = regio.Field{Shift: 26, Width: 3}
)

const (
	dmacPWidth32 = 0
	dmacIncrOn   = 1
	dmacIncrOff  = 0
	dmacBurst1   = 0
)

// DMACRegister returns the offset of reg for channel ch.
func DMACRegister(reg uint32, ch int) uint32 {
	if ch < 0 || ch >= DMACChannels {
		panic("pvdec: DMA channel out of range")
	}
	return reg + uint32(ch)*DMACChannelStride
}
