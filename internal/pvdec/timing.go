package pvdec

import "github.com/tinyrange/vxd/internal/timeslice"

var (
	sliceCopyFirmware   = timeslice.RegisterKind("pvdec_copy_firmware", timeslice.FlagBoot)
	sliceLoadDMA        = timeslice.RegisterKind("pvdec_load_dma", timeslice.FlagBoot|timeslice.FlagDevice)
	sliceLoadRegisters  = timeslice.RegisterKind("pvdec_load_registers", timeslice.FlagBoot|timeslice.FlagDevice)
	sliceStartProcessor = timeslice.RegisterKind("pvdec_start_processor", timeslice.FlagBoot)
	sliceInterrupt      = timeslice.RegisterKind("pvdec_interrupt", timeslice.FlagDevice)
	sliceCoreState      = timeslice.RegisterKind("pvdec_core_state", 0)
)
