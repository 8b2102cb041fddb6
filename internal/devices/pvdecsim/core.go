// Package pvdecsim simulates a PVDEC decode core at register level: clock
// enable, pipe-banked register files, processor RAM access port, firmware DMA,
// the indirect processor register interface, the host interrupt block and a
// minimal firmware that answers mailbox messages.
package pvdecsim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vxd/internal/chipset"
	"github.com/tinyrange/vxd/internal/mailbox"
	"github.com/tinyrange/vxd/internal/pvdec"
)

// Bus layout
const (
	DefaultBase = 0x50000000

	regionSize     = 0x1000
	commsRAMOffset = 0x10000
	commsRAMSize   = 0x4000
)

// DefaultStateOffset is where the simulated firmware publishes its state buffer in comms RAM.
const DefaultStateOffset = 0x3000

// ReplyFlag is set in the id of every message the simulated firmware posts back.
const ReplyFlag = 0x8000

// dmaBurstWords is how far the DMA count falls between two reads.
const dmaBurstWords = 64

// Config describes the simulated core.
type Config struct {
	Base uint64

	// Processor RAM geometry as reported through the processor debug register.
	RAMBanks        uint32
	RAMBankSize     uint32
	RAMLastBankSize uint32

	// Pipes is the number of pixel pipes the firmware reports state for.
	Pipes int

	StateOffset uint32

	Memory *DeviceMemory
	IRQ    chipset.LineInterrupt
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Base == 0 {
		c.Base = DefaultBase
	}
	if c.RAMBanks == 0 {
		c.RAMBanks, c.RAMBankSize, c.RAMLastBankSize = 4, 12, 12
	}
	if c.Pipes <= 0 || c.Pipes > pvdec.FirmwareMaxPipes {
		c.Pipes = 2
	}
	if c.StateOffset == 0 {
		c.StateOffset = DefaultStateOffset
	}
	if c.IRQ == nil {
		c.IRQ = chipset.LineInterruptDetached()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Core is the simulated decode core.
type Core struct {
	mu sync.Mutex

	cfg    Config
	log    *slog.Logger
	layout [pvdec.RegionCount]chipset.Region

	regs     [pvdec.RegionCount][pvdec.MaxPipes]map[uint32]uint32
	status   uint32
	comms    []uint32
	ram      []uint32
	procRegs map[[2]uint32]uint32

	ramAddr      uint32
	ramAutoInc   bool
	dmaRemaining [pvdec.MaxPipes]uint32
	fault0       uint32

	running  bool
	kicked   bool
	peer     *mailbox.Peer
	handled  uint32
	gated    int
	irqLevel bool
}

// New returns a simulated core in its reset state.
func New(cfg Config) *Core {
	cfg.applyDefaults()
	c := &Core{
		cfg:    cfg,
		log:    cfg.Logger,
		layout: RegionLayout(cfg.Base),
	}
	c.reset()
	return c
}

// RegionLayout returns the bus placement of every register bank for a core at
// base. Banks are named after their region.
func RegionLayout(base uint64) [pvdec.RegionCount]chipset.Region {
	var out [pvdec.RegionCount]chipset.Region
	for r := range out {
		region := pvdec.Region(r)
		if region == pvdec.RegionCommsRAM {
			out[r] = chipset.Region{Name: region.String(), Address: base + commsRAMOffset, Size: commsRAMSize}
			continue
		}
		out[r] = chipset.Region{Name: region.String(), Address: base + uint64(r)*regionSize, Size: regionSize}
	}
	return out
}

// Windows opens one bus window per register bank of the core registered on cs
// as device.
func Windows(cs *chipset.Chipset, device string) (pvdec.RegionSet, error) {
	var set pvdec.RegionSet
	for r := range set {
		w, err := cs.Window(device + "." + pvdec.Region(r).String())
		if err != nil {
			return set, fmt.Errorf("pvdecsim: %w", err)
		}
		set[r] = w
	}
	return set, nil
}

func (c *Core) reset() {
	for r := range c.regs {
		for p := range c.regs[r] {
			c.regs[r][p] = make(map[uint32]uint32)
		}
	}
	c.status = 0
	c.comms = make([]uint32, commsRAMSize/4)
	c.ram = make([]uint32, c.ramSize()/4)
	c.procRegs = make(map[[2]uint32]uint32)
	c.ramAddr = 0
	c.ramAutoInc = false
	c.dmaRemaining = [pvdec.MaxPipes]uint32{}
	c.fault0 = 0
	c.running = false
	c.kicked = false
	c.peer = nil
	c.handled = 0
	c.gated = 0
	c.updateInterrupt()
}

func (c *Core) ramSize() uint32 {
	return (c.cfg.RAMBanks-1)*(1<<(c.cfg.RAMBankSize+2)) + (1 << (c.cfg.RAMLastBankSize + 2))
}

func (c *Core) ramInfo() uint32 {
	v := pvdec.FieldRAMBanks.Set(0, c.cfg.RAMBanks)
	v = pvdec.FieldRAMBankSize.Set(v, c.cfg.RAMBankSize)
	return pvdec.FieldRAMLastBankSize.Set(v, c.cfg.RAMLastBankSize)
}

// Start implements chipset.ChangeDeviceState.
func (c *Core) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (c *Core) Stop() error {
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (c *Core) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *Core) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: c.layout[:],
		Handler: c,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice. Polling runs the
// simulated firmware.
func (c *Core) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: c}
}

func (c *Core) decode(addr uint64, data []byte) (pvdec.Region, uint32, error) {
	if len(data) != 4 {
		return 0, 0, fmt.Errorf("pvdecsim: unsupported access size %d at 0x%x", len(data), addr)
	}
	for r, region := range c.layout {
		if addr >= region.Address && addr+4 <= region.Address+region.Size {
			off := uint32(addr - region.Address)
			if off&3 != 0 {
				return 0, 0, fmt.Errorf("pvdecsim: unaligned access at 0x%x", addr)
			}
			return pvdec.Region(r), off, nil
		}
	}
	return 0, 0, fmt.Errorf("pvdecsim: address 0x%x outside the core", addr)
}

// ReadMMIO implements chipset.MmioHandler.
func (c *Core) ReadMMIO(addr uint64, data []byte) error {
	region, off, err := c.decode(addr, data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	v := c.read(region, off)
	c.mu.Unlock()
	data[0], data[1], data[2], data[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (c *Core) WriteMMIO(addr uint64, data []byte) error {
	region, off, err := c.decode(addr, data)
	if err != nil {
		return err
	}
	v := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write(region, off, v)
	return nil
}

func banked(r pvdec.Region) bool {
	switch r {
	case pvdec.RegionPixelPipe, pvdec.RegionEntropyPipe, pvdec.RegionVecBE,
		pvdec.RegionPixelDMA, pvdec.RegionMSVDXVec, pvdec.RegionMSVDXVDMC:
		return true
	}
	return false
}

func (c *Core) pipe(r pvdec.Region) int {
	if !banked(r) {
		return 0
	}
	sel := pvdec.FieldPipeSelect.Get(c.regs[pvdec.RegionCore][0][pvdec.CoreHostPipeSelect])
	return int(sel) % pvdec.MaxPipes
}

func (c *Core) clocked() bool {
	return c.regs[pvdec.RegionCore][0][pvdec.CoreManClkEnable]&uint32(pvdec.ClockRegisters) != 0
}

// checkGate counts accesses to clock-gated banks. The core bank and comms RAM
// are always on.
func (c *Core) checkGate(r pvdec.Region) {
	if r == pvdec.RegionCore || r == pvdec.RegionCommsRAM {
		return
	}
	if !c.clocked() {
		c.gated++
	}
}

func (c *Core) read(r pvdec.Region, off uint32) uint32 {
	if r == pvdec.RegionCommsRAM {
		return c.comms[off/4]
	}
	c.checkGate(r)
	p := c.pipe(r)

	switch {
	case r == pvdec.RegionCore && off == pvdec.CoreHostInterruptStatus:
		return c.status
	case r == pvdec.RegionCore && off == pvdec.CoreProcDebug:
		return c.ramInfo()
	case r == pvdec.RegionProc && off == pvdec.ProcRAMAccessStatus:
		return pvdec.FieldRAMStatComplete.Set(0, 1)
	case r == pvdec.RegionProc && off == pvdec.ProcFault0:
		return c.fault0
	case r == pvdec.RegionPixelDMA && off == pvdec.DMACRegister(pvdec.DMACCount, 0):
		rem := c.dmaRemaining[p]
		if rem > 0 {
			rem -= min(rem, dmaBurstWords)
			c.dmaRemaining[p] = rem
		}
		return pvdec.FieldDMACCnt.Set(c.regs[r][p][off], rem)
	}
	return c.regs[r][p][off]
}

func (c *Core) write(r pvdec.Region, off, v uint32) {
	if r == pvdec.RegionCommsRAM {
		c.comms[off/4] = v
		return
	}
	c.checkGate(r)
	p := c.pipe(r)

	switch {
	case r == pvdec.RegionCore && off == pvdec.CoreHostInterruptStatus:
		return
	case r == pvdec.RegionCore && off == pvdec.CoreInterruptClear:
		c.status &^= v
		c.updateInterrupt()
		return
	}

	c.regs[r][p][off] = v

	switch {
	case r == pvdec.RegionCore && off == pvdec.CoreHostInterruptEnable:
		c.updateInterrupt()
	case r == pvdec.RegionProc && off == pvdec.ProcRAMAccessControl:
		c.ramAddr = pvdec.FieldRAMCtlAddr.Get(v)
		c.ramAutoInc = pvdec.FieldRAMCtlAutoInc.Get(v) != 0
		if id := pvdec.FieldRAMCtlMCMID.Get(v); id < pvdec.ProcCoreMemory {
			c.log.Warn("pvdecsim: RAM access to code bank", "id", fmt.Sprintf("0x%x", id))
		}
	case r == pvdec.RegionProc && off == pvdec.ProcRAMAccessData:
		if int(c.ramAddr) < len(c.ram) {
			c.ram[c.ramAddr] = v
		} else {
			c.fault0 = 1
		}
		if c.ramAutoInc {
			c.ramAddr++
		}
	case r == pvdec.RegionProc && off == pvdec.ProcRegisterRequest:
		key := [2]uint32{pvdec.FieldRegReqUSpec.Get(v), pvdec.FieldRegReqRSpec.Get(v)}
		if pvdec.FieldRegReqRNW.Get(v) != 0 {
			c.regs[r][0][pvdec.ProcRegisterData] = c.procRegs[key]
		} else {
			c.procRegs[key] = c.regs[r][0][pvdec.ProcRegisterData]
		}
	case r == pvdec.RegionProc && off == pvdec.ProcEnable:
		if v&1 != 0 {
			c.boot()
		} else {
			c.running = false
		}
	case r == pvdec.RegionProc && off == pvdec.ProcKickI:
		c.kicked = true
	case r == pvdec.RegionPixelDMA && off == pvdec.DMACRegister(pvdec.DMACCount, 0):
		if pvdec.FieldDMACEn.Get(v) != 0 {
			c.startDMA(p, pvdec.FieldDMACCnt.Get(v))
		}
	}
}

// startDMA copies length words from device memory at the channel 0 setup
// address into processor RAM, as the processor DMA port would.
func (c *Core) startDMA(p int, length uint32) {
	if pvdec.FieldBootOnDMACh0.Get(c.regs[pvdec.RegionCore][0][pvdec.CoreProcDMACControl]) == 0 {
		c.log.Warn("pvdecsim: DMA started without boot-on-DMA routing")
		return
	}
	cdmac := c.regs[pvdec.RegionProc][0][pvdec.ProcSyscCDMAC]
	if pvdec.FieldCDMACEnable.Get(cdmac) == 0 {
		c.log.Warn("pvdecsim: DMA started with processor DMA port disabled")
		return
	}

	src := c.regs[pvdec.RegionPixelDMA][p][pvdec.DMACRegister(pvdec.DMACSetup, 0)]
	dst := c.regs[pvdec.RegionProc][0][pvdec.ProcSyscCDMAA] / 4
	if c.cfg.Memory != nil {
		for i := uint32(0); i < length && int(dst+i) < len(c.ram); i++ {
			c.ram[dst+i] = c.cfg.Memory.word(src + i*4)
		}
	}
	c.dmaRemaining[p] = length
	c.log.Debug("pvdecsim: firmware DMA", "src", fmt.Sprintf("0x%x", src), "words", length, "pipe", p)
}

func (c *Core) boot() {
	c.running = true
	c.peer = nil
	c.regs[pvdec.RegionProc][0][pvdec.ProcStatus] = 1
	c.publishState()
	c.log.Info("pvdecsim: processor started",
		"pc", fmt.Sprintf("0x%08x", c.procRegs[[2]uint32{pvdec.USpecPC, pvdec.RSpecPC}]),
		"ram0", fmt.Sprintf("0x%08x", c.ram[0]))
}

func (c *Core) publishState() {
	var img pvdec.FirmwareStateImage
	img.ControlFenceID = [4]uint8{uint8(c.handled)}
	img.DecodeFenceID = [4]uint8{uint8(c.handled)}
	img.CompletionFenceID = [4]uint8{uint8(c.handled)}
	for p := 0; p < c.cfg.Pipes; p++ {
		img.Pipes[p].FirmwareAction = c.handled
		img.Pipes[p].FenceValue = c.handled
		img.Pipes[p].Checkpoints[0] = c.handled
	}
	words := pvdec.EncodeFirmwareState(&img)
	copy(c.comms[c.cfg.StateOffset/4:], words)
	c.comms[mailbox.OffsetStateBuffer/4] = uint32(len(words)*4)<<16 | c.cfg.StateOffset
}

// Poll implements chipset.PollHandler. A kicked, running processor consumes
// every pending host message and posts one reply for each.
func (c *Core) Poll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.kicked || !c.running {
		return nil
	}
	c.kicked = false

	if c.peer == nil {
		peer, err := mailbox.Attach(commsView{c})
		if err != nil {
			return fmt.Errorf("pvdecsim: attach comms: %w", err)
		}
		c.peer = peer
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, ok, err := c.peer.Receive()
		if err != nil {
			return fmt.Errorf("pvdecsim: receive: %w", err)
		}
		if !ok {
			break
		}
		c.handled++
		reply := mailbox.Message{ID: msg.ID | ReplyFlag, Payload: msg.Payload}
		if err := c.peer.Post(reply); err != nil {
			return fmt.Errorf("pvdecsim: post reply: %w", err)
		}
		c.status |= pvdec.IntProcIRQ
	}
	c.publishState()
	c.updateInterrupt()
	return nil
}

func (c *Core) updateInterrupt() {
	level := c.status&c.regs[pvdec.RegionCore][0][pvdec.CoreHostInterruptEnable] != 0
	if level == c.irqLevel {
		return
	}
	c.irqLevel = level
	c.cfg.IRQ.SetLevel(level)
}

// InjectMMUFault latches an MMU fault and raises the MMU interrupt cause.
func (c *Core) InjectMMUFault(addr, requestor uint32, read bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s0 := pvdec.FieldMMUFaultAddr.Set(0, addr>>12)
	s0 = pvdec.FieldMMUPageFaultRW.Set(s0, 1)
	s1 := pvdec.FieldMMUFaultReqID.Set(0, requestor)
	if read {
		s1 = pvdec.FieldMMUFaultRNW.Set(s1, 1)
	}
	c.regs[pvdec.RegionMMU][0][pvdec.MMUStatus0] = s0
	c.regs[pvdec.RegionMMU][0][pvdec.MMUStatus1] = s1
	c.status |= pvdec.IntMMUFaultIRQ
	c.updateInterrupt()
}

// SetFault latches a value into the processor fault register.
func (c *Core) SetFault(v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault0 = v
}

// Running reports whether the processor has been started.
func (c *Core) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ProcessorRAM returns a copy of the first n words of processor RAM.
func (c *Core) ProcessorRAM(n int) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	n = min(n, len(c.ram))
	return append([]uint32(nil), c.ram[:n]...)
}

// GatedAccesses returns how many accesses hit a gated bank since reset.
func (c *Core) GatedAccesses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gated
}

// Handled returns how many host messages the simulated firmware has answered.
func (c *Core) Handled() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handled
}

// commsView gives the simulated firmware direct word access to comms RAM.
// Callers hold the core lock.
type commsView struct {
	c *Core
}

func (v commsView) ReadWords(addr uint32, dst []uint32) error {
	if addr&3 != 0 || int(addr/4)+len(dst) > len(v.c.comms) {
		return fmt.Errorf("pvdecsim: comms read out of range at 0x%x", addr)
	}
	copy(dst, v.c.comms[addr/4:])
	return nil
}

func (v commsView) WriteWords(addr uint32, src []uint32) error {
	if addr&3 != 0 || int(addr/4)+len(src) > len(v.c.comms) {
		return fmt.Errorf("pvdecsim: comms write out of range at 0x%x", addr)
	}
	copy(v.c.comms[addr/4:], src)
	return nil
}

var (
	_ chipset.ChipsetDevice = (*Core)(nil)
	_ chipset.MmioHandler   = (*Core)(nil)
	_ chipset.PollHandler   = (*Core)(nil)
	_ mailbox.RAM           = commsView{}
)
