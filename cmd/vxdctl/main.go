package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/vxd/internal/chipset"
	"github.com/tinyrange/vxd/internal/config"
	"github.com/tinyrange/vxd/internal/devices/pvdecsim"
	"github.com/tinyrange/vxd/internal/firmware"
	"github.com/tinyrange/vxd/internal/mailbox"
	"github.com/tinyrange/vxd/internal/pvdec"
	"github.com/tinyrange/vxd/internal/timeslice"
)

// simFirmwareWords is the size of the synthetic image booted in sim mode when
// no firmware file is given.
const simFirmwareWords = 1024

// target is an opened device plus whatever keeps it alive.
type target struct {
	dev *pvdec.Device
	// poll advances the simulated core; nil on real hardware.
	poll    func(context.Context) error
	closers []io.Closer
}

func (t *target) Close() error {
	var errs []error
	if err := t.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range t.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func run() error {
	configPath := flag.String("config", "", "path to vxd.yaml (defaults apply when empty)")
	sim := flag.Bool("sim", false, "use the simulated core regardless of device.mode")
	fwPath := flag.String("firmware", "", "firmware image, overrides firmware.path")
	fwVersion := flag.String("fw-version", "", "firmware version, overrides firmware.version")
	debug := flag.Bool("debug", false, "enable debug logging")
	count := flag.Int("count", 4, "messages to send for ping")
	timeout := flag.Duration("timeout", 5*time.Second, "time to wait for replies for ping")
	slices := flag.String("timeslice", "", "record phase timings to this file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vxdctl - bootstrap and inspect a video decoder core

USAGE:
  vxdctl [flags] <boot|state|ping>

COMMANDS:
  boot   copy and start the base firmware
  state  print the firmware and processor state
  ping   boot, then round-trip messages through the mailbox

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)
	switch command {
	case "boot", "state", "ping":
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *sim {
		cfg.Device.Mode = config.ModeSim
	}
	if *fwPath != "" {
		cfg.Firmware.Path = *fwPath
	}
	if *fwVersion != "" {
		cfg.Firmware.Version = *fwVersion
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if *slices != "" {
		f, err := os.Create(*slices)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()
		rec, err := timeslice.StartRecording(f)
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	opts, err := cfg.Options()
	if err != nil {
		return err
	}
	opts.Logger = log

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		opts.Progress = func(done, total int) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetDescription("loading firmware"),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set(done)
		}
	}

	var t *target
	if cfg.Device.Mode == config.ModeSim {
		t, err = openSim(cfg, opts, log)
	} else {
		t, err = openMapped(cfg, opts)
	}
	if err != nil {
		return err
	}
	defer t.Close()

	needBoot := command != "state" || t.poll != nil
	if needBoot {
		blob, err := loadFirmware(cfg)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := t.dev.PrepareFirmware(blob); err != nil {
			return fmt.Errorf("prepare firmware: %w", err)
		}
		if err := t.dev.LoadBaseFirmware(); err != nil {
			return fmt.Errorf("load firmware: %w", err)
		}
		if bar != nil {
			_ = bar.Finish()
		}
		log.Info("vxdctl: firmware started",
			"words", len(blob.Words),
			"strategy", opts.Strategy,
			"elapsed", time.Since(start))
	}

	switch command {
	case "state":
		return printState(t.dev, cfg)
	case "ping":
		return ping(ctx, t, cfg, *count, *timeout, log)
	}
	return nil
}

func openSim(cfg *config.Config, opts pvdec.Options, log *slog.Logger) (*target, error) {
	mem := pvdecsim.NewDeviceMemory(4 << 20)
	builder := chipset.NewBuilder()

	// The host line only feeds the log; ping polls the status register.
	const hostIRQ = 0
	if err := builder.RouteLine(hostIRQ, irqLogger{log}); err != nil {
		return nil, err
	}
	core := pvdecsim.New(pvdecsim.Config{
		Pipes:  cfg.State.PixelPipes,
		Memory: mem,
		IRQ:    builder.Line(hostIRQ),
		Logger: log,
	})
	if err := builder.RegisterDevice("pvdec", core); err != nil {
		return nil, err
	}
	cs, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build chipset: %w", err)
	}
	windows, err := pvdecsim.Windows(cs, "pvdec")
	if err != nil {
		return nil, err
	}
	if err := cs.Start(); err != nil {
		return nil, fmt.Errorf("start chipset: %w", err)
	}

	opts.FirmwareMemory = mem
	dev, err := pvdec.Open(windows, opts)
	if err != nil {
		cs.Stop()
		return nil, fmt.Errorf("open device: %w", err)
	}
	return &target{dev: dev, poll: cs.Poll, closers: []io.Closer{stopper{cs}}}, nil
}

type stopper struct{ cs *chipset.Chipset }

func (s stopper) Close() error { return s.cs.Stop() }

type irqLogger struct{ log *slog.Logger }

func (l irqLogger) SetIRQ(line uint8, level bool) {
	l.log.Debug("vxdctl: host interrupt", "line", line, "level", level)
}

func loadFirmware(cfg *config.Config) (pvdec.FirmwareBlob, error) {
	place := firmware.Placement{
		DevVirtAddr: cfg.Firmware.Address,
		CoreWords:   cfg.Firmware.CoreWords,
		Version:     cfg.Firmware.Version,
	}
	if cfg.Firmware.Path != "" {
		return firmware.Load(cfg.Firmware.Path, place)
	}
	if cfg.Device.Mode != config.ModeSim {
		return pvdec.FirmwareBlob{}, fmt.Errorf("no firmware image: set firmware.path or -firmware")
	}
	words := make([]uint32, simFirmwareWords)
	for i := range words {
		words[i] = 0xA0000000 | uint32(i)
	}
	return pvdec.FirmwareBlob{
		DevVirtAddr: place.DevVirtAddr,
		CoreWords:   uint32(len(words)),
		Words:       words,
		Version:     place.Version,
	}, nil
}

func printState(dev *pvdec.Device, cfg *config.Config) error {
	st, err := dev.GetCoreState(cfg.State.PixelPipes, cfg.State.EntropyPipes)
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	fw := st.Firmware
	fmt.Printf("fences: control=%v decode=%v completion=%v\n", fw.ControlFenceID, fw.DecodeFenceID, fw.CompletionFenceID)
	for i, p := range fw.Pipes {
		fmt.Printf("pipe %d: codec=%s action=0x%x fence=0x%x slices fe=%d be=%d errored fe=%d be=%d\n",
			i+1, p.CurCodec, p.FirmwareAction, p.FenceValue,
			p.FESlices, p.BESlices, p.FEErroredSlices, p.BEErroredSlices)
		fmt.Printf("        mb fe=(%d,%d) be=(%d,%d) dmac=0x%x/0x%x dropped=%d recovered=%d\n",
			p.FEMB.X, p.FEMB.Y, p.BEMB.X, p.BEMB.Y,
			p.DMACStatus[0], p.DMACStatus[1], p.BEMbsDropped, p.BEMbsRecovered)
		fmt.Printf("        checkpoints %x\n", p.Checkpoints)
	}
	rt := st.Runtime
	fmt.Printf("processor: pc=0x%08x pcx=0x%08x a0stp=0x%08x a0frp=0x%08x enable=0x%x status=0x%x fault0=0x%x\n",
		rt.PC, rt.PCX, rt.A0StP, rt.A0FrP, rt.Enable, rt.Status, rt.Fault0)
	return nil
}

func ping(ctx context.Context, t *target, cfg *config.Config, count int, timeout time.Duration, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q := mailbox.NewQueue(cfg.Mailbox.QueueSlots)
	for i := 0; i < count; i++ {
		msg := mailbox.Message{ID: uint16(i + 1), Payload: []uint32{uint32(i), 0x50494E47}}
		if err := t.dev.SendFirmwareMessage(msg); err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
	}

	received := 0
	for received < count {
		if t.poll != nil {
			if err := t.poll(ctx); err != nil {
				return fmt.Errorf("poll device: %w", err)
			}
		}
		status := pvdec.InterruptStatus{Queue: q}
		if err := t.dev.HandleInterrupts(&status); err != nil {
			return fmt.Errorf("handle interrupts: %w", err)
		}
		if status.MMUFault != nil {
			log.Warn("vxdctl: MMU fault", "fault", status.MMUFault.String())
		}
		for {
			msg, ok := q.Pop()
			if !ok {
				break
			}
			received++
			fmt.Printf("reply id=0x%04x payload=%x\n", msg.ID, msg.Payload)
			q.Release(msg)
		}
		if received >= count {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping: %d of %d replies: %w", received, count, ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vxdctl: %v\n", err)
		os.Exit(1)
	}
}
