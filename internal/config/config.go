// Package config loads the vxdctl YAML configuration and turns it into
// device options.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tinyrange/vxd/internal/mailbox"
	"github.com/tinyrange/vxd/internal/pvdec"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// Device access modes.
const (
	ModeSim  = "sim"
	ModeMmap = "mmap"
)

// Config is the top-level configuration file.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Firmware FirmwareConfig `yaml:"firmware"`
	Load     LoadConfig     `yaml:"load"`
	Mailbox  MailboxConfig  `yaml:"mailbox"`
	State    StateConfig    `yaml:"state"`

	StrictAsserts bool   `yaml:"strict_asserts"`
	IOBypass      bool   `yaml:"io_bypass"`
	LogLevel      string `yaml:"log_level"`
}

// DeviceConfig selects how register banks are reached.
type DeviceConfig struct {
	Mode string `yaml:"mode"`
	// Path is the character device mapped in mmap mode, e.g. /dev/mem or a UIO node.
	Path string `yaml:"path"`
	// Base is the physical address of the core's register space.
	Base uint64 `yaml:"base"`
	// Regions overrides the default placement of individual banks relative to Base.
	Regions map[string]RegionConfig `yaml:"regions,omitempty"`
}

// RegionConfig places one register bank.
type RegionConfig struct {
	Offset uint64 `yaml:"offset"`
	Size   int    `yaml:"size"`
}

// FirmwareConfig locates the base firmware image.
type FirmwareConfig struct {
	Path       string `yaml:"path"`
	Address    uint32 `yaml:"address"`
	CoreWords  uint32 `yaml:"core_words"`
	Version    string `yaml:"version"`
	MinVersion string `yaml:"min_version"`

	// MemoryPath and MemoryOffset locate device memory in mmap mode. Device
	// virtual address 0 is at MemoryOffset in MemoryPath. When unset the image
	// is assumed to be placed already.
	MemoryPath   string `yaml:"memory_path"`
	MemoryOffset int64  `yaml:"memory_offset"`
}

// LoadConfig tunes the firmware loader.
type LoadConfig struct {
	Strategy        string   `yaml:"strategy"`
	UploadPolicy    string   `yaml:"upload_policy"`
	WaitDMA         bool     `yaml:"wait_dma"`
	DMAPollInterval Duration `yaml:"dma_poll_interval"`
	RAMWaitBudget   int      `yaml:"ram_wait_budget"`
	PollBudget      int      `yaml:"poll_budget"`
	PollInterval    Duration `yaml:"poll_interval"`
	ProcClockMHz    uint32   `yaml:"proc_clock_mhz"`
	EntryPoint      uint32   `yaml:"entry_point"`
}

// MailboxConfig sizes the comms rings.
type MailboxConfig struct {
	ToFwWords   uint32 `yaml:"to_fw_words"`
	FromFwWords uint32 `yaml:"from_fw_words"`
	QueueSlots  int    `yaml:"queue_slots"`
}

// StateConfig describes the pipes reported by the state command.
type StateConfig struct {
	PixelPipes   int `yaml:"pixel_pipes"`
	EntropyPipes int `yaml:"entropy_pipes"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Device.Mode == "" {
		c.Device.Mode = ModeSim
	}
	if c.Firmware.Address == 0 {
		c.Firmware.Address = 0x1000
	}
	if c.Load.Strategy == "" {
		c.Load.Strategy = "dma"
	}
	if c.Load.UploadPolicy == "" {
		c.Load.UploadPolicy = "abort"
	}
	if c.Mailbox.ToFwWords == 0 {
		c.Mailbox.ToFwWords = mailbox.DefaultLayout.ToFwWords
	}
	if c.Mailbox.FromFwWords == 0 {
		c.Mailbox.FromFwWords = mailbox.DefaultLayout.FromFwWords
	}
	if c.Mailbox.QueueSlots == 0 {
		c.Mailbox.QueueSlots = 16
	}
	if c.State.PixelPipes == 0 {
		c.State.PixelPipes = 2
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the configuration for values the device cannot use.
func (c *Config) Validate() error {
	switch c.Device.Mode {
	case ModeSim:
	case ModeMmap:
		if c.Device.Path == "" {
			return fmt.Errorf("device.path is required in mmap mode")
		}
	default:
		return fmt.Errorf("device.mode %q: want %q or %q", c.Device.Mode, ModeSim, ModeMmap)
	}
	for name, r := range c.Device.Regions {
		if _, ok := pvdec.ParseRegion(name); !ok {
			return fmt.Errorf("device.regions: unknown region %q", name)
		}
		if r.Size <= 0 || r.Size%4 != 0 {
			return fmt.Errorf("device.regions.%s: size %d must be a positive multiple of 4", name, r.Size)
		}
	}
	if _, err := c.strategy(); err != nil {
		return err
	}
	if _, err := c.uploadPolicy(); err != nil {
		return err
	}
	for field, v := range map[string]string{"firmware.version": c.Firmware.Version, "firmware.min_version": c.Firmware.MinVersion} {
		if v != "" && !semver.IsValid(v) {
			return fmt.Errorf("%s %q is not a semantic version", field, v)
		}
	}
	if c.Firmware.Address&3 != 0 {
		return fmt.Errorf("firmware.address 0x%x is not word aligned", c.Firmware.Address)
	}
	if c.State.PixelPipes < 0 || c.State.PixelPipes > pvdec.FirmwareMaxPipes {
		return fmt.Errorf("state.pixel_pipes %d out of range 0-%d", c.State.PixelPipes, pvdec.FirmwareMaxPipes)
	}
	if c.State.EntropyPipes < 0 {
		return fmt.Errorf("state.entropy_pipes %d is negative", c.State.EntropyPipes)
	}
	if c.Mailbox.QueueSlots < 1 {
		return fmt.Errorf("mailbox.queue_slots must be at least 1")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

func (c *Config) strategy() (pvdec.Strategy, error) {
	switch c.Load.Strategy {
	case "dma":
		return pvdec.StrategyDMA, nil
	case "register":
		return pvdec.StrategyRegister, nil
	default:
		return 0, fmt.Errorf("load.strategy %q: want dma or register", c.Load.Strategy)
	}
}

func (c *Config) uploadPolicy() (pvdec.UploadPolicy, error) {
	switch c.Load.UploadPolicy {
	case "abort":
		return pvdec.UploadAbort, nil
	case "best-effort":
		return pvdec.UploadBestEffort, nil
	default:
		return 0, fmt.Errorf("load.upload_policy %q: want abort or best-effort", c.Load.UploadPolicy)
	}
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Options converts the configuration into device options. Logger, firmware
// memory and progress reporting are left for the caller.
func (c *Config) Options() (pvdec.Options, error) {
	strategy, err := c.strategy()
	if err != nil {
		return pvdec.Options{}, err
	}
	policy, err := c.uploadPolicy()
	if err != nil {
		return pvdec.Options{}, err
	}
	return pvdec.Options{
		IOBypass:           c.IOBypass,
		StrictAsserts:      c.StrictAsserts,
		Strategy:           strategy,
		UploadPolicy:       policy,
		WaitDMA:            c.Load.WaitDMA,
		DMAPollInterval:    c.Load.DMAPollInterval.Duration(),
		RAMWaitBudget:      c.Load.RAMWaitBudget,
		PollBudget:         c.Load.PollBudget,
		PollInterval:       c.Load.PollInterval.Duration(),
		ProcClockMHz:       c.Load.ProcClockMHz,
		EntryPoint:         c.Load.EntryPoint,
		MinFirmwareVersion: c.Firmware.MinVersion,
		Mailbox: mailbox.Layout{
			ToFwWords:   c.Mailbox.ToFwWords,
			FromFwWords: c.Mailbox.FromFwWords,
		},
	}, nil
}

// DefaultRegionOffsets is the bank placement relative to DeviceConfig.Base
// when no override is given.
var DefaultRegionOffsets = func() map[pvdec.Region]RegionConfig {
	out := make(map[pvdec.Region]RegionConfig, pvdec.RegionCount)
	for r := pvdec.Region(0); r < pvdec.RegionCount; r++ {
		if r == pvdec.RegionCommsRAM {
			out[r] = RegionConfig{Offset: 0x10000, Size: 0x4000}
			continue
		}
		out[r] = RegionConfig{Offset: uint64(r) * 0x1000, Size: 0x1000}
	}
	return out
}()

// RegionMap returns the placement of every bank with overrides applied.
func (c *Config) RegionMap() map[pvdec.Region]RegionConfig {
	out := make(map[pvdec.Region]RegionConfig, pvdec.RegionCount)
	for r, rc := range DefaultRegionOffsets {
		out[r] = rc
	}
	for name, rc := range c.Device.Regions {
		if r, ok := pvdec.ParseRegion(name); ok {
			out[r] = rc
		}
	}
	return out
}
