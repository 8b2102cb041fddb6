//go:build linux

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/vxd/internal/config"
	"github.com/tinyrange/vxd/internal/pvdec"
	"github.com/tinyrange/vxd/internal/regio"
)

func openMapped(cfg *config.Config, opts pvdec.Options) (*target, error) {
	t := &target{}
	fail := func(err error) (*target, error) {
		for _, c := range t.closers {
			c.Close()
		}
		return nil, err
	}

	var regions pvdec.RegionSet
	for r, rc := range cfg.RegionMap() {
		m, err := regio.OpenMapped(r.String(), cfg.Device.Path, int64(cfg.Device.Base+rc.Offset), rc.Size)
		if err != nil {
			return fail(err)
		}
		t.closers = append(t.closers, m)
		regions[r] = m
	}

	if cfg.Firmware.MemoryPath != "" {
		f, err := os.OpenFile(cfg.Firmware.MemoryPath, os.O_RDWR|os.O_SYNC, 0)
		if err != nil {
			return fail(fmt.Errorf("open device memory: %w", err))
		}
		t.closers = append(t.closers, f)
		opts.FirmwareMemory = io.NewOffsetWriter(f, cfg.Firmware.MemoryOffset)
	}

	dev, err := pvdec.Open(regions, opts)
	if err != nil {
		return fail(fmt.Errorf("open device: %w", err))
	}
	t.dev = dev
	return t, nil
}
