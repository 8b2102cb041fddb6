package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tinyrange/vxd/internal/config"
)

func TestSimBootAndPing(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	opts, err := cfg.Options()
	if err != nil {
		t.Fatal(err)
	}
	opts.Logger = log

	tgt, err := openSim(cfg, opts, log)
	if err != nil {
		t.Fatalf("open sim: %v", err)
	}
	defer tgt.Close()

	blob, err := loadFirmware(cfg)
	if err != nil {
		t.Fatalf("firmware: %v", err)
	}
	if len(blob.Words) != simFirmwareWords || blob.DevVirtAddr != 0x1000 {
		t.Fatalf("synthetic blob = %d words at 0x%x", len(blob.Words), blob.DevVirtAddr)
	}
	if err := tgt.dev.PrepareFirmware(blob); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := tgt.dev.LoadBaseFirmware(); err != nil {
		t.Fatalf("load: %v", err)
	}

	if err := ping(context.Background(), tgt, cfg, 3, 2*time.Second, log); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := printState(tgt.dev, cfg); err != nil {
		t.Fatalf("state: %v", err)
	}
}

func TestMmapModeNeedsFirmwarePath(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Mode = config.ModeMmap
	if _, err := loadFirmware(cfg); err == nil {
		t.Fatalf("mmap mode booted without an image")
	}
}
