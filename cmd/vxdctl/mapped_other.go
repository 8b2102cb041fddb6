//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/vxd/internal/config"
	"github.com/tinyrange/vxd/internal/pvdec"
)

func openMapped(cfg *config.Config, opts pvdec.Options) (*target, error) {
	return nil, fmt.Errorf("mmap mode is not supported on %s", runtime.GOOS)
}
