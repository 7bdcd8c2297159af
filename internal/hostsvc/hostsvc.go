// Package hostsvc provides the host-side collaborators behind the kernel
// bridge: a clock, a file system rooted in host directories, handle-based
// events and a display sink.
package hostsvc

import (
	"github.com/zboralski/xrecomp/internal/config"
	"github.com/zboralski/xrecomp/internal/kernel"
	"github.com/zboralski/xrecomp/internal/log"
)

// Handle ranges. Each service hands out handles from its own range so a
// bare handle value identifies its owner.
const (
	fileHandleBase  = 0x10000000
	eventHandleBase = 0x20000000
)

// New returns services backed by the wall clock and the host directories
// in cfg.
func New(cfg config.HostConfig, l *log.Logger) kernel.Services {
	return NewWithClock(cfg, NewClock(), l)
}

// NewWithClock returns services that take time from clk.
func NewWithClock(cfg config.HostConfig, clk kernel.Clock, l *log.Logger) kernel.Services {
	if l == nil {
		l = log.NewNop()
	}
	return kernel.Services{
		Clock:   clk,
		Files:   NewFiles(cfg.GameDir, cfg.SaveDir, l),
		Sync:    NewSync(clk, l),
		Display: NewDisplay(l),
	}
}
