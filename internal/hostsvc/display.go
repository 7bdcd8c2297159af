package hostsvc

import (
	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/kernel"
	"github.com/zboralski/xrecomp/internal/log"
)

// Display records video mode changes; rendering is out of scope.
type Display struct {
	log   *log.Logger
	mode  kernel.DisplayMode
	set   bool
	saved uint32
}

// NewDisplay creates a display sink.
func NewDisplay(l *log.Logger) *Display {
	return &Display{log: l.WithCategory("av")}
}

func (d *Display) SetMode(m kernel.DisplayMode) {
	d.mode, d.set = m, true
	d.log.Info("display mode",
		zap.String("mode", log.Hex(m.Mode)),
		zap.String("format", log.Hex(m.Format)),
		zap.Uint32("pitch", m.Pitch),
		log.Ptr("fb", m.FrameBuffer),
	)
}

// Mode returns the last mode set and whether one was set at all.
func (d *Display) Mode() (kernel.DisplayMode, bool) { return d.mode, d.set }

func (d *Display) SavedDataAddress() uint32 { return d.saved }

func (d *Display) SetSavedDataAddress(addr uint32) { d.saved = addr }
