// Package routines implements the kernel exports the program calls. Each
// file registers its routines with kernel.DefaultRegistry from init(), so
// importing the package for side effects is enough to bridge them:
//
//	import _ "github.com/zboralski/xrecomp/internal/kernel/routines"
package routines

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/kernel"
	"github.com/zboralski/xrecomp/internal/log"
)

const pageSize = 0x1000

// Interrupt request levels.
const (
	passiveLevel  = 0
	dispatchLevel = 2
)

// unavailable reports a call whose collaborator is missing.
func unavailable(k *kernel.Call, what string) {
	k.Bridge.Logger().Warn("service not configured",
		log.Fn(k.Name()), zap.String("service", what))
	k.ReturnStatus(kernel.StatusNotImplemented)
}

// readTimeout decodes an optional LARGE_INTEGER timeout: nil waits forever,
// negative values are relative 100ns intervals, positive values absolute
// system times.
func readTimeout(k *kernel.Call, ptr uint32) time.Duration {
	if ptr == 0 {
		return kernel.Infinite
	}
	v := int64(k.Mem().ReadU64(ptr))
	switch {
	case v == 0:
		return 0
	case v == math.MinInt64:
		return kernel.Infinite
	case v < 0:
		return intervals(-v)
	}
	clk := k.Services().Clock
	if clk == nil {
		return 0
	}
	now := int64(clk.SystemTime())
	if v <= now {
		return 0
	}
	return intervals(v - now)
}

// intervals converts a positive count of 100ns units, treating counts too
// large for a time.Duration as no timeout at all.
func intervals(n int64) time.Duration {
	if n > math.MaxInt64/100 {
		return kernel.Infinite
	}
	return time.Duration(n) * 100
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
