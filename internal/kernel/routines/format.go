package routines

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/zboralski/xrecomp/internal/kernel"
)

const maxFormat = 1024

// formatGuest expands a C format string stored in guest memory, taking
// arguments from stack slot first onwards. It understands the conversions
// the program's debug output uses: d i u x X o c s p f e g and %%, with
// flags, width, precision (including *) and the h, l, ll and I64 length
// modifiers.
func formatGuest(k *kernel.Call, fmtAddr uint32, first int) string {
	f, err := k.ReadString(fmtAddr, maxFormat)
	if err != nil {
		return fmt.Sprintf("<format at 0x%08X unreadable>", fmtAddr)
	}
	arg := first
	next := func() uint32 {
		v := k.Arg(arg)
		arg++
		return v
	}
	next64 := func() uint64 {
		lo := next()
		return uint64(lo) | uint64(next())<<32
	}

	var sb strings.Builder
	for i := 0; i < len(f); i++ {
		if f[i] != '%' {
			sb.WriteByte(f[i])
			continue
		}
		j := i + 1
		var spec strings.Builder
		spec.WriteByte('%')
		for j < len(f) && strings.IndexByte("-+ #0", f[j]) >= 0 {
			spec.WriteByte(f[j])
			j++
		}
		for j < len(f) && (f[j] >= '0' && f[j] <= '9' || f[j] == '.' || f[j] == '*') {
			if f[j] == '*' {
				spec.WriteString(strconv.Itoa(int(int32(next()))))
			} else {
				spec.WriteByte(f[j])
			}
			j++
		}
		wide := false
		for j < len(f) {
			switch {
			case strings.HasPrefix(f[j:], "I64"):
				wide = true
				j += 3
				continue
			case strings.HasPrefix(f[j:], "ll"):
				wide = true
				j += 2
				continue
			case f[j] == 'l' || f[j] == 'h':
				j++
				continue
			}
			break
		}
		if j >= len(f) {
			sb.WriteString(f[i:])
			break
		}
		verb := f[j]
		s := spec.String()
		switch verb {
		case '%':
			sb.WriteByte('%')
		case 'd', 'i':
			if wide {
				fmt.Fprintf(&sb, s+"d", int64(next64()))
			} else {
				fmt.Fprintf(&sb, s+"d", int32(next()))
			}
		case 'u':
			if wide {
				fmt.Fprintf(&sb, s+"d", next64())
			} else {
				fmt.Fprintf(&sb, s+"d", next())
			}
		case 'x', 'X', 'o':
			if wide {
				fmt.Fprintf(&sb, s+string(verb), next64())
			} else {
				fmt.Fprintf(&sb, s+string(verb), next())
			}
		case 'c':
			sb.WriteByte(byte(next()))
		case 'p':
			fmt.Fprintf(&sb, "%08X", next())
		case 's':
			p := next()
			str := "(null)"
			if p != 0 {
				if v, err := k.ReadString(p, maxFormat); err == nil {
					str = v
				}
			}
			fmt.Fprintf(&sb, s+"s", str)
		case 'f', 'e', 'g', 'E', 'G':
			fmt.Fprintf(&sb, s+string(verb), math.Float64frombits(next64()))
		default:
			sb.WriteString(f[i : j+1])
		}
		i = j
	}
	return sb.String()
}
