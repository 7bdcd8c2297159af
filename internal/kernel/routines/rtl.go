package routines

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/kernel"
	"github.com/zboralski/xrecomp/internal/log"
)

// epochDelta is the number of 100ns intervals between 1601-01-01 and
// 1970-01-01.
const epochDelta = 116444736000000000

// TIME_FIELDS is eight CSHORTs.
const timeFieldsSize = 16

// Win32 error codes returned by RtlNtStatusToDosError.
var dosErrors = map[kernel.Status]uint32{
	kernel.StatusSuccess:             0,
	kernel.StatusPending:             997, // ERROR_IO_PENDING
	kernel.StatusTimeout:             1460,
	kernel.StatusUnsuccessful:        31, // ERROR_GEN_FAILURE
	kernel.StatusNotImplemented:      1,
	kernel.StatusInvalidInfoClass:    87,
	kernel.StatusInfoLengthMismatch:  24,
	kernel.StatusInvalidHandle:       6,
	kernel.StatusInvalidParameter:    87,
	kernel.StatusNoSuchFile:          2,
	kernel.StatusEndOfFile:           38,
	kernel.StatusNoMemory:            8,
	kernel.StatusAccessDenied:        5,
	kernel.StatusObjectNameNotFound:  2,
	kernel.StatusObjectNameCollision: 183,
	kernel.StatusObjectPathNotFound:  3,
}

// errorMrMidNotFound is returned for statuses with no mapping.
const errorMrMidNotFound = 317

func init() {
	kernel.RegisterFunc("rtl", 260, rtlAnsiStringToUnicodeString)
	kernel.RegisterFunc("rtl", 269, rtlCompareMemoryUlong)
	kernel.RegisterFunc("rtl", 279, rtlEqualString)
	kernel.RegisterFunc("rtl", 289, rtlInitAnsiString)
	kernel.RegisterFunc("rtl", 301, rtlNtStatusToDosError)
	kernel.RegisterFunc("rtl", 302, rtlRaiseException)
	kernel.RegisterFunc("rtl", 304, rtlTimeFieldsToTime)
	kernel.RegisterFunc("rtl", 305, rtlTimeToTimeFields)
	kernel.RegisterFunc("rtl", 308, rtlUnicodeStringToAnsiString)
	kernel.RegisterFunc("rtl", 312, rtlUnwind)
	kernel.RegisterFunc("rtl", 354, rtlRip)
}

// RtlInitAnsiString(*DestinationString, SourceString)
func rtlInitAnsiString(k *kernel.Call) {
	dst, src := k.Arg(0), k.Arg(1)
	m := k.Mem()
	if src == 0 {
		m.WriteU32(dst, 0)
		m.WriteU32(dst+4, 0)
		k.Return(0)
		return
	}
	s, err := m.ReadString(src, 0xFFFE)
	if err != nil {
		k.Bridge.Logger().Warn("unterminated string", log.Ptr("src", src), zap.Error(err))
	}
	kernel.WriteAnsiString(m, dst, src, len(s))
	k.Return(0)
}

// RtlNtStatusToDosError(Status)
func rtlNtStatusToDosError(k *kernel.Call) {
	if code, ok := dosErrors[kernel.Status(k.Arg(0))]; ok {
		k.Return(code)
		return
	}
	k.Return(errorMrMidNotFound)
}

// RtlCompareMemoryUlong(Source, Length, Pattern) returns the number of
// leading bytes that match the repeated pattern.
func rtlCompareMemoryUlong(k *kernel.Call) {
	src, n, pat := k.Arg(0), k.Arg(1)&^3, k.Arg(2)
	m := k.Mem()
	var i uint32
	for ; i < n; i += 4 {
		if m.ReadU32(src+i) != pat {
			break
		}
	}
	k.Return(i)
}

// RtlEqualString(*String1, *String2, CaseInsensitive)
func rtlEqualString(k *kernel.Call) {
	m := k.Mem()
	a, errA := kernel.ReadAnsiString(m, k.Arg(0))
	b, errB := kernel.ReadAnsiString(m, k.Arg(1))
	if errA != nil || errB != nil {
		k.Return(0)
		return
	}
	if k.Arg(2)&0xFF != 0 {
		k.Return(boolU32(strings.EqualFold(a, b)))
		return
	}
	k.Return(boolU32(a == b))
}

// RtlAnsiStringToUnicodeString(*Destination, *Source, AllocateDestination)
// widens each byte; the program only passes ASCII.
func rtlAnsiStringToUnicodeString(k *kernel.Call) {
	dst, src, allocate := k.Arg(0), k.Arg(1), k.Arg(2)&0xFF != 0
	m := k.Mem()
	s, err := kernel.ReadAnsiString(m, src)
	if err != nil {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	need := uint32(len(s)+1) * 2
	buf := m.ReadU32(dst + 4)
	if allocate {
		if buf = k.Heap().Alloc(need, 2); buf == 0 {
			k.ReturnStatus(kernel.StatusNoMemory)
			return
		}
		m.WriteU16(dst+2, uint16(need))
	} else if uint32(m.ReadU16(dst+2)) < need-2 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	for i := 0; i < len(s); i++ {
		m.WriteU16(buf+uint32(2*i), uint16(s[i]))
	}
	if allocate || uint32(m.ReadU16(dst+2)) >= need {
		m.WriteU16(buf+uint32(2*len(s)), 0)
	}
	m.WriteU16(dst, uint16(2*len(s)))
	m.WriteU32(dst+4, buf)
	k.ReturnStatus(kernel.StatusSuccess)
}

// RtlUnicodeStringToAnsiString(*Destination, *Source, AllocateDestination)
// narrows each UTF-16 unit, replacing anything outside Latin-1 with '?'.
func rtlUnicodeStringToAnsiString(k *kernel.Call) {
	dst, src, allocate := k.Arg(0), k.Arg(1), k.Arg(2)&0xFF != 0
	m := k.Mem()
	n := uint32(m.ReadU16(src)) / 2
	wbuf := m.ReadU32(src + 4)
	buf := m.ReadU32(dst + 4)
	if allocate {
		if buf = k.Heap().Alloc(n+1, 1); buf == 0 {
			k.ReturnStatus(kernel.StatusNoMemory)
			return
		}
		m.WriteU16(dst+2, uint16(n+1))
	} else if uint32(m.ReadU16(dst+2)) < n {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	for i := uint32(0); i < n; i++ {
		c := m.ReadU16(wbuf + 2*i)
		if c > 0xFF {
			c = '?'
		}
		m.WriteU8(buf+i, uint8(c))
	}
	if uint32(m.ReadU16(dst+2)) > n {
		m.WriteU8(buf+n, 0)
	}
	m.WriteU16(dst, uint16(n))
	m.WriteU32(dst+4, buf)
	k.ReturnStatus(kernel.StatusSuccess)
}

// fileTime converts a host time to 100ns intervals since 1601.
func fileTime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100 + epochDelta)
}

func fromFileTime(v uint64) time.Time {
	ticks := int64(v) - epochDelta
	return time.Unix(ticks/1e7, ticks%1e7*100).UTC()
}

// RtlTimeToTimeFields(*Time, *TimeFields)
func rtlTimeToTimeFields(k *kernel.Call) {
	m := k.Mem()
	t := fromFileTime(m.ReadU64(k.Arg(0)))
	out := k.Arg(1)
	fields := []int{t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(),
		t.Nanosecond() / 1e6, int(t.Weekday())}
	for i, v := range fields {
		m.WriteU16(out+uint32(2*i), uint16(v))
	}
	k.Return(0)
}

// RtlTimeFieldsToTime(*TimeFields, *Time) returns FALSE for fields that do
// not name a real date.
func rtlTimeFieldsToTime(k *kernel.Call) {
	m := k.Mem()
	in := k.Arg(0)
	f := make([]int, timeFieldsSize/2)
	for i := range f {
		f[i] = int(m.ReadI16(in + uint32(2*i)))
	}
	year, month, day, hour, minute, sec, ms := f[0], f[1], f[2], f[3], f[4], f[5], f[6]
	if year < 1601 || month < 1 || month > 12 || day < 1 || day > 31 ||
		hour < 0 || hour > 23 || minute < 0 || minute > 59 || sec < 0 || sec > 59 || ms < 0 || ms > 999 {
		k.Return(0)
		return
	}
	t := time.Date(year, time.Month(month), day, hour, minute, sec, ms*1e6, time.UTC)
	if t.Day() != day {
		k.Return(0)
		return
	}
	m.WriteU64(k.Arg(1), fileTime(t))
	k.Return(1)
}

// RtlRaiseException(*ExceptionRecord) cannot be dispatched to translated
// handlers; it stops the call like a bug check.
func rtlRaiseException(k *kernel.Call) {
	rec := k.Arg(0)
	var code uint32
	if rec != 0 {
		code = k.Mem().ReadU32(rec)
	}
	panic(&kernel.BugCheck{Code: code, Params: [4]uint32{rec}, Routine: k.Name()})
}

func rtlUnwind(k *kernel.Call) {
	k.Bridge.Logger().Warn("unwind requested", log.Ptr("frame", k.Arg(0)), log.Ptr("target", k.Arg(1)))
	k.Return(0)
}

// RtlRip(ApiName, Expression, Message) is a failed debug assertion.
func rtlRip(k *kernel.Call) {
	m := k.Mem()
	str := func(p uint32) string {
		if p == 0 {
			return ""
		}
		s, _ := m.ReadString(p, maxFormat)
		return s
	}
	k.Bridge.Logger().Error("assertion failed",
		zap.String("api", str(k.Arg(0))),
		zap.String("expr", str(k.Arg(1))),
		zap.String("msg", str(k.Arg(2))),
		log.Ptr("ret", k.ReturnAddr),
	)
	k.Return(0)
}
