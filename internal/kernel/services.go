package kernel

import (
	"errors"
	"time"
)

// Clock supplies time to the timing routines.
type Clock interface {
	// SystemTime returns the current time as 100ns intervals since
	// 1601-01-01 UTC.
	SystemTime() uint64
	// PerformanceCounter returns a monotonic tick count at
	// PerformanceFrequency ticks per second.
	PerformanceCounter() uint64
	PerformanceFrequency() uint64
	// TickCount returns milliseconds since the runtime started.
	TickCount() uint32
	Sleep(d time.Duration)
}

// FileInfo is the subset of file metadata the query routines report.
type FileInfo struct {
	Size      int64
	Position  int64
	Directory bool
	ModTime   time.Time
}

// FileSystem backs the Nt file routines. Paths are guest paths such as
// `D:\media\x.bin`; translation to host paths is the implementation's
// business. Errors should be Status values; anything else is reported as
// StatusUnsuccessful.
type FileSystem interface {
	// Open returns a handle and the IO_STATUS_BLOCK information value
	// (FileOpened, FileCreated, ...).
	Open(path string, disposition uint32, write, directory bool) (handle, info uint32, err error)
	// Read reads at offset, or at the current position when offset < 0,
	// and advances the position.
	Read(handle uint32, buf []byte, offset int64) (int, error)
	Write(handle uint32, buf []byte, offset int64) (int, error)
	Stat(handle uint32) (FileInfo, error)
	Seek(handle uint32, pos int64) error
	Close(handle uint32) error
	Delete(path string) error
	Exists(path string) bool
}

// Infinite marks a wait without a timeout.
const Infinite time.Duration = -1

// Sync implements handle-based events. All operations happen on one host
// thread; critical sections live entirely in guest memory.
type Sync interface {
	CreateEvent(manualReset, signaled bool) uint32
	// SetEvent signals the event and returns its previous state.
	SetEvent(handle uint32) (bool, error)
	ResetEvent(handle uint32) (bool, error)
	// Wait returns StatusSuccess when the object is signaled, StatusTimeout
	// when a finite timeout elapses first.
	Wait(handle uint32, timeout time.Duration) Status
	Close(handle uint32) bool
}

// DisplayMode is the argument set of AvSetDisplayMode.
type DisplayMode struct {
	Step        uint32
	Mode        uint32
	Format      uint32
	Pitch       uint32
	FrameBuffer uint32
}

// Display receives video mode changes.
type Display interface {
	SetMode(m DisplayMode)
	SavedDataAddress() uint32
	SetSavedDataAddress(addr uint32)
}

// Services groups the external collaborators. A nil member makes the
// routines that depend on it return StatusNotImplemented.
type Services struct {
	Clock   Clock
	Files   FileSystem
	Sync    Sync
	Display Display
}

// StatusOf maps a collaborator error to the status reported to the
// program.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusUnsuccessful
}
