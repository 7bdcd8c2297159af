package kernel

import "fmt"

// Status is an NTSTATUS value returned in EAX.
type Status uint32

const (
	StatusSuccess             Status = 0x00000000
	StatusPending             Status = 0x00000103
	StatusTimeout             Status = 0x00000102
	StatusUnsuccessful        Status = 0xC0000001
	StatusNotImplemented      Status = 0xC0000002
	StatusInvalidInfoClass    Status = 0xC0000003
	StatusInfoLengthMismatch  Status = 0xC0000004
	StatusInvalidHandle       Status = 0xC0000008
	StatusInvalidParameter    Status = 0xC000000D
	StatusNoSuchFile          Status = 0xC000000F
	StatusEndOfFile           Status = 0xC0000011
	StatusNoMemory            Status = 0xC0000017
	StatusAccessDenied        Status = 0xC0000022
	StatusObjectNameNotFound  Status = 0xC0000034
	StatusObjectNameCollision Status = 0xC0000035
	StatusObjectPathNotFound  Status = 0xC000003A
)

var statusNames = map[Status]string{
	StatusSuccess:             "STATUS_SUCCESS",
	StatusPending:             "STATUS_PENDING",
	StatusTimeout:             "STATUS_TIMEOUT",
	StatusUnsuccessful:        "STATUS_UNSUCCESSFUL",
	StatusNotImplemented:      "STATUS_NOT_IMPLEMENTED",
	StatusInvalidInfoClass:    "STATUS_INVALID_INFO_CLASS",
	StatusInfoLengthMismatch:  "STATUS_INFO_LENGTH_MISMATCH",
	StatusInvalidHandle:       "STATUS_INVALID_HANDLE",
	StatusInvalidParameter:    "STATUS_INVALID_PARAMETER",
	StatusNoSuchFile:          "STATUS_NO_SUCH_FILE",
	StatusEndOfFile:           "STATUS_END_OF_FILE",
	StatusNoMemory:            "STATUS_NO_MEMORY",
	StatusAccessDenied:        "STATUS_ACCESS_DENIED",
	StatusObjectNameNotFound:  "STATUS_OBJECT_NAME_NOT_FOUND",
	StatusObjectNameCollision: "STATUS_OBJECT_NAME_COLLISION",
	StatusObjectPathNotFound:  "STATUS_OBJECT_PATH_NOT_FOUND",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}

// IsError reports whether the severity bits mark a failure.
func (s Status) IsError() bool { return s&0xC0000000 == 0xC0000000 }

// Error lets a Status travel through error returns from collaborators.
func (s Status) Error() string { return s.String() }

// Create dispositions for NtCreateFile.
const (
	FileSupersede   uint32 = 0
	FileOpen        uint32 = 1
	FileCreate      uint32 = 2
	FileOpenIf      uint32 = 3
	FileOverwrite   uint32 = 4
	FileOverwriteIf uint32 = 5
)

// Information values written to IO_STATUS_BLOCK.Information on open.
const (
	FileSuperseded   uint32 = 0
	FileOpened       uint32 = 1
	FileCreated      uint32 = 2
	FileOverwritten  uint32 = 3
	FileExists       uint32 = 4
	FileDoesNotExist uint32 = 5
)

// BugCheck is raised (as a panic) by routines that stop the system. The
// runtime converts it into an error from the host-initiated call.
type BugCheck struct {
	Code    uint32
	Params  [4]uint32
	Routine string
}

func (b *BugCheck) Error() string {
	return fmt.Sprintf("bug check 0x%08X in %s (0x%X, 0x%X, 0x%X, 0x%X)",
		b.Code, b.Routine, b.Params[0], b.Params[1], b.Params[2], b.Params[3])
}
