package arena

import "fmt"

// Fault is the panic value raised by typed accessors on an out-of-range or
// read-only access. It is the runtime's equivalent of a host segmentation
// fault and is only recovered at the top-level call boundary.
type Fault struct {
	Addr  uint32
	Size  uint32
	Write bool
	// ReadOnly is set when the address was in range but protected.
	ReadOnly bool
}

func (f *Fault) Error() string {
	op := "read"
	if f.Write {
		op = "write"
	}
	if f.ReadOnly {
		return fmt.Sprintf("fault: %s of %d bytes at 0x%08X hits read-only memory", op, f.Size, f.Addr)
	}
	return fmt.Sprintf("fault: %s of %d bytes at 0x%08X outside arena", op, f.Size, f.Addr)
}
