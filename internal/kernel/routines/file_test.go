package routines

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zboralski/xrecomp/internal/kernel"
)

const (
	fileReadData = 0x00000001
	syncAccess   = 0x00100000
)

// ioStatus returns the status and information words of an IO_STATUS_BLOCK.
func (h *harness) ioStatus(iosb uint32) (kernel.Status, uint32) {
	return kernel.Status(h.mem.ReadU32(iosb)), h.mem.ReadU32(iosb + 4)
}

func TestCreateWriteReadFile(t *testing.T) {
	h := newHarness(t)
	hp, iosb := h.scratch(4), h.scratch(kernel.IoStatusBlockSize)
	attrs := h.objectAttributes(`T:\save\slot1.dat`)

	st := h.status(190, hp, genericWrite|syncAccess, attrs, iosb, 0, fileAttrNormal, 0, kernel.FileOverwriteIf, 0)
	if st != kernel.StatusSuccess {
		t.Fatalf("NtCreateFile = %s", st)
	}
	if ist, info := h.ioStatus(iosb); ist != kernel.StatusSuccess || info != kernel.FileCreated {
		t.Errorf("iosb = %s/%d, want success/created", ist, info)
	}
	handle := h.mem.ReadU32(hp)

	payload := h.cstring("checkpoint-07")
	if st := h.status(236, handle, 0, 0, 0, iosb, payload, 13, 0); st != kernel.StatusSuccess {
		t.Fatalf("NtWriteFile = %s", st)
	}
	if _, info := h.ioStatus(iosb); info != 13 {
		t.Errorf("bytes written = %d", info)
	}

	host := filepath.Join(h.host.SaveDir, "TitleData", "save", "slot1.dat")
	got, err := os.ReadFile(host)
	if err != nil || string(got) != "checkpoint-07" {
		t.Fatalf("host file = %q, %v", got, err)
	}

	// Read back from an explicit offset.
	buf := h.scratch(32)
	off := h.scratch(8)
	h.mem.WriteU64(off, 11)
	if st := h.status(219, handle, 0, 0, 0, iosb, buf, 32, off); st != kernel.StatusSuccess {
		t.Fatalf("NtReadFile = %s", st)
	}
	if s, _ := h.mem.ReadString(buf, 32); s != "07" {
		t.Errorf("read %q", s)
	}
	// The position is now at the end; the next read reports end of file.
	if st := h.status(219, handle, 0, 0, 0, iosb, buf, 32, 0); st != kernel.StatusEndOfFile {
		t.Errorf("read at end = %s", st)
	}

	// Seek back to 0 through FilePositionInformation and query it.
	pos := h.scratch(8)
	if st := h.status(226, handle, iosb, pos, 8, filePositionInformation); st != kernel.StatusSuccess {
		t.Fatalf("NtSetInformationFile = %s", st)
	}
	h.mem.WriteU64(pos, 0xFFFF)
	if st := h.status(211, handle, iosb, pos, 8, filePositionInformation); st != kernel.StatusSuccess {
		t.Fatalf("NtQueryInformationFile = %s", st)
	}
	if got := h.mem.ReadU64(pos); got != 0 {
		t.Errorf("position = %d", got)
	}

	std := h.scratch(standardInfoSize)
	if st := h.status(211, handle, iosb, std, standardInfoSize, fileStandardInformation); st != kernel.StatusSuccess {
		t.Fatalf("standard information = %s", st)
	}
	if alloc, eof := h.mem.ReadU64(std), h.mem.ReadU64(std+8); alloc != clusterBytes || eof != 13 {
		t.Errorf("allocation = %d, end of file = %d", alloc, eof)
	}
	if st := h.status(211, handle, iosb, std, 4, fileStandardInformation); st != kernel.StatusInfoLengthMismatch {
		t.Errorf("short buffer = %s", st)
	}
	if st := h.status(211, handle, iosb, std, 64, 99); st != kernel.StatusInvalidInfoClass {
		t.Errorf("unknown class = %s", st)
	}

	if st := h.status(187, handle); st != kernel.StatusSuccess {
		t.Errorf("NtClose = %s", st)
	}
	if st := h.status(219, handle, 0, 0, 0, iosb, buf, 4, 0); st != kernel.StatusInvalidHandle {
		t.Errorf("read after close = %s", st)
	}
}

func TestOpenMissingFile(t *testing.T) {
	h := newHarness(t)
	hp, iosb := h.scratch(4), h.scratch(kernel.IoStatusBlockSize)
	attrs := h.objectAttributes(`D:\media\missing.xpr`)
	h.mem.WriteU32(hp, 0xAAAAAAAA)

	if st := h.status(202, hp, fileReadData|syncAccess, attrs, iosb, 1, 0); st != kernel.StatusObjectNameNotFound {
		t.Errorf("NtOpenFile = %s", st)
	}
	if ist, info := h.ioStatus(iosb); ist != kernel.StatusObjectNameNotFound || info != kernel.FileDoesNotExist {
		t.Errorf("iosb = %s/%d", ist, info)
	}
	if h.mem.ReadU32(hp) != 0xAAAAAAAA {
		t.Error("handle written on failure")
	}
	if st := h.status(202, hp, fileReadData, 0, iosb, 1, 0); st != kernel.StatusObjectNameNotFound {
		t.Errorf("null attributes = %s", st)
	}
}

func TestQueryFullAttributesAndDelete(t *testing.T) {
	h := newHarness(t)
	dir := filepath.Join(h.host.GameDir, "media")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "intro.bik"), make([]byte, 20000), 0o644); err != nil {
		t.Fatal(err)
	}

	info := h.scratch(networkOpenInfoSize)
	if st := h.status(210, h.objectAttributes(`\Device\CdRom0\media\intro.bik`), info); st != kernel.StatusSuccess {
		t.Fatalf("NtQueryFullAttributesFile = %s", st)
	}
	if got := h.mem.ReadU64(info + 40); got != 20000 {
		t.Errorf("end of file = %d", got)
	}
	if got := h.mem.ReadU64(info + 32); got != 2*clusterBytes {
		t.Errorf("allocation size = %d", got)
	}
	if got := h.mem.ReadU32(info + 48); got != fileAttrNormal {
		t.Errorf("attributes = 0x%X", got)
	}
	if h.mem.ReadU64(info) == 0 {
		t.Error("creation time not set")
	}
	if n := h.svc.Files.(interface{ Len() int }).Len(); n != 0 {
		t.Errorf("%d handles leaked", n)
	}

	attrs := h.objectAttributes(`D:\media\intro.bik`)
	if st := h.status(195, attrs); st != kernel.StatusSuccess {
		t.Fatalf("NtDeleteFile = %s", st)
	}
	if st := h.status(210, attrs, info); st != kernel.StatusObjectNameNotFound {
		t.Errorf("query after delete = %s", st)
	}
}

func TestVolumeAndSymbolicLink(t *testing.T) {
	h := newHarness(t)
	iosb := h.scratch(kernel.IoStatusBlockSize)
	out := h.scratch(fsSizeInfoSize)
	if st := h.status(218, 0, iosb, out, fsSizeInfoSize, fileFsSizeInformation); st != kernel.StatusSuccess {
		t.Fatalf("NtQueryVolumeInformationFile = %s", st)
	}
	if got := h.mem.ReadU32(out + 20); got != sectorBytes {
		t.Errorf("bytes per sector = %d", got)
	}
	if st := h.status(218, 0, iosb, out, fsSizeInfoSize, 1); st != kernel.StatusInvalidInfoClass {
		t.Errorf("unsupported class = %s", st)
	}

	hp := h.scratch(4)
	if st := h.status(203, hp, h.objectAttributes(`\??\D:`)); st != kernel.StatusSuccess {
		t.Fatalf("NtOpenSymbolicLinkObject = %s", st)
	}
	target, retLen := h.scratch(kernel.AnsiStringSize), h.scratch(4)
	buf := h.scratch(64)
	h.mem.WriteU16(target+2, 64)
	h.mem.WriteU32(target+4, buf)
	if st := h.status(215, h.mem.ReadU32(hp), target, retLen); st != kernel.StatusSuccess {
		t.Fatalf("NtQuerySymbolicLinkObject = %s", st)
	}
	got, err := kernel.ReadAnsiString(h.mem, target)
	if err != nil || got != cdromTarget {
		t.Errorf("link target = %q, %v", got, err)
	}
	if h.mem.ReadU32(retLen) != uint32(len(cdromTarget)) {
		t.Errorf("returned length = %d", h.mem.ReadU32(retLen))
	}
}
