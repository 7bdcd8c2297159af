package routines

import "github.com/zboralski/xrecomp/internal/kernel"

// Access and option bits the file routines look at.
const (
	fileWriteData   = 0x00000002
	fileAppendData  = 0x00000004
	genericWrite    = 0x40000000
	genericAll      = 0x10000000
	fileDirectory   = 0x00000001 // FILE_DIRECTORY_FILE
	fileAttrDir     = 0x00000010
	fileAttrNormal  = 0x00000080
	useFilePosition = 0xFFFFFFFE // low half of FILE_USE_FILE_POINTER_POSITION
)

// Information classes.
const (
	fileStandardInformation    = 5
	filePositionInformation    = 14
	fileEndOfFileInformation   = 20
	fileNetworkOpenInformation = 34
	fileFsSizeInformation      = 3
)

const (
	standardInfoSize    = 24
	positionInfoSize    = 8
	networkOpenInfoSize = 56
	fsSizeInfoSize      = 24

	clusterBytes  = 16 * 1024
	sectorBytes   = 512
	volumeCluster = 1 << 20 // reported total clusters: 16 GB
)

func init() {
	kernel.RegisterFunc("file", 187, ntClose)
	kernel.RegisterFunc("file", 190, ntCreateFile)
	kernel.RegisterFunc("file", 195, ntDeleteFile)
	kernel.RegisterFunc("file", 198, ntFlushBuffersFile)
	kernel.RegisterFunc("file", 202, ntOpenFile)
	kernel.RegisterFunc("file", 203, ntOpenSymbolicLinkObject)
	kernel.RegisterFunc("file", 210, ntQueryFullAttributesFile)
	kernel.RegisterFunc("file", 211, ntQueryInformationFile)
	kernel.RegisterFunc("file", 215, ntQuerySymbolicLinkObject)
	kernel.RegisterFunc("file", 218, ntQueryVolumeInformationFile)
	kernel.RegisterFunc("file", 219, ntReadFile)
	kernel.RegisterFunc("file", 226, ntSetInformationFile)
	kernel.RegisterFunc("file", 236, ntWriteFile)
}

func files(k *kernel.Call) (kernel.FileSystem, bool) {
	fs := k.Services().Files
	if fs == nil {
		unavailable(k, "files")
		return nil, false
	}
	return fs, true
}

// open is shared by NtCreateFile and NtOpenFile.
func open(k *kernel.Call, hp, access, attrs, iosb, disposition, options uint32) {
	fs, ok := files(k)
	if !ok {
		return
	}
	if hp == 0 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	m := k.Mem()
	path, err := kernel.ObjectPath(m, attrs)
	if err != nil {
		k.Log("bad object attributes: %v", err)
		kernel.WriteIoStatus(m, iosb, kernel.StatusObjectNameNotFound, 0)
		k.ReturnStatus(kernel.StatusObjectNameNotFound)
		return
	}
	write := access&(fileWriteData|fileAppendData|genericWrite|genericAll) != 0
	h, info, err := fs.Open(path, disposition, write, options&fileDirectory != 0)
	st := kernel.StatusOf(err)
	k.Log("%q disp=%d write=%t -> handle=0x%X %s", path, disposition, write, h, st)
	if err != nil {
		kernel.WriteIoStatus(m, iosb, st, info)
		k.ReturnStatus(st)
		return
	}
	m.WriteU32(hp, h)
	kernel.WriteIoStatus(m, iosb, kernel.StatusSuccess, info)
	k.ReturnStatus(kernel.StatusSuccess)
}

// NtCreateFile(*FileHandle, DesiredAccess, *ObjectAttributes,
// *IoStatusBlock, *AllocationSize, FileAttributes, ShareAccess,
// CreateDisposition, CreateOptions)
func ntCreateFile(k *kernel.Call) {
	open(k, k.Arg(0), k.Arg(1), k.Arg(2), k.Arg(3), k.Arg(7), k.Arg(8))
}

// NtOpenFile(*FileHandle, DesiredAccess, *ObjectAttributes, *IoStatusBlock,
// ShareAccess, OpenOptions)
func ntOpenFile(k *kernel.Call) {
	open(k, k.Arg(0), k.Arg(1), k.Arg(2), k.Arg(3), kernel.FileOpen, k.Arg(5))
}

// NtClose(Handle) accepts any handle; fabricated handles have nothing
// behind them to release.
func ntClose(k *kernel.Call) {
	h := k.Arg(0)
	svc := k.Services()
	closed := false
	if svc.Files != nil && svc.Files.Close(h) == nil {
		closed = true
	}
	if !closed && svc.Sync != nil {
		closed = svc.Sync.Close(h)
	}
	k.Log("handle=0x%X closed=%t", h, closed)
	k.ReturnStatus(kernel.StatusSuccess)
}

// NtDeleteFile(*ObjectAttributes)
func ntDeleteFile(k *kernel.Call) {
	fs, ok := files(k)
	if !ok {
		return
	}
	path, err := kernel.ObjectPath(k.Mem(), k.Arg(0))
	if err != nil {
		k.ReturnStatus(kernel.StatusObjectNameNotFound)
		return
	}
	k.ReturnStatus(kernel.StatusOf(fs.Delete(path)))
}

// NtFlushBuffersFile(Handle, *IoStatusBlock)
func ntFlushBuffersFile(k *kernel.Call) {
	kernel.WriteIoStatus(k.Mem(), k.Arg(1), kernel.StatusSuccess, 0)
	k.ReturnStatus(kernel.StatusSuccess)
}

// fileOffset decodes the optional *ByteOffset argument; -1 selects the
// current position.
func fileOffset(k *kernel.Call, p uint32) int64 {
	if p == 0 {
		return -1
	}
	m := k.Mem()
	lo, hi := m.ReadU32(p), m.ReadU32(p+4)
	if hi == 0xFFFFFFFF && lo == useFilePosition {
		return -1
	}
	return int64(uint64(hi)<<32 | uint64(lo))
}

// transfer is shared by NtReadFile and NtWriteFile:
// (Handle, Event, ApcRoutine, ApcContext, *IoStatusBlock, Buffer, Length,
// *ByteOffset)
func transfer(k *kernel.Call, write bool) {
	fs, ok := files(k)
	if !ok {
		return
	}
	h, iosb, buf, n := k.Arg(0), k.Arg(4), k.Arg(5), k.Arg(6)
	off := fileOffset(k, k.Arg(7))
	m := k.Mem()

	var b []byte
	var err error
	if write {
		b, err = m.View(buf, n)
	} else {
		b, err = m.MutView(buf, n)
	}
	if err != nil {
		kernel.WriteIoStatus(m, iosb, kernel.StatusInvalidParameter, 0)
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}

	var done int
	if write {
		done, err = fs.Write(h, b, off)
	} else {
		done, err = fs.Read(h, b, off)
	}
	st := kernel.StatusOf(err)
	if err == nil && !write && done == 0 && n > 0 {
		st = kernel.StatusEndOfFile
	}
	k.Log("handle=0x%X len=%d off=%d -> %d %s", h, n, off, done, st)
	kernel.WriteIoStatus(m, iosb, st, uint32(done))
	k.ReturnStatus(st)
}

func ntReadFile(k *kernel.Call)  { transfer(k, false) }
func ntWriteFile(k *kernel.Call) { transfer(k, true) }

// NtQueryInformationFile(Handle, *IoStatusBlock, FileInformation, Length,
// FileInformationClass)
func ntQueryInformationFile(k *kernel.Call) {
	fs, ok := files(k)
	if !ok {
		return
	}
	h, iosb, out, n, class := k.Arg(0), k.Arg(1), k.Arg(2), k.Arg(3), k.Arg(4)
	m := k.Mem()
	fi, err := fs.Stat(h)
	if err != nil {
		st := kernel.StatusOf(err)
		kernel.WriteIoStatus(m, iosb, st, 0)
		k.ReturnStatus(st)
		return
	}

	var size uint32
	switch class {
	case fileStandardInformation:
		size = standardInfoSize
	case filePositionInformation:
		size = positionInfoSize
	case fileNetworkOpenInformation:
		size = networkOpenInfoSize
	default:
		k.Log("class %d not supported", class)
		kernel.WriteIoStatus(m, iosb, kernel.StatusInvalidInfoClass, 0)
		k.ReturnStatus(kernel.StatusInvalidInfoClass)
		return
	}
	if n < size {
		kernel.WriteIoStatus(m, iosb, kernel.StatusInfoLengthMismatch, 0)
		k.ReturnStatus(kernel.StatusInfoLengthMismatch)
		return
	}
	if err := m.Zero(out, size); err != nil {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	switch class {
	case fileStandardInformation:
		m.WriteU64(out+0, uint64(roundUp(fi.Size, clusterBytes)))
		m.WriteU64(out+8, uint64(fi.Size))
		m.WriteU32(out+16, 1)
		m.WriteU8(out+21, uint8(boolU32(fi.Directory)))
	case filePositionInformation:
		m.WriteU64(out, uint64(fi.Position))
	case fileNetworkOpenInformation:
		writeNetworkOpenInfo(k, out, fi)
	}
	kernel.WriteIoStatus(m, iosb, kernel.StatusSuccess, size)
	k.ReturnStatus(kernel.StatusSuccess)
}

// NtSetInformationFile(Handle, *IoStatusBlock, FileInformation, Length,
// FileInformationClass)
func ntSetInformationFile(k *kernel.Call) {
	fs, ok := files(k)
	if !ok {
		return
	}
	h, iosb, in, n, class := k.Arg(0), k.Arg(1), k.Arg(2), k.Arg(3), k.Arg(4)
	m := k.Mem()
	switch class {
	case filePositionInformation, fileEndOfFileInformation:
		if n < positionInfoSize {
			kernel.WriteIoStatus(m, iosb, kernel.StatusInfoLengthMismatch, 0)
			k.ReturnStatus(kernel.StatusInfoLengthMismatch)
			return
		}
	default:
		k.Log("class %d not supported", class)
		kernel.WriteIoStatus(m, iosb, kernel.StatusInvalidInfoClass, 0)
		k.ReturnStatus(kernel.StatusInvalidInfoClass)
		return
	}
	if class == fileEndOfFileInformation {
		// Files are never truncated or extended through this path.
		k.Log("end-of-file change ignored")
		kernel.WriteIoStatus(m, iosb, kernel.StatusSuccess, 0)
		k.ReturnStatus(kernel.StatusSuccess)
		return
	}
	st := kernel.StatusOf(fs.Seek(h, int64(m.ReadU64(in))))
	kernel.WriteIoStatus(m, iosb, st, 0)
	k.ReturnStatus(st)
}

// NtQueryFullAttributesFile(*ObjectAttributes, *FileInformation)
func ntQueryFullAttributesFile(k *kernel.Call) {
	fs, ok := files(k)
	if !ok {
		return
	}
	m := k.Mem()
	path, err := kernel.ObjectPath(m, k.Arg(0))
	if err != nil {
		k.ReturnStatus(kernel.StatusObjectNameNotFound)
		return
	}
	h, _, err := fs.Open(path, kernel.FileOpen, false, false)
	if err != nil {
		k.ReturnStatus(kernel.StatusOf(err))
		return
	}
	defer fs.Close(h)
	fi, err := fs.Stat(h)
	if err != nil {
		k.ReturnStatus(kernel.StatusOf(err))
		return
	}
	out := k.Arg(1)
	if err := m.Zero(out, networkOpenInfoSize); err != nil {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	writeNetworkOpenInfo(k, out, fi)
	k.ReturnStatus(kernel.StatusSuccess)
}

// writeNetworkOpenInfo fills FILE_NETWORK_OPEN_INFORMATION: four times,
// allocation size, end of file, attributes.
func writeNetworkOpenInfo(k *kernel.Call, out uint32, fi kernel.FileInfo) {
	m := k.Mem()
	t := uint64(0)
	if !fi.ModTime.IsZero() {
		t = fileTime(fi.ModTime)
	}
	for i := uint32(0); i < 4; i++ {
		m.WriteU64(out+8*i, t)
	}
	m.WriteU64(out+32, uint64(roundUp(fi.Size, clusterBytes)))
	m.WriteU64(out+40, uint64(fi.Size))
	attr := uint32(fileAttrNormal)
	if fi.Directory {
		attr = fileAttrDir
	}
	m.WriteU32(out+48, attr)
}

// NtQueryVolumeInformationFile(Handle, *IoStatusBlock, FsInformation,
// Length, FsInformationClass)
func ntQueryVolumeInformationFile(k *kernel.Call) {
	iosb, out, n, class := k.Arg(1), k.Arg(2), k.Arg(3), k.Arg(4)
	m := k.Mem()
	if class != fileFsSizeInformation {
		k.Log("class %d not supported", class)
		kernel.WriteIoStatus(m, iosb, kernel.StatusInvalidInfoClass, 0)
		k.ReturnStatus(kernel.StatusInvalidInfoClass)
		return
	}
	if n < fsSizeInfoSize {
		kernel.WriteIoStatus(m, iosb, kernel.StatusInfoLengthMismatch, 0)
		k.ReturnStatus(kernel.StatusInfoLengthMismatch)
		return
	}
	m.WriteU64(out+0, volumeCluster)
	m.WriteU64(out+8, volumeCluster/2)
	m.WriteU32(out+16, clusterBytes/sectorBytes)
	m.WriteU32(out+20, sectorBytes)
	kernel.WriteIoStatus(m, iosb, kernel.StatusSuccess, fsSizeInfoSize)
	k.ReturnStatus(kernel.StatusSuccess)
}

// cdromTarget is what every symbolic link the program opens points at.
const cdromTarget = `\Device\CdRom0`

// NtOpenSymbolicLinkObject(*LinkHandle, *ObjectAttributes)
func ntOpenSymbolicLinkObject(k *kernel.Call) {
	hp := k.Arg(0)
	if hp == 0 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	name, _ := kernel.ObjectPath(k.Mem(), k.Arg(1))
	h := k.Bridge.NewHandle()
	k.Mem().WriteU32(hp, h)
	k.Log("%q -> handle=0x%X", name, h)
	k.ReturnStatus(kernel.StatusSuccess)
}

// NtQuerySymbolicLinkObject(LinkHandle, *LinkTarget, *ReturnedLength)
// copies the target into the caller's ANSI_STRING buffer.
func ntQuerySymbolicLinkObject(k *kernel.Call) {
	target, retLen := k.Arg(1), k.Arg(2)
	m := k.Mem()
	if target == 0 {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	max := uint32(m.ReadU16(target + 2))
	buf := m.ReadU32(target + 4)
	n := uint32(len(cdromTarget))
	if retLen != 0 {
		m.WriteU32(retLen, n)
	}
	if buf == 0 || max < n {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	if err := m.Write(buf, []byte(cdromTarget)); err != nil {
		k.ReturnStatus(kernel.StatusInvalidParameter)
		return
	}
	m.WriteU16(target, uint16(n))
	k.ReturnStatus(kernel.StatusSuccess)
}

func roundUp(v, to int64) int64 { return (v + to - 1) / to * to }

