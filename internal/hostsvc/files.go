package hostsvc

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/zboralski/xrecomp/internal/kernel"
	"github.com/zboralski/xrecomp/internal/log"
)

// mount maps a guest path prefix to a host directory.
type mount struct {
	prefix string
	save   bool   // rooted in the save directory rather than the game directory
	sub    string // subdirectory under the root
}

// Prefixes are matched case-insensitively, in order.
var mounts = []mount{
	{prefix: `\Device\CdRom0\`},
	{prefix: `\Device\Harddisk0\Partition1\`},
	{prefix: `D:\`},
	{prefix: `T:\`, save: true, sub: "TitleData"},
	{prefix: `U:\`, save: true, sub: "UserData"},
	{prefix: `Z:\`, save: true, sub: "Cache"},
	{prefix: `\??\D:\`},
	{prefix: `\??\T:\`, save: true, sub: "TitleData"},
}

type openFile struct {
	f    *os.File
	path string
	pos  int64
	dir  bool
}

// Files implements kernel.FileSystem over two host directories: the game
// directory (read-mostly media) and the save directory.
type Files struct {
	gameDir string
	saveDir string
	log     *log.Logger
	handles map[uint32]*openFile
	next    uint32
}

// NewFiles creates a file system rooted at gameDir and saveDir.
func NewFiles(gameDir, saveDir string, l *log.Logger) *Files {
	return &Files{
		gameDir: gameDir,
		saveDir: saveDir,
		log:     l.WithCategory("file"),
		handles: make(map[uint32]*openFile),
		next:    fileHandleBase,
	}
}

// Translate maps a guest path to a host path. Unrecognized paths are used
// as they are, with separators converted; ok reports whether a mount
// matched.
func (fsys *Files) Translate(guest string) (host string, ok bool) {
	for _, m := range mounts {
		if len(guest) < len(m.prefix) || !strings.EqualFold(guest[:len(m.prefix)], m.prefix) {
			continue
		}
		rest := strings.ReplaceAll(guest[len(m.prefix):], `\`, "/")
		// Clean against a virtual root so ".." cannot leave the mount.
		rest = strings.TrimPrefix(path.Clean("/"+rest), "/")
		root := fsys.gameDir
		if m.save {
			root = filepath.Join(fsys.saveDir, m.sub)
		}
		return filepath.Join(root, filepath.FromSlash(rest)), true
	}
	fsys.log.Warn("unrecognized guest path", zap.String("path", guest))
	return filepath.FromSlash(strings.ReplaceAll(guest, `\`, "/")), false
}

func statusFor(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return kernel.StatusObjectNameNotFound
	case errors.Is(err, fs.ErrExist):
		return kernel.StatusObjectNameCollision
	case errors.Is(err, fs.ErrPermission):
		return kernel.StatusAccessDenied
	}
	return kernel.StatusUnsuccessful
}

// Open implements the NT create dispositions.
func (fsys *Files) Open(guest string, disposition uint32, write, directory bool) (uint32, uint32, error) {
	host, _ := fsys.Translate(guest)
	st, statErr := os.Stat(host)
	exists := statErr == nil
	if exists && st.IsDir() {
		directory = true
	}

	if !exists && !errors.Is(statErr, fs.ErrNotExist) {
		return 0, kernel.FileDoesNotExist, statusFor(statErr)
	}
	if !exists {
		if _, err := os.Stat(filepath.Dir(host)); err != nil && disposition != kernel.FileOpen && disposition != kernel.FileOverwrite {
			if mkErr := os.MkdirAll(filepath.Dir(host), 0o755); mkErr != nil {
				return 0, kernel.FileDoesNotExist, kernel.StatusObjectPathNotFound
			}
		}
	}

	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	var info uint32
	switch disposition {
	case kernel.FileOpen:
		if !exists {
			return 0, kernel.FileDoesNotExist, kernel.StatusObjectNameNotFound
		}
		info = kernel.FileOpened
	case kernel.FileCreate:
		if exists {
			return 0, kernel.FileExists, kernel.StatusObjectNameCollision
		}
		flag, info = os.O_RDWR|os.O_CREATE|os.O_EXCL, kernel.FileCreated
	case kernel.FileOpenIf:
		if exists {
			info = kernel.FileOpened
		} else {
			flag, info = os.O_RDWR|os.O_CREATE, kernel.FileCreated
		}
	case kernel.FileOverwrite:
		if !exists {
			return 0, kernel.FileDoesNotExist, kernel.StatusObjectNameNotFound
		}
		flag, info = os.O_RDWR|os.O_TRUNC, kernel.FileOverwritten
	case kernel.FileOverwriteIf, kernel.FileSupersede:
		flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
		switch {
		case !exists:
			info = kernel.FileCreated
		case disposition == kernel.FileSupersede:
			info = kernel.FileSuperseded
		default:
			info = kernel.FileOverwritten
		}
	default:
		return 0, 0, kernel.StatusInvalidParameter
	}

	var of *openFile
	if directory {
		if !exists {
			if info != kernel.FileCreated {
				return 0, kernel.FileDoesNotExist, kernel.StatusObjectNameNotFound
			}
			if err := os.MkdirAll(host, 0o755); err != nil {
				return 0, kernel.FileDoesNotExist, statusFor(err)
			}
		}
		f, err := os.Open(host)
		if err != nil {
			return 0, kernel.FileDoesNotExist, statusFor(err)
		}
		of = &openFile{f: f, path: host, dir: true}
	} else {
		f, err := os.OpenFile(host, flag, 0o644)
		if err != nil {
			return 0, kernel.FileDoesNotExist, statusFor(err)
		}
		of = &openFile{f: f, path: host}
	}

	fsys.next += 4
	h := fsys.next
	fsys.handles[h] = of
	fsys.log.Debug("open",
		zap.String("guest", guest),
		zap.String("host", host),
		zap.String("handle", log.Hex(h)),
		zap.Uint32("info", info),
	)
	return h, info, nil
}

func (fsys *Files) file(h uint32) (*openFile, error) {
	of, ok := fsys.handles[h]
	if !ok {
		return nil, kernel.StatusInvalidHandle
	}
	return of, nil
}

func (fsys *Files) Read(h uint32, buf []byte, offset int64) (int, error) {
	of, err := fsys.file(h)
	if err != nil {
		return 0, err
	}
	if of.dir {
		return 0, kernel.StatusInvalidParameter
	}
	if offset >= 0 {
		of.pos = offset
	}
	n, err := of.f.ReadAt(buf, of.pos)
	of.pos += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, statusFor(err)
	}
	return n, nil
}

func (fsys *Files) Write(h uint32, buf []byte, offset int64) (int, error) {
	of, err := fsys.file(h)
	if err != nil {
		return 0, err
	}
	if of.dir {
		return 0, kernel.StatusInvalidParameter
	}
	if offset >= 0 {
		of.pos = offset
	}
	n, err := of.f.WriteAt(buf, of.pos)
	of.pos += int64(n)
	if err != nil {
		return n, statusFor(err)
	}
	return n, nil
}

func (fsys *Files) Stat(h uint32) (kernel.FileInfo, error) {
	of, err := fsys.file(h)
	if err != nil {
		return kernel.FileInfo{}, err
	}
	st, err := of.f.Stat()
	if err != nil {
		return kernel.FileInfo{}, statusFor(err)
	}
	fi := kernel.FileInfo{Position: of.pos, Directory: st.IsDir(), ModTime: st.ModTime()}
	if !fi.Directory {
		fi.Size = st.Size()
	}
	return fi, nil
}

func (fsys *Files) Seek(h uint32, pos int64) error {
	of, err := fsys.file(h)
	if err != nil {
		return err
	}
	if pos < 0 {
		return kernel.StatusInvalidParameter
	}
	of.pos = pos
	return nil
}

func (fsys *Files) Close(h uint32) error {
	of, err := fsys.file(h)
	if err != nil {
		return err
	}
	delete(fsys.handles, h)
	if err := of.f.Close(); err != nil {
		return statusFor(err)
	}
	return nil
}

func (fsys *Files) Delete(guest string) error {
	host, _ := fsys.Translate(guest)
	return statusFor(os.Remove(host))
}

func (fsys *Files) Exists(guest string) bool {
	host, _ := fsys.Translate(guest)
	_, err := os.Stat(host)
	return err == nil
}

// Len returns the number of open handles.
func (fsys *Files) Len() int { return len(fsys.handles) }

// CloseAll releases every open handle.
func (fsys *Files) CloseAll() {
	for h, of := range fsys.handles {
		of.f.Close()
		delete(fsys.handles, h)
	}
}
