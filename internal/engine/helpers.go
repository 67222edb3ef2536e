package engine

import (
	"os"
	"strings"
	"syscall"

	"github.com/marmos91/liveraid/internal/state"
)

// hasPathPrefix reports whether vpath equals prefix or lives beneath
// it. prefix "/" matches everything.
func hasPathPrefix(vpath, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(vpath, prefix) {
		return false
	}
	rest := vpath[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// isVirtualDir reports whether vpath is an ancestor of any tracked file
// or symlink. Caller holds the state lock.
func (e *Engine) isVirtualDir(vpath string) bool {
	if vpath == "/" {
		return true
	}
	for _, f := range e.st.Files() {
		if hasPathPrefix(f.VPath, vpath) && f.VPath != vpath {
			return true
		}
	}
	for _, l := range e.st.Symlinks() {
		if hasPathPrefix(l.VPath, vpath) && l.VPath != vpath {
			return true
		}
	}
	return false
}

// isAnyDir reports whether vpath is a directory: tracked, virtual, or
// backed by a real directory on any drive. Caller holds the state lock.
func (e *Engine) isAnyDir(vpath string) bool {
	if e.st.FindDir(vpath) != nil {
		return true
	}
	if e.isVirtualDir(vpath) {
		return true
	}
	for i := range e.st.Drives {
		if st, err := os.Lstat(e.st.RealPath(i, vpath)); err == nil && st.IsDir() {
			return true
		}
	}
	return false
}

// dirGetOrCreate returns the dir-table entry for vpath, creating one
// seeded from the first real backing directory. Caller holds the state
// lock in write mode.
func (e *Engine) dirGetOrCreate(vpath string) *state.Dir {
	if d := e.st.FindDir(vpath); d != nil {
		return d
	}
	d := &state.Dir{VPath: vpath, Mode: syscall.S_IFDIR | 0o755}
	for i := range e.st.Drives {
		var st syscall.Stat_t
		if err := syscall.Lstat(e.st.RealPath(i, vpath), &st); err == nil && st.Mode&syscall.S_IFMT == syscall.S_IFDIR {
			d.Mode = st.Mode
			d.UID = st.Uid
			d.GID = st.Gid
			d.MTimeSec = st.Mtim.Sec
			d.MTimeNsec = st.Mtim.Nsec
			break
		}
	}
	e.st.InsertDir(d)
	return d
}

// mkdirsInherit creates the missing parent directories of realFilePath
// on driveIdx, copying each component's mode from the same directory on
// a sibling drive when one exists, falling back to 0755. Caller holds
// the state lock.
func (e *Engine) mkdirsInherit(driveIdx int, realFilePath string) {
	driveDir := e.st.Drives[driveIdx].Dir

	slash := strings.LastIndexByte(realFilePath, '/')
	if slash <= 0 {
		return
	}
	parent := realFilePath[:slash]
	if len(parent) < len(driveDir) {
		return
	}

	// Walk components below the drive root, creating each missing one.
	for i := len(driveDir); i <= len(parent); i++ {
		if i < len(parent) && parent[i] != '/' {
			continue
		}
		component := parent[:i]
		if i == len(parent) {
			component = parent
		}
		if _, err := os.Lstat(component); err == nil {
			continue
		}
		vpath := "/" + component[len(driveDir):]
		mode := os.FileMode(0o755)
		for di := range e.st.Drives {
			if di == driveIdx {
				continue
			}
			if st, err := os.Lstat(e.st.RealPath(di, vpath)); err == nil && st.IsDir() {
				mode = st.Mode().Perm()
				break
			}
		}
		os.Mkdir(component, mode)
	}
}

// errnoOf unwraps err down to a syscall.Errno, or 0.
func errnoOf(err error) syscall.Errno {
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return errno
		}
		switch v := err.(type) {
		case *os.PathError:
			err = v.Err
		case *os.LinkError:
			err = v.Err
		case *os.SyscallError:
			err = v.Err
		default:
			return 0
		}
	}
	return 0
}
