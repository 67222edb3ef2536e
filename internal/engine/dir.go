package engine

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/marmos91/liveraid/internal/state"
)

// Mkdir creates the directory on one drive (placement policy) and
// records its observed metadata in the dir table.
func (e *Engine) Mkdir(vpath string, mode uint32) error {
	err := e.mkdir(vpath, mode)
	e.em.Operation("mkdir", err)
	return err
}

func (e *Engine) mkdir(vpath string, mode uint32) error {
	e.st.Lock()
	defer e.st.Unlock()

	driveIdx, ok := e.st.PickDrive()
	if !ok {
		return ErrNoSpace
	}
	real := e.st.RealPath(driveIdx, vpath)
	e.mkdirsInherit(driveIdx, real)

	// The lock stays held through the mkdir so a concurrent mkdir of
	// the same path cannot insert a duplicate dir entry.
	if err := os.Mkdir(real, os.FileMode(mode&0o7777)); err != nil {
		return fmt.Errorf("mkdir %q: %w", vpath, err)
	}

	d := &state.Dir{VPath: vpath, Mode: syscall.S_IFDIR | (mode & 0o7777)}
	var st syscall.Stat_t
	if err := syscall.Lstat(real, &st); err == nil {
		d.Mode = st.Mode
		d.UID = st.Uid
		d.GID = st.Gid
		d.MTimeSec = st.Mtim.Sec
		d.MTimeNsec = st.Mtim.Nsec
	}
	e.st.InsertDir(d)
	return nil
}

// Rmdir removes the backing directory from every drive. Any failure
// other than ENOENT aborts the operation and preserves the dir-table
// entry, so a non-empty directory on one drive fails the whole rmdir.
func (e *Engine) Rmdir(vpath string) error {
	err := e.rmdir(vpath)
	e.em.Operation("rmdir", err)
	return err
}

func (e *Engine) rmdir(vpath string) error {
	e.st.RLock()
	driveCount := len(e.st.Drives)
	reals := make([]string, driveCount)
	for i := range reals {
		reals[i] = e.st.RealPath(i, vpath)
	}
	e.st.RUnlock()

	for _, real := range reals {
		if err := os.Remove(real); err != nil {
			errno := errnoOf(err)
			if errno == syscall.ENOENT {
				continue
			}
			if errno == syscall.ENOTEMPTY || errno == syscall.EEXIST {
				return ErrNotEmpty
			}
			return fmt.Errorf("rmdir %q: %w", vpath, err)
		}
	}

	e.st.Lock()
	e.st.RemoveDir(vpath)
	e.st.Unlock()
	return nil
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name string
	Mode uint32 // st_mode type bits, 0 when unknown
}

// ReadDir lists the direct children of vpath: files and symlinks from
// the tables plus real subdirectories found on any drive, with
// duplicates suppressed.
func (e *Engine) ReadDir(vpath string) ([]DirEntry, error) {
	entries, err := e.readDir(vpath)
	e.em.Operation("readdir", err)
	return entries, err
}

func (e *Engine) readDir(vpath string) ([]DirEntry, error) {
	e.st.RLock()
	if !e.isAnyDir(vpath) {
		e.st.RUnlock()
		return nil, ErrNotFound
	}

	seen := make(map[string]bool)
	var entries []DirEntry
	add := func(name string, mode uint32) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		entries = append(entries, DirEntry{Name: name, Mode: mode})
	}

	for _, f := range e.st.Files() {
		if name, direct := childName(f.VPath, vpath); name != "" {
			if direct {
				add(name, syscall.S_IFREG)
			} else {
				add(name, syscall.S_IFDIR)
			}
		}
	}
	for _, l := range e.st.Symlinks() {
		if name, direct := childName(l.VPath, vpath); direct {
			add(name, syscall.S_IFLNK)
		} else if name != "" {
			add(name, syscall.S_IFDIR)
		}
	}

	driveCount := len(e.st.Drives)
	reals := make([]string, driveCount)
	for i := range reals {
		reals[i] = e.st.RealPath(i, vpath)
	}
	e.st.RUnlock()

	// Real directory scan catches empty directories created by mkdir
	// that no table entry covers. Files are owned by the file table,
	// so only directories are taken from this pass.
	for _, real := range reals {
		des, err := os.ReadDir(real)
		if err != nil {
			continue
		}
		for _, de := range des {
			if de.IsDir() {
				add(de.Name(), syscall.S_IFDIR)
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// childName extracts the direct-child component of candidate beneath
// dir. direct is true when candidate IS the child (no deeper path).
// An empty name means candidate is not beneath dir.
func childName(candidate, dir string) (name string, direct bool) {
	if !hasPathPrefix(candidate, dir) || candidate == dir {
		return "", false
	}
	rest := candidate[len(dir):]
	if dir == "/" {
		rest = candidate[1:]
	} else {
		rest = rest[1:] // skip '/'
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], false
	}
	return rest, true
}

// Rename moves a file, directory subtree, or symlink. RENAME_EXCHANGE
// is unsupported; RENAME_NOREPLACE fails on an existing destination.
func (e *Engine) Rename(from, to string, flags uint32) error {
	err := e.rename(from, to, flags)
	e.em.Operation("rename", err)
	return err
}

const (
	renameNoReplace = 1 << 0
	renameExchange  = 1 << 1
)

func (e *Engine) rename(from, to string, flags uint32) error {
	if flags&renameExchange != 0 {
		return ErrInvalid
	}

	e.st.Lock()
	defer e.st.Unlock()

	if f := e.st.FindFile(from); f != nil {
		return e.renameFileLocked(f, from, to, flags)
	}
	if e.isAnyDir(from) {
		return e.renameDirLocked(from, to, flags)
	}
	if l := e.st.FindSymlink(from); l != nil {
		if flags&renameNoReplace != 0 &&
			(e.st.FindFile(to) != nil || e.st.FindSymlink(to) != nil) {
			return ErrExists
		}
		e.st.RemoveSymlink(to)
		e.st.RekeySymlink(l, to)
		return nil
	}
	return ErrNotFound
}

func (e *Engine) renameFileLocked(f *state.File, from, to string, flags uint32) error {
	if from == to {
		return nil
	}
	if flags&renameNoReplace != 0 && e.st.FindFile(to) != nil {
		return ErrExists
	}

	existing := e.st.FindFile(to)
	oldReal := f.RealPath
	newReal := e.st.RealPath(f.DriveIndex, to)

	e.mkdirsInherit(f.DriveIndex, newReal)

	if err := os.Rename(oldReal, newReal); err != nil {
		return fmt.Errorf("rename %q -> %q: %w", from, to, err)
	}

	// Discard the overwritten destination's state.
	if existing != nil {
		e.st.RemoveFile(to)
		if existing.BlockCount > 0 {
			e.jn.MarkDirtyRange(existing.ParityPosStart, existing.BlockCount)
			e.st.Drives[existing.DriveIndex].Alloc.Free(existing.ParityPosStart, existing.BlockCount)
			e.st.RebuildPosIndex(existing.DriveIndex)
		}
	}

	e.st.RekeyFile(f, to)
	return nil
}

func (e *Engine) renameDirLocked(from, to string, flags uint32) error {
	if flags&renameNoReplace != 0 && e.isAnyDir(to) {
		return ErrExists
	}

	// Rename the real backing directory on every drive that has it.
	for i := range e.st.Drives {
		realFrom := e.st.RealPath(i, from)
		realTo := e.st.RealPath(i, to)
		if st, err := os.Lstat(realFrom); err == nil && st.IsDir() {
			if err := os.Rename(realFrom, realTo); err != nil {
				return fmt.Errorf("rename dir %q -> %q: %w", from, to, err)
			}
		}
	}

	// Rewrite every vpath under the moved prefix.
	for _, f := range e.st.Files() {
		if hasPathPrefix(f.VPath, from) {
			e.st.RekeyFile(f, to+f.VPath[len(from):])
		}
	}
	for _, d := range e.st.Dirs() {
		if hasPathPrefix(d.VPath, from) {
			e.st.RekeyDir(d, to+d.VPath[len(from):])
		}
	}
	for _, l := range e.st.Symlinks() {
		if hasPathPrefix(l.VPath, from) {
			e.st.RekeySymlink(l, to+l.VPath[len(from):])
		}
	}
	return nil
}
