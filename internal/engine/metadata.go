package engine

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/marmos91/liveraid/internal/state"
)

// Truncate resizes a file, reshaping its parity position range and
// marking the affected positions dirty.
func (e *Engine) Truncate(vpath string, size int64) error {
	err := e.truncate(vpath, size)
	e.em.Operation("truncate", err)
	return err
}

func (e *Engine) truncate(vpath string, size int64) error {
	e.st.Lock()
	defer e.st.Unlock()

	f := e.st.FindFile(vpath)
	if f == nil {
		return ErrNotFound
	}
	if err := os.Truncate(f.RealPath, size); err != nil {
		return fmt.Errorf("truncate %q: %w", vpath, err)
	}

	oldBlocks := f.BlockCount
	newBlocks := state.BlocksForSize(size, e.blockSize())
	f.Size = size

	pa := &e.st.Drives[f.DriveIndex].Alloc
	switch {
	case newBlocks > oldBlocks:
		dirtyStart, dirtyCount, err := e.growPositions(f, newBlocks)
		if err != nil {
			return fmt.Errorf("truncate %q: %w", vpath, err)
		}
		e.jn.MarkDirtyRange(dirtyStart, dirtyCount)

	case newBlocks < oldBlocks:
		e.jn.MarkDirtyRange(f.ParityPosStart+newBlocks, oldBlocks-newBlocks)
		pa.Free(f.ParityPosStart+newBlocks, oldBlocks-newBlocks)
		f.BlockCount = newBlocks
	}

	e.st.RebuildPosIndex(f.DriveIndex)
	return nil
}

// Chmod applies the permission bits to the real entity and the stored
// metadata. Directory chmod hits every drive with a backing dir.
func (e *Engine) Chmod(vpath string, mode uint32) error {
	err := e.chmod(vpath, mode)
	e.em.Operation("chmod", err)
	return err
}

func (e *Engine) chmod(vpath string, mode uint32) error {
	e.st.Lock()
	defer e.st.Unlock()

	if f := e.st.FindFile(vpath); f != nil {
		if err := os.Chmod(f.RealPath, os.FileMode(mode&0o7777)); err != nil {
			return fmt.Errorf("chmod %q: %w", vpath, err)
		}
		f.Mode = f.Mode&^uint32(0o7777) | mode&0o7777
		return nil
	}

	// Symlink modes are meaningless; accept silently.
	if e.st.FindSymlink(vpath) != nil {
		return nil
	}

	if e.isAnyDir(vpath) {
		d := e.dirGetOrCreate(vpath)
		applied := false
		for i := range e.st.Drives {
			real := e.st.RealPath(i, vpath)
			if st, err := os.Lstat(real); err == nil && st.IsDir() {
				if os.Chmod(real, os.FileMode(mode&0o7777)) == nil {
					applied = true
				}
			}
		}
		d.Mode = d.Mode&^uint32(0o7777) | mode&0o7777
		if !applied && !e.isVirtualDir(vpath) {
			return ErrNotFound
		}
		return nil
	}

	return ErrNotFound
}

// Chown applies ownership to the real entity and the stored metadata.
// A uid or gid of ^uint32(0) leaves that field unchanged.
func (e *Engine) Chown(vpath string, uid, gid uint32) error {
	err := e.chown(vpath, uid, gid)
	e.em.Operation("chown", err)
	return err
}

func (e *Engine) chown(vpath string, uid, gid uint32) error {
	e.st.Lock()
	defer e.st.Unlock()

	keep := ^uint32(0)

	if f := e.st.FindFile(vpath); f != nil {
		if err := os.Lchown(f.RealPath, int(int32(uid)), int(int32(gid))); err != nil {
			return fmt.Errorf("chown %q: %w", vpath, err)
		}
		if uid != keep {
			f.UID = uid
		}
		if gid != keep {
			f.GID = gid
		}
		return nil
	}

	if l := e.st.FindSymlink(vpath); l != nil {
		if uid != keep {
			l.UID = uid
		}
		if gid != keep {
			l.GID = gid
		}
		return nil
	}

	if e.isAnyDir(vpath) {
		d := e.dirGetOrCreate(vpath)
		applied := false
		for i := range e.st.Drives {
			real := e.st.RealPath(i, vpath)
			if st, err := os.Lstat(real); err == nil && st.IsDir() {
				if os.Lchown(real, int(int32(uid)), int(int32(gid))) == nil {
					applied = true
				}
			}
		}
		if uid != keep {
			d.UID = uid
		}
		if gid != keep {
			d.GID = gid
		}
		if !applied && !e.isVirtualDir(vpath) {
			return ErrNotFound
		}
		return nil
	}

	return ErrNotFound
}

// Utimens sets modification times on the real entity and the stored
// metadata.
func (e *Engine) Utimens(vpath string, mtimeSec, mtimeNsec int64) error {
	err := e.utimens(vpath, mtimeSec, mtimeNsec)
	e.em.Operation("utimens", err)
	return err
}

func (e *Engine) utimens(vpath string, mtimeSec, mtimeNsec int64) error {
	e.st.Lock()
	defer e.st.Unlock()

	ts := []unix.Timespec{
		{Sec: mtimeSec, Nsec: mtimeNsec},
		{Sec: mtimeSec, Nsec: mtimeNsec},
	}

	if f := e.st.FindFile(vpath); f != nil {
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, f.RealPath, ts, 0); err != nil {
			return &os.PathError{Op: "utimens", Path: vpath, Err: err}
		}
		f.MTimeSec = mtimeSec
		f.MTimeNsec = mtimeNsec
		return nil
	}

	if l := e.st.FindSymlink(vpath); l != nil {
		l.MTimeSec = mtimeSec
		l.MTimeNsec = mtimeNsec
		return nil
	}

	if e.isAnyDir(vpath) {
		d := e.dirGetOrCreate(vpath)
		applied := false
		for i := range e.st.Drives {
			real := e.st.RealPath(i, vpath)
			if st, err := os.Lstat(real); err == nil && st.IsDir() {
				if unix.UtimesNanoAt(unix.AT_FDCWD, real, ts, 0) == nil {
					applied = true
				}
			}
		}
		d.MTimeSec = mtimeSec
		d.MTimeNsec = mtimeNsec
		if !applied && !e.isVirtualDir(vpath) {
			return ErrNotFound
		}
		return nil
	}

	return ErrNotFound
}

// Symlink records a new symlink; the target is stored verbatim.
func (e *Engine) Symlink(target, link string, uid, gid uint32, now int64) error {
	err := e.symlink(target, link, uid, gid, now)
	e.em.Operation("symlink", err)
	return err
}

func (e *Engine) symlink(target, link string, uid, gid uint32, now int64) error {
	e.st.Lock()
	defer e.st.Unlock()

	if e.st.FindFile(link) != nil || e.st.FindDir(link) != nil || e.st.FindSymlink(link) != nil {
		return ErrExists
	}
	e.st.InsertSymlink(&state.Symlink{
		VPath:    link,
		Target:   target,
		UID:      uid,
		GID:      gid,
		MTimeSec: now,
	})
	return nil
}

// Readlink returns the stored target.
func (e *Engine) Readlink(vpath string) (string, error) {
	e.st.RLock()
	defer e.st.RUnlock()

	l := e.st.FindSymlink(vpath)
	if l == nil {
		e.em.Operation("readlink", ErrNotFound)
		return "", ErrNotFound
	}
	e.em.Operation("readlink", nil)
	return l.Target, nil
}

// FSStat is the aggregated statfs result, byte-normalised across
// drives with differing block sizes.
type FSStat struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	AvailBlocks uint64
	NameMax     uint32
}

// StatFS sums capacity over all drives, scaling to the largest
// underlying block size so the arithmetic stays sound.
func (e *Engine) StatFS() FSStat {
	e.st.RLock()
	dirs := make([]string, len(e.st.Drives))
	for i, d := range e.st.Drives {
		dirs[i] = d.Dir
	}
	e.st.RUnlock()

	var totalBytes, freeBytes, availBytes uint64
	bsize := uint64(4096)
	for _, dir := range dirs {
		var sv unix.Statfs_t
		if err := unix.Statfs(dir, &sv); err != nil {
			continue
		}
		frsize := uint64(sv.Frsize)
		if frsize == 0 {
			frsize = uint64(sv.Bsize)
		}
		totalBytes += sv.Blocks * frsize
		freeBytes += sv.Bfree * frsize
		availBytes += uint64(sv.Bavail) * frsize
		if frsize > bsize {
			bsize = frsize
		}
	}

	return FSStat{
		BlockSize:   uint32(bsize),
		TotalBlocks: totalBytes / bsize,
		FreeBlocks:  freeBytes / bsize,
		AvailBlocks: availBytes / bsize,
		NameMax:     255,
	}
}
