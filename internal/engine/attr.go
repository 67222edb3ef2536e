package engine

import (
	"syscall"
)

// Attr is the synthesized or observed stat of a virtual path.
type Attr struct {
	Mode      uint32 // full st_mode bits
	Nlink     uint32
	Size      int64
	UID       uint32
	GID       uint32
	MTimeSec  int64
	MTimeNsec int64
}

func attrFromStat(st *syscall.Stat_t) Attr {
	return Attr{
		Mode:      st.Mode,
		Nlink:     uint32(st.Nlink),
		Size:      st.Size,
		UID:       st.Uid,
		GID:       st.Gid,
		MTimeSec:  st.Mtim.Sec,
		MTimeNsec: st.Mtim.Nsec,
	}
}

// GetAttr resolves vpath against the file, symlink and directory
// tables, preferring the real backing entity's stat and synthesizing
// from stored metadata when the backing store is unreachable.
func (e *Engine) GetAttr(vpath string) (Attr, error) {
	e.st.RLock()
	defer e.st.RUnlock()
	return e.getAttrLocked(vpath)
}

func (e *Engine) getAttrLocked(vpath string) (Attr, error) {
	if vpath == "/" {
		for i := range e.st.Drives {
			var st syscall.Stat_t
			if err := syscall.Lstat(e.st.RealPath(i, "/"), &st); err == nil && st.Mode&syscall.S_IFMT == syscall.S_IFDIR {
				a := attrFromStat(&st)
				a.Nlink = 2
				return a, nil
			}
		}
		return Attr{Mode: syscall.S_IFDIR | 0o755, Nlink: 2}, nil
	}

	if f := e.st.FindFile(vpath); f != nil {
		var st syscall.Stat_t
		if err := syscall.Lstat(f.RealPath, &st); err == nil {
			return attrFromStat(&st), nil
		}
		// Backing file unreachable (dead drive): stored metadata.
		mode := f.Mode
		if mode == 0 {
			mode = syscall.S_IFREG | 0o644
		}
		return Attr{
			Mode:      mode,
			Nlink:     1,
			Size:      f.Size,
			UID:       f.UID,
			GID:       f.GID,
			MTimeSec:  f.MTimeSec,
			MTimeNsec: f.MTimeNsec,
		}, nil
	}

	if l := e.st.FindSymlink(vpath); l != nil {
		return Attr{
			Mode:      syscall.S_IFLNK | 0o777,
			Nlink:     1,
			Size:      int64(len(l.Target)),
			UID:       l.UID,
			GID:       l.GID,
			MTimeSec:  l.MTimeSec,
			MTimeNsec: l.MTimeNsec,
		}, nil
	}

	if e.isAnyDir(vpath) {
		if d := e.st.FindDir(vpath); d != nil {
			return Attr{
				Mode:      syscall.S_IFDIR | (d.Mode & 0o7777),
				Nlink:     2,
				UID:       d.UID,
				GID:       d.GID,
				MTimeSec:  d.MTimeSec,
				MTimeNsec: d.MTimeNsec,
			}, nil
		}
		for i := range e.st.Drives {
			var st syscall.Stat_t
			if err := syscall.Lstat(e.st.RealPath(i, vpath), &st); err == nil && st.Mode&syscall.S_IFMT == syscall.S_IFDIR {
				a := attrFromStat(&st)
				a.Nlink = 2
				return a, nil
			}
		}
		// Synthetic ancestor: mode 0755, owner 0:0, mtime epoch.
		return Attr{Mode: syscall.S_IFDIR | 0o755, Nlink: 2}, nil
	}

	return Attr{}, ErrNotFound
}
