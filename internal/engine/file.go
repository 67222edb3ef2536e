package engine

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/marmos91/liveraid/internal/logger"
	"github.com/marmos91/liveraid/internal/state"
)

// Handle is one open file. A live handle owns the real file; a
// dead-drive handle carries only the vpath and serves reads through
// parity recovery.
type Handle struct {
	VPath string
	file  *os.File
}

// Dead reports whether the backing drive was unreachable at open time.
func (h *Handle) Dead() bool {
	return h.file == nil
}

// Open opens vpath. When the real file cannot be opened on a read-only
// request and parity is configured, a dead-drive handle is returned and
// reads recover through parity.
func (e *Engine) Open(vpath string, flags int) (*Handle, error) {
	h, err := e.open(vpath, flags)
	e.em.Operation("open", err)
	return h, err
}

func (e *Engine) open(vpath string, flags int) (*Handle, error) {
	// The open count rises before the real open so live rebuild never
	// observes zero mid-open.
	e.st.Lock()
	f := e.st.FindFile(vpath)
	if f == nil {
		e.st.Unlock()
		return nil, ErrNotFound
	}
	real := f.RealPath
	hasParity := e.HasParity()
	f.OpenCount++
	e.st.Unlock()

	fd, err := os.OpenFile(real, flags&^os.O_CREATE, 0)
	if err == nil {
		return &Handle{VPath: vpath, file: fd}, nil
	}

	errno := errnoOf(err)
	readOnly := flags&(os.O_WRONLY|os.O_RDWR) == 0
	if readOnly && hasParity &&
		(errno == syscall.ENOENT || errno == syscall.EIO || errno == syscall.ENXIO) {
		return &Handle{VPath: vpath}, nil
	}

	e.dropOpenCount(vpath)
	return nil, fmt.Errorf("open %q: %w", vpath, err)
}

func (e *Engine) dropOpenCount(vpath string) {
	e.st.Lock()
	if f := e.st.FindFile(vpath); f != nil && f.OpenCount > 0 {
		f.OpenCount--
	}
	e.st.Unlock()
}

// Release closes the handle. The vpath captured at open time keeps the
// open count correct across renames.
func (e *Engine) Release(h *Handle) {
	e.dropOpenCount(h.VPath)
	if h.file != nil {
		h.file.Close()
	}
}

// Read fills buf from offset. On EIO from the backing store, or on a
// dead-drive handle, each touched block is reconstructed from parity;
// partial success returns the bytes recovered so far.
func (e *Engine) Read(h *Handle, buf []byte, offset int64) (int, error) {
	n, err := e.read(h, buf, offset)
	e.em.Operation("read", err)
	return n, err
}

func (e *Engine) read(h *Handle, buf []byte, offset int64) (int, error) {
	if h.file != nil {
		n, err := h.file.ReadAt(buf, offset)
		if err == nil || err == io.EOF {
			return n, nil
		}
		if errnoOf(err) != syscall.EIO {
			return 0, err
		}
	}
	return e.readViaParity(h.VPath, buf, offset)
}

func (e *Engine) readViaParity(vpath string, buf []byte, offset int64) (int, error) {
	e.st.RLock()
	defer e.st.RUnlock()

	f := e.st.FindFile(vpath)
	if f == nil || !e.HasParity() {
		return 0, ErrIO
	}

	bs := int64(e.blockSize())
	if offset >= f.Size {
		return 0, nil
	}
	size := int64(len(buf))
	if offset+size > f.Size {
		size = f.Size - offset
	}

	firstBlk := uint32(offset / bs)
	lastBlk := uint32((offset + size - 1) / bs)

	tmp := make([]byte, bs)
	total := int64(0)
	for blk := firstBlk; blk <= lastBlk && blk < f.BlockCount; blk++ {
		pos := f.ParityPosStart + blk
		if err := e.ph.RecoverBlock(e.st, f.DriveIndex, pos, tmp); err != nil {
			if total > 0 {
				return int(total), nil
			}
			return 0, fmt.Errorf("%w: parity recovery at position %d: %v", ErrIO, pos, err)
		}
		blkBase := int64(blk) * bs
		copyStart := int64(0)
		if offset > blkBase {
			copyStart = offset - blkBase
		}
		copyLen := bs - copyStart
		if copyLen > size-total {
			copyLen = size - total
		}
		copy(buf[total:], tmp[copyStart:copyStart+copyLen])
		total += copyLen
	}
	return int(total), nil
}

// Write writes data at offset, then updates the file's parity position
// range and marks the touched positions dirty. Dead-drive handles
// reject writes.
func (e *Engine) Write(h *Handle, data []byte, offset int64) (int, error) {
	n, err := e.write(h, data, offset)
	e.em.Operation("write", err)
	return n, err
}

func (e *Engine) write(h *Handle, data []byte, offset int64) (int, error) {
	if h.file == nil {
		return 0, ErrIO
	}

	n, err := h.file.WriteAt(data, offset)
	if err != nil {
		return n, err
	}
	newEnd := offset + int64(n)

	e.st.Lock()
	defer e.st.Unlock()

	f := e.st.FindFile(h.VPath)
	if f == nil {
		return n, nil
	}

	bs := e.blockSize()
	size := f.Size
	if newEnd > size {
		size = newEnd
	}
	newBlocks := state.BlocksForSize(size, bs)

	dirtyStart, dirtyCount := uint32(0), uint32(0)
	if newBlocks > f.BlockCount {
		var err error
		dirtyStart, dirtyCount, err = e.growPositions(f, newBlocks)
		if err != nil {
			// The data write already succeeded; the file simply has no
			// parity coverage until space frees up.
			logger.Error("engine: parity namespace exhausted for %s", h.VPath)
		}
	}

	if newEnd > f.Size {
		f.Size = newEnd
	}

	if f.BlockCount > 0 {
		if dirtyCount > 0 {
			e.jn.MarkDirtyRange(dirtyStart, dirtyCount)
		}
		firstBlk := uint32(offset / int64(bs))
		lastBlk := uint32((offset + int64(n) - 1) / int64(bs))
		if lastBlk < f.BlockCount {
			e.jn.MarkDirtyRange(f.ParityPosStart+firstBlk, lastBlk-firstBlk+1)
		}
	}
	return n, nil
}

// growPositions extends f's position range to newBlocks: grow in place
// when the range abuts the high-water mark, allocate fresh when the
// file had none, otherwise free and reallocate. Returns the range to
// mark dirty. Caller holds the state lock in write mode.
func (e *Engine) growPositions(f *state.File, newBlocks uint32) (dirtyStart, dirtyCount uint32, err error) {
	pa := &e.st.Drives[f.DriveIndex].Alloc
	oldBlocks := f.BlockCount

	switch {
	case oldBlocks == 0:
		pos, aerr := pa.Alloc(newBlocks)
		if aerr != nil {
			f.BlockCount = 0
			e.st.RebuildPosIndex(f.DriveIndex)
			return 0, 0, aerr
		}
		f.ParityPosStart = pos
		dirtyStart, dirtyCount = pos, newBlocks

	case f.ParityPosStart+oldBlocks == pa.NextFree():
		// Cheap in-place grow off the high-water mark.
		grow := newBlocks - oldBlocks
		if _, aerr := pa.Alloc(grow); aerr != nil {
			return 0, 0, aerr
		}
		dirtyStart, dirtyCount = f.ParityPosStart+oldBlocks, grow

	default:
		pa.Free(f.ParityPosStart, oldBlocks)
		pos, aerr := pa.Alloc(newBlocks)
		if aerr != nil {
			f.BlockCount = 0
			e.st.RebuildPosIndex(f.DriveIndex)
			return 0, 0, aerr
		}
		f.ParityPosStart = pos
		dirtyStart, dirtyCount = pos, newBlocks
	}

	f.BlockCount = newBlocks
	e.st.RebuildPosIndex(f.DriveIndex)
	return dirtyStart, dirtyCount, nil
}

// Create makes a new file on a drive chosen by the placement policy, or
// reopens an existing one (honouring O_TRUNC).
func (e *Engine) Create(vpath string, flags int, mode uint32) (*Handle, error) {
	h, err := e.create(vpath, flags, mode)
	e.em.Operation("create", err)
	return h, err
}

func (e *Engine) create(vpath string, flags int, mode uint32) (*Handle, error) {
	e.st.Lock()

	if f := e.st.FindFile(vpath); f != nil {
		fd, err := os.OpenFile(f.RealPath, flags, os.FileMode(mode&0o7777))
		if err != nil {
			e.st.Unlock()
			return nil, fmt.Errorf("create %q: %w", vpath, err)
		}
		if flags&os.O_TRUNC != 0 {
			if f.BlockCount > 0 {
				e.jn.MarkDirtyRange(f.ParityPosStart, f.BlockCount)
				e.st.Drives[f.DriveIndex].Alloc.Free(f.ParityPosStart, f.BlockCount)
				f.BlockCount = 0
				e.st.RebuildPosIndex(f.DriveIndex)
			}
			f.Size = 0
		}
		f.OpenCount++
		e.st.Unlock()
		return &Handle{VPath: vpath, file: fd}, nil
	}

	driveIdx, ok := e.st.PickDrive()
	if !ok {
		e.st.Unlock()
		return nil, ErrNoSpace
	}

	real := e.st.RealPath(driveIdx, vpath)
	e.mkdirsInherit(driveIdx, real)

	fd, err := os.OpenFile(real, flags|os.O_CREATE, os.FileMode(mode&0o7777))
	if err != nil {
		e.st.Unlock()
		return nil, fmt.Errorf("create %q: %w", vpath, err)
	}

	// Probe the drive's high-water mark; blocks are allocated by the
	// first write.
	posStart, _ := e.st.Drives[driveIdx].Alloc.Alloc(0)

	f := &state.File{
		VPath:          vpath,
		RealPath:       real,
		DriveIndex:     driveIdx,
		ParityPosStart: posStart,
		OpenCount:      1,
	}

	// Record the mode/owner the kernel actually assigned.
	var st syscall.Stat_t
	if err := syscall.Fstat(int(fd.Fd()), &st); err == nil {
		f.Mode = st.Mode
		f.UID = st.Uid
		f.GID = st.Gid
		f.MTimeSec = st.Mtim.Sec
		f.MTimeNsec = st.Mtim.Nsec
	} else {
		f.Mode = syscall.S_IFREG | (mode & 0o777)
		f.UID = uint32(os.Getuid())
		f.GID = uint32(os.Getgid())
	}

	e.st.InsertFile(f)
	e.st.RebuildPosIndex(driveIdx)
	e.st.Unlock()

	return &Handle{VPath: vpath, file: fd}, nil
}

// Unlink removes a file or symlink. For files the freed position range
// is marked dirty so parity decays to zeros. Dead-drive unlinks
// succeed; only the tables are touched.
func (e *Engine) Unlink(vpath string) error {
	err := e.unlink(vpath)
	e.em.Operation("unlink", err)
	return err
}

func (e *Engine) unlink(vpath string) error {
	e.st.Lock()

	f := e.st.RemoveFile(vpath)
	if f == nil {
		if l := e.st.RemoveSymlink(vpath); l != nil {
			e.st.Unlock()
			return nil
		}
		e.st.Unlock()
		return ErrNotFound
	}

	real := f.RealPath
	if f.BlockCount > 0 {
		e.jn.MarkDirtyRange(f.ParityPosStart, f.BlockCount)
		e.st.Drives[f.DriveIndex].Alloc.Free(f.ParityPosStart, f.BlockCount)
	}
	e.st.RebuildPosIndex(f.DriveIndex)
	e.st.Unlock()

	// Slow disk work happens after the lock drops. A dead drive makes
	// this fail; the table removal above already succeeded.
	os.Remove(real)
	return nil
}

// Fsync syncs the real file, then forces the file's parity positions
// through the journal so durability covers parity too.
func (e *Engine) Fsync(h *Handle) error {
	err := e.fsync(h)
	e.em.Operation("fsync", err)
	return err
}

func (e *Engine) fsync(h *Handle) error {
	if h.file == nil {
		return ErrIO
	}
	if err := unix.Fdatasync(int(h.file.Fd())); err != nil {
		return &os.SyscallError{Syscall: "fdatasync", Err: err}
	}

	e.st.RLock()
	f := e.st.FindFile(h.VPath)
	var posStart, blockCount uint32
	if f != nil {
		posStart, blockCount = f.ParityPosStart, f.BlockCount
	}
	e.st.RUnlock()

	if blockCount > 0 {
		e.jn.MarkDirtyRange(posStart, blockCount)
	}
	e.jn.Flush()
	return nil
}
