// Package state holds the in-memory core of the engine: the drives and
// their position allocators, the file/dir/symlink tables, and the
// per-drive position index.
//
// A single writer-preferring RWMutex (embedded in State) guards every
// table. Callers take it in read mode for lookups and drains, in write
// mode for any table mutation.
package state

import (
	"math/rand"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/marmos91/liveraid/internal/alloc"
	"github.com/marmos91/liveraid/pkg/config"
)

// Drive is one data drive and its parity-position allocator.
type Drive struct {
	Name  string
	Dir   string // absolute path with trailing separator
	Index int
	Alloc alloc.PosAllocator
}

// File is one regular file placed whole on a single drive.
type File struct {
	VPath          string
	RealPath       string
	DriveIndex     int
	Size           int64
	ParityPosStart uint32
	BlockCount     uint32
	MTimeSec       int64
	MTimeNsec      int64
	Mode           uint32 // full st_mode bits
	UID            uint32
	GID            uint32

	// OpenCount tracks outstanding open handles; guarded by the state
	// lock. Live rebuild skips files with OpenCount > 0.
	OpenCount int
}

// Dir is an explicitly created (or metadata-bearing) directory.
// Synthetic ancestors of files are not tracked.
type Dir struct {
	VPath     string
	Mode      uint32
	UID       uint32
	GID       uint32
	MTimeSec  int64
	MTimeNsec int64
}

// Symlink stores the target verbatim; no resolution happens.
type Symlink struct {
	VPath     string
	Target    string
	UID       uint32
	GID       uint32
	MTimeSec  int64
	MTimeNsec int64
}

// PosEntry maps a position range on one drive back to its file.
type PosEntry struct {
	PosStart   uint32
	BlockCount uint32
	File       *File
}

// State is the engine core. The embedded RWMutex is the single state
// lock from the concurrency model.
type State struct {
	sync.RWMutex

	Cfg    *config.Config
	Drives []*Drive

	files    map[string]*File
	fileList []*File
	dirs     map[string]*Dir
	dirList  []*Dir
	symlinks map[string]*Symlink
	linkList []*Symlink

	posIndex [][]PosEntry

	rrNext uint64
	rng    *rand.Rand
}

// New builds the state core from a validated configuration.
func New(cfg *config.Config) *State {
	s := &State{
		Cfg:      cfg,
		files:    make(map[string]*File),
		dirs:     make(map[string]*Dir),
		symlinks: make(map[string]*Symlink),
		posIndex: make([][]PosEntry, len(cfg.Drives)),
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
	for i, dc := range cfg.Drives {
		dir := dc.Dir
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
		s.Drives = append(s.Drives, &Drive{Name: dc.Name, Dir: dir, Index: i})
	}
	return s
}

// DriveByName returns the drive with the given name, or nil.
func (s *State) DriveByName(name string) *Drive {
	for _, d := range s.Drives {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// RealPath maps vpath onto driveIdx's backing directory. vpath may be
// "/", which maps to the drive root.
func (s *State) RealPath(driveIdx int, vpath string) string {
	rel := strings.TrimPrefix(vpath, "/")
	return s.Drives[driveIdx].Dir + rel
}

// BlocksForSize returns ceil(size / blockSize).
func BlocksForSize(size int64, blockSize uint32) uint32 {
	if size <= 0 {
		return 0
	}
	bs := int64(blockSize)
	return uint32((size + bs - 1) / bs)
}

/* -------------------------------------------------------------- */
/* File table                                                      */
/* -------------------------------------------------------------- */

// InsertFile registers f in the file table and iteration list.
func (s *State) InsertFile(f *File) {
	s.files[f.VPath] = f
	s.fileList = append(s.fileList, f)
}

// FindFile looks up a file by exact vpath.
func (s *State) FindFile(vpath string) *File {
	return s.files[vpath]
}

// RemoveFile detaches the record and returns it to the caller.
func (s *State) RemoveFile(vpath string) *File {
	f, ok := s.files[vpath]
	if !ok {
		return nil
	}
	delete(s.files, vpath)
	for i, e := range s.fileList {
		if e == f {
			s.fileList = append(s.fileList[:i], s.fileList[i+1:]...)
			break
		}
	}
	return f
}

// RekeyFile moves a file record to a new vpath and recomputes its real
// path on its current drive.
func (s *State) RekeyFile(f *File, newVPath string) {
	delete(s.files, f.VPath)
	f.VPath = newVPath
	f.RealPath = s.RealPath(f.DriveIndex, newVPath)
	s.files[newVPath] = f
}

// Files returns the iteration list. Callers hold the state lock and
// must not mutate the slice.
func (s *State) Files() []*File {
	return s.fileList
}

/* -------------------------------------------------------------- */
/* Directory table                                                 */
/* -------------------------------------------------------------- */

func (s *State) InsertDir(d *Dir) {
	s.dirs[d.VPath] = d
	s.dirList = append(s.dirList, d)
}

func (s *State) FindDir(vpath string) *Dir {
	return s.dirs[vpath]
}

func (s *State) RemoveDir(vpath string) *Dir {
	d, ok := s.dirs[vpath]
	if !ok {
		return nil
	}
	delete(s.dirs, vpath)
	for i, e := range s.dirList {
		if e == d {
			s.dirList = append(s.dirList[:i], s.dirList[i+1:]...)
			break
		}
	}
	return d
}

func (s *State) RekeyDir(d *Dir, newVPath string) {
	delete(s.dirs, d.VPath)
	d.VPath = newVPath
	s.dirs[newVPath] = d
}

func (s *State) Dirs() []*Dir {
	return s.dirList
}

/* -------------------------------------------------------------- */
/* Symlink table                                                   */
/* -------------------------------------------------------------- */

func (s *State) InsertSymlink(l *Symlink) {
	s.symlinks[l.VPath] = l
	s.linkList = append(s.linkList, l)
}

func (s *State) FindSymlink(vpath string) *Symlink {
	return s.symlinks[vpath]
}

func (s *State) RemoveSymlink(vpath string) *Symlink {
	l, ok := s.symlinks[vpath]
	if !ok {
		return nil
	}
	delete(s.symlinks, vpath)
	for i, e := range s.linkList {
		if e == l {
			s.linkList = append(s.linkList[:i], s.linkList[i+1:]...)
			break
		}
	}
	return l
}

func (s *State) RekeySymlink(l *Symlink, newVPath string) {
	delete(s.symlinks, l.VPath)
	l.VPath = newVPath
	s.symlinks[newVPath] = l
}

func (s *State) Symlinks() []*Symlink {
	return s.linkList
}

/* -------------------------------------------------------------- */
/* Position index                                                  */
/* -------------------------------------------------------------- */

// RebuildPosIndex rescans the file list for driveIdx and rebuilds its
// sorted position index. Called after any mutation that changes a
// file's position range.
func (s *State) RebuildPosIndex(driveIdx int) {
	var entries []PosEntry
	for _, f := range s.fileList {
		if f.DriveIndex == driveIdx && f.BlockCount > 0 {
			entries = append(entries, PosEntry{
				PosStart:   f.ParityPosStart,
				BlockCount: f.BlockCount,
				File:       f,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PosStart < entries[j].PosStart
	})
	s.posIndex[driveIdx] = entries
}

// FindFileAtPos binary-searches the position index for the file holding
// position pos on driveIdx. Returns nil if no file occupies it.
func (s *State) FindFileAtPos(driveIdx int, pos uint32) *File {
	entries := s.posIndex[driveIdx]
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		e := entries[mid]
		switch {
		case pos >= e.PosStart && pos < e.PosStart+e.BlockCount:
			return e.File
		case pos < e.PosStart:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return nil
}

// PosIndex returns the sorted index for a drive (for integrity checks).
func (s *State) PosIndex(driveIdx int) []PosEntry {
	return s.posIndex[driveIdx]
}

// MaxNextFree returns the highest allocator high-water mark across all
// drives; the scrub range is [0, MaxNextFree).
func (s *State) MaxNextFree() uint32 {
	var max uint32
	for _, d := range s.Drives {
		if nf := d.Alloc.NextFree(); nf > max {
			max = nf
		}
	}
	return max
}

/* -------------------------------------------------------------- */
/* Drive selection                                                 */
/* -------------------------------------------------------------- */

// freeBytes reports the available bytes of the filesystem backing dir.
// Overridable so placement policies are testable without real mounts.
var freeBytes = func(dir string) (uint64, error) {
	var sv unix.Statfs_t
	if err := unix.Statfs(dir, &sv); err != nil {
		return 0, err
	}
	return uint64(sv.Bavail) * uint64(sv.Bsize), nil
}

// PickDrive selects the drive for a new file according to the
// configured placement policy. ok is false when no drives exist.
func (s *State) PickDrive() (index int, ok bool) {
	n := len(s.Drives)
	if n == 0 {
		return 0, false
	}

	switch s.Cfg.Placement {
	case config.PlacementRoundRobin:
		idx := int(s.rrNext % uint64(n))
		s.rrNext++
		return idx, true

	case config.PlacementLeastFree:
		best, bestFree := 0, uint64(0)
		found := false
		for i, d := range s.Drives {
			free, err := freeBytes(d.Dir)
			if err != nil || free == 0 {
				continue
			}
			if !found || free < bestFree {
				best, bestFree, found = i, free, true
			}
		}
		return best, true

	case config.PlacementProportionalRandom:
		free := make([]uint64, n)
		var total uint64
		for i, d := range s.Drives {
			if b, err := freeBytes(d.Dir); err == nil {
				free[i] = b
				total += b
			}
		}
		if total == 0 {
			return 0, true
		}
		pick := uint64(s.rng.Int63n(int64(total)))
		for i, b := range free {
			if pick < b {
				return i, true
			}
			pick -= b
		}
		return n - 1, true

	default: // PlacementMostFree
		best, bestFree := 0, uint64(0)
		for i, d := range s.Drives {
			if free, err := freeBytes(d.Dir); err == nil && free > bestFree {
				best, bestFree = i, free
			}
		}
		return best, true
	}
}
