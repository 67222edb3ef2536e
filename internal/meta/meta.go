// Package meta persists the engine's metadata as the content file: a
// line-oriented UTF-8 snapshot of the file/dir/symlink tables and the
// per-drive allocator state, guarded by a CRC32 footer and written by
// atomic rename.
package meta

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/marmos91/liveraid/internal/logger"
	"github.com/marmos91/liveraid/internal/state"
)

const version = 1

const (
	defaultFileMode = 0o100644 // S_IFREG | 0644
	defaultDirMode  = 0o040755 // S_IFDIR | 0755
)

// Save writes the content file to every configured content path. The
// caller holds the state lock in read mode. Errors are collected; every
// path is attempted.
func Save(s *state.State) error {
	body := buildBody(s)
	crc := crc32.ChecksumIEEE(body)
	footer := fmt.Sprintf("# crc32: %08X\n", crc)

	var firstErr error
	for _, path := range s.Cfg.ContentPaths {
		if err := writeAtomic(path, body, footer); err != nil {
			logger.Error("meta: save to %q failed: %v", path, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func buildBody(s *state.State) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# liveraid content\n")
	fmt.Fprintf(&b, "# version: %d\n", version)
	fmt.Fprintf(&b, "# blocksize: %d\n", s.Cfg.BlockSize)

	for _, d := range s.Drives {
		fmt.Fprintf(&b, "# drive_next_free: %s %d\n", d.Name, d.Alloc.NextFree())
		for _, e := range d.Alloc.Extents() {
			fmt.Fprintf(&b, "# drive_free_extent: %s %d %d\n", d.Name, e.Start, e.Count)
		}
	}

	for _, f := range s.Files() {
		fmt.Fprintf(&b, "file|%s|%s|%d|%d|%d|%d|%d|%o|%d|%d\n",
			s.Drives[f.DriveIndex].Name, f.VPath, f.Size,
			f.ParityPosStart, f.BlockCount,
			f.MTimeSec, f.MTimeNsec, f.Mode, f.UID, f.GID)
	}
	for _, d := range s.Dirs() {
		fmt.Fprintf(&b, "dir|%s|%o|%d|%d|%d|%d\n",
			d.VPath, d.Mode, d.UID, d.GID, d.MTimeSec, d.MTimeNsec)
	}
	for _, l := range s.Symlinks() {
		fmt.Fprintf(&b, "symlink|%s|%s|%d|%d|%d|%d\n",
			l.VPath, l.Target, l.MTimeSec, l.MTimeNsec, l.UID, l.GID)
	}
	return b.Bytes()
}

func writeAtomic(path string, body []byte, footer string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if _, err := f.WriteString(footer); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Load reads the first openable content path into the state tables and
// allocators. A missing file is a normal first run. A CRC mismatch is
// logged as a warning; parsing continues. The caller holds the state
// lock in write mode (or owns the state exclusively during startup).
func Load(s *state.State) error {
	var r *os.File
	var loadedPath string
	for _, path := range s.Cfg.ContentPaths {
		f, err := os.Open(path)
		if err == nil {
			r = f
			loadedPath = path
			break
		}
	}
	if r == nil {
		return nil // fresh start
	}
	defer r.Close()

	if err := parse(s, r, loadedPath); err != nil {
		return err
	}

	for i := range s.Drives {
		s.RebuildPosIndex(i)
	}
	warnOverlaps(s)
	return nil
}

func parse(s *state.State, r io.Reader, path string) error {
	br := bufio.NewReader(r)
	crc := crc32.NewIEEE()
	lineno := 0

	for {
		raw, err := br.ReadString('\n')
		if raw == "" && err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("meta: reading %q: %w", path, err)
		}
		lineno++

		if strings.HasPrefix(raw, "# crc32:") {
			storedHex := strings.TrimSpace(raw[len("# crc32:"):])
			stored, perr := strconv.ParseUint(storedHex, 16, 32)
			computed := crc.Sum32()
			if perr != nil || uint32(stored) != computed {
				logger.Warn("meta: CRC mismatch in %q (stored %s, computed %08X) — file may be corrupt",
					path, storedHex, computed)
			}
			return nil // no records after the footer
		}
		crc.Write([]byte(raw))

		line := strings.TrimRight(raw, "\r\n")
		switch {
		case strings.HasPrefix(line, "# drive_next_free:"):
			parseNextFree(s, line[len("# drive_next_free:"):])
		case strings.HasPrefix(line, "# drive_free_extent:"):
			parseFreeExtent(s, line[len("# drive_free_extent:"):])
		case strings.HasPrefix(line, "# next_free_pos:"),
			strings.HasPrefix(line, "# free_extent:"):
			// old single-namespace headers: per-drive state is derived
			// from the file records instead
		case strings.HasPrefix(line, "file|"):
			parseFile(s, line[len("file|"):], lineno)
		case strings.HasPrefix(line, "dir|"):
			parseDir(s, line[len("dir|"):], lineno)
		case strings.HasPrefix(line, "symlink|"):
			parseSymlink(s, line[len("symlink|"):], lineno)
		}

		if err == io.EOF {
			return nil
		}
	}
}

func parseNextFree(s *state.State, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return
	}
	nf, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return
	}
	if d := s.DriveByName(fields[0]); d != nil {
		d.Alloc.Cover(uint32(nf))
	}
}

func parseFreeExtent(s *state.State, rest string) {
	fields := strings.Fields(rest)
	if len(fields) != 3 {
		return
	}
	start, err1 := strconv.ParseUint(fields[1], 10, 32)
	count, err2 := strconv.ParseUint(fields[2], 10, 32)
	if err1 != nil || err2 != nil {
		return
	}
	if d := s.DriveByName(fields[0]); d != nil {
		d.Alloc.Free(uint32(start), uint32(count))
	}
}

// parseFile loads a file record. The trailing mode|uid|gid triplet is
// optional: 8-field records from older snapshots load with defaults.
func parseFile(s *state.State, rest string, lineno int) {
	fields := strings.Split(rest, "|")
	if len(fields) < 7 {
		logger.Warn("meta: malformed file record at line %d, skipping", lineno)
		return
	}

	drive := s.DriveByName(fields[0])
	if drive == nil {
		logger.Warn("meta: unknown drive %q at line %d, skipping", fields[0], lineno)
		return
	}
	vpath := fields[1]

	size, _ := strconv.ParseInt(fields[2], 10, 64)
	posStart, _ := strconv.ParseUint(fields[3], 10, 32)
	blockCount, _ := strconv.ParseUint(fields[4], 10, 32)
	mtimeSec, _ := strconv.ParseInt(fields[5], 10, 64)
	mtimeNsec, _ := strconv.ParseInt(fields[6], 10, 64)

	mode := uint64(0)
	uid, gid := uint64(0), uint64(0)
	if len(fields) >= 10 {
		mode, _ = strconv.ParseUint(fields[7], 8, 32)
		uid, _ = strconv.ParseUint(fields[8], 10, 32)
		gid, _ = strconv.ParseUint(fields[9], 10, 32)
	}
	if mode == 0 {
		mode = defaultFileMode
	}

	f := &state.File{
		VPath:          vpath,
		RealPath:       s.RealPath(drive.Index, vpath),
		DriveIndex:     drive.Index,
		Size:           size,
		ParityPosStart: uint32(posStart),
		BlockCount:     uint32(blockCount),
		MTimeSec:       mtimeSec,
		MTimeNsec:      mtimeNsec,
		Mode:           uint32(mode),
		UID:            uint32(uid),
		GID:            uint32(gid),
	}

	if expected := state.BlocksForSize(f.Size, s.Cfg.BlockSize); f.BlockCount != expected {
		logger.Warn("meta: block_count mismatch for %s: stored %d, computed %d",
			vpath, f.BlockCount, expected)
		f.BlockCount = expected
	}

	drive.Alloc.Cover(f.ParityPosStart + f.BlockCount)
	s.InsertFile(f)
}

func parseDir(s *state.State, rest string, lineno int) {
	fields := strings.Split(rest, "|")
	if len(fields) < 6 {
		logger.Warn("meta: malformed dir record at line %d, skipping", lineno)
		return
	}
	mode, _ := strconv.ParseUint(fields[1], 8, 32)
	uid, _ := strconv.ParseUint(fields[2], 10, 32)
	gid, _ := strconv.ParseUint(fields[3], 10, 32)
	mtimeSec, _ := strconv.ParseInt(fields[4], 10, 64)
	mtimeNsec, _ := strconv.ParseInt(fields[5], 10, 64)
	if mode == 0 {
		mode = defaultDirMode
	}
	s.InsertDir(&state.Dir{
		VPath:     fields[0],
		Mode:      uint32(mode),
		UID:       uint32(uid),
		GID:       uint32(gid),
		MTimeSec:  mtimeSec,
		MTimeNsec: mtimeNsec,
	})
}

func parseSymlink(s *state.State, rest string, lineno int) {
	fields := strings.Split(rest, "|")
	if len(fields) < 6 {
		logger.Warn("meta: malformed symlink record at line %d, skipping", lineno)
		return
	}
	mtimeSec, _ := strconv.ParseInt(fields[2], 10, 64)
	mtimeNsec, _ := strconv.ParseInt(fields[3], 10, 64)
	uid, _ := strconv.ParseUint(fields[4], 10, 32)
	gid, _ := strconv.ParseUint(fields[5], 10, 32)
	s.InsertSymlink(&state.Symlink{
		VPath:     fields[0],
		Target:    fields[1],
		MTimeSec:  mtimeSec,
		MTimeNsec: mtimeNsec,
		UID:       uint32(uid),
		GID:       uint32(gid),
	})
}

// warnOverlaps flags overlapping position ranges on the same drive,
// which indicate a corrupt content file.
func warnOverlaps(s *state.State) {
	for i, d := range s.Drives {
		idx := s.PosIndex(i)
		for k := 1; k < len(idx); k++ {
			prevEnd := idx[k-1].PosStart + idx[k-1].BlockCount
			if idx[k].PosStart < prevEnd {
				logger.Warn("meta: overlapping parity positions on drive %q: [%d,%d) and [%d,%d) — content file may be corrupt",
					d.Name,
					idx[k-1].PosStart, prevEnd,
					idx[k].PosStart, idx[k].PosStart+idx[k].BlockCount)
			}
		}
	}
}
