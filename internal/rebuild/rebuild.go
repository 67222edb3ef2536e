// Package rebuild reconstructs the files of a lost drive from parity.
//
// The per-file recovery is shared between the live path (driven by the
// control channel while the filesystem is mounted) and the offline
// fallback (a standalone process loading config, content file and
// parity on its own).
package rebuild

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/marmos91/liveraid/internal/logger"
	"github.com/marmos91/liveraid/internal/meta"
	"github.com/marmos91/liveraid/internal/parity"
	"github.com/marmos91/liveraid/internal/state"
	"github.com/marmos91/liveraid/pkg/config"
)

// FileResult classifies the outcome of one file rebuild.
type FileResult int

const (
	// FileRebuilt means the file was fully reconstructed.
	FileRebuilt FileResult = iota
	// FileSkipped means the file was busy (open) or gone; try later.
	FileSkipped
	// FileFailed means reconstruction failed; any partial output was
	// removed.
	FileFailed
)

// SkipReason distinguishes a busy file (open handle, retry later) from
// one that was removed or moved while the rebuild ran.
type SkipReason int

const (
	SkipGone SkipReason = iota
	SkipBusy
)

// RebuildFile reconstructs one file onto its drive path. The state
// lock is taken in read mode around the metadata snapshot and around
// every block recovery, so foreground traffic keeps flowing.
func RebuildFile(st *state.State, ph *parity.Handle, driveIdx int, vpath string) (FileResult, SkipReason, error) {
	bs := ph.BlockSize

	st.RLock()
	f := st.FindFile(vpath)
	if f == nil || f.DriveIndex != driveIdx {
		st.RUnlock()
		return FileSkipped, SkipGone, nil
	}
	if f.OpenCount > 0 {
		st.RUnlock()
		return FileSkipped, SkipBusy, nil
	}
	snap := *f
	st.RUnlock()

	if err := os.MkdirAll(filepath.Dir(snap.RealPath), 0o755); err != nil {
		return FileFailed, 0, fmt.Errorf("cannot create parent dirs: %w", err)
	}

	createMode := os.FileMode(snap.Mode & 0o7777)
	if createMode == 0 {
		createMode = 0o644
	}
	out, err := os.OpenFile(snap.RealPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, createMode)
	if err != nil {
		return FileFailed, 0, fmt.Errorf("cannot create: %w", err)
	}

	buf := make([]byte, bs)
	for blk := uint32(0); blk < snap.BlockCount; blk++ {
		pos := snap.ParityPosStart + blk

		st.RLock()
		err := ph.RecoverBlock(st, driveIdx, pos, buf)
		st.RUnlock()
		if err != nil {
			out.Close()
			os.Remove(snap.RealPath)
			return FileFailed, 0, fmt.Errorf("parity error at block %d: %w", blk, err)
		}

		writeLen := int64(bs)
		if blk == snap.BlockCount-1 && snap.Size > 0 {
			if tail := snap.Size % int64(bs); tail != 0 {
				writeLen = tail
			}
		}
		if _, err := out.WriteAt(buf[:writeLen], int64(blk)*int64(bs)); err != nil {
			out.Close()
			os.Remove(snap.RealPath)
			return FileFailed, 0, fmt.Errorf("write error at block %d: %w", blk, err)
		}
	}
	out.Close()

	restoreMetadata(&snap)
	return FileRebuilt, 0, nil
}

// restoreMetadata best-effort restores mode, owner and mtime; chown in
// particular fails without privileges.
func restoreMetadata(f *state.File) {
	if f.Mode&0o7777 != 0 {
		os.Chmod(f.RealPath, os.FileMode(f.Mode&0o7777))
	}
	if f.UID != 0 || f.GID != 0 {
		os.Lchown(f.RealPath, int(f.UID), int(f.GID))
	}
	if f.MTimeSec != 0 {
		ts := []unix.Timespec{
			{Sec: f.MTimeSec, Nsec: f.MTimeNsec},
			{Sec: f.MTimeSec, Nsec: f.MTimeNsec},
		}
		unix.UtimesNanoAt(unix.AT_FDCWD, f.RealPath, ts, 0)
	}
}

// FilesOnDrive snapshots the vpaths of every file on driveIdx under a
// read lock.
func FilesOnDrive(st *state.State, driveIdx int) []string {
	st.RLock()
	defer st.RUnlock()
	var vpaths []string
	for _, f := range st.Files() {
		if f.DriveIndex == driveIdx {
			vpaths = append(vpaths, f.VPath)
		}
	}
	return vpaths
}

// Offline loads the configuration, content file and parity files
// standalone (the filesystem must be unmounted) and rebuilds every
// file on the named drive. Returns the failure count.
func Offline(cfg *config.Config, driveName string) (int, error) {
	st := state.New(cfg)
	if err := meta.Load(st); err != nil {
		return 0, fmt.Errorf("rebuild: loading content file: %w", err)
	}

	drive := st.DriveByName(driveName)
	if drive == nil {
		return 0, fmt.Errorf("rebuild: drive %q not found in config", driveName)
	}

	ph, err := parity.Open(cfg)
	if err != nil {
		return 0, err
	}
	defer ph.Close()

	vpaths := FilesOnDrive(st, drive.Index)
	logger.Info("rebuild: drive %q (%s) — %d file(s) to reconstruct",
		drive.Name, drive.Dir, len(vpaths))
	if len(vpaths) == 0 {
		logger.Info("rebuild: nothing to do")
		return 0, nil
	}

	rebuilt, failed := 0, 0
	for _, vpath := range vpaths {
		res, _, err := RebuildFile(st, ph, drive.Index, vpath)
		switch res {
		case FileRebuilt:
			rebuilt++
			logger.Info("rebuild: [%d/%d] OK   %s", rebuilt+failed, len(vpaths), vpath)
		case FileSkipped:
			logger.Info("rebuild: skipped %s (gone)", vpath)
		default:
			failed++
			logger.Error("rebuild: [%d/%d] FAIL %s: %v", rebuilt+failed, len(vpaths), vpath, err)
		}
	}

	logger.Info("rebuild: complete — %d rebuilt, %d failed", rebuilt, failed)
	return failed, nil
}
