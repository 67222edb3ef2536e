package journal

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/liveraid/internal/parity"
	"github.com/marmos91/liveraid/internal/state"
	"github.com/marmos91/liveraid/pkg/config"
)

const testBlockSize = 128

type bed struct {
	cfg *config.Config
	st  *state.State
	ph  *parity.Handle
}

func newBed(t *testing.T, nd, np int) *bed {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		ContentPaths:   []string{filepath.Join(root, "content")},
		Mountpoint:     filepath.Join(root, "mnt"),
		BlockSize:      testBlockSize,
		ParityThreads:  1,
		BitmapInterval: 300,
	}
	for i := 0; i < nd; i++ {
		dir := filepath.Join(root, "drive", string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		cfg.Drives = append(cfg.Drives, config.DriveConfig{
			Name: string(rune('a' + i)), Dir: dir,
		})
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "parity"), 0o755))
	for l := 0; l < np; l++ {
		cfg.ParityPaths = append(cfg.ParityPaths,
			filepath.Join(root, "parity", string(rune('1'+l))))
	}

	st := state.New(cfg)
	ph, err := parity.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(ph.Close)
	return &bed{cfg: cfg, st: st, ph: ph}
}

func (b *bed) addFile(t *testing.T, driveIdx int, vpath string, data []byte, posStart uint32) *state.File {
	t.Helper()
	real := b.st.RealPath(driveIdx, vpath)
	require.NoError(t, os.WriteFile(real, data, 0o644))
	f := &state.File{
		VPath:          vpath,
		RealPath:       real,
		DriveIndex:     driveIdx,
		Size:           int64(len(data)),
		ParityPosStart: posStart,
		BlockCount:     state.BlocksForSize(int64(len(data)), b.cfg.BlockSize),
	}
	b.st.InsertFile(f)
	b.st.Drives[driveIdx].Alloc.Cover(posStart + f.BlockCount)
	b.st.RebuildPosIndex(driveIdx)
	return f
}

func TestBitmapSetAndPositions(t *testing.T) {
	var bm bitmap
	assert.True(t, bm.empty())

	bm.set(0)
	bm.set(63)
	bm.set(64)
	bm.set(1000)
	assert.False(t, bm.empty())
	assert.Equal(t, []uint32{0, 63, 64, 1000}, bm.positions())
}

func TestBitmapOr(t *testing.T) {
	var a, b bitmap
	a.set(1)
	b.set(200)
	a.or(b)
	assert.Equal(t, []uint32{1, 200}, a.positions())
}

func TestBitmapFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dirty.bitmap")

	var bm bitmap
	bm.set(3)
	bm.set(130)
	require.NoError(t, saveBitmapFile(path, bm))

	loaded := loadBitmapFile(path)
	require.NotNil(t, loaded)
	assert.Equal(t, []uint32{3, 130}, loaded.positions())
}

func TestBitmapFileEmptyRemoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dirty.bitmap")
	var bm bitmap
	bm.set(1)
	require.NoError(t, saveBitmapFile(path, bm))

	require.NoError(t, saveBitmapFile(path, bitmap{}))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestBitmapFileRejectsCorruption(t *testing.T) {
	dir := t.TempDir()

	badMagic := filepath.Join(dir, "magic")
	require.NoError(t, os.WriteFile(badMagic, []byte("XXXX\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"), 0o644))
	assert.Nil(t, loadBitmapFile(badMagic))

	// Word count beyond the 2^20 cap.
	huge := filepath.Join(dir, "huge")
	require.NoError(t, os.WriteFile(huge, []byte("LRBM\xff\xff\xff\xff"), 0o644))
	assert.Nil(t, loadBitmapFile(huge))

	truncated := filepath.Join(dir, "trunc")
	require.NoError(t, os.WriteFile(truncated, []byte("LRBM\x02\x00\x00\x00\x01"), 0o644))
	assert.Nil(t, loadBitmapFile(truncated))

	assert.Nil(t, loadBitmapFile(filepath.Join(dir, "missing")))
}

func TestMarkFlushDrains(t *testing.T) {
	b := newBed(t, 2, 1)
	rng := rand.New(rand.NewSource(1))
	data := make([]byte, 3*testBlockSize)
	rng.Read(data)
	f := b.addFile(t, 0, "/a", data, 0)

	j := New(b.st, b.ph, Options{Interval: 20 * time.Millisecond, Threads: 1})
	j.Start()
	defer j.Stop()

	j.MarkDirtyRange(f.ParityPosStart, f.BlockCount)
	j.Flush()

	res := b.ph.Scrub(b.st, false)
	assert.Equal(t, uint32(3), res.PositionsChecked)
	assert.Zero(t, res.Mismatches)
	assert.Zero(t, res.ReadErrors)
}

// Parallel drain with several workers leaves parity clean.
func TestParallelDrainCleanliness(t *testing.T) {
	b := newBed(t, 4, 2)
	rng := rand.New(rand.NewSource(2))

	pos := uint32(0)
	for i := 0; i < 20; i++ {
		data := make([]byte, 3*testBlockSize)
		rng.Read(data)
		d := i % 4
		start, err := b.st.Drives[d].Alloc.Alloc(3)
		require.NoError(t, err)
		b.addFile(t, d, filepath.Join("/", "f")+string(rune('a'+i)), data, start)
		if end := start + 3; end > pos {
			pos = end
		}
	}

	j := New(b.st, b.ph, Options{Interval: 20 * time.Millisecond, Threads: 4})
	j.Start()
	defer j.Stop()

	j.MarkDirtyRange(0, pos)
	j.Flush()

	res := j.Scrub(true)
	assert.Zero(t, res.Mismatches)
	assert.Zero(t, res.Fixed)
	assert.Zero(t, res.ReadErrors)
}

// The periodic persist writes the bitmap before the positions drain, so
// a crash between the save and the drain re-drains on remount.
func TestPersistThenCrashRecovery(t *testing.T) {
	b := newBed(t, 2, 1)
	data := make([]byte, testBlockSize)
	for i := range data {
		data[i] = byte(i)
	}
	f := b.addFile(t, 0, "/a", data, 0)

	bitmapPath := b.cfg.BitmapPath()
	j := New(b.st, b.ph, Options{
		Interval:     time.Hour, // timer never fires during the test
		SaveInterval: time.Hour,
		BitmapPath:   bitmapPath,
	})

	j.MarkDirtyRange(f.ParityPosStart, f.BlockCount)
	j.persist()

	// Simulated crash: the journal is dropped without Stop, leaving
	// the on-disk bitmap behind.
	_, err := os.Stat(bitmapPath)
	require.NoError(t, err)

	// Remount: a fresh journal restores the dirty set and one drain
	// makes parity consistent.
	j2 := New(b.st, b.ph, Options{Interval: 20 * time.Millisecond, BitmapPath: bitmapPath})
	j2.Start()
	j2.Flush()

	res := b.ph.Scrub(b.st, false)
	assert.Zero(t, res.Mismatches)

	// Clean shutdown removes the bitmap file.
	j2.Stop()
	_, err = os.Stat(bitmapPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRequestScrubRunsInDrainerLoop(t *testing.T) {
	b := newBed(t, 2, 1)
	data := make([]byte, testBlockSize)
	f := b.addFile(t, 0, "/a", data, 0)

	j := New(b.st, b.ph, Options{Interval: 10 * time.Millisecond})
	j.Start()
	defer j.Stop()

	j.MarkDirtyRange(f.ParityPosStart, f.BlockCount)
	j.Flush()
	j.RequestScrub(true)

	// The pending flag is serviced after the next sweep.
	time.Sleep(100 * time.Millisecond)
	res := j.Scrub(false)
	assert.Zero(t, res.Mismatches)
}

func TestFlushOnEmptyJournalReturns(t *testing.T) {
	b := newBed(t, 1, 1)
	j := New(b.st, b.ph, Options{Interval: 10 * time.Millisecond})
	j.Start()
	defer j.Stop()

	done := make(chan struct{})
	go func() {
		j.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush on an empty journal did not return")
	}
}
