package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/liveraid/pkg/config"
)

func newTestEngine(t *testing.T, nd, np int, placement config.Placement) (*Engine, *config.Config) {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		ContentPaths:   []string{filepath.Join(root, "content")},
		Mountpoint:     filepath.Join(root, "mnt"),
		BlockSize:      64 * 1024,
		Placement:      placement,
		ParityThreads:  4,
		BitmapInterval: 300,
	}
	for i := 0; i < nd; i++ {
		dir := filepath.Join(root, "drive", fmt.Sprintf("d%d", i))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		cfg.Drives = append(cfg.Drives, config.DriveConfig{
			Name: fmt.Sprintf("d%d", i), Dir: dir,
		})
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "parity"), 0o755))
	for l := 0; l < np; l++ {
		cfg.ParityPaths = append(cfg.ParityPaths,
			filepath.Join(root, "parity", fmt.Sprintf("p%d", l+1)))
	}

	eng, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng, cfg
}

func writeNewFile(t *testing.T, eng *Engine, vpath string, data []byte) {
	t.Helper()
	h, err := eng.Create(vpath, os.O_WRONLY, 0o644)
	require.NoError(t, err)
	n, err := eng.Write(h, data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	eng.Release(h)
}

func readWholeFile(t *testing.T, eng *Engine, vpath string, size int) []byte {
	t.Helper()
	h, err := eng.Open(vpath, os.O_RDONLY)
	require.NoError(t, err)
	defer eng.Release(h)
	buf := make([]byte, size)
	n, err := eng.Read(h, buf, 0)
	require.NoError(t, err)
	return buf[:n]
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	body := []byte("hello liveraid")
	writeNewFile(t, eng, "/hello.txt", body)

	assert.Equal(t, body, readWholeFile(t, eng, "/hello.txt", 100))

	attr, err := eng.GetAttr("/hello.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), attr.Size)
	assert.Equal(t, uint32(syscall.S_IFREG), attr.Mode&syscall.S_IFMT)
}

// Losing two of four drives must leave every file readable through
// parity.
func TestTwoDriveLossRecovery(t *testing.T) {
	eng, _ := newTestEngine(t, 4, 2, config.PlacementRoundRobin)

	bodies := make(map[string][]byte)
	for k := 1; k <= 8; k++ {
		vpath := fmt.Sprintf("/file%d", k)
		body := []byte(fmt.Sprintf("content of file %d", k))
		bodies[vpath] = body
		writeNewFile(t, eng, vpath, body)
	}
	eng.Journal().Flush()

	// Destroy every backing file on drives 0 and 1.
	eng.State().RLock()
	var lost []string
	for _, f := range eng.State().Files() {
		if f.DriveIndex <= 1 {
			lost = append(lost, f.RealPath)
		}
	}
	eng.State().RUnlock()
	require.NotEmpty(t, lost)
	for _, real := range lost {
		require.NoError(t, os.Remove(real))
	}

	for vpath, body := range bodies {
		got := readWholeFile(t, eng, vpath, 1024)
		assert.Equal(t, body, got, "vpath %s", vpath)
	}
}

// A freed position range is reused by the next allocation.
func TestPositionReuseAfterUnlink(t *testing.T) {
	eng, _ := newTestEngine(t, 1, 1, config.PlacementRoundRobin)

	writeNewFile(t, eng, "/A", []byte("x"))
	require.NoError(t, eng.Unlink("/A"))
	writeNewFile(t, eng, "/B", []byte("x"))

	eng.State().RLock()
	b := eng.State().FindFile("/B")
	require.NotNil(t, b)
	assert.Equal(t, uint32(0), b.ParityPosStart)
	eng.State().RUnlock()
}

// Unlink marks the freed range dirty so parity decays to zeros; a
// subsequent scrub is clean.
func TestUnlinkKeepsParityConsistent(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	writeNewFile(t, eng, "/a", make([]byte, 3*64*1024))
	writeNewFile(t, eng, "/b", []byte("survivor"))
	eng.Journal().Flush()

	require.NoError(t, eng.Unlink("/a"))
	eng.Journal().Flush()

	res := eng.Journal().Scrub(false)
	assert.Zero(t, res.Mismatches)
	assert.Zero(t, res.ReadErrors)
}

func TestDeadDriveReadOnlyOpen(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	body := []byte("recoverable")
	writeNewFile(t, eng, "/a", body)
	eng.Journal().Flush()

	eng.State().RLock()
	real := eng.State().FindFile("/a").RealPath
	eng.State().RUnlock()
	require.NoError(t, os.Remove(real))

	// Read-only open succeeds with a dead-drive handle.
	h, err := eng.Open("/a", os.O_RDONLY)
	require.NoError(t, err)
	assert.True(t, h.Dead())

	buf := make([]byte, 64)
	n, err := eng.Read(h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, body, buf[:n])

	// Writes on a dead-drive handle are rejected.
	_, err = eng.Write(h, []byte("nope"), 0)
	assert.ErrorIs(t, err, ErrIO)
	eng.Release(h)

	// Write opens fail outright.
	_, err = eng.Open("/a", os.O_RDWR)
	assert.Error(t, err)
}

func TestOpenCountTracking(t *testing.T) {
	eng, _ := newTestEngine(t, 1, 0, config.PlacementRoundRobin)
	writeNewFile(t, eng, "/a", []byte("z"))

	h, err := eng.Open("/a", os.O_RDONLY)
	require.NoError(t, err)

	eng.State().RLock()
	assert.Equal(t, 1, eng.State().FindFile("/a").OpenCount)
	eng.State().RUnlock()

	eng.Release(h)

	eng.State().RLock()
	assert.Zero(t, eng.State().FindFile("/a").OpenCount)
	eng.State().RUnlock()
}

func TestOpenNotFound(t *testing.T) {
	eng, _ := newTestEngine(t, 1, 0, config.PlacementRoundRobin)
	_, err := eng.Open("/missing", os.O_RDONLY)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateExistingWithTruncFreesPositions(t *testing.T) {
	eng, _ := newTestEngine(t, 1, 1, config.PlacementRoundRobin)

	writeNewFile(t, eng, "/a", make([]byte, 2*64*1024))

	h, err := eng.Create("/a", os.O_WRONLY|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	defer eng.Release(h)

	eng.State().RLock()
	f := eng.State().FindFile("/a")
	assert.Zero(t, f.BlockCount)
	assert.Zero(t, f.Size)
	eng.State().RUnlock()
}

func TestWriteGrowAbuttingHighWaterMark(t *testing.T) {
	eng, _ := newTestEngine(t, 1, 1, config.PlacementRoundRobin)
	const bs = 64 * 1024

	h, err := eng.Create("/grow", os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer eng.Release(h)

	_, err = eng.Write(h, make([]byte, bs), 0)
	require.NoError(t, err)

	eng.State().RLock()
	f := eng.State().FindFile("/grow")
	firstStart := f.ParityPosStart
	assert.Equal(t, uint32(1), f.BlockCount)
	eng.State().RUnlock()

	// Appending extends the same range in place.
	_, err = eng.Write(h, make([]byte, 2*bs), bs)
	require.NoError(t, err)

	eng.State().RLock()
	f = eng.State().FindFile("/grow")
	assert.Equal(t, firstStart, f.ParityPosStart)
	assert.Equal(t, uint32(3), f.BlockCount)
	eng.State().RUnlock()
}

func TestTruncateShrinkAndGrow(t *testing.T) {
	eng, _ := newTestEngine(t, 1, 1, config.PlacementRoundRobin)
	const bs = 64 * 1024

	writeNewFile(t, eng, "/t", make([]byte, 4*bs))

	require.NoError(t, eng.Truncate("/t", bs))
	eng.State().RLock()
	f := eng.State().FindFile("/t")
	assert.Equal(t, uint32(1), f.BlockCount)
	assert.Equal(t, int64(bs), f.Size)
	eng.State().RUnlock()

	require.NoError(t, eng.Truncate("/t", 2*bs))
	eng.State().RLock()
	f = eng.State().FindFile("/t")
	assert.Equal(t, uint32(2), f.BlockCount)
	eng.State().RUnlock()

	eng.Journal().Flush()
	res := eng.Journal().Scrub(false)
	assert.Zero(t, res.Mismatches)

	assert.ErrorIs(t, eng.Truncate("/none", 0), ErrNotFound)
}

func TestRenameFile(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	writeNewFile(t, eng, "/old", []byte("payload"))
	require.NoError(t, eng.Rename("/old", "/new", 0))

	assert.Equal(t, []byte("payload"), readWholeFile(t, eng, "/new", 64))
	_, err := eng.GetAttr("/old")
	assert.ErrorIs(t, err, ErrNotFound)

	// Overwriting rename frees the destination's positions.
	writeNewFile(t, eng, "/other", []byte("gone"))
	require.NoError(t, eng.Rename("/new", "/other", 0))
	assert.Equal(t, []byte("payload"), readWholeFile(t, eng, "/other", 64))

	// NOREPLACE refuses an existing destination.
	writeNewFile(t, eng, "/third", []byte("x"))
	assert.ErrorIs(t, eng.Rename("/third", "/other", renameNoReplace), ErrExists)

	// EXCHANGE is unsupported.
	assert.ErrorIs(t, eng.Rename("/third", "/other", renameExchange), ErrInvalid)
}

func TestRenameDirectorySubtree(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	require.NoError(t, eng.Mkdir("/dir", 0o755))
	writeNewFile(t, eng, "/dir/a", []byte("one"))
	writeNewFile(t, eng, "/dir/sub/b", []byte("two"))

	require.NoError(t, eng.Rename("/dir", "/moved", 0))

	assert.Equal(t, []byte("one"), readWholeFile(t, eng, "/moved/a", 64))
	assert.Equal(t, []byte("two"), readWholeFile(t, eng, "/moved/sub/b", 64))
	_, err := eng.GetAttr("/dir/a")
	assert.ErrorIs(t, err, ErrNotFound)

	attr, err := eng.GetAttr("/moved")
	require.NoError(t, err)
	assert.Equal(t, uint32(syscall.S_IFDIR), attr.Mode&syscall.S_IFMT)
}

func TestMkdirRmdir(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	require.NoError(t, eng.Mkdir("/empty", 0o750))
	attr, err := eng.GetAttr("/empty")
	require.NoError(t, err)
	assert.Equal(t, uint32(syscall.S_IFDIR), attr.Mode&syscall.S_IFMT)

	require.NoError(t, eng.Rmdir("/empty"))
	_, err = eng.GetAttr("/empty")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRmdirNotEmpty(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	require.NoError(t, eng.Mkdir("/d", 0o755))
	writeNewFile(t, eng, "/d/child", []byte("x"))

	err := eng.Rmdir("/d")
	assert.ErrorIs(t, err, ErrNotEmpty)

	// The directory entry survives a failed rmdir.
	_, err = eng.GetAttr("/d")
	assert.NoError(t, err)
}

func TestReadDirUnion(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	writeNewFile(t, eng, "/a.txt", []byte("1"))
	writeNewFile(t, eng, "/sub/nested.txt", []byte("2"))
	require.NoError(t, eng.Mkdir("/emptydir", 0o755))
	require.NoError(t, eng.Symlink("/a.txt", "/link", 0, 0, 0))

	entries, err := eng.ReadDir("/")
	require.NoError(t, err)

	names := make(map[string]uint32)
	for _, e := range entries {
		names[e.Name] = e.Mode
	}
	assert.Equal(t, uint32(syscall.S_IFREG), names["a.txt"])
	assert.Equal(t, uint32(syscall.S_IFDIR), names["sub"])
	assert.Equal(t, uint32(syscall.S_IFDIR), names["emptydir"])
	assert.Equal(t, uint32(syscall.S_IFLNK), names["link"])
	assert.Len(t, names, 4)

	_, err = eng.ReadDir("/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Symlinks survive a remount, and unlinking the link leaves the target.
func TestSymlinkRoundTrip(t *testing.T) {
	eng, cfg := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	writeNewFile(t, eng, "/t", []byte("target body"))
	require.NoError(t, eng.Symlink("/t", "/l", 1000, 1000, 1700000000))

	target, err := eng.Readlink("/l")
	require.NoError(t, err)
	assert.Equal(t, "/t", target)

	attr, err := eng.GetAttr("/l")
	require.NoError(t, err)
	assert.Equal(t, uint32(syscall.S_IFLNK), attr.Mode&syscall.S_IFMT)

	// Remount.
	eng.Close()
	eng2, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(eng2.Close)

	target, err = eng2.Readlink("/l")
	require.NoError(t, err)
	assert.Equal(t, "/t", target)

	require.NoError(t, eng2.Unlink("/l"))
	_, err = eng2.Readlink("/l")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []byte("target body"), readWholeFile(t, eng2, "/t", 64))
}

func TestSymlinkExistingFails(t *testing.T) {
	eng, _ := newTestEngine(t, 1, 0, config.PlacementRoundRobin)
	writeNewFile(t, eng, "/f", []byte("x"))
	assert.ErrorIs(t, eng.Symlink("/elsewhere", "/f", 0, 0, 0), ErrExists)
}

func TestChmodChownUtimens(t *testing.T) {
	eng, _ := newTestEngine(t, 1, 0, config.PlacementRoundRobin)
	writeNewFile(t, eng, "/m", []byte("x"))

	require.NoError(t, eng.Chmod("/m", 0o600))
	attr, err := eng.GetAttr("/m")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o600), attr.Mode&0o7777)

	require.NoError(t, eng.Utimens("/m", 1600000000, 12345))
	attr, err = eng.GetAttr("/m")
	require.NoError(t, err)
	assert.Equal(t, int64(1600000000), attr.MTimeSec)

	assert.ErrorIs(t, eng.Chmod("/none", 0o600), ErrNotFound)
}

func TestGetAttrSyntheticAncestor(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)
	writeNewFile(t, eng, "/deep/nest/file", []byte("x"))

	// /deep exists on one drive for real; /deep/nest too. Both report
	// as directories either way.
	attr, err := eng.GetAttr("/deep")
	require.NoError(t, err)
	assert.Equal(t, uint32(syscall.S_IFDIR), attr.Mode&syscall.S_IFMT)

	_, err = eng.GetAttr("/deep/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatFS(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)
	st := eng.StatFS()
	assert.GreaterOrEqual(t, st.BlockSize, uint32(4096))
	assert.NotZero(t, st.TotalBlocks)
	assert.Equal(t, uint32(255), st.NameMax)
}

func TestFsyncFlushesParity(t *testing.T) {
	eng, _ := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	h, err := eng.Create("/s", os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = eng.Write(h, []byte("durable"), 0)
	require.NoError(t, err)

	require.NoError(t, eng.Fsync(h))
	eng.Release(h)

	res := eng.Journal().Scrub(false)
	assert.Zero(t, res.Mismatches)
}

// Content file persistence across a full engine cycle.
func TestRemountPreservesState(t *testing.T) {
	eng, cfg := newTestEngine(t, 2, 1, config.PlacementRoundRobin)

	writeNewFile(t, eng, "/keep/me.bin", []byte("persistent data"))
	eng.Close()

	eng2, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(eng2.Close)

	assert.Equal(t, []byte("persistent data"), readWholeFile(t, eng2, "/keep/me.bin", 64))
}
