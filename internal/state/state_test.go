package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/liveraid/pkg/config"
)

func testConfig(placement config.Placement, drives ...string) *config.Config {
	cfg := &config.Config{
		ContentPaths:   []string{"/tmp/content"},
		Mountpoint:     "/srv/pool",
		BlockSize:      64 * 1024,
		Placement:      placement,
		ParityThreads:  1,
		BitmapInterval: 300,
	}
	for _, name := range drives {
		cfg.Drives = append(cfg.Drives, config.DriveConfig{Name: name, Dir: "/mnt/" + name})
	}
	return cfg
}

func TestNewAddsTrailingSeparator(t *testing.T) {
	s := New(testConfig(config.PlacementMostFree, "d1", "d2"))
	require.Len(t, s.Drives, 2)
	assert.Equal(t, "/mnt/d1/", s.Drives[0].Dir)
	assert.Equal(t, "/mnt/d1/a/b", s.RealPath(0, "/a/b"))
	assert.Equal(t, "/mnt/d2/", s.RealPath(1, "/"))
}

func TestBlocksForSize(t *testing.T) {
	const bs = 64 * 1024
	assert.Equal(t, uint32(0), BlocksForSize(0, bs))
	assert.Equal(t, uint32(1), BlocksForSize(1, bs))
	assert.Equal(t, uint32(1), BlocksForSize(bs, bs))
	assert.Equal(t, uint32(2), BlocksForSize(bs+1, bs))
	assert.Equal(t, uint32(16), BlocksForSize(16*bs, bs))
}

func TestFileTable(t *testing.T) {
	s := New(testConfig(config.PlacementMostFree, "d1"))

	f := &File{VPath: "/a", RealPath: "/mnt/d1/a", DriveIndex: 0}
	s.InsertFile(f)
	assert.Same(t, f, s.FindFile("/a"))
	assert.Nil(t, s.FindFile("/b"))

	s.RekeyFile(f, "/b")
	assert.Nil(t, s.FindFile("/a"))
	assert.Same(t, f, s.FindFile("/b"))
	assert.Equal(t, "/mnt/d1/b", f.RealPath)

	removed := s.RemoveFile("/b")
	assert.Same(t, f, removed)
	assert.Nil(t, s.FindFile("/b"))
	assert.Empty(t, s.Files())
}

func TestPosIndexLookup(t *testing.T) {
	s := New(testConfig(config.PlacementMostFree, "d1"))

	a := &File{VPath: "/a", DriveIndex: 0, ParityPosStart: 0, BlockCount: 4}
	b := &File{VPath: "/b", DriveIndex: 0, ParityPosStart: 10, BlockCount: 2}
	c := &File{VPath: "/c", DriveIndex: 0, ParityPosStart: 4, BlockCount: 3}
	empty := &File{VPath: "/e", DriveIndex: 0, ParityPosStart: 20, BlockCount: 0}
	for _, f := range []*File{a, b, c, empty} {
		s.InsertFile(f)
	}
	s.RebuildPosIndex(0)

	assert.Same(t, a, s.FindFileAtPos(0, 0))
	assert.Same(t, a, s.FindFileAtPos(0, 3))
	assert.Same(t, c, s.FindFileAtPos(0, 4))
	assert.Same(t, c, s.FindFileAtPos(0, 6))
	assert.Nil(t, s.FindFileAtPos(0, 7))
	assert.Same(t, b, s.FindFileAtPos(0, 11))
	assert.Nil(t, s.FindFileAtPos(0, 12))
	// Zero-block files never occupy positions.
	assert.Nil(t, s.FindFileAtPos(0, 20))
}

func TestMaxNextFree(t *testing.T) {
	s := New(testConfig(config.PlacementMostFree, "d1", "d2"))
	s.Drives[0].Alloc.Cover(5)
	s.Drives[1].Alloc.Cover(9)
	assert.Equal(t, uint32(9), s.MaxNextFree())
}

func withFreeBytes(t *testing.T, byDir map[string]uint64) {
	t.Helper()
	orig := freeBytes
	freeBytes = func(dir string) (uint64, error) {
		return byDir[dir], nil
	}
	t.Cleanup(func() { freeBytes = orig })
}

func TestPickDriveMostFree(t *testing.T) {
	s := New(testConfig(config.PlacementMostFree, "d1", "d2", "d3"))
	withFreeBytes(t, map[string]uint64{
		"/mnt/d1/": 100,
		"/mnt/d2/": 500,
		"/mnt/d3/": 300,
	})

	idx, ok := s.PickDrive()
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestPickDriveLeastFree(t *testing.T) {
	s := New(testConfig(config.PlacementLeastFree, "d1", "d2", "d3"))
	withFreeBytes(t, map[string]uint64{
		"/mnt/d1/": 100,
		"/mnt/d2/": 500,
		"/mnt/d3/": 0, // full drives are never selected
	})

	idx, ok := s.PickDrive()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestPickDriveRoundRobin(t *testing.T) {
	s := New(testConfig(config.PlacementRoundRobin, "d1", "d2", "d3"))

	var picks []int
	for i := 0; i < 6; i++ {
		idx, ok := s.PickDrive()
		require.True(t, ok)
		picks = append(picks, idx)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, picks)
}

func TestPickDriveProportionalRandom(t *testing.T) {
	s := New(testConfig(config.PlacementProportionalRandom, "d1", "d2"))
	withFreeBytes(t, map[string]uint64{
		"/mnt/d1/": 0,
		"/mnt/d2/": 1000,
	})

	// All the weight lies on d2.
	for i := 0; i < 20; i++ {
		idx, ok := s.PickDrive()
		require.True(t, ok)
		assert.Equal(t, 1, idx)
	}
}

func TestPickDriveNoDrives(t *testing.T) {
	s := New(testConfig(config.PlacementMostFree))
	_, ok := s.PickDrive()
	assert.False(t, ok)
}
