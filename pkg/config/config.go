// Package config loads and validates the LiveRAID configuration file.
//
// The file is line-oriented: '#' starts a comment running to end of
// line, directives are whitespace-separated, and leading/trailing
// whitespace is ignored. Unknown directives are warned about and
// skipped.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/marmos91/liveraid/internal/logger"
)

const (
	// MaxParityLevels bounds the erasure code to 6 levels; together
	// with MaxDrives it keeps every Cauchy matrix index a distinct
	// byte (drives + levels <= 256).
	MaxParityLevels = 6
	MaxDrives       = 256 - MaxParityLevels

	// DefaultBlockSize is 256 KiB.
	DefaultBlockSize = 256 * 1024

	// DefaultBitmapInterval is the seconds between periodic content
	// file + dirty bitmap saves.
	DefaultBitmapInterval = 300

	maxContentPaths = 8
)

// Placement selects the drive-placement policy for new files.
type Placement int

const (
	// PlacementMostFree places new files on the drive with the most
	// available bytes.
	PlacementMostFree Placement = iota
	// PlacementRoundRobin cycles through drives in order.
	PlacementRoundRobin
	// PlacementLeastFree fills the fullest drive first.
	PlacementLeastFree
	// PlacementProportionalRandom picks a drive with probability
	// proportional to its free bytes.
	PlacementProportionalRandom
)

func (p Placement) String() string {
	switch p {
	case PlacementRoundRobin:
		return "roundrobin"
	case PlacementLeastFree:
		return "lfs"
	case PlacementProportionalRandom:
		return "pfrd"
	default:
		return "mostfree"
	}
}

// DriveConfig names one data drive and its backing directory.
type DriveConfig struct {
	Name string `validate:"required"`
	Dir  string `validate:"required"`
}

// Config is the complete LiveRAID configuration.
type Config struct {
	// Drives are the data drives, in declaration order.
	Drives []DriveConfig `validate:"min=1,max=250,dive"`

	// ParityPaths holds one parity file path per level, contiguous
	// from level 1.
	ParityPaths []string `validate:"max=6,dive,required"`

	// ContentPaths are the content (metadata) file paths; the first
	// one also anchors the bitmap file and control socket paths.
	ContentPaths []string `validate:"min=1,max=8,dive,required"`

	// Mountpoint is where the merged namespace is exposed.
	Mountpoint string `validate:"required"`

	// BlockSize is the parity block size in bytes, a multiple of 64.
	BlockSize uint32 `validate:"required"`

	// Placement is the drive-selection policy for new files.
	Placement Placement

	// ParityThreads is the parallelism of the journal drainer.
	ParityThreads int `validate:"min=1,max=64"`

	// BitmapInterval is the periodic save interval in seconds.
	BitmapInterval int `validate:"min=1"`
}

// ParityLevels returns the number of configured erasure code levels.
func (c *Config) ParityLevels() int {
	return len(c.ParityPaths)
}

// BitmapPath returns the on-disk dirty-bitmap path, anchored to the
// first content path.
func (c *Config) BitmapPath() string {
	return c.ContentPaths[0] + ".bitmap"
}

// CtrlSocketPath returns the control socket path, anchored to the
// first content path.
func (c *Config) CtrlSocketPath() string {
	return c.ContentPaths[0] + ".ctrl"
}

// Load parses the configuration file at path and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot open %q: %w", path, err)
	}
	defer f.Close()

	cfg := &Config{
		BlockSize:      DefaultBlockSize,
		Placement:      PlacementMostFree,
		ParityThreads:  1,
		BitmapInterval: DefaultBitmapInterval,
	}

	parityByLevel := make(map[int]string)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		key, args := fields[0], fields[1:]
		switch key {
		case "data":
			if len(args) != 2 {
				return nil, fmt.Errorf("config:%d: 'data' wants NAME DIR", lineno)
			}
			if len(cfg.Drives) >= MaxDrives {
				return nil, fmt.Errorf("config:%d: too many drives (max %d)", lineno, MaxDrives)
			}
			cfg.Drives = append(cfg.Drives, DriveConfig{Name: args[0], Dir: args[1]})

		case "parity":
			if len(args) != 2 {
				return nil, fmt.Errorf("config:%d: 'parity' wants LEVEL PATH", lineno)
			}
			level, err := strconv.Atoi(args[0])
			if err != nil || level < 1 || level > MaxParityLevels {
				return nil, fmt.Errorf("config:%d: parity level must be 1..%d", lineno, MaxParityLevels)
			}
			parityByLevel[level] = args[1]

		case "content":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'content' wants PATH", lineno)
			}
			if len(cfg.ContentPaths) >= maxContentPaths {
				return nil, fmt.Errorf("config:%d: too many content paths (max %d)", lineno, maxContentPaths)
			}
			cfg.ContentPaths = append(cfg.ContentPaths, args[0])

		case "mountpoint":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'mountpoint' wants PATH", lineno)
			}
			cfg.Mountpoint = args[0]

		case "blocksize":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'blocksize' wants KIB", lineno)
			}
			kib, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || kib <= 0 || kib > int64((1<<32-1)/1024) || (kib*1024)%64 != 0 {
				return nil, fmt.Errorf("config:%d: bad blocksize %q (positive KiB, bytes a multiple of 64)", lineno, args[0])
			}
			cfg.BlockSize = uint32(kib * 1024)

		case "placement":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'placement' wants a policy", lineno)
			}
			switch args[0] {
			case "mostfree":
				cfg.Placement = PlacementMostFree
			case "roundrobin":
				cfg.Placement = PlacementRoundRobin
			case "lfs":
				cfg.Placement = PlacementLeastFree
			case "pfrd":
				cfg.Placement = PlacementProportionalRandom
			default:
				return nil, fmt.Errorf("config:%d: unknown placement policy %q", lineno, args[0])
			}

		case "parity_threads":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'parity_threads' wants N", lineno)
			}
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 || n > 64 {
				return nil, fmt.Errorf("config:%d: parity_threads must be 1..64", lineno)
			}
			cfg.ParityThreads = n

		case "bitmap_interval":
			if len(args) != 1 {
				return nil, fmt.Errorf("config:%d: 'bitmap_interval' wants SECONDS", lineno)
			}
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("config:%d: bitmap_interval must be a positive number of seconds", lineno)
			}
			cfg.BitmapInterval = n

		default:
			logger.Warn("config:%d: unknown directive %q, ignored", lineno, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading %q: %w", path, err)
	}

	// Parity levels must be contiguous from 1.
	highest := 0
	for level := range parityByLevel {
		if level > highest {
			highest = level
		}
	}
	for level := 1; level <= highest; level++ {
		p, ok := parityByLevel[level]
		if !ok {
			return nil, fmt.Errorf("config: parity levels have a gap — parity %d is missing", level)
		}
		cfg.ParityPaths = append(cfg.ParityPaths, p)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
