// Package parity implements the erasure-coding path: the per-level
// parity files, the Cauchy GF(2⁸) encode, the multi-failure decode,
// and the scrub/repair pass.
package parity

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/marmos91/liveraid/internal/gf"
	"github.com/marmos91/liveraid/internal/state"
	"github.com/marmos91/liveraid/pkg/config"
)

// ErrTooManyFailures is returned when more drives failed than the
// configured parity levels can reconstruct.
var ErrTooManyFailures = errors.New("parity: too many failed drives")

const blockAlign = 64

// Handle owns the open parity files and the precomputed encode state.
type Handle struct {
	BlockSize uint32
	ND        int // data drives at open
	NP        int // parity levels

	files     []*os.File
	encMatrix []byte   // (nd+np) x nd, row-major
	encTables [][]byte // per-coefficient tables for the np parity rows
}

// Open opens (creating as needed) one parity file per level and builds
// the encode matrix. nd+np must not exceed 256.
func Open(cfg *config.Config) (*Handle, error) {
	nd, np := len(cfg.Drives), cfg.ParityLevels()
	if nd+np > 256 {
		return nil, fmt.Errorf("parity: %d drives + %d levels exceed the GF(2^8) namespace", nd, np)
	}

	h := &Handle{BlockSize: cfg.BlockSize, ND: nd, NP: np}
	for _, path := range cfg.ParityPaths {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("parity: cannot open %q: %w", path, err)
		}
		h.files = append(h.files, f)
	}

	if nd > 0 && np > 0 {
		h.encMatrix = gf.GenCauchyMatrix(nd, np)
		h.encTables = gf.InitTables(nd, np, h.encMatrix[nd*nd:])
	}
	return h, nil
}

// Close closes every parity file.
func (h *Handle) Close() {
	for _, f := range h.files {
		if f != nil {
			f.Close()
		}
	}
	h.files = nil
}

// AllocVector carves n block buffers out of one allocation, each
// aligned to a 64-byte boundary.
func AllocVector(n int, blockSize uint32) [][]byte {
	stride := (int(blockSize) + blockAlign - 1) &^ (blockAlign - 1)
	raw := make([]byte, n*stride+blockAlign)
	base := blockAlign - (addrOf(raw) & (blockAlign - 1))
	v := make([][]byte, n)
	for i := range v {
		off := base + i*stride
		v[i] = raw[off : off+int(blockSize) : off+int(blockSize)]
	}
	return v
}

// ReadBlock reads the block at pos from the given level. Reads past
// end-of-file (the file is never truncated) and short reads are
// zero-filled.
func (h *Handle) ReadBlock(level int, pos uint32, buf []byte) error {
	if level >= len(h.files) {
		return fmt.Errorf("parity: level %d not configured", level)
	}
	n, err := h.files[level].ReadAt(buf, int64(pos)*int64(h.BlockSize))
	if err != nil && err != io.EOF {
		return err
	}
	zero(buf[n:])
	return nil
}

// WriteBlock writes the block at pos to the given level, extending the
// file as needed.
func (h *Handle) WriteBlock(level int, pos uint32, buf []byte) error {
	if level >= len(h.files) {
		return fmt.Errorf("parity: level %d not configured", level)
	}
	_, err := h.files[level].WriteAt(buf, int64(pos)*int64(h.BlockSize))
	return err
}

// Encode computes all parity rows for one position's data vector.
// data must hold ND blocks, out NP blocks.
func (h *Handle) Encode(data, out [][]byte) {
	gf.EncodeData(h.ND, h.NP, h.encTables, data, out)
}

// readDataBlock fills buf with drive d's bytes at position pos,
// zero-filling unoccupied positions and short tails. Returns false when
// the backing file exists in the table but cannot be read.
func readDataBlock(s *state.State, bs uint32, d int, pos uint32, buf []byte) bool {
	f := s.FindFileAtPos(d, pos)
	if f == nil {
		zero(buf)
		return true
	}
	blkOff := pos - f.ParityPosStart
	fd, err := os.Open(f.RealPath)
	if err != nil {
		zero(buf)
		return false
	}
	defer fd.Close()
	n, err := fd.ReadAt(buf, int64(blkOff)*int64(bs))
	if err != nil && err != io.EOF {
		zero(buf)
		return false
	}
	zero(buf[n:])
	return true
}

// UpdatePosition recomputes and writes every parity level for one
// position. scratch must hold ND+NP blocks (AllocVector). The caller
// holds the state lock in read mode.
func (h *Handle) UpdatePosition(s *state.State, pos uint32, scratch [][]byte) error {
	if h.NP == 0 {
		return nil
	}
	data, out := scratch[:h.ND], scratch[h.ND:h.ND+h.NP]
	for d := 0; d < h.ND; d++ {
		// Unreadable drives encode as all-zero; scrub repairs once
		// the drive returns.
		readDataBlock(s, h.BlockSize, d, pos, data[d])
	}
	h.Encode(data, out)

	var firstErr error
	for p := 0; p < h.NP; p++ {
		if err := h.WriteBlock(p, pos, out[p]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecoverBlock reconstructs drive driveIdx's block at pos into out.
// Additional drive failures discovered while reading survivors are
// folded into the same decode, up to NP total. The caller holds the
// state lock in read mode.
func (h *Handle) RecoverBlock(s *state.State, driveIdx int, pos uint32, out []byte) error {
	if h.NP == 0 || driveIdx >= h.ND {
		return fmt.Errorf("parity: cannot recover drive %d at pos %d", driveIdx, pos)
	}
	nd, np := h.ND, h.NP
	v := AllocVector(nd+np, h.BlockSize)

	// failed is kept sorted; decode submatrix rows depend on it.
	failed := []int{driveIdx}
	zero(v[driveIdx])

	for d := 0; d < nd; d++ {
		if d == driveIdx {
			continue
		}
		if !readDataBlock(s, h.BlockSize, d, pos, v[d]) {
			if len(failed) >= np {
				return ErrTooManyFailures
			}
			i := len(failed)
			failed = append(failed, 0)
			for i > 0 && failed[i-1] > d {
				failed[i] = failed[i-1]
				i--
			}
			failed[i] = d
			zero(v[d])
		}
	}
	k := len(failed)

	// The decode uses the first k parity levels.
	for p := 0; p < k; p++ {
		if err := h.ReadBlock(p, pos, v[nd+p]); err != nil {
			return fmt.Errorf("parity: level %d read at pos %d: %w", p, pos, err)
		}
	}

	// Submatrix: surviving data rows (identity) then the first k
	// parity rows.
	sub := make([]byte, nd*nd)
	var srcRows []int
	fi := 0
	for d := 0; d < nd; d++ {
		if fi < k && failed[fi] == d {
			fi++
			continue
		}
		srcRows = append(srcRows, d)
	}
	for p := 0; p < k; p++ {
		srcRows = append(srcRows, nd+p)
	}
	for i, r := range srcRows {
		copy(sub[i*nd:(i+1)*nd], h.encMatrix[r*nd:(r+1)*nd])
	}

	inv, err := gf.InvertMatrix(sub, nd)
	if err != nil {
		return fmt.Errorf("parity: decode at pos %d: %w", pos, err)
	}

	// Row f of the inverse reconstructs drive f from the survivors.
	decodeRows := make([]byte, k*nd)
	for i, f := range failed {
		copy(decodeRows[i*nd:(i+1)*nd], inv[f*nd:(f+1)*nd])
	}
	tables := gf.InitTables(nd, k, decodeRows)

	src := make([][]byte, 0, nd)
	for _, r := range srcRows {
		src = append(src, v[r])
	}
	dst := make([][]byte, k)
	for i, f := range failed {
		dst[i] = v[f]
	}
	gf.EncodeData(nd, k, tables, src, dst)

	copy(out, v[driveIdx])
	return nil
}

// ScrubResult aggregates one verification pass.
type ScrubResult struct {
	PositionsChecked uint32
	Mismatches       uint32
	Fixed            uint32
	ReadErrors       uint32
}

// Scrub verifies every parity level over [0, max next_free). With
// repair set, mismatched positions are rewritten. The state lock is
// taken in read mode per position so foreground operations interleave.
func (h *Handle) Scrub(s *state.State, repair bool) ScrubResult {
	var res ScrubResult
	if h.NP == 0 {
		return res
	}
	nd, np := h.ND, h.NP

	// nd data + np computed parity + np stored parity.
	v := AllocVector(nd+2*np, h.BlockSize)
	data, computed, stored := v[:nd], v[nd:nd+np], v[nd+np:]

	s.RLock()
	maxPos := s.MaxNextFree()
	s.RUnlock()

	for pos := uint32(0); pos < maxPos; pos++ {
		s.RLock()
		readErr := false
		for d := 0; d < nd; d++ {
			if !readDataBlock(s, h.BlockSize, d, pos, data[d]) {
				readErr = true
			}
		}
		s.RUnlock()

		res.PositionsChecked++
		if readErr {
			res.ReadErrors++
			continue
		}

		h.Encode(data, computed)

		mismatch := false
		parityReadErr := false
		for p := 0; p < np; p++ {
			if err := h.ReadBlock(p, pos, stored[p]); err != nil {
				parityReadErr = true
				break
			}
			if !bytes.Equal(computed[p], stored[p]) {
				mismatch = true
			}
		}

		switch {
		case parityReadErr:
			res.ReadErrors++
		case mismatch:
			res.Mismatches++
			if repair {
				ok := true
				for p := 0; p < np; p++ {
					if err := h.WriteBlock(p, pos, computed[p]); err != nil {
						ok = false
					}
				}
				if ok {
					res.Fixed++
				}
			}
		}
	}
	return res
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
