// Package alloc implements the per-drive parity-position allocator.
//
// Every data drive owns a 32-bit position namespace. A file occupying
// blocks [start, start+count) on its drive holds those positions until
// it is truncated, rewritten elsewhere, or deleted. Free positions are
// tracked as a sorted list of extents; allocation is first-fit with a
// bump high-water mark (nextFree) as the fallback.
//
// Invariants restored after every operation:
//   - extents are strictly sorted by start, pairwise disjoint and
//     non-adjacent (adjacent ranges are merged on free)
//   - start+count <= nextFree for every extent
//   - no extent touches nextFree; a freed range ending at nextFree is
//     absorbed back into the high-water mark
package alloc

import (
	"errors"
	"math"
)

// ErrNamespaceExhausted is returned when a request cannot be satisfied
// from the free extents and would overflow the 32-bit namespace.
var ErrNamespaceExhausted = errors.New("parity position namespace exhausted")

// Extent is a free range of positions [Start, Start+Count).
type Extent struct {
	Start uint32
	Count uint32
}

// PosAllocator allocates parity positions for a single drive. It is not
// safe for concurrent use; callers hold the state lock.
type PosAllocator struct {
	nextFree uint32
	extents  []Extent
}

// NextFree returns the bump high-water mark.
func (a *PosAllocator) NextFree() uint32 {
	return a.nextFree
}

// Extents returns the free extents, sorted by start. The slice is the
// allocator's own backing array; callers must not mutate it.
func (a *PosAllocator) Extents() []Extent {
	return a.extents
}

// Cover raises nextFree so that [0, end) is inside the allocated
// namespace. Used when loading file records from the content file.
func (a *PosAllocator) Cover(end uint32) {
	if end > a.nextFree {
		a.nextFree = end
	}
}

// Alloc reserves count contiguous positions and returns the first.
// count == 0 probes the current high-water mark without side effects.
func (a *PosAllocator) Alloc(count uint32) (uint32, error) {
	if count == 0 {
		return a.nextFree, nil
	}

	// First-fit over the free extents.
	for i := range a.extents {
		e := &a.extents[i]
		if e.Count < count {
			continue
		}
		start := e.Start
		if e.Count == count {
			a.extents = append(a.extents[:i], a.extents[i+1:]...)
		} else {
			e.Start += count
			e.Count -= count
		}
		return start, nil
	}

	if count > math.MaxUint32-a.nextFree {
		return 0, ErrNamespaceExhausted
	}
	start := a.nextFree
	a.nextFree += count
	return start, nil
}

// Free returns [start, start+count) to the pool, merging with adjacent
// extents and absorbing into nextFree when the freed range (after
// merging) ends exactly at the high-water mark.
func (a *PosAllocator) Free(start, count uint32) {
	if count == 0 {
		return
	}

	// Insertion point: first extent with Start > start.
	i := 0
	for i < len(a.extents) && a.extents[i].Start < start {
		i++
	}

	mergedPrev := false
	if i > 0 && a.extents[i-1].Start+a.extents[i-1].Count == start {
		a.extents[i-1].Count += count
		mergedPrev = true
	}

	if mergedPrev {
		prev := &a.extents[i-1]
		if i < len(a.extents) && prev.Start+prev.Count == a.extents[i].Start {
			// Bridged the gap: collapse into one extent.
			prev.Count += a.extents[i].Count
			a.extents = append(a.extents[:i], a.extents[i+1:]...)
		}
	} else if i < len(a.extents) && start+count == a.extents[i].Start {
		a.extents[i].Start = start
		a.extents[i].Count += count
	} else {
		a.extents = append(a.extents, Extent{})
		copy(a.extents[i+1:], a.extents[i:])
		a.extents[i] = Extent{Start: start, Count: count}
	}

	// Absorb a trailing extent that touches nextFree.
	if n := len(a.extents); n > 0 {
		last := a.extents[n-1]
		if last.Start+last.Count == a.nextFree {
			a.nextFree = last.Start
			a.extents = a.extents[:n-1]
		}
	}
}
