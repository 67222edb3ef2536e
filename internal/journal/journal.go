// Package journal implements the write-back parity journal: a dirty
// bit per parity position, a timer-driven background drainer with
// optional worker parallelism, and the crash-consistency protocol that
// persists the bitmap alongside the content file.
package journal

import (
	"os"
	"sync"
	"time"

	"github.com/marmos91/liveraid/internal/logger"
	"github.com/marmos91/liveraid/internal/meta"
	"github.com/marmos91/liveraid/internal/parity"
	"github.com/marmos91/liveraid/internal/state"
	"github.com/marmos91/liveraid/pkg/metrics"
)

const defaultInterval = 5 * time.Second

// Journal owns the dirty bitmap and the background drainer.
type Journal struct {
	st *state.State
	ph *parity.Handle

	mu         sync.Mutex
	dirty      bitmap
	processing bool
	running    bool
	drainDone  *sync.Cond // broadcast whenever processing drops to false

	scrubPending  bool
	repairPending bool

	wake chan struct{}
	done chan struct{}

	interval     time.Duration
	saveInterval time.Duration
	threads      int
	bitmapPath   string

	jm metrics.JournalMetrics
	sm metrics.ScrubMetrics
}

// Options configures the journal.
type Options struct {
	// Interval is the drainer sweep period. Zero uses the 5s default.
	Interval time.Duration
	// SaveInterval is the periodic content-file + bitmap save period.
	SaveInterval time.Duration
	// Threads is the drain parallelism (1..64).
	Threads int
	// BitmapPath is the on-disk crash-journal location; empty disables
	// persistence.
	BitmapPath string
}

// New creates the journal and restores any persisted crash bitmap. The
// drainer does not run until Start.
func New(st *state.State, ph *parity.Handle, opts Options) *Journal {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	j := &Journal{
		st:           st,
		ph:           ph,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		interval:     opts.Interval,
		saveInterval: opts.SaveInterval,
		threads:      opts.Threads,
		bitmapPath:   opts.BitmapPath,
		jm:           metrics.NewJournalMetrics(),
		sm:           metrics.NewScrubMetrics(),
	}
	j.drainDone = sync.NewCond(&j.mu)

	if j.bitmapPath != "" {
		if bm := loadBitmapFile(j.bitmapPath); bm != nil {
			j.dirty.or(bm)
			logger.Info("journal: restored dirty bitmap from %q (crash recovery)", j.bitmapPath)
		}
	}
	return j
}

// Start launches the drainer.
func (j *Journal) Start() {
	j.mu.Lock()
	j.running = true
	j.mu.Unlock()
	go j.run()
}

// Stop terminates the drainer and, on this clean-shutdown path, removes
// the on-disk bitmap. Callers flush first.
func (j *Journal) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	j.mu.Unlock()
	j.signalWake()
	<-j.done

	if j.bitmapPath != "" {
		os.Remove(j.bitmapPath)
	}
}

// MarkDirtyRange sets bits [start, start+count). It does not signal the
// drainer: the sweep is timer-driven so the periodic save observes the
// dirty set before it is drained.
func (j *Journal) MarkDirtyRange(start, count uint32) {
	if count == 0 {
		return
	}
	j.mu.Lock()
	for i := uint32(0); i < count; i++ {
		j.dirty.set(start + i)
	}
	j.mu.Unlock()
}

// Flush wakes the drainer and blocks until the bitmap is empty AND no
// swapped-out batch is still being processed. Both conditions matter:
// bitmap-empty alone has a window where parity writes for the swapped
// batch are still in flight.
func (j *Journal) Flush() {
	j.jm.FlushWaits()
	j.mu.Lock()
	for j.processing || !j.dirty.empty() {
		j.signalWake()
		j.drainDone.Wait()
	}
	j.mu.Unlock()
}

// RequestScrub asks the drainer to run a scrub (or repair) pass after
// its next sweep.
func (j *Journal) RequestScrub(repair bool) {
	j.mu.Lock()
	if repair {
		j.repairPending = true
	} else {
		j.scrubPending = true
	}
	j.mu.Unlock()
	j.signalWake()
}

// Scrub runs a synchronous scrub pass, reporting through metrics.
// Used by the control channel, which wants the result inline.
func (j *Journal) Scrub(repair bool) parity.ScrubResult {
	res := j.ph.Scrub(j.st, repair)
	j.sm.ScrubCompleted(res.PositionsChecked, res.Mismatches, res.Fixed, res.ReadErrors)
	return res
}

func (j *Journal) signalWake() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *Journal) run() {
	defer close(j.done)

	timeout := j.interval
	if j.saveInterval > 0 && j.saveInterval < timeout {
		timeout = j.saveInterval
	}

	lastSave := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-j.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		timer.Reset(timeout)

		j.mu.Lock()
		if !j.running {
			j.mu.Unlock()
			return
		}
		j.mu.Unlock()

		// Periodic persistence first: the saved bitmap must contain
		// the positions about to be drained, so a crash between the
		// save and the end of the drain re-drains them on remount.
		if j.saveInterval > 0 && time.Since(lastSave) >= j.saveInterval {
			j.persist()
			lastSave = time.Now()
		}

		// Swap out the current bitmap. processing is raised before the
		// lock drops so Flush never sees a false empty+idle window.
		j.mu.Lock()
		batch := j.dirty
		j.dirty = nil
		if batch.empty() {
			batch = nil
		} else {
			j.processing = true
		}
		j.mu.Unlock()

		if batch != nil {
			j.drain(batch)
			j.jm.DrainCycle()
		}

		j.mu.Lock()
		j.processing = false
		j.drainDone.Broadcast()
		scrub, repair := j.scrubPending, j.repairPending
		j.scrubPending, j.repairPending = false, false
		j.mu.Unlock()

		if scrub || repair {
			res := j.Scrub(repair)
			logger.Info("scrub: %d positions checked, %d parity mismatches, %d fixed, %d read errors",
				res.PositionsChecked, res.Mismatches, res.Fixed, res.ReadErrors)
		}
	}
}

// persist writes the content file to every configured path under the
// state read lock, then a snapshot of the dirty bitmap next to the
// first one.
func (j *Journal) persist() {
	j.st.RLock()
	if err := meta.Save(j.st); err != nil {
		logger.Error("journal: periodic content save failed: %v", err)
	}
	j.st.RUnlock()

	if j.bitmapPath == "" {
		return
	}
	j.mu.Lock()
	snapshot := make(bitmap, len(j.dirty))
	copy(snapshot, j.dirty)
	j.mu.Unlock()

	if err := saveBitmapFile(j.bitmapPath, snapshot); err != nil {
		logger.Error("journal: bitmap save failed: %v", err)
		return
	}
	j.jm.BitmapSaved()
}

// drain recomputes parity for every set bit. With threads > 1 the
// positions are split into contiguous slices, one worker per slice,
// each with its own scratch vector.
func (j *Journal) drain(batch bitmap) {
	positions := batch.positions()
	if len(positions) == 0 {
		return
	}

	workers := j.threads
	if workers > len(positions) {
		workers = len(positions)
	}

	if workers <= 1 {
		j.drainSlice(positions)
		return
	}

	var wg sync.WaitGroup
	chunk := (len(positions) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(positions) {
			hi = len(positions)
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(slice []uint32) {
			defer wg.Done()
			j.drainSlice(slice)
		}(positions[lo:hi])
	}
	wg.Wait()
}

func (j *Journal) drainSlice(positions []uint32) {
	scratch := parity.AllocVector(j.ph.ND+j.ph.NP, j.ph.BlockSize)
	errs := 0
	for _, pos := range positions {
		j.st.RLock()
		err := j.ph.UpdatePosition(j.st, pos, scratch)
		j.st.RUnlock()
		if err != nil {
			// The position is no longer tracked anywhere; scrub repair
			// restores consistency.
			logger.Error("journal: parity update at position %d failed: %v", pos, err)
			errs++
		}
	}
	j.jm.PositionsDrained(len(positions) - errs)
	if errs > 0 {
		j.jm.DrainErrors(errs)
	}
}
