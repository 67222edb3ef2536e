// Package engine implements the storage engine behind the virtual
// namespace: every filesystem operation the shim exposes is a method
// here, operating on virtual paths. The FUSE adapter in
// internal/fusefs translates kernel callbacks into these calls; tests
// drive them directly.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/liveraid/internal/alloc"
	"github.com/marmos91/liveraid/internal/journal"
	"github.com/marmos91/liveraid/internal/logger"
	"github.com/marmos91/liveraid/internal/meta"
	"github.com/marmos91/liveraid/internal/parity"
	"github.com/marmos91/liveraid/internal/state"
	"github.com/marmos91/liveraid/pkg/config"
	"github.com/marmos91/liveraid/pkg/metrics"
)

// Sentinel errors for the shim layer. Underlying OS errors are wrapped
// and still reachable through errors.As.
var (
	ErrNotFound           = errors.New("no such virtual path")
	ErrNotEmpty           = errors.New("directory not empty")
	ErrExists             = errors.New("virtual path already exists")
	ErrIO                 = errors.New("i/o error")
	ErrInvalid            = errors.New("invalid argument")
	ErrNoSpace            = errors.New("no space left")
	ErrTooManyFailures    = parity.ErrTooManyFailures
	ErrNamespaceExhausted = alloc.ErrNamespaceExhausted
)

// Engine ties the state core, parity handle and journal together.
type Engine struct {
	st *state.State
	ph *parity.Handle
	jn *journal.Journal

	em metrics.EngineMetrics
}

// Open loads the content file, opens the parity files and starts the
// journal drainer.
func Open(cfg *config.Config) (*Engine, error) {
	st := state.New(cfg)
	if err := meta.Load(st); err != nil {
		return nil, fmt.Errorf("engine: loading content file: %w", err)
	}

	ph, err := parity.Open(cfg)
	if err != nil {
		return nil, err
	}

	jn := journal.New(st, ph, journal.Options{
		SaveInterval: time.Duration(cfg.BitmapInterval) * time.Second,
		Threads:      cfg.ParityThreads,
		BitmapPath:   cfg.BitmapPath(),
	})
	jn.Start()

	return &Engine{
		st: st,
		ph: ph,
		jn: jn,
		em: metrics.NewEngineMetrics(),
	}, nil
}

// State exposes the state core to the control channel and rebuild.
func (e *Engine) State() *state.State {
	return e.st
}

// Parity exposes the parity handle to the control channel and rebuild.
func (e *Engine) Parity() *parity.Handle {
	return e.ph
}

// Journal exposes the journal to the control channel.
func (e *Engine) Journal() *journal.Journal {
	return e.jn
}

// HasParity reports whether any erasure code level is configured.
func (e *Engine) HasParity() bool {
	return e.ph.NP > 0
}

// Close performs a clean shutdown: final flush, drainer join, content
// file save, parity close. The journal removes its on-disk bitmap on
// this path.
func (e *Engine) Close() {
	e.jn.Flush()
	e.jn.Stop()

	e.st.RLock()
	if err := meta.Save(e.st); err != nil {
		logger.Error("engine: final content save failed: %v", err)
	}
	e.st.RUnlock()

	e.ph.Close()
}

func (e *Engine) blockSize() uint32 {
	return e.st.Cfg.BlockSize
}
