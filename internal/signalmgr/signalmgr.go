// Package signalmgr is the Go analogue of the original's blocked-signal-set
// consumer thread (spec.md §4.11/§5: "1 signal thread that consumes a
// blocked signal set via a timed wait"). Go cannot block a raw signal mask
// the way sigtimedwait does, so a buffered os/signal channel drained in a
// for-select loop is the idiomatic substitute; the dispatch shape —
// SIGTERM/SIGINT shut down, SIGHUP reloads — is preserved exactly.
package signalmgr

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/drawbridge-io/chatbroker/internal/logx"
)

// Engine is the minimal interface the signal manager needs from either
// server variant: an orderly Shutdown.
type Engine interface {
	Shutdown()
}

// Manager owns the signal-consuming goroutine.
type Manager struct {
	ch   chan os.Signal
	done chan struct{}
}

// New registers for SIGTERM/SIGINT/SIGHUP and returns a Manager that has
// not yet started consuming them; call Run to start the goroutine.
func New() *Manager {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	return &Manager{ch: ch, done: make(chan struct{})}
}

// Run blocks, dispatching signals to engine.Shutdown on SIGTERM/SIGINT and
// to onReload on SIGHUP, until Stop is called. Intended to run on its own
// goroutine.
func (m *Manager) Run(engine Engine, onReload func()) {
	for {
		select {
		case sig := <-m.ch:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logx.Info("signalmgr: received %s, shutting down", sig)
				engine.Shutdown()
			case syscall.SIGHUP:
				logx.Info("signalmgr: received SIGHUP, reloading configuration")
				if onReload != nil {
					onReload()
				}
			}
		case <-m.done:
			return
		}
	}
}

// Stop unregisters the signal channel and terminates Run.
func (m *Manager) Stop() {
	signal.Stop(m.ch)
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}
