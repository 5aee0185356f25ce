// Package notify implements the cross-thread notifier described in
// spec.md §4.6: an eventfd-backed control descriptor that lets a dedicated
// listener thread hand newly-accepted descriptors back to the readiness
// thread without racing epoll_wait.
package notify

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/drawbridge-io/chatbroker/internal/errs"
)

// Pending is one descriptor waiting to be registered with the poller by the
// readiness thread, along with enough context to build the Connection.
type Pending struct {
	FD     int
	Remote string
}

// Notifier pairs an eventfd with a mutex-guarded pending-registration list.
// Accept (listener thread) appends to the list and writes one event;
// Drain (readiness thread) reads the event back and atomically swaps out
// the list.
type Notifier struct {
	fd int

	mu      sync.Mutex
	pending []Pending
}

// New creates a Notifier backed by a fresh eventfd.
func New() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, wrapSystem(err)
	}
	return &Notifier{fd: fd}, nil
}

// FD returns the eventfd descriptor so the caller can register it with the
// poller alongside every other connection.
func (n *Notifier) FD() int { return n.fd }

// Push appends one pending registration and signals the eventfd. A
// descriptor appended here is guaranteed to be visible to the next Drain
// call, satisfying the ordering contract in spec.md §4.6: it will be
// registered before any other descriptor's readiness event is handled in
// the same batch, because Drain runs first in the readiness loop's event
// handling order.
func (n *Notifier) Push(p Pending) error {
	n.mu.Lock()
	n.pending = append(n.pending, p)
	n.mu.Unlock()

	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(n.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return wrapSystem(err)
	}
	return nil
}

// Drain reads (and discards) the eventfd counter and returns every pending
// registration accumulated since the last Drain.
func (n *Notifier) Drain() []Pending {
	var buf [8]byte
	for {
		_, err := unix.Read(n.fd, buf[:])
		if err != nil {
			break
		}
	}

	n.mu.Lock()
	out := n.pending
	n.pending = nil
	n.mu.Unlock()
	return out
}

// Close closes the eventfd.
func (n *Notifier) Close() error {
	if err := unix.Close(n.fd); err != nil {
		return wrapSystem(err)
	}
	return nil
}

func wrapSystem(err error) error {
	return &systemErr{cause: err}
}

type systemErr struct{ cause error }

func (e *systemErr) Error() string { return "notify: " + e.cause.Error() }
func (e *systemErr) Unwrap() error { return errs.ErrSystem }
