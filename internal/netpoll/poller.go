// Package netpoll wraps the epoll readiness multiplexer used by the
// readiness loop. It registers and removes raw descriptors and returns, on
// Wait, the Carrier pointers the caller previously associated with each
// descriptor — never the descriptor itself — so that a destroyed Connection
// can never be resurrected from a stale epoll payload (see Carrier's
// lifetime rule in spec.md §3).
package netpoll

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/drawbridge-io/chatbroker/internal/errs"
)

const maxEvents = 128

// Carrier is a heap cell whose address is the event payload registered
// with epoll. Its Upgrade function recovers whatever the caller wants on a
// readiness event and reports (nil, false) once that object is no longer
// live. Whatever the Upgrade closure captures stays reachable for as long
// as the Carrier does; the Poller holds the Carrier until Remove.
type Carrier struct {
	fd      int
	Upgrade func() (any, bool)
}

// NewCarrier creates a Carrier for fd. upgrade must return (target, true) if
// the backing object is still alive, or (nil, false) once it has been
// destroyed — the Go analogue of boost::weak_ptr::lock() returning an empty
// shared_ptr.
func NewCarrier(fd int, upgrade func() (any, bool)) *Carrier {
	return &Carrier{fd: fd, Upgrade: upgrade}
}

// Poller is a thin wrapper over one epoll instance.
type Poller struct {
	fd int

	mu       sync.Mutex
	carriers map[int]*Carrier // fd -> carrier, kept here (not in the kernel) so Remove never dereferences a freed pointer

	eventBuf [maxEvents]unix.EpollEvent
}

// New creates a new epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, wrapSystem(err)
	}
	return &Poller{fd: fd, carriers: make(map[int]*Carrier)}, nil
}

// Add registers fd with the poller. listening sockets are registered in
// level-triggered mode (no EPOLLET); every other connection is registered
// edge-triggered, obliging the reader to drain fully on each wake.
func (p *Poller) Add(fd int, carrier *Carrier, listening bool) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLERR)
	if !listening {
		events |= unix.EPOLLET
	}

	p.mu.Lock()
	p.carriers[fd] = carrier
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		delete(p.carriers, fd)
		p.mu.Unlock()
		return wrapSystem(err)
	}
	return nil
}

// Remove unregisters fd. Safe to call even if fd was never added.
func (p *Poller) Remove(fd int) error {
	p.mu.Lock()
	delete(p.carriers, fd)
	p.mu.Unlock()

	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return wrapSystem(err)
	}
	return nil
}

// ReadyEvent is one readiness notification: the Carrier registered for the
// triggered fd and whether the kernel reported an error condition.
type ReadyEvent struct {
	Carrier *Carrier
	Err     bool
}

// Wait blocks for up to timeoutMS milliseconds and returns the batch of
// ready events. It never blocks on anything other than the epoll_wait
// syscall itself.
func (p *Poller) Wait(timeoutMS int) ([]ReadyEvent, error) {
	n, err := unix.EpollWait(p.fd, p.eventBuf[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, wrapSystem(err)
	}
	if n == 0 {
		return nil, nil
	}

	out := make([]ReadyEvent, 0, n)
	p.mu.Lock()
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		carrier, ok := p.carriers[fd]
		if !ok {
			continue
		}
		out = append(out, ReadyEvent{
			Carrier: carrier,
			Err:     p.eventBuf[i].Events&unix.EPOLLERR != 0,
		})
	}
	p.mu.Unlock()
	return out, nil
}

// Close closes the epoll descriptor.
func (p *Poller) Close() error {
	if err := unix.Close(p.fd); err != nil {
		return wrapSystem(err)
	}
	return nil
}

func wrapSystem(err error) error {
	return &systemErr{cause: err}
}

type systemErr struct{ cause error }

func (e *systemErr) Error() string { return "netpoll: " + e.cause.Error() }
func (e *systemErr) Unwrap() error { return errs.ErrSystem }
