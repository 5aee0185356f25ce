package conn

import (
	"sync"

	"github.com/drawbridge-io/chatbroker/internal/errs"
	"github.com/drawbridge-io/chatbroker/internal/logx"
	"github.com/drawbridge-io/chatbroker/internal/netpoll"
)

// Registry is the connection-management singleton-equivalent: a map from
// socket descriptor to Connection, plus a pending-delete list. It is no
// longer a process-wide singleton (per spec.md §9's Design Notes) — callers
// construct one Registry explicitly and thread it through the engine.
//
// Two separate mutexes guard the map and the pending list so that a long
// critical section is never held while events are being dispatched. Lock
// ordering when both are needed (ApplyPending) is: pending THEN map.
type Registry struct {
	poller *netpoll.Poller

	mapMu       sync.Mutex
	connections map[int]*Connection

	pendingMu sync.Mutex
	pending   []int
}

// NewRegistry creates a Registry bound to poller.
func NewRegistry(poller *netpoll.Poller) *Registry {
	return &Registry{
		poller:      poller,
		connections: make(map[int]*Connection),
	}
}

// Register registers c's descriptor and Carrier with the poller and
// publishes c in the map. If a prior mapping exists for the
// same descriptor (only possible once the kernel has reused a recently
// closed fd) it is forcibly erased first.
//
// If registration with the poller fails, the accepted descriptor is closed
// and no Connection is published — this is fatal for that one accept
// attempt, not for the server.
func (r *Registry) Register(c *Connection) error {
	if err := r.poller.Add(c.FD(), c.Carrier(), c.IsListening()); err != nil {
		_ = c.closeSocket()
		return err
	}

	r.mapMu.Lock()
	delete(r.connections, c.FD())
	r.connections[c.FD()] = c
	r.mapMu.Unlock()
	return nil
}

// DeferRemove appends fd to the pending-delete list. Removal from the
// poller and the map happens only at the end of the current readiness
// cycle (ApplyPending), because the event payload for fd may still be
// delivered later in this wake's batch.
func (r *Registry) DeferRemove(fd int) {
	r.pendingMu.Lock()
	r.pending = append(r.pending, fd)
	r.pendingMu.Unlock()
}

// ApplyPending drains the pending-delete list: for each pending descriptor,
// unregisters it from the poller and erases it from the map if the
// Connection is marked closed. Called once at the end of every readiness
// loop iteration, never mid-batch.
func (r *Registry) ApplyPending() {
	r.pendingMu.Lock()
	if len(r.pending) == 0 {
		r.pendingMu.Unlock()
		return
	}
	pending := r.pending
	r.pending = nil
	r.pendingMu.Unlock()

	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	for _, fd := range pending {
		if err := r.poller.Remove(fd); err != nil {
			logx.Warn("registry: error removing fd %d from poller: %v", fd, err)
		}
		c, ok := r.connections[fd]
		if ok && c.IsClosed() {
			delete(r.connections, fd)
			_ = c.closeSocket()
		}
	}
}

// ActiveSnapshot copies all current Connections into a fresh slice and
// releases the map lock before returning, so callers never iterate while
// holding a registry lock.
func (r *Registry) ActiveSnapshot() []*Connection {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// FindByUsername performs a linear scan under the map lock.
func (r *Registry) FindByUsername(name string) (*Connection, error) {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	for _, c := range r.connections {
		if c.Username() == name {
			return c, nil
		}
	}
	return nil, errs.ErrNotFound
}

// AssignUsername detects a uniqueness conflict and locates the target
// descriptor in the same linear pass, matching the original's
// SetClientUsername contract.
func (r *Registry) AssignUsername(fd int, name string) error {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()

	var target *Connection
	for f, c := range r.connections {
		if c.Username() == name {
			return errs.ErrAlreadyDefined
		}
		if f == fd {
			target = c
		}
	}
	if target == nil {
		return errs.ErrNotFound
	}
	target.SetUsername(name)
	return nil
}

// Get returns the Connection registered for fd, if any.
func (r *Registry) Get(fd int) (*Connection, bool) {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	c, ok := r.connections[fd]
	return c, ok
}

// Len reports the number of currently registered connections. Test/metrics
// helper only.
func (r *Registry) Len() int {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	return len(r.connections)
}
