// Package chat implements the chat variant's readiness loop, task
// pipeline, and command state machine (spec.md §§4.5, 4.7, 4.8).
package chat

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/drawbridge-io/chatbroker/internal/conn"
	"github.com/drawbridge-io/chatbroker/internal/errs"
	"github.com/drawbridge-io/chatbroker/internal/logx"
	"github.com/drawbridge-io/chatbroker/internal/netpoll"
	"github.com/drawbridge-io/chatbroker/internal/notify"
	"github.com/drawbridge-io/chatbroker/internal/pool"
	"github.com/drawbridge-io/chatbroker/internal/socket"
)

// Engine owns every object the readiness loop touches: the registry, the
// two worker pools, the poller, and the cross-thread notifier. It is
// constructed explicitly by cmd/chatd's main and holds no package-level
// state, per the Design Notes in spec.md §9.
type Engine struct {
	Registry *conn.Registry
	FastPool *pool.Pool
	SlowPool *pool.Pool
	Poller   *netpoll.Poller
	Notifier *notify.Notifier

	waitTimeoutMS   int
	shutdownReq     chan struct{}
	notifierCarrier *netpoll.Carrier
}

// New creates an Engine and registers its notifier descriptor with poller.
// waitTimeoutMS is the readiness loop's per-iteration wait bound (spec.md
// §4.5, default 100ms).
func New(registry *conn.Registry, fastPool, slowPool *pool.Pool, poller *netpoll.Poller, notifier *notify.Notifier, waitTimeoutMS int) (*Engine, error) {
	e := &Engine{
		Registry:      registry,
		FastPool:      fastPool,
		SlowPool:      slowPool,
		Poller:        poller,
		Notifier:      notifier,
		waitTimeoutMS: waitTimeoutMS,
		shutdownReq:   make(chan struct{}),
	}
	e.notifierCarrier = netpoll.NewCarrier(notifier.FD(), func() (any, bool) { return nil, true })
	if err := poller.Add(notifier.FD(), e.notifierCarrier, true); err != nil {
		return nil, err
	}
	return e, nil
}

// RegisterListener wraps an already-bound, listening, non-blocking socket
// as the listening Connection and registers it with the poller.
func (e *Engine) RegisterListener(sock *socket.Socket) error {
	return e.Registry.Register(conn.New(sock, true, ""))
}

// Shutdown requests that Run return at the start of its next iteration,
// without processing the batch it may currently be waiting on (spec.md
// §4.5 step 2). Safe to call more than once.
func (e *Engine) Shutdown() {
	select {
	case <-e.shutdownReq:
	default:
		close(e.shutdownReq)
	}
}

func (e *Engine) shuttingDown() bool {
	select {
	case <-e.shutdownReq:
		return true
	default:
		return false
	}
}

// Run blocks, executing one readiness-loop iteration per pass, until
// Shutdown is called or a non-interruption kernel error is observed on
// Wait (spec.md §4.5, §7's "aborts the loop and triggers shutdown").
func (e *Engine) Run() {
	for !e.shuttingDown() {
		if err := e.runOnce(); err != nil {
			logx.Err("chat: readiness wait failed, aborting loop: %v", err)
			return
		}
	}
}

func (e *Engine) runOnce() error {
	events, err := e.Poller.Wait(e.waitTimeoutMS)
	if err != nil {
		return err
	}
	if e.shuttingDown() {
		return nil
	}

	// Register descriptors handed over through the notifier before any other
	// event of this batch is handled.
	for _, ev := range events {
		if ev.Carrier == e.notifierCarrier && !ev.Err {
			e.drainNotifier()
			break
		}
	}

	for _, ev := range events {
		if ev.Err {
			logx.Warn("chat: fd reported an error condition, discarding event")
			continue
		}
		if ev.Carrier == e.notifierCarrier {
			continue
		}

		target, ok := ev.Carrier.Upgrade()
		if !ok {
			// The Connection behind this Carrier is already gone; the
			// event is stale (spec.md §4.5 step 3).
			continue
		}
		c, ok := target.(*conn.Connection)
		if !ok {
			continue
		}

		if c.IsListening() {
			e.acceptLoop(c)
			continue
		}
		if err := e.FastPool.Submit(e.NewReceiveTask(c)); err != nil {
			logx.Err("chat: failed to submit ReceiveTask for fd %d: %v", c.FD(), err)
		}
	}

	e.Registry.ApplyPending()
	return nil
}

// acceptLoop accepts on listener until the kernel reports WouldBlock,
// finishing each accepted descriptor in-line on the readiness thread —
// the "simpler variant" in which the listener and readiness threads are
// unified (spec.md §5).
func (e *Engine) acceptLoop(listener *conn.Connection) {
	for {
		sock, remote, err := listener.AcceptNewConnection()
		if err != nil {
			if errs.WouldBlock(err) {
				return
			}
			logx.Err("chat: accept failed: %v", err)
			return
		}
		if err := e.finishAccept(sock, remote); err != nil {
			logx.Err("chat: failed to finish accept for fd %d: %v", sock.FD(), err)
		}
	}
}

// AcceptOnNotifier runs on a dedicated listener goroutine: it owns
// listenerSock directly and hands each accepted descriptor to the
// readiness thread through the notifier instead of touching the registry
// itself (spec.md §4.6). Used by deployments that keep accept off the
// readiness thread.
func (e *Engine) AcceptOnNotifier(listenerSock *socket.Socket) {
	for !e.shuttingDown() {
		sock, sa, err := listenerSock.Accept()
		if err != nil {
			if errs.WouldBlock(err) {
				time.Sleep(time.Millisecond)
				continue
			}
			logx.Err("chat: listener thread accept failed: %v", err)
			return
		}
		if err := sock.SetNonblocking(); err != nil {
			logx.Err("chat: failed to set nonblocking on fd %d: %v", sock.FD(), err)
			_ = sock.Close()
			continue
		}
		if err := e.Notifier.Push(notify.Pending{FD: sock.FD(), Remote: decodeSockaddr(sa)}); err != nil {
			logx.Err("chat: failed to push accepted fd %d to notifier: %v", sock.FD(), err)
		}
	}
}

func (e *Engine) drainNotifier() {
	for _, p := range e.Notifier.Drain() {
		if err := e.finishAccept(socket.New(p.FD), p.Remote); err != nil {
			logx.Err("chat: failed to finish notifier-handed accept for fd %d: %v", p.FD, err)
		}
	}
}

// finishAccept applies the per-connection socket options required by
// spec.md §4.5 step 4 (non-blocking, TCP_NODELAY, SO_KEEPALIVE), wraps the
// descriptor as a non-listening edge-triggered Connection, registers it,
// and enqueues the two synthetic slow-pool tasks: the join announcement
// and the \intro service command.
func (e *Engine) finishAccept(sock *socket.Socket, remote string) error {
	if err := sock.SetNonblocking(); err != nil {
		_ = sock.Close()
		return err
	}
	_ = sock.SetOption(unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	_ = sock.SetOption(unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

	c := conn.New(sock, false, remote)
	c.SetUsername("")
	if err := e.Registry.Register(c); err != nil {
		return err
	}

	e.enqueueJoinAnnouncement(c)
	e.enqueueIntro(c)
	return nil
}

func (e *Engine) enqueueJoinAnnouncement(c *conn.Connection) {
	msg := MessageContext{
		SenderFD:   c.FD(),
		SenderName: ServerSenderName,
		Payload:    []byte(c.Username() + " has joined.\n"),
	}
	if err := e.SlowPool.Submit(e.NewProcessTask(msg)); err != nil {
		logx.Err("chat: failed to submit join announcement for fd %d: %v", c.FD(), err)
	}
}

func (e *Engine) enqueueIntro(c *conn.Connection) {
	msg := MessageContext{
		SenderFD:   c.FD(),
		SenderName: ServerSenderName,
		Receiver:   c,
		Payload:    []byte(`\intro` + "\n"),
	}
	if err := e.SlowPool.Submit(e.NewProcessTask(msg)); err != nil {
		logx.Err("chat: failed to submit intro task for fd %d: %v", c.FD(), err)
	}
}

// senderOf recovers the live Connection a reply should be written to.
// ReceiveTask-originated messages carry it directly in Sender; the two
// synthetic accept-time tasks do not, so those fall back to a registry
// lookup by descriptor.
func (e *Engine) senderOf(msg MessageContext) *conn.Connection {
	if msg.Sender != nil {
		return msg.Sender
	}
	c, _ := e.Registry.Get(msg.SenderFD)
	return c
}

// replyServerMessage writes one "name> text" line to receiver, best
// effort, via the fast pool. receiver may be nil if the connection has
// already vanished; that is logged, not treated as a bug, since a reply
// racing a close is expected (spec.md §7's "best-effort" wording).
func (e *Engine) replyServerMessage(receiver *conn.Connection, senderFD int, name, text string) {
	if receiver == nil {
		logx.Debug("chat: dropping server reply to vanished fd %d", senderFD)
		return
	}
	payload := []byte(name + "> " + text + "\n")
	wt := e.NewSingleWriteTask(senderFD, receiver, payload)
	if err := e.FastPool.Submit(wt); err != nil {
		logx.Err("chat: failed to submit server reply for fd %d: %v", senderFD, err)
	}
}

func decodeSockaddr(sa unix.Sockaddr) string {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d:%d", in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3], in4.Port)
}
