// Package register implements the user-registration server variant: the
// same readiness-loop/Connection/Registry machinery as internal/chat, with
// the chat command state machine replaced by a REGISTER/GET request
// dispatcher and a delay-policy response queue (spec.md §4.9, grounded on
// original_source's TestQueue/Request pair).
package register

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/drawbridge-io/chatbroker/internal/conn"
	"github.com/drawbridge-io/chatbroker/internal/errs"
	"github.com/drawbridge-io/chatbroker/internal/logx"
	"github.com/drawbridge-io/chatbroker/internal/netpoll"
	"github.com/drawbridge-io/chatbroker/internal/pool"
	"github.com/drawbridge-io/chatbroker/internal/socket"
)

// MaxRequestLength bounds one request line; exceeding it yields 400
// without closing the connection (spec.md §6 — distinct from the
// per-connection 8192-byte buffer cap in internal/conn, which closes the
// connection instead).
const MaxRequestLength = 4 * 1600

// SleepPolicy selects which of the three delay variants permitted by
// spec.md §6 governs the minimum gap between request receipt/execution
// and response send.
type SleepPolicy int

const (
	// SleepFromReceipt delays until sleepMillis after the request line
	// was fully received (DELAY_NO_EARLIER in the original).
	SleepFromReceipt SleepPolicy = iota
	// SleepFromExecution delays until sleepMillis after dispatch began
	// (DELAY_EXECUTION in the original, and its compiled default).
	SleepFromExecution
	// SleepTrailing always sleeps sleepMillis after dispatch, regardless
	// of how long dispatch itself took (DELAY_ADD_SLEEP).
	SleepTrailing
)

type queuedRequest struct {
	text       string
	receiver   *conn.Connection
	senderFD   int
	receivedAt time.Time
}

// Engine owns the registration variant's registry, fast pool, poller, and
// the bespoke single delay-aware request queue that replaces the chat
// variant's slow pool (the original has no generic thread pool on this
// path at all — TestQueue is a dedicated, maintenance-aware queue, not a
// worker pool, so it is not built on internal/pool here).
type Engine struct {
	Registry   *conn.Registry
	FastPool   *pool.Pool
	Poller     *netpoll.Poller
	Dispatcher *Dispatcher

	waitTimeoutMS int
	shutdownReq   chan struct{}

	queueMu     sync.Mutex
	queueCond   *sync.Cond
	queue       []queuedRequest
	maintenance atomic.Bool
	sleepMillis atomic.Int64
	sleepPolicy atomic.Int32
	queueWG     sync.WaitGroup
}

// New creates an Engine. queueWorkers controls how many goroutines drain
// the request queue concurrently; the original runs exactly one, so 1 is
// the expected default, but nothing below requires it.
func New(registry *conn.Registry, fastPool *pool.Pool, poller *netpoll.Poller, repo Repository, queueWorkers int, sleepMillis int, policy SleepPolicy, maintenance bool) *Engine {
	e := &Engine{
		Registry:      registry,
		FastPool:      fastPool,
		Poller:        poller,
		Dispatcher:    NewDispatcher(repo),
		waitTimeoutMS: 100,
		shutdownReq:   make(chan struct{}),
	}
	e.queueCond = sync.NewCond(&e.queueMu)
	e.sleepMillis.Store(int64(sleepMillis))
	e.sleepPolicy.Store(int32(policy))
	e.maintenance.Store(maintenance)

	if queueWorkers < 1 {
		queueWorkers = 1
	}
	e.queueWG.Add(queueWorkers)
	for i := 0; i < queueWorkers; i++ {
		go e.runQueue()
	}
	return e
}

// RegisterListener wraps an already-bound, listening, non-blocking socket
// as the listening Connection and registers it with the poller.
func (e *Engine) RegisterListener(sock *socket.Socket) error {
	return e.Registry.Register(conn.New(sock, true, ""))
}

// SetMaintenance pauses or resumes queue processing; acceptance and
// framing continue either way (spec.md §6's "pauses request processing
// but continues acceptance").
func (e *Engine) SetMaintenance(on bool) {
	e.maintenance.Store(on)
	e.queueMu.Lock()
	e.queueCond.Broadcast()
	e.queueMu.Unlock()
}

// SetSleepPolicy reconfigures the delay policy and minimum delay at
// runtime, e.g. from a SIGHUP reload.
func (e *Engine) SetSleepPolicy(policy SleepPolicy, millis int) {
	e.sleepPolicy.Store(int32(policy))
	e.sleepMillis.Store(int64(millis))
}

func (e *Engine) Shutdown() {
	select {
	case <-e.shutdownReq:
	default:
		close(e.shutdownReq)
	}
	e.queueMu.Lock()
	e.queueCond.Broadcast()
	e.queueMu.Unlock()
	e.queueWG.Wait()
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
// Shutdown is called.
func (e *Engine) Run() {
	for !e.shuttingDown() {
		if err := e.runOnce(); err != nil {
			logx.Err("register: readiness wait failed, aborting loop: %v", err)
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

	for _, ev := range events {
		if ev.Err {
			logx.Warn("register: fd reported an error condition, discarding event")
			continue
		}
		target, ok := ev.Carrier.Upgrade()
		if !ok {
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
		if err := e.FastPool.Submit(e.newReceiveTask(c)); err != nil {
			logx.Err("register: failed to submit receive task for fd %d: %v", c.FD(), err)
		}
	}

	e.Registry.ApplyPending()
	return nil
}

func (e *Engine) acceptLoop(listener *conn.Connection) {
	for {
		sock, remote, err := listener.AcceptNewConnection()
		if err != nil {
			if errs.WouldBlock(err) {
				return
			}
			logx.Err("register: accept failed: %v", err)
			return
		}
		if err := sock.SetNonblocking(); err != nil {
			logx.Err("register: failed to set nonblocking on fd %d: %v", sock.FD(), err)
			_ = sock.Close()
			continue
		}
		_ = sock.SetOption(unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		c := conn.New(sock, false, remote)
		if err := e.Registry.Register(c); err != nil {
			logx.Err("register: failed to register accepted connection: %v", err)
		}
	}
}

type receiveTask struct {
	engine *Engine
	c      *conn.Connection
}

func (e *Engine) newReceiveTask(c *conn.Connection) *receiveTask {
	return &receiveTask{engine: e, c: c}
}

func (t *receiveTask) Execute() {
	defer func() {
		if r := recover(); r != nil {
			logx.Err("register: recovered panic on fd %d: %v", t.c.FD(), r)
		}
	}()

	fd := t.c.FD()
	err := t.c.DrainIntoBuffer()
	switch errs.Kind(err) {
	case errs.KindUnknown:
		// fall through to framing
	case errs.KindBufferOverflow, errs.KindConnectionClosed:
		t.c.Close()
		t.engine.Registry.DeferRemove(fd)
		return
	default:
		logx.Err("register: error reading fd %d: %v", fd, err)
		return
	}

	frame, ok := t.c.TakeCompletePrefix()
	if !ok {
		return
	}
	for _, raw := range strings.Split(string(frame), "\n") {
		line := strings.TrimRight(raw, "\r")
		if line == "" {
			continue
		}

		if len(line) > MaxRequestLength {
			if _, werr := t.c.Write([]byte("400 Bad request\r\n")); werr != nil {
				logx.Debug("register: failed to write oversized-request response to fd %d: %v", fd, werr)
			}
			continue
		}

		t.engine.enqueueRequest(queuedRequest{
			text:       line,
			receiver:   t.c,
			senderFD:   fd,
			receivedAt: time.Now(),
		})
	}
}

func (e *Engine) enqueueRequest(req queuedRequest) {
	e.queueMu.Lock()
	e.queue = append(e.queue, req)
	e.queueCond.Signal()
	e.queueMu.Unlock()
}

func (e *Engine) runQueue() {
	defer e.queueWG.Done()
	for {
		e.queueMu.Lock()
		for (e.maintenance.Load() || len(e.queue) == 0) && !e.shuttingDown() {
			e.queueCond.Wait()
		}
		if e.shuttingDown() && len(e.queue) == 0 {
			e.queueMu.Unlock()
			return
		}
		if e.maintenance.Load() {
			e.queueMu.Unlock()
			continue
		}
		req := e.queue[0]
		e.queue = e.queue[1:]
		e.queueMu.Unlock()

		e.processRequest(req)
	}
}

func (e *Engine) processRequest(req queuedRequest) {
	millis := time.Duration(e.sleepMillis.Load()) * time.Millisecond
	policy := SleepPolicy(e.sleepPolicy.Load())

	var notBefore time.Time
	switch policy {
	case SleepFromReceipt:
		notBefore = req.receivedAt.Add(millis)
	case SleepFromExecution:
		notBefore = time.Now().Add(millis)
	}

	response := e.Dispatcher.Handle(req.text)

	switch policy {
	case SleepTrailing:
		time.Sleep(millis)
	case SleepFromReceipt, SleepFromExecution:
		if d := time.Until(notBefore); d > 0 {
			time.Sleep(d)
		}
	}

	if req.receiver.IsClosed() {
		logx.Debug("register: connection for fd %d closed before response was ready", req.senderFD)
		return
	}
	if _, err := req.receiver.Write([]byte(response + "\r\n")); err != nil {
		logx.Debug("register: failed to write response to fd %d: %v", req.senderFD, err)
	}
}
