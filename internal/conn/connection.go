// Package conn implements Connection (per-socket identity, receive buffer,
// and lifecycle flags) and the Registry that owns every live Connection.
package conn

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/drawbridge-io/chatbroker/internal/errs"
	"github.com/drawbridge-io/chatbroker/internal/netpoll"
	"github.com/drawbridge-io/chatbroker/internal/socket"
)

// MaxMessageLength is the maximum number of buffered, not-yet-framed bytes
// a Connection may accumulate before DrainIntoBuffer returns
// errs.ErrBufferOverflow.
const MaxMessageLength = 8192

// FrameTerminator marks end-of-message on the wire (spec.md glossary).
const FrameTerminator = '\n'

// readChunk is the per-syscall read size used while draining an
// edge-triggered socket; matches the original's MaxDataBufferSize.
const readChunk = 1024

var userCounter atomic.Int64

// Connection owns one Socket plus the per-connection receive buffer,
// username, and lifecycle flags described in spec.md §3. Its carrier is the
// payload handed to the poller, which keeps it until the descriptor is
// removed (Registry.DeferRemove -> ApplyPending). The carrier's Upgrade
// fails as soon as the Connection is closed, so an event still queued for a
// closed Connection is discarded rather than dispatched.
type Connection struct {
	sock      *socket.Socket
	listening bool

	bufMu  sync.Mutex
	buf    []byte
	closed atomic.Bool

	nameMu   sync.RWMutex
	username string

	carrier *netpoll.Carrier

	remote string
}

// New wraps sock as a non-listening or listening Connection. listening
// sockets only ever produce accept-readiness events; non-listening sockets
// produce data-readiness events.
func New(sock *socket.Socket, listening bool, remote string) *Connection {
	c := &Connection{sock: sock, listening: listening, remote: remote}
	c.carrier = netpoll.NewCarrier(sock.FD(), func() (any, bool) {
		if c.closed.Load() {
			return nil, false
		}
		return c, true
	})
	return c
}

// Carrier returns the poller payload for this connection.
func (c *Connection) Carrier() *netpoll.Carrier { return c.carrier }

// FD returns the underlying descriptor.
func (c *Connection) FD() int { return c.sock.FD() }

// IsListening reports whether this Connection wraps the listening socket.
func (c *Connection) IsListening() bool { return c.listening }

// IsClosed reports whether Close has been observed.
func (c *Connection) IsClosed() bool { return c.closed.Load() }

// RemoteAddr returns the textual remote address captured at accept time.
func (c *Connection) RemoteAddr() string { return c.remote }

// Username returns the current display name.
func (c *Connection) Username() string {
	c.nameMu.RLock()
	defer c.nameMu.RUnlock()
	return c.username
}

// SetUsername stores name verbatim, or assigns an auto-generated unique
// name if name is empty. Callers have already validated length and
// content; this method does no validation of its own.
func (c *Connection) SetUsername(name string) {
	c.nameMu.Lock()
	defer c.nameMu.Unlock()
	if name != "" {
		c.username = name
		return
	}
	c.username = fmt.Sprintf("user_%d_%d", time.Now().Unix(), userCounter.Add(1))
}

// DrainIntoBuffer repeatedly reads from the socket until the kernel reports
// WouldBlock or an orderly close. Required for edge-triggered sockets: the
// "more data available" notification will not re-fire until the buffer is
// fully drained in one call.
//
// Returns nil on success, errs.ErrBufferOverflow if the accumulated buffer
// would exceed MaxMessageLength, errs.ErrConnectionClosed on orderly
// remote close, or an errs.ErrSystem-kind error on kernel failure.
func (c *Connection) DrainIntoBuffer() error {
	if c.closed.Load() {
		return errs.ErrConnectionClosed
	}

	var chunk [readChunk]byte
	for {
		n, err := c.sock.Read(chunk[:])
		if err != nil {
			if errs.WouldBlock(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			return errs.ErrConnectionClosed
		}

		c.bufMu.Lock()
		if len(c.buf)+n > MaxMessageLength {
			c.bufMu.Unlock()
			return errs.ErrBufferOverflow
		}
		c.buf = append(c.buf, chunk[:n]...)
		c.bufMu.Unlock()
	}
}

// TakeCompletePrefix returns the longest prefix of the receive buffer that
// ends at the last FrameTerminator byte, removing those bytes from the
// buffer. Returns (nil, false) if no complete frame exists yet.
func (c *Connection) TakeCompletePrefix() ([]byte, bool) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	idx := lastIndexByte(c.buf, FrameTerminator)
	if idx < 0 {
		return nil, false
	}
	prefix := make([]byte, idx+1)
	copy(prefix, c.buf[:idx+1])
	c.buf = c.buf[idx+1:]
	return prefix, true
}

func lastIndexByte(b []byte, needle byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == needle {
			return i
		}
	}
	return -1
}

// Write delegates to the underlying socket. No framing terminator is added
// here; callers producing user-visible lines must append it themselves.
func (c *Connection) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, errs.ErrConnectionClosed
	}
	return c.sock.Write(b)
}

// Close marks the Connection closed. Idempotent. The actual descriptor
// release and epoll unregistration happens through the Registry's deferred
// delete mechanism, not here, so that an in-flight event batch referencing
// this Connection is never dangled mid-dispatch.
func (c *Connection) Close() {
	c.closed.Store(true)
}

// closeSocket closes the underlying socket immediately. Only the Registry
// calls this, and only from ApplyPending after the descriptor has already
// been removed from the poller.
func (c *Connection) closeSocket() error {
	return c.sock.Close()
}

// AcceptNewConnection accepts one pending client on a listening Connection.
func (c *Connection) AcceptNewConnection() (*socket.Socket, string, error) {
	newSock, sa, err := c.sock.Accept()
	if err != nil {
		return nil, "", err
	}
	remote := ""
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		remote = fmt.Sprintf("%d.%d.%d.%d:%d", in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3], in4.Port)
	}
	return newSock, remote, nil
}
