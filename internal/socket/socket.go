// Package socket wraps one non-blocking kernel socket descriptor:
// create/bind/listen/accept/read/write/close with guaranteed release of the
// descriptor on every exit path.
package socket

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/drawbridge-io/chatbroker/internal/errs"
)

// Socket owns exactly one file descriptor. Close is idempotent and safe to
// call from a destructor-equivalent path (Connection.closeSocket) as many times
// as the caller likes.
type Socket struct {
	mu     sync.Mutex
	fd     int
	closed atomic.Bool
}

// New wraps an already-open descriptor (e.g. one returned by Accept).
func New(fd int) *Socket {
	return &Socket{fd: fd}
}

// Create allocates a new kernel socket. domain/typ/proto follow the raw
// syscall.Socket argument order (AF_INET, SOCK_STREAM, 0 for TCP).
func Create(domain, typ, proto int) (*Socket, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return nil, wrapSystem(err)
	}
	return New(fd), nil
}

// Bind binds the socket to a local IPv4 address:port.
func (s *Socket) Bind(ip [4]byte, port int) error {
	addr := &unix.SockaddrInet4{Port: port, Addr: ip}
	if err := unix.Bind(s.fd, addr); err != nil {
		return wrapSystem(err)
	}
	return nil
}

// Listen marks the socket as a listening socket with the given backlog.
func (s *Socket) Listen(backlog int) error {
	if err := unix.Listen(s.fd, backlog); err != nil {
		return wrapSystem(err)
	}
	return nil
}

// SetNonblocking puts the descriptor into non-blocking mode. Every socket in
// this system, including the listening socket, is non-blocking; the
// readiness loop never blocks on I/O other than the poller wait itself.
func (s *Socket) SetNonblocking() error {
	if err := unix.SetNonblock(s.fd, true); err != nil {
		return wrapSystem(err)
	}
	return nil
}

// SetOption sets an integer socket option (e.g. TCP_NODELAY, SO_KEEPALIVE).
func (s *Socket) SetOption(level, name, value int) error {
	if err := unix.SetsockoptInt(s.fd, level, name, value); err != nil {
		return wrapSystem(err)
	}
	return nil
}

// Accept accepts one pending connection on a listening socket. Returns
// errs.ErrWouldBlock if the readiness notification was spurious (no
// pending connection left to accept).
func (s *Socket) Accept() (*Socket, unix.Sockaddr, error) {
	fd, sa, err := unix.Accept(s.fd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil, errs.ErrWouldBlock
		}
		return nil, nil, wrapSystem(err)
	}
	return New(fd), sa, nil
}

// Read reads into buf. Returns (n, nil) for a successful read, (0, nil) on
// orderly remote close (caller maps that to errs.ErrConnectionClosed), or
// (0, errs.ErrWouldBlock) if there is no data available right now.
func (s *Socket) Read(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errs.ErrWouldBlock
		}
		return 0, wrapSystem(err)
	}
	return n, nil
}

// Write writes bytes once. Partial writes are returned as-is; callers that
// need guaranteed full delivery must retry themselves, but the current
// design treats outbound chat/control lines as small enough that a short
// write is accepted as best-effort, matching the original's
// WriteDataToSocket contract.
func (s *Socket) Write(b []byte) (int, error) {
	n, err := unix.Write(s.fd, b)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, errs.ErrWouldBlock
		}
		return n, wrapSystem(err)
	}
	return n, nil
}

// FD returns the raw descriptor. Used only by the poller to register the
// socket and by the registry to key the connection map.
func (s *Socket) FD() int {
	return s.fd
}

// Close closes the descriptor. Idempotent: the second and subsequent calls
// are no-ops.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := unix.Close(s.fd); err != nil {
		return wrapSystem(err)
	}
	return nil
}

// ListenTCP creates, binds, and listens on a non-blocking IPv4 TCP socket
// at iface:port with SO_REUSEADDR set, the same sequence cmd/chatd and
// cmd/registerd would otherwise repeat verbatim.
func ListenTCP(iface string, port, backlog int) (*Socket, error) {
	ip, err := ParseIPv4(iface)
	if err != nil {
		return nil, err
	}
	s, err := Create(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := s.SetOption(unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.Bind(ip, port); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.Listen(backlog); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.SetNonblocking(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// ParseIPv4 resolves iface (an IPv4 literal, hostname, or "0.0.0.0"/"" for
// any address) to the 4-byte form Bind expects. cmd/chatd and
// cmd/registerd use this to turn a config.Config's TCPInterface string
// into a bindable address without pulling in any heavier DNS/config
// parsing than net.ResolveIPAddr already provides.
func ParseIPv4(iface string) ([4]byte, error) {
	if iface == "" {
		return [4]byte{}, nil
	}
	addr, err := net.ResolveIPAddr("ip4", iface)
	if err != nil {
		return [4]byte{}, fmt.Errorf("socket: resolve %q: %w", iface, err)
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return [4]byte{}, fmt.Errorf("socket: %q does not resolve to an IPv4 address", iface)
	}
	return [4]byte{ip4[0], ip4[1], ip4[2], ip4[3]}, nil
}

func wrapSystem(err error) error {
	return &systemErr{cause: err}
}

type systemErr struct{ cause error }

func (e *systemErr) Error() string { return "socket: " + e.cause.Error() }
func (e *systemErr) Unwrap() error { return errs.ErrSystem }
func (e *systemErr) Cause() error  { return e.cause }
