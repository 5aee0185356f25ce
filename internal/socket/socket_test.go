package socket

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/drawbridge-io/chatbroker/internal/errs"
)

func TestCreateBindListenAcceptRoundtrip(t *testing.T) {
	listener, err := Create(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer listener.Close()

	require.NoError(t, listener.SetOption(unix.SOL_SOCKET, unix.SO_REUSEADDR, 1))
	require.NoError(t, listener.Bind([4]byte{127, 0, 0, 1}, 0))
	require.NoError(t, listener.Listen(16))
	require.NoError(t, listener.SetNonblocking())

	sa, err := unix.Getsockname(listener.FD())
	require.NoError(t, err)
	addr, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)

	client, err := Create(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer client.Close()

	err = unix.Connect(client.FD(), &unix.SockaddrInet4{Port: addr.Port, Addr: addr.Addr})
	require.NoError(t, err)

	var accepted *Socket
	for i := 0; i < 1000 && accepted == nil; i++ {
		accepted, _, err = listener.Accept()
		if err != nil {
			require.True(t, errs.WouldBlock(err))
		}
	}
	require.NotNil(t, accepted, "expected to accept the pending connection")
	defer accepted.Close()

	payload := []byte("hello\n")
	n, err := client.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	buf := make([]byte, 64)
	var total int
	for i := 0; i < 1000 && total < len(payload); i++ {
		n, err = accepted.Read(buf[total:])
		if err != nil {
			require.True(t, errs.WouldBlock(err))
			continue
		}
		total += n
	}
	require.Equal(t, payload, buf[:total])
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Create(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
