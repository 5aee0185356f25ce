package netpoll

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestAddWaitRemove(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	upgraded := true
	carrier := NewCarrier(fds[0], func() (any, bool) {
		return "target", upgraded
	})
	require.NoError(t, p.Add(fds[0], carrier, false))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events, err := p.Wait(1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.False(t, events[0].Err)

	target, ok := events[0].Carrier.Upgrade()
	require.True(t, ok)
	require.Equal(t, "target", target)

	require.NoError(t, p.Remove(fds[0]))

	_, err = unix.Write(fds[1], []byte("y"))
	require.NoError(t, err)
	events, err = p.Wait(100)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestUpgradeFailsAfterDestruction(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	destroyed := false
	carrier := NewCarrier(fds[0], func() (any, bool) {
		if destroyed {
			return nil, false
		}
		return "alive", true
	})
	require.NoError(t, p.Add(fds[0], carrier, false))

	destroyed = true
	_, ok := carrier.Upgrade()
	require.False(t, ok)
}
