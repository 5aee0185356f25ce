package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/drawbridge-io/chatbroker/internal/errs"
	"github.com/drawbridge-io/chatbroker/internal/netpoll"
	"github.com/drawbridge-io/chatbroker/internal/socket"
)

func newTestConnection(t *testing.T) (*Connection, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })

	require.NoError(t, unix.SetNonblock(fds[0], true))
	c := New(socket.New(fds[0]), false, "test")
	return c, fds[1]
}

func newTestPoller(t *testing.T) *netpoll.Poller {
	t.Helper()
	p, err := netpoll.New()
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRegisterAndFindByUsername(t *testing.T) {
	registry := NewRegistry(newTestPoller(t))

	c, _ := newTestConnection(t)
	c.SetUsername("alice")
	require.NoError(t, registry.Register(c))

	found, err := registry.FindByUsername("alice")
	require.NoError(t, err)
	require.Same(t, c, found)

	_, err = registry.FindByUsername("bob")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAssignUsernameConflict(t *testing.T) {
	registry := NewRegistry(newTestPoller(t))

	a, _ := newTestConnection(t)
	a.SetUsername("alice")
	require.NoError(t, registry.Register(a))

	b, _ := newTestConnection(t)
	b.SetUsername("user_1_1")
	require.NoError(t, registry.Register(b))

	err := registry.AssignUsername(b.FD(), "alice")
	require.ErrorIs(t, err, errs.ErrAlreadyDefined)

	require.NoError(t, registry.AssignUsername(b.FD(), "bob"))
	found, err := registry.FindByUsername("bob")
	require.NoError(t, err)
	require.Same(t, b, found)
}

func TestDeferRemoveOnlyTakesEffectAfterApplyPending(t *testing.T) {
	registry := NewRegistry(newTestPoller(t))

	c, _ := newTestConnection(t)
	require.NoError(t, registry.Register(c))
	require.Equal(t, 1, registry.Len())

	c.Close()
	registry.DeferRemove(c.FD())
	require.Equal(t, 1, registry.Len(), "removal deferred until ApplyPending")

	registry.ApplyPending()
	require.Equal(t, 0, registry.Len())
}

func TestActiveSnapshotIsIndependentOfRegistry(t *testing.T) {
	registry := NewRegistry(newTestPoller(t))

	c, _ := newTestConnection(t)
	require.NoError(t, registry.Register(c))

	snap := registry.ActiveSnapshot()
	require.Len(t, snap, 1)

	other, _ := newTestConnection(t)
	require.NoError(t, registry.Register(other))

	require.Len(t, snap, 1, "snapshot must not observe later registrations")
	require.Equal(t, 2, registry.Len())
}
